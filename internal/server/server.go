package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"content-media-app/internal/database"
	"content-media-app/internal/observability/logging"
	"content-media-app/internal/observability/metrics"
	"content-media-app/internal/serverutil"
)

const (
	authPrefix    = "/api/auth"
	contentPrefix = "/api/content"
	healthPath    = "/api/health"
)

type Config struct {
	Addr            string
	StaticDir       string
	MetricsPath     string
	ShutdownTimeout time.Duration
	// Listener, when set, replaces binding Addr.
	Listener net.Listener

	TrustedProxyHops int
	Security         SecurityConfig
	RateLimit        RateLimitConfig
	CORS             CORSConfig
	Body             BodyConfig

	// AuthRoutes and ContentRoutes receive every request under their prefix
	// with the prefix removed from the path.
	AuthRoutes    http.Handler
	ContentRoutes http.Handler
	// Routes, when set, builds the route groups on top of Database. Groups it
	// returns take precedence over AuthRoutes and ContentRoutes.
	Routes   RouteFactory
	Database database.Querier

	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time
}

// RouteGroups are the handlers mounted under /api/auth and /api/content.
type RouteGroups struct {
	Auth    http.Handler
	Content http.Handler
}

// RouteFactory builds the route groups. Every query they run goes through db.
type RouteFactory func(db database.Querier) (RouteGroups, error)

type Server struct {
	httpServer      *http.Server
	listener        net.Listener
	handler         http.Handler
	pipeline        *Pipeline
	rateLimiter     *RateLimiter
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	assets, err := loadAssets(cfg.StaticDir, logger)
	if err != nil {
		return nil, err
	}

	groups := RouteGroups{Auth: cfg.AuthRoutes, Content: cfg.ContentRoutes}
	if cfg.Routes != nil {
		built, err := cfg.Routes(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("build route groups: %w", err)
		}
		if built.Auth != nil {
			groups.Auth = built.Auth
		}
		if built.Content != nil {
			groups.Content = built.Content
		}
	}

	cors, err := newCORSPolicy(cfg.CORS, logger)
	if err != nil {
		return nil, err
	}
	if cors.permissive() {
		logger.Warn("CORS allows any origin with credentials; restrict CMA_CORS_ORIGINS before production")
	}

	rateCfg := cfg.RateLimit
	if rateCfg.Now == nil {
		rateCfg.Now = now
	}
	limiter := NewRateLimiter(rateCfg)
	limiter.withObservability(logger, recorder)
	limiter.withCORS(cors)

	router := newRouter(routerConfig{
		assets:        assets,
		metricsPath:   cfg.MetricsPath,
		recorder:      recorder,
		authRoutes:    groups.Auth,
		contentRoutes: groups.Content,
		now:           now,
	})

	pipeline := newPipeline(router, newErrorStage(logger, recorder),
		newClientIPResolver(cfg.TrustedProxyHops),
		newSecurityHeaders(cfg.Security),
		limiter,
		cors,
		newBodyParser(cfg.Body),
	)

	var handler http.Handler = pipeline
	handler = metrics.HTTPMiddleware(recorder, handler)
	handler = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(handler)
	handler = requestIDMiddleware(logger, handler)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &Server{
		httpServer:      httpServer,
		listener:        cfg.Listener,
		handler:         handler,
		pipeline:        pipeline,
		rateLimiter:     limiter,
		logger:          logger,
		shutdownTimeout: cfg.ShutdownTimeout,
	}, nil
}

// Handler exposes the full request path (observability, pipeline, router)
// for in-process use.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Stages lists the pipeline stages in the order they run.
func (s *Server) Stages() []string {
	return s.pipeline.Stages()
}

// Run serves until ctx is cancelled, then shuts down gracefully. The rate
// limiter's sweeper runs alongside and stops with the HTTP server. ready, when
// non-nil, is closed once the listener is bound.
func (s *Server) Run(ctx context.Context, ready chan<- struct{}) error {
	if s.httpServer == nil {
		return errors.New("http server is not configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		defer cancel()
		return serverutil.Run(groupCtx, serverutil.Config{
			Server:          s.httpServer,
			ShutdownTimeout: s.shutdownTimeout,
			Listener:        s.listener,
			Ready:           ready,
			OnListen: func(addr net.Addr) {
				s.logger.Info("server listening", "addr", addr.String())
			},
		})
	})
	group.Go(func() error {
		return s.rateLimiter.Run(groupCtx)
	})
	return group.Wait()
}
