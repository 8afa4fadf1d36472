package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"content-media-app/internal/config"
	"content-media-app/internal/database"
	"content-media-app/internal/observability/logging"
	"content-media-app/internal/observability/metrics"
	"content-media-app/internal/server"
)

// mountRoutes builds the authentication and content route groups on the shared
// pool. Left nil, both groups answer 501.
var mountRoutes server.RouteFactory

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], nil, os.Stdout, os.Stderr, nil); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// run wires configuration, the database pool, the optional shared rate-limit
// store, and the HTTP server, then blocks until ctx is cancelled.
func run(ctx context.Context, args []string, lookup config.LookupFunc, stdout, stderr io.Writer, ready chan<- struct{}) error {
	cfg, err := config.Load(args, lookup, stderr)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Writer: stdout})
	recorder := metrics.Default()

	db, err := database.Open(ctx, cfg.PoolConfig(),
		database.WithLogger(logger),
		database.WithMetrics(recorder),
	)
	if err != nil {
		return err
	}
	defer closeWithTimeout(logger, "database", cfg.ShutdownTimeout, db.Close)

	store, err := rateStore(cfg, logger)
	if err != nil {
		return err
	}
	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		defer closeWithTimeout(logger, "rate limit store", cfg.ShutdownTimeout, closer.Close)
	}

	srv, err := server.New(serverConfig(cfg, logger, recorder, store, db))
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	err = srv.Run(ctx, ready)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err == nil {
		logger.Info("server stopped")
	}
	return err
}

// rateStore returns the shared Redis store when an address is configured and
// nil otherwise, which keeps counters in process.
func rateStore(cfg config.Config, logger *slog.Logger) (server.RateStore, error) {
	if cfg.RateLimit.RedisAddr == "" {
		return nil, nil
	}
	store, err := server.NewRedisStore(server.RedisStoreConfig{
		Addr:     cfg.RateLimit.RedisAddr,
		Password: cfg.RateLimit.RedisPassword,
		Prefix:   cfg.RateLimit.RedisPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("configure rate limit store: %w", err)
	}
	logger.Info("rate limit counters shared through redis", "addr", cfg.RateLimit.RedisAddr)
	return store, nil
}

func serverConfig(cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder, store server.RateStore, db *database.DB) server.Config {
	srvCfg := server.Config{
		Addr:             cfg.Addr(),
		StaticDir:        cfg.StaticDir,
		MetricsPath:      cfg.MetricsPath,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		TrustedProxyHops: cfg.Proxy.TrustedHops,
		RateLimit: server.RateLimitConfig{
			Window:      cfg.RateLimit.Window,
			Max:         cfg.RateLimit.Max,
			StatusCode:  cfg.RateLimit.StatusCode,
			Message:     cfg.RateLimit.Message,
			GlobalRPS:   cfg.RateLimit.GlobalRPS,
			GlobalBurst: cfg.RateLimit.GlobalBurst,
			Store:       store,
		},
		CORS: server.CORSConfig{
			Origins:          cfg.CORS.Origins,
			AllowCredentials: cfg.CORS.AllowCredentials,
		},
		Body: server.BodyConfig{
			JSONLimit: cfg.Body.JSONLimit,
			FormLimit: cfg.Body.FormLimit,
		},
		Routes:  mountRoutes,
		Logger:  logger,
		Metrics: recorder,
	}
	if db != nil {
		srvCfg.Database = db
	}
	return srvCfg
}

func closeWithTimeout(logger *slog.Logger, name string, timeout time.Duration, closeFn func(context.Context) error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := closeFn(ctx); err != nil {
		logger.Error("failed to close "+name, "error", err)
	}
}
