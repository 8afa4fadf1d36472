package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"content-media-app/internal/observability/metrics"
)

const (
	defaultRateWindow  = 15 * time.Minute
	defaultRateMax     = 100
	defaultRateMessage = "Too many requests from this IP, please try again later."
)

// RateLimitConfig configures the per-client limiter. Every client IP may make
// Max requests in any Window-long span. GlobalRPS, when positive, adds a
// process-wide token bucket in front of the per-client check.
type RateLimitConfig struct {
	Window      time.Duration
	Max         int
	StatusCode  int
	Message     string
	GlobalRPS   float64
	GlobalBurst int
	// Store replaces the in-process sliding log, e.g. with a RedisStore.
	Store RateStore
	Now   func() time.Time
}

// RateLimitResult is the state of one client's budget after a request.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateStore records a request for key and reports whether it fits the limit.
// Implementations must update the count atomically per call.
type RateStore interface {
	Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (RateLimitResult, error)
}

// RateLimiter is the rate-limiting stage. It owns its counters; build one per
// server.
type RateLimiter struct {
	window     time.Duration
	max        int
	statusCode int
	message    string
	now        func() time.Time
	store      RateStore
	memory     *memoryStore
	global     *rate.Limiter
	cors       *corsPolicy
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		window:     cfg.Window,
		max:        cfg.Max,
		statusCode: cfg.StatusCode,
		message:    cfg.Message,
		now:        cfg.Now,
		store:      cfg.Store,
		logger:     slog.Default(),
		metrics:    metrics.Default(),
	}
	if rl.window <= 0 {
		rl.window = defaultRateWindow
	}
	if rl.max <= 0 {
		rl.max = defaultRateMax
	}
	if rl.statusCode == 0 {
		rl.statusCode = http.StatusTooManyRequests
	}
	if rl.message == "" {
		rl.message = defaultRateMessage
	}
	if rl.now == nil {
		rl.now = time.Now
	}
	if rl.store == nil {
		rl.memory = newMemoryStore()
		rl.store = rl.memory
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	return rl
}

func (l *RateLimiter) withObservability(logger *slog.Logger, recorder *metrics.Recorder) {
	if logger != nil {
		l.logger = logger
	}
	if recorder != nil {
		l.metrics = recorder
	}
}

// withCORS lets rejections carry the allow-origin headers; the limiter runs
// ahead of the CORS stage.
func (l *RateLimiter) withCORS(policy *corsPolicy) {
	l.cors = policy
}

func (l *RateLimiter) Name() string { return "rate-limit" }

func (l *RateLimiter) Apply(w http.ResponseWriter, r *http.Request) Outcome {
	now := l.now()
	if l.global != nil && !l.global.AllowN(now, 1) {
		l.metrics.ObserveRateLimited("global")
		loggingWithRequest(l.logger, r).Warn("global rate limit exceeded")
		w.Header().Set("Retry-After", "1")
		l.reject(w, r)
		return Responded()
	}

	ip, _ := clientIP(r)
	result, err := l.store.Take(r.Context(), ip, l.max, l.window, now)
	if err != nil {
		return Fail(fmt.Errorf("rate limit store: %w", err))
	}

	header := w.Header()
	header.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	header.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	header.Set("X-RateLimit-Reset", strconv.FormatInt(ceilUnix(result.ResetAt), 10))
	if result.Allowed {
		return Continue(r)
	}

	l.metrics.ObserveRateLimited("client")
	loggingWithRequest(l.logger, r).Warn("rate limit exceeded", "limit", result.Limit, "window", l.window.String())
	header.Set("Retry-After", strconv.FormatInt(retryAfterSeconds(result.ResetAt, now), 10))
	l.reject(w, r)
	return Responded()
}

func (l *RateLimiter) reject(w http.ResponseWriter, r *http.Request) {
	l.cors.decorate(w.Header(), strings.TrimSpace(r.Header.Get("Origin")))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(l.statusCode)
	_, _ = w.Write([]byte(l.message))
}

// Run sweeps idle clients from the in-process store until ctx is cancelled.
// It returns nil on cancellation so it can share an errgroup with the HTTP
// server.
func (l *RateLimiter) Run(ctx context.Context) error {
	if l.memory == nil {
		<-ctx.Done()
		return nil
	}
	interval := l.window
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.memory.sweep(l.now(), l.window)
		}
	}
}

func ceilUnix(t time.Time) int64 {
	secs := t.Unix()
	if t.Nanosecond() > 0 {
		secs++
	}
	return secs
}

func retryAfterSeconds(resetAt, now time.Time) int64 {
	wait := resetAt.Sub(now)
	secs := int64((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// memoryStore is a sliding log: per key, the timestamps of the most recent
// requests, rejected ones included. A client is over the limit when limit of
// them fall inside the window, so only the newest limit stamps are kept.
type memoryStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{hits: make(map[string][]time.Time)}
}

func (m *memoryStore) Take(_ context.Context, key string, limit int, window time.Duration, now time.Time) (RateLimitResult, error) {
	if key == "" {
		key = "unknown"
	}
	if limit < 1 {
		limit = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stamps := prune(m.hits[key], now.Add(-window))
	result := RateLimitResult{Limit: limit, Allowed: len(stamps) < limit}
	stamps = append(stamps, now)
	if len(stamps) > limit {
		n := copy(stamps, stamps[len(stamps)-limit:])
		stamps = stamps[:n]
	}
	m.hits[key] = stamps

	result.Remaining = limit - len(stamps)
	result.ResetAt = stamps[0].Add(window)
	return result, nil
}

func (m *memoryStore) sweep(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, stamps := range m.hits {
		stamps = prune(stamps, cutoff)
		if len(stamps) == 0 {
			delete(m.hits, key)
			continue
		}
		m.hits[key] = stamps
	}
}

func (m *memoryStore) clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hits)
}

// prune drops timestamps at or before cutoff. Logs are appended in order, so
// the survivors are a suffix.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0:0], stamps[i:]...)
}
