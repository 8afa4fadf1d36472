package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"content-media-app/internal/config"
	"content-media-app/internal/database"
	"content-media-app/internal/observability/metrics"
	"content-media-app/internal/server"
)

func envMap(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestRunRejectsMalformedEnvironment(t *testing.T) {
	err := run(context.Background(), nil, envMap(map[string]string{
		"DATABASE_URL": "postgres://u:p@127.0.0.1:1/app",
		"PORT":         "eighty",
	}), io.Discard, io.Discard, nil)
	if err == nil || !strings.Contains(err.Error(), "PORT") {
		t.Fatalf("expected PORT error, got %v", err)
	}
}

// startRun runs the binary on a free local port and stops it at cleanup.
func startRun(t *testing.T, env map[string]string) (baseURL string, stdout *syncBuffer) {
	t.Helper()
	port := freePort(t)
	stdout = &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())

	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- run(ctx,
			[]string{"-host", "127.0.0.1", "-port", strconv.Itoa(port), "-static-dir", t.TempDir()},
			envMap(env), stdout, io.Discard, ready)
	}()

	select {
	case <-ready:
	case err := <-done:
		cancel()
		t.Fatalf("run returned early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server did not become ready")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("run did not return after cancel")
		}
	})
	return "http://127.0.0.1:" + strconv.Itoa(port), stdout
}

func getStatus(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestRunServesHealthWithoutReachableDatabase(t *testing.T) {
	base, _ := startRun(t, map[string]string{"DATABASE_URL": "postgres://u:p@127.0.0.1:1/app?sslmode=disable"})

	if code := getStatus(t, base+"/api/health"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := getStatus(t, base+"/api/content/items"); code != http.StatusNotImplemented {
		t.Fatalf("expected unmounted group to answer 501, got %d", code)
	}
}

func TestRunStartsWithoutDatabaseURL(t *testing.T) {
	t.Setenv("PGHOST", "127.0.0.1")
	t.Setenv("PGPORT", "1")
	base, stdout := startRun(t, nil)

	if code := getStatus(t, base+"/api/health"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if !strings.Contains(stdout.String(), "using PG* environment defaults") {
		t.Fatalf("expected a warning about the missing connection string, got %s", stdout.String())
	}
}

func TestRunMountsRouteGroupsOnPool(t *testing.T) {
	var received database.Querier
	mountRoutes = func(db database.Querier) (server.RouteGroups, error) {
		received = db
		return server.RouteGroups{Content: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})}, nil
	}
	t.Cleanup(func() { mountRoutes = nil })

	base, _ := startRun(t, map[string]string{"DATABASE_URL": "postgres://u:p@127.0.0.1:1/app?sslmode=disable"})

	if code := getStatus(t, base+"/api/content/items"); code != http.StatusNoContent {
		t.Fatalf("expected the mounted content group, got %d", code)
	}
	if db, ok := received.(*database.DB); !ok || db == nil {
		t.Fatalf("expected the pool to reach the route groups, got %T", received)
	}
}

func TestServerConfigHandsPoolToRouteGroups(t *testing.T) {
	db, err := database.Open(context.Background(), database.Config{DSN: "postgres://u:p@127.0.0.1:1/app"})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(context.Background()) })

	var received database.Querier
	mountRoutes = func(q database.Querier) (server.RouteGroups, error) {
		received = q
		return server.RouteGroups{}, nil
	}
	t.Cleanup(func() { mountRoutes = nil })

	cfg := config.Default()
	cfg.StaticDir = t.TempDir()
	if _, err := server.New(serverConfig(cfg, slog.Default(), metrics.New(), nil, db)); err != nil {
		t.Fatalf("server.New: %v", err)
	}
	if got, ok := received.(*database.DB); !ok || got != db {
		t.Fatalf("expected the opened pool, got %v", received)
	}
}

func TestRateStoreDefaultsToInProcess(t *testing.T) {
	store, err := rateStore(config.Default(), slog.Default())
	if err != nil {
		t.Fatalf("rateStore returned error: %v", err)
	}
	if store != nil {
		t.Fatalf("expected no shared store, got %T", store)
	}
}

func TestRateStoreUsesRedisWhenConfigured(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.RedisAddr = "127.0.0.1:6379"
	store, err := rateStore(cfg, slog.Default())
	if err != nil {
		t.Fatalf("rateStore returned error: %v", err)
	}
	redisStore, ok := store.(*server.RedisStore)
	if !ok {
		t.Fatalf("expected *server.RedisStore, got %T", store)
	}
	if err := redisStore.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestServerConfigCarriesSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Port = 8080
	cfg.MetricsPath = "/metrics"
	cfg.Proxy.TrustedHops = 2
	cfg.RateLimit.Max = 5
	cfg.RateLimit.Window = time.Minute
	cfg.CORS.Origins = []string{"https://app.example.com"}
	cfg.CORS.AllowCredentials = false
	cfg.Body.JSONLimit = 1024

	recorder := metrics.New()
	got := serverConfig(cfg, slog.Default(), recorder, nil, nil)

	if got.Addr != "0.0.0.0:8080" {
		t.Fatalf("unexpected addr %q", got.Addr)
	}
	if got.MetricsPath != "/metrics" || got.TrustedProxyHops != 2 {
		t.Fatalf("unexpected server settings %+v", got)
	}
	if got.RateLimit.Max != 5 || got.RateLimit.Window != time.Minute || got.RateLimit.StatusCode != 429 {
		t.Fatalf("unexpected rate limit settings %+v", got.RateLimit)
	}
	if got.RateLimit.Store != nil {
		t.Fatal("expected the in-process store")
	}
	if len(got.CORS.Origins) != 1 || got.CORS.Origins[0] != "https://app.example.com" || got.CORS.AllowCredentials {
		t.Fatalf("unexpected CORS settings %+v", got.CORS)
	}
	if got.Body.JSONLimit != 1024 || got.Body.FormLimit != 100<<10 {
		t.Fatalf("unexpected body settings %+v", got.Body)
	}
	if got.Metrics != recorder {
		t.Fatal("expected the recorder to be passed through")
	}
	if got.AuthRoutes != nil || got.ContentRoutes != nil || got.Routes != nil {
		t.Fatal("route groups are mounted unconfigured")
	}
	if got.Database != nil {
		t.Fatalf("expected no database without a pool, got %v", got.Database)
	}
}
