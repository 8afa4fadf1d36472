package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultEnvFile = ".env"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(string) (string, bool)

// Load resolves the configuration for the given command-line arguments
// (without the program name). lookup defaults to os.LookupEnv. Malformed
// values are collected and returned together.
func Load(args []string, lookup LookupFunc, output io.Writer) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}
	configPath := fs.String("config", "", "path to a YAML configuration file")
	envFile := fs.String("env-file", "", "path to a .env file (default .env when present)")
	host := fs.String("host", "", "interface to bind")
	port := fs.Int("port", 0, "HTTP listen port")
	staticDir := fs.String("static-dir", "", "directory holding the built frontend")
	metricsPath := fs.String("metrics-path", "", "serve Prometheus metrics on this path")
	databaseURL := fs.String("database-url", "", "Postgres connection string")
	databaseTLSMode := fs.String("database-tls-mode", "", "database TLS mode (auto, disable, insecure, dsn)")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json, text)")
	corsOrigins := fs.String("cors-origins", "", "comma separated allowed origins, * for any")
	rateMax := fs.Int("rate-max", 0, "requests allowed per client per window")
	rateWindow := fs.Duration("rate-window", 0, "rate limit window")
	trustedHops := fs.Int("trusted-proxy-hops", 0, "number of reverse proxies in front of the server")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	visited := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { visited[f.Name] = true })

	cfg := Default()

	if path := firstNonEmpty(*configPath, lookupValue(lookup, "CMA_CONFIG")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	dotenv, err := readDotEnv(firstNonEmpty(*envFile, lookupValue(lookup, "CMA_ENV_FILE")))
	if err != nil {
		return Config{}, err
	}
	env := &envReader{lookup: func(key string) (string, bool) {
		if value, ok := lookup(key); ok {
			return value, true
		}
		value, ok := dotenv[key]
		return value, ok
	}}
	env.apply(&cfg)

	if visited["host"] {
		cfg.Host = *host
	}
	if visited["port"] {
		cfg.Port = *port
	}
	if visited["static-dir"] {
		cfg.StaticDir = *staticDir
	}
	if visited["metrics-path"] {
		cfg.MetricsPath = *metricsPath
	}
	if visited["database-url"] {
		cfg.Database.URL = *databaseURL
	}
	if visited["database-tls-mode"] {
		cfg.Database.TLSMode = *databaseTLSMode
	}
	if visited["log-level"] {
		cfg.Log.Level = *logLevel
	}
	if visited["log-format"] {
		cfg.Log.Format = *logFormat
	}
	if visited["cors-origins"] {
		cfg.CORS.Origins = splitAndTrim(*corsOrigins)
	}
	if visited["rate-max"] {
		cfg.RateLimit.Max = *rateMax
	}
	if visited["rate-window"] {
		cfg.RateLimit.Window = *rateWindow
	}
	if visited["trusted-proxy-hops"] {
		cfg.Proxy.TrustedHops = *trustedHops
	}

	return cfg, errors.Join(env.errs...)
}

// readDotEnv parses path, or ./.env when path is empty. Only an explicitly
// named file is required to exist.
func readDotEnv(path string) (map[string]string, error) {
	explicit := path != ""
	if !explicit {
		path = defaultEnvFile
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return values, nil
}

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (r *envReader) apply(cfg *Config) {
	readEnv(r, "CMA_HOST", &cfg.Host, parseString)
	readEnv(r, "PORT", &cfg.Port, strconv.Atoi)
	readEnv(r, "CMA_STATIC_DIR", &cfg.StaticDir, parseString)
	readEnv(r, "CMA_METRICS_PATH", &cfg.MetricsPath, parseString)
	readEnv(r, "CMA_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout, time.ParseDuration)

	readEnv(r, "CMA_LOG_LEVEL", &cfg.Log.Level, parseString)
	readEnv(r, "CMA_LOG_FORMAT", &cfg.Log.Format, parseString)

	db := &cfg.Database
	readEnv(r, "DATABASE_URL", &db.URL, parseString)
	readEnv(r, "DATABASE_TLS_MODE", &db.TLSMode, parseString)
	readEnv(r, "DATABASE_MANAGED_HOST_MARKERS", &db.ManagedHostMarkers, parseList)
	readEnv(r, "DATABASE_MAX_CONNS", &db.MaxConns, parseInt32)
	readEnv(r, "DATABASE_MIN_CONNS", &db.MinConns, parseInt32)
	readEnv(r, "DATABASE_MAX_CONN_LIFETIME", &db.MaxConnLifetime, time.ParseDuration)
	readEnv(r, "DATABASE_MAX_CONN_IDLE_TIME", &db.MaxConnIdleTime, time.ParseDuration)
	readEnv(r, "DATABASE_HEALTH_CHECK_PERIOD", &db.HealthCheckPeriod, time.ParseDuration)
	readEnv(r, "DATABASE_CONNECT_TIMEOUT", &db.ConnectTimeout, time.ParseDuration)
	readEnv(r, "DATABASE_QUERY_TIMEOUT", &db.QueryTimeout, time.ParseDuration)
	readEnv(r, "DATABASE_APPLICATION_NAME", &db.ApplicationName, parseString)

	readEnv(r, "CMA_TRUSTED_PROXY_HOPS", &cfg.Proxy.TrustedHops, strconv.Atoi)

	rl := &cfg.RateLimit
	readEnv(r, "CMA_RATE_WINDOW", &rl.Window, time.ParseDuration)
	readEnv(r, "CMA_RATE_MAX", &rl.Max, strconv.Atoi)
	readEnv(r, "CMA_RATE_STATUS_CODE", &rl.StatusCode, strconv.Atoi)
	readEnv(r, "CMA_RATE_MESSAGE", &rl.Message, parseString)
	readEnv(r, "CMA_RATE_GLOBAL_RPS", &rl.GlobalRPS, parseFloat)
	readEnv(r, "CMA_RATE_GLOBAL_BURST", &rl.GlobalBurst, strconv.Atoi)
	readEnv(r, "CMA_RATE_REDIS_ADDR", &rl.RedisAddr, parseString)
	readEnv(r, "CMA_RATE_REDIS_PASSWORD", &rl.RedisPassword, parseString)
	readEnv(r, "CMA_RATE_REDIS_PREFIX", &rl.RedisPrefix, parseString)

	readEnv(r, "CMA_CORS_ORIGINS", &cfg.CORS.Origins, parseList)
	readEnv(r, "CMA_CORS_ALLOW_CREDENTIALS", &cfg.CORS.AllowCredentials, parseBool)

	readEnv(r, "CMA_JSON_BODY_LIMIT", &cfg.Body.JSONLimit, parseInt64)
	readEnv(r, "CMA_FORM_BODY_LIMIT", &cfg.Body.FormLimit, parseInt64)
}

// readEnv overwrites dst when key is set. An unparsable value leaves dst
// untouched and records an error naming the key.
func readEnv[T any](r *envReader, key string, dst *T, parse func(string) (T, error)) {
	raw, ok := r.lookup(key)
	if !ok {
		return
	}
	value, err := parse(strings.TrimSpace(raw))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return
	}
	*dst = value
}

func parseString(value string) (string, error) { return value, nil }

func parseList(value string) ([]string, error) {
	list := splitAndTrim(value)
	if list == nil {
		list = []string{}
	}
	return list, nil
}

func parseBool(value string) (bool, error) { return strconv.ParseBool(value) }

func parseFloat(value string) (float64, error) { return strconv.ParseFloat(value, 64) }

func parseInt64(value string) (int64, error) { return strconv.ParseInt(value, 10, 64) }

func parseInt32(value string) (int32, error) {
	v, err := strconv.ParseInt(value, 10, 32)
	return int32(v), err
}

func lookupValue(lookup LookupFunc, key string) string {
	value, _ := lookup(key)
	return value
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
