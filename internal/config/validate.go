package config

import (
	"fmt"
	"net/url"
	"strings"

	"content-media-app/internal/database"
	"content-media-app/internal/observability/logging"
)

// ValidationError describes one rejected setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is every problem found by Validate.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration invalid (%d problem(s))", len(errs))
	for _, err := range errs {
		sb.WriteString("; ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

type validator struct {
	errs ValidationErrors
}

func (v *validator) add(field, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) positive(field string, value int64) {
	if value <= 0 {
		v.add(field, "must be positive (got %d)", value)
	}
}

func (v *validator) nonNegative(field string, value int64) {
	if value < 0 {
		v.add(field, "must not be negative (got %d)", value)
	}
}

// Validate checks the whole configuration and reports every problem at once.
func (c Config) Validate() error {
	v := &validator{}

	if c.Port < 1 || c.Port > 65535 {
		v.add("PORT", "must be between 1 and 65535 (got %d)", c.Port)
	}
	if strings.TrimSpace(c.StaticDir) == "" {
		v.add("CMA_STATIC_DIR", "must not be empty")
	}
	if c.MetricsPath != "" && !strings.HasPrefix(c.MetricsPath, "/") {
		v.add("CMA_METRICS_PATH", "must start with / (got %q)", c.MetricsPath)
	}
	v.nonNegative("CMA_SHUTDOWN_TIMEOUT", int64(c.ShutdownTimeout))

	if !logging.ValidLevel(c.Log.Level) {
		v.add("CMA_LOG_LEVEL", "must be one of debug, info, warn, error (got %q)", c.Log.Level)
	}
	if !logging.ValidFormat(c.Log.Format) {
		v.add("CMA_LOG_FORMAT", "must be json or text (got %q)", c.Log.Format)
	}

	c.validateDatabase(v)

	v.nonNegative("CMA_TRUSTED_PROXY_HOPS", int64(c.Proxy.TrustedHops))

	rl := c.RateLimit
	v.positive("CMA_RATE_WINDOW", int64(rl.Window))
	v.positive("CMA_RATE_MAX", int64(rl.Max))
	if rl.StatusCode < 400 || rl.StatusCode > 599 {
		v.add("CMA_RATE_STATUS_CODE", "must be a 4xx or 5xx status (got %d)", rl.StatusCode)
	}
	if rl.GlobalRPS < 0 {
		v.add("CMA_RATE_GLOBAL_RPS", "must not be negative")
	}
	if rl.GlobalRPS > 0 && rl.GlobalBurst <= 0 {
		v.add("CMA_RATE_GLOBAL_BURST", "must be positive when a global rate is set")
	}

	c.validateCORS(v)

	v.positive("CMA_JSON_BODY_LIMIT", c.Body.JSONLimit)
	v.positive("CMA_FORM_BODY_LIMIT", c.Body.FormLimit)

	if len(v.errs) == 0 {
		return nil
	}
	return v.errs
}

func (c Config) validateDatabase(v *validator) {
	db := c.Database
	if _, err := database.ParseTLSMode(db.TLSMode); err != nil {
		v.add("DATABASE_TLS_MODE", "must be one of auto, disable, insecure, dsn (got %q)", db.TLSMode)
	}
	v.nonNegative("DATABASE_MAX_CONNS", int64(db.MaxConns))
	v.nonNegative("DATABASE_MIN_CONNS", int64(db.MinConns))
	if db.MaxConns > 0 && db.MinConns > db.MaxConns {
		v.add("DATABASE_MIN_CONNS", "must not exceed DATABASE_MAX_CONNS")
	}
	v.nonNegative("DATABASE_QUERY_TIMEOUT", int64(db.QueryTimeout))
	v.nonNegative("DATABASE_CONNECT_TIMEOUT", int64(db.ConnectTimeout))
}

func (c Config) validateCORS(v *validator) {
	if len(c.CORS.Origins) == 0 {
		v.add("CMA_CORS_ORIGINS", "must list at least one origin or *")
		return
	}
	for _, origin := range c.CORS.Origins {
		if origin == "*" {
			continue
		}
		parsed, err := url.Parse(origin)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			v.add("CMA_CORS_ORIGINS", "invalid origin %q", origin)
			continue
		}
		if parsed.Path != "" && parsed.Path != "/" {
			v.add("CMA_CORS_ORIGINS", "origin %q must not include a path", origin)
		}
	}
}

// PoolConfig converts the database settings into the pool configuration.
func (c Config) PoolConfig() database.Config {
	mode, _ := database.ParseTLSMode(c.Database.TLSMode)
	return database.Config{
		DSN:                c.Database.URL,
		TLSMode:            mode,
		ManagedHostMarkers: c.Database.ManagedHostMarkers,
		MaxConns:           c.Database.MaxConns,
		MinConns:           c.Database.MinConns,
		MaxConnLifetime:    c.Database.MaxConnLifetime,
		MaxConnIdleTime:    c.Database.MaxConnIdleTime,
		HealthCheckPeriod:  c.Database.HealthCheckPeriod,
		ConnectTimeout:     c.Database.ConnectTimeout,
		ApplicationName:    c.Database.ApplicationName,
		QueryTimeout:       c.Database.QueryTimeout,
	}
}
