// Package config resolves server settings from defaults, an optional YAML
// file, an optional .env file, the process environment, and command-line
// flags, in increasing order of precedence.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	StaticDir       string        `yaml:"static_dir"`
	MetricsPath     string        `yaml:"metrics_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	Body      BodyConfig      `yaml:"body"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DatabaseConfig struct {
	URL                string        `yaml:"url"`
	TLSMode            string        `yaml:"tls_mode"`
	ManagedHostMarkers []string      `yaml:"managed_host_markers"`
	MaxConns           int32         `yaml:"max_conns"`
	MinConns           int32         `yaml:"min_conns"`
	MaxConnLifetime    time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime    time.Duration `yaml:"max_conn_idle_time"`
	HealthCheckPeriod  time.Duration `yaml:"health_check_period"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	QueryTimeout       time.Duration `yaml:"query_timeout"`
	ApplicationName    string        `yaml:"application_name"`
}

type ProxyConfig struct {
	TrustedHops int `yaml:"trusted_hops"`
}

type RateLimitConfig struct {
	Window        time.Duration `yaml:"window"`
	Max           int           `yaml:"max"`
	StatusCode    int           `yaml:"status_code"`
	Message       string        `yaml:"message"`
	GlobalRPS     float64       `yaml:"global_rps"`
	GlobalBurst   int           `yaml:"global_burst"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisPrefix   string        `yaml:"redis_prefix"`
}

type CORSConfig struct {
	Origins          []string `yaml:"origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

type BodyConfig struct {
	JSONLimit int64 `yaml:"json_limit"`
	FormLimit int64 `yaml:"form_limit"`
}

// Default returns the settings the server runs with when nothing overrides
// them.
func Default() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            5000,
		StaticDir:       "../frontend/dist",
		ShutdownTimeout: 10 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			TLSMode:            "auto",
			ManagedHostMarkers: []string{"rds"},
			ApplicationName:    "content-media-app",
		},
		Proxy: ProxyConfig{TrustedHops: 1},
		RateLimit: RateLimitConfig{
			Window:      15 * time.Minute,
			Max:         100,
			StatusCode:  429,
			Message:     "Too many requests from this IP, please try again later.",
			RedisPrefix: "cma:ratelimit",
		},
		CORS: CORSConfig{
			Origins:          []string{"*"},
			AllowCredentials: true,
		},
		Body: BodyConfig{
			JSONLimit: 10 << 20,
			FormLimit: 100 << 10,
		},
	}
}

// Addr returns the host:port the HTTP server binds.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// PermissiveCORS reports whether any origin may make credentialed requests.
func (c Config) PermissiveCORS() bool {
	for _, origin := range c.CORS.Origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}
