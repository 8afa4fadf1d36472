package database

import (
	"fmt"
	"strings"
	"time"
)

// TLSMode selects how the pool negotiates TLS with the server.
type TLSMode string

const (
	// TLSModeAuto enables unverified TLS when the DSN names a managed host
	// marker and disables TLS otherwise.
	TLSModeAuto TLSMode = "auto"
	// TLSModeDisable never uses TLS.
	TLSModeDisable TLSMode = "disable"
	// TLSModeInsecure always uses TLS without verifying the certificate chain.
	TLSModeInsecure TLSMode = "insecure"
	// TLSModeDSN leaves TLS to the connection string's sslmode.
	TLSModeDSN TLSMode = "dsn"
)

// DefaultManagedHostMarkers is matched against the DSN in auto mode.
var DefaultManagedHostMarkers = []string{"rds"}

// ParseTLSMode normalizes a mode string. An empty string means auto.
func ParseTLSMode(value string) (TLSMode, error) {
	switch mode := TLSMode(strings.ToLower(strings.TrimSpace(value))); mode {
	case "":
		return TLSModeAuto, nil
	case TLSModeAuto, TLSModeDisable, TLSModeInsecure, TLSModeDSN:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown database tls mode %q", value)
	}
}

// Config describes the process-wide connection pool.
type Config struct {
	DSN                string
	TLSMode            TLSMode
	ManagedHostMarkers []string
	MaxConns           int32
	MinConns           int32
	MaxConnLifetime    time.Duration
	MaxConnIdleTime    time.Duration
	HealthCheckPeriod  time.Duration
	ConnectTimeout     time.Duration
	ApplicationName    string
	// QueryTimeout bounds each Query call when positive. Zero leaves the
	// caller's context in charge.
	QueryTimeout time.Duration
}

func (c Config) markers() []string {
	if c.ManagedHostMarkers == nil {
		return DefaultManagedHostMarkers
	}
	return c.ManagedHostMarkers
}

// matchesManagedHost reports whether the DSN contains any configured marker.
func (c Config) matchesManagedHost() bool {
	dsn := strings.ToLower(c.DSN)
	for _, marker := range c.markers() {
		marker = strings.ToLower(strings.TrimSpace(marker))
		if marker == "" {
			continue
		}
		if strings.Contains(dsn, marker) {
			return true
		}
	}
	return false
}
