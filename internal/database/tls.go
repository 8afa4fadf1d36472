package database

import (
	"crypto/tls"
	"net"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
)

type tlsDecision int

const (
	tlsFromDSN tlsDecision = iota
	tlsOff
	tlsUnverified
)

func (c Config) tlsDecision() tlsDecision {
	switch c.TLSMode {
	case TLSModeDSN:
		return tlsFromDSN
	case TLSModeDisable:
		return tlsOff
	case TLSModeInsecure:
		return tlsUnverified
	default:
		if c.matchesManagedHost() {
			return tlsUnverified
		}
		return tlsOff
	}
}

// applyTLS rewrites the primary and fallback targets parsed from the DSN so
// every host:port is attempted exactly once with the selected TLS setting.
// Unix socket targets never use TLS.
func applyTLS(cc *pgconn.Config, decision tlsDecision) {
	if decision == tlsFromDSN {
		return
	}

	cc.TLSConfig = tlsFor(cc.Host, cc.Port, decision)

	seen := map[string]struct{}{targetKey(cc.Host, cc.Port): {}}
	fallbacks := make([]*pgconn.FallbackConfig, 0, len(cc.Fallbacks))
	for _, fb := range cc.Fallbacks {
		if fb == nil {
			continue
		}
		key := targetKey(fb.Host, fb.Port)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		fb.TLSConfig = tlsFor(fb.Host, fb.Port, decision)
		fallbacks = append(fallbacks, fb)
	}
	cc.Fallbacks = fallbacks
}

func tlsFor(host string, port uint16, decision tlsDecision) *tls.Config {
	if decision != tlsUnverified {
		return nil
	}
	if network, _ := pgconn.NetworkAddress(host, port); network == "unix" {
		return nil
	}
	return &tls.Config{
		//nolint:gosec // unverified TLS is an explicit operator choice.
		InsecureSkipVerify: true,
		ServerName:         host,
	}
}

func targetKey(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
