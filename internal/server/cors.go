package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultAllowedMethods = "GET,HEAD,PUT,PATCH,POST,DELETE"
	defaultAllowedHeaders = "Content-Type, Authorization"
)

// CORSConfig declares the origins allowed to call the API from a browser.
// "*" admits every origin. With AllowCredentials set, browsers may send
// cookies and Authorization headers along.
type CORSConfig struct {
	Origins          []string
	AllowCredentials bool
}

type corsPolicy struct {
	any         bool
	allowed     map[string]struct{}
	credentials bool
	logger      *slog.Logger
}

func newCORSPolicy(cfg CORSConfig, logger *slog.Logger) (*corsPolicy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policy := &corsPolicy{
		allowed:     make(map[string]struct{}),
		credentials: cfg.AllowCredentials,
		logger:      logger,
	}
	for _, origin := range cfg.Origins {
		if strings.TrimSpace(origin) == "*" {
			policy.any = true
			continue
		}
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return nil, fmt.Errorf("parse origin %q: %w", origin, err)
		}
		if normalized != "" {
			policy.allowed[normalized] = struct{}{}
		}
	}
	return policy, nil
}

// permissive reports the wildcard-with-credentials combination operators
// should review before production.
func (p *corsPolicy) permissive() bool {
	return p.any && p.credentials
}

func normalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", nil
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return fmt.Sprintf("%s://%s", strings.ToLower(parsed.Scheme), strings.ToLower(parsed.Host)), nil
}

func (p *corsPolicy) Name() string { return "cors" }

func (p *corsPolicy) Apply(w http.ResponseWriter, r *http.Request) Outcome {
	header := w.Header()
	origin := strings.TrimSpace(r.Header.Get("Origin"))

	if !p.decorate(header, origin) {
		if origin == "" {
			// Same-origin and non-browser requests carry no Origin.
			return Continue(r)
		}
		loggingWithRequest(p.logger, r).Warn("blocked CORS origin", "origin", origin)
		writeJSONError(w, http.StatusForbidden, "Origin not allowed")
		return Responded()
	}

	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		header.Set("Access-Control-Allow-Methods", defaultAllowedMethods)
		if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
			header.Set("Access-Control-Allow-Headers", requested)
			header.Add("Vary", "Access-Control-Request-Headers")
		} else {
			header.Set("Access-Control-Allow-Headers", defaultAllowedHeaders)
		}
		w.WriteHeader(http.StatusNoContent)
		return Responded()
	}
	return Continue(r)
}

// decorate sets the allow-origin headers for origin and reports whether the
// origin is admitted. Stages that answer before this one runs use it so their
// responses stay readable from the browser.
func (p *corsPolicy) decorate(header http.Header, origin string) bool {
	if p == nil {
		return false
	}
	switch {
	case p.any:
		header.Set("Access-Control-Allow-Origin", "*")
	case origin != "" && p.allows(origin):
		header.Set("Access-Control-Allow-Origin", origin)
		header.Add("Vary", "Origin")
	default:
		return false
	}
	if p.credentials {
		header.Set("Access-Control-Allow-Credentials", "true")
	}
	return true
}

func (p *corsPolicy) allows(origin string) bool {
	normalized, err := normalizeOrigin(origin)
	if err != nil || normalized == "" {
		return false
	}
	_, ok := p.allowed[normalized]
	return ok
}
