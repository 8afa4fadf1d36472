package server

import "net/http"

const (
	defaultContentSecurityPolicy = "default-src 'self';" +
		"base-uri 'self';" +
		"font-src 'self' https: data:;" +
		"form-action 'self';" +
		"frame-ancestors 'self';" +
		"img-src 'self' data:;" +
		"object-src 'none';" +
		"script-src 'self';" +
		"script-src-attr 'none';" +
		"style-src 'self' https: 'unsafe-inline';" +
		"upgrade-insecure-requests"
	defaultStrictTransportSecurity = "max-age=15552000; includeSubDomains"
)

// SecurityConfig lists the protective response headers applied to every
// response. Zero-valued fields fall back to the defaults; set a field to "-"
// to omit that header entirely.
type SecurityConfig struct {
	ContentSecurityPolicy        string
	CrossOriginOpenerPolicy      string
	CrossOriginResourcePolicy    string
	OriginAgentCluster           string
	ReferrerPolicy               string
	StrictTransportSecurity      string
	ContentTypeOptions           string
	DNSPrefetchControl           string
	DownloadOptions              string
	FrameOptions                 string
	PermittedCrossDomainPolicies string
	XSSProtection                string
}

// DefaultSecurityConfig returns the header set a Helmet-protected Express app
// sends out of the box.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		ContentSecurityPolicy:        defaultContentSecurityPolicy,
		CrossOriginOpenerPolicy:      "same-origin",
		CrossOriginResourcePolicy:    "same-origin",
		OriginAgentCluster:           "?1",
		ReferrerPolicy:               "no-referrer",
		StrictTransportSecurity:      defaultStrictTransportSecurity,
		ContentTypeOptions:           "nosniff",
		DNSPrefetchControl:           "off",
		DownloadOptions:              "noopen",
		FrameOptions:                 "SAMEORIGIN",
		PermittedCrossDomainPolicies: "none",
		XSSProtection:                "0",
	}
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	defaults := DefaultSecurityConfig()
	fill := func(value *string, fallback string) {
		if *value == "" {
			*value = fallback
		}
	}
	fill(&cfg.ContentSecurityPolicy, defaults.ContentSecurityPolicy)
	fill(&cfg.CrossOriginOpenerPolicy, defaults.CrossOriginOpenerPolicy)
	fill(&cfg.CrossOriginResourcePolicy, defaults.CrossOriginResourcePolicy)
	fill(&cfg.OriginAgentCluster, defaults.OriginAgentCluster)
	fill(&cfg.ReferrerPolicy, defaults.ReferrerPolicy)
	fill(&cfg.StrictTransportSecurity, defaults.StrictTransportSecurity)
	fill(&cfg.ContentTypeOptions, defaults.ContentTypeOptions)
	fill(&cfg.DNSPrefetchControl, defaults.DNSPrefetchControl)
	fill(&cfg.DownloadOptions, defaults.DownloadOptions)
	fill(&cfg.FrameOptions, defaults.FrameOptions)
	fill(&cfg.PermittedCrossDomainPolicies, defaults.PermittedCrossDomainPolicies)
	fill(&cfg.XSSProtection, defaults.XSSProtection)
	return cfg
}

type headerValue struct {
	name  string
	value string
}

type securityHeaders struct {
	headers []headerValue
}

func newSecurityHeaders(cfg SecurityConfig) *securityHeaders {
	effective := cfg.withDefaults()
	all := []headerValue{
		{"Content-Security-Policy", effective.ContentSecurityPolicy},
		{"Cross-Origin-Opener-Policy", effective.CrossOriginOpenerPolicy},
		{"Cross-Origin-Resource-Policy", effective.CrossOriginResourcePolicy},
		{"Origin-Agent-Cluster", effective.OriginAgentCluster},
		{"Referrer-Policy", effective.ReferrerPolicy},
		{"Strict-Transport-Security", effective.StrictTransportSecurity},
		{"X-Content-Type-Options", effective.ContentTypeOptions},
		{"X-DNS-Prefetch-Control", effective.DNSPrefetchControl},
		{"X-Download-Options", effective.DownloadOptions},
		{"X-Frame-Options", effective.FrameOptions},
		{"X-Permitted-Cross-Domain-Policies", effective.PermittedCrossDomainPolicies},
		{"X-XSS-Protection", effective.XSSProtection},
	}
	s := &securityHeaders{}
	for _, h := range all {
		if h.value != "-" {
			s.headers = append(s.headers, h)
		}
	}
	return s
}

func (s *securityHeaders) Name() string { return "security-headers" }

func (s *securityHeaders) Apply(w http.ResponseWriter, r *http.Request) Outcome {
	header := w.Header()
	for _, h := range s.headers {
		header.Set(h.name, h.value)
	}
	header.Del("X-Powered-By")
	return Continue(r)
}
