package server

import (
	"context"
	"net"
	"net/http"
	"strings"

	"content-media-app/internal/observability/logging"
)

const (
	ipSourceSocket       = "socket"
	ipSourceForwardedFor = "x-forwarded-for"
)

// clientIPResolver derives the client address assuming exactly hops reverse
// proxies sit in front of the server. Each proxy appends the address it
// received the request from to X-Forwarded-For, so with one hop the right-most
// entry is the client.
type clientIPResolver struct {
	hops int
}

func newClientIPResolver(hops int) *clientIPResolver {
	if hops < 0 {
		hops = 0
	}
	return &clientIPResolver{hops: hops}
}

// resolve walks the forwarding chain from the socket peer backwards, skipping
// one address per trusted hop.
func (c *clientIPResolver) resolve(r *http.Request) (string, string) {
	peer := remoteHost(r.RemoteAddr)
	if c == nil || c.hops == 0 {
		return peer, ipSourceSocket
	}

	addrs := []string{peer}
	forwarded := forwardedFor(r.Header)
	for i := len(forwarded) - 1; i >= 0; i-- {
		addrs = append(addrs, forwarded[i])
	}
	idx := c.hops
	if idx > len(addrs)-1 {
		idx = len(addrs) - 1
	}
	if idx == 0 {
		return peer, ipSourceSocket
	}
	return addrs[idx], ipSourceForwardedFor
}

func (c *clientIPResolver) Name() string { return "trust-proxy" }

func (c *clientIPResolver) Apply(_ http.ResponseWriter, r *http.Request) Outcome {
	ip, source := c.resolve(r)
	ctx := logging.ContextWithClientIP(r.Context(), ip)
	ctx = context.WithValue(ctx, ipSourceKey{}, source)
	if logger := logging.LoggerFromContext(ctx); logger != nil {
		ctx = logging.ContextWithLogger(ctx, logger.With("client_ip", ip))
	}
	return Continue(r.WithContext(ctx))
}

type ipSourceKey struct{}

// clientIP returns the address resolved by the proxy-trust stage, falling back
// to the socket peer when the stage did not run.
func clientIP(r *http.Request) (string, string) {
	if ip, ok := logging.ClientIPFromContext(r.Context()); ok {
		source, _ := r.Context().Value(ipSourceKey{}).(string)
		if source == "" {
			source = ipSourceSocket
		}
		return ip, source
	}
	return remoteHost(r.RemoteAddr), ipSourceSocket
}

func forwardedFor(header http.Header) []string {
	var out []string
	for _, value := range header.Values("X-Forwarded-For") {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

func remoteHost(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
