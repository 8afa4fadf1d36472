package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters for HTTP requests, rate-limit
// rejections, recovered handler failures, and database pool events.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	rateLimited     map[string]uint64
	handlerFailures map[string]uint64
	databaseEvents  map[string]uint64
	openConnections atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder ready for use.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		rateLimited:     make(map[string]uint64),
		handlerFailures: make(map[string]uint64),
		databaseEvents:  make(map[string]uint64),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveRateLimited records a rejected request. scope is "client" for the
// per-IP limiter and "global" for the token bucket.
func (r *Recorder) ObserveRateLimited(scope string) {
	key := normalizeName(scope)
	r.mu.Lock()
	r.rateLimited[key]++
	r.mu.Unlock()
}

// ObserveHandlerFailure records an error converted to a 500 response. kind is
// "panic" or "error".
func (r *Recorder) ObserveHandlerFailure(kind string) {
	key := normalizeName(kind)
	r.mu.Lock()
	r.handlerFailures[key]++
	r.mu.Unlock()
}

// DatabaseConnected records a new physical connection.
func (r *Recorder) DatabaseConnected() {
	r.observeDatabaseEvent("connect")
	r.openConnections.Add(1)
}

// DatabaseDisconnected records a closed physical connection without letting
// the gauge go negative.
func (r *Recorder) DatabaseDisconnected() {
	r.observeDatabaseEvent("close")
	r.decrementGauge(&r.openConnections)
}

// ObserveDatabaseError records a pool-level failure by operation
// (connect, acquire).
func (r *Recorder) ObserveDatabaseError(operation string) {
	r.observeDatabaseEvent(normalizeName(operation) + "_error")
}

func (r *Recorder) observeDatabaseEvent(event string) {
	key := normalizeName(event)
	r.mu.Lock()
	r.databaseEvents[key]++
	r.mu.Unlock()
}

// OpenConnections exposes the current connection gauge.
func (r *Recorder) OpenConnections() int64 {
	return r.openConnections.Load()
}

// RateLimitedCounts returns a copy of the rejection counters.
func (r *Recorder) RateLimitedCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCounts(r.rateLimited)
}

// HandlerFailureCounts returns a copy of the recovered failure counters.
func (r *Recorder) HandlerFailureCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCounts(r.handlerFailures)
}

// DatabaseEventCounts returns a copy of the database event counters.
func (r *Recorder) DatabaseEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCounts(r.databaseEvents)
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.rateLimited = make(map[string]uint64)
	r.handlerFailures = make(map[string]uint64)
	r.databaseEvents = make(map[string]uint64)
	r.openConnections.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with label sets sorted
// for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP cma_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE cma_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "cma_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP cma_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE cma_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "cma_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP cma_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE cma_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "cma_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	writeCounter(w, "cma_rate_limited_total", "Requests rejected by the rate limiter", "scope", r.rateLimited)
	writeCounter(w, "cma_handler_failures_total", "Handler failures converted to 500 responses", "kind", r.handlerFailures)
	writeCounter(w, "cma_database_events_total", "Database pool lifecycle events", "event", r.databaseEvents)

	fmt.Fprintln(w, "# HELP cma_database_open_connections Current number of physical database connections")
	fmt.Fprintln(w, "# TYPE cma_database_open_connections gauge")
	fmt.Fprintf(w, "cma_database_open_connections %d\n", r.openConnections.Load())
}

func writeCounter(w io.Writer, name, help, labelName string, values map[string]uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, key := range sortedKeys(values) {
		fmt.Fprintf(w, "%s{%s=\"%s\"} %d\n", name, labelName, key, values[key])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func copyCounts(values map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// Static assets keep their names so the label set stays readable; anything
// long or digit-heavy is collapsed to avoid unbounded cardinality.
func looksLikeIdentifier(segment string) bool {
	if strings.Contains(segment, ".") {
		return false
	}
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
