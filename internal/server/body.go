package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultJSONLimit  = 10 << 20
	defaultFormLimit  = 100 << 10
	maxFormParameters = 1000
	maxFormDepth      = 5
)

var (
	errBodyTooLarge     = errors.New("request body too large")
	errMalformedBody    = errors.New("malformed request body")
	errUnsupportedBody  = errors.New("unsupported body encoding")
	errTooManyFormParts = errors.New("too many form parameters")
)

// BodyConfig limits the bodies the parsing stage accepts, in bytes.
type BodyConfig struct {
	JSONLimit int64
	FormLimit int64
}

type bodyKey struct{}

// BodyFromContext returns the decoded request body: the JSON value for JSON
// requests, a map[string]any for URL-encoded forms.
func BodyFromContext(ctx context.Context) (any, bool) {
	if ctx == nil {
		return nil, false
	}
	body, ok := ctx.Value(bodyKey{}).(parsedBody)
	if !ok {
		return nil, false
	}
	return body.value, true
}

type parsedBody struct {
	value any
}

type bodyParser struct {
	jsonLimit int64
	formLimit int64
}

func newBodyParser(cfg BodyConfig) *bodyParser {
	p := &bodyParser{jsonLimit: cfg.JSONLimit, formLimit: cfg.FormLimit}
	if p.jsonLimit <= 0 {
		p.jsonLimit = defaultJSONLimit
	}
	if p.formLimit <= 0 {
		p.formLimit = defaultFormLimit
	}
	return p
}

func (p *bodyParser) Name() string { return "body-parser" }

func (p *bodyParser) Apply(w http.ResponseWriter, r *http.Request) Outcome {
	if r.Body == nil || r.Body == http.NoBody {
		return Continue(r)
	}
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return Continue(r)
	}

	var (
		limit  int64
		decode func([]byte) (any, error)
	)
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		limit, decode = p.jsonLimit, decodeJSON
	case mediaType == "application/x-www-form-urlencoded":
		limit, decode = p.formLimit, decodeForm
	default:
		return Continue(r)
	}

	value, raw, err := readBody(w, r, params, limit, decode)
	switch {
	case errors.Is(err, errBodyTooLarge), errors.Is(err, errTooManyFormParts):
		writeJSONError(w, http.StatusRequestEntityTooLarge, "Request entity too large")
		return Responded()
	case errors.Is(err, errUnsupportedBody):
		writeJSONError(w, http.StatusUnsupportedMediaType, "Unsupported media type")
		return Responded()
	case errors.Is(err, errMalformedBody):
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return Responded()
	case err != nil:
		return Fail(fmt.Errorf("read request body: %w", err))
	}

	r.Body = io.NopCloser(bytes.NewReader(raw))
	r.ContentLength = int64(len(raw))
	if raw == nil {
		return Continue(r)
	}
	return Continue(r.WithContext(context.WithValue(r.Context(), bodyKey{}, parsedBody{value: value})))
}

func readBody(w http.ResponseWriter, r *http.Request, params map[string]string, limit int64, decode func([]byte) (any, error)) (any, []byte, error) {
	if charset := strings.ToLower(params["charset"]); charset != "" && charset != "utf-8" && charset != "us-ascii" {
		return nil, nil, fmt.Errorf("%w: charset %s", errUnsupportedBody, charset)
	}
	if encoding := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))); encoding != "" && encoding != "identity" {
		return nil, nil, fmt.Errorf("%w: content encoding %s", errUnsupportedBody, encoding)
	}
	if r.ContentLength > limit {
		return nil, nil, errBodyTooLarge
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, nil, errBodyTooLarge
		}
		return nil, nil, err
	}
	if len(raw) == 0 {
		return nil, nil, nil
	}
	value, err := decode(raw)
	if err != nil {
		return nil, nil, err
	}
	return value, raw, nil
}

// decodeJSON accepts only objects and arrays at the top level.
func decodeJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, errMalformedBody
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", errMalformedBody)
	}
	return value, nil
}

func decodeForm(raw []byte) (any, error) {
	return parseNestedForm(string(raw))
}

// parseNestedForm decodes an URL-encoded body with bracket nesting:
// a[b][c]=1 builds nested maps and a[]=1&a[]=2 builds a list. Repeated plain
// keys collect into a list. Nesting deeper than maxFormDepth is kept as a
// literal key suffix.
func parseNestedForm(body string) (map[string]any, error) {
	out := make(map[string]any)
	if body == "" {
		return out, nil
	}
	pairs := strings.Split(body, "&")
	if len(pairs) > maxFormParameters {
		return nil, errTooManyFormParts
	}
	for _, pair := range pairs {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedBody, err)
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedBody, err)
		}
		if key == "" {
			continue
		}
		assignFormValue(out, splitFormKey(key), value)
	}
	return out, nil
}

// splitFormKey turns "a[b][]" into ["a", "b", ""].
func splitFormKey(key string) []string {
	open := strings.IndexByte(key, '[')
	if open <= 0 {
		return []string{key}
	}
	segments := []string{key[:open]}
	rest := key[open:]
	for len(segments) <= maxFormDepth && strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			break
		}
		segments = append(segments, rest[1:end])
		rest = rest[end+1:]
	}
	if rest != "" {
		segments = append(segments, rest)
	}
	return segments
}

func assignFormValue(container map[string]any, path []string, value string) {
	key := path[0]
	if len(path) == 1 {
		container[key] = appendFormValue(container[key], value)
		return
	}

	if path[1] == "" && len(path) == 2 {
		list, _ := container[key].([]any)
		if list == nil && container[key] != nil {
			list = []any{container[key]}
		}
		container[key] = append(list, value)
		return
	}

	next := path[1:]
	if next[0] == "" {
		// a[][b]=1 appends a fresh object.
		child := make(map[string]any)
		if container[key] == nil {
			container[key] = []any{child}
		} else {
			container[key] = appendFormValue(container[key], child)
		}
		assignFormValue(child, next[1:], value)
		return
	}

	switch existing := container[key].(type) {
	case map[string]any:
		assignFormValue(existing, next, value)
	case nil:
		child := make(map[string]any)
		container[key] = child
		assignFormValue(child, next, value)
	case []any:
		child := make(map[string]any)
		container[key] = append(existing, child)
		assignFormValue(child, next, value)
	default:
		child := make(map[string]any)
		container[key] = []any{existing, child}
		assignFormValue(child, next, value)
	}
}

func appendFormValue(existing, value any) any {
	switch current := existing.(type) {
	case nil:
		return value
	case []any:
		return append(current, value)
	default:
		return []any{current, value}
	}
}
