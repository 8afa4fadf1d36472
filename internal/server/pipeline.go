package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	"content-media-app/internal/observability/logging"
	"content-media-app/internal/observability/metrics"
)

type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeResponded
	outcomeFail
)

// Outcome reports what a Stage did with a request.
type Outcome struct {
	kind outcomeKind
	req  *http.Request
	err  error
}

// Continue hands r (possibly enriched) to the next stage.
func Continue(r *http.Request) Outcome {
	return Outcome{kind: outcomeContinue, req: r}
}

// Responded ends the pipeline; the stage already wrote the response.
func Responded() Outcome {
	return Outcome{kind: outcomeResponded}
}

// Fail ends the pipeline and routes err to the terminal error stage.
func Fail(err error) Outcome {
	return Outcome{kind: outcomeFail, err: err}
}

// Stage is one step of the request pipeline.
type Stage interface {
	Name() string
	Apply(w http.ResponseWriter, r *http.Request) Outcome
}

type stageFunc struct {
	name  string
	apply func(http.ResponseWriter, *http.Request) Outcome
}

func (s stageFunc) Name() string { return s.name }

func (s stageFunc) Apply(w http.ResponseWriter, r *http.Request) Outcome {
	return s.apply(w, r)
}

// StageFunc adapts a function to the Stage interface.
func StageFunc(name string, apply func(http.ResponseWriter, *http.Request) Outcome) Stage {
	return stageFunc{name: name, apply: apply}
}

// Pipeline runs its stages in a fixed order and then the handler. Every
// failure, including a panic in a stage or the handler, ends in the terminal
// error stage.
type Pipeline struct {
	stages   []Stage
	handler  http.Handler
	terminal *errorStage
}

// newPipeline builds a pipeline in front of handler.
func newPipeline(handler http.Handler, terminal *errorStage, stages ...Stage) *Pipeline {
	if terminal == nil {
		terminal = newErrorStage(nil, nil)
	}
	return &Pipeline{stages: stages, handler: handler, terminal: terminal}
}

// Stages lists stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, stage := range p.stages {
		names[i] = stage.Name()
	}
	return names
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := metrics.NewResponseRecorder(w)
	current := r

	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			p.terminal.handle(rec, current, &panicError{value: v, stack: debug.Stack()})
		}
	}()

	sink := func(err error) { p.terminal.handle(rec, current, err) }
	current = current.WithContext(context.WithValue(current.Context(), errorSinkKey{}, sink))

	for _, stage := range p.stages {
		outcome := stage.Apply(rec, current)
		switch outcome.kind {
		case outcomeContinue:
			if outcome.req != nil {
				current = outcome.req
			}
			logging.MarkRequest(current)
		case outcomeResponded:
			return
		case outcomeFail:
			p.terminal.handle(rec, current, outcome.err)
			return
		default:
			p.terminal.handle(rec, current, fmt.Errorf("stage %s returned unknown outcome", stage.Name()))
			return
		}
	}

	p.handler.ServeHTTP(rec, current)
}

type errorSinkKey struct{}

// ErrorHandlerFunc is a handler that may fail. A returned error is sent to
// the terminal error stage of the surrounding pipeline.
type ErrorHandlerFunc func(http.ResponseWriter, *http.Request) error

func (f ErrorHandlerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := f(w, r)
	if err == nil {
		return
	}
	ReportError(w, r, err)
}

// ReportError routes err to the terminal error stage. Outside a pipeline it
// writes the generic 500 response directly.
func ReportError(w http.ResponseWriter, r *http.Request, err error) {
	if sink, ok := r.Context().Value(errorSinkKey{}).(func(error)); ok {
		sink(err)
		return
	}
	writeJSONError(w, http.StatusInternalServerError, internalErrorMessage)
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func (e *panicError) Unwrap() error {
	if err, ok := e.value.(error); ok {
		return err
	}
	return nil
}
