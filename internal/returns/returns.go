// Package returns turns the raw per-node result of a salt job into process
// style output. Each salt function shapes its return differently, so decoding
// is looked up by the fully qualified function name.
package returns

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

const (
	FunctionRunAll      = "cmd.run_all"
	FunctionScript      = "cmd.script"
	FunctionExecCodeAll = "cmd.exec_code_all"
	FunctionRun         = "cmd.run"
	FunctionShell       = "cmd.shell"
	FunctionExecCode    = "cmd.exec_code"
	FunctionPing        = "test.ping"
)

// Output is what a node step prints and exits with.
type Output struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"retcode"`
}

// Handler decodes the raw result of one salt function.
type Handler interface {
	Decode(raw json.RawMessage) (Output, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(raw json.RawMessage) (Output, error)

func (f HandlerFunc) Decode(raw json.RawMessage) (Output, error) { return f(raw) }

// ParseError reports a result that does not have the shape its function returns.
type ParseError struct {
	Function string
	Raw      string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot decode %s return %s: %v", e.Function, e.Raw, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Registry maps salt functions to their handlers. Unknown functions fall back
// to the default handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewRegistry returns a registry with the cmd.* and test.ping handlers installed.
func NewRegistry() *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		fallback: HandlerFunc(decodeAny),
	}
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	for _, fn := range []string{FunctionRunAll, FunctionScript, FunctionExecCodeAll} {
		r.Register(fn, HandlerFunc(decodeRunAll))
	}
	for _, fn := range []string{FunctionRun, FunctionShell, FunctionExecCode} {
		r.Register(fn, HandlerFunc(decodeString))
	}
	r.Register(FunctionPing, HandlerFunc(decodeNothing))
}

// Register installs h for function, replacing any previous handler.
func (r *Registry) Register(function string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[function] = h
}

// Decode decodes raw as returned by function. Errors are *ParseError.
func (r *Registry) Decode(function string, raw json.RawMessage) (Output, error) {
	r.mu.RLock()
	h, ok := r.handlers[function]
	if !ok {
		h = r.fallback
	}
	r.mu.RUnlock()

	out, err := h.Decode(raw)
	if err != nil {
		return Output{}, &ParseError{Function: function, Raw: excerpt(raw), Err: err}
	}
	return out, nil
}

func decodeRunAll(raw json.RawMessage) (Output, error) {
	var v struct {
		Stdout  *string `json:"stdout"`
		Stderr  *string `json:"stderr"`
		Retcode *int    `json:"retcode"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return Output{}, err
	}
	if v.Retcode == nil {
		return Output{}, fmt.Errorf("missing retcode")
	}
	out := Output{ExitCode: *v.Retcode}
	if v.Stdout != nil {
		out.Stdout = *v.Stdout
	}
	if v.Stderr != nil {
		out.Stderr = *v.Stderr
	}
	return out, nil
}

func decodeString(raw json.RawMessage) (Output, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return Output{}, err
	}
	return Output{Stdout: s}, nil
}

func decodeNothing(json.RawMessage) (Output, error) {
	return Output{}, nil
}

// decodeAny prints strings as they are and anything else as compact JSON.
func decodeAny(raw json.RawMessage) (Output, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return Output{Stdout: s}, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return Output{}, err
	}
	return Output{Stdout: buf.String()}, nil
}

func excerpt(raw json.RawMessage) string {
	const limit = 256
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
