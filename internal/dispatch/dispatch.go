// Package dispatch is the request/response bridge between the voice layer and
// the component that executes cart and inventory actions.
//
// Callers depend only on [Dispatcher]. Two implementations exist: [Direct]
// calls a [Handler] in-process, and [Process] drives a worker subprocess over
// newline-delimited JSON, queueing calls until the worker reports ready and
// restarting it with bounded backoff when it dies. The worker side of that
// protocol is [Serve].
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrTimeout is returned when no response arrives within the call timeout.
	ErrTimeout = errors.New("dispatch: call timed out")

	// ErrConnectionLost is returned for calls in flight or queued when the
	// worker exits.
	ErrConnectionLost = errors.New("dispatch: worker connection lost")

	// ErrWorkerUnavailable is returned once the restart budget is spent.
	ErrWorkerUnavailable = errors.New("dispatch: worker unavailable")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatch: dispatcher closed")

	// ErrUnknownTool is returned by [Tools] for unregistered names.
	ErrUnknownTool = errors.New("unknown tool")
)

// WorkerError is an error reported by the action itself, as opposed to a
// transport failure.
type WorkerError struct {
	Tool    string
	Message string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("dispatch: %s: %s", e.Tool, e.Message)
}

// Dispatcher invokes named actions. Implementations are safe for concurrent
// use.
type Dispatcher interface {
	// Invoke runs the named action with params (marshalled to JSON) and
	// returns its JSON result. Action failures are returned as *WorkerError.
	Invoke(ctx context.Context, name string, params any) (json.RawMessage, error)

	// Ready reports whether calls are executed immediately rather than queued.
	Ready() bool

	// Close releases the dispatcher. Pending calls fail with [ErrClosed].
	Close() error
}

// Handler executes actions. It is what a [Direct] dispatcher calls and what
// [Serve] runs inside the worker.
type Handler interface {
	Handle(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error)

// Handle implements [Handler].
func (f HandlerFunc) Handle(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error) {
	return f(ctx, name, params)
}

// Tool is a named action.
type Tool struct {
	Name        string
	Description string

	// Run receives the raw params object and returns a value marshalled as
	// the result.
	Run func(ctx context.Context, params json.RawMessage) (any, error)
}

// Tools is a [Handler] routing by tool name. It is safe for concurrent use.
type Tools struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewTools returns an empty registry.
func NewTools() *Tools {
	return &Tools{tools: make(map[string]Tool)}
}

// Register adds or replaces tool.
func (t *Tools) Register(tool Tool) error {
	if tool.Name == "" {
		return errors.New("dispatch: tool must have a non-empty name")
	}
	if tool.Run == nil {
		return fmt.Errorf("dispatch: tool %q must have a non-nil Run", tool.Name)
	}
	t.mu.Lock()
	t.tools[tool.Name] = tool
	t.mu.Unlock()
	return nil
}

// Names returns the registered tool names, sorted.
func (t *Tools) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.tools))
	for n := range t.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Handle implements [Handler].
func (t *Tools) Handle(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error) {
	t.mu.RLock()
	tool, ok := t.tools[name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTool, name)
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	v, err := tool.Run(ctx, params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Kind classifies err for metrics and logs: "timeout", "connection_lost",
// "unavailable", "closed", "worker" or "error". It returns "" for nil.
func Kind(err error) string {
	var we *WorkerError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, ErrWorkerUnavailable):
		return "unavailable"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.As(err, &we):
		return "worker"
	}
	return "error"
}

// marshalParams encodes params, passing raw JSON through unchanged.
func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return p, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal params: %w", err)
	}
	return b, nil
}
