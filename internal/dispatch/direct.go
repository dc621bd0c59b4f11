package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MrWong99/barkeep/internal/observe"
)

// DefaultTimeout bounds a single call when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// Direct is a [Dispatcher] that calls a [Handler] in the current process.
type Direct struct {
	h       Handler
	timeout time.Duration
	metrics *observe.Metrics
}

var _ Dispatcher = (*Direct)(nil)

// NewDirect returns a Direct dispatcher. A zero timeout means
// [DefaultTimeout]; a nil m means [observe.DefaultMetrics].
func NewDirect(h Handler, timeout time.Duration, m *observe.Metrics) *Direct {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Direct{h: h, timeout: timeout, metrics: m}
}

type outcome struct {
	result json.RawMessage
	err    error
}

// Invoke implements [Dispatcher]. The handler runs on its own goroutine; when
// the timeout fires first the call fails with [ErrTimeout] and the handler's
// eventual result is discarded.
func (d *Direct) Invoke(ctx context.Context, name string, params any) (json.RawMessage, error) {
	start := time.Now()
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, err := d.h.Handle(ctx, name, raw)
		done <- outcome{res, err}
	}()

	var out outcome
	select {
	case out = <-done:
		if out.err != nil {
			out.err = &WorkerError{Tool: name, Message: out.err.Error()}
		}
	case <-ctx.Done():
		out.err = ctx.Err()
		if errors.Is(out.err, context.DeadlineExceeded) {
			out.err = ErrTimeout
		}
	}
	d.metrics.RecordDispatch(ctx, name, time.Since(start), Kind(out.err))
	return out.result, out.err
}

// Ready implements [Dispatcher]. An in-process handler is always ready.
func (d *Direct) Ready() bool { return true }

// Close implements [Dispatcher].
func (d *Direct) Close() error { return nil }
