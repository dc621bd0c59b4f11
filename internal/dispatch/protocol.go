package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// ActionInvokeTool is the only request action.
const ActionInvokeTool = "invoke_tool"

// TypeReady marks the one-time readiness message.
const TypeReady = "ready"

// maxLine bounds a single protocol line.
const maxLine = 4 << 20

// Request is one call sent to the worker, one JSON object per line.
type Request struct {
	Action    string          `json:"action"`
	Name      string          `json:"name"`
	Params    json.RawMessage `json:"params"`
	RequestID uint64          `json:"requestId"`
}

// Response is one line from the worker: either a reply correlated by
// RequestID or the readiness signal.
type Response struct {
	Type      string          `json:"type,omitempty"`
	RequestID uint64          `json:"requestId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// lineReader yields complete newline-terminated lines. Partial lines are
// buffered until their terminator arrives.
type lineReader struct {
	r *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64<<10)}
}

// next returns the next non-empty line without its terminator.
func (l *lineReader) next() ([]byte, error) {
	var line []byte
	for {
		chunk, err := l.r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxLine {
			return nil, fmt.Errorf("dispatch: line exceeds %d bytes", maxLine)
		}
		switch {
		case err == nil:
			line = trimEOL(line)
			if len(line) == 0 {
				continue
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			// A trailing line without terminator is incomplete and dropped.
			return nil, err
		}
	}
}

func trimEOL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// writeLine encodes v followed by a newline in a single write.
func writeLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

// Serve runs the worker side of the protocol: it announces readiness on w,
// then executes each request read from r with h, one at a time in arrival
// order, writing one response per request. It returns nil when r reaches
// EOF and ctx.Err() when ctx is cancelled.
func Serve(ctx context.Context, r io.Reader, w io.Writer, h Handler) error {
	if err := writeLine(w, Response{Type: TypeReady}); err != nil {
		return fmt.Errorf("dispatch: announce ready: %w", err)
	}

	lines := newLineReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := lines.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("dispatch: read request: %w", err)
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			slog.Warn("dispatch: malformed request line", "err", err)
			continue
		}
		resp := Response{RequestID: req.RequestID}
		if req.Action != ActionInvokeTool {
			resp.Error = fmt.Sprintf("unknown action %q", req.Action)
		} else if result, err := h.Handle(ctx, req.Name, req.Params); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Result = result
		}
		if err := writeLine(w, resp); err != nil {
			return fmt.Errorf("dispatch: write response: %w", err)
		}
	}
}
