package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// DefaultWriteTimeout bounds a single websocket write.
const DefaultWriteTimeout = 5 * time.Second

// Conn adapts a websocket connection to [Listener]. The server's own replies
// to a voice client go through the same Conn so every write shares one
// timeout and one notion of liveness.
type Conn struct {
	ws      *websocket.Conn
	class   Class
	timeout time.Duration
	closed  atomic.Bool
}

var _ Listener = (*Conn)(nil)

// NewConn wraps ws. A timeout of zero uses [DefaultWriteTimeout].
func NewConn(ws *websocket.Conn, class Class, timeout time.Duration) *Conn {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &Conn{ws: ws, class: class, timeout: timeout}
}

// Class implements [Listener].
func (c *Conn) Class() Class { return c.class }

// Open implements [Listener].
func (c *Conn) Open() bool { return !c.closed.Load() }

// Send implements [Listener]. A failed write marks the connection closed.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("broadcast: send on closed %s connection", c.class)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, payload); err != nil {
		c.closed.Store(true)
		return fmt.Errorf("broadcast: write %s: %w", c.class, err)
	}
	return nil
}

// SendJSON marshals v and sends it.
func (c *Conn) SendJSON(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("broadcast: encode: %w", err)
	}
	return c.Send(ctx, b)
}

// MarkClosed stops further writes. The next broadcast drops the listener.
func (c *Conn) MarkClosed() { c.closed.Store(true) }
