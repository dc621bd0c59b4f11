// Package broadcast fans cart mutation events out to every connected
// listener. Listeners register with a class that selects the payload shape:
// displays receive a flat item list, voice clients a nested envelope with a
// timestamp. Both are serialized once per event from the same [Event].
//
// Delivery is best effort. A listener that is no longer open, or whose write
// fails, is dropped from the registry and never retried.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/barkeep/internal/observe"
)

// Class selects the payload shape a listener receives.
type Class string

const (
	ClassDisplay Class = "display"
	ClassVoice   Class = "voice"
)

// Kind is the cart mutation an event describes.
type Kind string

const (
	KindAdd            Kind = "add"
	KindRemove         Kind = "remove"
	KindClear          Kind = "clear"
	KindOrderCompleted Kind = "order_completed"
)

// Item is one cart line as shown to listeners.
type Item struct {
	Name       string `json:"name"`
	Category   string `json:"category,omitempty"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

// Event is one cart mutation together with the resulting cart. Events are
// treated as immutable once passed to [Hub.Broadcast].
type Event struct {
	Kind       Kind
	CartID     string
	Items      []Item
	TotalCents int64
	OrderID    string
	At         time.Time
}

// Listener receives serialized events.
type Listener interface {
	Class() Class

	// Open reports whether the listener can still accept writes.
	Open() bool

	// Send writes one payload. A non-nil error drops the listener.
	Send(ctx context.Context, payload []byte) error
}

type displayPayload struct {
	Type       string `json:"type"`
	Kind       Kind   `json:"kind"`
	CartID     string `json:"cart_id"`
	Items      []Item `json:"items"`
	TotalCents int64  `json:"total_cents"`
	OrderID    string `json:"order_id,omitempty"`
}

type voicePayload struct {
	Type string    `json:"type"`
	Data voiceData `json:"data"`
}

type voiceData struct {
	Kind       Kind   `json:"kind"`
	CartID     string `json:"cart_id"`
	Cart       []Item `json:"cart"`
	TotalCents int64  `json:"total_cents"`
	OrderID    string `json:"order_id,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// TypeCartUpdate is the message type of every broadcast payload.
const TypeCartUpdate = "cart_update"

// Encode serializes ev for listeners of class c.
func Encode(c Class, ev Event) ([]byte, error) {
	items := ev.Items
	if items == nil {
		items = []Item{}
	}
	if c == ClassVoice {
		return json.Marshal(voicePayload{
			Type: TypeCartUpdate,
			Data: voiceData{
				Kind:       ev.Kind,
				CartID:     ev.CartID,
				Cart:       items,
				TotalCents: ev.TotalCents,
				OrderID:    ev.OrderID,
				Timestamp:  ev.At.UnixMilli(),
			},
		})
	}
	return json.Marshal(displayPayload{
		Type:       TypeCartUpdate,
		Kind:       ev.Kind,
		CartID:     ev.CartID,
		Items:      items,
		TotalCents: ev.TotalCents,
		OrderID:    ev.OrderID,
	})
}

// Option configures a [Hub].
type Option func(*Hub)

// WithMetrics records deliveries on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithClock sets the timestamp source for events without one.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// Hub is the listener registry. Register, unregister and Broadcast are safe
// to call concurrently; Broadcast iterates over a snapshot.
type Hub struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]Listener

	metrics *observe.Metrics
	now     func() time.Time
}

// NewHub returns an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{listeners: make(map[uint64]Listener)}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Register adds l and returns a function that removes it again. The returned
// function may be called more than once.
func (h *Hub) Register(l Listener) (unregister func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.listeners[id] = l
	h.mu.Unlock()
	h.metrics.ActiveListeners.Add(context.Background(), 1, classAttr(l.Class()))

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

// Len returns the number of registered listeners.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Broadcast delivers ev to every registered listener and returns the number of
// successful deliveries. Listeners that are closed or fail are dropped.
func (h *Hub) Broadcast(ctx context.Context, ev Event) int {
	if ev.At.IsZero() {
		ev.At = h.now()
	}

	h.mu.RLock()
	snapshot := make(map[uint64]Listener, len(h.listeners))
	for id, l := range h.listeners {
		snapshot[id] = l
	}
	h.mu.RUnlock()
	if len(snapshot) == 0 {
		return 0
	}

	payloads := make(map[Class][]byte, 2)
	for _, l := range snapshot {
		c := l.Class()
		if _, ok := payloads[c]; ok {
			continue
		}
		p, err := Encode(c, ev)
		if err != nil {
			slog.Error("broadcast: encode event", "class", c, "kind", ev.Kind, "err", err)
			return 0
		}
		payloads[c] = p
	}

	var (
		mu        sync.Mutex
		delivered int
	)
	var g errgroup.Group
	for id, l := range snapshot {
		g.Go(func() error {
			c := l.Class()
			if !l.Open() {
				h.drop(ctx, id, c, nil)
				return nil
			}
			if err := l.Send(ctx, payloads[c]); err != nil {
				h.drop(ctx, id, c, err)
				return nil
			}
			h.metrics.RecordDelivery(ctx, string(c))
			mu.Lock()
			delivered++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return delivered
}

func (h *Hub) drop(ctx context.Context, id uint64, c Class, err error) {
	if h.remove(id) {
		slog.Debug("broadcast: listener dropped", "class", c, "err", err)
		h.metrics.RecordDrop(ctx, string(c))
	}
}

// remove deletes id and reports whether it was still registered.
func (h *Hub) remove(id uint64) bool {
	h.mu.Lock()
	l, ok := h.listeners[id]
	delete(h.listeners, id)
	h.mu.Unlock()
	if ok {
		h.metrics.ActiveListeners.Add(context.Background(), -1, classAttr(l.Class()))
	}
	return ok
}

func classAttr(c Class) metric.AddOption {
	return metric.WithAttributes(observe.Attr("class", string(c)))
}
