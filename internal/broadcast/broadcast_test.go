package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/barkeep/internal/observe"
)

// fakeListener records payloads. Set fail to make Send error.
type fakeListener struct {
	class Class

	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
}

func (f *fakeListener) Class() Class { return f.class }

func (f *fakeListener) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeListener) Send(_ context.Context, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.payloads = append(f.payloads, p)
	return nil
}

func (f *fakeListener) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.payloads...)
}

func newHub(t *testing.T) *Hub {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return NewHub(WithMetrics(m))
}

var twoHeineken = Event{
	Kind:       KindAdd,
	CartID:     "bar-1",
	Items:      []Item{{Name: "Heineken", Category: "beer", Quantity: 2, PriceCents: 600}},
	TotalCents: 1200,
	At:         time.UnixMilli(1_792_000_000_000),
}

func TestBroadcast_PayloadShapes(t *testing.T) {
	t.Parallel()
	h := newHub(t)
	display := &fakeListener{class: ClassDisplay}
	voice := &fakeListener{class: ClassVoice}
	h.Register(display)
	h.Register(voice)

	if n := h.Broadcast(context.Background(), twoHeineken); n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}

	var d struct {
		Type  string `json:"type"`
		Items []Item `json:"items"`
	}
	if err := json.Unmarshal(display.received()[0], &d); err != nil {
		t.Fatalf("display payload: %v", err)
	}
	if d.Type != "cart_update" || len(d.Items) != 1 || d.Items[0].Name != "Heineken" || d.Items[0].Quantity != 2 {
		t.Errorf("display payload = %+v", d)
	}

	var v struct {
		Type string `json:"type"`
		Data struct {
			Cart      []Item `json:"cart"`
			Timestamp int64  `json:"timestamp"`
		} `json:"data"`
	}
	if err := json.Unmarshal(voice.received()[0], &v); err != nil {
		t.Fatalf("voice payload: %v", err)
	}
	if v.Type != "cart_update" || len(v.Data.Cart) != 1 || v.Data.Cart[0].Quantity != 2 {
		t.Errorf("voice payload = %+v", v)
	}
	if v.Data.Timestamp != 1_792_000_000_000 {
		t.Errorf("timestamp = %d", v.Data.Timestamp)
	}
}

func TestBroadcast_EmptyCartEncodesEmptyList(t *testing.T) {
	t.Parallel()
	b, err := Encode(ClassDisplay, Event{Kind: KindClear, CartID: "c"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(b), `"items":[]`) {
		t.Errorf("payload = %s, want an empty items list", b)
	}
}

func TestBroadcast_DropsFailedAndClosedListeners(t *testing.T) {
	t.Parallel()
	h := newHub(t)
	ok := &fakeListener{class: ClassDisplay}
	broken := &fakeListener{class: ClassDisplay, fail: true}
	gone := &fakeListener{class: ClassVoice, closed: true}
	h.Register(ok)
	h.Register(broken)
	h.Register(gone)

	if n := h.Broadcast(context.Background(), twoHeineken); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if h.Len() != 1 {
		t.Fatalf("listeners = %d, want 1 after drops", h.Len())
	}

	broken.mu.Lock()
	broken.fail = false
	broken.mu.Unlock()
	h.Broadcast(context.Background(), twoHeineken)
	if got := len(broken.received()); got != 0 {
		t.Errorf("dropped listener received %d payloads, want 0", got)
	}
	if got := len(ok.received()); got != 2 {
		t.Errorf("healthy listener received %d payloads, want 2", got)
	}
}

func TestRegister_UnregisterIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHub(t)
	unregister := h.Register(&fakeListener{class: ClassVoice})
	h.Register(&fakeListener{class: ClassVoice})
	unregister()
	unregister()
	if h.Len() != 1 {
		t.Fatalf("listeners = %d, want 1", h.Len())
	}
}

func TestHub_ConcurrentRegisterAndBroadcast(t *testing.T) {
	t.Parallel()
	h := newHub(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			class := ClassDisplay
			if i%2 == 0 {
				class = ClassVoice
			}
			unregister := h.Register(&fakeListener{class: class})
			if i%3 == 0 {
				unregister()
			}
		}()
		go func() {
			defer wg.Done()
			h.Broadcast(ctx, twoHeineken)
		}()
	}
	wg.Wait()
	if got := h.Len(); got != 13 {
		t.Errorf("listeners = %d, want 13", got)
	}
}

func TestConn_OverWebsocket(t *testing.T) {
	t.Parallel()
	h := newHub(t)
	registered := make(chan func(), 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c := NewConn(ws, ClassDisplay, time.Second)
		registered <- h.Register(c)
		// Hold the connection until the client goes away.
		_, _, _ = ws.Read(context.Background())
		c.MarkClosed()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	unregister := <-registered
	defer unregister()

	if n := h.Broadcast(ctx, twoHeineken); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	_, msg, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !strings.Contains(string(msg), `"type":"cart_update"`) {
		t.Errorf("message = %s", msg)
	}

	client.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(2 * time.Second)
	for h.Broadcast(ctx, twoHeineken) != 0 || h.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("listener not dropped after the client disconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
