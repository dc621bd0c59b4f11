package voice

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/barkeep/internal/broadcast"
	"github.com/MrWong99/barkeep/internal/catalog"
	"github.com/MrWong99/barkeep/internal/dispatch"
	"github.com/MrWong99/barkeep/internal/intent"
	"github.com/MrWong99/barkeep/internal/inventory"
	"github.com/MrWong99/barkeep/internal/observe"
	"github.com/MrWong99/barkeep/internal/pos"
	"github.com/MrWong99/barkeep/internal/speech"
	"github.com/MrWong99/barkeep/internal/store"
)

var barMenu = []catalog.Item{
	{ID: "heineken", Name: "Heineken", Category: catalog.CategoryBeer, PriceCents: 600},
	{ID: "merlot", Name: "Merlot", Category: catalog.CategoryWine, PriceCents: 1100},
	{ID: "jameson", Name: "Jameson", Category: catalog.CategorySpirits, PriceCents: 900},
}

// captureListener records broadcast payloads.
type captureListener struct {
	class broadcast.Class

	mu       sync.Mutex
	payloads []string
}

func (c *captureListener) Class() broadcast.Class { return c.class }
func (c *captureListener) Open() bool             { return true }

func (c *captureListener) Send(_ context.Context, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, string(p))
	return nil
}

func (c *captureListener) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.payloads...)
}

type stack struct {
	pipeline *Pipeline
	store    *store.MemStore
	display  *captureListener
	voice    *captureListener
	metrics  *observe.Metrics
}

func newStack(t *testing.T, stock map[string]int, d dispatch.Dispatcher, opts ...PipelineOption) stack {
	t.Helper()
	ctx := context.Background()
	m := testMetrics(t)

	s := store.NewMemStore()
	var seed []store.SeedItem
	for _, it := range barMenu {
		seed = append(seed, store.SeedItem{Item: it, Containers: stock[it.ID]})
	}
	if err := s.Seed(ctx, seed); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	snap, err := catalog.NewSnapshot(barMenu)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	resolver := catalog.NewResolver(snap)

	if d == nil {
		tools := dispatch.NewTools()
		exec := pos.New(s, inventory.New(s, resolver, inventory.WithMetrics(m)), resolver)
		if err := exec.Register(tools); err != nil {
			t.Fatalf("Register: %v", err)
		}
		d = dispatch.NewDirect(tools, time.Second, m)
	}

	hub := broadcast.NewHub(broadcast.WithMetrics(m))
	display := &captureListener{class: broadcast.ClassDisplay}
	voice := &captureListener{class: broadcast.ClassVoice}
	hub.Register(display)
	hub.Register(voice)

	ex := intent.NewExtractor(resolver, intent.WithMetrics(m))
	opts = append([]PipelineOption{WithPipelineMetrics(m)}, opts...)
	return stack{
		pipeline: NewPipeline(ex, d, hub, opts...),
		store:    s,
		display:  display,
		voice:    voice,
		metrics:  m,
	}
}

func (st stack) turn(t *testing.T, transcript string) Reply {
	t.Helper()
	r, err := st.pipeline.HandleTurn(context.Background(), "bar-1", transcript)
	if err != nil {
		t.Fatalf("HandleTurn(%q): %v", transcript, err)
	}
	return r
}

func TestEndToEnd_TriggerAddBroadcastTimeout(t *testing.T) {
	clock := newFakeClock()
	st := newStack(t, map[string]int{"heineken": 24}, nil)
	rec := &recorder{}
	cfg := testConfig(t, clock)
	cfg.Metrics = st.metrics
	s := NewSession("bar-1", cfg, st.pipeline, rec)
	startSession(t, s)

	must(t, s.Transcript("hey bev", true, 0.92))
	waitMode(t, s, ModeCommand)

	must(t, s.Transcript("add two heinekens", true, 0.88))
	waitFor(t, "response", func() bool { return len(rec.ofType(MsgResponse)) == 1 })

	resp := rec.ofType(MsgResponse)[0]
	if resp.Intent != string(intent.CartAdd) || !strings.Contains(resp.Text, "Added 2 Heineken") {
		t.Errorf("response = %+v", resp)
	}

	var display struct {
		Type  string           `json:"type"`
		Items []broadcast.Item `json:"items"`
	}
	if got := st.display.received(); len(got) != 1 {
		t.Fatalf("display payloads = %d, want 1", len(got))
	} else if err := json.Unmarshal([]byte(got[0]), &display); err != nil {
		t.Fatalf("display payload: %v", err)
	}
	if display.Type != "cart_update" || len(display.Items) != 1 || display.Items[0].Name != "Heineken" || display.Items[0].Quantity != 2 {
		t.Errorf("display payload = %+v", display)
	}

	var voice struct {
		Type string `json:"type"`
		Data struct {
			Cart      []broadcast.Item `json:"cart"`
			Timestamp int64            `json:"timestamp"`
		} `json:"data"`
	}
	if got := st.voice.received(); len(got) != 1 {
		t.Fatalf("voice payloads = %d, want 1", len(got))
	} else if err := json.Unmarshal([]byte(got[0]), &voice); err != nil {
		t.Fatalf("voice payload: %v", err)
	}
	if voice.Type != "cart_update" || len(voice.Data.Cart) != 1 || voice.Data.Cart[0].Quantity != 2 || voice.Data.Timestamp == 0 {
		t.Errorf("voice payload = %+v", voice)
	}

	// Silence.
	waitFor(t, "settle timer", func() bool { return clock.pending() == 1 })
	clock.Advance(10 * time.Second)
	waitMode(t, s, ModeTriggerWait)
}

func TestPipeline_Replies(t *testing.T) {
	st := newStack(t, map[string]int{"heineken": 1, "merlot": 3, "jameson": 2}, nil)

	tests := []struct {
		transcript string
		intent     intent.Intent
		contains   string
	}{
		{"add a unicorn frappe", intent.NotUnderstood, "didn't catch"},
		{"add two heinekens and a merlot", intent.CartAdd, "Added 2 Heineken, 1 Merlot. Total 23.00."},
		{"what's in the cart", intent.CartView, "2 Heineken, 1 Merlot"},
		{"remove a jameson", intent.CartRemove, "Jameson is not in the cart"},
		{"how many merlot left", intent.InventoryCheck, "Merlot: 3 containers on hand."},
		{"inventory", intent.InventoryCheck, "Which drink"},
		{"jameson", intent.InventoryCheck, "Jameson: 2 containers on hand."},
		{"checkout", intent.CartCreateOrder, "Order placed, total 11.00. Not served: Heineken (insufficient inventory)."},
		{"checkout", intent.CartCreateOrder, "No order was placed."},
		{"clear the cart", intent.CartClear, "Cart cleared."},
		{"checkout", intent.CartCreateOrder, "The cart is empty."},
		{"what's on the menu", intent.MenuView, "We have 3 drinks, including Heineken 6.00"},
		{"help", intent.Help, "You can say"},
	}
	for _, tc := range tests {
		r := st.turn(t, tc.transcript)
		if r.Intent != string(tc.intent) {
			t.Errorf("%q: intent = %s, want %s", tc.transcript, r.Intent, tc.intent)
		}
		if !strings.Contains(r.Text, tc.contains) {
			t.Errorf("%q: reply = %q, want it to contain %q", tc.transcript, r.Text, tc.contains)
		}
	}

	if n, _ := st.store.ContainerCount(context.Background(), "merlot"); n != 3 {
		t.Errorf("merlot containers = %d, want 3 (one glass carried as remainder)", n)
	}
	if got := st.store.PendingServings("merlot"); got != 1 {
		t.Errorf("merlot remainder = %d, want 1", got)
	}
}

func TestPipeline_TurnSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})

	st := newStack(t, map[string]int{"merlot": 3}, nil)
	ctx := observe.WithClientID(context.Background(), "tablet-7")
	if _, err := st.pipeline.HandleTurn(ctx, "bar-1", "add a merlot"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	byName := make(map[string]tracetest.SpanStub)
	for _, sp := range exp.GetSpans() {
		byName[sp.Name] = sp
	}
	turn, ok := byName[observe.SpanTurn]
	if !ok {
		t.Fatalf("no %s span in %d spans", observe.SpanTurn, len(exp.GetSpans()))
	}
	want := map[attribute.Key]string{
		observe.AttrSessionID: "bar-1",
		observe.AttrClientID:  "tablet-7",
		observe.AttrIntent:    string(intent.CartAdd),
	}
	for _, kv := range turn.Attributes {
		if v, ok := want[kv.Key]; ok {
			if kv.Value.AsString() != v {
				t.Errorf("%s = %q, want %q", kv.Key, kv.Value.AsString(), v)
			}
			delete(want, kv.Key)
		}
	}
	if len(want) != 0 {
		t.Errorf("turn span missing attributes %v", want)
	}

	call, ok := byName[observe.SpanDispatch]
	if !ok {
		t.Fatalf("no %s span", observe.SpanDispatch)
	}
	if call.Parent.SpanID() != turn.SpanContext.SpanID() {
		t.Error("dispatch span is not a child of the turn")
	}
	for _, kv := range call.Attributes {
		if kv.Key == observe.AttrTool && kv.Value.AsString() != pos.ToolCartAdd {
			t.Errorf("tool = %q, want %q", kv.Value.AsString(), pos.ToolCartAdd)
		}
	}
}

func TestPipeline_DispatcherFailureIsHardError(t *testing.T) {
	failing := failingDispatcher{err: dispatch.ErrWorkerUnavailable}
	st := newStack(t, nil, failing)
	_, err := st.pipeline.HandleTurn(context.Background(), "bar-1", "add a merlot")
	if err == nil {
		t.Fatal("expected an error from an unavailable worker")
	}
	if got := st.display.received(); len(got) != 0 {
		t.Errorf("broadcast on failure: %v", got)
	}
}

func TestPipeline_SpokenReply(t *testing.T) {
	speaker := speech.SynthesizerFunc(func(_ context.Context, text string) ([]byte, error) {
		return []byte("pcm:" + text), nil
	})
	st := newStack(t, nil, nil, WithSpeaker(speaker))
	r := st.turn(t, "help")
	if !strings.HasPrefix(string(r.Audio), "pcm:You can say") {
		t.Errorf("audio = %q", r.Audio)
	}
}

type failingDispatcher struct{ err error }

func (f failingDispatcher) Invoke(context.Context, string, any) (json.RawMessage, error) {
	return nil, f.err
}
func (failingDispatcher) Ready() bool  { return false }
func (failingDispatcher) Close() error { return nil }
