package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/barkeep/internal/broadcast"
	"github.com/MrWong99/barkeep/internal/catalog"
	"github.com/MrWong99/barkeep/internal/dispatch"
	"github.com/MrWong99/barkeep/internal/health"
	"github.com/MrWong99/barkeep/internal/intent"
	"github.com/MrWong99/barkeep/internal/inventory"
	"github.com/MrWong99/barkeep/internal/observe"
	"github.com/MrWong99/barkeep/internal/phrase"
	"github.com/MrWong99/barkeep/internal/pos"
	"github.com/MrWong99/barkeep/internal/store"
	"github.com/MrWong99/barkeep/internal/voice"
)

var menu = []catalog.Item{
	{ID: "heineken", Name: "Heineken", Category: catalog.CategoryBeer, PriceCents: 600},
	{ID: "merlot", Name: "Merlot", Category: catalog.CategoryWine, PriceCents: 1100},
}

type fixture struct {
	url      string
	store    *store.MemStore
	sessions *voice.Registry
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	ctx := context.Background()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	st := store.NewMemStore()
	if err := st.Seed(ctx, []store.SeedItem{
		{Item: menu[0], Containers: 24},
		{Item: menu[1], Containers: 3},
	}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	snap, err := catalog.NewSnapshot(menu)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	resolver := catalog.NewResolver(snap)

	tools := dispatch.NewTools()
	exec := pos.New(st, inventory.New(st, resolver, inventory.WithMetrics(m)), resolver)
	if err := exec.Register(tools); err != nil {
		t.Fatalf("Register: %v", err)
	}
	d := dispatch.NewDirect(tools, time.Second, m)

	hub := broadcast.NewHub(broadcast.WithMetrics(m))
	pipeline := voice.NewPipeline(intent.NewExtractor(resolver, intent.WithMetrics(m)), d, hub, voice.WithPipelineMetrics(m))
	sessions := voice.NewRegistry(voice.Hooks{}, m)
	factory := func(id string, out voice.Responder) *voice.Session {
		return voice.NewSession(id, voice.Config{
			Trigger:     phrase.NewTrigger(phrase.DefaultTriggerPhrases),
			Termination: phrase.NewTermination(phrase.DefaultTerminationPhrases),
			SettleDelay: 20 * time.Millisecond,
			Metrics:     m,
		}, pipeline, out)
	}

	hh := health.New([]health.Checker{{Name: "store", Check: st.Ping}})
	srv := New(cfg, hub, sessions, factory,
		WithHealth(hh),
		WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		})),
		WithMetrics(m),
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(sessions.CloseAll)
	return fixture{url: ts.URL, store: st, sessions: sessions}
}

func (f fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.url, "http")+path, nil)
	if err != nil {
		t.Fatalf("Dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

// frame is the union of every message a client may receive.
type frame struct {
	Type    string           `json:"type"`
	Mode    string           `json:"mode"`
	Text    string           `json:"text"`
	Intent  string           `json:"intent"`
	Message string           `json:"message"`
	Items   []broadcast.Item `json:"items"`
	Data    *struct {
		Cart []broadcast.Item `json:"cart"`
	} `json:"data"`
}

// readUntil reads frames until match returns true and returns the matching
// frame.
func readUntil(t *testing.T, c *websocket.Conn, what string, match func(frame) bool) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if match(f) {
			return f
		}
	}
}

func isType(typ string) func(frame) bool {
	return func(f frame) bool { return f.Type == typ }
}

func isMode(mode string) func(frame) bool {
	return func(f frame) bool { return f.Type == voice.MsgMode && f.Mode == mode }
}

func TestVoiceAndDisplay_EndToEnd(t *testing.T) {
	f := newFixture(t, Config{})
	display := f.dial(t, "/ws/display")
	client := f.dial(t, "/ws/voice?client_id=bar-1")

	readUntil(t, client, "initial mode", isMode(string(voice.ModeTriggerWait)))

	send(t, client, map[string]any{"type": "ping"})
	readUntil(t, client, "pong", isType(voice.MsgPong))

	send(t, client, map[string]any{"type": "transcript", "transcript": "hey bev", "isFinal": true, "confidence": 0.9})
	readUntil(t, client, "command mode", isMode(string(voice.ModeCommand)))

	send(t, client, map[string]any{"type": "transcript", "transcript": "add two heinekens", "isFinal": true, "confidence": 0.9})
	readUntil(t, client, "ack", isType(voice.MsgAck))
	voiceUpdate := readUntil(t, client, "voice cart update", isType("cart_update"))
	if voiceUpdate.Data == nil || len(voiceUpdate.Data.Cart) != 1 || voiceUpdate.Data.Cart[0].Quantity != 2 {
		t.Errorf("voice cart_update = %+v", voiceUpdate)
	}
	resp := readUntil(t, client, "response", isType(voice.MsgResponse))
	if resp.Intent != string(intent.CartAdd) || !strings.Contains(resp.Text, "Added 2 Heineken") {
		t.Errorf("response = %+v", resp)
	}
	readUntil(t, client, "back to trigger wait", isMode(string(voice.ModeTriggerWait)))

	upd := readUntil(t, display, "display cart update", isType("cart_update"))
	if len(upd.Items) != 1 || upd.Items[0].Name != "Heineken" || upd.Items[0].Quantity != 2 {
		t.Errorf("display items = %+v", upd.Items)
	}
}

func TestVoice_ModeChangeAndErrors(t *testing.T) {
	f := newFixture(t, Config{})
	client := f.dial(t, "/ws/voice?client_id=bar-2")
	readUntil(t, client, "initial mode", isMode(string(voice.ModeTriggerWait)))

	send(t, client, map[string]any{"type": "mode_change", "mode": "command"})
	readUntil(t, client, "command mode", isMode(string(voice.ModeCommand)))

	send(t, client, map[string]any{"type": "mode_change", "mode": "sleepy"})
	if e := readUntil(t, client, "bad mode error", isType(voice.MsgError)); !strings.Contains(e.Message, "sleepy") {
		t.Errorf("error = %q, want mention of the mode", e.Message)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if e := readUntil(t, client, "malformed error", isType(voice.MsgError)); e.Message != "malformed message" {
		t.Errorf("error = %q", e.Message)
	}

	send(t, client, map[string]any{"type": "dance"})
	readUntil(t, client, "unknown type error", isType(voice.MsgError))
}

func TestVoice_RateLimited(t *testing.T) {
	f := newFixture(t, Config{MessagesPerSecond: 0.001, MessageBurst: 1})
	client := f.dial(t, "/ws/voice?client_id=bar-3")
	readUntil(t, client, "initial mode", isMode(string(voice.ModeTriggerWait)))

	send(t, client, map[string]any{"type": "ping"})
	send(t, client, map[string]any{"type": "ping"})
	readUntil(t, client, "pong", isType(voice.MsgPong))
	if e := readUntil(t, client, "rate limit error", isType(voice.MsgError)); e.Message != "rate limit exceeded" {
		t.Errorf("error = %q", e.Message)
	}
}

func TestVoice_ReconnectReplacesSession(t *testing.T) {
	f := newFixture(t, Config{})
	first := f.dial(t, "/ws/voice?client_id=bar-4")
	readUntil(t, first, "initial mode", isMode(string(voice.ModeTriggerWait)))

	second := f.dial(t, "/ws/voice?client_id=bar-4")
	readUntil(t, second, "initial mode on reconnect", isMode(string(voice.ModeTriggerWait)))

	send(t, second, map[string]any{"type": "ping"})
	readUntil(t, second, "pong", isType(voice.MsgPong))
	if n := f.sessions.Len(); n != 1 {
		t.Errorf("sessions = %d, want 1", n)
	}
}

func TestHTTPRoutes(t *testing.T) {
	f := newFixture(t, Config{})

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(f.url + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	hub := broadcast.NewHub()
	srv := New(Config{}, hub, voice.NewRegistry(voice.Hooks{}, nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
