package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// pipeWorker runs Serve over in-memory pipes in place of a subprocess.
type pipeWorker struct {
	reqR  *io.PipeReader
	reqW  *io.PipeWriter
	respR *io.PipeReader
	respW *io.PipeWriter
	done  chan error
	stop  context.CancelFunc
}

func (w *pipeWorker) kill() error {
	w.stop()
	_ = w.reqW.Close()
	_ = w.reqR.Close()
	_ = w.respW.Close()
	_ = w.respR.Close()
	return nil
}

// spawner starts pipe workers serving h. Each worker waits for gate (when
// non-nil) before announcing ready.
type spawner struct {
	h     Handler
	gate  chan struct{}
	fail  atomic.Bool
	count atomic.Int32

	mu      sync.Mutex
	current *pipeWorker
}

func (s *spawner) spawn(context.Context) (*Worker, error) {
	s.count.Add(1)
	if s.fail.Load() {
		return nil, errors.New("exec: no such file")
	}
	ctx, stop := context.WithCancel(context.Background())
	pw := &pipeWorker{done: make(chan error, 1), stop: stop}
	pw.reqR, pw.reqW = io.Pipe()
	pw.respR, pw.respW = io.Pipe()
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	go func() {
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				_ = pw.respW.Close()
				pw.done <- ctx.Err()
				return
			}
		}
		err := Serve(ctx, pw.reqR, pw.respW, s.h)
		_ = pw.respW.Close()
		pw.done <- err
	}()
	s.mu.Lock()
	s.current = pw
	s.mu.Unlock()
	return &Worker{
		Stdin:  pw.reqW,
		Stdout: pw.respR,
		Wait:   func() error { return <-pw.done },
		Kill:   pw.kill,
	}, nil
}

// crash simulates the worker process dying.
func (s *spawner) crash() {
	s.mu.Lock()
	pw := s.current
	s.mu.Unlock()
	_ = pw.kill()
}

func newProcess(t *testing.T, s *spawner, cfg ProcessConfig) *Process {
	t.Helper()
	cfg.Spawn = s.spawn
	if cfg.Metrics == nil {
		cfg.Metrics = testMetrics(t)
	}
	p, err := NewProcess(cfg)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestProcess_InvokeRoundTrip(t *testing.T) {
	p := newProcess(t, &spawner{h: echoTools(t)}, ProcessConfig{Timeout: time.Second})
	ctx := context.Background()

	got, err := p.Invoke(ctx, "echo", echoParams{Text: "hello"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(got) != `{"echo":"hello"}` {
		t.Errorf("result = %s", got)
	}

	_, err = p.Invoke(ctx, "fail", nil)
	var we *WorkerError
	if !errors.As(err, &we) || we.Tool != "fail" {
		t.Errorf("err = %v, want WorkerError from fail", err)
	}
}

func TestProcess_QueuedBeforeReadyRunOnceInOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	tools := NewTools()
	must(t, tools.Register(Tool{Name: "record", Run: func(_ context.Context, params json.RawMessage) (any, error) {
		var p echoParams
		_ = json.Unmarshal(params, &p)
		mu.Lock()
		seen = append(seen, p.Text)
		mu.Unlock()
		return p, nil
	}}))

	s := &spawner{h: tools, gate: make(chan struct{})}
	p := newProcess(t, s, ProcessConfig{Timeout: 5 * time.Second})
	if p.Ready() {
		t.Fatal("ready before the worker announced it")
	}

	want := []string{"first", "second", "third", "fourth"}
	errs := make(chan error, len(want))
	for i, text := range want {
		go func() {
			_, err := p.Invoke(context.Background(), "record", echoParams{Text: text})
			errs <- err
		}()
		waitFor(t, "call to queue", func() bool { return p.queued() == i+1 })
	}

	close(s.gate)
	for range want {
		if err := <-errs; err != nil {
			t.Fatalf("Invoke: %v", err)
		}
	}
	waitFor(t, "ready", p.Ready)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("executed %d calls, want %d: %q", len(seen), len(want), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestProcess_Timeout(t *testing.T) {
	release := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, _ string, _ json.RawMessage) (json.RawMessage, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return json.RawMessage(`{}`), nil
	})
	p := newProcess(t, &spawner{h: h}, ProcessConfig{Timeout: 30 * time.Millisecond})
	t.Cleanup(func() { close(release) })
	waitFor(t, "ready", p.Ready)

	_, err := p.Invoke(context.Background(), "slow", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestProcess_CrashFailsInFlightAndRestarts(t *testing.T) {
	block := make(chan struct{})
	tools := echoTools(t)
	must(t, tools.Register(Tool{Name: "hang", Run: func(ctx context.Context, _ json.RawMessage) (any, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, nil
	}}))
	t.Cleanup(func() { close(block) })

	s := &spawner{h: tools}
	p := newProcess(t, s, ProcessConfig{Timeout: 5 * time.Second, RetryBaseDelay: 5 * time.Millisecond})
	waitFor(t, "ready", p.Ready)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Invoke(context.Background(), "hang", nil)
		errc <- err
	}()
	waitFor(t, "call in flight", func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.pending) == 1
	})

	s.crash()
	if err := <-errc; !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("in-flight err = %v, want ErrConnectionLost", err)
	}

	waitFor(t, "restart", func() bool { return s.count.Load() == 2 && p.Ready() })
	got, err := p.Invoke(context.Background(), "echo", echoParams{Text: "again"})
	if err != nil {
		t.Fatalf("Invoke after restart: %v", err)
	}
	if string(got) != `{"echo":"again"}` {
		t.Errorf("result = %s", got)
	}
}

func TestProcess_CallDuringRestartRunsOnceOnNewWorker(t *testing.T) {
	var runs atomic.Int32
	tools := NewTools()
	must(t, tools.Register(Tool{Name: "record", Run: func(_ context.Context, params json.RawMessage) (any, error) {
		runs.Add(1)
		var p echoParams
		_ = json.Unmarshal(params, &p)
		return p, nil
	}}))

	s := &spawner{h: tools}
	p := newProcess(t, s, ProcessConfig{Timeout: 5 * time.Second, RetryBaseDelay: 5 * time.Millisecond})
	waitFor(t, "ready", p.Ready)

	// The replacement worker holds its ready line until the gate opens.
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	s.crash()
	waitFor(t, "replacement spawned", func() bool { return s.count.Load() == 2 && !p.Ready() })

	type result struct {
		raw json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := p.Invoke(context.Background(), "record", echoParams{Text: "after crash"})
		done <- result{raw, err}
	}()
	waitFor(t, "call to queue", func() bool { return p.queued() == 1 })
	if n := runs.Load(); n != 0 {
		t.Fatalf("call ran %d times before the worker was ready", n)
	}

	close(gate)
	got := <-done
	if got.err != nil {
		t.Fatalf("Invoke: %v", got.err)
	}
	if string(got.raw) != `{"text":"after crash"}` {
		t.Errorf("result = %s", got.raw)
	}
	waitFor(t, "ready", p.Ready)
	if n := runs.Load(); n != 1 {
		t.Errorf("call ran %d times, want 1", n)
	}
	if n := s.count.Load(); n != 2 {
		t.Errorf("spawns = %d, want 2", n)
	}
}

func TestProcess_GivesUpAfterMaxRestarts(t *testing.T) {
	s := &spawner{h: echoTools(t)}
	s.fail.Store(true)
	p := newProcess(t, s, ProcessConfig{RetryBaseDelay: time.Millisecond, MaxRestarts: 3})

	waitFor(t, "restart budget", func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.unavailable
	})
	if n := s.count.Load(); n != 4 {
		t.Errorf("spawn attempts = %d, want 4 (initial + 3 restarts)", n)
	}
	if _, err := p.Invoke(context.Background(), "echo", nil); !errors.Is(err, ErrWorkerUnavailable) {
		t.Fatalf("err = %v, want ErrWorkerUnavailable", err)
	}
}

func TestProcess_CloseFailsQueued(t *testing.T) {
	s := &spawner{h: echoTools(t), gate: make(chan struct{})}
	p := newProcess(t, s, ProcessConfig{Timeout: 5 * time.Second})
	t.Cleanup(func() { close(s.gate) })

	errc := make(chan error, 1)
	go func() {
		_, err := p.Invoke(context.Background(), "echo", nil)
		errc <- err
	}()
	waitFor(t, "call to queue", func() bool { return p.queued() == 1 })

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if _, err := p.Invoke(context.Background(), "echo", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("err after close = %v, want ErrClosed", err)
	}
}

func TestProcess_ContextCancel(t *testing.T) {
	s := &spawner{h: echoTools(t), gate: make(chan struct{})}
	p := newProcess(t, s, ProcessConfig{Timeout: 5 * time.Second})
	t.Cleanup(func() { close(s.gate) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Invoke(ctx, "echo", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := p.queued(); n != 0 {
		t.Errorf("queued = %d after cancel, want 0", n)
	}
}
