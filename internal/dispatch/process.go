package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/MrWong99/barkeep/internal/observe"
)

// Worker is a running worker process as seen by [Process].
type Worker struct {
	Stdin  io.WriteCloser
	Stdout io.Reader

	// Wait blocks until the worker has exited. It is called once, after
	// Stdout has been drained.
	Wait func() error

	// Kill stops the worker. It may be called after the worker exited.
	Kill func() error
}

// SpawnFunc starts a worker.
type SpawnFunc func(ctx context.Context) (*Worker, error)

// Command returns a SpawnFunc running name with args. The worker's stderr is
// passed through so its logs end up next to ours.
func Command(name string, args ...string) SpawnFunc {
	return func(ctx context.Context) (*Worker, error) {
		cmd := exec.Command(name, args...)
		cmd.Stderr = os.Stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("dispatch: stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("dispatch: stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("dispatch: start %s: %w", name, err)
		}
		return &Worker{
			Stdin:  stdin,
			Stdout: stdout,
			Wait:   cmd.Wait,
			Kill:   func() error { return cmd.Process.Kill() },
		}, nil
	}
}

// ProcessConfig configures a [Process] dispatcher.
type ProcessConfig struct {
	// Spawn starts the worker. Required.
	Spawn SpawnFunc

	// Timeout bounds each call, measured from submission. Default: 10s.
	Timeout time.Duration

	// RetryBaseDelay is multiplied by the attempt number to get the delay
	// before restarting a dead worker. Default: 500ms.
	RetryBaseDelay time.Duration

	// MaxRestarts is the number of consecutive restarts attempted before the
	// dispatcher gives up and fails every call with [ErrWorkerUnavailable].
	// The count resets whenever a worker reports ready. Default: 5.
	MaxRestarts int

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// call is one pending invocation.
type call struct {
	id    uint64
	name  string
	line  []byte
	start time.Time
	timer *time.Timer
	done  chan outcome
	once  sync.Once
}

// Process is a [Dispatcher] backed by a worker subprocess speaking
// newline-delimited JSON. Calls made before the worker is ready are queued and
// sent in submission order once it reports ready. Request ids increase
// monotonically across worker generations.
type Process struct {
	cfg ProcessConfig

	// writeMu serialises writes to the worker's stdin. It is acquired while
	// mu is held so lines go out in the order calls were accepted.
	writeMu sync.Mutex

	mu          sync.Mutex
	nextID      uint64
	pending     map[uint64]*call
	queue       []*call
	worker      *Worker
	gen         uint64
	ready       bool
	attempts    int
	unavailable bool
	closed      bool
	restart     *time.Timer

	wg sync.WaitGroup
}

var _ Dispatcher = (*Process)(nil)

// NewProcess starts the first worker and returns the dispatcher. Spawn
// failures are not returned; they count as a worker exit and are retried.
func NewProcess(cfg ProcessConfig) (*Process, error) {
	if cfg.Spawn == nil {
		return nil, errors.New("dispatch: process config requires Spawn")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 5
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	p := &Process{cfg: cfg, pending: make(map[uint64]*call)}
	p.mu.Lock()
	p.startLocked()
	p.mu.Unlock()
	return p, nil
}

// Invoke implements [Dispatcher].
func (p *Process) Invoke(ctx context.Context, name string, params any) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return nil, ErrClosed
	case p.unavailable:
		p.mu.Unlock()
		return nil, ErrWorkerUnavailable
	}
	p.nextID++
	c := &call{id: p.nextID, name: name, start: time.Now(), done: make(chan outcome, 1)}
	c.line, err = json.Marshal(Request{Action: ActionInvokeTool, Name: name, Params: raw, RequestID: c.id})
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("dispatch: encode request: %w", err)
	}
	c.line = append(c.line, '\n')
	c.timer = time.AfterFunc(p.cfg.Timeout, func() {
		p.abandon(c)
		p.finish(c, outcome{err: ErrTimeout})
	})

	if p.ready {
		p.pending[c.id] = c
		w := p.worker
		p.writeMu.Lock()
		p.mu.Unlock()
		_, werr := w.Stdin.Write(c.line)
		p.writeMu.Unlock()
		if werr != nil {
			p.abandon(c)
			p.finish(c, outcome{err: fmt.Errorf("%w: %v", ErrConnectionLost, werr)})
		}
	} else {
		p.queue = append(p.queue, c)
		p.mu.Unlock()
	}

	select {
	case out := <-c.done:
		return out.result, out.err
	case <-ctx.Done():
		p.abandon(c)
		p.finish(c, outcome{err: ctx.Err()})
		return nil, ctx.Err()
	}
}

// Ready implements [Dispatcher].
func (p *Process) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Close implements [Dispatcher]. It stops the worker and waits for the reader
// goroutine to finish.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.ready = false
	if p.restart != nil {
		p.restart.Stop()
	}
	w := p.worker
	lost := p.drainLocked()
	p.mu.Unlock()

	for _, c := range lost {
		p.finish(c, outcome{err: ErrClosed})
	}
	if w != nil {
		_ = w.Stdin.Close()
		_ = w.Kill()
	}
	p.wg.Wait()
	return nil
}

// startLocked spawns a new worker generation. p.mu must be held.
func (p *Process) startLocked() {
	p.gen++
	gen := p.gen
	w, err := p.cfg.Spawn(context.Background())
	if err != nil {
		slog.Warn("dispatch: worker spawn failed", "generation", gen, "err", err)
		p.exitedLocked(gen, err)
		return
	}
	p.worker = w
	slog.Info("dispatch: worker started", "generation", gen)
	p.wg.Add(1)
	go p.readLoop(gen, w)
}

// readLoop consumes the worker's stdout until it closes, then reaps the
// worker and reports the exit.
func (p *Process) readLoop(gen uint64, w *Worker) {
	defer p.wg.Done()
	lines := newLineReader(w.Stdout)
	var readErr error
	for {
		line, err := lines.next()
		if err != nil {
			readErr = err
			break
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			slog.Warn("dispatch: malformed worker line", "generation", gen, "err", err)
			continue
		}
		p.handle(gen, w, resp)
	}

	_ = w.Kill()
	waitErr := w.Wait()
	if errors.Is(readErr, io.EOF) {
		readErr = nil
	}

	p.mu.Lock()
	p.exitedLocked(gen, errors.Join(readErr, waitErr))
	p.mu.Unlock()
}

// handle routes one worker message.
func (p *Process) handle(gen uint64, w *Worker, resp Response) {
	p.mu.Lock()
	if gen != p.gen || p.closed {
		p.mu.Unlock()
		return
	}

	if resp.Type == TypeReady {
		p.attempts = 0
		slog.Info("dispatch: worker ready", "generation", gen, "queued", len(p.queue))
		p.wg.Add(1)
		p.mu.Unlock()
		go p.flush(gen, w)
		return
	}

	c, ok := p.pending[resp.RequestID]
	if ok {
		delete(p.pending, resp.RequestID)
	}
	p.mu.Unlock()
	if !ok {
		slog.Debug("dispatch: response for unknown or expired request", "request_id", resp.RequestID)
		return
	}
	if resp.Error != "" {
		p.finish(c, outcome{err: &WorkerError{Tool: c.name, Message: resp.Error}})
		return
	}
	p.finish(c, outcome{result: resp.Result})
}

// flush sends queued calls in submission order and marks the worker ready
// once the queue is empty. Calls queued while a batch is being written are
// picked up by the next iteration, so ordering holds without the reader
// goroutine ever waiting on a write.
func (p *Process) flush(gen uint64, w *Worker) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if gen != p.gen || p.closed {
			p.mu.Unlock()
			return
		}
		batch := p.queue
		p.queue = nil
		if len(batch) == 0 {
			p.ready = true
			p.mu.Unlock()
			return
		}
		for _, c := range batch {
			p.pending[c.id] = c
		}
		p.mu.Unlock()

		p.writeMu.Lock()
		for _, c := range batch {
			if _, err := w.Stdin.Write(c.line); err != nil {
				// The reader sees the exit and fails what is pending.
				p.writeMu.Unlock()
				return
			}
		}
		p.writeMu.Unlock()
	}
}

// exitedLocked fails everything older than the exit and schedules a restart
// with linear backoff. p.mu must be held.
func (p *Process) exitedLocked(gen uint64, err error) {
	if gen != p.gen || p.closed {
		return
	}
	p.ready = false
	p.worker = nil
	for _, c := range p.drainLocked() {
		p.finish(c, outcome{err: ErrConnectionLost})
	}

	p.attempts++
	if p.attempts > p.cfg.MaxRestarts {
		p.unavailable = true
		slog.Error("dispatch: worker restart budget exhausted", "attempts", p.attempts-1, "err", err)
		return
	}
	delay := p.cfg.RetryBaseDelay * time.Duration(p.attempts)
	slog.Warn("dispatch: worker exited, restarting",
		"generation", gen, "attempt", p.attempts, "delay", delay, "err", err)
	p.cfg.Metrics.WorkerRestarts.Add(context.Background(), 1)
	p.restart = time.AfterFunc(delay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed || p.unavailable {
			return
		}
		p.restart = nil
		p.startLocked()
	})
}

// drainLocked removes and returns every pending and queued call.
func (p *Process) drainLocked() []*call {
	out := make([]*call, 0, len(p.pending)+len(p.queue))
	out = append(out, p.queue...)
	for _, c := range p.pending {
		out = append(out, c)
	}
	p.queue = nil
	p.pending = make(map[uint64]*call)
	return out
}

// abandon removes c from the pending map or the queue.
func (p *Process) abandon(c *call) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[c.id] == c {
		delete(p.pending, c.id)
		return
	}
	for i, q := range p.queue {
		if q == c {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}

// finish completes c exactly once.
func (p *Process) finish(c *call, out outcome) {
	c.once.Do(func() {
		c.timer.Stop()
		c.done <- out
		p.cfg.Metrics.RecordDispatch(context.Background(), c.name, time.Since(c.start), Kind(out.err))
	})
}

// queued returns the number of calls waiting for the worker.
func (p *Process) queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
