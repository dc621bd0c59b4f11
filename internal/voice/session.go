// Package voice runs one state machine per voice connection. Transcripts,
// control messages and timer expiries are all turned into [Trigger]s and fed
// through the pure [Transition] function by a single event loop, so a
// session never needs a lock around its mode.
package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/barkeep/internal/observe"
	"github.com/MrWong99/barkeep/internal/phrase"
)

// Defaults for [Config].
const (
	DefaultInactivityTimeout = 10 * time.Second
	DefaultSettleDelay       = 1500 * time.Millisecond
)

// ErrSessionClosed is returned when input arrives after Close.
var ErrSessionClosed = errors.New("voice: session closed")

// Apology is spoken when a command turn fails hard.
const Apology = "Sorry, something went wrong. Please say that again."

// Message types sent to the voice client.
const (
	MsgMode     = "mode"
	MsgAck      = "ack"
	MsgResponse = "response"
	MsgError    = "error"
	MsgPong     = "pong"
)

// Message is one message to the voice client.
type Message struct {
	Type       string `json:"type"`
	Mode       Mode   `json:"mode,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Text       string `json:"text,omitempty"`
	Intent     string `json:"intent,omitempty"`
	// Audio is the synthesized reply, base64 encoded on the wire.
	Audio   []byte `json:"audio,omitempty"`
	Message string `json:"message,omitempty"`
}

// Responder delivers messages to the voice client.
type Responder interface {
	Respond(ctx context.Context, msg Message) error
}

// ResponderFunc adapts a function to [Responder].
type ResponderFunc func(ctx context.Context, msg Message) error

// Respond implements [Responder].
func (f ResponderFunc) Respond(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Reply is the outcome of one command turn.
type Reply struct {
	Text   string
	Intent string
	Audio  []byte
}

// Handler runs one command turn. An error is a hard failure: the session
// apologises and returns to trigger_wait.
type Handler interface {
	HandleTurn(ctx context.Context, sessionID, transcript string) (Reply, error)
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, sessionID, transcript string) (Reply, error)

// HandleTurn implements [Handler].
func (f HandlerFunc) HandleTurn(ctx context.Context, sessionID, transcript string) (Reply, error) {
	return f(ctx, sessionID, transcript)
}

// Config configures a [Session].
type Config struct {
	// InitialMode is trigger_wait or inactive. Default: trigger_wait.
	InitialMode Mode

	InactivityTimeout time.Duration
	SettleDelay       time.Duration

	// Trigger and Termination match the wake and stop phrases. Required.
	Trigger     *phrase.Matcher
	Termination *phrase.Matcher

	// MinConfidence drops final transcripts the recogniser scored lower.
	// Zero accepts everything.
	MinConfidence float64

	Clock   Clock
	Metrics *observe.Metrics
}

func (c *Config) applyDefaults() {
	if c.InitialMode == "" {
		c.InitialMode = ModeTriggerWait
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.Clock == nil {
		c.Clock = RealClock{}
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
}

// Session is the state machine for one voice connection. Inputs may be
// posted from any goroutine; they are applied in order by [Session.Run].
type Session struct {
	id      string
	cfg     Config
	handler Handler
	out     Responder

	events chan Trigger
	done   chan struct{}
	once   sync.Once

	// Owned by the Run goroutine.
	mode          Mode
	inactivity    Timer
	inactivityGen uint64
	settle        Timer
	settleGen     uint64
	turnGen       uint64

	mu           sync.Mutex
	current      Mode
	lastActivity time.Time

	turns  sync.WaitGroup
	turnMu sync.Mutex
}

// NewSession returns a session in cfg.InitialMode. Call Run to start it.
func NewSession(id string, cfg Config, h Handler, out Responder) *Session {
	cfg.applyDefaults()
	s := &Session{
		id:      id,
		cfg:     cfg,
		handler: h,
		out:     out,
		events:  make(chan Trigger, 64),
		done:    make(chan struct{}),
		mode:    cfg.InitialMode,
		current: cfg.InitialMode,
	}
	s.lastActivity = cfg.Clock.Now()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Mode returns the current mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// LastActivity returns the time of the last transcript.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Transcript posts a transcript. Only final transcripts drive transitions;
// interim ones count as activity.
func (s *Session) Transcript(text string, final bool, confidence float64) error {
	s.mu.Lock()
	s.lastActivity = s.cfg.Clock.Now()
	s.mu.Unlock()
	if !final {
		return s.post(Trigger{Kind: TranscriptInterim, Text: text})
	}
	if s.cfg.MinConfidence > 0 && confidence > 0 && confidence < s.cfg.MinConfidence {
		slog.Debug("voice: low-confidence transcript dropped", "session_id", s.id, "confidence", confidence)
		return s.post(Trigger{Kind: TranscriptInterim, Text: text})
	}
	return s.post(Trigger{Kind: TranscriptFinal, Text: text})
}

// SetMode posts an explicit mode change.
func (s *Session) SetMode(m Mode) error {
	return s.post(Trigger{Kind: Control, Target: m})
}

// Close ends the session. In-flight command turns run to completion; their
// replies are discarded.
func (s *Session) Close() {
	_ = s.post(Trigger{Kind: Close})
}

func (s *Session) post(t Trigger) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.events <- t:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Done is closed once the session has stopped accepting input.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run processes inputs until the session is closed or ctx is cancelled. It
// returns after every command turn started by the session has finished.
func (s *Session) Run(ctx context.Context) {
	defer s.turns.Wait()
	log := slog.With("session_id", s.id)
	log.Info("voice: session started", "mode", s.mode)
	s.notifyMode(ctx)

	for {
		var t Trigger
		select {
		case t = <-s.events:
		case <-ctx.Done():
			t = Trigger{Kind: Close}
		}
		if s.step(ctx, t) {
			log.Info("voice: session closed")
			return
		}
	}
}

// step applies one trigger and reports whether the session ended.
func (s *Session) step(ctx context.Context, t Trigger) bool {
	switch t.Kind {
	case InactivityTimeout:
		if t.gen != s.inactivityGen || s.inactivity == nil {
			return false
		}
		s.inactivity = nil
	case SettleElapsed:
		if t.gen != s.settleGen || s.settle == nil {
			return false
		}
		s.settle = nil
	case ProcessingDone:
		if t.gen != s.turnGen {
			return false
		}
	case TranscriptFinal:
		t = s.match(t)
	}

	from := s.mode
	next, effects := Transition(from, t)
	for _, e := range effects {
		switch e {
		case StartInactivity:
			s.startInactivity()
		case StopTimers:
			s.stopTimers()
		case StartSettle:
			s.startSettle()
		case Process:
			s.process(ctx, t.Text)
		case Release:
			s.once.Do(func() { close(s.done) })
		}
	}

	if next != from {
		s.mode = next
		s.mu.Lock()
		s.current = next
		s.mu.Unlock()
		s.cfg.Metrics.RecordTransition(ctx, string(from), string(next))
		slog.Debug("voice: mode change", "session_id", s.id, "from", from, "to", next, "trigger", t.Kind)
		if t.Kind != Close {
			s.notifyMode(ctx)
		}
	}
	return t.Kind == Close
}

// match fills the Wake and Stop flags of a final transcript for the current
// mode.
func (s *Session) match(t Trigger) Trigger {
	switch s.mode {
	case ModeTriggerWait:
		if r := s.cfg.Trigger.Match(t.Text); r.Matched {
			t.Wake = true
			t.Text = r.Remainder
			slog.Debug("voice: trigger phrase", "session_id", s.id, "phrase", r.Phrase, "confidence", r.Confidence)
		}
	case ModeCommand:
		if s.cfg.Termination != nil {
			if r := s.cfg.Termination.Match(t.Text); r.Matched {
				t.Stop = true
			}
		}
	}
	return t
}

func (s *Session) startInactivity() {
	if s.inactivity != nil {
		s.inactivity.Stop()
	}
	s.inactivityGen++
	gen := s.inactivityGen
	s.inactivity = s.cfg.Clock.AfterFunc(s.cfg.InactivityTimeout, func() {
		_ = s.post(Trigger{Kind: InactivityTimeout, gen: gen})
	})
}

func (s *Session) startSettle() {
	if s.settle != nil {
		s.settle.Stop()
	}
	s.settleGen++
	gen := s.settleGen
	s.settle = s.cfg.Clock.AfterFunc(s.cfg.SettleDelay, func() {
		_ = s.post(Trigger{Kind: SettleElapsed, gen: gen})
	})
}

// stopTimers cancels both timers. Bumping the generations makes any expiry
// already queued in the event channel a no-op.
func (s *Session) stopTimers() {
	if s.inactivity != nil {
		s.inactivity.Stop()
		s.inactivity = nil
	}
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
	s.inactivityGen++
	s.settleGen++
}

// process acknowledges the command immediately and runs the turn in the
// background. The turn is detached from ctx so closing the connection does
// not abort a command already sent to the dispatcher. Turns of one session
// never overlap: a turn started after an inactive/command round trip waits
// for the previous one to finish.
func (s *Session) process(ctx context.Context, text string) {
	s.respond(ctx, Message{Type: MsgAck, Transcript: text})
	s.turnGen++
	gen := s.turnGen
	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		s.turnMu.Lock()
		defer s.turnMu.Unlock()
		turnCtx := context.WithoutCancel(ctx)
		reply, err := s.handler.HandleTurn(turnCtx, s.id, text)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			slog.Error("voice: command turn failed", "session_id", s.id, "err", err)
			reply = Reply{Text: Apology}
		}
		s.cfg.Metrics.RecordTurn(turnCtx, outcome)

		select {
		case <-s.done:
			return
		default:
		}
		if err != nil {
			s.respond(turnCtx, Message{Type: MsgError, Message: err.Error()})
		}
		s.respond(turnCtx, Message{Type: MsgResponse, Text: reply.Text, Intent: reply.Intent, Audio: reply.Audio})
		_ = s.post(Trigger{Kind: ProcessingDone, gen: gen})
	}()
}

func (s *Session) notifyMode(ctx context.Context) {
	s.respond(ctx, Message{Type: MsgMode, Mode: s.mode})
}

func (s *Session) respond(ctx context.Context, msg Message) {
	if s.out == nil {
		return
	}
	if err := s.out.Respond(ctx, msg); err != nil {
		slog.Debug("voice: respond failed", "session_id", s.id, "type", msg.Type, "err", err)
	}
}
