package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/barkeep/internal/observe"
)

// ErrDuplicateSession is returned when a session id is already registered.
var ErrDuplicateSession = errors.New("voice: session already exists")

// Hooks are called on session lifecycle events. Either may be nil.
type Hooks struct {
	// OnCreate runs after the session is registered, before Run starts.
	OnCreate func(s *Session)

	// OnDestroy runs once the session's loop has finished, before its id is
	// released. A session reconnecting under the same id cannot start until
	// OnDestroy has returned.
	OnDestroy func(s *Session)
}

// Registry owns the live sessions keyed by id. Sessions are created on
// connect and destroyed on disconnect; nothing outlives its connection.
type Registry struct {
	hooks   Hooks
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewRegistry returns an empty registry. m defaults to
// [observe.DefaultMetrics].
func NewRegistry(hooks Hooks, m *observe.Metrics) *Registry {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Registry{hooks: hooks, metrics: m, sessions: make(map[string]*Session)}
}

// Start registers s and runs its event loop until it is closed or ctx is
// cancelled. When the loop ends OnDestroy is called and the session removed.
func (r *Registry) Start(ctx context.Context, s *Session) error {
	r.mu.Lock()
	if _, dup := r.sessions[s.id]; dup {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateSession, s.id)
	}
	r.sessions[s.id] = s
	r.wg.Add(1)
	r.mu.Unlock()

	r.metrics.ActiveSessions.Add(ctx, 1)
	if r.hooks.OnCreate != nil {
		r.hooks.OnCreate(s)
	}
	go func() {
		defer r.wg.Done()
		s.Run(ctx)
		r.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
		if r.hooks.OnDestroy != nil {
			r.hooks.OnDestroy(s)
		}
		r.mu.Lock()
		if r.sessions[s.id] == s {
			delete(r.sessions, s.id)
		}
		r.mu.Unlock()
	}()
	return nil
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Destroy closes the session with id. Removal happens once its loop exits.
func (r *Registry) Destroy(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes every session and waits for their loops to finish.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
	r.wg.Wait()
}
