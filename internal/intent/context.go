package intent

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// HistorySize is the number of exchanges a [Context] keeps.
const HistorySize = 10

// Exchange is one recorded turn.
type Exchange struct {
	Transcript string
	Intent     Intent
	Entities   Entities
	At         time.Time
}

// Context is the advisory conversation state of one client. It is never
// persisted. All methods are safe for concurrent use.
type Context struct {
	mu      sync.Mutex
	now     func() time.Time
	history [HistorySize]Exchange
	next    int
	size    int

	pending       string
	pendingIntent Intent
}

// Record appends a turn, dropping the oldest once full.
func (c *Context) Record(transcript string, res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history[c.next] = Exchange{
		Transcript: transcript,
		Intent:     res.Intent,
		Entities:   res.Entities,
		At:         c.now(),
	}
	c.next = (c.next + 1) % HistorySize
	c.size = min(c.size+1, HistorySize)
}

// History returns the recorded turns, oldest first.
func (c *Context) History() []Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.historyLocked()
}

func (c *Context) historyLocked() []Exchange {
	out := make([]Exchange, 0, c.size)
	start := (c.next - c.size + HistorySize) % HistorySize
	for i := range c.size {
		out = append(out, c.history[(start+i)%HistorySize])
	}
	return out
}

// Last returns the most recent turn.
func (c *Context) Last() (Exchange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.size == 0 {
		return Exchange{}, false
	}
	return c.history[(c.next-1+HistorySize)%HistorySize], true
}

// LastDrink returns the drink of the most recent single-item add.
func (c *Context) LastDrink() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.historyLocked()
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Intent == CartAdd && h[i].Entities.DrinkName != "" {
			return h[i].Entities.DrinkName, true
		}
	}
	return "", false
}

// SetPending stores a question asked on behalf of intent in. The next
// extraction for the client reads the reply as the missing drink of in. An
// empty question clears the slot.
func (c *Context) SetPending(in Intent, question string) {
	c.mu.Lock()
	c.pending = question
	c.pendingIntent = in
	if question == "" {
		c.pendingIntent = ""
	}
	c.mu.Unlock()
}

// Pending returns the question awaiting an answer and the intent it belongs
// to.
func (c *Context) Pending() (Intent, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingIntent, c.pending
}

// takePending returns the pending intent and clears the slot.
func (c *Context) takePending() Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	in := c.pendingIntent
	c.pending, c.pendingIntent = "", ""
	return in
}

// Summary renders recent turns as short lines for a classifier prompt.
func (c *Context) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	for _, ex := range c.historyLocked() {
		fmt.Fprintf(&b, "- %q -> %s", ex.Transcript, ex.Intent)
		for _, it := range ex.Entities.Lines() {
			fmt.Fprintf(&b, " %dx %s", it.Quantity, it.DrinkName)
		}
		b.WriteByte('\n')
	}
	if c.pending != "" {
		fmt.Fprintf(&b, "Awaiting confirmation: %s\n", c.pending)
	}
	return b.String()
}

// ContextRegistry holds one [Context] per client id. Contexts are created on
// first use and removed with [ContextRegistry.Drop].
type ContextRegistry struct {
	mu       sync.Mutex
	now      func() time.Time
	contexts map[string]*Context
}

// NewContextRegistry returns an empty registry.
func NewContextRegistry() *ContextRegistry {
	return &ContextRegistry{now: time.Now, contexts: make(map[string]*Context)}
}

// Get returns the context of clientID, creating it if needed.
func (r *ContextRegistry) Get(clientID string) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contexts[clientID]
	if !ok {
		c = &Context{now: r.now}
		r.contexts[clientID] = c
	}
	return c
}

// Drop forgets the context of clientID.
func (r *ContextRegistry) Drop(clientID string) {
	r.mu.Lock()
	delete(r.contexts, clientID)
	r.mu.Unlock()
}

// Len returns the number of live contexts.
func (r *ContextRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}
