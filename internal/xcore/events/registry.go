// Package events implements the pending user-visible event registry
// used for subscription approvals and MUC invitations: short generated
// ids, an optional deadline, and a callback that decides whether the
// event is destroyed.
package events

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

// Context identifies why a callback fired.
type Context int

const (
	ContextAccept Context = iota
	ContextReject
	ContextIgnore // maps to Cancel
	ContextCancel
	ContextTimeout
)

// Callback decides whether the event should be destroyed after this
// invocation. The registry always destroys on any non-accept/reject
// context by default; a callback may override by returning false only
// for Accept/Reject contexts (e.g. "keep pending, ask again").
type Callback func(ctx Context, payload any) (destroy bool)

// Event is one pending user-visible event.
type Event struct {
	ID          string
	Description string
	Deadline    time.Time // zero means no timeout
	Payload     any

	callback Callback
}

// Registry owns the set of pending events for one session.
type Registry struct {
	mu     sync.Mutex
	events map[string]*Event
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{events: make(map[string]*Event)}
}

// Register creates a new event. If id is "", a short id is generated. If
// timeout > 0 a deadline is recorded for the next Sweep to expire.
func (r *Registry) Register(id, description string, timeout time.Duration, payload any, cb Callback) *Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		id = generateID()
	}
	ev := &Event{ID: id, Description: description, Payload: payload, callback: cb}
	if timeout > 0 {
		ev.Deadline = time.Now().Add(timeout)
	}
	r.events[id] = ev
	return ev
}

func generateID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Resolve looks up id and invokes its callback with ctx. Ignore is treated
// as Cancel. The event is destroyed unless the callback explicitly keeps
// an Accept/Reject event alive. Returns false if id is unknown.
func (r *Registry) Resolve(id string, ctx Context, payload any) bool {
	if ctx == ContextIgnore {
		ctx = ContextCancel
	}

	r.mu.Lock()
	ev, ok := r.events[id]
	r.mu.Unlock()
	if !ok {
		return false
	}

	destroy := true
	if ev.callback != nil {
		destroy = ev.callback(ctx, payload)
	}
	// Any context other than Accept/Reject always destroys, regardless
	// of what the callback returned.
	if ctx != ContextAccept && ctx != ContextReject {
		destroy = true
	}

	if destroy {
		r.mu.Lock()
		delete(r.events, id)
		r.mu.Unlock()
	}
	return true
}

// Sweep fires ContextTimeout for every event whose deadline has passed.
func (r *Registry) Sweep(now time.Time) {
	r.mu.Lock()
	var expired []string
	for id, ev := range r.events {
		if !ev.Deadline.IsZero() && now.After(ev.Deadline) {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.Resolve(id, ContextTimeout, nil)
	}
}

// List returns the pending events, ordered by id.
func (r *Registry) List() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the event by id, or nil.
func (r *Registry) Get(id string) *Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[id]
}

// Len reports the number of pending events.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
