// Package iq implements the IQ request/response correlator: allocate
// an id per outgoing request, match inbound result/error stanzas back
// to a registered callback, and expire requests that never get a
// reply. Ids are monotonically increasing decimal integers with an
// optional human-readable prefix; each callback fires exactly once and
// always removes its record.
package iq

import (
	"fmt"
	"sync"
	"time"
)

// Context is the reason a callback fires.
type Context int

const (
	ContextResult Context = iota
	ContextError
	ContextTimeout
)

func (c Context) String() string {
	switch c {
	case ContextResult:
		return "result"
	case ContextError:
		return "error"
	case ContextTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Callback is invoked exactly once per request, with the context that
// resolved it and the raw payload (nil on timeout).
type Callback func(ctx Context, payload any)

// Record is one in-flight request.
type Record struct {
	ID      string
	Created time.Time
	Expiry  time.Time // always set by NewRequest (DefaultTimeout if none given)
}

// DefaultTimeout applies to requests created without an explicit
// timeout.
const DefaultTimeout = 300 * time.Second

// SweepResolution is the coarsest the periodic expiry sweep is allowed
// to be.
const SweepResolution = 20 * time.Second

type pending struct {
	Record
	callback Callback
}

// Correlator owns the set of in-flight IQ requests for one session.
type Correlator struct {
	mu      sync.Mutex
	counter uint64
	records map[string]*pending
}

// New creates an empty correlator.
func New() *Correlator {
	return &Correlator{records: make(map[string]*pending)}
}

// NewRequest allocates a fresh id (never colliding with a live record),
// registers cb to be invoked on result/error/timeout, and returns the id
// to stamp onto the outgoing stanza. timeout<=0 uses DefaultTimeout.
func (c *Correlator) NewRequest(prefix string, timeout time.Duration, cb Callback) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var id string
	for {
		c.counter++
		if prefix != "" {
			id = fmt.Sprintf("%s_%d", prefix, c.counter)
		} else {
			id = fmt.Sprintf("%d", c.counter)
		}
		if _, exists := c.records[id]; !exists {
			break
		}
	}

	now := time.Now()
	c.records[id] = &pending{
		Record:   Record{ID: id, Created: now, Expiry: now.Add(timeout)},
		callback: cb,
	}
	return id
}

// Resolve dispatches an inbound result or error stanza to its matching
// callback. Unmatched ids are reported via the returned bool (false)
// so the caller can log and discard them.
func (c *Correlator) Resolve(id string, ctx Context, payload any) bool {
	c.mu.Lock()
	p, ok := c.records[id]
	if ok {
		delete(c.records, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	if p.callback != nil {
		p.callback(ctx, payload)
	}
	return true
}

// Sweep fires ContextTimeout for every record whose expiry has passed as
// of now, removing each as it fires. Call this at or above every
// main-loop timer tick, at most every SweepResolution.
func (c *Correlator) Sweep(now time.Time) {
	c.mu.Lock()
	var expired []*pending
	for id, p := range c.records {
		if now.After(p.Expiry) {
			expired = append(expired, p)
			delete(c.records, id)
		}
	}
	c.mu.Unlock()

	for _, p := range expired {
		if p.callback != nil {
			p.callback(ContextTimeout, nil)
		}
	}
}

// CancelAll fires ContextTimeout for every in-flight request and
// clears the table; disconnect uses it to resolve everything pending
// with a synthetic timeout.
func (c *Correlator) CancelAll() {
	c.mu.Lock()
	all := make([]*pending, 0, len(c.records))
	for id, p := range c.records {
		all = append(all, p)
		delete(c.records, id)
	}
	c.mu.Unlock()

	for _, p := range all {
		if p.callback != nil {
			p.callback(ContextTimeout, nil)
		}
	}
}

// Len reports the number of in-flight requests (for tests/introspection).
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}
