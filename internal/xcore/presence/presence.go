// Package presence implements the own-status/autoaway engine and the
// per-peer chat-state (XEP-0085) state machine: the wanted/current
// status pair, the idle timer that captures and restores the previous
// status, and the capability-gated typing notifications.
package presence

import (
	"sync"
	"time"

	"mellium.im/xmpp/jid"
)

// Show mirrors roster.Show so this package stays independent of the
// roster package (it is driven by the session controller, which owns
// both).
type Show int

const (
	ShowOffline Show = iota
	ShowAvailable
	ShowFreeForChat
	ShowDoNotDisturb
	ShowNotAvailable
	ShowAway
	ShowInvisible
)

// OwnStatus is the wanted/current status pair the engine owns.
type OwnStatus struct {
	Show    Show
	Message string
}

// Engine owns own-status, the autoaway timer, and per-peer chat-state
// tracking for one session.
type Engine struct {
	mu sync.Mutex

	wanted  OwnStatus
	current OwnStatus

	lastActivity time.Time
	awayTimeout  time.Duration
	awayMessage  string
	autoAwayOn   bool
	savedStatus  OwnStatus // captured status/message before autoaway kicked in

	chatStates map[string]*chatState // "bare/resource" -> state
}

// New creates an engine with the given autoaway timeout and message.
// A zero timeout disables autoaway. The wanted status starts as plain
// available until the user picks one.
func New(awayTimeout time.Duration, awayMessage string) *Engine {
	return &Engine{
		wanted:       OwnStatus{Show: ShowAvailable},
		awayTimeout:  awayTimeout,
		awayMessage:  awayMessage,
		lastActivity: time.Now(),
		chatStates:   make(map[string]*chatState),
	}
}

// SetWanted records the user-requested status. It also becomes current
// immediately (the caller is responsible for broadcasting presence).
func (e *Engine) SetWanted(s OwnStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wanted = s
	e.current = s
	e.autoAwayOn = false
}

// Wanted returns the last user-requested status.
func (e *Engine) Wanted() OwnStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wanted
}

// Current returns the effective status currently being broadcast.
func (e *Engine) Current() OwnStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// OnDisconnect drops current status to offline, preserving wanted so a
// reconnect re-announces it.
func (e *Engine) OnDisconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = OwnStatus{Show: ShowOffline}
	e.autoAwayOn = false
}

// OnReconnect restores current to the wanted status, for the caller to
// broadcast.
func (e *Engine) OnReconnect() OwnStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = e.wanted
	return e.current
}

// Activity records user input activity, restoring the pre-autoaway
// status if autoaway was active. Returns the restored status and true
// if a status change resulted.
func (e *Engine) Activity(now time.Time) (OwnStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActivity = now
	if !e.autoAwayOn {
		return OwnStatus{}, false
	}
	e.autoAwayOn = false
	e.current = e.savedStatus
	return e.current, true
}

// CheckAutoAway evaluates the idle timer on a tick. If idle for longer
// than awayTimeout and current is available or freeforchat, it captures
// the current status, switches to away, and returns (newStatus, true).
// The autoAwayOn guard limits this to one status change per idle
// boundary.
func (e *Engine) CheckAutoAway(now time.Time) (OwnStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.awayTimeout <= 0 || e.autoAwayOn {
		return OwnStatus{}, false
	}
	if e.current.Show != ShowAvailable && e.current.Show != ShowFreeForChat {
		return OwnStatus{}, false
	}
	if now.Sub(e.lastActivity) < e.awayTimeout {
		return OwnStatus{}, false
	}

	e.savedStatus = e.current
	e.autoAwayOn = true
	e.current = OwnStatus{Show: ShowAway, Message: e.awayMessage}
	return e.current, true
}

// ChatCapability is the per-peer XEP-0085 support state.
type ChatCapability int

const (
	CapUnknown ChatCapability = iota
	CapProbed
	CapOK
	CapUnsupported
)

// OutgoingState is the last chat-state stanza sent to a peer.
type OutgoingState int

const (
	StateNone OutgoingState = iota
	StateActive
	StateComposing
	StatePaused
	StateGone
)

type chatState struct {
	capability ChatCapability
	lastSent   OutgoingState
	lastRecv   OutgoingState
}

func peerKey(j jid.JID) string {
	return j.String()
}

// ObserveIncoming records a received chat-state element from peer j and
// promotes its capability to ok (a peer capable of sending one is
// capable of receiving one).
func (e *Engine) ObserveIncoming(j jid.JID, state OutgoingState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs := e.stateFor(j)
	cs.capability = CapOK
	cs.lastRecv = state
}

// ObserveCapabilityNone marks a peer as not supporting chat states, e.g.
// after a service-unavailable error on a probed stanza.
func (e *Engine) ObserveCapabilityNone(j jid.JID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stateFor(j).capability = CapUnsupported
}

func (e *Engine) stateFor(j jid.JID) *chatState {
	key := peerKey(j)
	cs := e.chatStates[key]
	if cs == nil {
		cs = &chatState{}
		e.chatStates[key] = cs
	}
	return cs
}

// Capability reports the tracked chat-state capability for a peer.
func (e *Engine) Capability(j jid.JID) ChatCapability {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cs, ok := e.chatStates[peerKey(j)]; ok {
		return cs.capability
	}
	return CapUnknown
}

// WantSend decides whether to emit a new outgoing chat-state stanza to
// j and returns it. Returns (state, false) when nothing should be sent:
// either the peer's support is still unconfirmed after the probe, or
// the transition is a no-op (composing to composing, active to
// active).
func (e *Engine) WantSend(j jid.JID, desired OutgoingState) (OutgoingState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cs := e.stateFor(j)
	switch cs.capability {
	case CapUnsupported:
		return StateNone, false
	case CapUnknown:
		// The very first send is allowed; it is the probe that flips
		// capability to probed.
		cs.capability = CapProbed
		cs.lastSent = desired
		return desired, true
	case CapProbed:
		// Nothing further goes out until a reply confirms support.
		return StateNone, false
	}
	if cs.lastSent == desired && (desired == StateComposing || desired == StateActive) {
		return StateNone, false
	}
	cs.lastSent = desired
	return desired, true
}

// Reset clears chat-state tracking for a peer, e.g. when a conversation
// buffer is closed.
func (e *Engine) Reset(j jid.JID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.chatStates, peerKey(j))
}
