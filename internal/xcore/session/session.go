// Package session is the connection controller and the hub the other
// engines hang off: it owns the roster, the presence and chat-state
// engine, the IQ correlator, the event registry, the MUC engine, the
// capability cache, the private-storage cache, the per-conversation
// scrollback buffers, and the persistent message log. All mutation
// happens on the loop goroutine that drains the transport; other
// goroutines interact by enqueueing operations.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/rosterim/roster/internal/crypto/envelope"
	"github.com/rosterim/roster/internal/hbuf"
	"github.com/rosterim/roster/internal/histolog"
	"github.com/rosterim/roster/internal/logging"
	"github.com/rosterim/roster/internal/xcore/caps"
	"github.com/rosterim/roster/internal/xcore/events"
	"github.com/rosterim/roster/internal/xcore/iq"
	"github.com/rosterim/roster/internal/xcore/muc"
	"github.com/rosterim/roster/internal/xcore/presence"
	"github.com/rosterim/roster/internal/xcore/privatestorage"
	"github.com/rosterim/roster/internal/xcore/roster"
	"github.com/rosterim/roster/internal/xcore/stanza"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateBound
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateBound:
		return "bound"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// DefaultReconnectDelay is the one-shot reconnection delay armed after
// an unexpected disconnect when auto-reconnect is on.
const DefaultReconnectDelay = 60 * time.Second

// Transport is the stream the session drives. The concrete
// implementation lives in the transport package; tests substitute a
// fake.
type Transport interface {
	Send(n *stanza.Node) error
	SendIQGet(to jid.JID, id string, payload *stanza.Node) error
	SendIQSet(to jid.JID, id string, payload *stanza.Node) error
	SendIQResult(to jid.JID, id string, payload *stanza.Node) error
	Stanzas() <-chan *stanza.Node
	Done() <-chan error
	LocalJID() jid.JID
	Close() error
}

// Dialer opens a new transport. Connection and authentication both
// happen inside; an AuthError marks a fatal credential failure that
// must not trigger auto-reconnect.
type Dialer func(ctx context.Context) (Transport, error)

// AuthError is a fatal authentication failure.
type AuthError struct{ Err error }

func (e *AuthError) Error() string { return "session: authentication failed: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// TransportError is a connection-level failure (dial, TLS, reset).
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return "session: transport error: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// StreamError is a stream-level error reported by the server.
type StreamError struct{ Err error }

func (e *StreamError) Error() string { return "session: stream error: " + e.Err.Error() }
func (e *StreamError) Unwrap() error { return e.Err }

// Signer produces the armored signature attached to outgoing presence
// as jabber:x:signed. Nil disables presence signing.
type Signer interface {
	Enabled() bool
	Sign(text string) (string, error)
}

// EventKind tags the notifications the session emits toward the UI.
type EventKind int

const (
	EventRosterChanged EventKind = iota
	EventBufferChanged
	EventConnected
	EventDisconnected
	EventStateChanged
)

// Event is one UI notification.
type Event struct {
	Kind EventKind
	JID  string // bare JID for EventBufferChanged
	Err  error  // for EventDisconnected
}

// Config carries the session-level knobs.
type Config struct {
	JID      string
	Nickname string // default MUC nickname; empty falls back to the JID local part

	AutoReconnect  bool
	ReconnectDelay time.Duration

	HistoryDir        string
	MaxHistoryAgeDays int
	MaxHistoryBlocks  int
	UnreadFile        string

	Width int // wrap width used until the renderer reports its own

	AutoAwayTimeout time.Duration
	AutoAwayMessage string

	MUCPrintPolicy    muc.PrintPolicy
	BlockUnsubscribed bool
	LogIgnoreStatus   bool
	LogMUC            bool

	CapsNode string
	Profile  caps.Profile

	ClientName    string
	ClientVersion string
}

// Session is the owned aggregate; the main loop owns it and the
// components borrow it.
type Session struct {
	cfg Config
	log *logging.Logger

	dial      Dialer
	transport Transport
	state     State
	self      jid.JID

	Roster   *roster.Roster
	Presence *presence.Engine
	IQ       *iq.Correlator
	Events   *events.Registry
	MUC      *muc.Engine
	Caps     *caps.Cache
	Private  *privatestorage.Store
	Envelope *envelope.Hooks
	Hist     *histolog.Store
	Signer   Signer

	buffers map[string]*hbuf.Buffer
	unread  map[string]bool // bare JIDs with unread messages, incl. off-roster
	width   int

	capsVer string

	reconnectAt time.Time
	lastSweep   time.Time
	lastPing    time.Time

	ops    chan func()
	notify chan Event
}

// New assembles a session around a dialer. The transport is not opened
// until Connect.
func New(cfg Config, dial Dialer, log *logging.Logger) *Session {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Width <= 0 {
		cfg.Width = 80
	}
	if log != nil {
		log = log.With("session")
	}
	s := &Session{
		cfg:      cfg,
		log:      log,
		dial:     dial,
		Roster:   roster.New(),
		Presence: presence.New(cfg.AutoAwayTimeout, cfg.AutoAwayMessage),
		IQ:       iq.New(),
		Events:   events.New(),
		Caps:     caps.NewCache(),
		buffers:  make(map[string]*hbuf.Buffer),
		unread:   make(map[string]bool),
		width:    cfg.Width,
		capsVer:  cfg.Profile.Hash(),
		ops:      make(chan func(), 64),
		notify:   make(chan Event, 64),
	}
	s.MUC = muc.New(s.Roster, s.IQ, iqSetSender{s}, cfg.MUCPrintPolicy)
	s.Private = privatestorage.New(s.IQ, iqSender{s})
	s.Envelope = envelope.New(nil, nil, nil)
	s.Hist = histolog.NewStore(cfg.HistoryDir, cfg.MaxHistoryAgeDays, cfg.MaxHistoryBlocks)
	s.Hist.IgnoreStatusWrites = cfg.LogIgnoreStatus
	s.loadUnreadFile()
	return s
}

// iqSender adapts the live transport for components created before any
// transport exists.
type iqSender struct{ s *Session }

func (a iqSender) SendIQGet(to jid.JID, id string, payload *stanza.Node) error {
	if a.s.transport == nil {
		return errors.New("session: not connected")
	}
	return a.s.transport.SendIQGet(to, id, payload)
}

func (a iqSender) SendIQSet(to jid.JID, id string, payload *stanza.Node) error {
	if a.s.transport == nil {
		return errors.New("session: not connected")
	}
	return a.s.transport.SendIQSet(to, id, payload)
}

type iqSetSender struct{ s *Session }

func (a iqSetSender) SendIQSet(to jid.JID, id string, payload *stanza.Node) error {
	return iqSender(a).SendIQSet(to, id, payload)
}

// State returns the lifecycle state.
func (s *Session) State() State { return s.state }

// Self returns the bound full JID, or the configured JID before bind.
func (s *Session) Self() jid.JID {
	if !s.self.Equal(jid.JID{}) {
		return s.self
	}
	j, _ := jid.Parse(s.cfg.JID)
	return j
}

// Notifications delivers UI events; the renderer drains it.
func (s *Session) Notifications() <-chan Event { return s.notify }

// Enqueue schedules fn to run on the loop goroutine. Components must
// not mutate session state from other goroutines.
func (s *Session) Enqueue(fn func()) {
	select {
	case s.ops <- fn:
	default:
		// A full queue means the loop is wedged; drop rather than block
		// the caller (typically the UI thread).
		s.log.Warn("operation queue full, dropping")
	}
}

func (s *Session) emit(e Event) {
	select {
	case s.notify <- e:
	default:
	}
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.state = st
	s.emit(Event{Kind: EventStateChanged})
}

// Connect opens the transport and, on success, runs the post-bind
// sequence: roster request, private-storage fetches, initial presence.
func (s *Session) Connect(ctx context.Context) error {
	if s.state != StateDisconnected {
		return fmt.Errorf("session: connect in state %s", s.state)
	}
	s.reconnectAt = time.Time{}
	s.setState(StateConnecting)
	s.LogStatus("Connecting to server...")

	s.setState(StateAuthenticating)
	t, err := s.dial(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		var authErr *AuthError
		if errors.As(err, &authErr) {
			s.LogStatus("Authentication failed: " + authErr.Err.Error())
			// Fatal: no auto-reconnect on bad credentials.
			return err
		}
		s.LogStatus("Connection failed: " + err.Error())
		s.armReconnect(time.Now())
		return &TransportError{Err: err}
	}

	s.transport = t
	s.self = t.LocalJID()
	s.setState(StateBound)
	s.LogStatus("Connected as " + s.self.String())
	s.emit(Event{Kind: EventConnected})
	s.onBound()
	return nil
}

// onBound issues the initial requests the protocol expects right after
// resource binding.
func (s *Session) onBound() {
	s.requestRoster()
	s.Private.FetchBookmarks(func(bms []privatestorage.Bookmark) {
		for _, bm := range bms {
			if !bm.Autojoin {
				continue
			}
			nick := privatestorage.JoinNick(bm, s.cfg.Nickname, s.Self())
			s.RoomJoin(bm.JID, nick, bm.Password)
		}
	})
	s.Private.FetchRosterNotes(nil)
	s.BroadcastStatus(s.Presence.OnReconnect())
}

// Disconnect closes the stream deliberately; no reconnect is armed.
func (s *Session) Disconnect() {
	if s.state == StateDisconnected {
		return
	}
	s.setState(StateDisconnecting)
	if s.transport != nil {
		_ = s.transport.Close()
	}
	s.finishDisconnect(nil, false)
}

// finishDisconnect is the shared teardown for deliberate and failed
// disconnects.
func (s *Session) finishDisconnect(cause error, allowReconnect bool) {
	s.transport = nil
	s.setState(StateDisconnected)
	s.Presence.OnDisconnect()
	// Pending IQs get a synthetic timeout; user-visible events stay for
	// inspection.
	s.IQ.CancelAll()
	for _, e := range s.Roster.IterateKind(roster.KindUser, roster.KindAgent) {
		s.Roster.RemoveAllResources(e.JID)
	}
	s.emit(Event{Kind: EventDisconnected, Err: cause})
	s.emit(Event{Kind: EventRosterChanged})
	if cause != nil {
		s.LogStatus("Disconnected: " + cause.Error())
	} else {
		s.LogStatus("Disconnected.")
	}
	if allowReconnect {
		s.armReconnect(time.Now())
	}
	s.saveUnreadFile()
}

func (s *Session) armReconnect(now time.Time) {
	if !s.cfg.AutoReconnect {
		return
	}
	s.reconnectAt = now.Add(s.cfg.ReconnectDelay)
	s.LogStatus(fmt.Sprintf("Reconnecting in %s.", s.cfg.ReconnectDelay))
}

// Tick advances the timers: IQ and event sweeps (coarse), the autoaway
// check, and the one-shot reconnect timer. The loop calls this at least
// once per sweep resolution.
func (s *Session) Tick(now time.Time) {
	if now.Sub(s.lastSweep) >= time.Second {
		s.IQ.Sweep(now)
		s.Events.Sweep(now)
		s.lastSweep = now
	}

	if st, changed := s.Presence.CheckAutoAway(now); changed && s.state == StateBound {
		s.BroadcastStatus(st)
		s.LogStatus("Auto-away: " + st.Message)
	}

	if s.state == StateBound {
		if s.lastPing.IsZero() {
			s.lastPing = now
		} else if now.Sub(s.lastPing) >= keepAliveInterval {
			s.lastPing = now
			s.SendPing()
		}
	} else {
		s.lastPing = time.Time{}
	}

	if !s.reconnectAt.IsZero() && now.After(s.reconnectAt) && s.state == StateDisconnected {
		s.reconnectAt = time.Time{}
		_ = s.Connect(context.Background())
	}
}

// keepAliveInterval paces the application-level ping while bound.
const keepAliveInterval = 2 * time.Minute

// Activity records user input, undoing autoaway if it was active.
func (s *Session) Activity(now time.Time) {
	if st, changed := s.Presence.Activity(now); changed && s.state == StateBound {
		s.BroadcastStatus(st)
	}
}

// Run drives the cooperative loop until ctx ends: transport stanzas,
// enqueued operations, and the timer tick all run here, one at a time.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		var stanzas <-chan *stanza.Node
		var done <-chan error
		if s.transport != nil {
			stanzas = s.transport.Stanzas()
			done = s.transport.Done()
		}

		select {
		case <-ctx.Done():
			if s.state != StateDisconnected {
				s.Disconnect()
			}
			return
		case fn := <-s.ops:
			fn()
		case now := <-ticker.C:
			s.Tick(now)
		case n, ok := <-stanzas:
			if !ok {
				// Stream ended; the terminal error arrives on done.
				continue
			}
			s.HandleStanza(n)
		case err := <-done:
			if s.state == StateDisconnecting || s.state == StateDisconnected {
				continue
			}
			if err != nil {
				var perr *stanza.ErrProtocol
				if errors.As(err, &perr) {
					err = &StreamError{Err: err}
				} else {
					err = &TransportError{Err: err}
				}
			}
			if s.transport != nil {
				_ = s.transport.Close()
			}
			s.finishDisconnect(err, true)
		}
	}
}
