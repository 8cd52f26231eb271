// Package otr tracks per-contact OTR conversation state and provides
// the outgoing/incoming insertion points of the message path. The
// actual OTR wire crypto is pluggable via the Cipher interface; this
// package owns the state machine, the policy, and the decision of when
// a send must be suppressed entirely.
package otr

import (
	"errors"
	"strings"
	"sync"
)

// State is the OTR conversation state for one contact.
type State int

const (
	StatePlaintext State = iota
	StateEncrypted
	StateFinished
)

// Policy controls when OTR engages.
type Policy int

const (
	PolicyNever Policy = iota
	PolicyManual
	PolicyOpportunistic
	PolicyAlways
)

// queryMarker opens an OTR negotiation; any payload starting with the
// prefix is protocol traffic, not a user-visible message.
const (
	markerPrefix = "?OTR"
	queryMarker  = "?OTRv23?"
)

// Cipher is the pluggable OTR wire crypto. A nil cipher leaves the
// state machine functional but makes encrypted-state sends fail.
type Cipher interface {
	Encrypt(bareJID, plaintext string) (string, error)
	Decrypt(bareJID, wire string) (string, error)
}

// Session is the tracked OTR state for one contact.
type Session struct {
	JID         string
	State       State
	Verified    bool
	Fingerprint string
}

// Manager owns per-contact OTR sessions for one account.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	policy   Policy
	cipher   Cipher
}

// NewManager creates a manager with the given policy and cipher.
func NewManager(policy Policy, cipher Cipher) *Manager {
	return &Manager{sessions: make(map[string]*Session), policy: policy, cipher: cipher}
}

// SetPolicy changes the engagement policy.
func (m *Manager) SetPolicy(p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p
}

// Policy returns the current engagement policy.
func (m *Manager) Policy() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

func (m *Manager) session(bareJID string) *Session {
	s := m.sessions[bareJID]
	if s == nil {
		s = &Session{JID: bareJID}
		m.sessions[bareJID] = s
	}
	return s
}

// Session returns the tracked session for a contact, or nil.
func (m *Manager) Session(bareJID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[bareJID]
}

// IsEncrypted reports whether the conversation is currently encrypted.
func (m *Manager) IsEncrypted(bareJID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sessions[bareJID]
	return s != nil && s.State == StateEncrypted
}

// Start resets the conversation to the plaintext state and returns the
// query message the caller sends to open the handshake; MarkEncrypted
// records the handshake's completion.
func (m *Manager) Start(bareJID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session(bareJID).State = StatePlaintext
	return queryMarker
}

// End forgets the session; subsequent sends go out as plaintext
// immediately, whatever state the contact's side is in.
func (m *Manager) End(bareJID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, bareJID)
}

// MarkEncrypted records a completed handshake (driven by the cipher's
// own protocol traffic) along with the peer fingerprint.
func (m *Manager) MarkEncrypted(bareJID, fingerprint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(bareJID)
	s.State = StateEncrypted
	s.Fingerprint = fingerprint
}

// MarkFinished records that the peer ended the encrypted session. Sends
// are suppressed from here until Start or End, so no plaintext leaks
// into a conversation the user believes is protected.
func (m *Manager) MarkFinished(bareJID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session(bareJID).State = StateFinished
}

// VerifyFingerprint marks the current session's fingerprint as verified.
func (m *Manager) VerifyFingerprint(bareJID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[bareJID]
	if s == nil {
		return errors.New("otr: no session")
	}
	s.Verified = true
	return nil
}

// ProcessOutgoing runs the outgoing insertion point on a plain message.
// It returns the wire form to send, or suppress=true when no stanza may
// be emitted at all (finished session, or an encryption failure while
// the session is encrypted).
func (m *Manager) ProcessOutgoing(bareJID, plaintext string) (wire string, suppress bool, err error) {
	m.mu.Lock()
	s := m.sessions[bareJID]
	policy := m.policy
	cipher := m.cipher
	m.mu.Unlock()

	if policy == PolicyNever || s == nil {
		return plaintext, false, nil
	}

	switch s.State {
	case StateEncrypted:
		if cipher == nil {
			return "", true, errors.New("otr: session encrypted but no cipher available")
		}
		enc, err := cipher.Encrypt(bareJID, plaintext)
		if err != nil {
			return "", true, err
		}
		return enc, false, nil
	case StateFinished:
		return "", true, errors.New("otr: peer ended the session; refusing to send plaintext")
	default:
		return plaintext, false, nil
	}
}

// ProcessIncoming runs the incoming insertion point. consumed=true means
// the payload was OTR protocol traffic and no user-visible message
// should be produced. encrypted reports whether the returned plaintext
// came out of an encrypted session.
func (m *Manager) ProcessIncoming(bareJID, body string) (plain string, encrypted, consumed bool, err error) {
	m.mu.Lock()
	s := m.sessions[bareJID]
	cipher := m.cipher
	m.mu.Unlock()

	if !strings.HasPrefix(body, markerPrefix) {
		return body, false, false, nil
	}

	if s != nil && s.State == StateEncrypted && cipher != nil {
		plain, err := cipher.Decrypt(bareJID, body)
		if err != nil {
			return "", false, true, err
		}
		return plain, true, false, nil
	}

	// Handshake or unsolicited protocol traffic; the cipher drives the
	// negotiation out of band, the message itself is not displayed.
	return "", false, true, nil
}
