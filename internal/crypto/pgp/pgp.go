// Package pgp manages the per-contact PGP keys used by the message
// envelope: armored encryption to a contact's public key, decryption
// with the user's private key, and detached-signature handling for
// signed presence. Keys are held as parsed openpgp entities keyed by
// bare JID.
package pgp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	_ "golang.org/x/crypto/ripemd160"
)

// Trust summaries attached to a verified signature.
const (
	TrustTrusted   = "trusted"
	TrustUntrusted = "untrusted"
	TrustUnknown   = "unknown"
)

// VerifyResult is the outcome of checking a jabber:x:signed signature:
// the signing key id and whether that key is the one on file for the
// sender.
type VerifyResult struct {
	KeyID string
	Trust string
}

// Manager owns the user's private key and the per-contact public keys.
type Manager struct {
	mu      sync.RWMutex
	enabled bool
	own     *openpgp.Entity
	keys    map[string]*openpgp.Entity // bare JID -> public key
}

// NewManager creates an empty, disabled manager. It becomes useful once
// a private key is loaded.
func NewManager() *Manager {
	return &Manager{keys: make(map[string]*openpgp.Entity)}
}

// SetEnabled toggles the PGP path as a whole; with it off the envelope
// skips encryption even for contacts with keys on file.
func (m *Manager) SetEnabled(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = on
}

// Enabled reports whether the PGP path is active: switched on and a
// private key loaded.
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled && m.own != nil
}

// LoadOwnKey reads an armored private keyring and decrypts it with
// passphrase if needed. The first entity with a private key becomes the
// signing/decryption identity.
func (m *Manager) LoadOwnKey(r io.Reader, passphrase []byte) error {
	entities, err := openpgp.ReadArmoredKeyRing(r)
	if err != nil {
		return fmt.Errorf("pgp: read private keyring: %w", err)
	}
	for _, e := range entities {
		if e.PrivateKey == nil {
			continue
		}
		if e.PrivateKey.Encrypted {
			if err := e.PrivateKey.Decrypt(passphrase); err != nil {
				return fmt.Errorf("pgp: decrypt private key: %w", err)
			}
			for _, sub := range e.Subkeys {
				if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
					if err := sub.PrivateKey.Decrypt(passphrase); err != nil {
						return fmt.Errorf("pgp: decrypt subkey: %w", err)
					}
				}
			}
		}
		m.mu.Lock()
		m.own = e
		m.mu.Unlock()
		return nil
	}
	return errors.New("pgp: keyring contains no private key")
}

// ImportPublicKey reads an armored public keyring and files its first
// entity under the contact's bare JID.
func (m *Manager) ImportPublicKey(bareJID string, r io.Reader) error {
	entities, err := openpgp.ReadArmoredKeyRing(r)
	if err != nil {
		return fmt.Errorf("pgp: read public keyring: %w", err)
	}
	if len(entities) == 0 {
		return errors.New("pgp: keyring is empty")
	}
	m.mu.Lock()
	m.keys[strings.ToLower(bareJID)] = entities[0]
	m.mu.Unlock()
	return nil
}

// RemoveKey forgets the contact's public key.
func (m *Manager) RemoveKey(bareJID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, strings.ToLower(bareJID))
}

// HasKey reports whether a public key is on file for the contact.
func (m *Manager) HasKey(bareJID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys[strings.ToLower(bareJID)] != nil
}

// KeyID returns the contact's primary key id in hex, or "".
func (m *Manager) KeyID(bareJID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.keys[strings.ToLower(bareJID)]
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%016X", e.PrimaryKey.KeyId)
}

// Encrypt encrypts plaintext to the contact's public key and returns the
// armored ciphertext for the jabber:x:encrypted child.
func (m *Manager) Encrypt(bareJID, plaintext string) (string, error) {
	m.mu.RLock()
	key := m.keys[strings.ToLower(bareJID)]
	m.mu.RUnlock()
	if key == nil {
		return "", fmt.Errorf("pgp: no public key for %s", bareJID)
	}

	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		return "", err
	}
	pw, err := openpgp.Encrypt(aw, []*openpgp.Entity{key}, nil, nil, nil)
	if err != nil {
		return "", fmt.Errorf("pgp: encrypt: %w", err)
	}
	if _, err := io.WriteString(pw, plaintext); err != nil {
		return "", err
	}
	if err := pw.Close(); err != nil {
		return "", err
	}
	if err := aw.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Decrypt decrypts an armored ciphertext with the user's private key.
func (m *Manager) Decrypt(armored string) (string, error) {
	m.mu.RLock()
	own := m.own
	m.mu.RUnlock()
	if own == nil {
		return "", errors.New("pgp: no private key loaded")
	}

	block, err := armor.Decode(strings.NewReader(armored))
	if err != nil {
		return "", fmt.Errorf("pgp: bad armor: %w", err)
	}
	md, err := openpgp.ReadMessage(block.Body, openpgp.EntityList{own}, nil, nil)
	if err != nil {
		return "", fmt.Errorf("pgp: read message: %w", err)
	}
	plain, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return "", fmt.Errorf("pgp: read body: %w", err)
	}
	return string(plain), nil
}

// Sign produces the armored detached signature over text that goes into
// a jabber:x:signed child of outgoing presence.
func (m *Manager) Sign(text string) (string, error) {
	m.mu.RLock()
	own := m.own
	m.mu.RUnlock()
	if own == nil {
		return "", errors.New("pgp: no signing key loaded")
	}
	var buf bytes.Buffer
	if err := openpgp.ArmoredDetachSignText(&buf, own, strings.NewReader(text), nil); err != nil {
		return "", fmt.Errorf("pgp: sign: %w", err)
	}
	return buf.String(), nil
}

// Verify checks an armored detached signature over text, reporting the
// signer's key id and whether that key matches the one on file for the
// sender's bare JID. Only keys on file are in the keyring, so a
// signature by any other key fails with an error (and TrustUnknown). A
// valid signature from a filed key when the sender has no key on file
// verifies as TrustUnknown without an error.
func (m *Manager) Verify(bareJID, text, armoredSig string) (VerifyResult, error) {
	m.mu.RLock()
	var keyring openpgp.EntityList
	for _, e := range m.keys {
		keyring = append(keyring, e)
	}
	expected := m.keys[strings.ToLower(bareJID)]
	m.mu.RUnlock()

	signer, err := openpgp.CheckArmoredDetachedSignature(keyring, strings.NewReader(text), strings.NewReader(armoredSig))
	if err != nil {
		return VerifyResult{Trust: TrustUnknown}, fmt.Errorf("pgp: verify: %w", err)
	}

	res := VerifyResult{KeyID: fmt.Sprintf("%016X", signer.PrimaryKey.KeyId)}
	switch {
	case expected == nil:
		res.Trust = TrustUnknown
	case expected.PrimaryKey.KeyId == signer.PrimaryKey.KeyId:
		res.Trust = TrustTrusted
	default:
		res.Trust = TrustUntrusted
	}
	return res, nil
}
