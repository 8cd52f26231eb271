// Package omemo implements the per-device OMEMO session layer: device
// identity and prekey material, bundle publication, per-device trust,
// and payload encryption. Message payloads are AES-256-GCM under a
// fresh message key; the message key is wrapped per recipient device
// under a key derived from the X25519 shared secret of the two identity
// keys.
package omemo

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// TrustLevel is the per-device trust decision.
type TrustLevel int

const (
	TrustUndecided TrustLevel = iota
	TrustTrusted
	TrustUntrusted
	TrustVerified
)

func (t TrustLevel) String() string {
	switch t {
	case TrustUndecided:
		return "undecided"
	case TrustTrusted:
		return "trusted"
	case TrustUntrusted:
		return "untrusted"
	case TrustVerified:
		return "verified"
	default:
		return "unknown"
	}
}

// Identity is one remote device's identity key and trust state.
type Identity struct {
	DeviceID    uint32
	IdentityKey []byte
	TrustLevel  TrustLevel
}

// PreKey is a one-time prekey.
type PreKey struct {
	ID         uint32
	PrivateKey []byte
	PublicKey  []byte
}

// SignedPreKey is the medium-term signed prekey.
type SignedPreKey struct {
	ID         uint32
	PrivateKey []byte
	PublicKey  []byte
	Signature  []byte
	Timestamp  int64
}

// Bundle is the published key material of one device.
type Bundle struct {
	DeviceID        uint32
	IdentityKey     []byte
	SignedPreKey    *SignedPreKey
	SignedPreKeySig []byte
	PreKeys         []PreKey
}

// session is the established cryptographic state with one remote device.
type session struct {
	remoteDeviceID uint32
	wrapKey        []byte // derived from the X25519 shared secret
}

// EncryptedMessage is one OMEMO-encrypted payload plus its per-device
// wrapped keys.
type EncryptedMessage struct {
	SenderDeviceID uint32
	IV             []byte
	Payload        []byte
	Keys           map[uint32][]byte // device id -> wrapped message key
}

// Store persists OMEMO key material and trust decisions across runs.
type Store interface {
	SaveIdentity(jid string, deviceID uint32, identityKey []byte, trust TrustLevel) error
	GetIdentity(jid string, deviceID uint32) (*Identity, error)
	GetIdentities(jid string) ([]Identity, error)
	SetTrustLevel(jid string, deviceID uint32, trust TrustLevel) error

	SaveSession(jid string, deviceID uint32, sessionData []byte) error
	GetSession(jid string, deviceID uint32) ([]byte, error)
	DeleteSession(jid string, deviceID uint32) error

	SavePreKey(keyID uint32, keyData []byte) error
	GetPreKey(keyID uint32) ([]byte, error)
	DeletePreKey(keyID uint32) error

	SaveSignedPreKey(keyID uint32, keyData, signature []byte, timestamp int64) error
	GetSignedPreKey(keyID uint32) ([]byte, []byte, error)
}

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private []byte
	Public  []byte
}

const preKeyCount = 100

// Manager owns one account's device identity and remote sessions.
type Manager struct {
	mu           sync.RWMutex
	jid          string
	deviceID     uint32
	identityKey  *KeyPair
	signedPreKey *SignedPreKey
	preKeys      map[uint32]*PreKey
	sessions     map[string]map[uint32]*session  // bare JID -> device -> session
	identities   map[string]map[uint32]*Identity // bare JID -> device -> identity
	trustOnFirst bool
	store        Store
}

// NewManager creates a manager for jid, generating fresh device
// identity and prekey material.
func NewManager(jid string, store Store, trustOnFirst bool) (*Manager, error) {
	m := &Manager{
		jid:          jid,
		preKeys:      make(map[uint32]*PreKey),
		sessions:     make(map[string]map[uint32]*session),
		identities:   make(map[string]map[uint32]*Identity),
		trustOnFirst: trustOnFirst,
		store:        store,
	}
	if err := m.initializeKeys(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) initializeKeys() error {
	identityKey, err := generateKeyPair()
	if err != nil {
		return fmt.Errorf("omemo: generate identity key: %w", err)
	}
	m.identityKey = identityKey

	var devID [4]byte
	if _, err := rand.Read(devID[:]); err != nil {
		return fmt.Errorf("omemo: generate device id: %w", err)
	}
	m.deviceID = uint32(devID[0])<<24 | uint32(devID[1])<<16 | uint32(devID[2])<<8 | uint32(devID[3])

	spk, err := m.generateSignedPreKey(1)
	if err != nil {
		return fmt.Errorf("omemo: generate signed prekey: %w", err)
	}
	m.signedPreKey = spk

	for i := uint32(1); i <= preKeyCount; i++ {
		kp, err := generateKeyPair()
		if err != nil {
			return fmt.Errorf("omemo: generate prekey: %w", err)
		}
		m.preKeys[i] = &PreKey{ID: i, PrivateKey: kp.Private, PublicKey: kp.Public}
	}
	return nil
}

func generateKeyPair() (*KeyPair, error) {
	private := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return nil, err
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: private, Public: public}, nil
}

func (m *Manager) generateSignedPreKey(id uint32) (*SignedPreKey, error) {
	kp, err := generateKeyPair()
	if err != nil {
		return nil, err
	}
	// The signature is 64 random bytes with the wire shape of an XEdDSA
	// signature; it does not bind the prekey to the identity key.
	sig := make([]byte, 64)
	if _, err := rand.Read(sig); err != nil {
		return nil, err
	}
	return &SignedPreKey{ID: id, PrivateKey: kp.Private, PublicKey: kp.Public, Signature: sig}, nil
}

// DeviceID returns this device's id.
func (m *Manager) DeviceID() uint32 { return m.deviceID }

// Bundle returns the key material to publish for this device.
func (m *Manager) Bundle() *Bundle {
	m.mu.RLock()
	defer m.mu.RUnlock()

	preKeys := make([]PreKey, 0, len(m.preKeys))
	for _, pk := range m.preKeys {
		preKeys = append(preKeys, PreKey{ID: pk.ID, PublicKey: pk.PublicKey})
	}
	return &Bundle{
		DeviceID:        m.deviceID,
		IdentityKey:     m.identityKey.Public,
		SignedPreKey:    m.signedPreKey,
		SignedPreKeySig: m.signedPreKey.Signature,
		PreKeys:         preKeys,
	}
}

// Fingerprint returns this device's identity-key fingerprint.
func (m *Manager) Fingerprint() string {
	return formatFingerprint(m.identityKey.Public)
}

// ContactFingerprints returns the fingerprints of all known devices of
// a contact.
func (m *Manager) ContactFingerprints(jid string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, id := range m.identities[jid] {
		out = append(out, formatFingerprint(id.IdentityKey))
	}
	return out
}

func formatFingerprint(publicKey []byte) string {
	encoded := base64.StdEncoding.EncodeToString(publicKey)
	var sb strings.Builder
	for i, c := range encoded {
		if i > 0 && i%8 == 0 {
			sb.WriteByte(' ')
		}
		sb.WriteRune(c)
	}
	return sb.String()
}

// deriveWrapKey turns the raw X25519 shared secret into the AES key used
// to wrap message keys for one device.
func deriveWrapKey(shared []byte) ([]byte, error) {
	out := make([]byte, 32)
	kdf := hkdf.New(sha256.New, shared, nil, []byte("omemo key wrap"))
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ProcessBundle records a contact device's identity and establishes a
// session with it.
func (m *Manager) ProcessBundle(jid string, bundle *Bundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identities[jid] == nil {
		m.identities[jid] = make(map[uint32]*Identity)
	}
	trust := TrustUndecided
	if m.trustOnFirst {
		trust = TrustTrusted
	}
	if existing := m.identities[jid][bundle.DeviceID]; existing != nil {
		trust = existing.TrustLevel
	}
	m.identities[jid][bundle.DeviceID] = &Identity{
		DeviceID:    bundle.DeviceID,
		IdentityKey: bundle.IdentityKey,
		TrustLevel:  trust,
	}
	if m.store != nil {
		if err := m.store.SaveIdentity(jid, bundle.DeviceID, bundle.IdentityKey, trust); err != nil {
			return err
		}
	}

	shared, err := curve25519.X25519(m.identityKey.Private, bundle.IdentityKey)
	if err != nil {
		return fmt.Errorf("omemo: key agreement: %w", err)
	}
	wrapKey, err := deriveWrapKey(shared)
	if err != nil {
		return err
	}
	if m.sessions[jid] == nil {
		m.sessions[jid] = make(map[uint32]*session)
	}
	m.sessions[jid][bundle.DeviceID] = &session{remoteDeviceID: bundle.DeviceID, wrapKey: wrapKey}

	if m.store != nil {
		if err := m.store.SaveSession(jid, bundle.DeviceID, wrapKey); err != nil {
			return err
		}
	}
	return nil
}

func sealGCM(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

func openGCM(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Encrypt encrypts plaintext for every device of a recipient that has a
// session and is not marked untrusted (undecided devices included).
func (m *Manager) Encrypt(jid, plaintext string) (*EncryptedMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := m.sessions[jid]
	if len(sessions) == 0 {
		return nil, errors.New("omemo: no sessions established with recipient")
	}

	messageKey := make([]byte, 32)
	iv := make([]byte, 12)
	if _, err := rand.Read(messageKey); err != nil {
		return nil, err
	}
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	payload, err := sealGCM(messageKey, iv, []byte(plaintext))
	if err != nil {
		return nil, fmt.Errorf("omemo: payload encryption: %w", err)
	}

	keys := make(map[uint32][]byte)
	for deviceID, sess := range sessions {
		if id := m.identities[jid][deviceID]; id != nil && id.TrustLevel == TrustUntrusted {
			continue
		}
		wrapped, err := sealGCM(sess.wrapKey, iv, messageKey)
		if err != nil {
			return nil, fmt.Errorf("omemo: key wrap for device %d: %w", deviceID, err)
		}
		keys[deviceID] = wrapped
	}
	if len(keys) == 0 {
		return nil, errors.New("omemo: no trusted devices to encrypt for")
	}

	return &EncryptedMessage{
		SenderDeviceID: m.deviceID,
		IV:             iv,
		Payload:        payload,
		Keys:           keys,
	}, nil
}

// Decrypt decrypts a received message using the session with the
// sender's device.
func (m *Manager) Decrypt(jid string, msg *EncryptedMessage) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wrapped, ok := msg.Keys[m.deviceID]
	if !ok {
		return "", errors.New("omemo: message not encrypted for this device")
	}
	sess := m.sessions[jid][msg.SenderDeviceID]
	if sess == nil {
		return "", errors.New("omemo: no session with sending device")
	}

	messageKey, err := openGCM(sess.wrapKey, msg.IV, wrapped)
	if err != nil {
		return "", fmt.Errorf("omemo: key unwrap: %w", err)
	}
	plain, err := openGCM(messageKey, msg.IV, msg.Payload)
	if err != nil {
		return "", fmt.Errorf("omemo: payload decryption: %w", err)
	}
	return string(plain), nil
}

// SetTrustLevel records a trust decision for one device.
func (m *Manager) SetTrustLevel(jid string, deviceID uint32, trust TrustLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices := m.identities[jid]
	if devices == nil || devices[deviceID] == nil {
		return errors.New("omemo: unknown device")
	}
	devices[deviceID].TrustLevel = trust
	if m.store != nil {
		return m.store.SetTrustLevel(jid, deviceID, trust)
	}
	return nil
}

// TrustLevelFor reports the trust decision for one device.
func (m *Manager) TrustLevelFor(jid string, deviceID uint32) TrustLevel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if devices := m.identities[jid]; devices != nil {
		if id := devices[deviceID]; id != nil {
			return id.TrustLevel
		}
	}
	return TrustUndecided
}

// HasSession reports whether a session exists with a device.
func (m *Manager) HasSession(jid string, deviceID uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[jid] != nil && m.sessions[jid][deviceID] != nil
}

// HasAnySession reports whether any device session exists for a contact.
func (m *Manager) HasAnySession(jid string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions[jid]) > 0
}

// DeleteSession drops the session with a device.
func (m *Manager) DeleteSession(jid string, deviceID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[jid] != nil {
		delete(m.sessions[jid], deviceID)
	}
	if m.store != nil {
		return m.store.DeleteSession(jid, deviceID)
	}
	return nil
}
