package omemo

import (
	"testing"
)

func pair(t *testing.T) (*Manager, *Manager) {
	t.Helper()
	alice, err := NewManager("alice@example.com", nil, true)
	if err != nil {
		t.Fatalf("alice: %v", err)
	}
	bob, err := NewManager("bob@example.com", nil, true)
	if err != nil {
		t.Fatalf("bob: %v", err)
	}
	if err := alice.ProcessBundle("bob@example.com", bob.Bundle()); err != nil {
		t.Fatalf("alice processes bob's bundle: %v", err)
	}
	if err := bob.ProcessBundle("alice@example.com", alice.Bundle()); err != nil {
		t.Fatalf("bob processes alice's bundle: %v", err)
	}
	return alice, bob
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, bob := pair(t)

	em, err := alice.Encrypt("bob@example.com", "the cake is a lie")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if string(em.Payload) == "the cake is a lie" {
		t.Fatalf("payload went out in the clear")
	}
	if _, ok := em.Keys[bob.DeviceID()]; !ok {
		t.Fatalf("no wrapped key for bob's device %d", bob.DeviceID())
	}

	plain, err := bob.Decrypt("alice@example.com", em)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "the cake is a lie" {
		t.Fatalf("round trip = %q", plain)
	}
}

func TestDecryptRejectsTamperedPayload(t *testing.T) {
	alice, bob := pair(t)

	em, err := alice.Encrypt("bob@example.com", "hello")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	em.Payload[0] ^= 0xff
	if _, err := bob.Decrypt("alice@example.com", em); err == nil {
		t.Fatalf("tampered payload must not decrypt")
	}
}

func TestEncryptSkipsUntrustedDevices(t *testing.T) {
	alice, bob := pair(t)

	if err := alice.SetTrustLevel("bob@example.com", bob.DeviceID(), TrustUntrusted); err != nil {
		t.Fatalf("set trust: %v", err)
	}
	if _, err := alice.Encrypt("bob@example.com", "hello"); err == nil {
		t.Fatalf("encrypting for only-untrusted devices must fail")
	}
}

func TestEncryptWithoutSessionFails(t *testing.T) {
	alice, err := NewManager("alice@example.com", nil, true)
	if err != nil {
		t.Fatalf("alice: %v", err)
	}
	if _, err := alice.Encrypt("stranger@example.com", "hello"); err == nil {
		t.Fatalf("no-session encrypt must fail")
	}
}

func TestTrustOnFirstUse(t *testing.T) {
	alice, bob := pair(t)
	if got := alice.TrustLevelFor("bob@example.com", bob.DeviceID()); got != TrustTrusted {
		t.Fatalf("trust-on-first-use should mark first-seen devices trusted, got %v", got)
	}

	// Re-processing the bundle must not reset an explicit decision.
	if err := alice.SetTrustLevel("bob@example.com", bob.DeviceID(), TrustVerified); err != nil {
		t.Fatalf("set trust: %v", err)
	}
	if err := alice.ProcessBundle("bob@example.com", bob.Bundle()); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if got := alice.TrustLevelFor("bob@example.com", bob.DeviceID()); got != TrustVerified {
		t.Fatalf("explicit trust decision lost on bundle refresh, got %v", got)
	}
}

func TestDecryptForWrongDeviceFails(t *testing.T) {
	alice, _ := pair(t)
	carol, err := NewManager("carol@example.com", nil, true)
	if err != nil {
		t.Fatalf("carol: %v", err)
	}

	em, err := alice.Encrypt("bob@example.com", "hello")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := carol.Decrypt("alice@example.com", em); err == nil {
		t.Fatalf("a device the message was not encrypted for must not decrypt it")
	}
}

func TestBundleCarriesPublicMaterialOnly(t *testing.T) {
	alice, err := NewManager("alice@example.com", nil, true)
	if err != nil {
		t.Fatalf("alice: %v", err)
	}
	b := alice.Bundle()
	if len(b.PreKeys) != preKeyCount {
		t.Fatalf("bundle prekeys = %d, want %d", len(b.PreKeys), preKeyCount)
	}
	for _, pk := range b.PreKeys {
		if pk.PrivateKey != nil {
			t.Fatalf("bundle must not leak private prekey material")
		}
	}
	if len(b.IdentityKey) != 32 {
		t.Fatalf("identity key length = %d", len(b.IdentityKey))
	}
}
