package xmpp

import (
	"crypto/sha1"
	"encoding/hex"
	"testing"
)

func TestNormalizeFingerprint(t *testing.T) {
	tests := []struct{ in, want string }{
		{"AA:BB:CC", "aabbcc"},
		{"aabbcc", "aabbcc"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeFingerprint(tt.in); got != tt.want {
			t.Errorf("normalizeFingerprint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestVerifyPin(t *testing.T) {
	cert := []byte("not a real certificate, but pinning only hashes bytes")
	sum := sha1.Sum(cert)
	pin := hex.EncodeToString(sum[:])

	ok := verifyPin(Config{Fingerprint: pin})
	if err := ok([][]byte{cert}, nil); err != nil {
		t.Fatalf("matching pin rejected: %v", err)
	}

	colons := pin[:2] + ":" + pin[2:]
	if err := verifyPin(Config{Fingerprint: colons})([][]byte{cert}, nil); err != nil {
		t.Fatalf("colon-separated pin rejected: %v", err)
	}

	mismatch := verifyPin(Config{Fingerprint: "00" + pin[2:]})
	err := mismatch([][]byte{cert}, nil)
	if err == nil {
		t.Fatalf("mismatched pin accepted")
	}
	if _, isFP := err.(*FingerprintError); !isFP {
		t.Fatalf("want FingerprintError, got %T", err)
	}

	override := verifyPin(Config{Fingerprint: "00" + pin[2:], AllowFingerprintMismatch: true})
	if err := override([][]byte{cert}, nil); err != nil {
		t.Fatalf("explicit override still rejected: %v", err)
	}

	if err := verifyPin(Config{})([][]byte{cert}, nil); err != nil {
		t.Fatalf("no pin configured must accept: %v", err)
	}
}
