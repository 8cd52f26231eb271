package otr

import (
	"errors"
	"strings"
	"testing"
)

type xorCipher struct{ fail bool }

func (c *xorCipher) Encrypt(bare, plain string) (string, error) {
	if c.fail {
		return "", errors.New("boom")
	}
	return "?OTR:" + plain, nil
}

func (c *xorCipher) Decrypt(bare, wire string) (string, error) {
	if c.fail {
		return "", errors.New("boom")
	}
	return strings.TrimPrefix(wire, "?OTR:"), nil
}

func TestOutgoingPlaintextByDefault(t *testing.T) {
	m := NewManager(PolicyManual, &xorCipher{})
	wire, suppress, err := m.ProcessOutgoing("alice@example.com", "hi")
	if err != nil || suppress || wire != "hi" {
		t.Fatalf("wire=%q suppress=%v err=%v", wire, suppress, err)
	}
}

func TestOutgoingEncryptedSession(t *testing.T) {
	m := NewManager(PolicyManual, &xorCipher{})
	m.MarkEncrypted("alice@example.com", "FP")

	wire, suppress, err := m.ProcessOutgoing("alice@example.com", "secret")
	if err != nil || suppress {
		t.Fatalf("suppress=%v err=%v", suppress, err)
	}
	if wire != "?OTR:secret" {
		t.Fatalf("wire = %q", wire)
	}
	if !m.IsEncrypted("alice@example.com") {
		t.Fatalf("session should report encrypted")
	}
}

func TestOutgoingEncryptFailureSuppresses(t *testing.T) {
	m := NewManager(PolicyManual, &xorCipher{fail: true})
	m.MarkEncrypted("alice@example.com", "FP")

	_, suppress, err := m.ProcessOutgoing("alice@example.com", "secret")
	if !suppress || err == nil {
		t.Fatalf("cipher failure in an encrypted session must suppress the send")
	}
}

func TestFinishedSessionRefusesPlaintext(t *testing.T) {
	m := NewManager(PolicyManual, &xorCipher{})
	m.MarkEncrypted("alice@example.com", "FP")
	m.MarkFinished("alice@example.com")

	_, suppress, err := m.ProcessOutgoing("alice@example.com", "secret")
	if !suppress || err == nil {
		t.Fatalf("finished session must refuse to send plaintext")
	}

	// Ending the session locally resets to plaintext sends.
	m.End("alice@example.com")
	wire, suppress, err := m.ProcessOutgoing("alice@example.com", "bye")
	if suppress || err != nil || wire != "bye" {
		t.Fatalf("after End: wire=%q suppress=%v err=%v", wire, suppress, err)
	}
}

func TestPolicyNeverBypassesEverything(t *testing.T) {
	m := NewManager(PolicyNever, &xorCipher{})
	m.MarkEncrypted("alice@example.com", "FP")

	wire, suppress, err := m.ProcessOutgoing("alice@example.com", "hi")
	if suppress || err != nil || wire != "hi" {
		t.Fatalf("PolicyNever must pass plaintext through")
	}
}

func TestIncomingDecrypts(t *testing.T) {
	m := NewManager(PolicyManual, &xorCipher{})
	m.MarkEncrypted("alice@example.com", "FP")

	plain, encrypted, consumed, err := m.ProcessIncoming("alice@example.com", "?OTR:secret")
	if err != nil || consumed {
		t.Fatalf("consumed=%v err=%v", consumed, err)
	}
	if !encrypted || plain != "secret" {
		t.Fatalf("plain=%q encrypted=%v", plain, encrypted)
	}
}

func TestIncomingHandshakeConsumed(t *testing.T) {
	m := NewManager(PolicyManual, &xorCipher{})
	_, _, consumed, err := m.ProcessIncoming("alice@example.com", "?OTRv23?")
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !consumed {
		t.Fatalf("handshake traffic must be consumed, not displayed")
	}
}

func TestIncomingPlainPassesThrough(t *testing.T) {
	m := NewManager(PolicyManual, &xorCipher{})
	plain, encrypted, consumed, err := m.ProcessIncoming("alice@example.com", "hello")
	if err != nil || encrypted || consumed || plain != "hello" {
		t.Fatalf("plain=%q encrypted=%v consumed=%v err=%v", plain, encrypted, consumed, err)
	}
}

func TestStartReturnsQuery(t *testing.T) {
	m := NewManager(PolicyManual, &xorCipher{})
	q := m.Start("alice@example.com")
	if !strings.HasPrefix(q, "?OTR") {
		t.Fatalf("query = %q", q)
	}
}

func TestVerifyFingerprint(t *testing.T) {
	m := NewManager(PolicyManual, &xorCipher{})
	if err := m.VerifyFingerprint("alice@example.com"); err == nil {
		t.Fatalf("verifying an absent session must fail")
	}
	m.MarkEncrypted("alice@example.com", "FP")
	if err := m.VerifyFingerprint("alice@example.com"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if s := m.Session("alice@example.com"); s == nil || !s.Verified {
		t.Fatalf("session not marked verified: %+v", s)
	}
}
