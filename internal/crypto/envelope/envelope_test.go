package envelope

import (
	"errors"
	"strings"
	"testing"

	"mellium.im/xmpp/jid"

	"github.com/rosterim/roster/internal/crypto/omemo"
	"github.com/rosterim/roster/internal/crypto/pgp"
	"github.com/rosterim/roster/internal/xcore/stanza"
)

type fakePGP struct {
	enabled bool
	keys    map[string]bool
	failing bool
}

func (f *fakePGP) Enabled() bool            { return f.enabled }
func (f *fakePGP) HasKey(bare string) bool  { return f.keys[bare] }
func (f *fakePGP) Encrypt(bare, plain string) (string, error) {
	if f.failing {
		return "", errors.New("boom")
	}
	return "ARMORED(" + plain + ")", nil
}
func (f *fakePGP) Decrypt(armored string) (string, error) {
	if !strings.HasPrefix(armored, "ARMORED(") {
		return "", errors.New("not armored")
	}
	return strings.TrimSuffix(strings.TrimPrefix(armored, "ARMORED("), ")"), nil
}
func (f *fakePGP) Verify(bare, text, sig string) (pgp.VerifyResult, error) {
	if sig == "goodsig" {
		return pgp.VerifyResult{KeyID: "CAFEBABE", Trust: pgp.TrustTrusted}, nil
	}
	return pgp.VerifyResult{Trust: pgp.TrustUnknown}, errors.New("bad sig")
}

type fakeOTR struct {
	encrypted bool
	suppress  bool
	failEnc   bool
}

func (f *fakeOTR) ProcessOutgoing(bare, plain string) (string, bool, error) {
	if f.suppress {
		return "", true, errors.New("otr: refusing")
	}
	if f.encrypted {
		if f.failEnc {
			return "", true, errors.New("otr: encrypt failed")
		}
		return "?OTR:" + plain, false, nil
	}
	return plain, false, nil
}
func (f *fakeOTR) ProcessIncoming(bare, body string) (string, bool, bool, error) {
	if strings.HasPrefix(body, "?OTR") {
		if f.encrypted && strings.HasPrefix(body, "?OTR:") {
			return strings.TrimPrefix(body, "?OTR:"), true, false, nil
		}
		return "", false, true, nil
	}
	return body, false, false, nil
}
func (f *fakeOTR) IsEncrypted(bare string) bool { return f.encrypted }

func mustJID(t *testing.T, s string) jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	if err != nil {
		t.Fatalf("parse jid %q: %v", s, err)
	}
	return j
}

func messageWithBody(body string) *stanza.Node {
	m := stanza.NewNode("", "message")
	b := stanza.NewNode("", "body")
	b.Text = body
	m.AppendChild(b)
	return m
}

func TestPlaintextPassThrough(t *testing.T) {
	h := New(&fakePGP{}, &fakeOTR{}, nil)
	alice := mustJID(t, "alice@example.com")

	out, suppress, err := h.WrapOutgoing(alice, "hi")
	if err != nil || suppress {
		t.Fatalf("unexpected suppress=%v err=%v", suppress, err)
	}
	if out.Body != "hi" || out.Scheme != SchemeNone || len(out.Extra) != 0 {
		t.Fatalf("plaintext mangled: %+v", out)
	}
}

func TestOTRWrapsFirstAndSkipsPGP(t *testing.T) {
	p := &fakePGP{enabled: true, keys: map[string]bool{"alice@example.com": true}}
	h := New(p, &fakeOTR{encrypted: true}, nil)
	alice := mustJID(t, "alice@example.com")

	out, suppress, err := h.WrapOutgoing(alice, "secret")
	if err != nil || suppress {
		t.Fatalf("unexpected suppress=%v err=%v", suppress, err)
	}
	if out.Scheme != SchemeOTR || out.Body != "?OTR:secret" {
		t.Fatalf("OTR should wrap before PGP gets a chance: %+v", out)
	}
	if len(out.Extra) != 0 {
		t.Fatalf("OTR-wrapped messages carry no encrypted child")
	}
}

func TestOTRSuppressionEmitsNothing(t *testing.T) {
	h := New(nil, &fakeOTR{suppress: true}, nil)
	alice := mustJID(t, "alice@example.com")

	_, suppress, err := h.WrapOutgoing(alice, "secret")
	if !suppress {
		t.Fatalf("OTR suppression must cancel the send")
	}
	if err == nil {
		t.Fatalf("suppression reason should be reported")
	}
}

func TestPGPWrapSetsNoticeAndChild(t *testing.T) {
	p := &fakePGP{enabled: true, keys: map[string]bool{"alice@example.com": true}}
	h := New(p, &fakeOTR{}, nil)
	alice := mustJID(t, "alice@example.com/desk")

	out, suppress, err := h.WrapOutgoing(alice, "secret")
	if err != nil || suppress {
		t.Fatalf("unexpected suppress=%v err=%v", suppress, err)
	}
	if out.Scheme != SchemePGP {
		t.Fatalf("scheme = %v, want pgp", out.Scheme)
	}
	if out.Body != EncryptedNotice {
		t.Fatalf("visible body = %q, want the fixed notice", out.Body)
	}
	if len(out.Extra) != 1 || out.Extra[0].Name.Space != NSEncrypted {
		t.Fatalf("missing jabber:x:encrypted child: %+v", out.Extra)
	}
	if out.Extra[0].Text != "ARMORED(secret)" {
		t.Fatalf("child text = %q", out.Extra[0].Text)
	}
}

func TestForcedPGPFailureCancelsSend(t *testing.T) {
	p := &fakePGP{enabled: true, keys: map[string]bool{"alice@example.com": true}, failing: true}
	h := New(p, nil, nil)
	h.SetPref("alice@example.com", Pref{Scheme: SchemePGP, Forced: true})
	alice := mustJID(t, "alice@example.com")

	_, suppress, err := h.WrapOutgoing(alice, "secret")
	if !suppress {
		t.Fatalf("forced failure must cancel the send")
	}
	var fe *ForcedError
	if !errors.As(err, &fe) || fe.Scheme != SchemePGP {
		t.Fatalf("want ForcedError{pgp}, got %v", err)
	}
}

func TestUnforcedPGPFailureFallsBackWithWarning(t *testing.T) {
	p := &fakePGP{enabled: true, keys: map[string]bool{"alice@example.com": true}, failing: true}
	h := New(p, nil, nil)
	alice := mustJID(t, "alice@example.com")

	out, suppress, err := h.WrapOutgoing(alice, "secret")
	if suppress || err != nil {
		t.Fatalf("fallback must still send: suppress=%v err=%v", suppress, err)
	}
	if out.Body != "secret" || out.Scheme != SchemeNone {
		t.Fatalf("fallback should be plaintext: %+v", out)
	}
	if out.Warning == "" {
		t.Fatalf("fallback must carry a warning for the log")
	}
}

func TestForcedOTRWithoutSessionCancels(t *testing.T) {
	h := New(nil, &fakeOTR{}, nil)
	h.SetPref("alice@example.com", Pref{Scheme: SchemeOTR, Forced: true})
	alice := mustJID(t, "alice@example.com")

	_, suppress, err := h.WrapOutgoing(alice, "secret")
	if !suppress {
		t.Fatalf("forced OTR without a session must cancel the send")
	}
	var fe *ForcedError
	if !errors.As(err, &fe) || fe.Scheme != SchemeOTR {
		t.Fatalf("want ForcedError{otr}, got %v", err)
	}
}

func TestUnwrapPGP(t *testing.T) {
	h := New(&fakePGP{}, &fakeOTR{}, nil)
	alice := mustJID(t, "alice@example.com/desk")

	msg := messageWithBody(EncryptedNotice)
	x := stanza.NewNode(NSEncrypted, "x")
	x.Text = "ARMORED(secret)"
	msg.AppendChild(x)

	in, err := h.UnwrapIncoming(alice, msg)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if in.Body != "secret" || in.Scheme != SchemePGP {
		t.Fatalf("unwrap result: %+v", in)
	}
}

func TestUnwrapOTR(t *testing.T) {
	h := New(nil, &fakeOTR{encrypted: true}, nil)
	alice := mustJID(t, "alice@example.com/desk")

	in, err := h.UnwrapIncoming(alice, messageWithBody("?OTR:secret"))
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if in.Body != "secret" || in.Scheme != SchemeOTR || in.Consumed {
		t.Fatalf("unwrap result: %+v", in)
	}
}

func TestUnwrapConsumesHandshakeTraffic(t *testing.T) {
	h := New(nil, &fakeOTR{}, nil)
	alice := mustJID(t, "alice@example.com/desk")

	in, err := h.UnwrapIncoming(alice, messageWithBody("?OTRv23?"))
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !in.Consumed {
		t.Fatalf("handshake traffic must be consumed, got %+v", in)
	}
}

func TestUnwrapVerifiesSignature(t *testing.T) {
	h := New(&fakePGP{}, nil, nil)
	alice := mustJID(t, "alice@example.com/desk")

	msg := messageWithBody("hello")
	sig := stanza.NewNode(NSSigned, "x")
	sig.Text = "goodsig"
	msg.AppendChild(sig)

	in, err := h.UnwrapIncoming(alice, msg)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if in.Verify == nil || in.Verify.Trust != pgp.TrustTrusted || in.Verify.KeyID != "CAFEBABE" {
		t.Fatalf("signature verification result: %+v", in.Verify)
	}
}

func TestOMEMONodeRoundTrip(t *testing.T) {
	em := &omemo.EncryptedMessage{
		SenderDeviceID: 42,
		IV:             []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		Payload:        []byte("ciphertext"),
		Keys:           map[uint32][]byte{7: []byte("wrapped")},
	}
	parsed, err := parseOMEMONode(omemoNode(em))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.SenderDeviceID != 42 {
		t.Errorf("sid = %d", parsed.SenderDeviceID)
	}
	if string(parsed.Payload) != "ciphertext" {
		t.Errorf("payload = %q", parsed.Payload)
	}
	if string(parsed.Keys[7]) != "wrapped" {
		t.Errorf("keys = %v", parsed.Keys)
	}
}
