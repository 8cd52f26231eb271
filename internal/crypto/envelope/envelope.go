// Package envelope implements the encryption insertion points of the
// message path: OTR first on the plain string (which may suppress the
// send entirely), then PGP or OMEMO wrapping of the body, and the
// symmetric unwrap/verify path for inbound messages.
package envelope

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"mellium.im/xmpp/jid"

	"github.com/rosterim/roster/internal/crypto/omemo"
	"github.com/rosterim/roster/internal/crypto/pgp"
	"github.com/rosterim/roster/internal/xcore/stanza"
)

// Namespaces of the encryption and signature payloads.
const (
	NSEncrypted = "jabber:x:encrypted"
	NSSigned    = "jabber:x:signed"
	NSOMEMO     = "urn:xmpp:omemo:2"
)

// EncryptedNotice is the visible body placed on messages whose real
// content rides in the encrypted child.
const EncryptedNotice = "This message is encrypted."

// Scheme identifies which encryption wrapped (or should wrap) a message.
type Scheme int

const (
	SchemeNone Scheme = iota
	SchemePGP
	SchemeOTR
	SchemeOMEMO
)

func (s Scheme) String() string {
	switch s {
	case SchemePGP:
		return "pgp"
	case SchemeOTR:
		return "otr"
	case SchemeOMEMO:
		return "omemo"
	default:
		return "none"
	}
}

// ForcedError reports an encryption failure on a contact whose
// encryption is forced: the send has been cancelled and no stanza may
// be emitted.
type ForcedError struct {
	Scheme Scheme
	Err    error
}

func (e *ForcedError) Error() string {
	return fmt.Sprintf("envelope: forced %s encryption failed: %v", e.Scheme, e.Err)
}

func (e *ForcedError) Unwrap() error { return e.Err }

// PGPKeys is the slice of the PGP manager the envelope needs.
type PGPKeys interface {
	Enabled() bool
	HasKey(bareJID string) bool
	Encrypt(bareJID, plaintext string) (string, error)
	Decrypt(armored string) (string, error)
	Verify(bareJID, text, armoredSig string) (pgp.VerifyResult, error)
}

// OTRHooks is the slice of the OTR manager the envelope needs.
type OTRHooks interface {
	ProcessOutgoing(bareJID, plaintext string) (wire string, suppress bool, err error)
	ProcessIncoming(bareJID, body string) (plain string, encrypted, consumed bool, err error)
	IsEncrypted(bareJID string) bool
}

// OMEMOSessions is the slice of the OMEMO manager the envelope needs.
type OMEMOSessions interface {
	Encrypt(jid, plaintext string) (*omemo.EncryptedMessage, error)
	Decrypt(jid string, msg *omemo.EncryptedMessage) (string, error)
	HasAnySession(jid string) bool
}

// Pref is the per-contact encryption preference.
type Pref struct {
	Scheme Scheme
	Forced bool
}

// Hooks owns the per-contact preferences and the three backends. Any
// backend may be nil, which disables its path.
type Hooks struct {
	PGP   PGPKeys
	OTR   OTRHooks
	OMEMO OMEMOSessions

	prefs map[string]Pref
	def   Pref
}

// New creates envelope hooks over the given backends.
func New(p PGPKeys, o OTRHooks, m OMEMOSessions) *Hooks {
	return &Hooks{PGP: p, OTR: o, OMEMO: m, prefs: make(map[string]Pref)}
}

// SetPref records the per-contact scheme preference.
func (h *Hooks) SetPref(bareJID string, p Pref) {
	h.prefs[bareJID] = p
}

// SetDefault records the preference used for contacts without an
// explicit one.
func (h *Hooks) SetDefault(p Pref) {
	h.def = p
}

// PrefFor returns the contact's preference, falling back to the
// default; the zero Pref means "opportunistic PGP, never forced".
func (h *Hooks) PrefFor(bareJID string) Pref {
	if p, ok := h.prefs[bareJID]; ok {
		return p
	}
	return h.def
}

// Outgoing is the result of wrapping one message for the wire.
type Outgoing struct {
	Body    string
	Extra   []*stanza.Node // children to attach to the message stanza
	Scheme  Scheme         // what actually wrapped the body
	Warning string         // non-empty when encryption fell back to plaintext
}

// WrapOutgoing runs the outgoing insertion points on a message to a
// contact. suppress=true means no stanza may be emitted (the OTR layer
// consumed or refused the send). A ForcedError is returned when the
// contact's encryption is forced and the backend failed.
func (h *Hooks) WrapOutgoing(to jid.JID, body string) (out Outgoing, suppress bool, err error) {
	bare := to.Bare().String()
	pref := h.PrefFor(bare)
	out = Outgoing{Body: body}

	if h.OTR != nil {
		wire, sup, otrErr := h.OTR.ProcessOutgoing(bare, body)
		if sup {
			if pref.Forced && pref.Scheme == SchemeOTR && otrErr != nil {
				return out, true, &ForcedError{Scheme: SchemeOTR, Err: otrErr}
			}
			return out, true, otrErr
		}
		if wire != body {
			out.Body = wire
			out.Scheme = SchemeOTR
			return out, false, nil
		}
	}
	if pref.Forced && pref.Scheme == SchemeOTR {
		return out, true, &ForcedError{Scheme: SchemeOTR, Err: fmt.Errorf("no encrypted session with %s", bare)}
	}

	if pref.Scheme == SchemeOMEMO && h.OMEMO != nil {
		enc, omemoErr := h.OMEMO.Encrypt(bare, body)
		if omemoErr != nil {
			if pref.Forced {
				return out, true, &ForcedError{Scheme: SchemeOMEMO, Err: omemoErr}
			}
			out.Warning = fmt.Sprintf("omemo encryption failed, sending in the clear: %v", omemoErr)
			return out, false, nil
		}
		out.Body = EncryptedNotice
		out.Extra = append(out.Extra, omemoNode(enc))
		out.Scheme = SchemeOMEMO
		return out, false, nil
	}

	usePGP := pref.Scheme == SchemePGP ||
		(pref.Scheme == SchemeNone && h.PGP != nil && h.PGP.Enabled() && h.PGP.HasKey(bare))
	if usePGP && h.PGP != nil {
		armored, pgpErr := h.PGP.Encrypt(bare, body)
		if pgpErr != nil {
			if pref.Forced {
				return out, true, &ForcedError{Scheme: SchemePGP, Err: pgpErr}
			}
			out.Warning = fmt.Sprintf("pgp encryption failed, sending in the clear: %v", pgpErr)
			return out, false, nil
		}
		x := stanza.NewNode(NSEncrypted, "x")
		x.Text = armored
		out.Body = EncryptedNotice
		out.Extra = append(out.Extra, x)
		out.Scheme = SchemePGP
		return out, false, nil
	}

	return out, false, nil
}

// Incoming is the result of unwrapping one received message.
type Incoming struct {
	Body     string
	Scheme   Scheme
	Consumed bool             // protocol traffic, nothing to display
	Verify   *pgp.VerifyResult // set when a jabber:x:signed child verified
}

// UnwrapIncoming runs the inbound insertion points: OTR first on the
// body, then PGP on a jabber:x:encrypted child, then signature
// verification on jabber:x:signed.
func (h *Hooks) UnwrapIncoming(from jid.JID, msg *stanza.Node) (Incoming, error) {
	bare := from.Bare().String()
	in := Incoming{Body: msg.ChildText("body")}

	if h.OTR != nil {
		plain, encrypted, consumed, err := h.OTR.ProcessIncoming(bare, in.Body)
		if consumed {
			in.Consumed = true
			return in, err
		}
		if err != nil {
			return in, err
		}
		if encrypted {
			in.Body = plain
			in.Scheme = SchemeOTR
			return in, nil
		}
	}

	if enc := msg.ChildInNS(NSOMEMO, "encrypted"); enc != nil && h.OMEMO != nil {
		em, err := parseOMEMONode(enc)
		if err != nil {
			return in, err
		}
		plain, err := h.OMEMO.Decrypt(bare, em)
		if err != nil {
			return in, err
		}
		in.Body = plain
		in.Scheme = SchemeOMEMO
		return in, nil
	}

	if x := msg.ChildInNS(NSEncrypted, "x"); x != nil && h.PGP != nil {
		plain, err := h.PGP.Decrypt(x.Text)
		if err != nil {
			return in, err
		}
		in.Body = plain
		in.Scheme = SchemePGP
	}

	if sig := msg.ChildInNS(NSSigned, "x"); sig != nil && h.PGP != nil {
		res, err := h.PGP.Verify(bare, in.Body, sig.Text)
		if err == nil {
			in.Verify = &res
		}
	}

	return in, nil
}

// omemoNode renders an encrypted message as the urn:xmpp:omemo:2 child.
func omemoNode(em *omemo.EncryptedMessage) *stanza.Node {
	enc := stanza.NewNode(NSOMEMO, "encrypted")
	header := stanza.NewNode("", "header")
	header.SetAttribute("sid", strconv.FormatUint(uint64(em.SenderDeviceID), 10))
	iv := stanza.NewNode("", "iv")
	iv.Text = base64.StdEncoding.EncodeToString(em.IV)
	header.AppendChild(iv)
	for deviceID, wrapped := range em.Keys {
		k := stanza.NewNode("", "key")
		k.SetAttribute("rid", strconv.FormatUint(uint64(deviceID), 10))
		k.Text = base64.StdEncoding.EncodeToString(wrapped)
		header.AppendChild(k)
	}
	enc.AppendChild(header)
	payload := stanza.NewNode("", "payload")
	payload.Text = base64.StdEncoding.EncodeToString(em.Payload)
	enc.AppendChild(payload)
	return enc
}

func parseOMEMONode(enc *stanza.Node) (*omemo.EncryptedMessage, error) {
	header := enc.Child("header")
	if header == nil {
		return nil, fmt.Errorf("envelope: omemo element missing header")
	}
	sidStr, _ := header.Attribute("sid")
	sid, err := strconv.ParseUint(sidStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("envelope: bad omemo sid %q", sidStr)
	}
	iv, err := base64.StdEncoding.DecodeString(header.ChildText("iv"))
	if err != nil {
		return nil, fmt.Errorf("envelope: bad omemo iv: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(enc.ChildText("payload"))
	if err != nil {
		return nil, fmt.Errorf("envelope: bad omemo payload: %w", err)
	}

	em := &omemo.EncryptedMessage{
		SenderDeviceID: uint32(sid),
		IV:             iv,
		Payload:        payload,
		Keys:           make(map[uint32][]byte),
	}
	for _, k := range header.ChildrenNamed("key") {
		ridStr, _ := k.Attribute("rid")
		rid, err := strconv.ParseUint(ridStr, 10, 32)
		if err != nil {
			continue
		}
		wrapped, err := base64.StdEncoding.DecodeString(k.Text)
		if err != nil {
			continue
		}
		em.Keys[uint32(rid)] = wrapped
	}
	return em, nil
}
