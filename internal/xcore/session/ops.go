package session

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/rosterim/roster/internal/crypto/envelope"
	"github.com/rosterim/roster/internal/hbuf"
	"github.com/rosterim/roster/internal/histolog"
	"github.com/rosterim/roster/internal/xcore/caps"
	"github.com/rosterim/roster/internal/xcore/events"
	"github.com/rosterim/roster/internal/xcore/iq"
	"github.com/rosterim/roster/internal/xcore/muc"
	"github.com/rosterim/roster/internal/xcore/presence"
	"github.com/rosterim/roster/internal/xcore/roster"
	"github.com/rosterim/roster/internal/xcore/stanza"
)

// ErrNotConnected is returned by operations that need a live stream.
var ErrNotConnected = errors.New("session: not connected")

// requestRoster issues the initial roster get.
func (s *Session) requestRoster() {
	id := s.IQ.NewRequest("roster", 0, func(ctx iq.Context, payload any) {
		if ctx != iq.ContextResult {
			s.LogStatus("Roster request failed (" + ctx.String() + ")")
			return
		}
		n, ok := payload.(*stanza.Node)
		if !ok {
			return
		}
		if q := n.ChildInNS(nsRoster, "query"); q != nil {
			s.applyRosterItems(q)
		}
	})
	if s.transport != nil {
		_ = s.transport.SendIQGet(jid.JID{}, id, stanza.NewNode(nsRoster, "query"))
	}
}

func showToWire(show presence.Show) (wireShow string, unavailable bool) {
	switch show {
	case presence.ShowOffline:
		return "", true
	case presence.ShowFreeForChat:
		return "chat", false
	case presence.ShowDoNotDisturb:
		return "dnd", false
	case presence.ShowNotAvailable:
		return "xa", false
	case presence.ShowAway:
		return "away", false
	default:
		return "", false
	}
}

// presenceNode builds a presence stanza for the given status, carrying
// the capability advertisement and, when a signer is configured, the
// status signature.
func (s *Session) presenceNode(st presence.OwnStatus) *stanza.Node {
	p := stanza.NewNode("", "presence")
	wireShow, unavailable := showToWire(st.Show)
	if unavailable {
		p.SetAttribute("type", "unavailable")
	}
	if st.Show == presence.ShowInvisible {
		p.SetAttribute("type", "invisible")
	}
	if wireShow != "" {
		n := stanza.NewNode("", "show")
		n.Text = wireShow
		p.AppendChild(n)
	}
	if st.Message != "" {
		n := stanza.NewNode("", "status")
		n.Text = st.Message
		p.AppendChild(n)
	}
	if !unavailable && s.cfg.CapsNode != "" {
		p.AppendChild(caps.PresenceC(s.cfg.CapsNode, s.capsVer))
	}
	if s.Signer != nil && s.Signer.Enabled() {
		if sig, err := s.Signer.Sign(st.Message); err == nil {
			x := stanza.NewNode("jabber:x:signed", "x")
			x.Text = sig
			p.AppendChild(x)
		}
	}
	return p
}

// BroadcastStatus announces a status to the server.
func (s *Session) BroadcastStatus(st presence.OwnStatus) {
	if s.state != StateBound {
		return
	}
	s.send(s.presenceNode(st))
}

// SetStatus records the wanted status and broadcasts it.
func (s *Session) SetStatus(show presence.Show, msg string) {
	s.Presence.SetWanted(presence.OwnStatus{Show: show, Message: msg})
	s.BroadcastStatus(s.Presence.Current())
	s.emit(Event{Kind: EventRosterChanged})
}

// SetStatusTo sends a directed presence to one contact only.
func (s *Session) SetStatusTo(to jid.JID, show presence.Show, msg string) error {
	if s.state != StateBound {
		return ErrNotConnected
	}
	p := s.presenceNode(presence.OwnStatus{Show: show, Message: msg})
	p.SetAttribute("to", to.Bare().String())
	s.send(p)
	return nil
}

func chatStateName(st presence.OutgoingState) string {
	switch st {
	case presence.StateActive:
		return "active"
	case presence.StateComposing:
		return "composing"
	case presence.StatePaused:
		return "paused"
	case presence.StateGone:
		return "gone"
	default:
		return ""
	}
}

// SendMessage wraps, records and sends one chat message. A forced
// encryption failure cancels the send and is returned to the caller.
func (s *Session) SendMessage(to jid.JID, body string) error {
	if s.state != StateBound {
		return ErrNotConnected
	}

	out, suppress, err := s.Envelope.WrapOutgoing(to, body)
	if suppress {
		if err != nil {
			s.LogStatus("Message to " + to.Bare().String() + " not sent: " + err.Error())
		}
		return err
	}
	if out.Warning != "" {
		s.LogStatus(out.Warning)
	}

	m := stanza.NewNode("", "message")
	m.SetAttribute("to", to.Bare().String())
	m.SetAttribute("type", "chat")
	b := stanza.NewNode("", "body")
	b.Text = out.Body
	m.AppendChild(b)
	for _, extra := range out.Extra {
		m.AppendChild(extra)
	}
	if st, ok := s.Presence.WantSend(to, presence.StateActive); ok {
		m.AppendChild(stanza.NewNode(nsChatStates, chatStateName(st)))
	}
	s.send(m)

	flags := hbuf.FlagOut
	switch out.Scheme {
	case envelope.SchemePGP, envelope.SchemeOMEMO:
		flags |= hbuf.FlagPGPCrypt
	case envelope.SchemeOTR:
		flags |= hbuf.FlagOTRCrypt
	}

	s.appendLine(bareKey(to), body, time.Now(), flags, 0)
	if s.cfg.HistoryDir != "" {
		rec := histolog.Record{Kind: histolog.KindMessage, Info: histolog.InfoSend, Text: body}
		if err := s.Hist.Append(bareKey(to), rec); err != nil {
			s.log.Warn("histolog %s: %v", bareKey(to), err)
		}
	}
	return nil
}

// SendGroupchat sends a message to a joined room.
func (s *Session) SendGroupchat(room jid.JID, body string) error {
	if s.state != StateBound {
		return ErrNotConnected
	}
	m := stanza.NewNode("", "message")
	m.SetAttribute("to", room.Bare().String())
	m.SetAttribute("type", "groupchat")
	b := stanza.NewNode("", "body")
	b.Text = body
	m.AppendChild(b)
	s.send(m)
	return nil
}

// SendChatState emits a standalone chat-state notification (composing,
// paused, active) to a peer, honoring the capability gate.
func (s *Session) SendChatState(to jid.JID, desired presence.OutgoingState) {
	if s.state != StateBound {
		return
	}
	st, ok := s.Presence.WantSend(to, desired)
	if !ok {
		return
	}
	m := stanza.NewNode("", "message")
	m.SetAttribute("to", to.Bare().String())
	m.SetAttribute("type", "chat")
	m.AppendChild(stanza.NewNode(nsChatStates, chatStateName(st)))
	s.send(m)
}

// rosterSet pushes one roster item change.
func (s *Session) rosterSet(j jid.JID, name, group, subscription string) error {
	if s.state != StateBound {
		return ErrNotConnected
	}
	q := stanza.NewNode(nsRoster, "query")
	item := stanza.NewNode("", "item")
	item.SetAttribute("jid", j.Bare().String())
	if name != "" {
		item.SetAttribute("name", name)
	}
	if subscription != "" {
		item.SetAttribute("subscription", subscription)
	}
	if group != "" {
		g := stanza.NewNode("", "group")
		g.Text = group
		item.AppendChild(g)
	}
	q.AppendChild(item)

	id := s.IQ.NewRequest("roster", 0, func(ctx iq.Context, payload any) {
		if ctx == iq.ContextError {
			if n, ok := payload.(*stanza.Node); ok {
				s.LogStatus("Roster update failed: " + deriveStanzaError(n))
			}
		}
	})
	return s.transport.SendIQSet(jid.JID{}, id, q)
}

// AddContact creates a local placeholder entry, pushes it to the
// server, and asks for a presence subscription.
func (s *Session) AddContact(j jid.JID, name string) error {
	if s.Roster.Get(j) == nil {
		s.Roster.Add(&roster.Entry{JID: j.Bare(), Kind: roster.KindUser, Name: name})
		s.applyPendingUnread(j)
		s.emit(Event{Kind: EventRosterChanged})
	}
	if err := s.rosterSet(j, name, "", ""); err != nil {
		return err
	}
	s.sendPresenceType(j, "subscribe")
	return nil
}

// DelContact removes the contact server-side; the local entry goes away
// when the server pushes the removal back.
func (s *Session) DelContact(j jid.JID) error {
	return s.rosterSet(j, "", "", "remove")
}

// Rename changes a contact's display name.
func (s *Session) Rename(j jid.JID, newName string) error {
	e := s.Roster.Get(j)
	if e == nil {
		return fmt.Errorf("session: %s is not on the roster", j.Bare())
	}
	e.Name = newName
	s.emit(Event{Kind: EventRosterChanged})
	return s.rosterSet(j, newName, e.Group, "")
}

// Move changes a contact's group.
func (s *Session) Move(j jid.JID, newGroup string) error {
	e := s.Roster.Get(j)
	if e == nil {
		return fmt.Errorf("session: %s is not on the roster", j.Bare())
	}
	e.Group = newGroup
	s.emit(Event{Kind: EventRosterChanged})
	return s.rosterSet(j, e.Name, newGroup, "")
}

// AuthAction is a subscription-management action.
type AuthAction int

const (
	AuthAllow AuthAction = iota
	AuthCancel
	AuthRequest
	AuthRequestUnsubscribe
)

// Authorization manages presence subscriptions directly.
func (s *Session) Authorization(action AuthAction, j jid.JID) error {
	if s.state != StateBound {
		return ErrNotConnected
	}
	switch action {
	case AuthAllow:
		s.sendPresenceType(j, "subscribed")
	case AuthCancel:
		s.sendPresenceType(j, "unsubscribed")
	case AuthRequest:
		s.sendPresenceType(j, "subscribe")
	case AuthRequestUnsubscribe:
		s.sendPresenceType(j, "unsubscribe")
	}
	return nil
}

// RoomJoin joins (or creates) a room under nick.
func (s *Session) RoomJoin(room jid.JID, nick, password string) {
	if nick == "" {
		nick = s.cfg.Nickname
	}
	if nick == "" {
		nick = s.Self().Localpart()
	}
	s.MUC.Join(room, nick)
	s.send(muc.JoinPresence(room, nick, password))
	s.emit(Event{Kind: EventRosterChanged})
}

// RoomLeave leaves a room with an optional status message.
func (s *Session) RoomLeave(room jid.JID, msg string) {
	entry := s.Roster.Get(room)
	nick := ""
	if entry != nil {
		nick = entry.Nick
	}
	p := stanza.NewNode("", "presence")
	p.SetAttribute("to", room.Bare().String()+"/"+nick)
	p.SetAttribute("type", "unavailable")
	if msg != "" {
		st := stanza.NewNode("", "status")
		st.Text = msg
		p.AppendChild(st)
	}
	s.send(p)
	s.MUC.Leave(room)
	s.emit(Event{Kind: EventRosterChanged})
}

// RoomNick requests a nick change by sending presence to the new
// occupant JID.
func (s *Session) RoomNick(room jid.JID, nick string) {
	p := stanza.NewNode("", "presence")
	p.SetAttribute("to", room.Bare().String()+"/"+nick)
	s.send(p)
}

// RoomTopic sets the room subject.
func (s *Session) RoomTopic(room jid.JID, topic string) {
	m := stanza.NewNode("", "message")
	m.SetAttribute("to", room.Bare().String())
	m.SetAttribute("type", "groupchat")
	subject := stanza.NewNode("", "subject")
	subject.Text = topic
	m.AppendChild(subject)
	s.send(m)
}

// RoomInvite sends a mediated invitation.
func (s *Session) RoomInvite(room, who jid.JID, reason string) {
	s.send(muc.InviteMessage(room, who, reason))
}

// RoomPrivMsg sends a private message to one occupant.
func (s *Session) RoomPrivMsg(room jid.JID, nick, body string) error {
	if s.state != StateBound {
		return ErrNotConnected
	}
	m := stanza.NewNode("", "message")
	m.SetAttribute("to", room.Bare().String()+"/"+nick)
	m.SetAttribute("type", "chat")
	b := stanza.NewNode("", "body")
	b.Text = body
	m.AppendChild(b)
	s.send(m)
	return nil
}

func (s *Session) adminResultLogger(what string) iq.Callback {
	return func(ctx iq.Context, payload any) {
		switch ctx {
		case iq.ContextResult:
			s.LogStatus(what + " succeeded.")
		case iq.ContextError:
			if n, ok := payload.(*stanza.Node); ok {
				s.LogStatus(what + " failed: " + deriveStanzaError(n))
			}
		case iq.ContextTimeout:
			s.LogStatus(what + " timed out.")
		}
	}
}

// RoomKick removes an occupant.
func (s *Session) RoomKick(room jid.JID, nick, reason string) {
	s.MUC.Kick(room, nick, reason, s.adminResultLogger("Kick"))
}

// RoomBan bans a user by real JID.
func (s *Session) RoomBan(room, who jid.JID, reason string) {
	s.MUC.Ban(room, who, reason, s.adminResultLogger("Ban"))
}

// RoomRole changes an occupant's role.
func (s *Session) RoomRole(room jid.JID, nick string, role roster.Role, reason string) {
	s.MUC.SetRole(room, nick, role, reason, s.adminResultLogger("Role change"))
}

// RoomAffil changes a user's affiliation.
func (s *Session) RoomAffil(room, who jid.JID, affil roster.Affiliation, reason string) {
	s.MUC.SetAffiliation(room, who, affil, reason, s.adminResultLogger("Affiliation change"))
}

// RoomDestroy destroys a room the user owns.
func (s *Session) RoomDestroy(room jid.JID, reason string) {
	s.MUC.Destroy(room, reason, s.adminResultLogger("Room destruction"))
}

// RoomUnlock accepts the default configuration of a freshly created
// room, opening it for other occupants.
func (s *Session) RoomUnlock(room jid.JID) error {
	if s.state != StateBound {
		return ErrNotConnected
	}
	query := stanza.NewNode(muc.NSMUCOwner, "query")
	x := stanza.NewNode("jabber:x:data", "x")
	x.SetAttribute("type", "submit")
	query.AppendChild(x)
	id := s.IQ.NewRequest("muc", 0, s.adminResultLogger("Room unlock"))
	return s.transport.SendIQSet(room.Bare(), id, query)
}

// InfoLine writes an informational line into a conversation buffer.
func (s *Session) InfoLine(j jid.JID, text string) {
	s.appendLine(bareKey(j), text, time.Now(), hbuf.FlagInfo, 0)
}

// RequestKind selects what to ask a peer for.
type RequestKind int

const (
	RequestVersion RequestKind = iota
	RequestTime
	RequestLast
	RequestVCard
)

const nsVCard = "vcard-temp"

const peerRequestTimeout = 90 * time.Second

// Request issues a version/time/last query to a peer and logs the
// answer to the status buffer.
func (s *Session) Request(kind RequestKind, to jid.JID) error {
	if s.state != StateBound {
		return ErrNotConnected
	}

	var payload *stanza.Node
	var label string
	switch kind {
	case RequestVersion:
		payload = stanza.NewNode(nsVersion, "query")
		label = "Version"
	case RequestTime:
		payload = stanza.NewNode(nsTime, "time")
		label = "Time"
	case RequestLast:
		payload = stanza.NewNode(nsLast, "query")
		label = "Last activity"
	case RequestVCard:
		payload = stanza.NewNode(nsVCard, "vCard")
		label = "vCard"
	default:
		return fmt.Errorf("session: unknown request kind %d", kind)
	}

	id := s.IQ.NewRequest("req", peerRequestTimeout, func(ctx iq.Context, resp any) {
		switch ctx {
		case iq.ContextTimeout:
			s.LogStatus(label + " request to " + to.String() + " timed out.")
		case iq.ContextError:
			if n, ok := resp.(*stanza.Node); ok {
				s.LogStatus(label + " request to " + to.String() + " failed: " + deriveStanzaError(n))
			}
		case iq.ContextResult:
			n, ok := resp.(*stanza.Node)
			if !ok {
				return
			}
			s.LogStatus(label + " of " + to.String() + ": " + summarizeRequestResult(kind, n))
		}
	})
	return s.transport.SendIQGet(to, id, payload)
}

func summarizeRequestResult(kind RequestKind, n *stanza.Node) string {
	switch kind {
	case RequestVersion:
		if q := n.ChildInNS(nsVersion, "query"); q != nil {
			parts := []string{q.ChildText("name"), q.ChildText("version")}
			if os := q.ChildText("os"); os != "" {
				parts = append(parts, "("+os+")")
			}
			return strings.TrimSpace(strings.Join(parts, " "))
		}
	case RequestTime:
		if t := n.ChildInNS(nsTime, "time"); t != nil {
			return t.ChildText("utc") + " " + t.ChildText("tzo")
		}
		if q := n.ChildInNS(nsTimeLegacy, "query"); q != nil {
			return q.ChildText("utc")
		}
	case RequestLast:
		if q := n.ChildInNS(nsLast, "query"); q != nil {
			if seconds, ok := q.Attribute("seconds"); ok {
				if secs, err := strconv.Atoi(seconds); err == nil {
					return (time.Duration(secs) * time.Second).String() + " ago"
				}
			}
		}
	case RequestVCard:
		if v := n.ChildInNS(nsVCard, "vCard"); v != nil {
			parts := []string{}
			if fn := v.ChildText("FN"); fn != "" {
				parts = append(parts, fn)
			}
			if email := v.Child("EMAIL"); email != nil {
				if userid := email.ChildText("USERID"); userid != "" {
					parts = append(parts, "<"+userid+">")
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, " ")
			}
		}
	}
	return "no usable answer"
}

// SendPing issues an application-level keep-alive ping to the server.
func (s *Session) SendPing() {
	if s.state != StateBound {
		return
	}
	id := s.IQ.NewRequest("ping", 0, func(ctx iq.Context, _ any) {
		if ctx == iq.ContextTimeout {
			s.LogStatus("Ping timed out.")
		}
	})
	_ = s.transport.SendIQGet(jid.JID{}, id, stanza.NewNode(nsPing, "ping"))
}

// RawXML parses one element of raw XML and puts it on the wire as-is.
func (s *Session) RawXML(raw string) error {
	if s.state != StateBound {
		return ErrNotConnected
	}
	dec := xml.NewDecoder(strings.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("session: no element in raw xml")
			}
			return fmt.Errorf("session: bad raw xml: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			n, err := stanza.Decode(dec, start)
			if err != nil {
				return fmt.Errorf("session: bad raw xml: %w", err)
			}
			return s.transport.Send(n)
		}
	}
}

// ResolveEvent answers a pending event by id with accept, reject, or
// ignore.
func (s *Session) ResolveEvent(id string, ctx events.Context) bool {
	return s.Events.Resolve(id, ctx, nil)
}
