// Package muc implements the multi-user-chat engine: joining/leaving
// rooms, occupant role/affiliation/real-JID tracking, topic changes
// attached to the room entry, nickname-conflict handling, and the
// join/leave print policy. It operates directly on a roster room entry
// rather than keeping a parallel room table.
package muc

import (
	"time"

	"mellium.im/xmpp/jid"

	"github.com/rosterim/roster/internal/xcore/iq"
	"github.com/rosterim/roster/internal/xcore/roster"
	"github.com/rosterim/roster/internal/xcore/stanza"
)

// XMPP namespaces this engine speaks.
const (
	NSMUC      = "http://jabber.org/protocol/muc"
	NSMUCUser  = "http://jabber.org/protocol/muc#user"
	NSMUCAdmin = "http://jabber.org/protocol/muc#admin"
	NSMUCOwner = "http://jabber.org/protocol/muc#owner"
)

// PrintPolicy controls which join/leave events produce a status line in
// the room's scrollback.
type PrintPolicy int

const (
	PrintDefault PrintPolicy = iota
	PrintNone
	PrintJoins
	PrintAll
)

// ErrorCode is the subset of MUC presence-error codes this engine
// recognizes.
type ErrorCode int

const (
	ErrorNone          ErrorCode = 0
	ErrorNotAuthorized ErrorCode = 401
	ErrorForbidden     ErrorCode = 403
	ErrorNicknameInUse ErrorCode = 409
)

// IQSender is the transport-side capability the engine needs for
// administrative actions: put one IQ set on the wire, already stamped
// with a correlator-allocated id.
type IQSender interface {
	SendIQSet(to jid.JID, id string, payload *stanza.Node) error
}

// Engine wires room join/leave and admin actions into a roster and an
// IQ correlator.
type Engine struct {
	r    *roster.Roster
	iq   *iq.Correlator
	send IQSender

	defaultPrint PrintPolicy
	roomPrint    map[string]PrintPolicy // bare room JID -> policy
}

// New creates a MUC engine bound to the given roster, IQ correlator and
// IQ transport.
func New(r *roster.Roster, c *iq.Correlator, send IQSender, defaultPrint PrintPolicy) *Engine {
	return &Engine{r: r, iq: c, send: send, defaultPrint: defaultPrint, roomPrint: make(map[string]PrintPolicy)}
}

// SetRoomPrintPolicy overrides the print policy for one room.
func (e *Engine) SetRoomPrintPolicy(room jid.JID, p PrintPolicy) {
	e.roomPrint[room.Bare().String()] = p
}

func (e *Engine) printPolicy(room jid.JID) PrintPolicy {
	if p, ok := e.roomPrint[room.Bare().String()]; ok && p != PrintDefault {
		return p
	}
	return e.defaultPrint
}

// Join records the intent to join a room: creates the roster entry if
// absent (or promotes an existing entry to KindRoom) and stores the
// requested nick. It does not itself add a resource — that happens when
// the server's self-presence echo arrives via ApplyPresence.
func (e *Engine) Join(room jid.JID, nick string) *roster.Entry {
	bare := room.Bare()
	entry := e.r.Get(bare)
	if entry == nil {
		entry = &roster.Entry{JID: bare, Kind: roster.KindRoom}
		e.r.Add(entry)
	} else {
		entry.Kind = roster.KindRoom
	}
	entry.Nick = nick
	return entry
}

// Leave clears all occupant resources but keeps the entry. The caller
// issues the unavailable presence; any resource present means "inside
// the room", so clearing them is what marks us out.
func (e *Engine) Leave(room jid.JID) {
	e.r.RemoveAllResources(room.Bare())
}

// ApplyPresence processes a self or occupant presence update for a room
// and reports whether a join line should be printed. errCode is
// ErrorNone for a normal presence.
//
// On ErrorNicknameInUse: no resource is added; if the room was not
// already joined (no prior resources) the stored nick is cleared. A
// joined room is left untouched so an in-progress nick change failure
// doesn't kick us out.
func (e *Engine) ApplyPresence(room jid.JID, nick string, res roster.Resource, errCode ErrorCode) (printJoin bool) {
	entry := e.r.Get(room.Bare())
	if entry == nil {
		return false
	}

	if errCode == ErrorNicknameInUse {
		if !entry.Joined() {
			entry.Nick = ""
		}
		return false
	}
	if errCode != ErrorNone {
		return false
	}

	wasJoined := entry.Joined()
	_, hadOccupant := entry.Resources[nick]
	res.Name = nick
	if res.Since.IsZero() {
		res.Since = time.Now()
	}
	e.r.SetResource(room.Bare(), res)

	switch e.printPolicy(room) {
	case PrintNone:
		return false
	case PrintJoins:
		return !hadOccupant
	case PrintAll:
		return true
	default: // announce joins, and always the very first self-join
		return !hadOccupant || !wasJoined
	}
}

// RemoveOccupant processes an occupant leaving (unavailable presence for
// one nick, not the whole room) and reports whether a leave line should
// be printed.
func (e *Engine) RemoveOccupant(room jid.JID, nick string) (printLeave bool) {
	entry := e.r.Get(room.Bare())
	if entry == nil {
		return false
	}
	_, had := entry.Resources[nick]
	e.r.RemoveResource(room.Bare(), nick)
	return had && e.printPolicy(room) == PrintAll
}

// SetTopic attaches a topic change to the room entry (not a resource).
func (e *Engine) SetTopic(room jid.JID, topic, by string) {
	entry := e.r.Get(room.Bare())
	if entry == nil {
		return
	}
	entry.Topic = topic
	entry.TopicBy = by
}

// NickChangeOK applies a successful nick change for ourselves: the old
// occupant resource is renamed and the stored nick updated.
func (e *Engine) NickChangeOK(room jid.JID, oldNick, newNick string) {
	entry := e.r.Get(room.Bare())
	if entry == nil {
		return
	}
	if res, ok := entry.Resources[oldNick]; ok {
		cp := *res
		cp.Name = newNick
		e.r.RemoveResource(room.Bare(), oldNick)
		e.r.SetResource(room.Bare(), cp)
	}
	entry.Nick = newNick
}

func roleName(r roster.Role) string {
	switch r {
	case roster.RoleVisitor:
		return "visitor"
	case roster.RoleParticipant:
		return "participant"
	case roster.RoleModerator:
		return "moderator"
	default:
		return "none"
	}
}

func affilName(a roster.Affiliation) string {
	switch a {
	case roster.AffilOutcast:
		return "outcast"
	case roster.AffilMember:
		return "member"
	case roster.AffilAdmin:
		return "admin"
	case roster.AffilOwner:
		return "owner"
	default:
		return "none"
	}
}

// ParseRole maps a muc#user role attribute to its enum value.
func ParseRole(s string) roster.Role {
	switch s {
	case "visitor":
		return roster.RoleVisitor
	case "participant":
		return roster.RoleParticipant
	case "moderator":
		return roster.RoleModerator
	default:
		return roster.RoleNone
	}
}

// ParseAffiliation maps a muc#user affiliation attribute to its enum value.
func ParseAffiliation(s string) roster.Affiliation {
	switch s {
	case "outcast":
		return roster.AffilOutcast
	case "member":
		return roster.AffilMember
	case "admin":
		return roster.AffilAdmin
	case "owner":
		return roster.AffilOwner
	default:
		return roster.AffilNone
	}
}

// adminItem builds the <query xmlns='muc#admin'><item/></query> payload
// shared by every administrative action.
func adminItem(attrs map[string]string, reason string) *stanza.Node {
	query := stanza.NewNode(NSMUCAdmin, "query")
	item := stanza.NewNode("", "item")
	for k, v := range attrs {
		if v != "" {
			item.SetAttribute(k, v)
		}
	}
	if reason != "" {
		r := stanza.NewNode("", "reason")
		r.Text = reason
		item.AppendChild(r)
	}
	query.AppendChild(item)
	return query
}

// adminIQ allocates an id, registers cb, and puts the admin set on the
// wire scoped to the room's bare JID. Returns the allocated id.
func (e *Engine) adminIQ(room jid.JID, payload *stanza.Node, cb iq.Callback) string {
	id := e.iq.NewRequest("muc", 0, cb)
	if e.send != nil {
		_ = e.send.SendIQSet(room.Bare(), id, payload)
	}
	return id
}

// Kick removes an occupant by nick (role=none).
func (e *Engine) Kick(room jid.JID, nick, reason string, cb iq.Callback) string {
	return e.adminIQ(room, adminItem(map[string]string{"nick": nick, "role": "none"}, reason), cb)
}

// Ban sets affiliation=outcast scoped to a real JID.
func (e *Engine) Ban(room jid.JID, who jid.JID, reason string, cb iq.Callback) string {
	return e.adminIQ(room, adminItem(map[string]string{"jid": who.Bare().String(), "affiliation": "outcast"}, reason), cb)
}

// SetRole changes an occupant's role (e.g. promote to moderator).
func (e *Engine) SetRole(room jid.JID, nick string, role roster.Role, reason string, cb iq.Callback) string {
	return e.adminIQ(room, adminItem(map[string]string{"nick": nick, "role": roleName(role)}, reason), cb)
}

// SetAffiliation changes a user's affiliation (e.g. grant member).
func (e *Engine) SetAffiliation(room jid.JID, who jid.JID, affil roster.Affiliation, reason string, cb iq.Callback) string {
	return e.adminIQ(room, adminItem(map[string]string{"jid": who.Bare().String(), "affiliation": affilName(affil)}, reason), cb)
}

// Destroy issues the owner-scoped room destruction IQ.
func (e *Engine) Destroy(room jid.JID, reason string, cb iq.Callback) string {
	query := stanza.NewNode(NSMUCOwner, "query")
	destroy := stanza.NewNode("", "destroy")
	if reason != "" {
		r := stanza.NewNode("", "reason")
		r.Text = reason
		destroy.AppendChild(r)
	}
	query.AppendChild(destroy)
	id := e.iq.NewRequest("muc", 0, cb)
	if e.send != nil {
		_ = e.send.SendIQSet(room.Bare(), id, query)
	}
	return id
}

// JoinPresence builds the nickname-bearing join presence for room/nick
// with an optional password, for the transport layer to send.
func JoinPresence(room jid.JID, nick, password string) *stanza.Node {
	p := stanza.NewNode("", "presence")
	p.SetAttribute("to", room.Bare().String()+"/"+nick)
	x := stanza.NewNode(NSMUC, "x")
	if password != "" {
		pw := stanza.NewNode("", "password")
		pw.Text = password
		x.AppendChild(pw)
	}
	p.AppendChild(x)
	return p
}

// InviteMessage builds a mediated invitation message for the room to
// relay to who.
func InviteMessage(room, who jid.JID, reason string) *stanza.Node {
	m := stanza.NewNode("", "message")
	m.SetAttribute("to", room.Bare().String())
	x := stanza.NewNode(NSMUCUser, "x")
	inv := stanza.NewNode("", "invite")
	inv.SetAttribute("to", who.Bare().String())
	if reason != "" {
		r := stanza.NewNode("", "reason")
		r.Text = reason
		inv.AppendChild(r)
	}
	x.AppendChild(inv)
	m.AppendChild(x)
	return m
}
