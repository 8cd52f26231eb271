package session

import (
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

// Wire namespaces the dispatcher recognizes.
const (
	nsRoster      = "jabber:iq:roster"
	nsVersion     = "jabber:iq:version"
	nsLast        = "jabber:iq:last"
	nsTimeLegacy  = "jabber:iq:time"
	nsTime        = "urn:xmpp:time"
	nsPing        = "urn:xmpp:ping"
	nsChatStates  = "http://jabber.org/protocol/chatstates"
	nsDelay       = "urn:xmpp:delay"
	nsDelayLegacy = "jabber:x:delay"
	nsReceipts    = "urn:xmpp:receipts"
	nsStanzaError = "urn:ietf:params:xml:ns:xmpp-stanzas"
)

// HandleStanza routes one inbound stanza. A single bad stanza never
// aborts the session: parse problems are logged and the stanza dropped.
func (s *Session) HandleStanza(n *stanza.Node) {
	switch n.Name.Local {
	case "iq":
		s.handleIQ(n)
	case "presence":
		s.handlePresence(n)
	case "message":
		s.handleMessage(n)
	default:
		s.log.Debug("dropping unknown stanza <%s>", n.Name.Local)
	}
}

// deriveStanzaError turns an <error/> child into a readable description
// from its defined condition and optional text.
func deriveStanzaError(n *stanza.Node) string {
	e := n.Child("error")
	if e == nil {
		return "unknown error"
	}
	condition := ""
	text := ""
	for _, c := range e.Children {
		if c.Name.Space != nsStanzaError {
			continue
		}
		if c.Name.Local == "text" {
			text = c.Text
		} else if condition == "" {
			condition = strings.ReplaceAll(c.Name.Local, "-", " ")
		}
	}
	if condition == "" {
		if code, ok := e.Attribute("code"); ok {
			condition = "error " + code
		} else {
			condition = "unknown error"
		}
	}
	if text != "" {
		return condition + ": " + text
	}
	return condition
}

func errorCode(n *stanza.Node) muc.ErrorCode {
	e := n.Child("error")
	if e == nil {
		return muc.ErrorNone
	}
	if code, ok := e.Attribute("code"); ok {
		switch code {
		case "401":
			return muc.ErrorNotAuthorized
		case "403":
			return muc.ErrorForbidden
		case "409":
			return muc.ErrorNicknameInUse
		}
	}
	if e.ChildInNS(nsStanzaError, "conflict") != nil {
		return muc.ErrorNicknameInUse
	}
	if e.ChildInNS(nsStanzaError, "not-authorized") != nil {
		return muc.ErrorNotAuthorized
	}
	if e.ChildInNS(nsStanzaError, "forbidden") != nil {
		return muc.ErrorForbidden
	}
	return muc.ErrorNone
}

func (s *Session) handleIQ(n *stanza.Node) {
	typ, _ := n.Attribute("type")
	id, _ := n.Attribute("id")

	switch typ {
	case "result":
		if id == "" || !s.IQ.Resolve(id, iq.ContextResult, n) {
			s.log.Debug("unmatched iq result id=%q", id)
		}
	case "error":
		if id != "" && s.IQ.Resolve(id, iq.ContextError, n) {
			return
		}
		s.LogStatus("Error: " + deriveStanzaError(n))
	case "get", "set":
		s.handleServerIQ(n, typ, id)
	default:
		s.log.Debug("iq with bad type %q dropped", typ)
	}
}

// handleServerIQ answers server- or peer-initiated requests.
func (s *Session) handleServerIQ(n *stanza.Node, typ, id string) {
	from := s.fromJID(n)

	if q := n.ChildInNS(nsRoster, "query"); q != nil && typ == "set" {
		s.applyRosterItems(q)
		s.reply(from, id, nil)
		return
	}
	if n.ChildInNS(nsPing, "ping") != nil && typ == "get" {
		s.reply(from, id, nil)
		return
	}
	if q := n.ChildInNS(caps.NSDiscoInfo, "query"); q != nil && typ == "get" {
		node, _ := q.Attribute("node")
		s.reply(from, id, s.cfg.Profile.DiscoInfoResult(node))
		return
	}
	if n.ChildInNS(nsVersion, "query") != nil && typ == "get" {
		q := stanza.NewNode(nsVersion, "query")
		name := stanza.NewNode("", "name")
		name.Text = s.cfg.ClientName
		version := stanza.NewNode("", "version")
		version.Text = s.cfg.ClientVersion
		q.AppendChild(name)
		q.AppendChild(version)
		s.reply(from, id, q)
		return
	}

	// Anything else is politely refused.
	errNode := stanza.NewNode("", "iq")
	errNode.SetAttribute("type", "error")
	errNode.SetAttribute("id", id)
	if !from.Equal(jid.JID{}) {
		errNode.SetAttribute("to", from.String())
	}
	e := stanza.NewNode("", "error")
	e.SetAttribute("type", "cancel")
	e.AppendChild(stanza.NewNode(nsStanzaError, "service-unavailable"))
	errNode.AppendChild(e)
	s.send(errNode)
}

func (s *Session) reply(to jid.JID, id string, payload *stanza.Node) {
	if s.transport == nil {
		return
	}
	_ = s.transport.SendIQResult(to, id, payload)
}

func (s *Session) send(n *stanza.Node) {
	if s.transport == nil {
		return
	}
	if err := s.transport.Send(n); err != nil {
		s.log.Warn("send: %v", err)
	}
}

func (s *Session) fromJID(n *stanza.Node) jid.JID {
	raw, ok := n.Attribute("from")
	if !ok {
		return jid.JID{}
	}
	j, err := jid.Parse(raw)
	if err != nil {
		return jid.JID{}
	}
	return j
}

// applyRosterItems folds a roster result or push into the model.
func (s *Session) applyRosterItems(query *stanza.Node) {
	for _, item := range query.ChildrenNamed("item") {
		raw, _ := item.Attribute("jid")
		j, err := jid.Parse(raw)
		if err != nil {
			s.log.Debug("roster item with bad jid %q", raw)
			continue
		}
		sub, _ := item.Attribute("subscription")
		if sub == "remove" {
			s.Roster.UpdateSubscription(j, roster.SubNone, false, true)
			continue
		}

		entry := s.Roster.Get(j)
		if entry == nil {
			kind := roster.KindUser
			if j.Localpart() == "" {
				kind = roster.KindAgent
			}
			entry = &roster.Entry{JID: j.Bare(), Kind: kind}
			s.Roster.Add(entry)
		}
		if name, ok := item.Attribute("name"); ok {
			entry.Name = name
		}
		entry.Group = item.ChildText("group")
		entry.OnServer = true

		ask, _ := item.Attribute("ask")
		s.Roster.UpdateSubscription(j, parseSubscription(sub), ask == "subscribe", false)
		s.applyPendingUnread(j)
	}
	s.emit(Event{Kind: EventRosterChanged})
}

func parseSubscription(s string) roster.Subscription {
	switch s {
	case "to":
		return roster.SubTo
	case "from":
		return roster.SubFrom
	case "both":
		return roster.SubBoth
	default:
		return roster.SubNone
	}
}

func parseShow(show string) roster.Show {
	switch show {
	case "away":
		return roster.ShowAway
	case "chat":
		return roster.ShowFreeForChat
	case "dnd":
		return roster.ShowDoNotDisturb
	case "xa":
		return roster.ShowNotAvailable
	default:
		return roster.ShowAvailable
	}
}

func (s *Session) handlePresence(n *stanza.Node) {
	from := s.fromJID(n)
	if from.Equal(jid.JID{}) {
		return
	}
	typ, _ := n.Attribute("type")

	entry := s.Roster.Get(from)
	isRoom := entry != nil && entry.Kind == roster.KindRoom

	switch typ {
	case "subscribe":
		s.registerSubscriptionEvent(from)
		return
	case "subscribed":
		s.LogStatus(from.Bare().String() + " has accepted your subscription request.")
		return
	case "unsubscribed":
		s.LogStatus(from.Bare().String() + " has cancelled your subscription.")
		return
	case "error":
		if isRoom {
			code := errorCode(n)
			s.MUC.ApplyPresence(from.Bare(), from.Resourcepart(), roster.Resource{}, code)
			if code == muc.ErrorNicknameInUse {
				s.appendLine(bareKey(from), "Nickname is already in use in this room.", time.Now(), hbuf.FlagError, 0)
			} else {
				s.appendLine(bareKey(from), "Room error: "+deriveStanzaError(n), time.Now(), hbuf.FlagError, 0)
			}
			s.emit(Event{Kind: EventRosterChanged})
			return
		}
		s.LogStatus("Presence error from " + from.String() + ": " + deriveStanzaError(n))
		return
	case "unavailable":
		if isRoom {
			nick := from.Resourcepart()
			if s.MUC.RemoveOccupant(from.Bare(), nick) {
				s.appendLine(bareKey(from), nick+" has left", time.Now(), hbuf.FlagInfo, 0)
			}
			s.emit(Event{Kind: EventRosterChanged})
			return
		}
		s.applyContactOffline(from, n.ChildText("status"))
		return
	case "":
		// available
	default:
		s.log.Debug("presence type %q dropped", typ)
		return
	}

	if isRoom {
		s.applyRoomPresence(from, n)
		return
	}

	// Our own reflected presence carries nothing new.
	if bareKey(from) == bareKey(s.Self()) {
		return
	}
	s.applyContactPresence(from, n)
}

func (s *Session) registerSubscriptionEvent(from jid.JID) {
	bare := from.Bare()
	desc := bare.String() + " wants to subscribe to your presence"
	s.Events.Register("", desc, 0, bare, func(ctx events.Context, _ any) bool {
		switch ctx {
		case events.ContextAccept:
			s.sendPresenceType(bare, "subscribed")
			// Offer the reverse subscription if we don't have one.
			if e := s.Roster.Get(bare); e == nil || (e.Subscription != roster.SubTo && e.Subscription != roster.SubBoth) {
				s.sendPresenceType(bare, "subscribe")
			}
		case events.ContextReject:
			s.sendPresenceType(bare, "unsubscribed")
		}
		return true
	})
	s.LogStatus(desc + " (use /event to answer)")
}

func (s *Session) applyContactOffline(from jid.JID, statusMsg string) {
	entry := s.Roster.Get(from)
	if entry == nil {
		return
	}
	res := from.Resourcepart()
	if res == "" {
		s.Roster.RemoveAllResources(from)
	} else {
		s.Roster.RemoveResource(from, res)
	}
	s.writeStatusRecord(from, roster.ShowOffline, statusMsg)
	s.emit(Event{Kind: EventRosterChanged})
}

func (s *Session) applyContactPresence(from jid.JID, n *stanza.Node) {
	entry := s.Roster.Get(from)
	if entry == nil {
		s.log.Debug("presence from non-roster %s dropped", from.Bare())
		return
	}

	show := parseShow(n.ChildText("show"))
	res := roster.Resource{
		Name:      from.Resourcepart(),
		Status:    show,
		StatusMsg: n.ChildText("status"),
		Since:     time.Now(),
	}
	if prio := n.ChildText("priority"); prio != "" {
		var p int
		for _, c := range prio {
			if c >= '0' && c <= '9' {
				p = p*10 + int(c-'0')
			}
		}
		if strings.HasPrefix(prio, "-") {
			p = -p
		}
		res.Priority = int8(p)
	}

	if c := n.ChildInNS(caps.NSCaps, "c"); c != nil {
		if ver, ok := c.Attribute("ver"); ok {
			res.CapsHash = ver
			if s.Caps.ShouldQuery(ver) {
				node, _ := c.Attribute("node")
				s.queryCaps(from, node, ver)
			}
		}
	}

	s.Roster.SetResource(from, res)
	s.writeStatusRecord(from, show, res.StatusMsg)
	s.emit(Event{Kind: EventRosterChanged})
}

// queryCaps performs the single allowed disco round trip for a newly
// observed capability hash.
func (s *Session) queryCaps(from jid.JID, node, ver string) {
	id := s.IQ.NewRequest("caps", 0, func(ctx iq.Context, payload any) {
		if ctx != iq.ContextResult {
			return
		}
		n, ok := payload.(*stanza.Node)
		if !ok {
			return
		}
		q := n.ChildInNS(caps.NSDiscoInfo, "query")
		if q == nil {
			return
		}
		if !s.Caps.Store(ver, caps.ParseDiscoInfo(q)) {
			s.log.Debug("caps hash mismatch for %s", ver)
		}
	})
	if s.transport != nil {
		_ = s.transport.SendIQGet(from, id, caps.DiscoInfoQuery(node, ver))
	}
}

func (s *Session) writeStatusRecord(from jid.JID, show roster.Show, msg string) {
	if s.cfg.HistoryDir == "" {
		return
	}
	info := histolog.InfoOffline
	switch show {
	case roster.ShowAvailable:
		info = histolog.InfoOnline
	case roster.ShowFreeForChat:
		info = histolog.InfoFree
	case roster.ShowDoNotDisturb:
		info = histolog.InfoDnd
	case roster.ShowNotAvailable:
		info = histolog.InfoNotAvail
	case roster.ShowAway:
		info = histolog.InfoAway
	case roster.ShowInvisible:
		info = histolog.InfoInvisible
	}
	err := s.Hist.Append(bareKey(from), histolog.Record{
		Kind: histolog.KindStatus,
		Info: info,
		Text: msg,
	})
	if err != nil {
		s.log.Warn("histolog status %s: %v", bareKey(from), err)
	}
}

func (s *Session) applyRoomPresence(from jid.JID, n *stanza.Node) {
	nick := from.Resourcepart()
	res := roster.Resource{Name: nick, Status: parseShow(n.ChildText("show")), StatusMsg: n.ChildText("status"), Since: time.Now()}

	if x := n.ChildInNS(muc.NSMUCUser, "x"); x != nil {
		if item := x.Child("item"); item != nil {
			if role, ok := item.Attribute("role"); ok {
				res.Role = muc.ParseRole(role)
			}
			if affil, ok := item.Attribute("affiliation"); ok {
				res.Affiliation = muc.ParseAffiliation(affil)
			}
			if raw, ok := item.Attribute("jid"); ok {
				if real, err := jid.Parse(raw); err == nil {
					res.RealJID = real
				}
			}
		}
	}

	if s.MUC.ApplyPresence(from.Bare(), nick, res, muc.ErrorNone) {
		s.appendLine(bareKey(from), nick+" has joined", time.Now(), hbuf.FlagInfo, 0)
	}
	s.emit(Event{Kind: EventRosterChanged})
}

func chatStateOf(n *stanza.Node) (presence.OutgoingState, bool) {
	for _, c := range n.Children {
		if c.Name.Space != nsChatStates {
			continue
		}
		switch c.Name.Local {
		case "active":
			return presence.StateActive, true
		case "composing":
			return presence.StateComposing, true
		case "paused":
			return presence.StatePaused, true
		case "gone":
			return presence.StateGone, true
		case "inactive":
			return presence.StateNone, true
		}
	}
	return presence.StateNone, false
}

func delayTimestamp(n *stanza.Node) time.Time {
	if d := n.ChildInNS(nsDelay, "delay"); d != nil {
		if stamp, ok := d.Attribute("stamp"); ok {
			if t, err := time.Parse(time.RFC3339, stamp); err == nil {
				return t
			}
		}
	}
	if d := n.ChildInNS(nsDelayLegacy, "x"); d != nil {
		if stamp, ok := d.Attribute("stamp"); ok {
			if t, err := time.Parse("20060102T15:04:05", stamp); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

func (s *Session) handleMessage(n *stanza.Node) {
	from := s.fromJID(n)
	typ, _ := n.Attribute("type")

	if typ == "error" {
		s.LogStatus("Message error from " + from.String() + ": " + deriveStanzaError(n))
		return
	}

	// Mediated MUC invitation.
	if x := n.ChildInNS(muc.NSMUCUser, "x"); x != nil {
		if invite := x.Child("invite"); invite != nil {
			s.registerInviteEvent(from, invite, x.ChildText("password"))
			return
		}
	}

	if typ == "groupchat" {
		s.handleGroupchatMessage(from, n)
		return
	}

	// Chat-state notification: a peer capable of sending one can
	// receive one.
	if state, ok := chatStateOf(n); ok {
		s.Presence.ObserveIncoming(from, state)
		if e := s.Roster.Get(from); e != nil {
			if r, ok := e.Resources[from.Resourcepart()]; ok {
				r.ChatState = roster.CapOK
			}
		}
	}

	hasBody := n.Child("body") != nil
	hasEncrypted := n.ChildInNS(envelope.NSEncrypted, "x") != nil || n.ChildInNS(envelope.NSOMEMO, "encrypted") != nil
	if !hasBody && !hasEncrypted {
		s.emit(Event{Kind: EventBufferChanged, JID: bareKey(from)})
		return
	}

	if s.cfg.BlockUnsubscribed {
		e := s.Roster.Get(from)
		if e == nil || (e.Subscription != roster.SubFrom && e.Subscription != roster.SubBoth) {
			s.log.Info("dropped message from unsubscribed %s", from.Bare())
			return
		}
	}

	in, err := s.Envelope.UnwrapIncoming(from, n)
	if err != nil {
		s.LogStatus("Decryption problem with message from " + from.Bare().String() + ": " + err.Error())
	}
	if in.Consumed || in.Body == "" {
		return
	}

	flags := hbuf.FlagIn
	switch in.Scheme {
	case envelope.SchemePGP:
		flags |= hbuf.FlagPGPCrypt
	case envelope.SchemeOTR:
		flags |= hbuf.FlagOTRCrypt
	}
	if in.Verify != nil {
		if e := s.Roster.Get(from); e != nil {
			if r, ok := e.Resources[from.Resourcepart()]; ok {
				r.PGPKeyID = in.Verify.KeyID
				r.PGPVerified = in.Verify.Trust
			}
		}
	}

	ts := delayTimestamp(n)
	s.appendLine(bareKey(from), in.Body, ts, flags, 0)
	s.markUnread(from)
	if s.cfg.HistoryDir != "" {
		rec := histolog.Record{Kind: histolog.KindMessage, Info: histolog.InfoReceive, Timestamp: ts, Text: in.Body}
		if err := s.Hist.Append(bareKey(from), rec); err != nil {
			s.log.Warn("histolog %s: %v", bareKey(from), err)
		}
	}

	// Delivery receipt, when the sender asked for one.
	if n.ChildInNS(nsReceipts, "request") != nil {
		if id, ok := n.Attribute("id"); ok {
			s.sendReceipt(from, id)
		}
	}
}

func (s *Session) handleGroupchatMessage(from jid.JID, n *stanza.Node) {
	bare := bareKey(from)
	entry := s.Roster.Get(from)
	nick := from.Resourcepart()

	if subject := n.Child("subject"); subject != nil && n.Child("body") == nil {
		s.MUC.SetTopic(from.Bare(), subject.Text, nick)
		who := nick
		if who == "" {
			who = "the room"
		}
		s.appendLine(bare, "The topic has been set to: "+subject.Text+" (by "+who+")", delayTimestamp(n), hbuf.FlagInfo, 0)
		s.emit(Event{Kind: EventRosterChanged})
		return
	}

	body := n.ChildText("body")
	if body == "" {
		return
	}

	flags := hbuf.FlagIn
	selfNick := ""
	if entry != nil {
		selfNick = entry.Nick
	}
	if nick == selfNick && selfNick != "" {
		flags = hbuf.FlagOut
	} else if selfNick != "" && strings.Contains(body, selfNick) {
		flags |= hbuf.FlagHighlight
	}

	line := body
	nickLen := 0
	if nick != "" {
		line = "<" + nick + "> " + body
		nickLen = len(nick) + 2
	}
	ts := delayTimestamp(n)
	s.appendLine(bare, line, ts, flags, nickLen)
	if flags&hbuf.FlagOut == 0 {
		s.markUnread(from)
	}
	if s.cfg.HistoryDir != "" && s.cfg.LogMUC {
		info := histolog.InfoReceive
		if flags&hbuf.FlagOut != 0 {
			info = histolog.InfoSend
		}
		if err := s.Hist.Append(bare, histolog.Record{Kind: histolog.KindMessage, Info: info, Timestamp: ts, Text: line}); err != nil {
			s.log.Warn("histolog %s: %v", bare, err)
		}
	}
}

func (s *Session) registerInviteEvent(room jid.JID, invite *stanza.Node, password string) {
	inviter, _ := invite.Attribute("from")
	reason := invite.ChildText("reason")
	desc := "Invitation to " + room.Bare().String()
	if inviter != "" {
		desc += " from " + inviter
	}
	if reason != "" {
		desc += " (" + reason + ")"
	}
	bare := room.Bare()
	s.Events.Register("", desc, 0, bare, func(ctx events.Context, _ any) bool {
		if ctx == events.ContextAccept {
			nick := s.cfg.Nickname
			if nick == "" {
				nick = s.Self().Localpart()
			}
			s.RoomJoin(bare, nick, password)
		}
		return true
	})
	s.LogStatus(desc + " (use /event to answer)")
}

func (s *Session) sendReceipt(to jid.JID, id string) {
	m := stanza.NewNode("", "message")
	m.SetAttribute("to", to.String())
	received := stanza.NewNode(nsReceipts, "received")
	received.SetAttribute("id", id)
	m.AppendChild(received)
	s.send(m)
}

func (s *Session) sendPresenceType(to jid.JID, typ string) {
	p := stanza.NewNode("", "presence")
	p.SetAttribute("to", to.Bare().String())
	p.SetAttribute("type", typ)
	s.send(p)
}
