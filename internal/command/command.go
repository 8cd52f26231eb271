// Package command defines the interactive command verbs the client
// honors and dispatches them onto a session. Each verb takes a fixed
// number of positional arguments; anything after them is free text and
// is not tokenized. The UI's parser hands lines here verbatim (without
// the leading slash).
package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/rosterim/roster/internal/hbuf"
	"github.com/rosterim/roster/internal/xcore/events"
	"github.com/rosterim/roster/internal/xcore/presence"
	"github.com/rosterim/roster/internal/xcore/roster"
	"github.com/rosterim/roster/internal/xcore/session"
)

// CodeQuit is the processing code meaning "quit the client".
const CodeQuit = 255

// Context carries the dispatch target plus the UI-side state a few
// verbs need: the currently selected buddy and the scroll page size.
type Context struct {
	Session  *session.Session
	Current  jid.JID // cursor buddy; the zero JID means none
	PageSize int     // lines per buffer up/down step

	msayActive bool
	msayLines  []string
}

func (c *Context) pageSize() int {
	if c.PageSize <= 0 {
		return 10
	}
	return c.PageSize
}

func (c *Context) current() (jid.JID, error) {
	if c.Current.Equal(jid.JID{}) {
		return jid.JID{}, errors.New("no buddy selected")
	}
	return c.Current, nil
}

// splitArgs peels off n space-separated tokens and returns them plus
// the untokenized remainder.
func splitArgs(s string, n int) (args []string, rest string) {
	rest = strings.TrimLeft(s, " ")
	for i := 0; i < n; i++ {
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			return args, ""
		}
		idx := strings.IndexByte(rest, ' ')
		if idx < 0 {
			args = append(args, rest)
			return args, ""
		}
		args = append(args, rest[:idx])
		rest = rest[idx+1:]
	}
	return args, strings.TrimLeft(rest, " ")
}

func parseIMStatus(s string) (presence.Show, error) {
	switch s {
	case "online", "avail", "available":
		return presence.ShowAvailable, nil
	case "away":
		return presence.ShowAway, nil
	case "dnd":
		return presence.ShowDoNotDisturb, nil
	case "notavail", "xa":
		return presence.ShowNotAvailable, nil
	case "free", "chat":
		return presence.ShowFreeForChat, nil
	case "invisible":
		return presence.ShowInvisible, nil
	case "offline":
		return presence.ShowOffline, nil
	default:
		return presence.ShowOffline, fmt.Errorf("unknown status %q", s)
	}
}

// Execute parses and runs one command line (without the leading slash).
// The returned code is CodeQuit when the client should exit.
func Execute(c *Context, line string) (code int, err error) {
	args, rest := splitArgs(line, 1)
	if len(args) == 0 {
		return 0, nil
	}
	verb := args[0]
	s := c.Session

	switch verb {
	case "quit":
		return CodeQuit, nil

	case "connect":
		return 0, s.Connect(context.Background())

	case "disconnect":
		s.Disconnect()
		return 0, nil

	case "status":
		a, msg := splitArgs(rest, 1)
		if len(a) == 0 {
			return 0, errors.New("usage: status <imstatus> [msg]")
		}
		show, err := parseIMStatus(a[0])
		if err != nil {
			return 0, err
		}
		s.SetStatus(show, msg)
		return 0, nil

	case "status_to":
		a, msg := splitArgs(rest, 2)
		if len(a) < 2 {
			return 0, errors.New("usage: status_to <jid> <imstatus> [msg]")
		}
		to, err := jid.Parse(a[0])
		if err != nil {
			return 0, err
		}
		show, err := parseIMStatus(a[1])
		if err != nil {
			return 0, err
		}
		return 0, s.SetStatusTo(to, show, msg)

	case "add":
		a, name := splitArgs(rest, 1)
		if len(a) == 0 {
			return 0, errors.New("usage: add <jid> [name]")
		}
		j, err := jid.Parse(a[0])
		if err != nil {
			return 0, err
		}
		return 0, s.AddContact(j, name)

	case "del":
		j, err := c.current()
		if err != nil {
			return 0, err
		}
		return 0, s.DelContact(j)

	case "rename":
		if rest == "" {
			return 0, errors.New("usage: rename <newname>")
		}
		j, err := c.current()
		if err != nil {
			return 0, err
		}
		return 0, s.Rename(j, rest)

	case "move":
		j, err := c.current()
		if err != nil {
			return 0, err
		}
		return 0, s.Move(j, rest)

	case "say":
		j, err := c.current()
		if err != nil {
			return 0, err
		}
		return 0, c.sayTo(j, rest)

	case "say_to":
		a, text := splitArgs(rest, 1)
		if len(a) == 0 || text == "" {
			return 0, errors.New("usage: say_to <jid> <text>")
		}
		j, err := jid.Parse(a[0])
		if err != nil {
			return 0, err
		}
		return 0, c.sayTo(j, text)

	case "msay":
		return 0, c.msay(rest)

	case "buffer":
		return 0, c.buffer(rest)

	case "room":
		return 0, c.room(rest)

	case "authorization":
		a, _ := splitArgs(rest, 2)
		if len(a) == 0 {
			return 0, errors.New("usage: authorization {allow|cancel|request|request_unsubscribe} [jid]")
		}
		var j jid.JID
		var err error
		if len(a) > 1 {
			j, err = jid.Parse(a[1])
			if err != nil {
				return 0, err
			}
		} else if j, err = c.current(); err != nil {
			return 0, err
		}
		var action session.AuthAction
		switch a[0] {
		case "allow":
			action = session.AuthAllow
		case "cancel":
			action = session.AuthCancel
		case "request":
			action = session.AuthRequest
		case "request_unsubscribe":
			action = session.AuthRequestUnsubscribe
		default:
			return 0, fmt.Errorf("unknown authorization action %q", a[0])
		}
		return 0, s.Authorization(action, j)

	case "event":
		a, _ := splitArgs(rest, 2)
		if len(a) < 2 {
			return 0, errors.New("usage: event <id> {accept|reject|ignore}")
		}
		var ctx events.Context
		switch a[1] {
		case "accept":
			ctx = events.ContextAccept
		case "reject":
			ctx = events.ContextReject
		case "ignore":
			ctx = events.ContextIgnore
		default:
			return 0, fmt.Errorf("unknown event answer %q", a[1])
		}
		if !s.ResolveEvent(a[0], ctx) {
			return 0, fmt.Errorf("no pending event %q", a[0])
		}
		return 0, nil

	case "request":
		a, _ := splitArgs(rest, 2)
		if len(a) == 0 {
			return 0, errors.New("usage: request {version|time|last|vcard} [jid]")
		}
		var kind session.RequestKind
		switch a[0] {
		case "version":
			kind = session.RequestVersion
		case "time":
			kind = session.RequestTime
		case "last":
			kind = session.RequestLast
		case "vcard":
			kind = session.RequestVCard
		default:
			return 0, fmt.Errorf("unknown request kind %q", a[0])
		}
		var j jid.JID
		var err error
		if len(a) > 1 {
			j, err = jid.Parse(a[1])
			if err != nil {
				return 0, err
			}
		} else if j, err = c.current(); err != nil {
			return 0, err
		}
		return 0, s.Request(kind, j)

	case "rawxml":
		a, xmlText := splitArgs(rest, 1)
		if len(a) == 0 || a[0] != "send" || xmlText == "" {
			return 0, errors.New("usage: rawxml send <xml>")
		}
		return 0, s.RawXML(xmlText)

	default:
		return 0, fmt.Errorf("unknown command %q", verb)
	}
}

// sayTo routes a message to the right send path for the target's kind.
func (c *Context) sayTo(j jid.JID, text string) error {
	if text == "" {
		return errors.New("nothing to say")
	}
	if e := c.Session.Roster.Get(j); e != nil && e.Kind == roster.KindRoom {
		return c.Session.SendGroupchat(j, text)
	}
	return c.Session.SendMessage(j, text)
}

// msay implements the multi-line message composer.
func (c *Context) msay(rest string) error {
	a, tail := splitArgs(rest, 1)
	if len(a) == 0 {
		return errors.New("usage: msay {begin|verbatim|send|send_to|abort|toggle} [...]")
	}
	switch a[0] {
	case "begin":
		c.msayActive = true
		c.msayLines = nil
		if tail != "" {
			c.msayLines = append(c.msayLines, tail)
		}
		return nil
	case "verbatim", "toggle":
		c.msayActive = !c.msayActive
		return nil
	case "abort":
		c.msayActive = false
		c.msayLines = nil
		return nil
	case "send":
		j, err := c.current()
		if err != nil {
			return err
		}
		return c.msaySend(j)
	case "send_to":
		b, _ := splitArgs(tail, 1)
		if len(b) == 0 {
			return errors.New("usage: msay send_to <jid>")
		}
		j, err := jid.Parse(b[0])
		if err != nil {
			return err
		}
		return c.msaySend(j)
	default:
		return fmt.Errorf("unknown msay action %q", a[0])
	}
}

// AppendMsayLine collects one line while the composer is open.
func (c *Context) AppendMsayLine(line string) bool {
	if !c.msayActive {
		return false
	}
	c.msayLines = append(c.msayLines, line)
	return true
}

// MsayActive reports whether the composer is collecting lines.
func (c *Context) MsayActive() bool { return c.msayActive }

func (c *Context) msaySend(j jid.JID) error {
	if !c.msayActive || len(c.msayLines) == 0 {
		return errors.New("no multi-line message in progress")
	}
	text := strings.Join(c.msayLines, "\n")
	c.msayActive = false
	c.msayLines = nil
	return c.sayTo(j, text)
}

// buffer implements the scrollback movement verbs on the current
// conversation.
func (c *Context) buffer(rest string) error {
	a, tail := splitArgs(rest, 1)
	if len(a) == 0 {
		return errors.New("usage: buffer {top|bottom|up|down|clear|search_backward|search_forward|date|%}")
	}
	j, err := c.current()
	if err != nil {
		return err
	}
	b := c.Session.Buffer(j)

	switch a[0] {
	case "top":
		b.SetTop(b.JumpPercent(0))
		b.Lock()
	case "bottom":
		b.Unlock(true)
		b.SetTop(hbuf.Pos{})
	case "up", "down":
		c.scroll(b, a[0] == "up")
	case "clear":
		b.Clear()
	case "search_backward", "search_forward":
		if tail == "" {
			return errors.New("search needs a needle")
		}
		dir := hbuf.Forward
		if a[0] == "search_backward" {
			dir = hbuf.Backward
		}
		pos := b.Search(b.Top(), dir, tail)
		if pos == (hbuf.Pos{}) {
			return fmt.Errorf("%q not found", tail)
		}
		b.SetTop(pos)
		b.Lock()
	case "date":
		t, err := time.Parse("2006-01-02", tail)
		if err != nil {
			return fmt.Errorf("bad date %q (want YYYY-MM-DD)", tail)
		}
		pos := b.JumpDate(t)
		if pos == (hbuf.Pos{}) {
			return errors.New("no line at or after that date")
		}
		b.SetTop(pos)
		b.Lock()
	case "%":
		pc, err := strconv.Atoi(tail)
		if err != nil {
			return fmt.Errorf("bad percentage %q", tail)
		}
		pos := b.JumpPercent(pc)
		if pos == (hbuf.Pos{}) {
			return errors.New("buffer is empty")
		}
		b.SetTop(pos)
		b.Lock()
	default:
		return fmt.Errorf("unknown buffer action %q", a[0])
	}
	return nil
}

// scroll moves the anchor one page and re-locks; scrolling down past
// the end clamps to the bottom and re-follows the tail.
func (c *Context) scroll(b *hbuf.Buffer, up bool) {
	page := c.pageSize()
	top := b.Top()

	if up {
		if top == (hbuf.Pos{}) {
			// Anchored at the tail: start one page above it.
			if !b.Locked() {
				b.Lock()
			}
		}
		b.SetTop(b.StepBack(top, page))
		return
	}

	if top == (hbuf.Pos{}) {
		return // already at the tail
	}
	b.SetTop(b.StepForward(top, page))
	b.ClampBottom(page)
	if b.Top() == (hbuf.Pos{}) {
		b.Unlock(true)
	}
}

// room implements the multi-user-chat verbs.
func (c *Context) room(rest string) error {
	a, tail := splitArgs(rest, 1)
	if len(a) == 0 {
		return errors.New("usage: room {join|leave|nick|topic|invite|kick|ban|role|affil|whois|names|privmsg|destroy|unlock|remove}")
	}
	s := c.Session

	currentRoom := func() (jid.JID, error) {
		j, err := c.current()
		if err != nil {
			return jid.JID{}, err
		}
		if e := s.Roster.Get(j); e == nil || e.Kind != roster.KindRoom {
			return jid.JID{}, errors.New("the selected buddy is not a room")
		}
		return j, nil
	}

	switch a[0] {
	case "join":
		b, _ := splitArgs(tail, 3)
		if len(b) == 0 {
			return errors.New("usage: room join <room> [nick] [password]")
		}
		room, err := jid.Parse(b[0])
		if err != nil {
			return err
		}
		nick, password := "", ""
		if len(b) > 1 {
			nick = b[1]
		}
		if len(b) > 2 {
			password = b[2]
		}
		s.RoomJoin(room, nick, password)
		return nil

	case "leave":
		room, err := currentRoom()
		if err != nil {
			return err
		}
		s.RoomLeave(room, tail)
		return nil

	case "nick":
		room, err := currentRoom()
		if err != nil {
			return err
		}
		if tail == "" {
			return errors.New("usage: room nick <newnick>")
		}
		s.RoomNick(room, tail)
		return nil

	case "topic":
		room, err := currentRoom()
		if err != nil {
			return err
		}
		s.RoomTopic(room, tail)
		return nil

	case "invite":
		room, err := currentRoom()
		if err != nil {
			return err
		}
		b, reason := splitArgs(tail, 1)
		if len(b) == 0 {
			return errors.New("usage: room invite <jid> [reason]")
		}
		who, err := jid.Parse(b[0])
		if err != nil {
			return err
		}
		s.RoomInvite(room, who, reason)
		return nil

	case "kick":
		room, err := currentRoom()
		if err != nil {
			return err
		}
		b, reason := splitArgs(tail, 1)
		if len(b) == 0 {
			return errors.New("usage: room kick <nick> [reason]")
		}
		s.RoomKick(room, b[0], reason)
		return nil

	case "ban":
		room, err := currentRoom()
		if err != nil {
			return err
		}
		b, reason := splitArgs(tail, 1)
		if len(b) == 0 {
			return errors.New("usage: room ban <jid> [reason]")
		}
		who, err := jid.Parse(b[0])
		if err != nil {
			return err
		}
		s.RoomBan(room, who, reason)
		return nil

	case "role":
		room, err := currentRoom()
		if err != nil {
			return err
		}
		b, reason := splitArgs(tail, 2)
		if len(b) < 2 {
			return errors.New("usage: room role <nick> <role> [reason]")
		}
		var role roster.Role
		switch b[1] {
		case "none":
			role = roster.RoleNone
		case "visitor":
			role = roster.RoleVisitor
		case "participant":
			role = roster.RoleParticipant
		case "moderator":
			role = roster.RoleModerator
		default:
			return fmt.Errorf("unknown role %q", b[1])
		}
		s.RoomRole(room, b[0], role, reason)
		return nil

	case "affil":
		room, err := currentRoom()
		if err != nil {
			return err
		}
		b, reason := splitArgs(tail, 2)
		if len(b) < 2 {
			return errors.New("usage: room affil <jid> <affiliation> [reason]")
		}
		who, err := jid.Parse(b[0])
		if err != nil {
			return err
		}
		var affil roster.Affiliation
		switch b[1] {
		case "none":
			affil = roster.AffilNone
		case "outcast":
			affil = roster.AffilOutcast
		case "member":
			affil = roster.AffilMember
		case "admin":
			affil = roster.AffilAdmin
		case "owner":
			affil = roster.AffilOwner
		default:
			return fmt.Errorf("unknown affiliation %q", b[1])
		}
		s.RoomAffil(room, who, affil, reason)
		return nil

	case "whois":
		room, err := currentRoom()
		if err != nil {
			return err
		}
		b, _ := splitArgs(tail, 1)
		if len(b) == 0 {
			return errors.New("usage: room whois <nick>")
		}
		return c.roomWhois(room, b[0])

	case "names":
		room, err := currentRoom()
		if err != nil {
			return err
		}
		return c.roomNames(room)

	case "privmsg":
		room, err := currentRoom()
		if err != nil {
			return err
		}
		b, text := splitArgs(tail, 1)
		if len(b) == 0 || text == "" {
			return errors.New("usage: room privmsg <nick> <text>")
		}
		return s.RoomPrivMsg(room, b[0], text)

	case "destroy":
		room, err := currentRoom()
		if err != nil {
			return err
		}
		s.RoomDestroy(room, tail)
		return nil

	case "unlock":
		room, err := currentRoom()
		if err != nil {
			return err
		}
		return s.RoomUnlock(room)

	case "remove":
		room, err := currentRoom()
		if err != nil {
			return err
		}
		if e := s.Roster.Get(room); e != nil && e.Joined() {
			return errors.New("leave the room before removing it")
		}
		s.Roster.Remove(room)
		s.CloseBuffer(room)
		return nil

	default:
		return fmt.Errorf("unknown room action %q", a[0])
	}
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

func (c *Context) roomWhois(room jid.JID, nick string) error {
	e := c.Session.Roster.Get(room)
	occ, ok := e.Resources[nick]
	if !ok {
		return fmt.Errorf("no occupant %q", nick)
	}
	info := fmt.Sprintf("%s: role %s, affiliation %s", nick, roleName(occ.Role), affilName(occ.Affiliation))
	if !occ.RealJID.Equal(jid.JID{}) {
		info += ", jid " + occ.RealJID.String()
	}
	c.Session.InfoLine(room, info)
	return nil
}

func (c *Context) roomNames(room jid.JID) error {
	e := c.Session.Roster.Get(room)
	names := make([]string, 0, len(e.Resources))
	for nick := range e.Resources {
		names = append(names, nick)
	}
	sort.Strings(names)
	c.Session.InfoLine(room, fmt.Sprintf("%d occupant(s): %s", len(names), strings.Join(names, ", ")))
	return nil
}
