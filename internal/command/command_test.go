package command

import (
	"context"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"mellium.im/xmpp/jid"

	"github.com/rosterim/roster/internal/logging"
	"github.com/rosterim/roster/internal/xcore/presence"
	"github.com/rosterim/roster/internal/xcore/roster"
	"github.com/rosterim/roster/internal/xcore/session"
	"github.com/rosterim/roster/internal/xcore/stanza"
)

type fakeTransport struct {
	sent []*stanza.Node
	ch   chan *stanza.Node
	done chan error
	self jid.JID
}

func (f *fakeTransport) Send(n *stanza.Node) error { f.sent = append(f.sent, n); return nil }

func (f *fakeTransport) sendIQ(typ string, to jid.JID, id string, payload *stanza.Node) error {
	n := stanza.NewNode("", "iq")
	n.SetAttribute("type", typ)
	n.SetAttribute("id", id)
	if payload != nil {
		n.AppendChild(payload)
	}
	return f.Send(n)
}

func (f *fakeTransport) SendIQGet(to jid.JID, id string, p *stanza.Node) error {
	return f.sendIQ("get", to, id, p)
}
func (f *fakeTransport) SendIQSet(to jid.JID, id string, p *stanza.Node) error {
	return f.sendIQ("set", to, id, p)
}
func (f *fakeTransport) SendIQResult(to jid.JID, id string, p *stanza.Node) error {
	return f.sendIQ("result", to, id, p)
}
func (f *fakeTransport) Stanzas() <-chan *stanza.Node { return f.ch }
func (f *fakeTransport) Done() <-chan error           { return f.done }
func (f *fakeTransport) LocalJID() jid.JID            { return f.self }
func (f *fakeTransport) Close() error                 { return nil }

func newCtx(t *testing.T) (*Context, *fakeTransport) {
	t.Helper()
	self, _ := jid.Parse("me@example.com/console")
	ft := &fakeTransport{ch: make(chan *stanza.Node, 1), done: make(chan error, 1), self: self}
	log, err := logging.New(logging.Config{Level: "error", File: filepath.Join(t.TempDir(), "t.log")})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	s := session.New(session.Config{JID: "me@example.com"},
		func(context.Context) (session.Transport, error) { return ft, nil }, log)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return &Context{Session: s}, ft
}

func mustJID(t *testing.T, s string) jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	if err != nil {
		t.Fatalf("jid %q: %v", s, err)
	}
	return j
}

func lastSent(ft *fakeTransport, local string) *stanza.Node {
	for i := len(ft.sent) - 1; i >= 0; i-- {
		if ft.sent[i].Name.Local == local {
			return ft.sent[i]
		}
	}
	return nil
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		in       string
		n        int
		wantArgs []string
		wantRest string
	}{
		{"say_to alice@ex hello there world", 1, []string{"say_to"}, "alice@ex hello there world"},
		{"status dnd in a meeting", 1, []string{"status"}, "dnd in a meeting"},
		{"one two", 3, []string{"one", "two"}, ""},
		{"  padded   args  left ", 2, []string{"padded", "args"}, "left "},
		{"", 1, nil, ""},
	}
	for _, tt := range tests {
		args, rest := splitArgs(tt.in, tt.n)
		if !reflect.DeepEqual(args, tt.wantArgs) || rest != tt.wantRest {
			t.Errorf("splitArgs(%q, %d) = %v, %q; want %v, %q", tt.in, tt.n, args, rest, tt.wantArgs, tt.wantRest)
		}
	}
}

func TestQuitCode(t *testing.T) {
	c, _ := newCtx(t)
	code, err := Execute(c, "quit")
	if err != nil || code != CodeQuit {
		t.Fatalf("quit = %d, %v; want %d, nil", code, err, CodeQuit)
	}
}

func TestUnknownVerb(t *testing.T) {
	c, _ := newCtx(t)
	if _, err := Execute(c, "frobnicate"); err == nil {
		t.Fatalf("unknown verb must error")
	}
}

func TestStatusSetsWantedAndBroadcasts(t *testing.T) {
	c, ft := newCtx(t)
	if _, err := Execute(c, "status dnd in a meeting"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := c.Session.Presence.Wanted(); got.Show != presence.ShowDoNotDisturb || got.Message != "in a meeting" {
		t.Fatalf("wanted = %+v", got)
	}
	p := lastSent(ft, "presence")
	if p.ChildText("show") != "dnd" || p.ChildText("status") != "in a meeting" {
		t.Fatalf("broadcast presence wrong: %+v", p)
	}
}

func TestStatusRejectsUnknown(t *testing.T) {
	c, _ := newCtx(t)
	if _, err := Execute(c, "status sleeping"); err == nil {
		t.Fatalf("bad imstatus must error")
	}
}

func TestSayRequiresSelection(t *testing.T) {
	c, _ := newCtx(t)
	if _, err := Execute(c, "say hello"); err == nil {
		t.Fatalf("say without a selected buddy must error")
	}
}

func TestSayToSendsChat(t *testing.T) {
	c, ft := newCtx(t)
	if _, err := Execute(c, "say_to alice@ex hello there"); err != nil {
		t.Fatalf("say_to: %v", err)
	}
	m := lastSent(ft, "message")
	if typ, _ := m.Attribute("type"); typ != "chat" {
		t.Fatalf("type = %q", typ)
	}
	if m.ChildText("body") != "hello there" {
		t.Fatalf("body = %q (free text must not be tokenized)", m.ChildText("body"))
	}
}

func TestSayToRoomUsesGroupchat(t *testing.T) {
	c, ft := newCtx(t)
	room := mustJID(t, "dev@conf.ex")
	c.Session.Roster.Add(&roster.Entry{JID: room, Kind: roster.KindRoom, Nick: "me"})

	if _, err := Execute(c, "say_to dev@conf.ex release is out"); err != nil {
		t.Fatalf("say_to: %v", err)
	}
	m := lastSent(ft, "message")
	if typ, _ := m.Attribute("type"); typ != "groupchat" {
		t.Fatalf("room messages must be groupchat, got %q", typ)
	}
}

func TestMsayFlow(t *testing.T) {
	c, ft := newCtx(t)
	c.Current = mustJID(t, "alice@ex")
	c.Session.Roster.Add(&roster.Entry{JID: c.Current, Kind: roster.KindUser})

	if _, err := Execute(c, "msay begin"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !c.MsayActive() {
		t.Fatalf("composer should be active")
	}
	c.AppendMsayLine("first line")
	c.AppendMsayLine("second line")
	if _, err := Execute(c, "msay send"); err != nil {
		t.Fatalf("send: %v", err)
	}
	m := lastSent(ft, "message")
	if m.ChildText("body") != "first line\nsecond line" {
		t.Fatalf("body = %q", m.ChildText("body"))
	}
	if c.MsayActive() {
		t.Fatalf("composer should be closed after send")
	}
}

func TestMsayAbort(t *testing.T) {
	c, _ := newCtx(t)
	c.Current = mustJID(t, "alice@ex")
	_, _ = Execute(c, "msay begin")
	c.AppendMsayLine("draft")
	_, _ = Execute(c, "msay abort")
	if c.MsayActive() {
		t.Fatalf("abort must close the composer")
	}
	if _, err := Execute(c, "msay send"); err == nil {
		t.Fatalf("send after abort must error")
	}
}

func TestRoomJoinParsesArgs(t *testing.T) {
	c, ft := newCtx(t)
	if _, err := Execute(c, "room join dev@conf.ex alice secret"); err != nil {
		t.Fatalf("room join: %v", err)
	}
	p := lastSent(ft, "presence")
	if to, _ := p.Attribute("to"); to != "dev@conf.ex/alice" {
		t.Fatalf("join to = %q", to)
	}
	x := p.ChildInNS("http://jabber.org/protocol/muc", "x")
	if x == nil || x.ChildText("password") != "secret" {
		t.Fatalf("join payload wrong: %+v", p)
	}
}

func TestRoomVerbsRequireRoomSelection(t *testing.T) {
	c, _ := newCtx(t)
	c.Current = mustJID(t, "alice@ex")
	c.Session.Roster.Add(&roster.Entry{JID: c.Current, Kind: roster.KindUser})
	if _, err := Execute(c, "room topic new topic"); err == nil {
		t.Fatalf("room verbs on a non-room buddy must error")
	}
}

func TestEventUnknownID(t *testing.T) {
	c, _ := newCtx(t)
	if _, err := Execute(c, "event nope accept"); err == nil {
		t.Fatalf("unknown event id must error")
	}
}

func TestAuthorizationRequest(t *testing.T) {
	c, ft := newCtx(t)
	if _, err := Execute(c, "authorization request bob@ex"); err != nil {
		t.Fatalf("authorization: %v", err)
	}
	p := lastSent(ft, "presence")
	typ, _ := p.Attribute("type")
	to, _ := p.Attribute("to")
	if typ != "subscribe" || to != "bob@ex" {
		t.Fatalf("presence = type %q to %q", typ, to)
	}
}

func TestRequestVersion(t *testing.T) {
	c, ft := newCtx(t)
	if _, err := Execute(c, "request version bob@ex/mob"); err != nil {
		t.Fatalf("request: %v", err)
	}
	iqNode := lastSent(ft, "iq")
	if iqNode.ChildInNS("jabber:iq:version", "query") == nil {
		t.Fatalf("no version query sent: %+v", iqNode)
	}
}

func TestRawXML(t *testing.T) {
	c, ft := newCtx(t)
	if _, err := Execute(c, "rawxml send <message to='x@y'><body>raw</body></message>"); err != nil {
		t.Fatalf("rawxml: %v", err)
	}
	m := lastSent(ft, "message")
	if m == nil || m.ChildText("body") != "raw" {
		t.Fatalf("raw xml not sent verbatim: %+v", m)
	}
	if _, err := Execute(c, "rawxml send not-xml"); err == nil {
		t.Fatalf("bad raw xml must error")
	}
}

func TestBufferVerbs(t *testing.T) {
	c, _ := newCtx(t)
	alice := mustJID(t, "alice@ex")
	c.Current = alice
	c.Session.Roster.Add(&roster.Entry{JID: alice, Kind: roster.KindUser})
	b := c.Session.Buffer(alice)
	for i := 0; i < 30; i++ {
		c.Session.InfoLine(alice, strings.Repeat("x", 10))
	}

	if _, err := Execute(c, "buffer top"); err != nil {
		t.Fatalf("buffer top: %v", err)
	}
	if !b.Locked() {
		t.Fatalf("scrolling to the top must lock the view")
	}
	if _, err := Execute(c, "buffer bottom"); err != nil {
		t.Fatalf("buffer bottom: %v", err)
	}
	if b.Locked() {
		t.Fatalf("bottom must unlock")
	}
	if _, err := Execute(c, "buffer clear"); err != nil {
		t.Fatalf("buffer clear: %v", err)
	}
	if !b.Cleared() {
		t.Fatalf("clear flag not set")
	}
	if _, err := Execute(c, "buffer %"); err == nil {
		t.Fatalf("percent without a number must error")
	}
}
