package muc

import (
	"testing"

	"mellium.im/xmpp/jid"

	"github.com/rosterim/roster/internal/xcore/iq"
	"github.com/rosterim/roster/internal/xcore/roster"
	"github.com/rosterim/roster/internal/xcore/stanza"
)

type sentIQ struct {
	to      jid.JID
	id      string
	payload *stanza.Node
}

type fakeSender struct {
	sent []sentIQ
}

func (f *fakeSender) SendIQSet(to jid.JID, id string, payload *stanza.Node) error {
	f.sent = append(f.sent, sentIQ{to: to, id: id, payload: payload})
	return nil
}

func mustJID(t *testing.T, s string) jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	if err != nil {
		t.Fatalf("parse jid %q: %v", s, err)
	}
	return j
}

func newEngine(t *testing.T, policy PrintPolicy) (*Engine, *roster.Roster, *fakeSender) {
	t.Helper()
	r := roster.New()
	s := &fakeSender{}
	return New(r, iq.New(), s, policy), r, s
}

func TestJoinCreatesRoomEntry(t *testing.T) {
	e, r, _ := newEngine(t, PrintDefault)
	room := mustJID(t, "foo@conf.example.com")

	entry := e.Join(room, "alice")
	if entry == nil || entry.Kind != roster.KindRoom {
		t.Fatalf("expected a room entry, got %+v", entry)
	}
	if entry.Nick != "alice" {
		t.Fatalf("nick = %q, want alice", entry.Nick)
	}
	if got := r.Get(room); got != entry {
		t.Fatalf("room entry not registered in roster")
	}
	if entry.Joined() {
		t.Fatalf("entry must not be joined before the self-presence echo")
	}
}

func TestJoinPromotesExistingEntryToRoom(t *testing.T) {
	e, r, _ := newEngine(t, PrintDefault)
	room := mustJID(t, "foo@conf.example.com")
	r.Add(&roster.Entry{JID: room, Kind: roster.KindUser})

	e.Join(room, "alice")
	if got := r.Get(room); got.Kind != roster.KindRoom {
		t.Fatalf("existing entry was not promoted to room, kind=%v", got.Kind)
	}
}

// Nickname conflict on an unjoined room must add no resource and clear
// the stored nick; the same conflict while joined keeps both.
func TestNicknameConflict(t *testing.T) {
	e, r, _ := newEngine(t, PrintDefault)
	room := mustJID(t, "foo@conf.example.com")

	e.Join(room, "alice")
	e.ApplyPresence(room, "alice", roster.Resource{}, ErrorNicknameInUse)

	entry := r.Get(room)
	if entry.Joined() {
		t.Fatalf("conflict must not add resources")
	}
	if entry.Nick != "" {
		t.Fatalf("nick should be cleared when not yet inside, got %q", entry.Nick)
	}

	// Join successfully, then fail a nick change: nick and occupancy stay.
	e.Join(room, "alice")
	e.ApplyPresence(room, "alice", roster.Resource{Role: roster.RoleParticipant}, ErrorNone)
	e.ApplyPresence(room, "alice2", roster.Resource{}, ErrorNicknameInUse)
	entry = r.Get(room)
	if !entry.Joined() {
		t.Fatalf("in-room conflict must not clear occupancy")
	}
	if entry.Nick != "alice" {
		t.Fatalf("in-room conflict must not clear stored nick, got %q", entry.Nick)
	}
}

func TestApplyPresenceTracksOccupants(t *testing.T) {
	e, r, _ := newEngine(t, PrintDefault)
	room := mustJID(t, "foo@conf.example.com")
	e.Join(room, "alice")

	real := mustJID(t, "bob@example.com/home")
	e.ApplyPresence(room, "bob", roster.Resource{
		Role:        roster.RoleModerator,
		Affiliation: roster.AffilAdmin,
		RealJID:     real,
	}, ErrorNone)

	entry := r.Get(room)
	occ, ok := entry.Resources["bob"]
	if !ok {
		t.Fatalf("occupant bob not tracked")
	}
	if occ.Role != roster.RoleModerator || occ.Affiliation != roster.AffilAdmin {
		t.Fatalf("role/affiliation not stored: %+v", occ)
	}
	if occ.RealJID.String() != real.String() {
		t.Fatalf("real JID not stored: %v", occ.RealJID)
	}
}

func TestPrintPolicy(t *testing.T) {
	tests := []struct {
		name        string
		policy      PrintPolicy
		rejoin      bool // apply the same nick twice
		wantFirst   bool
		wantRepeat  bool
	}{
		{"none", PrintNone, true, false, false},
		{"joins", PrintJoins, true, true, false},
		{"all", PrintAll, true, true, true},
		{"default", PrintDefault, true, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _ := newEngine(t, tt.policy)
			room := mustJID(t, "foo@conf.example.com")
			e.Join(room, "me")
			e.ApplyPresence(room, "me", roster.Resource{}, ErrorNone)

			got := e.ApplyPresence(room, "bob", roster.Resource{}, ErrorNone)
			if got != tt.wantFirst {
				t.Errorf("first join print = %v, want %v", got, tt.wantFirst)
			}
			got = e.ApplyPresence(room, "bob", roster.Resource{Status: roster.ShowAway}, ErrorNone)
			if got != tt.wantRepeat {
				t.Errorf("repeat presence print = %v, want %v", got, tt.wantRepeat)
			}
		})
	}
}

func TestPerRoomPolicyOverridesDefault(t *testing.T) {
	e, _, _ := newEngine(t, PrintAll)
	room := mustJID(t, "quiet@conf.example.com")
	e.SetRoomPrintPolicy(room, PrintNone)
	e.Join(room, "me")
	if e.ApplyPresence(room, "me", roster.Resource{}, ErrorNone) {
		t.Fatalf("per-room none policy should suppress the join line")
	}
}

func TestLeaveClearsResourcesKeepsEntry(t *testing.T) {
	e, r, _ := newEngine(t, PrintDefault)
	room := mustJID(t, "foo@conf.example.com")
	e.Join(room, "alice")
	e.ApplyPresence(room, "alice", roster.Resource{}, ErrorNone)
	e.ApplyPresence(room, "bob", roster.Resource{}, ErrorNone)

	e.Leave(room)
	entry := r.Get(room)
	if entry == nil {
		t.Fatalf("leave must keep the room entry")
	}
	if entry.Joined() {
		t.Fatalf("leave must clear all resources")
	}
	if entry.Nick != "alice" {
		t.Fatalf("leave must keep the stored nick for rejoining")
	}
}

func TestSetTopicAttachesToEntry(t *testing.T) {
	e, r, _ := newEngine(t, PrintDefault)
	room := mustJID(t, "foo@conf.example.com")
	e.Join(room, "alice")
	e.SetTopic(room, "release planning", "bob")

	entry := r.Get(room)
	if entry.Topic != "release planning" || entry.TopicBy != "bob" {
		t.Fatalf("topic not attached: %q by %q", entry.Topic, entry.TopicBy)
	}
}

func TestNickChangeOKRenamesOccupant(t *testing.T) {
	e, r, _ := newEngine(t, PrintDefault)
	room := mustJID(t, "foo@conf.example.com")
	e.Join(room, "alice")
	e.ApplyPresence(room, "alice", roster.Resource{Role: roster.RoleParticipant}, ErrorNone)

	e.NickChangeOK(room, "alice", "alicia")
	entry := r.Get(room)
	if _, ok := entry.Resources["alice"]; ok {
		t.Fatalf("old nick resource should be gone")
	}
	occ, ok := entry.Resources["alicia"]
	if !ok || occ.Role != roster.RoleParticipant {
		t.Fatalf("renamed occupant missing or lost role: %+v", occ)
	}
	if entry.Nick != "alicia" {
		t.Fatalf("stored nick not updated, got %q", entry.Nick)
	}
}

func TestKickBuildsAdminItem(t *testing.T) {
	e, _, s := newEngine(t, PrintDefault)
	room := mustJID(t, "foo@conf.example.com")

	id := e.Kick(room, "troll", "spamming", nil)
	if id == "" {
		t.Fatalf("expected an allocated IQ id")
	}
	if len(s.sent) != 1 {
		t.Fatalf("expected one IQ on the wire, got %d", len(s.sent))
	}
	sent := s.sent[0]
	if sent.to.String() != room.Bare().String() {
		t.Fatalf("admin IQ scoped to %v, want room bare JID", sent.to)
	}
	if sent.payload.Name.Space != NSMUCAdmin || sent.payload.Name.Local != "query" {
		t.Fatalf("payload is %v, want muc#admin query", sent.payload.Name)
	}
	item := sent.payload.Child("item")
	if item == nil {
		t.Fatalf("admin query has no item child")
	}
	if v, _ := item.Attribute("nick"); v != "troll" {
		t.Errorf("item nick = %q", v)
	}
	if v, _ := item.Attribute("role"); v != "none" {
		t.Errorf("item role = %q, want none", v)
	}
	if item.ChildText("reason") != "spamming" {
		t.Errorf("reason = %q", item.ChildText("reason"))
	}
}

func TestBanUsesOutcastAffiliation(t *testing.T) {
	e, _, s := newEngine(t, PrintDefault)
	room := mustJID(t, "foo@conf.example.com")
	who := mustJID(t, "troll@example.com/x")

	e.Ban(room, who, "", nil)
	item := s.sent[0].payload.Child("item")
	if v, _ := item.Attribute("affiliation"); v != "outcast" {
		t.Fatalf("affiliation = %q, want outcast", v)
	}
	if v, _ := item.Attribute("jid"); v != "troll@example.com" {
		t.Fatalf("jid = %q, want bare troll@example.com", v)
	}
}

func TestAdminIQsResolveThroughCorrelator(t *testing.T) {
	r := roster.New()
	c := iq.New()
	s := &fakeSender{}
	e := New(r, c, s, PrintDefault)
	room := mustJID(t, "foo@conf.example.com")

	var gotCtx iq.Context
	fired := 0
	id := e.SetRole(room, "bob", roster.RoleModerator, "", func(ctx iq.Context, payload any) {
		fired++
		gotCtx = ctx
	})

	if !c.Resolve(id, iq.ContextResult, nil) {
		t.Fatalf("correlator does not know the admin IQ id %q", id)
	}
	if fired != 1 || gotCtx != iq.ContextResult {
		t.Fatalf("callback fired=%d ctx=%v", fired, gotCtx)
	}
}

func TestJoinPresenceShape(t *testing.T) {
	room := mustJID(t, "foo@conf.example.com")
	p := JoinPresence(room, "alice", "hunter2")
	if to, _ := p.Attribute("to"); to != "foo@conf.example.com/alice" {
		t.Fatalf("join presence to = %q", to)
	}
	x := p.ChildInNS(NSMUC, "x")
	if x == nil {
		t.Fatalf("join presence missing muc x child")
	}
	if x.ChildText("password") != "hunter2" {
		t.Fatalf("password not carried")
	}

	open := JoinPresence(room, "alice", "")
	if open.ChildInNS(NSMUC, "x").Child("password") != nil {
		t.Fatalf("passwordless join must not carry a password element")
	}
}

func TestInviteMessageShape(t *testing.T) {
	room := mustJID(t, "foo@conf.example.com")
	who := mustJID(t, "carol@example.com/desk")
	m := InviteMessage(room, who, "join us")
	x := m.ChildInNS(NSMUCUser, "x")
	if x == nil {
		t.Fatalf("invite missing muc#user x child")
	}
	inv := x.Child("invite")
	if inv == nil {
		t.Fatalf("invite child missing")
	}
	if to, _ := inv.Attribute("to"); to != "carol@example.com" {
		t.Fatalf("invite to = %q", to)
	}
	if inv.ChildText("reason") != "join us" {
		t.Fatalf("reason not carried")
	}
}
