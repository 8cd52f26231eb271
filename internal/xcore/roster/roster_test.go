package roster

import (
	"testing"
	"time"

	"mellium.im/xmpp/jid"
)

func mustJID(t *testing.T, s string) jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	if err != nil {
		t.Fatalf("parse jid %q: %v", s, err)
	}
	return j
}

// Adding an entry and then removing its bare JID leaves the roster
// equivalent, ignoring transient flags, to its state before the add.
func TestAddThenRemoveLeavesRosterEquivalent(t *testing.T) {
	r := New()
	alice := mustJID(t, "alice@example.com")
	before := len(r.entries)

	ok := r.Add(&Entry{JID: alice, Kind: KindUser, Name: "Alice"})
	if !ok {
		t.Fatalf("expected add to succeed")
	}
	if r.Get(alice) == nil {
		t.Fatalf("expected entry present after add")
	}

	r.Remove(alice)
	if r.Get(alice) != nil {
		t.Fatalf("expected entry gone after remove")
	}
	if len(r.entries) != before {
		t.Fatalf("expected roster size to return to baseline, got %d want %d", len(r.entries), before)
	}
}

func TestAddRejectsDuplicateBareJID(t *testing.T) {
	r := New()
	bob := mustJID(t, "bob@example.com")
	if !r.Add(&Entry{JID: bob, Kind: KindUser}) {
		t.Fatalf("first add should succeed")
	}
	if r.Add(&Entry{JID: bob, Kind: KindUser}) {
		t.Fatalf("expected duplicate bare JID add to fail")
	}
}

// Roster population from an IQ-result with two items: one sub=both
// with no pending ask, one sub=from with a pending subscribe request.
func TestScenarioS1RosterPopulation(t *testing.T) {
	r := New()

	carol := mustJID(t, "carol@example.com")
	r.Add(&Entry{JID: carol, Kind: KindUser, Name: "Carol"})
	r.UpdateSubscription(carol, SubBoth, false, false)

	dave := mustJID(t, "dave@example.com")
	r.Add(&Entry{JID: dave, Kind: KindUser, Name: "Dave"})
	r.UpdateSubscription(dave, SubFrom, true, false)

	ce := r.Get(carol)
	if ce.Subscription != SubBoth || ce.Pending {
		t.Fatalf("expected carol sub=both, pending=false, got sub=%v pending=%v", ce.Subscription, ce.Pending)
	}
	de := r.Get(dave)
	if de.Subscription != SubFrom || !de.Pending {
		t.Fatalf("expected dave sub=from, pending=true, got sub=%v pending=%v", de.Subscription, de.Pending)
	}
}

func TestRemoveAskStateDeletesEntry(t *testing.T) {
	r := New()
	eve := mustJID(t, "eve@example.com")
	r.Add(&Entry{JID: eve, Kind: KindUser})
	r.UpdateSubscription(eve, SubNone, false, true)
	if r.Get(eve) != nil {
		t.Fatalf("expected remove ask-state to delete the entry")
	}
}

func TestOfflineWithNoResources(t *testing.T) {
	r := New()
	frank := mustJID(t, "frank@example.com")
	r.Add(&Entry{JID: frank, Kind: KindUser})
	e := r.Get(frank)
	if e.EffectiveStatus() != ShowOffline {
		t.Fatalf("expected offline with no resources")
	}

	r.SetResource(frank, Resource{Name: "home", Priority: 1, Status: ShowAvailable, Since: time.Now()})
	if e.EffectiveStatus() != ShowAvailable {
		t.Fatalf("expected available after adding a resource")
	}

	r.RemoveResource(frank, "home")
	if e.EffectiveStatus() != ShowOffline {
		t.Fatalf("expected offline again after removing the only resource")
	}
}

func TestCurrentResourcePicksHighestPriorityThenMostRecent(t *testing.T) {
	r := New()
	gina := mustJID(t, "gina@example.com")
	r.Add(&Entry{JID: gina, Kind: KindUser})

	now := time.Now()
	r.SetResource(gina, Resource{Name: "phone", Priority: 1, Status: ShowAway, Since: now})
	r.SetResource(gina, Resource{Name: "laptop", Priority: 5, Status: ShowAvailable, Since: now})
	r.SetResource(gina, Resource{Name: "tablet", Priority: 5, Status: ShowDoNotDisturb, Since: now.Add(time.Second)})

	e := r.Get(gina)
	cur := e.Current()
	if cur == nil || cur.Name != "tablet" {
		t.Fatalf("expected tablet (tied priority, most recent) to win, got %+v", cur)
	}
}

func TestRoomJoinedReflectsResourcePresence(t *testing.T) {
	r := New()
	room := mustJID(t, "chat@conference.example.com")
	r.Add(&Entry{JID: room, Kind: KindRoom})
	e := r.Get(room)
	if e.Joined() {
		t.Fatalf("expected room not joined with no resources")
	}
	r.SetResource(room, Resource{Name: "mynick", Role: RoleParticipant, Affiliation: AffilMember, Since: time.Now()})
	if !e.Joined() {
		t.Fatalf("expected room joined once it has an occupant resource")
	}
	r.RemoveAllResources(room)
	if e.Joined() {
		t.Fatalf("expected room not joined after all resources removed")
	}
}

func TestGroupMsgPendingFoldsMembers(t *testing.T) {
	r := New()
	group := mustJID(t, "friends@group.local")
	r.Add(&Entry{JID: group, Kind: KindGroup, Name: "friends"})

	a := mustJID(t, "a@example.com")
	b := mustJID(t, "b@example.com")
	r.Add(&Entry{JID: a, Kind: KindUser, Group: "friends@group.local"})
	r.Add(&Entry{JID: b, Kind: KindUser, Group: "friends@group.local"})

	ge := r.Get(group)
	if ge.Flags&FlagMsgPending != 0 {
		t.Fatalf("expected group not pending initially")
	}

	r.SetFlags(a, FlagMsgPending)
	if ge.Flags&FlagMsgPending == 0 {
		t.Fatalf("expected group pending once a member is pending")
	}

	r.ClearFlags(a, FlagMsgPending)
	if ge.Flags&FlagMsgPending != 0 {
		t.Fatalf("expected group pending cleared once no member is pending")
	}

	r.SetFlags(b, FlagMsgPending)
	r.Remove(b)
	if ge.Flags&FlagMsgPending != 0 {
		t.Fatalf("expected group pending re-folded after pending member removed")
	}
}

func TestBuddylistCursorAndAlternate(t *testing.T) {
	r := New()
	r.ShowOfflineBuddies = true
	a := mustJID(t, "alice@example.com")
	b := mustJID(t, "bob@example.com")
	r.Add(&Entry{JID: a, Kind: KindUser})
	r.Add(&Entry{JID: b, Kind: KindUser})

	bl := r.Buddylist()
	if len(bl) != 2 {
		t.Fatalf("expected 2 visible entries, got %d", len(bl))
	}

	if !r.SetCursor(b) {
		t.Fatalf("expected SetCursor to find bob")
	}
	if r.Cursor().JID.String() != b.String() {
		t.Fatalf("expected cursor on bob")
	}

	r.JumpAlternate()
	if r.Cursor() == nil {
		t.Fatalf("expected alternate jump to land on a valid entry")
	}
}

func TestOfflineBuddiesHiddenUnlessPending(t *testing.T) {
	r := New()
	r.ShowOfflineBuddies = false
	a := mustJID(t, "alice@example.com")
	r.Add(&Entry{JID: a, Kind: KindUser})

	if len(r.Buddylist()) != 0 {
		t.Fatalf("expected offline buddy hidden by default")
	}

	r.SetFlags(a, FlagMsgPending)
	if len(r.Buddylist()) != 1 {
		t.Fatalf("expected pending offline buddy to remain visible")
	}
}
