// Package roster implements the contact-list model: bare/full JID
// semantics, per-resource presence/role/affiliation, subscription
// state, and the lazily-rebuilt flattened "buddylist" view with a
// cursor and an alternate (previous cursor) for jump-back.
package roster

import (
	"sort"
	"strings"
	"time"

	"mellium.im/xmpp/jid"
)

// Kind is the tagged-variant discriminator for a roster entry
// (DESIGN NOTES: "replace the type-tagged roster record with a tagged
// variant whose per-variant payload holds only the fields that variant
// needs").
type Kind int

const (
	KindUser Kind = iota
	KindAgent
	KindRoom
	KindGroup
	KindSpecial
)

// Subscription is the XMPP subscription state.
type Subscription int

const (
	SubNone Subscription = iota
	SubTo
	SubFrom
	SubBoth
)

// Show is a resource's presence show value.
type Show int

const (
	ShowOffline Show = iota
	ShowAvailable
	ShowFreeForChat
	ShowDoNotDisturb
	ShowNotAvailable
	ShowAway
	ShowInvisible
)

// Role is a MUC role (only meaningful on room-entry resources).
type Role int

const (
	RoleNone Role = iota
	RoleVisitor
	RoleParticipant
	RoleModerator
)

// Affiliation is a MUC affiliation (only meaningful on room-entry resources).
type Affiliation int

const (
	AffilNone Affiliation = iota
	AffilOutcast
	AffilMember
	AffilAdmin
	AffilOwner
)

// Flags is a bitset of per-entry UI flags.
type Flags uint8

const (
	FlagMsgPending Flags = 1 << iota
	FlagGroupHidden
	FlagLockInBuddylist
	FlagUserLock
)

// ChatStateCapability tracks whether a peer supports XEP-0085.
type ChatStateCapability int

const (
	CapUnknown ChatStateCapability = iota
	CapProbed
	CapOK
	CapNone
)

// Resource is one connected client of a roster entry.
type Resource struct {
	Name        string
	Priority    int8
	Status      Show
	StatusMsg   string
	Since       time.Time
	Role        Role
	Affiliation Affiliation
	RealJID     jid.JID // disclosed real JID, MUC only
	ChatState   ChatStateCapability
	CapsHash    string
	PGPKeyID    string
	PGPVerified string // last signature-verification summary
}

// Entry is one roster record. Only User and Room variants carry
// resources; operations that need them are defined as methods that no-op
// (or are simply not meaningful) on other kinds, matching DESIGN NOTES'
// "operations like get-resources are defined only on the user and room
// variants".
type Entry struct {
	JID          jid.JID // bare
	Kind         Kind
	Name         string
	Group        string // single group; "" means ungrouped
	Subscription Subscription
	Pending      bool // ask=subscribe overlay
	Flags        Flags
	Priority     int // UI-priority for ordering unread notifications
	OnServer     bool
	Resources    map[string]*Resource

	// Room-only:
	Nick      string
	Topic     string
	TopicBy   string
	JoinPolicy string // "", "none", "joins", "all", "default"
}

func bareKey(j jid.JID) string {
	return strings.ToLower(j.Bare().String())
}

// EffectiveStatus returns the entry's overall status: offline if no
// resources, else the status of the current (highest priority) resource.
func (e *Entry) EffectiveStatus() Show {
	r := e.Current()
	if r == nil {
		return ShowOffline
	}
	return r.Status
}

// Current returns the "current" resource used as the send target: the
// highest-priority resource, ties broken by most recently updated.
func (e *Entry) Current() *Resource {
	var best *Resource
	for _, r := range e.Resources {
		if best == nil ||
			r.Priority > best.Priority ||
			(r.Priority == best.Priority && r.Since.After(best.Since)) {
			best = r
		}
	}
	return best
}

// Joined reports whether a room entry currently has any resources (the
// spec's "presence of any resource means inside the room").
func (e *Entry) Joined() bool {
	return len(e.Resources) > 0
}

// Roster is the full contact-list model for one session.
type Roster struct {
	entries map[string]*Entry // bareKey -> entry

	buddylistDirty bool
	buddylist      []*Entry
	cursor         int // index into buddylist, -1 if empty
	alternate      int

	ShowOfflineBuddies bool
}

// New creates an empty roster.
func New() *Roster {
	return &Roster{entries: make(map[string]*Entry), cursor: -1, alternate: -1}
}

// Add inserts a new entry. Returns false if the bare JID already exists
// (invariant: a bare JID appears at most once).
func (r *Roster) Add(e *Entry) bool {
	key := bareKey(e.JID)
	if _, exists := r.entries[key]; exists {
		return false
	}
	if e.Resources == nil {
		e.Resources = make(map[string]*Resource)
	}
	r.entries[key] = e
	r.markDirty()
	return true
}

// Remove deletes the entry for bare JID j, if present.
func (r *Roster) Remove(j jid.JID) {
	key := bareKey(j)
	if e, ok := r.entries[key]; ok {
		delete(r.entries, key)
		r.markDirty()
		r.foldGroupPending(e.Group)
	}
}

// Get looks up an entry by bare JID.
func (r *Roster) Get(j jid.JID) *Entry {
	return r.entries[bareKey(j)]
}

// GetByName looks up the first entry whose display name matches.
func (r *Roster) GetByName(name string) *Entry {
	for _, e := range r.entries {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// SetResource adds or updates a resource on a user/room entry and marks
// the buddylist for rebuild, since presence changes can affect
// visibility. The group's msg_pending fold is left unchanged.
func (r *Roster) SetResource(j jid.JID, res Resource) {
	e := r.Get(j)
	if e == nil {
		return
	}
	if e.Resources == nil {
		e.Resources = make(map[string]*Resource)
	}
	cp := res
	e.Resources[res.Name] = &cp
	r.markDirty()
}

// RemoveResource deletes one named resource; removing the last resource
// makes the entry effectively offline (spec invariant).
func (r *Roster) RemoveResource(j jid.JID, name string) {
	e := r.Get(j)
	if e == nil {
		return
	}
	delete(e.Resources, name)
	r.markDirty()
}

// RemoveAllResources clears every resource (used for "went offline" / MUC
// leave): the presence of any resource is the room's "joined" signal.
func (r *Roster) RemoveAllResources(j jid.JID) {
	e := r.Get(j)
	if e == nil {
		return
	}
	e.Resources = make(map[string]*Resource)
	r.markDirty()
}

// UpdateSubscription applies a server-pushed roster item's subscription
// state. A "remove" ask state deletes the entry — the model never
// originates removal itself, only reacts to it.
func (r *Roster) UpdateSubscription(j jid.JID, sub Subscription, pending bool, removed bool) {
	if removed {
		r.Remove(j)
		return
	}
	e := r.Get(j)
	if e == nil {
		return
	}
	e.Subscription = sub
	e.Pending = pending
	r.markDirty()
}

// SetFlags ORs flags onto the entry and folds the change into its group.
func (r *Roster) SetFlags(j jid.JID, flags Flags) {
	e := r.Get(j)
	if e == nil {
		return
	}
	e.Flags |= flags
	r.foldGroupPending(e.Group)
	r.markDirty()
}

// ClearFlags clears flags on the entry and re-folds its group.
func (r *Roster) ClearFlags(j jid.JID, flags Flags) {
	e := r.Get(j)
	if e == nil {
		return
	}
	e.Flags &^= flags
	r.foldGroupPending(e.Group)
	r.markDirty()
}

// foldGroupPending recomputes a group entry's FlagMsgPending as the OR
// of its members' FlagMsgPending.
func (r *Roster) foldGroupPending(groupName string) {
	if groupName == "" {
		return
	}
	group := r.entries[strings.ToLower(groupName)]
	if group == nil || group.Kind != KindGroup {
		return
	}
	any := false
	for _, e := range r.entries {
		if e.Kind == KindGroup {
			continue
		}
		if e.Group == groupName && e.Flags&FlagMsgPending != 0 {
			any = true
			break
		}
	}
	if any {
		group.Flags |= FlagMsgPending
	} else {
		group.Flags &^= FlagMsgPending
	}
}

// IterateKind returns all entries whose Kind is in the mask.
func (r *Roster) IterateKind(kinds ...Kind) []*Entry {
	set := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	var out []*Entry
	for _, e := range r.entries {
		if set[e.Kind] {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JID.String() < out[j].JID.String() })
	return out
}

// WalkGroup returns all non-group members of the named group.
func (r *Roster) WalkGroup(name string) []*Entry {
	var out []*Entry
	for _, e := range r.entries {
		if e.Kind != KindGroup && e.Group == name {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JID.String() < out[j].JID.String() })
	return out
}

func (r *Roster) markDirty() { r.buddylistDirty = true }

// rebuildBuddylist recomputes the flattened visible view, applying the
// offline filter, and keeps the cursor pinned to the same entry if it
// still exists.
func (r *Roster) rebuildBuddylist() {
	var pinned jid.JID
	hadCursor := r.cursor >= 0 && r.cursor < len(r.buddylist)
	if hadCursor {
		pinned = r.buddylist[r.cursor].JID
	}

	var list []*Entry
	for _, e := range r.entries {
		if e.Kind != KindGroup && !r.ShowOfflineBuddies && e.EffectiveStatus() == ShowOffline && e.Flags&FlagMsgPending == 0 {
			continue
		}
		if e.Group != "" {
			if group := r.entries[strings.ToLower(e.Group)]; group != nil && group.Flags&FlagGroupHidden != 0 {
				continue
			}
		}
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].JID.String() < list[j].JID.String() })
	r.buddylist = list
	r.buddylistDirty = false

	r.cursor = -1
	if hadCursor {
		for i, e := range list {
			if bareKey(e.JID) == bareKey(pinned) {
				r.cursor = i
				break
			}
		}
	}
	if r.cursor == -1 && len(list) > 0 {
		r.cursor = 0
	}
}

// Buddylist returns the flattened visible view, rebuilding it first if
// stale.
func (r *Roster) Buddylist() []*Entry {
	if r.buddylistDirty {
		r.rebuildBuddylist()
	}
	return r.buddylist
}

// Cursor returns the currently selected buddylist entry, or nil.
func (r *Roster) Cursor() *Entry {
	bl := r.Buddylist()
	if r.cursor < 0 || r.cursor >= len(bl) {
		return nil
	}
	return bl[r.cursor]
}

// SetCursor moves the cursor to the entry with bare JID j, recording the
// previous position as the alternate (for jump-back).
func (r *Roster) SetCursor(j jid.JID) bool {
	bl := r.Buddylist()
	for i, e := range bl {
		if bareKey(e.JID) == bareKey(j) {
			r.alternate = r.cursor
			r.cursor = i
			return true
		}
	}
	return false
}

// JumpAlternate swaps the cursor and alternate positions.
func (r *Roster) JumpAlternate() {
	r.cursor, r.alternate = r.alternate, r.cursor
}
