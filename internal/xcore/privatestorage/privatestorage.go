// Package privatestorage implements the jabber:iq:private round-trips
// for conference bookmarks and roster notes. The server-side documents
// are cached verbatim as node trees; mutations edit the cached node and
// push the whole document back with an IQ set.
package privatestorage

import (
	"time"

	"mellium.im/xmpp/jid"

	"github.com/rosterim/roster/internal/xcore/iq"
	"github.com/rosterim/roster/internal/xcore/stanza"
)

// Namespaces for the private-storage documents.
const (
	NSPrivate     = "jabber:iq:private"
	NSBookmarks   = "storage:bookmarks"
	NSRosterNotes = "storage:rosternotes"
)

const noteTimeLayout = "20060102T15:04:05Z"

// Bookmark is one conference bookmark.
type Bookmark struct {
	JID      jid.JID
	Name     string
	Nick     string
	Password string
	Autojoin bool
}

// Note is one roster annotation.
type Note struct {
	JID      string
	Text     string
	Created  time.Time
	Modified time.Time
}

// IQSender puts private-storage IQs on the wire. An empty "to" (the
// zero JID) addresses the user's own account, which is where private
// storage lives.
type IQSender interface {
	SendIQGet(to jid.JID, id string, payload *stanza.Node) error
	SendIQSet(to jid.JID, id string, payload *stanza.Node) error
}

// Store is the in-memory cache of both documents plus the fetch/push
// machinery.
type Store struct {
	iq   *iq.Correlator
	send IQSender

	bookmarks   *stanza.Node // <storage xmlns='storage:bookmarks'>, nil until fetched
	rosterNotes *stanza.Node // <storage xmlns='storage:rosternotes'>, nil until fetched
}

// New creates a store bound to the given correlator and transport.
func New(c *iq.Correlator, send IQSender) *Store {
	return &Store{iq: c, send: send}
}

func emptyStorage(ns string) *stanza.Node {
	return stanza.NewNode(ns, "storage")
}

func privateQuery(inner *stanza.Node) *stanza.Node {
	q := stanza.NewNode(NSPrivate, "query")
	q.AppendChild(inner)
	return q
}

// isItemNotFound inspects an IQ error payload for the item-not-found
// defined condition.
func isItemNotFound(payload any) bool {
	n, ok := payload.(*stanza.Node)
	if !ok || n == nil {
		return false
	}
	if e := n.Child("error"); e != nil {
		n = e
	}
	return n.Child("item-not-found") != nil
}

// fetch requests one private-storage document; done receives the cached
// node once the round trip finishes (including the not-yet-stored case,
// which yields a fresh empty document rather than an error).
func (s *Store) fetch(ns string, assign func(*stanza.Node), done func(*stanza.Node)) string {
	return s.request(stanza.NewNode(ns, "storage"), func(ctx iq.Context, payload any) {
		var doc *stanza.Node
		switch ctx {
		case iq.ContextResult:
			if n, ok := payload.(*stanza.Node); ok && n != nil {
				if q := n.ChildInNS(NSPrivate, "query"); q != nil {
					doc = q.ChildInNS(ns, "storage")
				} else {
					doc = n.ChildInNS(ns, "storage")
				}
			}
			if doc == nil {
				doc = emptyStorage(ns)
			}
		case iq.ContextError:
			if !isItemNotFound(payload) {
				return // keep whatever we had; transient server error
			}
			doc = emptyStorage(ns)
		case iq.ContextTimeout:
			return
		}
		assign(doc)
		if done != nil {
			done(doc)
		}
	}, true)
}

func (s *Store) request(inner *stanza.Node, cb iq.Callback, get bool) string {
	id := s.iq.NewRequest("priv", 0, cb)
	if s.send != nil {
		if get {
			_ = s.send.SendIQGet(jid.JID{}, id, privateQuery(inner))
		} else {
			_ = s.send.SendIQSet(jid.JID{}, id, privateQuery(inner))
		}
	}
	return id
}

// FetchBookmarks requests the bookmark document; done fires once the
// cache is populated (with autojoin handling left to the caller).
func (s *Store) FetchBookmarks(done func(bookmarks []Bookmark)) string {
	return s.fetch(NSBookmarks, func(n *stanza.Node) { s.bookmarks = n }, func(n *stanza.Node) {
		if done != nil {
			done(parseBookmarks(n))
		}
	})
}

// FetchRosterNotes requests the roster-notes document.
func (s *Store) FetchRosterNotes(done func(notes []Note)) string {
	return s.fetch(NSRosterNotes, func(n *stanza.Node) { s.rosterNotes = n }, func(n *stanza.Node) {
		if done != nil {
			done(parseNotes(n))
		}
	})
}

// Fetched reports whether both documents have completed their initial
// round trip.
func (s *Store) Fetched() bool {
	return s.bookmarks != nil && s.rosterNotes != nil
}

// Bookmarks returns the parsed cached bookmark list.
func (s *Store) Bookmarks() []Bookmark {
	if s.bookmarks == nil {
		return nil
	}
	return parseBookmarks(s.bookmarks)
}

// Notes returns the parsed cached roster-note list.
func (s *Store) Notes() []Note {
	if s.rosterNotes == nil {
		return nil
	}
	return parseNotes(s.rosterNotes)
}

// Note returns the cached note for a bare JID, or nil.
func (s *Store) Note(bare string) *Note {
	for _, n := range s.Notes() {
		if n.JID == bare {
			cp := n
			return &cp
		}
	}
	return nil
}

func parseBookmarks(storage *stanza.Node) []Bookmark {
	var out []Bookmark
	for _, c := range storage.ChildrenNamed("conference") {
		raw, _ := c.Attribute("jid")
		j, err := jid.Parse(raw)
		if err != nil {
			continue
		}
		name, _ := c.Attribute("name")
		auto, _ := c.Attribute("autojoin")
		out = append(out, Bookmark{
			JID:      j,
			Name:     name,
			Nick:     c.ChildText("nick"),
			Password: c.ChildText("password"),
			Autojoin: auto == "1" || auto == "true",
		})
	}
	return out
}

func parseNotes(storage *stanza.Node) []Note {
	var out []Note
	for _, c := range storage.ChildrenNamed("note") {
		j, _ := c.Attribute("jid")
		if j == "" {
			continue
		}
		n := Note{JID: j, Text: c.Text}
		if v, ok := c.Attribute("cdate"); ok {
			n.Created, _ = time.Parse(noteTimeLayout, v)
		}
		if v, ok := c.Attribute("mdate"); ok {
			n.Modified, _ = time.Parse(noteTimeLayout, v)
		}
		out = append(out, n)
	}
	return out
}

// SetBookmark adds or replaces the conference bookmark for bm.JID in the
// cached document and pushes it back to the server.
func (s *Store) SetBookmark(bm Bookmark, cb iq.Callback) string {
	if s.bookmarks == nil {
		s.bookmarks = emptyStorage(NSBookmarks)
	}
	s.removeConference(bm.JID)
	c := stanza.NewNode("", "conference")
	c.SetAttribute("jid", bm.JID.Bare().String())
	if bm.Name != "" {
		c.SetAttribute("name", bm.Name)
	}
	if bm.Autojoin {
		c.SetAttribute("autojoin", "1")
	}
	if bm.Nick != "" {
		nick := stanza.NewNode("", "nick")
		nick.Text = bm.Nick
		c.AppendChild(nick)
	}
	if bm.Password != "" {
		pw := stanza.NewNode("", "password")
		pw.Text = bm.Password
		c.AppendChild(pw)
	}
	s.bookmarks.AppendChild(c)
	return s.push(s.bookmarks, cb)
}

// RemoveBookmark deletes the conference bookmark for room and pushes the
// document. Removing an absent bookmark still pushes (mirroring the
// read-modify-write contract, not optimizing it).
func (s *Store) RemoveBookmark(room jid.JID, cb iq.Callback) string {
	if s.bookmarks == nil {
		s.bookmarks = emptyStorage(NSBookmarks)
	}
	s.removeConference(room)
	return s.push(s.bookmarks, cb)
}

func (s *Store) removeConference(room jid.JID) {
	bare := room.Bare().String()
	kept := s.bookmarks.Children[:0]
	for _, c := range s.bookmarks.Children {
		if c.Name.Local == "conference" {
			if j, _ := c.Attribute("jid"); j == bare {
				continue
			}
		}
		kept = append(kept, c)
	}
	s.bookmarks.Children = kept
}

// SetNote adds or replaces the note for a bare JID and pushes the
// document. An empty text removes the note instead.
func (s *Store) SetNote(bare, text string, now time.Time, cb iq.Callback) string {
	if s.rosterNotes == nil {
		s.rosterNotes = emptyStorage(NSRosterNotes)
	}
	var created time.Time
	if existing := s.Note(bare); existing != nil {
		created = existing.Created
	}
	s.removeNote(bare)
	if text != "" {
		if created.IsZero() {
			created = now
		}
		n := stanza.NewNode("", "note")
		n.SetAttribute("jid", bare)
		n.SetAttribute("cdate", created.UTC().Format(noteTimeLayout))
		n.SetAttribute("mdate", now.UTC().Format(noteTimeLayout))
		n.Text = text
		s.rosterNotes.AppendChild(n)
	}
	return s.push(s.rosterNotes, cb)
}

func (s *Store) removeNote(bare string) {
	kept := s.rosterNotes.Children[:0]
	for _, c := range s.rosterNotes.Children {
		if c.Name.Local == "note" {
			if j, _ := c.Attribute("jid"); j == bare {
				continue
			}
		}
		kept = append(kept, c)
	}
	s.rosterNotes.Children = kept
}

func (s *Store) push(doc *stanza.Node, cb iq.Callback) string {
	return s.request(doc, cb, false)
}

// JoinNick resolves the nickname to use for an autojoin: the bookmark's
// own nick, else the configured default, else the local part of the
// user's JID.
func JoinNick(bm Bookmark, defaultNick string, self jid.JID) string {
	if bm.Nick != "" {
		return bm.Nick
	}
	if defaultNick != "" {
		return defaultNick
	}
	return self.Localpart()
}
