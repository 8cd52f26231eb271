package session

import (
	"bufio"
	"os"
	"strings"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/rosterim/roster/internal/hbuf"
	"github.com/rosterim/roster/internal/histolog"
	"github.com/rosterim/roster/internal/xcore/roster"
)

// StatusBufferJID is the synthetic bare JID of the status buffer.
const StatusBufferJID = "status"

func bareKey(j jid.JID) string {
	return strings.ToLower(j.Bare().String())
}

// Buffer returns the scrollback for a bare JID, creating it (and
// replaying its on-disk history) on first open.
func (s *Session) Buffer(j jid.JID) *hbuf.Buffer {
	return s.bufferFor(bareKey(j))
}

// StatusBuffer returns the synthetic status buffer.
func (s *Session) StatusBuffer() *hbuf.Buffer {
	return s.bufferFor(StatusBufferJID)
}

func (s *Session) bufferFor(bare string) *hbuf.Buffer {
	if b, ok := s.buffers[bare]; ok {
		return b
	}
	b := hbuf.New(s.cfg.MaxHistoryBlocks)
	s.buffers[bare] = b

	if bare != StatusBufferJID && s.cfg.HistoryDir != "" {
		err := s.Hist.Replay(bare, b, s.width, func(r histolog.Record) (hbuf.Flags, int) {
			switch {
			case r.Kind == histolog.KindStatus:
				return hbuf.FlagSpecial, 0
			case r.Info == histolog.InfoSend:
				return hbuf.FlagOut, 0
			case r.Info == histolog.InfoMessage:
				return hbuf.FlagInfo, 0
			default:
				return hbuf.FlagIn, 0
			}
		}, func(lineNo int, err error) {
			s.log.Warn("histolog %s line %d: %v", bare, lineNo, err)
		})
		if err != nil {
			s.log.Warn("histolog replay %s: %v", bare, err)
		}
	}
	return b
}

// CloseBuffer purges a conversation's scrollback; the on-disk log is
// untouched and will be replayed on the next open.
func (s *Session) CloseBuffer(j jid.JID) {
	delete(s.buffers, bareKey(j))
}

// Resize re-wraps every live buffer at the new display width.
func (s *Session) Resize(width int) {
	if width <= 0 || width == s.width {
		return
	}
	s.width = width
	for _, b := range s.buffers {
		b.Rebuild(width)
	}
}

// Width returns the current wrap width.
func (s *Session) Width() int { return s.width }

// appendLine writes one line to a buffer and notifies the renderer.
func (s *Session) appendLine(bare, text string, ts time.Time, flags hbuf.Flags, nickLen int) {
	if ts.IsZero() {
		ts = time.Now()
	}
	b := s.bufferFor(bare)
	b.Append(text, ts, flags, s.width, s.cfg.MaxHistoryBlocks, nickLen)
	s.emit(Event{Kind: EventBufferChanged, JID: bare})
}

// LogStatus writes one informational line to the status buffer.
func (s *Session) LogStatus(text string) {
	s.appendLine(StatusBufferJID, text, time.Now(), hbuf.FlagSpecial|hbuf.FlagInfo, 0)
	if s.log != nil {
		s.log.Info("%s", text)
	}
}

// markUnread raises the msg_pending flag for a bare JID, tracking it in
// the unread set even when the contact is not (yet) on the roster.
func (s *Session) markUnread(j jid.JID) {
	bare := bareKey(j)
	s.unread[bare] = true
	if e := s.Roster.Get(j); e != nil {
		s.Roster.SetFlags(j, roster.FlagMsgPending)
		s.emit(Event{Kind: EventRosterChanged})
	}
	s.saveUnreadFile()
}

// MarkRead clears the unread state, typically when the UI focuses the
// conversation.
func (s *Session) MarkRead(j jid.JID) {
	bare := bareKey(j)
	if !s.unread[bare] {
		return
	}
	delete(s.unread, bare)
	if e := s.Roster.Get(j); e != nil {
		s.Roster.ClearFlags(j, roster.FlagMsgPending)
		s.emit(Event{Kind: EventRosterChanged})
	}
	s.saveUnreadFile()
}

// HasUnread reports the unread state for a bare JID.
func (s *Session) HasUnread(j jid.JID) bool {
	return s.unread[bareKey(j)]
}

// applyPendingUnread re-applies stored unread marks to an entry that
// just appeared on the roster (e.g. added after a restart while a
// message was waiting).
func (s *Session) applyPendingUnread(j jid.JID) {
	if s.unread[bareKey(j)] {
		s.Roster.SetFlags(j, roster.FlagMsgPending)
	}
}

// loadUnreadFile reads the session file listing bare JIDs with unread
// messages, consulted only at startup.
func (s *Session) loadUnreadFile() {
	if s.cfg.UnreadFile == "" {
		return
	}
	f, err := os.Open(s.cfg.UnreadFile)
	if err != nil {
		return
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			s.unread[strings.ToLower(line)] = true
		}
	}
}

// saveUnreadFile rewrites the session file with the current unread set.
func (s *Session) saveUnreadFile() {
	if s.cfg.UnreadFile == "" {
		return
	}
	var sb strings.Builder
	for bare := range s.unread {
		sb.WriteString(bare)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(s.cfg.UnreadFile, []byte(sb.String()), 0600); err != nil {
		s.log.Warn("write unread file: %v", err)
	}
}
