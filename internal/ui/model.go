// Package ui is the reference terminal renderer: a three-pane layout
// (roster, chat scrollback, status log) over the session core, with an
// input line feeding the command dispatcher. The session owns all
// protocol state; this model only renders it and forwards input.
package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"mellium.im/xmpp/jid"

	"github.com/rosterim/roster/internal/command"
	"github.com/rosterim/roster/internal/hbuf"
	"github.com/rosterim/roster/internal/ui/theme"
	"github.com/rosterim/roster/internal/xcore/presence"
	"github.com/rosterim/roster/internal/xcore/roster"
	"github.com/rosterim/roster/internal/xcore/session"
)

// SessionMsg wraps a session notification into a tea message; the app
// pumps these into the program.
type SessionMsg struct {
	Event session.Event
}

// QuitRequestedMsg asks the program to exit (command code 255).
type QuitRequestedMsg struct{}

// pausedMsg fires when the composing timer elapses without keystrokes.
type pausedMsg struct{ generation int }

const composePauseAfter = 4 * time.Second

// Model is the root bubbletea model.
type Model struct {
	sess  *session.Session
	cmd   *command.Context
	theme *theme.Theme

	width  int
	height int

	rosterWidth int
	logHeight   int
	timeFormat  string
	showStamps  bool

	input      string
	cursorIdx  int // roster selection index
	composing  bool
	composeGen int

	errLine string
}

// New creates the root model over a session and command context.
func New(sess *session.Session, cmd *command.Context, th *theme.Theme, rosterWidth, logHeight int, timeFormat string, showStamps bool) *Model {
	if rosterWidth <= 0 {
		rosterWidth = 24
	}
	if logHeight <= 0 {
		logHeight = 5
	}
	return &Model{
		sess:        sess,
		cmd:         cmd,
		theme:       th,
		rosterWidth: rosterWidth,
		logHeight:   logHeight,
		timeFormat:  timeFormat,
		showStamps:  showStamps,
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return nil
}

func (m *Model) chatWidth() int {
	w := m.width - m.rosterWidth - 4
	if w < 20 {
		w = 20
	}
	return w
}

func (m *Model) chatHeight() int {
	h := m.height - m.logHeight - 5
	if h < 3 {
		h = 3
	}
	return h
}

func (m *Model) current() jid.JID {
	bl := m.sess.Roster.Buddylist()
	if m.cursorIdx < 0 || m.cursorIdx >= len(bl) {
		return jid.JID{}
	}
	return bl[m.cursorIdx].JID
}

func (m *Model) syncSelection() {
	cur := m.current()
	m.cmd.Current = cur
	if !cur.Equal(jid.JID{}) {
		m.sess.MarkRead(cur)
	}
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.sess.Enqueue(func() { m.sess.Resize(m.chatWidth()) })
		return m, nil

	case SessionMsg:
		// State already mutated by the session loop; a redraw is all
		// that's needed.
		return m, nil

	case pausedMsg:
		if m.composing && msg.generation == m.composeGen {
			m.composing = false
			to := m.current()
			if !to.Equal(jid.JID{}) {
				m.sess.Enqueue(func() { m.sess.SendChatState(to, presence.StatePaused) })
			}
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.sess.Enqueue(func() { m.sess.Activity(time.Now()) })

	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit

	case tea.KeyUp, tea.KeyCtrlP:
		if m.cursorIdx > 0 {
			m.cursorIdx--
		}
		m.syncSelection()
		return m, nil

	case tea.KeyDown, tea.KeyCtrlN:
		if m.cursorIdx < len(m.sess.Roster.Buddylist())-1 {
			m.cursorIdx++
		}
		m.syncSelection()
		return m, nil

	case tea.KeyPgUp:
		m.runCommand("buffer up")
		return m, nil

	case tea.KeyPgDown:
		m.runCommand("buffer down")
		return m, nil

	case tea.KeyEnter:
		return m.submitInput()

	case tea.KeyBackspace:
		if len(m.input) > 0 {
			m.input = m.input[:len(m.input)-1]
		}
		return m, nil

	case tea.KeyRunes, tea.KeySpace:
		wasEmpty := m.input == ""
		if msg.Type == tea.KeySpace {
			m.input += " "
		} else {
			m.input += string(msg.Runes)
		}
		return m, m.onTyped(wasEmpty)
	}
	return m, nil
}

// onTyped drives the outgoing chat-state machine: the first character
// of a non-command line sends composing; the pause timer arms on every
// keystroke.
func (m *Model) onTyped(wasEmpty bool) tea.Cmd {
	if strings.HasPrefix(m.input, "/") {
		return nil
	}
	to := m.current()
	if to.Equal(jid.JID{}) {
		return nil
	}
	if wasEmpty && !m.composing {
		m.composing = true
		m.sess.Enqueue(func() { m.sess.SendChatState(to, presence.StateComposing) })
	}
	m.composeGen++
	gen := m.composeGen
	return tea.Tick(composePauseAfter, func(time.Time) tea.Msg {
		return pausedMsg{generation: gen}
	})
}

func (m *Model) submitInput() (tea.Model, tea.Cmd) {
	line := m.input
	m.input = ""
	m.errLine = ""
	m.composing = false

	if line == "" {
		return m, nil
	}

	if m.cmd.MsayActive() && !strings.HasPrefix(line, "/msay") {
		m.cmd.AppendMsayLine(line)
		return m, nil
	}

	if strings.HasPrefix(line, "/") {
		return m.runCommand(strings.TrimPrefix(line, "/"))
	}

	to := m.current()
	if to.Equal(jid.JID{}) {
		m.errLine = "no buddy selected"
		return m, nil
	}
	m.sess.Enqueue(func() {
		if e := m.sess.Roster.Get(to); e != nil && e.Kind == roster.KindRoom {
			_ = m.sess.SendGroupchat(to, line)
		} else {
			_ = m.sess.SendMessage(to, line)
		}
	})
	return m, nil
}

func (m *Model) runCommand(line string) (tea.Model, tea.Cmd) {
	code, err := command.Execute(m.cmd, line)
	if err != nil {
		m.errLine = err.Error()
	}
	if code == command.CodeQuit {
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model.
func (m *Model) View() string {
	if m.width == 0 {
		return "loading..."
	}
	left := m.renderRoster()
	right := m.renderChat()
	top := lipgloss.JoinHorizontal(lipgloss.Top, left, right)
	log := m.renderLog()
	status := m.renderStatusBar()
	input := m.theme.InputLine.Render("> " + m.input)
	if m.errLine != "" {
		input += "  " + m.theme.ChatError.Render(m.errLine)
	}
	return lipgloss.JoinVertical(lipgloss.Left, top, log, status, input)
}

func showName(s roster.Show) string {
	switch s {
	case roster.ShowAvailable:
		return "o"
	case roster.ShowFreeForChat:
		return "f"
	case roster.ShowDoNotDisturb:
		return "d"
	case roster.ShowNotAvailable:
		return "n"
	case roster.ShowAway:
		return "a"
	case roster.ShowInvisible:
		return "i"
	default:
		return "_"
	}
}

func (m *Model) renderRoster() string {
	bl := m.sess.Roster.Buddylist()
	var sb strings.Builder
	height := m.chatHeight()

	for i, e := range bl {
		if i >= height {
			break
		}
		name := e.Name
		if name == "" {
			name = e.JID.String()
		}
		marker := " "
		if e.Flags&roster.FlagMsgPending != 0 {
			marker = "#"
		}
		line := fmt.Sprintf("%s[%s] %s", marker, showName(e.EffectiveStatus()), name)
		if len(line) > m.rosterWidth {
			line = line[:m.rosterWidth]
		}

		style := m.theme.RosterItem
		switch {
		case i == m.cursorIdx:
			style = m.theme.RosterCurrent
		case e.Flags&roster.FlagMsgPending != 0:
			style = m.theme.RosterUnread
		case e.EffectiveStatus() == roster.ShowOffline:
			style = m.theme.RosterOffline
		}
		sb.WriteString(style.Render(line))
		sb.WriteByte('\n')
	}
	return m.theme.RosterBorder.
		Width(m.rosterWidth).
		Height(m.chatHeight()).
		Render(strings.TrimRight(sb.String(), "\n"))
}

func (m *Model) lineStyle(l hbuf.Line) lipgloss.Style {
	switch {
	case l.Flags&hbuf.FlagError != 0:
		return m.theme.ChatError
	case l.Flags&hbuf.FlagHighlight != 0:
		return m.theme.ChatHighlight
	case l.Flags&hbuf.FlagInfo != 0:
		return m.theme.ChatInfo
	case l.Flags&hbuf.FlagOut != 0:
		return m.theme.ChatOut
	default:
		return m.theme.ChatIn
	}
}

func (m *Model) renderChat() string {
	cur := m.current()
	height := m.chatHeight()
	var sb strings.Builder

	if !cur.Equal(jid.JID{}) {
		b := m.sess.Buffer(cur)
		b.ClampBottom(height)
		lines := b.GetLines(b.Top(), height)
		for _, l := range lines {
			prefix := ""
			if m.showStamps && !l.Timestamp.IsZero() && l.Flags&hbuf.FlagContinuation == 0 {
				prefix = m.theme.ChatTimestamp.Render(l.Timestamp.Format(m.timeFormat)) + " "
			}
			sb.WriteString(prefix + m.lineStyle(l).Render(l.Text()))
			sb.WriteByte('\n')
		}
	}
	return m.theme.ChatBorder.
		Width(m.chatWidth()).
		Height(height).
		Render(strings.TrimRight(sb.String(), "\n"))
}

func (m *Model) renderLog() string {
	b := m.sess.StatusBuffer()
	lines := b.GetLines(hbuf.Pos{}, m.logHeight)
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(m.theme.LogLine.Render(l.Text()))
		sb.WriteByte('\n')
	}
	return m.theme.LogBorder.
		Width(m.width - 2).
		Height(m.logHeight).
		Render(strings.TrimRight(sb.String(), "\n"))
}

func (m *Model) renderStatusBar() string {
	cur := m.current()
	who := "-"
	topic := ""
	if !cur.Equal(jid.JID{}) {
		who = cur.String()
		if e := m.sess.Roster.Get(cur); e != nil && e.Kind == roster.KindRoom && e.Topic != "" {
			topic = " | " + e.Topic
		}
	}
	own := m.sess.Presence.Current()
	bar := fmt.Sprintf(" %s | %s%s | %s", m.sess.State(), who, topic, ownStatusName(own))
	if len(bar) < m.width {
		bar += strings.Repeat(" ", m.width-len(bar))
	}
	return m.theme.StatusBar.Render(bar)
}

func ownStatusName(st presence.OwnStatus) string {
	name := map[presence.Show]string{
		presence.ShowOffline:      "offline",
		presence.ShowAvailable:    "online",
		presence.ShowFreeForChat:  "free",
		presence.ShowDoNotDisturb: "dnd",
		presence.ShowNotAvailable: "xa",
		presence.ShowAway:         "away",
		presence.ShowInvisible:    "invisible",
	}[st.Show]
	if st.Message != "" {
		name += " (" + st.Message + ")"
	}
	return name
}
