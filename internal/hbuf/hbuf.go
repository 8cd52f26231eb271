// Package hbuf implements the scrollback history buffer: a per-conversation
// arena of fixed-size blocks holding persistent lines, with word-wrap,
// search, date/percentage seek, and a bounded block count.
//
// Lines are never copied once written, they are sliced out of a
// growing arena; wrapping never mutates persistent content, it only
// adds throwaway "continuation" lines that point into the same arena.
package hbuf

import (
	"bufio"
	"os"
	"strings"
	"time"
)

// MinBlockSize is the minimum arena size of one block.
const MinBlockSize = 8192

// Flags is a bitset of line-prefix markers.
type Flags uint16

const (
	FlagIn           Flags = 1 << iota // inbound message
	FlagOut                            // outbound message
	FlagInfo                           // locally generated info line
	FlagError                          // error line
	FlagHighlight                      // nick/keyword highlight
	FlagPGPCrypt                       // PGP-encrypted payload
	FlagOTRCrypt                       // OTR-encrypted payload
	FlagSpecial                        // synthetic / status buffer line
	FlagContinuation                   // non-persistent wrap continuation
)

// Line is a view into a block's arena: a timestamp, prefix flags, the
// length of an optional leading MUC nick, and a (start, end) byte range.
type Line struct {
	Timestamp time.Time
	Flags     Flags
	NickLen   int
	start     int
	end       int
	block     *block
}

// Text returns the rendered text this line refers to.
func (l Line) Text() string {
	if l.block == nil {
		return ""
	}
	return string(l.block.arena[l.start:l.end])
}

// Persistent reports whether this line is backed by durable content (as
// opposed to being a word-wrap continuation regenerated on rebuild).
func (l Line) Persistent() bool {
	return l.Flags&FlagContinuation == 0
}

// block is one fixed-size arena plus the persistent lines it holds.
// Non-persistent (wrapped) lines are tracked separately on the Buffer so
// rebuild can discard them without touching the arena or persistent line
// list.
type block struct {
	arena []byte
	used  int
	cap   int
}

func newBlock(size int) *block {
	if size < MinBlockSize {
		size = MinBlockSize
	}
	return &block{arena: make([]byte, size), cap: size}
}

func (b *block) remaining() int { return b.cap - b.used }

func (b *block) append(text string) (start, end int) {
	start = b.used
	n := copy(b.arena[b.used:], text)
	b.used += n
	end = b.used
	return start, end
}

// Buffer is the per-JID (or per-room, or status) scrollback.
type Buffer struct {
	blocks      []*block
	persistent  []Line // append-ordered persistent lines
	rendered    []Line // persistent + continuation lines, in display order
	maxBlocks   int
	width       int
	cleared     bool
	lockDepth   int
	top         int // index into rendered; -1 means "show the tail"
	topValid    bool
}

// New creates an empty buffer. maxBlocks<=0 means unbounded.
func New(maxBlocks int) *Buffer {
	return &Buffer{maxBlocks: maxBlocks, top: -1}
}

// Locked reports whether the buffer is currently scroll-locked.
func (b *Buffer) Locked() bool { return b.lockDepth > 0 }

// Lock anchors the view so new appends don't move Top. The buffer keeps
// no unread-while-locked flag; callers detect new lines themselves.
func (b *Buffer) Lock() { b.lockDepth++ }

// Unlock releases the scroll lock. If toTail is true the view re-anchors
// to the bottom.
func (b *Buffer) Unlock(toTail bool) {
	if b.lockDepth > 0 {
		b.lockDepth--
	}
	if b.lockDepth == 0 && toTail {
		b.topValid = false
	}
}

// Cleared reports the suppress-until-next-append flag.
func (b *Buffer) Cleared() bool { return b.cleared }

// Clear suppresses display until the next Append.
func (b *Buffer) Clear() {
	b.cleared = true
	b.topValid = false
}

// Append writes one persistent line, allocating a new block when the
// current one can't hold it and evicting the oldest block once
// maxBlocks is exceeded. It then wraps the line to width, creating
// continuation lines as needed. maxBlocks and width are passed
// per-call so different buffers can use different policies without
// extra state.
func (b *Buffer) Append(text string, ts time.Time, flags Flags, width int, maxBlocks int, nickLen int) {
	b.maxBlocks = maxBlocks
	if len(text) >= MinBlockSize {
		text = "[ERR:LINE_TOO_LONG]"
	}

	blk := b.currentBlock()
	if blk == nil || blk.remaining() < len(text) {
		blk = newBlock(MinBlockSize)
		b.blocks = append(b.blocks, blk)
		b.evictIfNeeded()
	}

	start, end := blk.append(text)
	line := Line{Timestamp: ts, Flags: flags &^ FlagContinuation, NickLen: nickLen, start: start, end: end, block: blk}
	b.persistent = append(b.persistent, line)
	b.cleared = false

	b.width = width
	b.rebuildFrom(line)
}

func (b *Buffer) currentBlock() *block {
	if len(b.blocks) == 0 {
		return nil
	}
	return b.blocks[len(b.blocks)-1]
}

// evictIfNeeded drops the oldest block, and every line (persistent or
// rendered) that referenced it, once the block count exceeds the cap.
func (b *Buffer) evictIfNeeded() {
	if b.maxBlocks <= 0 || len(b.blocks) <= b.maxBlocks {
		return
	}
	oldest := b.blocks[0]
	b.blocks = b.blocks[1:]

	filterOut := func(lines []Line) []Line {
		kept := lines[:0]
		for _, l := range lines {
			if l.block != oldest {
				kept = append(kept, l)
			}
		}
		return kept
	}
	b.persistent = filterOut(append([]Line(nil), b.persistent...))
	b.rendered = filterOut(append([]Line(nil), b.rendered...))
	b.topValid = false
}

// rebuildFrom appends the wrap of a single newly-added persistent line to
// the rendered list, without touching earlier rendered content — this
// keeps Append O(len(line)) instead of O(total buffer size).
func (b *Buffer) rebuildFrom(line Line) {
	b.rendered = append(b.rendered, wrapLine(line, b.width)...)
	if b.lockDepth > 0 {
		// While locked, appends don't move the view; caller observes new
		// content via the unread-raise path (not modelled as a flag here
		// since hbuf has no UI-side MSG flag of its own — callers track
		// "has new lines since lock" themselves by comparing rendered
		// length).
		return
	}
	b.topValid = false
}

// wrapLine splits one persistent line into itself plus any number of
// non-persistent continuation lines, breaking at the last whitespace at
// or before width, or exactly at width if no whitespace is found.
func wrapLine(line Line, width int) []Line {
	text := line.Text()
	if width <= 0 || len(text) <= width {
		return []Line{line}
	}

	var out []Line
	rest := text
	restStart := line.start
	first := true
	for len(rest) > width {
		brk := lastBreak(rest, width)
		l := Line{
			Timestamp: line.Timestamp,
			NickLen:   line.NickLen,
			start:     restStart,
			end:       restStart + brk,
			block:     line.block,
		}
		if first {
			l.Flags = line.Flags &^ FlagContinuation
			first = false
		} else {
			l.Flags = line.Flags | FlagContinuation
		}
		out = append(out, l)
		rest = rest[brk:]
		restStart += brk
	}
	tail := Line{
		Timestamp: line.Timestamp,
		Flags:     line.Flags | FlagContinuation,
		NickLen:   line.NickLen,
		start:     restStart,
		end:       restStart + len(rest),
		block:     line.block,
	}
	if first {
		tail.Flags = line.Flags &^ FlagContinuation
	}
	out = append(out, tail)
	return out
}

// lastBreak finds the last whitespace at or before width; if none exists
// it breaks at exactly width.
func lastBreak(s string, width int) int {
	if width >= len(s) {
		return len(s)
	}
	for i := width; i > 0; i-- {
		if s[i-1] == ' ' || s[i-1] == '\t' {
			return i
		}
	}
	return width
}

// Rebuild discards all non-persistent lines and re-wraps the
// persistent set at newWidth. Idempotent per width, never reorders or
// drops persistent content.
func (b *Buffer) Rebuild(newWidth int) {
	b.width = newWidth
	rendered := make([]Line, 0, len(b.persistent))
	for _, l := range b.persistent {
		rendered = append(rendered, wrapLine(l, newWidth)...)
	}
	b.rendered = rendered
	b.topValid = false
}

// Pos is an opaque handle into the rendered line sequence.
type Pos struct {
	idx int
	ok  bool
}

// Tail returns the position just past the end (used to mean "show last n").
func (b *Buffer) Tail() Pos { return Pos{idx: len(b.rendered), ok: true} }

// SetTop sets the first line to display (scroll anchor).
func (b *Buffer) SetTop(p Pos) {
	if !p.ok {
		b.topValid = false
		return
	}
	b.top = p.idx
	b.topValid = true
}

// Top returns the current scroll anchor, or (!ok) if unset ("show tail").
func (b *Buffer) Top() Pos {
	if !b.topValid {
		return Pos{ok: false}
	}
	return Pos{idx: b.top, ok: true}
}

// StepBack moves a position n rendered lines toward the start.
func (b *Buffer) StepBack(p Pos, n int) Pos {
	if !p.ok {
		p = Pos{idx: len(b.rendered), ok: true}
	}
	idx := p.idx - n
	if idx < 0 {
		idx = 0
	}
	return Pos{idx: idx, ok: true}
}

// StepForward moves a position n rendered lines toward the end,
// clamping at the last line.
func (b *Buffer) StepForward(p Pos, n int) Pos {
	if !p.ok {
		return p
	}
	idx := p.idx + n
	if idx >= len(b.rendered) {
		idx = len(b.rendered) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return Pos{idx: idx, ok: true}
}

// ClampBottom resets Top to unset if the window (of height n) can already
// show everything from Top to the end — the "bottom-clamp" rule.
func (b *Buffer) ClampBottom(n int) {
	if !b.topValid {
		return
	}
	if len(b.rendered)-b.top <= n {
		b.topValid = false
	}
}

// GetLines returns up to n rendered lines starting at from. If from is the
// zero Pos (ok==false) it returns the last n lines (the tail view).
func (b *Buffer) GetLines(from Pos, n int) []Line {
	if b.cleared {
		return nil
	}
	start := from.idx
	if !from.ok {
		start = len(b.rendered) - n
		if start < 0 {
			start = 0
		}
	}
	if start < 0 {
		start = 0
	}
	if start >= len(b.rendered) {
		return nil
	}
	end := start + n
	if end > len(b.rendered) {
		end = len(b.rendered)
	}
	return append([]Line(nil), b.rendered[start:end]...)
}

// Direction for Search.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// Search performs a linear substring scan over persistent lines only,
// starting just after (Forward) or before (Backward) pos, and returns the
// first match's position, or ok=false.
func (b *Buffer) Search(pos Pos, dir Direction, needle string) Pos {
	if needle == "" || len(b.rendered) == 0 {
		return Pos{ok: false}
	}
	start := pos.idx
	if !pos.ok {
		if dir == Forward {
			start = 0
		} else {
			start = len(b.rendered) - 1
		}
	} else if dir == Forward {
		start = pos.idx + 1
	} else {
		start = pos.idx - 1
		if start > len(b.rendered)-1 {
			start = len(b.rendered) - 1
		}
	}

	if dir == Forward {
		for i := start; i < len(b.rendered); i++ {
			l := b.rendered[i]
			if l.Persistent() && strings.Contains(l.Text(), needle) {
				return Pos{idx: i, ok: true}
			}
		}
		return Pos{ok: false}
	}
	for i := start; i >= 0; i-- {
		l := b.rendered[i]
		if l.Persistent() && strings.Contains(l.Text(), needle) {
			return Pos{idx: i, ok: true}
		}
	}
	return Pos{ok: false}
}

// JumpDate returns the first line whose timestamp is >= t.
func (b *Buffer) JumpDate(t time.Time) Pos {
	for i, l := range b.rendered {
		if !l.Timestamp.Before(t) {
			return Pos{idx: i, ok: true}
		}
	}
	return Pos{ok: false}
}

// JumpPercent returns the line at the given percentile (0-100) position.
func (b *Buffer) JumpPercent(pc int) Pos {
	if len(b.rendered) == 0 {
		return Pos{ok: false}
	}
	if pc < 0 {
		pc = 0
	}
	if pc > 100 {
		pc = 100
	}
	idx := (len(b.rendered) - 1) * pc / 100
	return Pos{idx: idx, ok: true}
}

// Dump writes the plain-text content (persistent lines, in order) to path.
func (b *Buffer) Dump(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, l := range b.persistent {
		if _, err := w.WriteString(l.Text()); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}

// BlockCount reports the number of persistent blocks currently
// retained; it never grows past maxBlocks.
func (b *Buffer) BlockCount() int { return len(b.blocks) }

// LineCount reports the number of persistent lines retained.
func (b *Buffer) LineCount() int { return len(b.persistent) }
