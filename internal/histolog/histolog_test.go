package histolog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rosterim/roster/internal/hbuf"
)

func TestAppendThenReplayRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 0, 0)

	ts := time.Date(2024, 3, 14, 9, 26, 53, 0, time.UTC)
	if err := s.Append("alice@example.com", Record{Kind: KindMessage, Info: InfoReceive, Timestamp: ts, Text: "hello there"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	buf := hbuf.New(0)
	var got []Record
	err := s.Replay("alice@example.com", buf, 0, func(r Record) (hbuf.Flags, int) {
		got = append(got, r)
		return hbuf.FlagIn, 0
	}, func(lineNo int, err error) {
		t.Fatalf("unexpected parse error at line %d: %v", lineNo, err)
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 replayed record, got %d", len(got))
	}
	if got[0].Text != "hello there" {
		t.Fatalf("text mismatch: %q", got[0].Text)
	}
	if got[0].Info != InfoReceive {
		t.Fatalf("info mismatch: %q", got[0].Info)
	}
	if !got[0].Timestamp.Truncate(time.Second).Equal(ts.Truncate(time.Second)) {
		t.Fatalf("timestamp mismatch: %v vs %v", got[0].Timestamp, ts)
	}

	lines := buf.GetLines(hbuf.Pos{}, 10)
	if len(lines) != 1 || lines[0].Text() != "hello there" {
		t.Fatalf("hbuf replay mismatch: %+v", lines)
	}
}

func TestReplaySkipsEntriesOlderThanMaxAge(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 1, 0)

	old := time.Now().AddDate(0, 0, -5)
	recent := time.Now().Add(-time.Minute)

	s.Append("bob@example.com", Record{Kind: KindMessage, Info: InfoSend, Timestamp: old, Text: "ancient"})
	s.Append("bob@example.com", Record{Kind: KindMessage, Info: InfoSend, Timestamp: recent, Text: "fresh"})

	buf := hbuf.New(0)
	var texts []string
	s.Replay("bob@example.com", buf, 0, func(r Record) (hbuf.Flags, int) {
		texts = append(texts, r.Text)
		return hbuf.FlagOut, 0
	}, nil)

	if len(texts) != 1 || texts[0] != "fresh" {
		t.Fatalf("expected only the fresh record, got %v", texts)
	}
}

func TestReplayFollowsSymlinkAlias(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 0, 0)

	s.Append("primary@example.com", Record{Kind: KindMessage, Info: InfoReceive, Timestamp: time.Now(), Text: "shared history"})

	alias := filepath.Join(dir, "alias@example.com")
	if err := symlink(filepath.Join(dir, "primary@example.com"), alias); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	buf := hbuf.New(0)
	var texts []string
	err := s.Replay("alias@example.com", buf, 0, func(r Record) (hbuf.Flags, int) {
		texts = append(texts, r.Text)
		return hbuf.FlagIn, 0
	}, nil)
	if err != nil {
		t.Fatalf("replay via alias: %v", err)
	}
	if len(texts) != 1 || texts[0] != "shared history" {
		t.Fatalf("expected aliased history, got %v", texts)
	}
}

func TestUnparseableLineIsSkippedWithOneError(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 0, 0)
	path := filepath.Join(dir, "carol@example.com")
	writeRaw(t, path, "garbage line that is not a record\n")

	buf := hbuf.New(0)
	errCount := 0
	err := s.Replay("carol@example.com", buf, 0, nil, func(lineNo int, err error) {
		errCount++
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if errCount != 1 {
		t.Fatalf("expected exactly one parse error, got %d", errCount)
	}
}
