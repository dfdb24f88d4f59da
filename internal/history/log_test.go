package history

import (
	"errors"
	"testing"
	"time"

	"github.com/coedit/coedit/internal/ot"
)

func entry(rev int, client string, ops ...ot.Op) Entry {
	return Entry{Revision: rev, Ops: ops, ClientID: client, AppliedAt: time.Now()}
}

func TestAppendAndSince(t *testing.T) {
	l := New(10, 0)
	l.Append(entry(1, "a", ot.Op{Kind: ot.Insert, Pos: 0, Text: "x", ClientID: "a"}))
	l.Append(entry(2, "b", ot.Op{Kind: ot.Insert, Pos: 1, Text: "y", ClientID: "b"}))

	got, err := l.Since(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Revision != 1 || got[1].Revision != 2 {
		t.Errorf("got %+v", got)
	}

	got, err = l.Since(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Revision != 2 {
		t.Errorf("got %+v", got)
	}

	got, err = l.Since(2)
	if err != nil || got != nil {
		t.Errorf("head since should be empty, got %+v, %v", got, err)
	}
}

func TestSinceFutureRevision(t *testing.T) {
	l := New(10, 0)
	if _, err := l.Since(5); !errors.Is(err, ot.ErrInvalidOperation) {
		t.Errorf("got %v", err)
	}
}

func TestWindowExceeded(t *testing.T) {
	l := New(3, 0)
	for rev := 1; rev <= 5; rev++ {
		l.Append(entry(rev, "a", ot.Op{Kind: ot.Insert, Pos: 0, Text: "x", ClientID: "a"}))
	}
	// capacity 3: revisions 3..5 retained
	if _, err := l.Since(1); !errors.Is(err, ErrWindowExceeded) {
		t.Errorf("expected WindowExceeded, got %v", err)
	}
	got, err := l.Since(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("got %d entries", len(got))
	}
}

func TestRevisionGapPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on revision gap")
		}
	}()
	l := New(10, 0)
	l.Append(entry(2, "a", ot.Op{Kind: ot.Insert, Pos: 0, Text: "x", ClientID: "a"}))
}

func TestCompact(t *testing.T) {
	l := New(10, 0)
	l.Append(entry(1, "a", ot.Op{Kind: ot.Insert, Pos: 0, Text: "he", ClientID: "a"}))
	l.Append(entry(2, "a", ot.Op{Kind: ot.Insert, Pos: 2, Text: "llo", ClientID: "a"}))

	// every participant has acknowledged revision 2
	if !l.Compact(2) {
		t.Fatal("contiguous same-client inserts should compact")
	}
	if l.Len() != 1 || l.LastRevision() != 2 {
		t.Errorf("len %d, last %d", l.Len(), l.LastRevision())
	}

	// replay still reproduces the content
	content, err := l.Replay("")
	if err != nil {
		t.Fatal(err)
	}
	if content != "hello" {
		t.Errorf("got %q", content)
	}

	// a base revision inside the merged span can no longer be served
	if _, err := l.Since(1); !errors.Is(err, ErrWindowExceeded) {
		t.Errorf("expected WindowExceeded for compacted revision, got %v", err)
	}
	if got, err := l.Since(0); err != nil || len(got) != 1 {
		t.Errorf("got %+v, %v", got, err)
	}
}

func TestCompactGuardedByAcks(t *testing.T) {
	l := New(10, 0)
	l.Append(entry(1, "a", ot.Op{Kind: ot.Insert, Pos: 0, Text: "he", ClientID: "a"}))
	l.Append(entry(2, "a", ot.Op{Kind: ot.Insert, Pos: 2, Text: "llo", ClientID: "a"}))

	// a participant still at revision 1 must keep seeing entry 2 alone
	if l.Compact(1) {
		t.Error("compaction must not cross a connected client's ack")
	}
}

func TestCompactRefusesDifferentClients(t *testing.T) {
	l := New(10, 0)
	l.Append(entry(1, "a", ot.Op{Kind: ot.Insert, Pos: 0, Text: "x", ClientID: "a"}))
	l.Append(entry(2, "b", ot.Op{Kind: ot.Insert, Pos: 1, Text: "y", ClientID: "b"}))
	if l.Compact(2) {
		t.Error("cross-client compaction must not happen")
	}
}

func TestReplayInvariant(t *testing.T) {
	l := New(100, 0)
	content := ""
	batches := [][]ot.Op{
		{{Kind: ot.Insert, Pos: 0, Text: "hello world", ClientID: "a"}},
		{{Kind: ot.Delete, Pos: 5, Len: 6, ClientID: "b"}},
		{{Kind: ot.Insert, Pos: 5, Text: "!", ClientID: "a"}},
		{{Kind: ot.Delete, Pos: 0, Len: 1, ClientID: "b"}},
	}
	for i, ops := range batches {
		next, err := ot.Apply(content, ops)
		if err != nil {
			t.Fatal(err)
		}
		content = next
		l.Append(entry(i+1, ops[0].ClientID, ops...))
	}

	replayed, err := l.Replay("")
	if err != nil {
		t.Fatal(err)
	}
	if replayed != content {
		t.Errorf("replay %q != applied %q", replayed, content)
	}
}
