// Package history keeps the bounded per-document log of accepted
// operations used to transform late-arriving client submissions.
package history

import (
	"errors"
	"fmt"
	"time"

	"github.com/coedit/coedit/internal/ot"
)

// ErrWindowExceeded signals that the requested base revision is older
// than the oldest retained entry and the caller must force a resync.
var ErrWindowExceeded = errors.New("base revision outside retained history window")

const DefaultCapacity = 1000

// Entry is one accepted operation at its assigned revision. A
// compacted entry covers the revision span (FirstRevision, Revision].
type Entry struct {
	Revision      int
	FirstRevision int
	Ops           []ot.Op
	ClientID      string
	OpID          string
	AppliedAt     time.Time
}

// Log is a fixed-capacity ring buffer of entries in revision order.
type Log struct {
	buf   []Entry
	start int
	size  int
	last  int // revision of the newest entry, or the seed revision
}

// New returns an empty log whose next appended entry must carry
// revision seedRevision+1.
func New(capacity, seedRevision int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		buf:  make([]Entry, capacity),
		last: seedRevision,
	}
}

func (l *Log) Len() int          { return l.size }
func (l *Log) LastRevision() int { return l.last }

func (l *Log) at(i int) *Entry {
	return &l.buf[(l.start+i)%len(l.buf)]
}

// Append adds the next accepted operation. Revisions must advance by
// exactly one; a gap is an internal invariant violation.
func (l *Log) Append(e Entry) {
	if e.Revision != l.last+1 {
		panic(fmt.Sprintf("history: revision gap: appending %d after %d", e.Revision, l.last))
	}
	if e.FirstRevision == 0 {
		e.FirstRevision = e.Revision
	}
	if l.size == len(l.buf) {
		l.start = (l.start + 1) % len(l.buf)
		l.size--
	}
	l.buf[(l.start+l.size)%len(l.buf)] = e
	l.size++
	l.last = e.Revision
}

// Since returns, in order, every entry with revision greater than rev.
// ErrWindowExceeded is returned rather than a silently truncated list
// when rev predates the retained window or falls inside a compacted
// span.
func (l *Log) Since(rev int) ([]Entry, error) {
	if rev > l.last {
		return nil, fmt.Errorf("%w: revision %d ahead of current %d", ot.ErrInvalidOperation, rev, l.last)
	}
	if rev == l.last {
		return nil, nil
	}
	if l.size == 0 || rev < l.at(0).FirstRevision-1 {
		return nil, fmt.Errorf("%w: revision %d", ErrWindowExceeded, rev)
	}
	var out []Entry
	for i := 0; i < l.size; i++ {
		e := l.at(i)
		if e.Revision <= rev {
			continue
		}
		if e.FirstRevision <= rev {
			// rev sits inside a compacted span: the merged entry
			// contains work the caller already integrated
			return nil, fmt.Errorf("%w: revision %d compacted", ErrWindowExceeded, rev)
		}
		out = append(out, *e)
	}
	return out, nil
}

// Compact merges the two newest entries into one when they are
// contiguous single-primitive edits from the same client and every
// connected participant has already acknowledged the newest revision
// (minAcked is the lowest revision any connected participant has
// confirmed). A client whose ack sits between the pair would be left
// unservable by the merged span. Reports whether a merge happened.
func (l *Log) Compact(minAcked int) bool {
	if l.size < 2 {
		return false
	}
	prev := l.at(l.size - 2)
	newest := l.at(l.size - 1)
	if prev.ClientID != newest.ClientID || minAcked < newest.Revision {
		return false
	}
	if len(prev.Ops) != 1 || len(newest.Ops) != 1 {
		return false
	}
	merged, ok := ot.Compose(prev.Ops[0], newest.Ops[0])
	if !ok {
		return false
	}
	*prev = Entry{
		Revision:      newest.Revision,
		FirstRevision: prev.FirstRevision,
		Ops:           []ot.Op{merged},
		ClientID:      newest.ClientID,
		OpID:          newest.OpID,
		AppliedAt:     newest.AppliedAt,
	}
	l.size--
	return true
}

// Replay folds every retained entry over base, reproducing the
// content the entries were accepted against.
func (l *Log) Replay(base string) (string, error) {
	content := base
	for i := 0; i < l.size; i++ {
		next, err := ot.Apply(content, l.at(i).Ops)
		if err != nil {
			return "", fmt.Errorf("replay at revision %d: %w", l.at(i).Revision, err)
		}
		content = next
	}
	return content, nil
}
