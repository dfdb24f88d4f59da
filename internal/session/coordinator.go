// Package session serializes all edits to one document through a
// per-document coordinator and keeps every connected participant's
// view convergent.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/coedit/coedit/internal/history"
	"github.com/coedit/coedit/internal/ot"
)

// Snapshot is a point-in-time read of a document's canonical state.
type Snapshot struct {
	Content  string `json:"content"`
	Revision int    `json:"revision"`
}

// Accepted is the result of a successful submission: the operation
// transformed to the coordinator's head, plus its assigned revision.
// Ops is nil when the operation transformed away to a no-op.
type Accepted struct {
	Revision int
	Ops      []ot.Op
	OpID     string
}

// BroadcastFunc fans an accepted operation out to every connected
// participant except the submitter. It runs on the coordinator loop
// and must not block; buffer or drop slow consumers.
type BroadcastFunc func(docID string, rev int, ops []ot.Op, excludeClientID string)

// PresenceFunc reports the participant set after a join, leave or
// cursor move. Best effort; runs on the coordinator loop.
type PresenceFunc func(docID string, parts []Participant)

// IdleFunc runs on the coordinator loop when the last participant
// leaves, with the final snapshot for persistence. It must not call
// back into the coordinator synchronously.
type IdleFunc func(docID string, final Snapshot)

type Config struct {
	HistorySize int
	Limits      ot.Limits
	Broadcast   BroadcastFunc
	OnPresence  PresenceFunc
	OnIdle      IdleFunc
}

// Coordinator owns one document's canonical state. All mutation goes
// through its single serve loop: transform, apply and append happen
// with nothing interleaved, which is what makes pairwise transform
// meaningful at all.
type Coordinator struct {
	docID string
	cfg   Config

	cmds chan func()
	quit chan struct{}
	done chan struct{}

	// loop-owned; never touched from outside the serve loop
	content    string
	revision   int
	hist       *history.Log
	pres       *presence
	joins      map[string]int
	nextSeq    map[string]int
	lastAccept map[string]Accepted
	acked      map[string]int
}

// New starts a coordinator seeded with the given snapshot (empty
// content, revision 0 for a fresh document).
func New(docID string, seed Snapshot, cfg Config) *Coordinator {
	if cfg.Limits == (ot.Limits{}) {
		cfg.Limits = ot.DefaultLimits()
	}
	c := &Coordinator{
		docID:      docID,
		cfg:        cfg,
		cmds:       make(chan func()),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		content:    seed.Content,
		revision:   seed.Revision,
		hist:       history.New(cfg.HistorySize, seed.Revision),
		pres:       newPresence(),
		joins:      make(map[string]int),
		nextSeq:    make(map[string]int),
		lastAccept: make(map[string]Accepted),
		acked:      make(map[string]int),
	}
	go c.serve()
	return c
}

func (c *Coordinator) DocID() string { return c.docID }

func (c *Coordinator) serve() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.quit:
			// run anything already enqueued, then exit
			for {
				select {
				case fn := <-c.cmds:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Stop tears the session down. Calls in flight complete or return
// ErrSessionClosed.
func (c *Coordinator) Stop() {
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
	<-c.done
}

// do runs fn on the serve loop and waits for it.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(ran) }:
	case <-c.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

// Submit is the sole mutation entry point for document content.
func (c *Coordinator) Submit(ctx context.Context, op ot.Operation) (Accepted, error) {
	var acc Accepted
	var err error
	if derr := c.do(ctx, func() { acc, err = c.accept(op) }); derr != nil {
		return Accepted{}, derr
	}
	return acc, err
}

// JoinState is what a joining or resyncing participant receives: the
// full snapshot plus the sequence number the coordinator expects from
// it next, so a reconnecting client can resume its submission order.
type JoinState struct {
	Snapshot
	NextSeq int
}

// Join registers a connection for clientID and hands back the
// full-state snapshot: the only time full content crosses the
// boundary. The same id may hold several connections; bookkeeping
// for it survives until the last one leaves.
func (c *Coordinator) Join(ctx context.Context, clientID string) (JoinState, error) {
	var js JoinState
	err := c.do(ctx, func() { js = c.join(clientID) })
	return js, err
}

// JoinThen registers a connection and hands the join state to
// deliver on the coordinator loop, so the snapshot is ordered ahead
// of every broadcast accepted after it. deliver must not block.
func (c *Coordinator) JoinThen(ctx context.Context, clientID string, deliver func(JoinState)) error {
	return c.do(ctx, func() { deliver(c.join(clientID)) })
}

// Resync hands the current state to deliver on the loop without join
// bookkeeping, so one connection may resynchronize any number of
// times without inflating its presence count. deliver must not block.
func (c *Coordinator) Resync(ctx context.Context, clientID string, deliver func(JoinState)) error {
	return c.do(ctx, func() {
		if c.joins[clientID] > 0 {
			c.acked[clientID] = c.revision
		}
		deliver(c.state(clientID))
	})
}

// join runs on the serve loop.
func (c *Coordinator) join(clientID string) JoinState {
	if c.joins[clientID] == 0 {
		c.pres.join(clientID)
	}
	c.joins[clientID]++
	c.acked[clientID] = c.revision
	c.emitPresence()
	return c.state(clientID)
}

func (c *Coordinator) state(clientID string) JoinState {
	return JoinState{
		Snapshot: Snapshot{Content: c.content, Revision: c.revision},
		NextSeq:  c.nextSeq[clientID],
	}
}

// Leave releases one connection. The client's sequencing state is
// kept while other connections of the same id remain; when the last
// connection of the last client leaves the coordinator reports
// itself idle with its final snapshot.
func (c *Coordinator) Leave(ctx context.Context, clientID string) error {
	return c.do(ctx, func() {
		if c.joins[clientID] == 0 {
			return
		}
		c.joins[clientID]--
		if c.joins[clientID] > 0 {
			return
		}
		delete(c.joins, clientID)
		c.pres.leave(clientID)
		delete(c.acked, clientID)
		delete(c.nextSeq, clientID)
		delete(c.lastAccept, clientID)
		c.emitPresence()
		if len(c.joins) == 0 && c.cfg.OnIdle != nil {
			c.cfg.OnIdle(c.docID, Snapshot{Content: c.content, Revision: c.revision})
		}
	})
}

// UpdateCursor is best effort: dropped outright when the loop is
// busy, never retried.
func (c *Coordinator) UpdateCursor(clientID string, pos int) {
	select {
	case c.cmds <- func() {
		c.pres.cursor(clientID, pos)
		c.emitPresence()
	}:
	case <-c.done:
	default:
	}
}

// Snapshot serves a consistent point-in-time read for persistence;
// it goes through the loop so it never observes a mid-operation
// state.
func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, func() {
		snap = Snapshot{Content: c.content, Revision: c.revision}
	})
	return snap, err
}

// Participants lists the active participant set.
func (c *Coordinator) Participants(ctx context.Context) ([]Participant, error) {
	var parts []Participant
	err := c.do(ctx, func() { parts = c.pres.list() })
	return parts, err
}

func (c *Coordinator) emitPresence() {
	if c.cfg.OnPresence != nil {
		c.cfg.OnPresence(c.docID, c.pres.list())
	}
}

// accept runs on the serve loop: transform against history, validate,
// apply, assign the next revision, append, broadcast.
func (c *Coordinator) accept(op ot.Operation) (Accepted, error) {
	// resent op after a lost ack: re-ack, don't re-apply
	if last, ok := c.lastAccept[op.ClientID]; ok && op.OpID != "" && last.OpID == op.OpID {
		return last, nil
	}

	if want := c.nextSeq[op.ClientID]; op.Seq != want {
		return Accepted{}, fmt.Errorf("%w: got seq %d, want %d", ErrOutOfSequence, op.Seq, want)
	}

	entries, err := c.hist.Since(op.BaseRevision)
	if err != nil {
		if errors.Is(err, history.ErrWindowExceeded) {
			return Accepted{}, fmt.Errorf("%w: base revision %d", ErrResyncRequired, op.BaseRevision)
		}
		return Accepted{}, err
	}

	for _, o := range op.Ops {
		if err := c.cfg.Limits.Check(o, len(c.content)); err != nil {
			return Accepted{}, err
		}
	}

	committed := make([][]ot.Op, 0, len(entries))
	for _, e := range entries {
		if e.ClientID == op.ClientID {
			continue
		}
		committed = append(committed, e.Ops)
	}

	transformed := ot.TransformAgainstHistory(op.Ops, committed)
	if len(transformed) == 0 {
		// transformed away entirely (range already deleted)
		acc := Accepted{Revision: c.revision, OpID: op.OpID}
		c.nextSeq[op.ClientID] = op.Seq + 1
		c.lastAccept[op.ClientID] = acc
		c.acked[op.ClientID] = c.revision
		return acc, nil
	}

	next, err := ot.Apply(c.content, transformed)
	if err != nil {
		return Accepted{}, err
	}

	c.revision++
	c.hist.Append(history.Entry{
		Revision:  c.revision,
		Ops:       transformed,
		ClientID:  op.ClientID,
		OpID:      op.OpID,
		AppliedAt: time.Now(),
	})
	if c.hist.LastRevision() != c.revision {
		// corrupted sequencing: safer to tear the session down and
		// force everyone to rejoin than to serve a broken document
		log.Printf("session %s: revision mismatch (log %d, state %d), tearing down", c.docID, c.hist.LastRevision(), c.revision)
		close(c.quit)
		return Accepted{}, ErrSessionClosed
	}
	c.content = next
	c.pres.shift(transformed)

	acc := Accepted{Revision: c.revision, Ops: transformed, OpID: op.OpID}
	c.nextSeq[op.ClientID] = op.Seq + 1
	c.lastAccept[op.ClientID] = acc
	c.acked[op.ClientID] = c.revision
	c.hist.Compact(c.minAcked())

	if c.cfg.Broadcast != nil {
		c.cfg.Broadcast(c.docID, c.revision, transformed, op.ClientID)
	}
	return acc, nil
}

// minAcked is the lowest revision any connected participant could
// still legitimately submit against.
func (c *Coordinator) minAcked() int {
	min := c.revision
	for _, rev := range c.acked {
		if rev < min {
			min = rev
		}
	}
	return min
}
