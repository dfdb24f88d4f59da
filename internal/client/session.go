// Package client is the editor-side runtime: it applies local edits
// speculatively, keeps them convergent with server broadcasts, and
// rebuilds from a snapshot whenever the server demands a resync.
package client

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	co "github.com/coedit/coedit/internal/common"
	"github.com/coedit/coedit/internal/ot"
	"github.com/coedit/coedit/internal/session"
)

var ErrClosed = errors.New("client session closed")

// flight is the one operation awaiting server acknowledgment. ops
// tracks its shape in local coordinates as broadcasts arrive; the
// request itself is never rewritten (the coordinator transforms it
// server-side).
type flight struct {
	ops []ot.Op
	req co.Request
}

// Session is one client's view of one document. Edits apply locally
// at once (first phase) and are confirmed or rebuilt when the server
// answers (second phase).
type Session struct {
	endpoint string
	clientID string

	// OnChange and OnPresence fire on the read loop after the local
	// view updates.
	OnChange   func(content string)
	OnPresence func(parts []session.Participant)

	mu       sync.Mutex
	conn     *websocket.Conn
	content  string
	revision int
	seq      int
	inflight *flight
	queue    [][]ot.Op // unsent edits, each relative to its predecessors
	synced   bool

	closed chan struct{}
	wg     sync.WaitGroup
}

// Dial connects, waits for the initial snapshot and starts the read
// loop. endpoint is the full ws URL including credentials.
func Dial(ctx context.Context, endpoint, clientID string) (*Session, error) {
	s := &Session{
		endpoint: endpoint,
		clientID: clientID,
		closed:   make(chan struct{}),
	}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

// connect dials with exponential backoff until ctx expires or the
// session is closed.
func (s *Session) connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	return backoff.Retry(func() error {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.endpoint, nil)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.conn = conn
		s.synced = false
		s.mu.Unlock()
		return nil
	}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
}

func (s *Session) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// Content returns the current speculative view.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content
}

// Revision returns the last server revision integrated locally.
func (s *Session) Revision() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Insert applies the edit locally at once and queues it for the
// server.
func (s *Session) Insert(pos int, text string) error {
	return s.edit(ot.Op{Kind: ot.Insert, Pos: pos, Text: text, ClientID: s.clientID})
}

// Delete applies the edit locally at once and queues it for the
// server.
func (s *Session) Delete(pos, length int) error {
	return s.edit(ot.Op{Kind: ot.Delete, Pos: pos, Len: length, ClientID: s.clientID})
}

func (s *Session) edit(op ot.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	next, err := ot.Apply(s.content, []ot.Op{op})
	if err != nil {
		return err
	}
	s.content = next
	s.queue = append(s.queue, []ot.Op{op})
	s.sendLocked()
	s.changeLocked()
	return nil
}

// Cursor reports the local cursor position; best effort.
func (s *Session) Cursor(pos int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && s.synced {
		s.conn.WriteJSON(co.Request{Type: co.ReqCursor, Position: pos})
	}
}

// sendLocked pushes the next queued edit when nothing is in flight.
// A multi-piece batch (a delete split by a concurrent insert) goes
// out one primitive at a time, the remainder rebased onto the piece
// just sent.
func (s *Session) sendLocked() {
	if s.conn == nil || !s.synced || s.inflight != nil || len(s.queue) == 0 {
		return
	}
	head := s.queue[0]
	prim := head[0]
	if rest := ot.Transform([]ot.Op{prim}, head[1:]); len(rest) > 0 {
		s.queue[0] = rest
	} else {
		s.queue = s.queue[1:]
	}

	req := co.Request{
		Type:         prim.Kind,
		Position:     prim.Pos,
		Text:         prim.Text,
		Length:       prim.Len,
		BaseRevision: s.revision,
		Seq:          s.seq,
		OpID:         uuid.NewString(),
		Timestamp:    time.Now(),
	}
	s.inflight = &flight{ops: []ot.Op{prim}, req: req}
	if err := s.conn.WriteJSON(req); err != nil {
		s.conn.Close()
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		var res co.Response
		if err := conn.ReadJSON(&res); err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			// the in-flight op is abandoned; if it was accepted the
			// post-reconnect snapshot already contains it
			s.mu.Lock()
			s.inflight = nil
			s.mu.Unlock()
			if err := s.connect(context.Background()); err != nil {
				return
			}
			// Close may have raced the reconnect; the fresh conn
			// must not be left reading
			select {
			case <-s.closed:
				s.mu.Lock()
				if s.conn != nil {
					s.conn.Close()
				}
				s.mu.Unlock()
				return
			default:
			}
			continue
		}
		s.handle(res)
	}
}

func (s *Session) handle(res co.Response) {
	switch res.Type {
	case co.Ack:
		s.handleAck(res)
	case co.OpRes:
		s.handleBroadcast(res)
	case co.DocRes:
		s.handleSnapshot(res)
	case co.Presence:
		if s.OnPresence != nil {
			s.OnPresence(res.Participants)
		}
	case co.OpError:
		s.handleError(res)
	}
}

func (s *Session) handleAck(res co.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == nil {
		return
	}
	s.revision = res.Revision
	s.seq = s.inflight.req.Seq + 1
	s.inflight = nil
	s.sendLocked()
}

// handleBroadcast integrates another client's accepted operation:
// the incoming batch and every local unconfirmed edit are rebased
// across each other, then the incoming is applied to the view.
func (s *Session) handleBroadcast(res co.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// a snapshot is already on its way; it will include this op
	if !s.synced {
		return
	}

	// acks and broadcasts can cross on the socket; on any revision
	// gap give up on bookkeeping and take a snapshot instead
	if res.Revision != s.revision+1 {
		s.requestResyncLocked()
		return
	}

	inc := res.Ops
	if s.inflight != nil {
		mine := s.inflight.ops
		s.inflight.ops = ot.Transform(inc, mine)
		inc = ot.Transform(mine, inc)
	}
	for i, q := range s.queue {
		rebased := ot.Transform(inc, q)
		inc = ot.Transform(q, inc)
		s.queue[i] = rebased
	}

	next, err := ot.Apply(s.content, inc)
	if err != nil {
		log.Printf("client %s: broadcast apply: %v", s.clientID, err)
		s.requestResyncLocked()
		return
	}
	s.content = next
	s.revision = res.Revision
	s.changeLocked()
}

// handleSnapshot rebuilds from a full snapshot: speculation built on
// the stale baseline is discarded and unsent edits are replayed
// against the fresh content.
func (s *Session) handleSnapshot(res co.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.content = res.Body
	s.revision = res.Revision
	s.seq = res.Seq
	s.inflight = nil
	s.synced = true

	var kept [][]ot.Op
	for _, batch := range s.queue {
		next, err := ot.Apply(s.content, batch)
		if err != nil {
			log.Printf("client %s: dropping unsent edit after resync: %v", s.clientID, err)
			continue
		}
		s.content = next
		kept = append(kept, batch)
	}
	s.queue = kept
	s.sendLocked()
	s.changeLocked()
}

func (s *Session) handleError(res co.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Printf("client %s: server rejected op: %s", s.clientID, res.Reason)
	s.inflight = nil
	if !res.ResyncRequired {
		// rejected outright; local speculation may have diverged
		s.requestResyncLocked()
	}
	// on ResyncRequired the server pushes the snapshot itself
}

func (s *Session) requestResyncLocked() {
	s.synced = false
	if s.conn != nil {
		s.conn.WriteJSON(co.Request{Type: co.ReqResync})
	}
}

func (s *Session) changeLocked() {
	if s.OnChange != nil {
		s.OnChange(s.content)
	}
}
