package server

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"

	co "github.com/coedit/coedit/internal/common"
	"github.com/coedit/coedit/internal/ot"
	"github.com/coedit/coedit/internal/session"
)

const sendBuffer = 64

// Client is one websocket participant on one document. Reads happen
// on the connection goroutine; writes are funneled through a
// buffered send channel so broadcasts never block the coordinator.
type Client struct {
	s     *Server
	coord *session.Coordinator
	docID string
	uid   string
	conn  *websocket.Conn

	send chan co.Response
	done chan struct{}
}

func (s *Server) newClient(docID, uid string, coord *session.Coordinator, conn *websocket.Conn) *Client {
	return &Client{
		s:     s,
		coord: coord,
		docID: docID,
		uid:   uid,
		conn:  conn,
		send:  make(chan co.Response, sendBuffer),
		done:  make(chan struct{}),
	}
}

// push enqueues a message; a full buffer means the consumer is too
// slow to keep its view current, so the connection is dropped and
// the client rejoins for a snapshot.
func (c *Client) push(res co.Response) {
	select {
	case c.send <- res:
	case <-c.done:
	default:
		droppedConns.Inc()
		c.close()
	}
}

func (c *Client) close() {
	select {
	case <-c.done:
	default:
		close(c.done)
		c.conn.Close()
	}
}

func (c *Client) writePump() {
	for {
		select {
		case res := <-c.send:
			if err := c.conn.WriteJSON(res); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// interact is the read loop: one message in, one edit or cursor
// move handled, until the connection dies.
func (c *Client) interact() {
	defer func() {
		c.close()
		c.s.detach(c)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.coord.Leave(ctx, c.uid); err != nil && !errors.Is(err, session.ErrSessionClosed) {
			log.Printf("ws %s/%s: leave: %v", c.docID, c.uid, err)
		}
		cancel()
	}()

	for {
		var m co.Request
		if err := c.conn.ReadJSON(&m); err != nil {
			return
		}

		switch m.Type {
		case co.ReqInsert, co.ReqDelete:
			c.handleEdit(m)
		case co.ReqCursor:
			c.coord.UpdateCursor(c.uid, m.Position)
		case co.ReqResync:
			c.resync()
		default:
			c.push(co.Response{Type: co.OpError, Reason: "unknown message type"})
		}
	}
}

func (c *Client) handleEdit(m co.Request) {
	op, err := m.ToOperation(c.uid)
	if err != nil {
		opsRejected.WithLabelValues("malformed").Inc()
		c.push(co.Response{Type: co.OpError, Reason: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	acc, err := c.coord.Submit(ctx, op)
	cancel()
	if err != nil {
		c.reject(m, err)
		return
	}

	opsAccepted.Inc()
	c.push(co.Response{Type: co.Ack, Revision: acc.Revision, Seq: m.Seq})
}

// reject reports a failed submission to the originating client only.
// ResyncRequired additionally pushes a fresh snapshot, since it is a
// mandatory protocol step rather than a user-facing error.
func (c *Client) reject(m co.Request, err error) {
	switch {
	case errors.Is(err, session.ErrResyncRequired):
		c.push(co.Response{Type: co.OpError, Reason: "resync required", ResyncRequired: true, Seq: m.Seq})
		c.resync()
	case errors.Is(err, session.ErrOutOfSequence):
		opsRejected.WithLabelValues("out_of_sequence").Inc()
		log.Printf("ws %s/%s: %v", c.docID, c.uid, err)
		c.push(co.Response{Type: co.OpError, Reason: err.Error(), Seq: m.Seq})
	case errors.Is(err, ot.ErrInvalidOperation):
		opsRejected.WithLabelValues("invalid").Inc()
		log.Printf("ws %s/%s: %v", c.docID, c.uid, err)
		c.push(co.Response{Type: co.OpError, Reason: err.Error(), Seq: m.Seq})
	case errors.Is(err, session.ErrSessionClosed):
		c.close()
	default:
		c.push(co.Response{Type: co.OpError, Reason: "internal error", Seq: m.Seq})
	}
}

func (c *Client) resync() {
	resyncs.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := c.coord.Resync(ctx, c.uid, func(js session.JoinState) {
		c.push(co.Response{Type: co.DocRes, Body: js.Content, Revision: js.Revision, Seq: js.NextSeq})
	})
	cancel()
	if err != nil {
		c.close()
	}
}
