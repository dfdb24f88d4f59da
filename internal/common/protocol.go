// Package common holds the wire protocol shared by the server and
// the client runtime.
package common

import (
	"fmt"
	"time"

	"github.com/coedit/coedit/internal/ot"
	"github.com/coedit/coedit/internal/session"
)

// client -> server message types
const (
	ReqInsert = "insert"
	ReqDelete = "delete"
	ReqCursor = "cursor"
	ReqResync = "resync"
)

// server -> client message types
const (
	Ack      = "ack"
	OpRes    = "op"
	DocRes   = "doc"
	Presence = "presence"
	OpError  = "operation_error"
)

type Request struct {
	Type         string    `json:"type"`
	Position     int       `json:"position"`
	Text         string    `json:"text,omitempty"`
	Length       int       `json:"length,omitempty"`
	BaseRevision int       `json:"baseRevision"`
	Seq          int       `json:"seq"`
	OpID         string    `json:"clientOpId,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
}

type Response struct {
	Type     string `json:"type"`
	Revision int    `json:"revision,omitempty"`
	Seq      int    `json:"seq,omitempty"`

	Ops  []ot.Op `json:"ops,omitempty"`  // OpRes broadcast payload
	Body string  `json:"body,omitempty"` // full document for DocRes

	Reason         string `json:"reason,omitempty"`
	ResyncRequired bool   `json:"resyncRequired,omitempty"`

	Participants []session.Participant `json:"participants,omitempty"`
}

// ToOperation maps a wire edit onto the session model. Only insert
// and delete may cross the wire; retain is internal to composition.
func (m Request) ToOperation(clientID string) (ot.Operation, error) {
	var op ot.Op
	switch m.Type {
	case ReqInsert:
		op = ot.Op{Kind: ot.Insert, Pos: m.Position, Text: m.Text, ClientID: clientID}
	case ReqDelete:
		op = ot.Op{Kind: ot.Delete, Pos: m.Position, Len: m.Length, ClientID: clientID}
	default:
		return ot.Operation{}, fmt.Errorf("%w: kind %q not submittable", ot.ErrInvalidOperation, m.Type)
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return ot.Operation{
		Ops:          []ot.Op{op},
		ClientID:     clientID,
		BaseRevision: m.BaseRevision,
		Seq:          m.Seq,
		OpID:         m.OpID,
		Timestamp:    ts,
	}, nil
}
