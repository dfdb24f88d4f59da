package ot

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidOperation = errors.New("invalid operation")

const (
	Insert = "insert"
	Delete = "delete"
	Retain = "retain"
)

// Op is a single primitive edit step. Positions refer to the document
// revision the op was computed against.
type Op struct {
	Kind string `json:"type"`
	Pos  int    `json:"position"`
	Text string `json:"text,omitempty"`   // Insert payload
	Len  int    `json:"length,omitempty"` // Delete/Retain span

	ClientID string `json:"clientId,omitempty"`
}

// Operation is a client edit plus routing metadata. Ops holds a single
// primitive as submitted; transformation against history may split it
// into several pieces, all positioned against the same base.
type Operation struct {
	Ops          []Op      `json:"ops"`
	ClientID     string    `json:"clientId"`
	BaseRevision int       `json:"baseRevision"`
	Seq          int       `json:"seq"`
	OpID         string    `json:"clientOpId"`
	Timestamp    time.Time `json:"timestamp"`
}

// Span returns the count of input characters the op consumes.
func (op Op) Span() int {
	if op.Kind == Insert {
		return 0
	}
	return op.Len
}

func (op Op) end() int { return op.Pos + op.Span() }

// Noop reports whether the op has no effect and can be dropped.
func (op Op) Noop() bool {
	switch op.Kind {
	case Insert:
		return op.Text == ""
	case Delete, Retain:
		return op.Len == 0
	}
	return false
}

// Validate checks the op against a document of the given length.
func (op Op) Validate(docLen int) error {
	if op.Pos < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, op.Pos)
	}
	switch op.Kind {
	case Insert:
		if op.Pos > docLen {
			return fmt.Errorf("%w: insert at %d beyond document length %d", ErrInvalidOperation, op.Pos, docLen)
		}
	case Delete, Retain:
		if op.Len <= 0 {
			return fmt.Errorf("%w: %s length %d", ErrInvalidOperation, op.Kind, op.Len)
		}
		if op.Pos+op.Len > docLen {
			return fmt.Errorf("%w: %s [%d,%d) beyond document length %d", ErrInvalidOperation, op.Kind, op.Pos, op.Pos+op.Len, docLen)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	return nil
}

// UnmarshalJSON rejects unknown op kinds at the wire boundary.
func (op *Op) UnmarshalJSON(data []byte) error {
	type raw Op
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	switch r.Kind {
	case Insert, Delete, Retain:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, r.Kind)
	}
	*op = Op(r)
	return nil
}

// Apply applies a position-sorted batch of ops to content in a single
// pass. All positions refer to the input string; deletes must not
// overlap. An insert and a delete may share a position (the insert
// lands before the deleted span).
func Apply(content string, ops []Op) (string, error) {
	var b strings.Builder
	i := 0
	for _, op := range ops {
		if err := op.Validate(len(content)); err != nil {
			return "", err
		}
		if op.Pos < i {
			return "", fmt.Errorf("%w: op at %d overlaps previous op ending at %d", ErrInvalidOperation, op.Pos, i)
		}
		b.WriteString(content[i:op.Pos])
		i = op.Pos
		switch op.Kind {
		case Insert:
			b.WriteString(op.Text)
		case Delete:
			i += op.Len
		case Retain:
			b.WriteString(content[i : i+op.Len])
			i += op.Len
		}
	}
	b.WriteString(content[i:])
	return b.String(), nil
}

// Compose merges two sequential same-client primitives into one
// equivalent op when contiguous: b starts where a's cursor ended.
// Reports false when the pair does not compose.
func Compose(a, b Op) (Op, bool) {
	if a.ClientID != b.ClientID {
		return Op{}, false
	}
	switch {
	case a.Kind == Insert && b.Kind == Insert && b.Pos == a.Pos+len(a.Text):
		return Op{Kind: Insert, Pos: a.Pos, Text: a.Text + b.Text, ClientID: a.ClientID}, true
	case a.Kind == Delete && b.Kind == Delete && b.Pos == a.Pos:
		// forward deletes at a fixed point
		return Op{Kind: Delete, Pos: a.Pos, Len: a.Len + b.Len, ClientID: a.ClientID}, true
	case a.Kind == Delete && b.Kind == Delete && b.Pos+b.Len == a.Pos:
		// backspacing
		return Op{Kind: Delete, Pos: b.Pos, Len: a.Len + b.Len, ClientID: a.ClientID}, true
	}
	return Op{}, false
}
