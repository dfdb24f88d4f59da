package session

import (
	"errors"

	"github.com/coedit/coedit/internal/ot"
)

var (
	// ErrInvalidOperation rejects an op failing position/length
	// validation against the current content. The client must
	// recompute from its latest known state.
	ErrInvalidOperation = ot.ErrInvalidOperation

	// ErrOutOfSequence rejects an op submitted outside the client's
	// own submission order.
	ErrOutOfSequence = errors.New("operation out of sequence")

	// ErrResyncRequired means the op's base revision fell outside
	// the retained history window. A normal protocol condition, not
	// exceptional: the client rejoins for a fresh snapshot.
	ErrResyncRequired = errors.New("resync required")

	// ErrSessionNotFound means no session is open for the document.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed means the session was torn down while the
	// call was in flight.
	ErrSessionClosed = errors.New("session closed")
)
