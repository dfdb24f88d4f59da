package session

import (
	"sort"
	"time"

	"github.com/coedit/coedit/internal/ot"
)

// Participant is a connected editor's observational state. Loss or
// staleness here never affects document convergence.
type Participant struct {
	ClientID string    `json:"clientId"`
	Cursor   int       `json:"cursor"`
	JoinedAt time.Time `json:"joinedAt"`
}

// presence is owned by the coordinator loop; no locking of its own.
type presence struct {
	parts map[string]*Participant
}

func newPresence() *presence {
	return &presence{parts: make(map[string]*Participant)}
}

func (p *presence) join(clientID string) {
	if _, ok := p.parts[clientID]; !ok {
		p.parts[clientID] = &Participant{ClientID: clientID, JoinedAt: time.Now()}
	}
}

func (p *presence) leave(clientID string) {
	delete(p.parts, clientID)
}

func (p *presence) cursor(clientID string, pos int) {
	if part, ok := p.parts[clientID]; ok && pos >= 0 {
		part.Cursor = pos
	}
}

// shift moves every cursor past an accepted batch so stale cursors
// stay roughly meaningful until the next update.
func (p *presence) shift(ops []ot.Op) {
	for _, part := range p.parts {
		for _, op := range ops {
			switch op.Kind {
			case ot.Insert:
				if op.Pos <= part.Cursor {
					part.Cursor += len(op.Text)
				}
			case ot.Delete:
				if op.Pos < part.Cursor {
					if op.Pos+op.Len <= part.Cursor {
						part.Cursor -= op.Len
					} else {
						part.Cursor = op.Pos
					}
				}
			}
		}
	}
}

func (p *presence) list() []Participant {
	out := make([]Participant, 0, len(p.parts))
	for _, part := range p.parts {
		out = append(out, *part)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
