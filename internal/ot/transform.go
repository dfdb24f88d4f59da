package ot

// Transform rewrites pending so that it applies to the document after
// applied. Both batches are position-sorted against the same base
// revision. A pending delete overlapping an applied delete keeps only
// the portion not already removed; a pending delete spanning an
// applied insert splits around the inserted text (inserts are never
// dropped). Equal-position insert pairs order by client id, lower id
// first, so every coordinator resolves the tie identically.
func Transform(applied, pending []Op) []Op {
	var out []Op
	for _, p := range pending {
		if p.Noop() {
			continue
		}
		switch p.Kind {
		case Insert:
			out = append(out, transformInsert(p, applied))
		case Delete, Retain:
			out = append(out, transformSpan(p, applied)...)
		}
	}
	return out
}

// TransformAgainstHistory advances ops across each committed batch in
// revision order. Returns nil when the operation transforms away
// entirely (e.g. its whole range was already deleted).
func TransformAgainstHistory(ops []Op, committed [][]Op) []Op {
	for _, batch := range committed {
		ops = Transform(batch, ops)
		if len(ops) == 0 {
			return nil
		}
	}
	return ops
}

// shiftAt maps base position x into post-applied coordinates. tie
// decides whether an applied insert at exactly x lands before x.
func shiftAt(x int, applied []Op, tie func(Op) bool) int {
	pos := x
	for _, a := range applied {
		switch a.Kind {
		case Insert:
			if a.Pos < x || (a.Pos == x && tie(a)) {
				pos += len(a.Text)
			}
		case Delete:
			if a.Pos < x {
				if end := a.Pos + a.Len; end <= x {
					pos -= a.Len
				} else {
					pos -= x - a.Pos
				}
			}
		}
	}
	return pos
}

func transformInsert(p Op, applied []Op) Op {
	x := p.Pos
	// an applied delete spanning the insertion point collapses the
	// insert to the span start; the text survives
	for _, a := range applied {
		if a.Kind == Delete && a.Pos < x && x < a.Pos+a.Len {
			x = a.Pos
			break
		}
	}
	p.Pos = shiftAt(x, applied, func(a Op) bool {
		return a.ClientID < p.ClientID
	})
	return p
}

type span struct{ u, v int }

func transformSpan(p Op, applied []Op) []Op {
	segs := []span{{p.Pos, p.Pos + p.Len}}

	// clip away ranges an applied delete already removed
	for _, a := range applied {
		if a.Kind != Delete {
			continue
		}
		var next []span
		for _, s := range segs {
			if a.Pos+a.Len <= s.u || a.Pos >= s.v {
				next = append(next, s)
				continue
			}
			if a.Pos > s.u {
				next = append(next, span{s.u, a.Pos})
			}
			if a.Pos+a.Len < s.v {
				next = append(next, span{a.Pos + a.Len, s.v})
			}
		}
		segs = next
	}

	// split around applied inserts landing strictly inside a segment
	for _, a := range applied {
		if a.Kind != Insert {
			continue
		}
		var next []span
		for _, s := range segs {
			if s.u < a.Pos && a.Pos < s.v {
				next = append(next, span{s.u, a.Pos}, span{a.Pos, s.v})
			} else {
				next = append(next, s)
			}
		}
		segs = next
	}

	out := make([]Op, 0, len(segs))
	for _, s := range segs {
		// inserts at the segment start stay ahead of the span
		pos := shiftAt(s.u, applied, func(Op) bool { return true })
		out = append(out, Op{Kind: p.Kind, Pos: pos, Len: s.v - s.u, ClientID: p.ClientID})
	}
	return out
}
