package tcpengine

import (
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/rs/zerolog/log"
)

// reassemblySet holds out-of-order inbound segments sorted ascending by
// start sequence. Segments are never coalesced. Guarded by Conn.rcvMu.
type reassemblySet struct {
	segs []*bufferedSegment
}

// insert places b in sorted position. It returns false when a segment with
// the same start sequence is already buffered.
func (r *reassemblySet) insert(b *bufferedSegment) bool {
	n := len(r.segs)
	switch {
	case n == 0:
		r.segs = append(r.segs, b)
		return true
	case n == 1:
		only := r.segs[0]
		if b.seq == only.seq {
			return false
		}
		if b.seq.LessThan(only.seq) {
			r.insertAt(0, b)
		} else {
			r.segs = append(r.segs, b)
		}
		return true
	}

	if b.seq.LessThan(r.segs[0].seq) {
		r.insertAt(0, b)
		return true
	}
	if r.segs[n-1].seq.LessThan(b.seq) {
		r.segs = append(r.segs, b)
		return true
	}
	for i := 0; i < n-1; i++ {
		cur, next := r.segs[i], r.segs[i+1]
		if b.seq == cur.seq || b.seq == next.seq {
			return false
		}
		if seqStrictlyBetween(b.seq, cur.seq, next.seq) {
			r.insertAt(i+1, b)
			return true
		}
	}
	return false
}

func (r *reassemblySet) insertAt(i int, b *bufferedSegment) {
	r.segs = append(r.segs, nil)
	copy(r.segs[i+1:], r.segs[i:])
	r.segs[i] = b
}

func (r *reassemblySet) popFront() {
	r.segs[0] = nil
	r.segs = r.segs[1:]
}

func (r *reassemblySet) len() int {
	return len(r.segs)
}

// seqs returns the buffered start sequences in order.
func (r *reassemblySet) seqs() []seqnum.Value {
	out := make([]seqnum.Value, len(r.segs))
	for i, b := range r.segs {
		out[i] = b.seq
	}
	return out
}

// drainLocked moves every buffered segment that has become contiguous with
// rcvNxt into the receive buffer. Segments already behind rcvNxt are
// discarded. Returns the number of payload bytes delivered and whether a
// drained segment carried FIN.
// Must be called with c.mu and c.rcvMu held.
func (c *Conn) drainLocked() (int, bool) {
	delivered := 0
	fin := false
	for c.ooo.len() > 0 {
		head := c.ooo.segs[0]
		switch {
		case head.seq == c.rcvNxt:
			payload, err := payloadOf(head.raw)
			if err != nil {
				log.Error().Err(err).Uint32("seq", uint32(head.seq)).Msg("buffered segment unreadable, discarding")
				c.ooo.popFront()
				continue
			}
			c.rcvNxt = head.seqEnd
			c.rcvWnd = shrinkWindow(c.rcvWnd, len(payload))
			c.appendLocked(payload)
			delivered += len(payload)
			if head.flags.Has(FlagFIN) {
				fin = true
			}
			c.ooo.popFront()

			log.Debug().
				Uint32("seq", uint32(head.seq)).
				Int("bytes", len(payload)).
				Uint32("rcvNxt", uint32(c.rcvNxt)).
				Msg("delivered buffered segment")

		case head.seq.LessThan(c.rcvNxt):
			inc(&c.engine.stats.StaleDrained)
			log.Warn().
				Str("conn", c.String()).
				Uint32("seq", uint32(head.seq)).
				Uint32("rcvNxt", uint32(c.rcvNxt)).
				Msg("stale out-of-order segment discarded")
			c.ooo.popFront()

		default:
			return delivered, fin
		}
	}
	return delivered, fin
}
