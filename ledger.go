package tcpengine

import (
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/rs/zerolog/log"
)

// retransmissionLedger holds transmitted but unacknowledged segments in send
// order, which is also sequence order. Guarded by Conn.sndMu.
type retransmissionLedger struct {
	segs []*bufferedSegment
}

func (l *retransmissionLedger) push(b *bufferedSegment) {
	l.segs = append(l.segs, b)
}

// front returns the oldest unacknowledged segment, or nil.
func (l *retransmissionLedger) front() *bufferedSegment {
	if len(l.segs) == 0 {
		return nil
	}
	return l.segs[0]
}

// find returns the segment starting at seq, or nil.
func (l *retransmissionLedger) find(seq seqnum.Value) *bufferedSegment {
	for _, b := range l.segs {
		if b.seq == seq {
			return b
		}
	}
	return nil
}

func (l *retransmissionLedger) len() int {
	return len(l.segs)
}

// prune removes every segment fully covered by ack and returns how many
// were removed.
func (l *retransmissionLedger) prune(ack seqnum.Value) int {
	kept := l.segs[:0]
	for _, b := range l.segs {
		if b.seqEnd.LessThanEq(ack) {
			continue
		}
		kept = append(kept, b)
	}
	removed := len(l.segs) - len(kept)
	for i := len(kept); i < len(l.segs); i++ {
		l.segs[i] = nil
	}
	l.segs = kept
	return removed
}

// updateRetransmission applies an incoming acknowledgment to c's ledger.
// Progress restarts the retransmission timer from the initial interval; an
// empty ledger disarms it. Returns the number of segments released.
func (ts *TimerService) updateRetransmission(c *Conn, ack seqnum.Value) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	c.sndMu.Lock()
	removed := c.ledger.prune(ack)
	empty := c.ledger.len() == 0
	c.sndMu.Unlock()

	t := c.retransTimer
	if removed > 0 {
		t.attempts = 0
		t.remaining = ts.cfg.InitialRetransInterval
		log.Debug().
			Str("conn", c.String()).
			Uint32("ack", uint32(ack)).
			Int("released", removed).
			Msg("acknowledged segments released")
	}
	if empty && t.armed {
		ts.disarmLocked(t)
	}
	return removed
}
