package tcpengine

import (
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/rs/zerolog/log"
)

// CongState is the congestion control sub-state of an established connection.
type CongState int

const (
	// CongOpen covers slow start and congestion avoidance.
	CongOpen CongState = iota
	// CongFastRecovery follows a fast retransmit until recoveryPoint is acknowledged.
	CongFastRecovery
	// CongLoss is set while a retransmission timeout is being handled.
	CongLoss
)

func (s CongState) String() string {
	switch s {
	case CongOpen:
		return "open"
	case CongFastRecovery:
		return "fast_recovery"
	case CongLoss:
		return "loss"
	default:
		return "unknown"
	}
}

// congestion is the Reno-style controller state. cwnd and ssthresh are in
// MSS units. Guarded by Conn.ccMu.
type congestion struct {
	cwnd          int
	ssthresh      int
	caAcked       int
	dupAcks       int
	state         CongState
	recoveryPoint seqnum.Value
}

// ackResult tells the caller what onAck decided.
type ackResult struct {
	changed      bool
	retransmit   bool
	retransmitAt seqnum.Value
	fast         bool // entered fast recovery on this ACK
}

// onAck applies one acknowledgment that passed the window check. sndUna and
// sndNxt are the values before the ACK is applied to the send sequence.
func (cc *congestion) onAck(ack, sndUna, sndNxt seqnum.Value, mss, dupThreshold int) ackResult {
	var res ackResult

	switch cc.state {
	case CongFastRecovery:
		switch {
		case ack == sndUna:
			cc.cwnd++
			res.changed = true
		case seqStrictlyBetween(ack, sndUna, cc.recoveryPoint):
			res.retransmit = true
			res.retransmitAt = ack
		case cc.recoveryPoint.LessThanEq(ack):
			cc.state = CongOpen
			cc.dupAcks = 0
		}

	default:
		if cc.cwnd < cc.ssthresh {
			cc.cwnd++
			res.changed = true
		} else {
			cc.caAcked += int(sndUna.Size(ack))
			if cc.caAcked >= cc.cwnd*mss {
				cc.caAcked = 0
				cc.cwnd++
				res.changed = true
			}
		}

		if ack != sndUna {
			cc.dupAcks = 0
			break
		}
		cc.dupAcks++
		if cc.dupAcks >= dupThreshold {
			cc.ssthresh = max(1, cc.cwnd/2)
			cc.cwnd = cc.ssthresh
			cc.dupAcks = 0
			cc.state = CongFastRecovery
			cc.recoveryPoint = sndNxt
			res.changed = true
			res.fast = true
			res.retransmit = true
			res.retransmitAt = sndUna
		}
	}
	return res
}

// onTimeout collapses the window after a retransmission timeout.
func (cc *congestion) onTimeout() {
	cc.ssthresh = max(1, cc.cwnd/2)
	cc.cwnd = 1
	cc.caAcked = 0
	cc.dupAcks = 0
	cc.state = CongLoss
}

// updateCongestionLocked runs the controller for an ACK on an established
// connection and performs any retransmission it asks for.
// Must be called with c.mu held.
func (c *Conn) updateCongestionLocked(seg *Segment) {
	cfg := c.engine.cfg

	c.ccMu.Lock()
	before := c.cc.state
	res := c.cc.onAck(seg.Ack, c.sndUna, c.sndNxt, cfg.MSS, cfg.DupAckThreshold)
	cwnd, ssthresh, after := c.cc.cwnd, c.cc.ssthresh, c.cc.state
	c.ccMu.Unlock()

	if res.changed {
		c.emitCwnd(cwnd, ssthresh)
	}
	if before != after {
		log.Debug().
			Str("conn", c.String()).
			Str("from", before.String()).
			Str("to", after.String()).
			Int("cwnd", cwnd).
			Int("ssthresh", ssthresh).
			Msg("congestion state changed")
	}
	if res.retransmit {
		c.fastRetransmitLocked(res.retransmitAt)
	}
}

// fastRetransmitLocked resends the buffered segment starting at seq, if any.
// Must be called with c.mu held.
func (c *Conn) fastRetransmitLocked(seq seqnum.Value) {
	c.sndMu.Lock()
	b := c.ledger.find(seq)
	var raw []byte
	if b != nil {
		raw = b.clone()
	}
	c.sndMu.Unlock()

	if raw == nil {
		log.Debug().Uint32("seq", uint32(seq)).Msg("no buffered segment for fast retransmit")
		return
	}

	inc(&c.engine.stats.FastRetransmissions)
	c.engine.sink.Emit(Event{Kind: EventRetransmit, Conn: c.String(), State: c.State(), At: time.Now()})
	log.Debug().
		Str("conn", c.String()).
		Uint32("seq", uint32(seq)).
		Msg("fast retransmit")
	if err := c.engine.output(raw); err != nil {
		log.Debug().Err(err).Str("conn", c.String()).Msg("fast retransmission not sent")
	}
}

// onRetransmitTimeout applies the loss response to the congestion state.
func (c *Conn) onRetransmitTimeout() {
	c.ccMu.Lock()
	c.cc.onTimeout()
	cwnd, ssthresh := c.cc.cwnd, c.cc.ssthresh
	c.ccMu.Unlock()
	c.emitCwnd(cwnd, ssthresh)
}

// reopenCongestion returns the controller to the open sub-state after a
// timeout has been handled.
func (c *Conn) reopenCongestion() {
	c.ccMu.Lock()
	c.cc.state = CongOpen
	c.ccMu.Unlock()
}

func (c *Conn) congestionWindowBytes() int {
	c.ccMu.Lock()
	defer c.ccMu.Unlock()
	return c.cc.cwnd * c.engine.cfg.MSS
}

func (c *Conn) emitCwnd(cwnd, ssthresh int) {
	c.engine.sink.Emit(Event{
		Kind:     EventCwnd,
		Conn:     c.String(),
		Cwnd:     cwnd,
		Ssthresh: ssthresh,
		State:    c.State(),
		At:       time.Now(),
	})
}
