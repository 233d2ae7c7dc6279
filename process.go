package tcpengine

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/rs/zerolog/log"
)

// Process runs one decoded inbound segment through c's state machine. raw is
// the encoded datagram seg was decoded from; it is copied if the segment has
// to be buffered. A nil c is a lookup failure: it is reported, counted and
// returned as ErrNoConnection without touching any state.
func (e *Engine) Process(c *Conn, seg *Segment, raw []byte) error {
	if c == nil {
		inc(&e.stats.LookupFailures)
		log.Warn().
			Str("src", seg.Src.String()).
			Str("dst", seg.Dst.String()).
			Str("flags", seg.Flags.String()).
			Msg("connection lookup failed, dropping segment")
		return ErrNoConnection
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.processLocked(seg, raw)
	return nil
}

// processLocked dispatches by state. Exactly one state handler runs per
// segment, except that FIN_WAIT_1 may fall through to FIN_WAIT_2 handling
// when the segment carries both ACK and FIN.
// Must be called with c.mu held.
func (c *Conn) processLocked(seg *Segment, raw []byte) {
	c.logProcessingSegment(seg)

	if seg.Flags.Has(FlagRST) {
		c.handleResetLocked(seg)
		return
	}

	if seg.Flags.Has(FlagACK) {
		if c.timers.updateRetransmission(c, seg.Ack) > 0 {
			notify(c.sendCh)
		}
	}

	switch c.State() {
	case StateSynSent:
		c.handleSynSentLocked(seg)
	case StateListen:
		c.handleListenLocked(seg, raw)
	case StateLastAck:
		c.handleLastAckLocked(seg)
	case StateFinWait1:
		c.handleFinWait1Locked(seg)
	case StateFinWait2:
		c.handleFinWait2Locked(seg)
	case StateEstablished:
		c.handleEstablishedLocked(seg, raw)
	case StateCloseWait:
		c.handleCloseWaitLocked(seg)
	case StateTimeWait:
		c.handleTimeWaitLocked(seg)
	default:
		log.Debug().
			Str("conn", c.String()).
			Str("state", c.State().String()).
			Str("flags", seg.Flags.String()).
			Msg("ignoring segment")
	}
}

func (c *Conn) logProcessingSegment(seg *Segment) {
	log.Debug().
		Str("conn", c.String()).
		Str("state", c.State().String()).
		Str("flags", seg.Flags.String()).
		Uint32("seq", uint32(seg.Seq)).
		Uint32("seqEnd", uint32(seg.SeqEnd)).
		Uint32("ack", uint32(seg.Ack)).
		Uint32("window", uint32(seg.Window)).
		Int("len", seg.PayloadLen()).
		Msg("processing segment")
}

// handleResetLocked closes c on an inbound RST, whatever its state. A
// listener takes its pending children down with it.
// Must be called with c.mu held.
func (c *Conn) handleResetLocked(seg *Segment) {
	inc(&c.engine.stats.ResetsReceived)

	log.Debug().
		Str("conn", c.String()).
		Str("state", c.State().String()).
		Str("source", seg.Src.String()).
		Msg("connection reset by peer")

	if c.State() == StateListen {
		c.closePendingLocked()
	}
	c.closeLocked()
}

// handleSynSentLocked completes an active open.
// Must be called with c.mu held.
func (c *Conn) handleSynSentLocked(seg *Segment) {
	if !seg.Flags.Has(FlagSYN) {
		return
	}

	c.rcvNxt = seg.SeqEnd
	if seg.Flags.Has(FlagACK) && seqInClosedRange(seg.Ack, c.sndUna, c.sndNxt) {
		c.sndUna = seqMax(c.sndUna, seg.Ack)
	}

	if !seg.Flags.Has(FlagACK) {
		log.Debug().Str("conn", c.String()).Msg("syn without ack in SYN_SENT, waiting for syn-ack")
		return
	}

	c.updateWindowLocked(seg)
	c.sendAckLocked()
	c.setState(StateEstablished)
	c.allocRecvBufferLocked()
	notify(c.connectCh)

	log.Debug().
		Str("conn", c.String()).
		Uint32("rcvNxt", uint32(c.rcvNxt)).
		Uint32("sndUna", uint32(c.sndUna)).
		Msg("connection established")
}

// handleListenLocked creates children on SYN and completes handshakes on ACK.
// Must be called with c.mu held.
func (c *Conn) handleListenLocked(seg *Segment, raw []byte) {
	switch {
	case seg.Flags.Has(FlagSYN):
		c.handleSynLocked(seg)
	case seg.Flags.Has(FlagACK):
		c.handleHandshakeAckLocked(seg, raw)
	}
}

// handleSynLocked admits a SYN and answers it with SYN+ACK from a new child.
// Must be called with c.mu held.
func (c *Conn) handleSynLocked(seg *Segment) {
	e := c.engine

	if child := c.findPendingLocked(seg.Src); child != nil {
		// The child's SYN+ACK is on its retransmission timer already.
		log.Debug().Str("conn", child.String()).Msg("duplicate syn for pending connection")
		return
	}

	if err := c.admitLocked(seg); err != nil {
		inc(&e.stats.AdmissionRejects)
		if errors.Is(err, ErrAccessDenied) {
			e.sendResetFor(seg)
		}
		return
	}

	isn, err := e.isn()
	if err != nil {
		log.Error().Err(err).Msg("cannot create connection for syn")
		return
	}

	child := e.newConn(seg.Dst, seg.Src)
	child.iss = isn
	child.sndUna = isn
	child.sndNxt = isn
	child.rcvNxt = seg.SeqEnd
	if seg.Flags.Has(FlagACK) && seqInClosedRange(seg.Ack, child.sndUna, child.sndNxt) {
		child.sndUna = seqMax(child.iss, seg.Ack)
	}
	child.sndWnd = c.sndWnd
	child.parent = c
	child.setState(StateSynReceived)
	c.pending = append(c.pending, child)

	if err := child.sendControlLocked(FlagSYN | FlagACK); err != nil {
		log.Warn().Err(err).Str("conn", child.String()).Msg("failed to send syn-ack")
	}

	log.Debug().
		Str("conn", child.String()).
		Uint32("iss", uint32(isn)).
		Int("pending", len(c.pending)).
		Msg("received syn, queued pending connection")
}

// admitLocked applies the access list, the backlog and the SYN rate limit.
// Must be called with c.mu held.
func (c *Conn) admitLocked(seg *Segment) error {
	e := c.engine
	src := seg.Src.Addr()

	if err := e.access.CheckAndLog(src); err != nil {
		return err
	}

	c.prunePendingLocked()
	if len(c.pending)+len(c.accepted) >= c.backlog {
		log.Warn().
			Str("listener", c.String()).
			Str("source", seg.Src.String()).
			Int("backlog", c.backlog).
			Msg("listen backlog full, dropping syn")
		return fmt.Errorf("%w: %d", ErrBacklogFull, c.backlog)
	}

	if err := e.synLimit.CheckAndRecord(src); err != nil {
		log.Warn().Err(err).Str("source", src.String()).Msg("dropping syn")
		return err
	}
	return nil
}

// handleHandshakeAckLocked moves the pending child for seg's source to
// ESTABLISHED, registers it and queues it for Accept.
// Must be called with c.mu held.
func (c *Conn) handleHandshakeAckLocked(seg *Segment, raw []byte) {
	e := c.engine

	child := c.takePendingLocked(seg.Src)
	if child == nil {
		inc(&e.stats.StrayAcks)
		log.Warn().
			Str("listener", c.String()).
			Str("source", seg.Src.String()).
			Msg("no pending connection for handshake ack")
		return
	}

	c.timers.updateRetransmission(child, seg.Ack)
	if seqInClosedRange(seg.Ack, child.sndUna, child.sndNxt) {
		child.sndUna = seg.Ack
	}
	child.setState(StateEstablished)
	child.allocRecvBufferLocked()

	if err := e.registry.insert(child); err != nil {
		log.Warn().Err(err).Str("conn", child.String()).Msg("cannot register accepted connection")
		child.closeLocked()
		return
	}

	// Data riding on the handshake ACK belongs to the child.
	if seg.PayloadLen() > 0 || seg.Flags.Has(FlagFIN) {
		child.mu.Lock()
		child.handleEstablishedLocked(seg, raw)
		child.mu.Unlock()
	}

	c.accepted = append(c.accepted, child)
	notify(c.acceptCh)

	log.Debug().
		Str("conn", child.String()).
		Int("accepted", len(c.accepted)).
		Msg("connection established")
}

// findPendingLocked returns the pending child whose peer is src.
// Must be called with c.mu held.
func (c *Conn) findPendingLocked(src netip.AddrPort) *Conn {
	for _, child := range c.pending {
		if child.remote == src && child.State() == StateSynReceived {
			return child
		}
	}
	return nil
}

// takePendingLocked removes and returns the oldest pending child whose peer
// is src.
// Must be called with c.mu held.
func (c *Conn) takePendingLocked(src netip.AddrPort) *Conn {
	c.prunePendingLocked()
	for i, child := range c.pending {
		if child.remote == src {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return child
		}
	}
	return nil
}

// prunePendingLocked drops children the timer service already closed.
// Must be called with c.mu held.
func (c *Conn) prunePendingLocked() {
	kept := c.pending[:0]
	for _, child := range c.pending {
		if child.State() != StateClosed {
			kept = append(kept, child)
		}
	}
	for i := len(kept); i < len(c.pending); i++ {
		c.pending[i] = nil
	}
	c.pending = kept
}

// handleLastAckLocked closes the connection once its FIN is acknowledged.
// Must be called with c.mu held.
func (c *Conn) handleLastAckLocked(seg *Segment) {
	if !seg.isPureACK() || seg.Ack != c.sndNxt {
		return
	}
	log.Debug().Str("conn", c.String()).Msg("received last ack, closing connection")
	c.closeLocked()
}

// handleFinWait1Locked waits for the ACK of our FIN.
// Must be called with c.mu held.
func (c *Conn) handleFinWait1Locked(seg *Segment) {
	if !seg.Flags.Has(FlagACK) || seg.Ack != c.sndNxt {
		return
	}
	c.sndUna = seg.Ack
	c.setState(StateFinWait2)

	if seg.Flags.Has(FlagFIN) {
		c.handleFinWait2Locked(seg)
	}
}

// handleFinWait2Locked acknowledges the peer's FIN and enters TIME_WAIT.
// Must be called with c.mu held.
func (c *Conn) handleFinWait2Locked(seg *Segment) {
	if !seg.Flags.Has(FlagFIN) {
		return
	}

	c.rcvNxt = seg.SeqEnd
	if seg.Flags.Has(FlagACK) && seqInClosedRange(seg.Ack, c.sndUna, c.sndNxt) {
		c.sndUna = seqMax(c.sndUna, seg.Ack)
	}

	c.rcvMu.Lock()
	c.finReceived = true
	c.rcvMu.Unlock()

	c.sendAckLocked()
	c.setState(StateTimeWait)
	c.timers.armTimeWait(c)
	notify(c.recvCh)
}

// handleTimeWaitLocked acknowledges a retransmitted FIN, whose sender lost
// our final ACK.
// Must be called with c.mu held.
func (c *Conn) handleTimeWaitLocked(seg *Segment) {
	if seg.Flags.Has(FlagFIN) {
		c.sendAckLocked()
	}
}

// handleCloseWaitLocked keeps the send side moving after the peer closed.
// Must be called with c.mu held.
func (c *Conn) handleCloseWaitLocked(seg *Segment) {
	if !seg.Flags.Has(FlagACK) {
		return
	}
	if c.updateWindowLocked(seg) {
		c.sndUna = seqMax(c.sndUna, seg.Ack)
	}
}

// handleEstablishedLocked runs the window update, the congestion controller
// and the receive path, then acknowledges anything that occupied sequence
// space. Segments buffered out of order are not acknowledged.
// Must be called with c.mu held.
func (c *Conn) handleEstablishedLocked(seg *Segment, raw []byte) {
	if seg.Flags.Has(FlagACK) && c.updateWindowLocked(seg) {
		c.updateCongestionLocked(seg)
	}

	buffered := false
	if c.seqAcceptableLocked(seg) {
		buffered = c.receiveLocked(seg, raw)
	} else {
		inc(&c.engine.stats.InvalidSeqDrops)
		log.Warn().
			Str("conn", c.String()).
			Uint32("seq", uint32(seg.Seq)).
			Uint32("seqEnd", uint32(seg.SeqEnd)).
			Uint32("rcvNxt", uint32(c.rcvNxt)).
			Msg("received segment with invalid seq, dropping it")
	}

	if buffered {
		return
	}
	if seg.PayloadLen() > 0 || seg.Flags.Has(FlagSYN|FlagFIN) {
		c.sendAckLocked()
	}
}

// updateWindowLocked sets sndWnd from an ACK inside [sndUna, sndNxt]. ACKs
// outside that range are reported and leave sndWnd alone.
// Must be called with c.mu held.
func (c *Conn) updateWindowLocked(seg *Segment) bool {
	if !seqInClosedRange(seg.Ack, c.sndUna, c.sndNxt) {
		inc(&c.engine.stats.WindowUpdateRejects)
		log.Warn().
			Str("conn", c.String()).
			Uint32("ack", uint32(seg.Ack)).
			Uint32("sndUna", uint32(c.sndUna)).
			Uint32("sndNxt", uint32(c.sndNxt)).
			Msg("ack outside send window, skipping window update")
		return false
	}

	old := c.sndWnd
	c.sndWnd = min(seg.Window, seqnum.Size(c.congestionWindowBytes()))
	if old == 0 && c.sndWnd > 0 {
		notify(c.sendCh)
	}
	return true
}

// seqAcceptableLocked reports whether seg overlaps the receive window.
// Must be called with c.mu held.
func (c *Conn) seqAcceptableLocked(seg *Segment) bool {
	wnd := max(c.recvWindow(), 1)
	end := c.rcvNxt.Add(wnd)
	return seg.Seq.LessThan(end) && c.rcvNxt.LessThanEq(seg.SeqEnd)
}

// receiveLocked handles an acceptable segment and reports whether it was
// buffered out of order.
// Must be called with c.mu held.
func (c *Conn) receiveLocked(seg *Segment, raw []byte) bool {
	switch {
	case seg.Seq == c.rcvNxt:
		c.receiveInOrderLocked(seg)
		return false

	case c.rcvNxt.LessThan(seg.Seq) && seg.SeqEnd.LessThanEq(c.rcvNxt.Add(c.recvWindow())):
		if seg.Flags.Has(FlagACK) {
			c.bufferOutOfOrderLocked(seg, raw)
		}
		return true

	default:
		inc(&c.engine.stats.Redundant)
		log.Debug().
			Str("conn", c.String()).
			Uint32("seq", uint32(seg.Seq)).
			Uint32("rcvNxt", uint32(c.rcvNxt)).
			Msg("redundant segment")
		return false
	}
}

// receiveInOrderLocked advances rcvNxt, delivers the payload and drains any
// buffered segments that became contiguous.
// Must be called with c.mu held.
func (c *Conn) receiveInOrderLocked(seg *Segment) {
	c.rcvNxt = seg.SeqEnd

	c.rcvMu.Lock()
	c.rcvWnd = shrinkWindow(c.rcvWnd, seg.PayloadLen())
	fin := seg.Flags.Has(FlagFIN)
	delivered := 0
	if seg.Flags.Has(FlagACK) {
		if seqInClosedRange(seg.Ack, c.sndUna, c.sndNxt) {
			c.sndUna = seqMax(c.sndUna, seg.Ack)
		}
		if seg.PayloadLen() > 0 {
			c.appendLocked(seg.Payload)
			delivered += seg.PayloadLen()
		}
		n, drainedFin := c.drainLocked()
		delivered += n
		fin = fin || drainedFin
	}
	if fin {
		c.finReceived = true
	}
	c.rcvMu.Unlock()

	if fin {
		log.Debug().Str("conn", c.String()).Msg("peer closed, passively closing connection")
		c.setState(StateCloseWait)
	}
	if delivered > 0 || fin {
		notify(c.recvCh)
	}
}

// bufferOutOfOrderLocked keeps a copy of raw in the reassembly set.
// Must be called with c.mu held.
func (c *Conn) bufferOutOfOrderLocked(seg *Segment, raw []byte) {
	c.rcvMu.Lock()
	added := c.ooo.insert(newBufferedSegment(seg.Seq, seg.SeqEnd, seg.Flags, raw))
	queued := c.ooo.len()
	c.rcvMu.Unlock()

	if !added {
		return
	}
	inc(&c.engine.stats.OutOfOrderBuffered)
	log.Debug().
		Str("conn", c.String()).
		Uint32("seq", uint32(seg.Seq)).
		Uint32("rcvNxt", uint32(c.rcvNxt)).
		Int("queued", queued).
		Msg("buffered out-of-order segment")
}
