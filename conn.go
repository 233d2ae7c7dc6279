package tcpengine

import (
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/rs/zerolog/log"
)

// Conn is one TCP connection or listener.
//
// Locks:
//   - mu serializes segment processing and the open/close/read/write primitives
//   - rcvMu guards the receive buffer, the reassembly set and rcvWnd
//   - sndMu guards the retransmission ledger
//   - ccMu guards the congestion controller
//
// State is atomic so the timer service can force CLOSED without mu.
type Conn struct {
	engine *Engine
	timers *TimerService

	local  netip.AddrPort
	remote netip.AddrPort

	state atomic.Int32

	mu sync.Mutex

	// Send sequence space, guarded by mu
	iss    seqnum.Value
	sndUna seqnum.Value
	sndNxt seqnum.Value
	sndWnd seqnum.Size

	// Receive sequence space, rcvNxt guarded by mu
	rcvNxt seqnum.Value

	rcvMu       sync.Mutex
	rcvWnd      seqnum.Size
	recvBuf     *recvBuffer
	ooo         reassemblySet
	finReceived bool

	sndMu  sync.Mutex
	ledger retransmissionLedger

	ccMu sync.Mutex
	cc   congestion

	retransTimer  *timer
	timeWaitTimer *timer

	// Listener side, guarded by mu. A pending child belongs to its listener
	// until the handshake completes; it then moves to accepted and the registry.
	backlog  int
	pending  []*Conn
	accepted []*Conn

	// parent is the listener that created a passive child. Set once before
	// the child is reachable from any other goroutine.
	parent *Conn

	connectCh chan struct{}
	acceptCh  chan struct{}
	sendCh    chan struct{}
	recvCh    chan struct{}
}

// newConn creates a CLOSED connection with the engine's initial windows.
func (e *Engine) newConn(local, remote netip.AddrPort) *Conn {
	c := &Conn{
		engine:    e,
		timers:    e.timers,
		local:     local,
		remote:    remote,
		sndWnd:    seqnum.Size(e.cfg.InitialSendWindow),
		rcvWnd:    seqnum.Size(e.cfg.InitialRecvWindow),
		cc:        congestion{cwnd: e.cfg.InitialCwnd, ssthresh: e.cfg.InitialSsthresh, state: CongOpen},
		connectCh: make(chan struct{}, 1),
		acceptCh:  make(chan struct{}, 1),
		sendCh:    make(chan struct{}, 1),
		recvCh:    make(chan struct{}, 1),
	}
	c.retransTimer = &timer{kind: timerRetransmit, owner: c}
	c.timeWaitTimer = &timer{kind: timerTimeWait, owner: c}
	return c
}

// LocalAddr returns the local address and port.
func (c *Conn) LocalAddr() netip.AddrPort { return c.local }

// RemoteAddr returns the remote address and port. It is the zero value for
// a listener.
func (c *Conn) RemoteAddr() netip.AddrPort { return c.remote }

func (c *Conn) String() string {
	return c.local.String() + "->" + c.remote.String()
}

// State returns the current connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// setState records a transition, emitting a diagnostics event. Entering
// CLOSED wakes every waiter.
func (c *Conn) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}

	log.Debug().
		Str("conn", c.String()).
		Str("from", old.String()).
		Str("to", s.String()).
		Msg("state transition")
	c.engine.sink.Emit(Event{Kind: EventState, Conn: c.String(), State: s, At: time.Now()})

	if s == StateClosed {
		c.wakeAll()
	}
}

// ConnectReady is signalled when an active open completes or fails.
func (c *Conn) ConnectReady() <-chan struct{} { return c.connectCh }

// AcceptReady is signalled when a child is queued for Accept.
func (c *Conn) AcceptReady() <-chan struct{} { return c.acceptCh }

// SendReady is signalled when send window space opens up.
func (c *Conn) SendReady() <-chan struct{} { return c.sendCh }

// RecvReady is signalled when bytes are delivered or the peer closes.
func (c *Conn) RecvReady() <-chan struct{} { return c.recvCh }

// notify performs a coalescing, non-blocking signal.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *Conn) wakeAll() {
	notify(c.connectCh)
	notify(c.acceptCh)
	notify(c.sendCh)
	notify(c.recvCh)
}

// recvWindow returns the receive window to advertise.
func (c *Conn) recvWindow() seqnum.Size {
	c.rcvMu.Lock()
	defer c.rcvMu.Unlock()
	return c.rcvWnd
}

// transmitLocked builds, encodes and sends one segment at sndNxt. Segments
// that occupy sequence space are buffered for retransmission and arm the
// retransmission timer.
// Must be called with c.mu held and c.rcvMu not held.
func (c *Conn) transmitLocked(flags Flags, payload []byte) error {
	seg := &Segment{
		Src:     c.local,
		Dst:     c.remote,
		Seq:     c.sndNxt,
		Ack:     c.rcvNxt,
		Flags:   flags,
		Window:  c.recvWindow(),
		Payload: payload,
	}
	seg.SeqEnd = seg.Seq.Add(seg.seqLength())

	raw, err := EncodeSegment(seg)
	if err != nil {
		return fmt.Errorf("encode %s segment: %w", flags, err)
	}

	if seg.seqLength() > 0 {
		c.sndMu.Lock()
		c.ledger.push(newBufferedSegment(seg.Seq, seg.SeqEnd, flags, raw))
		c.sndMu.Unlock()
		c.sndNxt = seg.SeqEnd
		c.timers.armRetransmit(c)
	}

	log.Debug().
		Str("conn", c.String()).
		Str("flags", flags.String()).
		Uint32("seq", uint32(seg.Seq)).
		Uint32("ack", uint32(seg.Ack)).
		Int("len", len(payload)).
		Msg("sending segment")
	return c.engine.output(raw)
}

// sendControlLocked emits a segment with flags and no payload.
// Must be called with c.mu held.
func (c *Conn) sendControlLocked(flags Flags) error {
	return c.transmitLocked(flags, nil)
}

// sendAckLocked emits a pure ACK for rcvNxt.
// Must be called with c.mu held.
func (c *Conn) sendAckLocked() {
	if err := c.sendControlLocked(FlagACK); err != nil {
		log.Warn().Err(err).Str("conn", c.String()).Msg("failed to send ack")
	}
}

// sendResetLocked emits RST|ACK at sndNxt.
// Must be called with c.mu held.
func (c *Conn) sendResetLocked() {
	inc(&c.engine.stats.ResetsSent)
	if err := c.sendControlLocked(FlagRST | FlagACK); err != nil {
		log.Warn().Err(err).Str("conn", c.String()).Msg("failed to send reset")
	}
}

// resetAfterGiveUp sends the RST for a connection the timer service has
// already forced to CLOSED, and releases its address pair. A child that gave
// up during its handshake leaves its listener's pending queue.
func (c *Conn) resetAfterGiveUp() {
	c.mu.Lock()
	c.sendResetLocked()
	c.mu.Unlock()
	c.engine.registry.remove(c)

	if l := c.parent; l != nil {
		l.mu.Lock()
		l.unlinkPendingLocked(c)
		l.mu.Unlock()
	}
}

// allocRecvBufferLocked sizes the delivered-byte buffer to the current
// receive window.
// Must be called with c.mu held.
func (c *Conn) allocRecvBufferLocked() {
	c.rcvMu.Lock()
	defer c.rcvMu.Unlock()
	buf, err := newRecvBuffer(int(c.rcvWnd))
	if err != nil {
		// Only reachable with a non-positive size, which newRecvBuffer clamps.
		log.Error().Err(err).Str("conn", c.String()).Msg("receive buffer allocation failed")
		return
	}
	c.recvBuf = buf
}

// appendLocked stores delivered bytes.
// Must be called with c.mu and c.rcvMu held.
func (c *Conn) appendLocked(p []byte) {
	if len(p) == 0 {
		return
	}
	if c.recvBuf == nil {
		log.Error().Str("conn", c.String()).Int("bytes", len(p)).Msg("no receive buffer, dropping payload")
		return
	}
	if !c.recvBuf.write(p) {
		log.Error().
			Str("conn", c.String()).
			Int("bytes", len(p)).
			Msg("receive buffer overrun, oldest bytes overwritten")
	}
	atomic.AddUint64(&c.engine.stats.BytesDelivered, uint64(len(p)))
}

// Write segments p into MSS-sized chunks and sends as many as the send
// window allows. It never blocks; the number of bytes accepted is returned
// and the caller retries the rest after SendReady fires.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateEstablished, StateCloseWait:
	case StateClosed:
		return 0, ErrClosed
	default:
		return 0, fmt.Errorf("write in %s: %w", c.State(), ErrInvalidState)
	}

	mss := c.engine.cfg.MSS
	written := 0
	for written < len(p) {
		avail := c.sendSpaceLocked()
		if avail <= 0 {
			break
		}
		n := min(mss, avail, len(p)-written)
		if err := c.transmitLocked(FlagACK|FlagPSH, p[written:written+n]); err != nil {
			return written, err
		}
		written += n
	}

	if written > 0 {
		log.Debug().
			Str("conn", c.String()).
			Int("bytes", written).
			Int("requested", len(p)).
			Msg("wrote data")
	}
	return written, nil
}

// sendSpaceLocked returns how many more bytes may be put in flight.
// Must be called with c.mu held.
func (c *Conn) sendSpaceLocked() int {
	wnd := min(int(c.sndWnd), c.congestionWindowBytes())
	inFlight := int(c.sndUna.Size(c.sndNxt))
	return wnd - inFlight
}

// Read copies delivered bytes into p. It never blocks: with nothing buffered
// it returns 0, nil, or io.EOF once the peer has closed. Reading re-opens the
// receive window; when it grows back past one MSS the peer is told.
func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rcvMu.Lock()
	if c.recvBuf == nil {
		c.rcvMu.Unlock()
		if c.State() == StateClosed {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("read in %s: %w", c.State(), ErrInvalidState)
	}

	n, err := c.recvBuf.read(p)
	if err != nil {
		c.rcvMu.Unlock()
		return n, err
	}
	if n == 0 {
		eof := c.finReceived || c.State() == StateClosed
		c.rcvMu.Unlock()
		if eof {
			return 0, io.EOF
		}
		return 0, nil
	}

	mss := seqnum.Size(c.engine.cfg.MSS)
	limit := seqnum.Size(c.engine.cfg.InitialRecvWindow)
	old := c.rcvWnd
	c.rcvWnd = min(c.rcvWnd+seqnum.Size(n), limit)
	wnd := c.rcvWnd
	reopened := old < mss && wnd >= mss
	c.rcvMu.Unlock()

	log.Debug().
		Str("conn", c.String()).
		Int("bytes", n).
		Uint32("rcvWnd", uint32(wnd)).
		Msg("read data")

	if reopened && c.State() != StateClosed {
		c.sendAckLocked()
	}
	return n, nil
}

// Buffered returns the number of delivered bytes waiting to be read.
func (c *Conn) Buffered() int {
	c.rcvMu.Lock()
	defer c.rcvMu.Unlock()
	if c.recvBuf == nil {
		return 0
	}
	return c.recvBuf.len()
}

// Accept pops the oldest fully established child of a listener.
func (c *Conn) Accept() (*Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != StateListen || len(c.accepted) == 0 {
		return nil, false
	}
	child := c.accepted[0]
	c.accepted[0] = nil
	c.accepted = c.accepted[1:]
	return child, true
}

// Close starts an active close. ESTABLISHED sends FIN and moves to
// FIN_WAIT_1, CLOSE_WAIT sends FIN and moves to LAST_ACK. A connection that
// never finished opening, or a listener, is closed and unregistered at once.
// Closing a connection that is already closing is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateEstablished:
		c.setState(StateFinWait1)
		return c.sendControlLocked(FlagFIN | FlagACK)
	case StateCloseWait:
		c.setState(StateLastAck)
		return c.sendControlLocked(FlagFIN | FlagACK)
	case StateListen:
		c.closePendingLocked()
		c.closeLocked()
		return nil
	case StateSynSent, StateSynReceived:
		c.closeLocked()
		return nil
	default:
		return nil
	}
}

// closePendingLocked closes every child of a listener that has not finished
// its handshake.
// Must be called with c.mu held.
func (c *Conn) closePendingLocked() {
	for _, child := range c.pending {
		child.closeLocked()
	}
	c.pending = nil
}

// unlinkPendingLocked drops child from the pending queue.
// Must be called with c.mu held.
func (c *Conn) unlinkPendingLocked(child *Conn) {
	for i, p := range c.pending {
		if p == child {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// closeLocked moves c to CLOSED, stops its timers and frees its address pair.
// Must be called with c.mu held, or on a child no other goroutine can reach.
func (c *Conn) closeLocked() {
	c.timers.disarmAll(c)
	c.setState(StateClosed)
	c.engine.registry.remove(c)
}

// ConnSnapshot is a point-in-time copy of a connection's variables.
type ConnSnapshot struct {
	State         State
	ISS           seqnum.Value
	SndUna        seqnum.Value
	SndNxt        seqnum.Value
	SndWnd        seqnum.Size
	RcvNxt        seqnum.Value
	RcvWnd        seqnum.Size
	Cwnd          int
	Ssthresh      int
	DupAcks       int
	CongState     CongState
	RecoveryPoint seqnum.Value
	Unacked       int
	OutOfOrder    int
	Buffered      int
	Pending       int
	Accepted      int
}

// Snapshot returns a consistent copy of c's sequence and congestion variables.
func (c *Conn) Snapshot() ConnSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := ConnSnapshot{
		State:    c.State(),
		ISS:      c.iss,
		SndUna:   c.sndUna,
		SndNxt:   c.sndNxt,
		SndWnd:   c.sndWnd,
		RcvNxt:   c.rcvNxt,
		Pending:  len(c.pending),
		Accepted: len(c.accepted),
	}

	c.rcvMu.Lock()
	s.RcvWnd = c.rcvWnd
	s.OutOfOrder = c.ooo.len()
	if c.recvBuf != nil {
		s.Buffered = c.recvBuf.len()
	}
	c.rcvMu.Unlock()

	c.sndMu.Lock()
	s.Unacked = c.ledger.len()
	c.sndMu.Unlock()

	c.ccMu.Lock()
	s.Cwnd = c.cc.cwnd
	s.Ssthresh = c.cc.ssthresh
	s.DupAcks = c.cc.dupAcks
	s.CongState = c.cc.state
	s.RecoveryPoint = c.cc.recoveryPoint
	c.ccMu.Unlock()

	return s
}
