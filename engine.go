package tcpengine

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/rs/zerolog/log"
)

const synHistoryCleanupInterval = time.Second

// Transport carries encoded IPv4 datagrams to the peer. Send is called with
// engine locks held and must not block on the peer's processing.
type Transport interface {
	Send(raw []byte) error
}

// Engine owns the connections of one host: it decodes inbound datagrams,
// routes them through the connection registry into the state machine, and
// runs the timer service.
type Engine struct {
	cfg       *Config
	transport Transport
	registry  *Registry
	timers    *TimerService
	sink      Sink
	stats     Stats
	access    *accessFilter
	synLimit  *synLimiter
	isn       func() (seqnum.Value, error)

	ingress chan []byte

	mu      sync.Mutex
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option customizes an Engine.
type Option func(*Engine)

// WithSink sets the diagnostics sink. The default discards every event.
func WithSink(s Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithISN replaces the random initial sequence number generator.
func WithISN(next func() seqnum.Value) Option {
	return func(e *Engine) {
		e.isn = func() (seqnum.Value, error) { return next(), nil }
	}
}

// NewEngine creates an engine sending through tr. A transport with a
// Bind(*Engine) method is bound to the new engine for its inbound side.
func NewEngine(cfg *Config, tr Transport, opts ...Option) (*Engine, error) {
	if tr == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// The access filter mutates its config, keep the caller's untouched.
	accessCfg := cfg.AccessList
	accessCfg.Prefixes = append([]string(nil), cfg.AccessList.Prefixes...)

	e := &Engine{
		cfg:       cfg,
		transport: tr,
		registry:  newRegistry(),
		sink:      nopSink{},
		access:    newAccessFilter(&accessCfg),
		synLimit:  newSynLimiter(cfg.MaxSynPerSecond),
		isn:       generateISN,
		ingress:   make(chan []byte, cfg.IngressQueueSize),
	}
	e.timers = newTimerService(cfg, e)
	for _, opt := range opts {
		opt(e)
	}

	if b, ok := tr.(interface{ Bind(*Engine) }); ok {
		b.Bind(e)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() *Config { return e.cfg }

// Timers returns the engine's timer service.
func (e *Engine) Timers() *TimerService { return e.timers }

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats { return e.stats.snapshot() }

// Connections returns the registered connections ordered by address pair.
func (e *Engine) Connections() []*Conn { return e.registry.Connections() }

// AccessList returns a copy of the listener access list configuration.
func (e *Engine) AccessList() *AccessListConfig { return e.access.GetConfig() }

// SetAccessList replaces the listener access list.
func (e *Engine) SetAccessList(cfg *AccessListConfig) {
	if cfg != nil {
		cp := *cfg
		cp.Prefixes = append([]string(nil), cfg.Prefixes...)
		cfg = &cp
	}
	e.access.SetConfig(cfg)
	log.Info().Int("prefixes", e.access.Count()).Msg("access list updated")
}

// AddToAccessList adds a prefix or address to the access list.
func (e *Engine) AddToAccessList(prefix string) error {
	return e.access.AddPrefix(prefix)
}

// RemoveFromAccessList removes a prefix or address from the access list.
func (e *Engine) RemoveFromAccessList(prefix string) {
	e.access.RemovePrefix(prefix)
}

// Start launches the timer scan loop and the ingress processor. They run
// until ctx is done or Close is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		e.timers.Run(e.ctx)
	}()
	go e.processPackets()
	go e.cleanupLoop()

	log.Info().Int("mss", e.cfg.MSS).Msg("engine started")
	return nil
}

// processPackets drains the ingress queue until the engine stops.
func (e *Engine) processPackets() {
	defer e.wg.Done()

	log.Debug().Msg("packet processor started")
	defer log.Debug().Msg("packet processor stopped")

	for {
		select {
		case <-e.ctx.Done():
			return
		case raw := <-e.ingress:
			if err := e.HandleSegment(raw); err != nil {
				log.Debug().Err(err).Msg("dropped inbound segment")
			}
		}
	}
}

// cleanupLoop forgets SYN history of quiet sources once a second.
func (e *Engine) cleanupLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(synHistoryCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.synLimit.CleanupStaleHistory()
		}
	}
}

// Deliver queues an inbound datagram for the ingress processor. It never
// blocks; when the queue is full the datagram is dropped. raw must not be
// modified by the caller afterwards.
func (e *Engine) Deliver(raw []byte) {
	select {
	case e.ingress <- raw:
	default:
		inc(&e.stats.IngressDrops)
		log.Warn().Int("queue", cap(e.ingress)).Msg("ingress queue full, dropping datagram")
	}
}

// HandleSegment decodes raw, finds its connection and processes it on the
// calling goroutine.
func (e *Engine) HandleSegment(raw []byte) error {
	inc(&e.stats.SegmentsIn)

	seg, err := DecodeSegment(raw)
	if err != nil {
		inc(&e.stats.DecodeErrors)
		log.Warn().Err(err).Int("len", len(raw)).Msg("failed to decode segment")
		return err
	}

	c := e.registry.lookup(seg.Dst, seg.Src)
	return e.Process(c, seg, raw)
}

// output hands an encoded datagram to the transport.
func (e *Engine) output(raw []byte) error {
	inc(&e.stats.SegmentsOut)
	if err := e.transport.Send(raw); err != nil {
		inc(&e.stats.TransportErrors)
		log.Warn().Err(err).Msg("transport send failed")
		return fmt.Errorf("transport send: %w", err)
	}
	return nil
}

// Dial starts an active open from local to remote and returns the
// connection in SYN_SENT. ConnectReady fires once it is established or has
// given up.
func (e *Engine) Dial(local, remote netip.AddrPort) (*Conn, error) {
	if !local.IsValid() || !remote.IsValid() {
		return nil, fmt.Errorf("dial %s->%s: invalid address", local, remote)
	}

	isn, err := e.isn()
	if err != nil {
		return nil, err
	}

	c := e.newConn(local, remote)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.iss = isn
	c.sndUna = isn
	c.sndNxt = isn
	if err := e.registry.insert(c); err != nil {
		return nil, err
	}

	c.setState(StateSynSent)
	if err := c.sendControlLocked(FlagSYN); err != nil {
		c.closeLocked()
		return nil, err
	}

	log.Debug().
		Str("conn", c.String()).
		Uint32("iss", uint32(isn)).
		Msg("connecting")
	return c, nil
}

// Listen opens a passive connection on local. Handshakes from any remote
// are completed on its behalf and queued for Accept. A backlog of zero or
// less uses the configured default. An unspecified address accepts on every
// local address with that port.
func (e *Engine) Listen(local netip.AddrPort, backlog int) (*Conn, error) {
	if backlog <= 0 {
		backlog = e.cfg.DefaultBacklog
	}

	c := e.newConn(local, netip.AddrPort{})
	c.backlog = backlog
	if err := e.registry.insert(c); err != nil {
		return nil, err
	}
	c.setState(StateListen)

	log.Info().Str("local", local.String()).Int("backlog", backlog).Msg("listening")
	return c, nil
}

// sendResetFor answers seg with RST on behalf of no connection.
func (e *Engine) sendResetFor(seg *Segment) {
	rst := &Segment{
		Src:   seg.Dst,
		Dst:   seg.Src,
		Ack:   seg.SeqEnd,
		Flags: FlagRST | FlagACK,
	}
	if seg.Flags.Has(FlagACK) {
		rst.Seq = seg.Ack
	}
	rst.SeqEnd = rst.Seq

	raw, err := EncodeSegment(rst)
	if err != nil {
		log.Warn().Err(err).Msg("cannot encode reset")
		return
	}
	inc(&e.stats.ResetsSent)
	if err := e.output(raw); err != nil {
		return
	}
	log.Debug().
		Str("src", rst.Src.String()).
		Str("dst", rst.Dst.String()).
		Msg("sent reset")
}

// Close stops the engine loops and moves every connection to CLOSED
// without sending anything.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	log.Info().Msg("closing engine")

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	e.closeAllConnections()
	return nil
}

func (e *Engine) closeAllConnections() {
	for _, c := range e.registry.Connections() {
		c.mu.Lock()
		c.closePendingLocked()
		c.closeLocked()
		c.mu.Unlock()
	}
}

// generateISN draws a random initial sequence number.
func generateISN() (seqnum.Value, error) {
	var isn [4]byte
	if _, err := rand.Read(isn[:]); err != nil {
		return 0, fmt.Errorf("generate random ISN: %w", err)
	}
	return seqnum.Value(binary.BigEndian.Uint32(isn[:])), nil
}
