package tcpengine

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/stretchr/testify/require"
)

var (
	testLocal  = netip.MustParseAddrPort("10.0.0.1:5000")
	testRemote = netip.MustParseAddrPort("10.0.0.2:6000")
)

// recordingTransport keeps every datagram the engine sends.
type recordingTransport struct {
	mu   sync.Mutex
	sent [][]byte
	fail error
}

func (r *recordingTransport) Send(raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(raw))
	copy(cp, raw)
	r.sent = append(r.sent, cp)
	return r.fail
}

// segments decodes everything sent so far.
func (r *recordingTransport) segments(t *testing.T) []*Segment {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Segment, 0, len(r.sent))
	for _, raw := range r.sent {
		seg, err := DecodeSegment(raw)
		require.NoError(t, err, "engine emitted an undecodable datagram")
		out = append(out, seg)
	}
	return out
}

// last returns the most recent segment sent.
func (r *recordingTransport) last(t *testing.T) *Segment {
	t.Helper()
	segs := r.segments(t)
	require.NotEmpty(t, segs, "nothing was sent")
	return segs[len(segs)-1]
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *recordingTransport) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

// testConfig uses round numbers so timer tests can count scans.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.InitialRetransInterval = 100 * time.Millisecond
	cfg.TimerScanInterval = 10 * time.Millisecond
	cfg.MSL = 50 * time.Millisecond
	cfg.MSS = 100
	return cfg
}

func fixedISN(v seqnum.Value) Option {
	return WithISN(func() seqnum.Value { return v })
}

// newTestEngine returns an engine that is not started: tests drive ingress
// with HandleSegment and time with Scan.
func newTestEngine(t *testing.T, cfg *Config, opts ...Option) (*Engine, *recordingTransport) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	tr := &recordingTransport{}
	e, err := NewEngine(cfg, tr, opts...)
	require.NoError(t, err)
	return e, tr
}

// newEstablishedConn registers an ESTABLISHED connection testLocal->testRemote
// whose next send sequence is iss+1 and next expected receive is irs+1.
func newEstablishedConn(t *testing.T, e *Engine, iss, irs seqnum.Value) *Conn {
	t.Helper()
	c := e.newConn(testLocal, testRemote)
	c.mu.Lock()
	c.iss = iss
	c.sndUna = iss + 1
	c.sndNxt = iss + 1
	c.rcvNxt = irs + 1
	c.setState(StateEstablished)
	c.allocRecvBufferLocked()
	c.mu.Unlock()
	require.NoError(t, e.registry.insert(c))
	return c
}

// peerSegment builds a segment travelling from testRemote to testLocal.
func peerSegment(seq, ack seqnum.Value, flags Flags, payload []byte) *Segment {
	seg := &Segment{
		Src:     testRemote,
		Dst:     testLocal,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  65535,
		Payload: payload,
	}
	seg.SeqEnd = seg.Seq.Add(seg.seqLength())
	return seg
}

// inject encodes seg and runs it through the engine's ingress path.
func inject(t *testing.T, e *Engine, seg *Segment) error {
	t.Helper()
	raw, err := EncodeSegment(seg)
	require.NoError(t, err)
	return e.HandleSegment(raw)
}

// scanFor runs as many timer scans as fit in d.
func scanFor(e *Engine, d time.Duration) {
	for i := time.Duration(0); i < d/e.cfg.TimerScanInterval; i++ {
		e.timers.Scan()
	}
}

func bytesOf(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}
