package tcpengine

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/rs/zerolog/log"
)

// maxDatagramSize bounds a single read from a device or socket.
const maxDatagramSize = 65535

// Link is one end of an in-memory point-to-point connection between two
// engines. Datagrams sent on one end are queued on the engine bound to the
// other end, after an optional deterministic random loss.
type Link struct {
	mu      sync.Mutex
	peer    *Link
	engine  *Engine
	loss    float64
	rng     *rand.Rand
	sent    uint64
	dropped uint64
}

// NewLinkPair returns two connected link ends. Each direction drops a
// datagram with probability lossRate, drawn from its own generator seeded
// from seed so that runs are reproducible.
func NewLinkPair(lossRate float64, seed int64) (*Link, *Link) {
	a := &Link{loss: lossRate, rng: rand.New(rand.NewSource(seed))}
	b := &Link{loss: lossRate, rng: rand.New(rand.NewSource(seed + 1))}
	a.peer = b
	b.peer = a
	return a, b
}

// Bind attaches the engine that receives datagrams arriving on this end.
// NewEngine calls it automatically.
func (l *Link) Bind(e *Engine) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.engine = e
}

// SetLoss changes the loss rate of the direction leaving this end.
func (l *Link) SetLoss(rate float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loss = rate
}

// Send implements Transport. The datagram is copied, so the caller may
// reuse raw.
func (l *Link) Send(raw []byte) error {
	l.mu.Lock()
	l.sent++
	drop := l.loss > 0 && l.rng.Float64() < l.loss
	if drop {
		l.dropped++
	}
	l.mu.Unlock()

	if drop {
		log.Debug().Int("len", len(raw)).Msg("link dropped datagram")
		return nil
	}

	l.peer.mu.Lock()
	target := l.peer.engine
	l.peer.mu.Unlock()
	if target == nil {
		return fmt.Errorf("link peer has no engine bound")
	}

	cp := make([]byte, len(raw))
	copy(cp, raw)
	target.Deliver(cp)
	return nil
}

// Counts returns how many datagrams were sent on this end and how many of
// those were dropped.
func (l *Link) Counts() (sent, dropped uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent, l.dropped
}
