package tcpengine

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
)

// RawTransport exchanges IPv4 datagrams through an ip4:tcp raw socket.
// It needs CAP_NET_RAW, and the host stack sees the same segments, so it
// will answer segments for ports it does not know with its own RSTs unless
// they are filtered.
type RawTransport struct {
	pc net.PacketConn
	rc *ipv4.RawConn

	mu     sync.Mutex
	closed bool
}

// NewRawTransport opens a raw socket bound to addr ("" or "0.0.0.0" for
// every local address).
func NewRawTransport(addr string) (*RawTransport, error) {
	if addr == "" {
		addr = "0.0.0.0"
	}
	pc, err := net.ListenPacket("ip4:tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen ip4:tcp on %s: %w", addr, err)
	}
	rc, err := ipv4.NewRawConn(pc)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("raw conn on %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Msg("raw socket opened")
	return &RawTransport{pc: pc, rc: rc}, nil
}

// Send implements Transport. The IPv4 header of raw is handed to the socket
// as is.
func (t *RawTransport) Send(raw []byte) error {
	h, err := ipv4.ParseHeader(raw)
	if err != nil {
		return fmt.Errorf("parse outbound header: %w", err)
	}
	if err := t.rc.WriteTo(h, raw[h.Len:], nil); err != nil {
		return fmt.Errorf("raw write to %s: %w", h.Dst, err)
	}
	return nil
}

// Pump reads datagrams from the socket and queues them on e until ctx is
// done or the socket is closed.
func (t *RawTransport) Pump(ctx context.Context, e *Engine) error {
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	buf := make([]byte, maxDatagramSize)
	for {
		h, payload, _, err := t.rc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || t.isClosed() {
				return nil
			}
			return fmt.Errorf("raw read: %w", err)
		}
		n := h.Len + len(payload)
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		e.Deliver(pkt)
	}
}

func (t *RawTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close closes the socket.
func (t *RawTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.rc.Close()
}
