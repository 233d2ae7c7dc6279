//go:build linux || darwin

package tcpengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/songgao/water"
)

// TunTransport exchanges raw IPv4 datagrams with the host through a TUN
// device.
type TunTransport struct {
	ifce *water.Interface

	mu     sync.Mutex
	closed bool
}

// NewTunTransport opens (or creates) the TUN device called name. An empty
// name lets the system pick one.
func NewTunTransport(name string) (*TunTransport, error) {
	config := water.Config{
		DeviceType: water.TUN,
	}
	config.Name = name

	ifce, err := water.New(config)
	if err != nil {
		return nil, fmt.Errorf("open tun device %q: %w", name, err)
	}
	log.Info().Str("device", ifce.Name()).Msg("tun device opened")
	return &TunTransport{ifce: ifce}, nil
}

// Name returns the device name.
func (t *TunTransport) Name() string {
	return t.ifce.Name()
}

// Send implements Transport.
func (t *TunTransport) Send(raw []byte) error {
	if _, err := t.ifce.Write(raw); err != nil {
		return fmt.Errorf("tun write: %w", err)
	}
	return nil
}

// Pump reads datagrams from the device and queues them on e until ctx is
// done or the device is closed.
func (t *TunTransport) Pump(ctx context.Context, e *Engine) error {
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	buf := make([]byte, maxDatagramSize)
	for {
		n, err := t.ifce.Read(buf)
		if err != nil {
			if ctx.Err() != nil || t.isClosed() {
				return nil
			}
			return fmt.Errorf("tun read: %w", err)
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		e.Deliver(pkt)
	}
}

func (t *TunTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close releases the device.
func (t *TunTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.ifce.Close()
}
