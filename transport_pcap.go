package tcpengine

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog/log"
)

// PcapTransport records every outbound datagram to a pcap stream before
// passing it to the wrapped transport. Datagrams are written with the raw IP
// link type, so captures open directly in packet analyzers.
type PcapTransport struct {
	next Transport

	mu  sync.Mutex
	w   *pcapgo.Writer
	now func() time.Time
}

// NewPcapTransport writes the pcap file header to w and returns a transport
// wrapping next.
func NewPcapTransport(w io.Writer, next Transport) (*PcapTransport, error) {
	pw := pcapgo.NewWriterNanos(w)
	if err := pw.WriteFileHeader(maxDatagramSize, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &PcapTransport{next: next, w: pw, now: time.Now}, nil
}

// Bind forwards to the wrapped transport when it needs an engine.
func (p *PcapTransport) Bind(e *Engine) {
	if b, ok := p.next.(interface{ Bind(*Engine) }); ok {
		b.Bind(e)
	}
}

// Send implements Transport. A capture failure does not stop the datagram.
func (p *PcapTransport) Send(raw []byte) error {
	p.mu.Lock()
	err := p.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     p.now(),
		Length:        len(raw),
		CaptureLength: len(raw),
	}, raw)
	p.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Msg("pcap write failed")
	}
	return p.next.Send(raw)
}
