package tcpengine

import "sync/atomic"

// Stats counts engine-wide protocol events. Every condition the engine
// reports (drops, rejects, inconsistencies) has a counter here.
type Stats struct {
	SegmentsIn     uint64 // Datagrams handed to HandleSegment
	SegmentsOut    uint64 // Datagrams handed to the transport, retransmissions included
	BytesDelivered uint64 // Payload bytes appended to receive buffers
	DecodeErrors   uint64 // Datagrams rejected by the codec
	IngressDrops   uint64 // Datagrams dropped because the ingress queue was full
	LookupFailures uint64 // Segments with no matching connection

	WindowUpdateRejects uint64 // ACKs outside [sndUna, sndNxt]
	InvalidSeqDrops     uint64 // Segments failing the receive validity gate
	OutOfOrderBuffered  uint64 // Segments added to a reassembly set
	StaleDrained        uint64 // Buffered segments discarded as already received
	Redundant           uint64 // Retransmissions of data already received
	StrayAcks           uint64 // ACKs to a listener with no pending child

	Retransmissions       uint64 // Timer-driven retransmissions
	FastRetransmissions   uint64 // Retransmissions triggered by duplicate or partial ACKs
	Timeouts              uint64 // Retransmission timer expiries
	GiveUps               uint64 // Connections reset after exhausting retransmissions
	LedgerInconsistencies uint64 // Timer expiries with an empty retransmission ledger

	ResetsSent       uint64
	ResetsReceived   uint64
	AdmissionRejects uint64 // SYNs refused by access list, backlog, or rate limit
	TransportErrors  uint64 // Transport.Send failures
}

// inc atomically increments one counter.
func inc(counter *uint64) {
	atomic.AddUint64(counter, 1)
}

// snapshot returns a copy of the counters using atomic loads.
func (s *Stats) snapshot() Stats {
	return Stats{
		SegmentsIn:            atomic.LoadUint64(&s.SegmentsIn),
		SegmentsOut:           atomic.LoadUint64(&s.SegmentsOut),
		BytesDelivered:        atomic.LoadUint64(&s.BytesDelivered),
		DecodeErrors:          atomic.LoadUint64(&s.DecodeErrors),
		IngressDrops:          atomic.LoadUint64(&s.IngressDrops),
		LookupFailures:        atomic.LoadUint64(&s.LookupFailures),
		WindowUpdateRejects:   atomic.LoadUint64(&s.WindowUpdateRejects),
		InvalidSeqDrops:       atomic.LoadUint64(&s.InvalidSeqDrops),
		OutOfOrderBuffered:    atomic.LoadUint64(&s.OutOfOrderBuffered),
		StaleDrained:          atomic.LoadUint64(&s.StaleDrained),
		Redundant:             atomic.LoadUint64(&s.Redundant),
		StrayAcks:             atomic.LoadUint64(&s.StrayAcks),
		Retransmissions:       atomic.LoadUint64(&s.Retransmissions),
		FastRetransmissions:   atomic.LoadUint64(&s.FastRetransmissions),
		Timeouts:              atomic.LoadUint64(&s.Timeouts),
		GiveUps:               atomic.LoadUint64(&s.GiveUps),
		LedgerInconsistencies: atomic.LoadUint64(&s.LedgerInconsistencies),
		ResetsSent:            atomic.LoadUint64(&s.ResetsSent),
		ResetsReceived:        atomic.LoadUint64(&s.ResetsReceived),
		AdmissionRejects:      atomic.LoadUint64(&s.AdmissionRejects),
		TransportErrors:       atomic.LoadUint64(&s.TransportErrors),
	}
}
