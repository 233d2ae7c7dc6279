package tcpengine

import (
	"net/netip"
	"strings"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
)

// State is the TCP connection state.
type State int32

const (
	// StateClosed is the initial and terminal state.
	StateClosed State = iota
	// StateListen waits for SYNs on a bound address.
	StateListen
	// StateSynSent has sent a SYN and waits for SYN+ACK.
	StateSynSent
	// StateSynReceived is a child of a listener that answered a SYN with SYN+ACK.
	StateSynReceived
	// StateEstablished carries data in both directions.
	StateEstablished
	// StateFinWait1 has sent a FIN that is not yet acknowledged.
	StateFinWait1
	// StateFinWait2 has its FIN acknowledged and waits for the peer's FIN.
	StateFinWait2
	// StateCloseWait has received the peer's FIN and waits for a local close.
	StateCloseWait
	// StateLastAck has sent its FIN after the peer's and waits for the final ACK.
	StateLastAck
	// StateTimeWait quarantines the address pair for 2*MSL.
	StateTimeWait
)

// String returns the conventional upper-case state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// Flags is the TCP control bit set of a segment.
type Flags uint8

// Control bits, using the on-wire values.
const (
	FlagFIN Flags = header.TCPFlagFin
	FlagSYN Flags = header.TCPFlagSyn
	FlagRST Flags = header.TCPFlagRst
	FlagPSH Flags = header.TCPFlagPsh
	FlagACK Flags = header.TCPFlagAck
)

// Has reports whether any of the bits in o are set.
func (f Flags) Has(o Flags) bool {
	return f&o != 0
}

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	var names []string
	for _, fl := range []struct {
		bit  Flags
		name string
	}{{FlagSYN, "SYN"}, {FlagFIN, "FIN"}, {FlagRST, "RST"}, {FlagPSH, "PSH"}, {FlagACK, "ACK"}} {
		if f&fl.bit != 0 {
			names = append(names, fl.name)
		}
	}
	return strings.Join(names, "|")
}

// Segment is the decoded view of one TCP segment.
//
// SeqEnd is Seq plus the payload length, plus one for each of SYN and FIN,
// since both control bits occupy sequence space.
type Segment struct {
	Src     netip.AddrPort
	Dst     netip.AddrPort
	Seq     seqnum.Value
	SeqEnd  seqnum.Value
	Ack     seqnum.Value
	Flags   Flags
	Window  seqnum.Size
	Payload []byte
}

// PayloadLen returns the number of payload bytes.
func (s *Segment) PayloadLen() int {
	return len(s.Payload)
}

// seqLength returns the amount of sequence space the segment occupies.
func (s *Segment) seqLength() seqnum.Size {
	n := seqnum.Size(len(s.Payload))
	if s.Flags.Has(FlagSYN) {
		n++
	}
	if s.Flags.Has(FlagFIN) {
		n++
	}
	return n
}

// isPureACK reports whether ACK is the only control bit set.
func (s *Segment) isPureACK() bool {
	return s.Flags&^FlagPSH == FlagACK
}

// bufferedSegment is a retained copy of a raw datagram. It backs both the
// retransmission ledger and the reassembly set.
type bufferedSegment struct {
	seq    seqnum.Value
	seqEnd seqnum.Value
	flags  Flags
	length int
	raw    []byte
}

// newBufferedSegment copies raw so the caller may reuse its buffer.
func newBufferedSegment(seq, seqEnd seqnum.Value, flags Flags, raw []byte) *bufferedSegment {
	owned := make([]byte, len(raw))
	copy(owned, raw)
	return &bufferedSegment{
		seq:    seq,
		seqEnd: seqEnd,
		flags:  flags,
		length: len(owned),
		raw:    owned,
	}
}

// clone returns a fresh copy of the raw bytes for handing to a transport.
func (b *bufferedSegment) clone() []byte {
	out := make([]byte, b.length)
	copy(out, b.raw)
	return out
}
