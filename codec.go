package tcpengine

import (
	"encoding/binary"
	"math"
	"net/netip"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

const (
	ipProtoTCP         = 6
	defaultTTL         = 64
	tcpPseudoHeaderLen = 12
)

// EncodeSegment serializes seg as an IPv4 datagram carrying one TCP segment
// without options. Both the IPv4 header checksum and the TCP checksum are
// filled in. Windows above 65535 are clamped.
func EncodeSegment(seg *Segment) ([]byte, error) {
	src, dst := seg.Src.Addr(), seg.Dst.Addr()
	if !src.Is4() || !dst.Is4() {
		return nil, errors.Wrapf(ErrMalformed, "non-ipv4 address pair %s -> %s", seg.Src, seg.Dst)
	}

	window := seg.Window
	if window > math.MaxUint16 {
		window = math.MaxUint16
	}

	tcpLen := header.TCPMinimumSize + len(seg.Payload)
	totalLen := ipv4header.HeaderLen + tcpLen
	if totalLen > math.MaxUint16 {
		return nil, errors.Wrapf(ErrMalformed, "datagram too large: %d bytes", totalLen)
	}

	tcp := header.TCP(make([]byte, tcpLen))
	tcp.Encode(&header.TCPFields{
		SrcPort:    seg.Src.Port(),
		DstPort:    seg.Dst.Port(),
		SeqNum:     uint32(seg.Seq),
		AckNum:     uint32(seg.Ack),
		DataOffset: header.TCPMinimumSize,
		Flags:      uint8(seg.Flags),
		WindowSize: uint16(window),
	})
	copy(tcp[header.TCPMinimumSize:], seg.Payload)
	tcp.SetChecksum(tcpChecksum(src, dst, tcp) ^ 0xffff)

	ipHdr := ipv4header.IPv4Header{
		Version:  4,
		Len:      ipv4header.HeaderLen,
		TotalLen: totalLen,
		TTL:      defaultTTL,
		Protocol: ipProtoTCP,
		Src:      src,
		Dst:      dst,
		Options:  []byte{},
	}
	hdrBytes, err := ipHdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal ipv4 header")
	}
	ipHdr.Checksum = int(header.Checksum(hdrBytes, 0) ^ 0xffff)
	hdrBytes, err = ipHdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal ipv4 header")
	}

	out := make([]byte, 0, totalLen)
	out = append(out, hdrBytes...)
	out = append(out, tcp...)
	return out, nil
}

// DecodeSegment parses and verifies a raw IPv4 datagram. The returned
// segment owns a copy of the payload.
func DecodeSegment(raw []byte) (*Segment, error) {
	ipHdr, tcp, err := splitDatagram(raw)
	if err != nil {
		return nil, err
	}

	if header.Checksum(raw[:ipHdr.Len], 0) != 0xffff {
		return nil, errors.Wrap(ErrChecksum, "ipv4 header")
	}
	if tcpChecksum(ipHdr.Src, ipHdr.Dst, tcp) != 0xffff {
		return nil, errors.Wrapf(ErrChecksum, "tcp segment %s -> %s", ipHdr.Src, ipHdr.Dst)
	}

	payload := tcp[tcp.DataOffset():]
	seg := &Segment{
		Src:     netip.AddrPortFrom(ipHdr.Src, tcp.SourcePort()),
		Dst:     netip.AddrPortFrom(ipHdr.Dst, tcp.DestinationPort()),
		Seq:     seqnum.Value(tcp.SequenceNumber()),
		Ack:     seqnum.Value(tcp.AckNumber()),
		Flags:   Flags(tcp.Flags()),
		Window:  seqnum.Size(tcp.WindowSize()),
		Payload: append([]byte(nil), payload...),
	}
	seg.SeqEnd = seg.Seq.Add(seg.seqLength())
	return seg, nil
}

// payloadOf returns the TCP payload of a datagram that was already
// validated on ingress. The slice aliases raw.
func payloadOf(raw []byte) ([]byte, error) {
	_, tcp, err := splitDatagram(raw)
	if err != nil {
		return nil, err
	}
	return tcp[tcp.DataOffset():], nil
}

// splitDatagram parses the IPv4 header and bounds-checks the TCP segment.
func splitDatagram(raw []byte) (*ipv4header.IPv4Header, header.TCP, error) {
	ipHdr, err := ipv4header.ParseHeader(raw)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrMalformed, "parse ipv4 header: %v", err)
	}
	if ipHdr.Version != 4 {
		return nil, nil, errors.Wrapf(ErrMalformed, "ip version %d", ipHdr.Version)
	}
	if ipHdr.Protocol != ipProtoTCP {
		return nil, nil, errors.Wrapf(ErrMalformed, "ip protocol %d is not tcp", ipHdr.Protocol)
	}
	if ipHdr.Len < ipv4header.HeaderLen || ipHdr.TotalLen > len(raw) ||
		ipHdr.TotalLen < ipHdr.Len+header.TCPMinimumSize {
		return nil, nil, errors.Wrapf(ErrMalformed, "bad lengths: header %d total %d buffer %d",
			ipHdr.Len, ipHdr.TotalLen, len(raw))
	}

	tcp := header.TCP(raw[ipHdr.Len:ipHdr.TotalLen])
	offset := int(tcp.DataOffset())
	if offset < header.TCPMinimumSize || offset > len(tcp) {
		return nil, nil, errors.Wrapf(ErrMalformed, "tcp data offset %d", offset)
	}
	return ipHdr, tcp, nil
}

// tcpChecksum returns the ones' complement sum of the IPv4 pseudo-header and
// the TCP segment. A segment with a correct checksum field sums to 0xffff.
func tcpChecksum(src, dst netip.Addr, tcp []byte) uint16 {
	pseudo := make([]byte, tcpPseudoHeaderLen)
	s4, d4 := src.As4(), dst.As4()
	copy(pseudo[0:4], s4[:])
	copy(pseudo[4:8], d4[:])
	pseudo[9] = ipProtoTCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(tcp)))
	return header.Checksum(tcp, header.Checksum(pseudo, 0))
}
