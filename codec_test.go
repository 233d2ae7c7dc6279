package tcpengine

import (
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSegment(t *testing.T) {
	seg := peerSegment(4000000000, 17, FlagACK|FlagPSH, []byte("hello, world"))

	raw, err := EncodeSegment(seg)
	require.NoError(t, err)
	require.Len(t, raw, 20+20+len(seg.Payload))

	got, err := DecodeSegment(raw)
	require.NoError(t, err)
	require.Equal(t, seg.Src, got.Src)
	require.Equal(t, seg.Dst, got.Dst)
	require.Equal(t, seg.Seq, got.Seq)
	require.Equal(t, seg.SeqEnd, got.SeqEnd)
	require.Equal(t, seg.Ack, got.Ack)
	require.Equal(t, seg.Flags, got.Flags)
	require.Equal(t, seg.Window, got.Window)
	require.Equal(t, seg.Payload, got.Payload)
}

// A second, independent decoder must agree on every field and find both
// checksums valid.
func TestEncodeSegmentMatchesGopacket(t *testing.T) {
	seg := peerSegment(1234, 5678, FlagSYN|FlagACK, nil)
	seg.Window = 4096

	raw, err := EncodeSegment(seg)
	require.NoError(t, err)

	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
	require.Nil(t, pkt.ErrorLayer(), "gopacket failed to decode")

	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	require.Equal(t, layers.IPProtocolTCP, ip.Protocol)
	require.Equal(t, uint8(64), ip.TTL)
	require.Equal(t, testRemote.Addr().AsSlice(), []byte(ip.SrcIP.To4()))
	require.Equal(t, testLocal.Addr().AsSlice(), []byte(ip.DstIP.To4()))

	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok)
	require.Equal(t, layers.TCPPort(testRemote.Port()), tcp.SrcPort)
	require.Equal(t, layers.TCPPort(testLocal.Port()), tcp.DstPort)
	require.Equal(t, uint32(1234), tcp.Seq)
	require.Equal(t, uint32(5678), tcp.Ack)
	require.True(t, tcp.SYN)
	require.True(t, tcp.ACK)
	require.False(t, tcp.FIN)
	require.Equal(t, uint16(4096), tcp.Window)

	// Recompute both checksums with gopacket and compare.
	ipSum, tcpSum := ip.Checksum, tcp.Checksum
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(tcp.Payload)))

	again := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeIPv4, gopacket.Default)
	require.Equal(t, ipSum, again.Layer(layers.LayerTypeIPv4).(*layers.IPv4).Checksum)
	require.Equal(t, tcpSum, again.Layer(layers.LayerTypeTCP).(*layers.TCP).Checksum)
}

func TestSegmentSequenceLength(t *testing.T) {
	tests := []struct {
		name    string
		flags   Flags
		payload int
		want    uint32
	}{
		{"pure ack", FlagACK, 0, 0},
		{"syn", FlagSYN, 0, 1},
		{"fin with data", FlagFIN | FlagACK, 10, 11},
		{"syn fin", FlagSYN | FlagFIN, 0, 2},
		{"data", FlagACK | FlagPSH, 100, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seg := peerSegment(10, 0, tt.flags, bytesOf(tt.payload))
			require.Equal(t, tt.want, uint32(seg.SeqEnd-seg.Seq))
		})
	}
}

func TestEncodeSegmentClampsWindow(t *testing.T) {
	seg := peerSegment(1, 1, FlagACK, nil)
	seg.Window = 1 << 20

	raw, err := EncodeSegment(seg)
	require.NoError(t, err)
	got, err := DecodeSegment(raw)
	require.NoError(t, err)
	require.EqualValues(t, 65535, got.Window)
}

func TestEncodeSegmentRejectsIPv6(t *testing.T) {
	seg := peerSegment(1, 1, FlagACK, nil)
	seg.Src = netip.MustParseAddrPort("[2001:db8::1]:80")

	_, err := EncodeSegment(seg)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMalformed))
}

func TestDecodeSegmentChecksum(t *testing.T) {
	raw, err := EncodeSegment(peerSegment(1, 1, FlagACK|FlagPSH, []byte("payload")))
	require.NoError(t, err)

	corrupt := append([]byte(nil), raw...)
	corrupt[len(corrupt)-1] ^= 0xff
	_, err = DecodeSegment(corrupt)
	require.ErrorIs(t, err, ErrChecksum)

	corrupt = append([]byte(nil), raw...)
	corrupt[8] ^= 0x01 // TTL
	_, err = DecodeSegment(corrupt)
	require.ErrorIs(t, err, ErrChecksum)
}

func TestDecodeSegmentMalformed(t *testing.T) {
	raw, err := EncodeSegment(peerSegment(1, 1, FlagACK, nil))
	require.NoError(t, err)

	_, err = DecodeSegment(raw[:10])
	require.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeSegment(raw[:30])
	require.ErrorIs(t, err, ErrMalformed, "truncated tcp header")

	udp := append([]byte(nil), raw...)
	udp[9] = 17
	_, err = DecodeSegment(udp)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestPayloadOfAliasesDatagram(t *testing.T) {
	raw, err := EncodeSegment(peerSegment(1, 1, FlagACK, []byte("abc")))
	require.NoError(t, err)

	p, err := payloadOf(raw)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), p)
}

func TestFlagsString(t *testing.T) {
	require.Equal(t, "SYN|ACK", (FlagSYN | FlagACK).String())
	require.Equal(t, "-", Flags(0).String())
}
