package tcpengine

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/require"
)

func TestLinkDeliversToPeerEngine(t *testing.T) {
	a, b := NewLinkPair(0, 1)
	_, err := NewEngine(testConfig(), a)
	require.NoError(t, err)
	peer, err := NewEngine(testConfig(), b)
	require.NoError(t, err)

	raw, err := EncodeSegment(peerSegment(1, 1, FlagACK, nil))
	require.NoError(t, err)
	require.NoError(t, a.Send(raw))
	raw[0] = 0 // the link owns a copy

	select {
	case got := <-peer.ingress:
		_, err := DecodeSegment(got)
		require.NoError(t, err)
	default:
		t.Fatal("datagram not queued on the peer")
	}
}

func TestLinkUnboundPeer(t *testing.T) {
	a, _ := NewLinkPair(0, 1)
	require.Error(t, a.Send([]byte{1}))
}

func TestLinkLossIsDeterministic(t *testing.T) {
	run := func() uint64 {
		a, b := NewLinkPair(0.3, 99)
		_, err := NewEngine(testConfig(), b)
		require.NoError(t, err)
		cfg := testConfig()
		cfg.IngressQueueSize = 2000
		_, err = NewEngine(cfg, a)
		require.NoError(t, err)

		for i := 0; i < 1000; i++ {
			require.NoError(t, b.Send([]byte{byte(i)}))
		}
		sent, dropped := b.Counts()
		require.EqualValues(t, 1000, sent)
		return dropped
	}

	first := run()
	require.Equal(t, first, run())
	require.InDelta(t, 300, float64(first), 60)
}

func TestPcapTransportCapturesOutbound(t *testing.T) {
	var capture bytes.Buffer
	inner := &recordingTransport{}
	pt, err := NewPcapTransport(&capture, inner)
	require.NoError(t, err)

	e, err := NewEngine(testConfig(), pt, fixedISN(42))
	require.NoError(t, err)
	_, err = e.Dial(testLocal, testRemote)
	require.NoError(t, err)
	require.Equal(t, 1, inner.count())

	r, err := pcapgo.NewReader(&capture)
	require.NoError(t, err)
	require.Equal(t, layers.LinkTypeRaw, r.LinkType())

	data, _, err := r.ReadPacketData()
	require.NoError(t, err)
	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok)
	require.True(t, tcp.SYN)
	require.Equal(t, uint32(42), tcp.Seq)

	_, _, err = r.ReadPacketData()
	require.ErrorIs(t, err, io.EOF)
}

func TestPcapTransportBindsWrappedLink(t *testing.T) {
	a, b := NewLinkPair(0, 1)
	pt, err := NewPcapTransport(io.Discard, a)
	require.NoError(t, err)
	e, err := NewEngine(testConfig(), pt)
	require.NoError(t, err)

	require.NoError(t, b.Send([]byte{1}))
	require.Len(t, e.ingress, 1)
}
