package tcpengine

import (
	"math/rand"
	"testing"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/stretchr/testify/require"
)

const testMSS = 100

func TestSlowStartGrowsPerAck(t *testing.T) {
	cc := congestion{cwnd: 1, ssthresh: 4}

	una := seqnum.Value(1000)
	for want := 2; want <= 4; want++ {
		res := cc.onAck(una.Add(testMSS), una, una.Add(10*testMSS), testMSS, 3)
		require.True(t, res.changed)
		require.Equal(t, want, cc.cwnd)
		una = una.Add(testMSS)
	}
}

func TestCongestionAvoidanceGrowsPerWindow(t *testing.T) {
	cc := congestion{cwnd: 4, ssthresh: 4}

	una := seqnum.Value(1000)
	// cwnd*MSS bytes must be acknowledged before cwnd grows by one.
	for i := 0; i < 3; i++ {
		res := cc.onAck(una.Add(testMSS), una, una.Add(10*testMSS), testMSS, 3)
		require.False(t, res.changed)
		una = una.Add(testMSS)
	}
	res := cc.onAck(una.Add(testMSS), una, una.Add(10*testMSS), testMSS, 3)
	require.True(t, res.changed)
	require.Equal(t, 5, cc.cwnd)
	require.Equal(t, 0, cc.caAcked)
}

func TestTripleDuplicateAckEntersFastRecovery(t *testing.T) {
	cc := congestion{cwnd: 8, ssthresh: 16}
	una, nxt := seqnum.Value(1000), seqnum.Value(1800)

	for i := 0; i < 2; i++ {
		res := cc.onAck(una, una, nxt, testMSS, 3)
		require.False(t, res.retransmit)
		require.Equal(t, CongOpen, cc.state)
	}
	res := cc.onAck(una, una, nxt, testMSS, 3)
	require.True(t, res.retransmit)
	require.True(t, res.fast)
	require.Equal(t, una, res.retransmitAt)
	require.Equal(t, CongFastRecovery, cc.state)
	require.Equal(t, nxt, cc.recoveryPoint)
	// The slow start increments of the duplicates happen before the halving.
	require.Equal(t, 5, cc.ssthresh)
	require.Equal(t, 5, cc.cwnd)

	// Further duplicates inflate the window.
	cc.onAck(una, una, nxt, testMSS, 3)
	require.Equal(t, 6, cc.cwnd)

	// A partial ACK retransmits the next hole and stays in recovery.
	partial := una.Add(300)
	res = cc.onAck(partial, una, nxt, testMSS, 3)
	require.True(t, res.retransmit)
	require.Equal(t, partial, res.retransmitAt)
	require.Equal(t, CongFastRecovery, cc.state)

	// Acknowledging the recovery point returns to open.
	cc.onAck(nxt, partial, nxt, testMSS, 3)
	require.Equal(t, CongOpen, cc.state)
	require.Equal(t, 0, cc.dupAcks)
}

func TestDuplicateAckCountsWithNothingInFlight(t *testing.T) {
	cc := congestion{cwnd: 8, ssthresh: 4}
	una := seqnum.Value(1000)

	var res ackResult
	for i := 0; i < 3; i++ {
		res = cc.onAck(una, una, una, testMSS, 3)
	}
	require.True(t, res.fast)
	require.Equal(t, CongFastRecovery, cc.state)
	require.Equal(t, 4, cc.ssthresh)
	require.Equal(t, 4, cc.cwnd)
	require.Equal(t, una, cc.recoveryPoint)
	require.Equal(t, 0, cc.dupAcks)
}

func TestDuplicateAcksWithEmptyLedgerSendNothing(t *testing.T) {
	cfg := testConfig()
	cfg.InitialCwnd = 8
	cfg.InitialSsthresh = 4
	e, tr := newTestEngine(t, cfg)
	c := newEstablishedConn(t, e, 999, 0)

	for i := 0; i < 3; i++ {
		require.NoError(t, inject(t, e, peerSegment(1, 1000, FlagACK, nil)))
	}

	snap := c.Snapshot()
	require.Equal(t, CongFastRecovery, snap.CongState)
	require.Equal(t, 4, snap.Ssthresh)
	require.Equal(t, 4, snap.Cwnd)
	require.Zero(t, tr.count(), "no buffered segment to retransmit")
	require.Zero(t, e.Stats().FastRetransmissions)
}

func TestForwardAckResetsDuplicateCount(t *testing.T) {
	cc := congestion{cwnd: 8, ssthresh: 4}
	una, nxt := seqnum.Value(1000), seqnum.Value(1800)

	cc.onAck(una, una, nxt, testMSS, 3)
	cc.onAck(una, una, nxt, testMSS, 3)
	require.Equal(t, 2, cc.dupAcks)
	cc.onAck(una.Add(100), una, nxt, testMSS, 3)
	require.Equal(t, 0, cc.dupAcks)
}

func TestTimeoutCollapsesWindow(t *testing.T) {
	cc := congestion{cwnd: 10, ssthresh: 16, dupAcks: 2, caAcked: 50}
	cc.onTimeout()
	require.Equal(t, 1, cc.cwnd)
	require.Equal(t, 5, cc.ssthresh)
	require.Equal(t, CongLoss, cc.state)
	require.Equal(t, 0, cc.dupAcks)

	cc.onTimeout()
	require.Equal(t, 1, cc.cwnd)
	require.Equal(t, 1, cc.ssthresh, "ssthresh never drops below one segment")
}

// Random ACK sequences and timeouts never push cwnd or ssthresh below one.
func TestCwndNeverBelowOne(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cc := congestion{cwnd: 1, ssthresh: 16}
	una := seqnum.Value(rng.Uint32())
	nxt := una.Add(5000)

	for i := 0; i < 10000; i++ {
		switch rng.Intn(4) {
		case 0:
			cc.onTimeout()
			cc.state = CongOpen
		case 1:
			cc.onAck(una, una, nxt, testMSS, 3)
		default:
			step := seqnum.Size(rng.Intn(300))
			ack := una.Add(step)
			if nxt.LessThan(ack) {
				ack = nxt
			}
			cc.onAck(ack, una, nxt, testMSS, 3)
			una = ack
			if una == nxt {
				nxt = nxt.Add(5000)
			}
		}
		require.GreaterOrEqual(t, cc.cwnd, 1)
		require.GreaterOrEqual(t, cc.ssthresh, 1)
	}
}

func TestFastRetransmitResendsLedgerSegment(t *testing.T) {
	cfg := testConfig()
	cfg.InitialCwnd = 8
	e, tr := newTestEngine(t, cfg)
	c := newEstablishedConn(t, e, 999, 0)

	n, err := c.Write(bytesOf(400))
	require.NoError(t, err)
	require.Equal(t, 400, n)
	require.Equal(t, 4, tr.count())
	tr.reset()

	// Three duplicate ACKs for the first segment.
	for i := 0; i < 3; i++ {
		require.NoError(t, inject(t, e, peerSegment(1, 1000, FlagACK, nil)))
	}

	segs := tr.segments(t)
	require.Len(t, segs, 1, "only the fast retransmission is sent")
	require.Equal(t, seqnum.Value(1000), segs[0].Seq)
	require.Equal(t, 100, segs[0].PayloadLen())

	snap := c.Snapshot()
	require.Equal(t, CongFastRecovery, snap.CongState)
	require.EqualValues(t, 1, e.Stats().FastRetransmissions)
}
