package tcpengine

import (
	"testing"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/stretchr/testify/require"
)

func TestSeqHelpersWrapAround(t *testing.T) {
	const near = seqnum.Value(0xfffffff0)
	wrapped := near.Add(0x20) // 0x10

	require.Equal(t, seqnum.Value(0x10), wrapped)
	require.Equal(t, wrapped, seqMax(near, wrapped), "later value wins across the wrap")
	require.Equal(t, wrapped, seqMax(wrapped, near))

	require.True(t, seqInClosedRange(0, near, wrapped))
	require.True(t, seqInClosedRange(near, near, wrapped))
	require.True(t, seqInClosedRange(wrapped, near, wrapped))
	require.False(t, seqInClosedRange(wrapped+1, near, wrapped))

	require.True(t, seqStrictlyBetween(0xffffffff, near, wrapped))
	require.False(t, seqStrictlyBetween(near, near, wrapped))
}

func TestShrinkWindowSaturates(t *testing.T) {
	require.Equal(t, seqnum.Size(900), shrinkWindow(1000, 100))
	require.Equal(t, seqnum.Size(0), shrinkWindow(100, 1000))
	require.Equal(t, seqnum.Size(50), shrinkWindow(50, 0))
}
