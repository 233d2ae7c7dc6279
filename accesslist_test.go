package tcpengine

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAccessFilterDisabledAllowsAll(t *testing.T) {
	af := newAccessFilter(DefaultAccessListConfig())
	require.True(t, af.IsAllowed(netip.MustParseAddr("192.0.2.1")))
	require.NoError(t, af.CheckAndLog(netip.MustParseAddr("192.0.2.1")))
}

func TestAccessFilterAllowMode(t *testing.T) {
	af := newAccessFilter(&AccessListConfig{
		Mode:     AccessListModeAllow,
		Prefixes: []string{"10.1.0.0/16", "192.0.2.7"},
	})
	require.Equal(t, 2, af.Count())

	require.True(t, af.IsAllowed(netip.MustParseAddr("10.1.200.3")))
	require.True(t, af.IsAllowed(netip.MustParseAddr("192.0.2.7")))
	require.False(t, af.IsAllowed(netip.MustParseAddr("192.0.2.8")))

	err := af.CheckAndLog(netip.MustParseAddr("192.0.2.8"))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrAccessDenied))

	var denied *AccessDeniedError
	require.True(t, errors.As(err, &denied))
	require.Equal(t, "source not in allow list", denied.Reason)
}

func TestAccessFilterDenyMode(t *testing.T) {
	af := newAccessFilter(&AccessListConfig{
		Mode:                 AccessListModeDeny,
		Prefixes:             []string{"10.0.0.0/8"},
		DisableRejectLogging: true,
	})
	require.False(t, af.IsAllowed(netip.MustParseAddr("10.9.9.9")))
	require.True(t, af.IsAllowed(netip.MustParseAddr("11.0.0.1")))
}

func TestAccessFilterAddRemove(t *testing.T) {
	af := newAccessFilter(&AccessListConfig{Mode: AccessListModeDeny})
	addr := netip.MustParseAddr("203.0.113.5")

	require.NoError(t, af.AddPrefix("203.0.113.0/24"))
	require.False(t, af.IsAllowed(addr))

	// Equivalent spellings of the same prefix are removed too.
	af.RemovePrefix("203.0.113.9/24")
	require.True(t, af.IsAllowed(addr))
	require.Equal(t, 0, af.Count())

	require.Error(t, af.AddPrefix("not-an-address"))
}

func TestAccessFilterSkipsInvalidEntries(t *testing.T) {
	af := newAccessFilter(&AccessListConfig{
		Mode:     AccessListModeAllow,
		Prefixes: []string{"bogus", "10.0.0.1"},
	})
	require.Equal(t, 1, af.Count())
	require.Len(t, af.GetConfig().Prefixes, 2)
}

func TestAccessFilterGetConfigIsCopy(t *testing.T) {
	af := newAccessFilter(&AccessListConfig{Mode: AccessListModeAllow, Prefixes: []string{"10.0.0.1"}})
	cfg := af.GetConfig()
	cfg.Prefixes[0] = "10.0.0.2"
	require.Equal(t, "10.0.0.1", af.GetConfig().Prefixes[0])
}

func TestParsePrefixList(t *testing.T) {
	require.Nil(t, ParsePrefixList(""))
	require.Equal(t, []string{"10.0.0.0/8", "192.0.2.1", "198.51.100.0/24"},
		ParsePrefixList("10.0.0.0/8, 192.0.2.1 198.51.100.0/24"))
}

func TestEngineAccessListUpdates(t *testing.T) {
	e, tr := newTestEngine(t, nil)
	_, err := e.Listen(testLocal, 0)
	require.NoError(t, err)

	e.SetAccessList(&AccessListConfig{Mode: AccessListModeAllow})
	require.NoError(t, inject(t, e, peerSegment(7000, 0, FlagSYN, nil)))
	require.True(t, tr.last(t).Flags.Has(FlagRST))

	require.NoError(t, e.AddToAccessList(testRemote.Addr().String()))
	require.Equal(t, []string{"10.0.0.2"}, e.AccessList().Prefixes)
	require.NoError(t, inject(t, e, peerSegment(7000, 0, FlagSYN, nil)))
	require.Equal(t, FlagSYN|FlagACK, tr.last(t).Flags)

	e.RemoveFromAccessList("10.0.0.2")
	require.Empty(t, e.AccessList().Prefixes)
}
