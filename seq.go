package tcpengine

import "github.com/google/netstack/tcpip/seqnum"

// Sequence-space helpers. All comparisons go through seqnum so that
// 32-bit wrap-around is handled; a plain < on sequence numbers is a bug.

// seqMax returns whichever of a and b is later in sequence space.
func seqMax(a, b seqnum.Value) seqnum.Value {
	if a.LessThan(b) {
		return b
	}
	return a
}

// seqInClosedRange reports whether lo <= v <= hi in sequence space.
func seqInClosedRange(v, lo, hi seqnum.Value) bool {
	return lo.LessThanEq(v) && v.LessThanEq(hi)
}

// seqStrictlyBetween reports whether lo < v < hi in sequence space.
func seqStrictlyBetween(v, lo, hi seqnum.Value) bool {
	return lo.LessThan(v) && v.LessThan(hi)
}

// shrinkWindow subtracts n bytes from w, saturating at zero.
func shrinkWindow(w seqnum.Size, n int) seqnum.Size {
	if n <= 0 {
		return w
	}
	if seqnum.Size(n) >= w {
		return 0
	}
	return w - seqnum.Size(n)
}
