package tcpengine

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// synLimiter enforces a per-source SYN rate using a one-second sliding window.
// A limit of 0 disables it.
type synLimiter struct {
	mu    sync.Mutex
	limit int
	now   func() time.Time

	// Per-source SYN history: source address -> SYN timestamps
	history map[netip.Addr]*synHistory
}

// synHistory tracks SYN timestamps for one source.
type synHistory struct {
	timestamps []time.Time
}

func newSynLimiter(limit int) *synLimiter {
	return &synLimiter{
		limit:   limit,
		now:     time.Now,
		history: make(map[netip.Addr]*synHistory),
	}
}

// CheckAndRecord checks whether another SYN from src is allowed.
// If allowed, it records the SYN and returns nil.
func (sl *synLimiter) CheckAndRecord(src netip.Addr) error {
	if sl.limit <= 0 {
		return nil
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := sl.now()
	h := sl.getOrCreateHistoryLocked(src)
	h.pruneBefore(now.Add(-time.Second))

	if len(h.timestamps) >= sl.limit {
		log.Debug().
			Str("source", src.String()).
			Int("count", len(h.timestamps)).
			Int("limit", sl.limit).
			Msg("syn rate limit exceeded")
		return fmt.Errorf("%w: %d syn/s from %s", ErrRateLimited, sl.limit, src)
	}

	h.timestamps = append(h.timestamps, now)
	return nil
}

// getOrCreateHistoryLocked must be called with sl.mu held.
func (sl *synLimiter) getOrCreateHistoryLocked(src netip.Addr) *synHistory {
	if h, ok := sl.history[src]; ok {
		return h
	}
	h := &synHistory{}
	sl.history[src] = h
	return h
}

// CleanupStaleHistory drops sources with no SYN in the last second.
// Returns the number of sources removed.
func (sl *synLimiter) CleanupStaleHistory() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	cutoff := sl.now().Add(-time.Second)
	removed := 0
	for src, h := range sl.history {
		h.pruneBefore(cutoff)
		if len(h.timestamps) == 0 {
			delete(sl.history, src)
			removed++
		}
	}

	log.Debug().
		Int("removed", removed).
		Int("remaining", len(sl.history)).
		Msg("syn history cleanup complete")
	return removed
}

// pruneBefore removes timestamps at or before cutoff.
func (h *synHistory) pruneBefore(cutoff time.Time) {
	kept := h.timestamps[:0]
	for _, ts := range h.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	h.timestamps = kept
}
