package tcpengine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type timerKind int

const (
	timerRetransmit timerKind = iota
	timerTimeWait
)

func (k timerKind) String() string {
	if k == timerTimeWait {
		return "time-wait"
	}
	return "retransmit"
}

// timer is one per-connection countdown. All fields are guarded by
// TimerService.mu.
type timer struct {
	kind       timerKind
	owner      *Conn
	armed      bool
	registered bool
	attempts   int
	remaining  time.Duration
}

// TimerService drives every retransmission and time-wait timer of an engine
// from a single scan loop. Timers are kept in arming order.
//
// Lock order: Conn.mu -> TimerService.mu -> Conn.sndMu / Conn.ccMu / Registry.mu.
// The scan never takes a Conn.mu while holding TimerService.mu.
type TimerService struct {
	mu     sync.Mutex
	cfg    *Config
	timers []*timer
	engine *Engine
}

func newTimerService(cfg *Config, engine *Engine) *TimerService {
	return &TimerService{
		cfg:    cfg,
		engine: engine,
	}
}

// Run scans the timers every TimerScanInterval until ctx is done.
func (ts *TimerService) Run(ctx context.Context) {
	log.Debug().Dur("interval", ts.cfg.TimerScanInterval).Msg("timer service started")
	defer log.Debug().Msg("timer service stopped")

	ticker := time.NewTicker(ts.cfg.TimerScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts.Scan()
		}
	}
}

// Scan advances every armed timer by one scan interval and handles those
// that expire. Resets for connections that gave up are sent after the
// registry lock is released.
func (ts *TimerService) Scan() {
	var gaveUp []*Conn

	ts.mu.Lock()
	var expired []*timer
	for _, t := range ts.timers {
		t.remaining -= ts.cfg.TimerScanInterval
		if t.remaining <= 0 {
			expired = append(expired, t)
		}
	}
	for _, t := range expired {
		if !t.armed {
			// Disarmed by an earlier expiry in this scan.
			continue
		}
		switch t.kind {
		case timerTimeWait:
			ts.expireTimeWaitLocked(t)
		case timerRetransmit:
			if ts.expireRetransmitLocked(t) {
				gaveUp = append(gaveUp, t.owner)
			}
		}
	}
	ts.mu.Unlock()

	for _, c := range gaveUp {
		c.resetAfterGiveUp()
	}
}

// expireTimeWaitLocked closes a connection whose 2*MSL quarantine is over.
// Must be called with ts.mu held.
func (ts *TimerService) expireTimeWaitLocked(t *timer) {
	c := t.owner
	ts.disarmLocked(t)
	ts.disarmLocked(c.retransTimer)

	c.setState(StateClosed)
	ts.engine.registry.remove(c)

	log.Debug().
		Str("conn", c.String()).
		Msg("time-wait expired, connection closed")
}

// expireRetransmitLocked handles one retransmission timeout. It returns true
// when the connection exhausted its retransmissions and must be reset.
// Must be called with ts.mu held.
func (ts *TimerService) expireRetransmitLocked(t *timer) bool {
	c := t.owner
	e := ts.engine
	defer c.reopenCongestion()

	inc(&e.stats.Timeouts)
	c.onRetransmitTimeout()

	t.attempts++
	t.remaining = ts.cfg.InitialRetransInterval << t.attempts

	c.sndMu.Lock()
	oldest := c.ledger.front()
	var raw []byte
	if oldest != nil {
		raw = oldest.clone()
	}
	c.sndMu.Unlock()

	if oldest == nil {
		inc(&e.stats.LedgerInconsistencies)
		log.Error().
			Str("conn", c.String()).
			Str("state", c.State().String()).
			Msg("retransmission timer fired with empty ledger")
		ts.disarmLocked(t)
		return false
	}

	if t.attempts > ts.cfg.MaxRetransmissions {
		inc(&e.stats.GiveUps)
		log.Warn().
			Str("conn", c.String()).
			Int("attempts", t.attempts).
			Uint32("seq", uint32(oldest.seq)).
			Msg("max retransmissions exceeded, resetting connection")
		ts.disarmLocked(t)
		ts.disarmLocked(c.timeWaitTimer)
		c.setState(StateClosed)
		e.sink.Emit(Event{Kind: EventGiveUp, Conn: c.String(), State: StateClosed, At: time.Now()})
		return true
	}

	inc(&e.stats.Retransmissions)
	e.sink.Emit(Event{Kind: EventRetransmit, Conn: c.String(), State: c.State(), At: time.Now()})
	log.Debug().
		Str("conn", c.String()).
		Uint32("seq", uint32(oldest.seq)).
		Int("attempt", t.attempts).
		Dur("nextTimeout", t.remaining).
		Msg("retransmitted segment due to timeout")
	if err := e.output(raw); err != nil {
		log.Debug().Err(err).Str("conn", c.String()).Msg("retransmission not sent")
	}
	return false
}

// armRetransmit starts c's retransmission timer at the initial interval.
// It is a no-op while the timer is already armed.
func (ts *TimerService) armRetransmit(c *Conn) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.armLocked(c.retransTimer, ts.cfg.InitialRetransInterval)
}

// disarmRetransmit stops c's retransmission timer.
func (ts *TimerService) disarmRetransmit(c *Conn) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.disarmLocked(c.retransTimer)
}

// armTimeWait starts c's 2*MSL timer. It is armed at most once.
func (ts *TimerService) armTimeWait(c *Conn) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.armLocked(c.timeWaitTimer, ts.cfg.timeWaitDuration())
}

// disarmAll stops both of c's timers.
func (ts *TimerService) disarmAll(c *Conn) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.disarmLocked(c.retransTimer)
	ts.disarmLocked(c.timeWaitTimer)
}

// armLocked must be called with ts.mu held.
func (ts *TimerService) armLocked(t *timer, budget time.Duration) {
	if t.armed {
		return
	}
	t.armed = true
	t.attempts = 0
	t.remaining = budget
	if !t.registered {
		t.registered = true
		ts.timers = append(ts.timers, t)
	}
}

// disarmLocked removes t from the registry, keeping the order of the rest.
// Must be called with ts.mu held.
func (ts *TimerService) disarmLocked(t *timer) {
	t.armed = false
	if !t.registered {
		return
	}
	t.registered = false
	for i, other := range ts.timers {
		if other == t {
			copy(ts.timers[i:], ts.timers[i+1:])
			ts.timers[len(ts.timers)-1] = nil
			ts.timers = ts.timers[:len(ts.timers)-1]
			return
		}
	}
}

// Pending returns the number of armed timers.
func (ts *TimerService) Pending() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.timers)
}

// timerState reports t's attempts and remaining budget.
func (ts *TimerService) timerState(t *timer) (armed bool, attempts int, remaining time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return t.armed, t.attempts, t.remaining
}
