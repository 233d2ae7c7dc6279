package tcpengine

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventKind identifies a diagnostics event.
type EventKind int

const (
	// EventCwnd is emitted whenever cwnd or ssthresh changes.
	EventCwnd EventKind = iota
	// EventState is emitted on every connection state transition.
	EventState
	// EventRetransmit is emitted for each timer or fast retransmission.
	EventRetransmit
	// EventGiveUp is emitted when a connection is reset after its last backoff.
	EventGiveUp
)

func (k EventKind) String() string {
	switch k {
	case EventCwnd:
		return "cwnd"
	case EventState:
		return "state"
	case EventRetransmit:
		return "retransmit"
	case EventGiveUp:
		return "give_up"
	default:
		return "unknown"
	}
}

// Event is a single diagnostics record.
type Event struct {
	Kind     EventKind
	Conn     string
	Cwnd     int
	Ssthresh int
	State    State
	At       time.Time
}

// Sink receives diagnostics events. Emit must not block and must not fail
// the caller; events that cannot be recorded are dropped.
type Sink interface {
	Emit(ev Event)
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

// LogSink writes events to the global zerolog logger at debug level.
type LogSink struct{}

// Emit implements Sink.
func (LogSink) Emit(ev Event) {
	log.Debug().
		Str("event", ev.Kind.String()).
		Str("conn", ev.Conn).
		Int("cwnd", ev.Cwnd).
		Int("ssthresh", ev.Ssthresh).
		Str("state", ev.State.String()).
		Msg("diagnostics event")
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

// Emit implements Sink.
func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// TraceSink records congestion window changes as text lines
// "<ms-timestamp> <cwnd> <ssthresh>", one per EventCwnd. Writes happen on a
// background goroutine; when its queue is full the event is dropped. Events
// emitted after Close are discarded.
type TraceSink struct {
	events  chan Event
	w       *bufio.Writer
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	dropped uint64
	err     error
}

// NewTraceSink starts a trace writer with room for queueLen pending events.
func NewTraceSink(w io.Writer, queueLen int) *TraceSink {
	if queueLen <= 0 {
		queueLen = 1024
	}
	t := &TraceSink{
		events: make(chan Event, queueLen),
		w:      bufio.NewWriter(w),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

// Emit implements Sink.
func (t *TraceSink) Emit(ev Event) {
	if ev.Kind != EventCwnd {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.dropped++
	}
}

func (t *TraceSink) run() {
	defer close(t.done)
	for ev := range t.events {
		stamp := float64(ev.At.UnixNano()) / float64(time.Millisecond)
		if _, err := fmt.Fprintf(t.w, "%f %d %d\n", stamp, ev.Cwnd, ev.Ssthresh); err != nil {
			t.mu.Lock()
			if t.err == nil {
				t.err = err
				log.Warn().Err(err).Msg("cwnd trace write failed")
			}
			t.mu.Unlock()
		}
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (t *TraceSink) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Close stops accepting events, flushes what was queued and returns the
// first write error, if any. It is safe to call more than once.
func (t *TraceSink) Close() error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.events)
	}
	t.mu.Unlock()
	<-t.done

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.w.Flush(); err != nil && t.err == nil {
		t.err = err
	}
	return t.err
}
