package progress

import (
	"sync"
	"time"
)

// Log is the append-only ordered event log for one session. Append assigns
// the per-session strictly-increasing sequence numbers; consumers of any
// style (push adapters, blocking pulls, periodic polls) are just different
// ways of draining the same ordered log.
type Log struct {
	sessionID string

	mu     sync.RWMutex
	events []Event
}

// NewLog creates an empty event log for a session
func NewLog(sessionID string) *Log {
	return &Log{sessionID: sessionID}
}

// Append creates the next event in the log and returns it. Sequence numbers
// start at 1 and are gapless within the log.
func (l *Log) Append(kind Kind, counts Counts, last *RecordContext) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := Event{
		SessionID:  l.sessionID,
		Sequence:   uint64(len(l.events) + 1),
		Kind:       kind,
		Counts:     counts,
		LastRecord: last,
		Timestamp:  time.Now(),
	}
	l.events = append(l.events, ev)
	return ev
}

// EventsSince returns all events with a sequence number greater than after,
// in order. after == 0 returns the whole log.
func (l *Log) EventsSince(after uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if after >= uint64(len(l.events)) {
		return nil
	}
	out := make([]Event, len(l.events)-int(after))
	copy(out, l.events[after:])
	return out
}

// Latest returns the most recent event, if any
func (l *Log) Latest() (Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.events) == 0 {
		return Event{}, false
	}
	return l.events[len(l.events)-1], true
}

// Len returns the number of events appended so far
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Closed reports whether the log ends with a terminal event
func (l *Log) Closed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.events) > 0 && l.events[len(l.events)-1].Kind.Terminal()
}
