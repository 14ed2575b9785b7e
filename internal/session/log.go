package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/vinayprograms/warden/internal/logging"
)

var (
	ErrUnknownRun = errors.New("run has no event stream")
	ErrSealed     = errors.New("run event stream is sealed")
	ErrRunExists  = errors.New("run event stream already exists")
)

// Sink receives every event after it has been journaled.
type Sink interface {
	Publish(ev Event) error
}

type stream struct {
	mu     sync.RWMutex
	events []Event
	seq    uint64
	sealed bool
}

// EventLog is the append-only, per-run ordered event record. Appends for
// one run are serialized and journaled before they become visible.
type EventLog struct {
	mu      sync.RWMutex
	streams map[string]*stream
	journal Journal
	sinks   []Sink
	now     func() time.Time
	logger  *logging.Logger
}

// NewEventLog creates a log. journal may be nil for an in-memory log.
func NewEventLog(journal Journal, sinks ...Sink) *EventLog {
	return &EventLog{
		streams: make(map[string]*stream),
		journal: journal,
		sinks:   sinks,
		now:     time.Now,
		logger:  logging.New().WithComponent("eventlog"),
	}
}

// Open starts the stream for a run and journals its header.
func (l *EventLog) Open(info RunInfo) error {
	l.mu.Lock()
	if _, ok := l.streams[info.ID]; ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunExists, info.ID)
	}
	l.streams[info.ID] = &stream{}
	l.mu.Unlock()

	if l.journal != nil {
		if err := l.journal.WriteRun(RecordTypeHeader, info); err != nil {
			l.mu.Lock()
			delete(l.streams, info.ID)
			l.mu.Unlock()
			return err
		}
	}
	return nil
}

func (l *EventLog) stream(runID string) (*stream, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.streams[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return s, nil
}

// Append records an event with the next sequence number for the run.
// payload is marshaled to a JSON object; nil becomes {}.
func (l *EventLog) Append(runID string, typ EventType, payload interface{}) (Event, error) {
	raw := json.RawMessage("{}")
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
		}
		raw = data
	}

	s, err := l.stream(runID)
	if err != nil {
		return Event{}, err
	}

	s.mu.Lock()
	if s.sealed {
		s.mu.Unlock()
		return Event{}, fmt.Errorf("%w: %s", ErrSealed, runID)
	}
	ev := Event{
		RunID:     runID,
		SeqID:     s.seq + 1,
		Type:      typ,
		Payload:   raw,
		Timestamp: l.now().UTC().Round(0),
	}
	if l.journal != nil {
		if err := l.journal.WriteEvent(ev); err != nil {
			s.mu.Unlock()
			return Event{}, err
		}
	}
	s.seq = ev.SeqID
	s.events = append(s.events, ev)
	s.mu.Unlock()

	for _, sink := range l.sinks {
		if err := sink.Publish(ev); err != nil {
			l.logger.Warn("event sink publish failed", map[string]interface{}{
				"run_id": runID,
				"seq":    ev.SeqID,
				"error":  err.Error(),
			})
		}
	}
	return ev, nil
}

// RecordStatus journals a run state change. Terminal states also seal the
// stream so no further events can be appended.
func (l *EventLog) RecordStatus(info RunInfo) error {
	s, err := l.stream(info.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return fmt.Errorf("%w: %s", ErrSealed, info.ID)
	}
	recordType := RecordTypeStatus
	if info.Status.Terminal() {
		recordType = RecordTypeFooter
		s.sealed = true
	}
	if l.journal != nil {
		return l.journal.WriteRun(recordType, info)
	}
	return nil
}

// List returns the run's events as a finite sequence fixed at call time.
// The sequence is lazy and can be ranged over any number of times.
func (l *EventLog) List(runID string) (iter.Seq[Event], error) {
	s, err := l.stream(runID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	snapshot := s.events[:len(s.events):len(s.events)]
	s.mu.RUnlock()

	return func(yield func(Event) bool) {
		for _, ev := range snapshot {
			if !yield(ev) {
				return
			}
		}
	}, nil
}

// Len returns the number of events appended for a run.
func (l *EventLog) Len(runID string) int {
	s, err := l.stream(runID)
	if err != nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Recent returns up to n of the run's latest events, oldest first.
func (l *EventLog) Recent(runID string, n int) []Event {
	s, err := l.stream(runID)
	if err != nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if n >= 0 && len(s.events) > n {
		start = len(s.events) - n
	}
	out := make([]Event, len(s.events)-start)
	copy(out, s.events[start:])
	return out
}

// Sealed reports whether the run's stream accepts no more events.
func (l *EventLog) Sealed(runID string) bool {
	s, err := l.stream(runID)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// Drop forgets a run's events. The journal is unaffected.
func (l *EventLog) Drop(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.streams, runID)
}

// Close closes the journal.
func (l *EventLog) Close() error {
	if l.journal == nil {
		return nil
	}
	return l.journal.Close()
}
