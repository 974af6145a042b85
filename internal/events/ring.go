package events

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	// minRetention is the lower bound on per-request retention. Configured
	// values below this are raised to it.
	minRetention = 256

	// streamBuf is the buffer depth of subscriber channels handed out by
	// [RingStore.Stream]. A subscriber that falls this far behind misses
	// events rather than stalling the pipeline.
	streamBuf = 256

	// logTTL is how long a finished request's log is retained before the
	// janitor removes it.
	logTTL = 30 * time.Minute

	// staleTTL bounds logs that never saw a terminal event, such as requests
	// abandoned mid-crash. The janitor closes their subscribers and drops
	// them once no event has arrived for this long. Longer than the 120 s
	// hard deadline so it only catches genuinely orphaned logs.
	staleTTL = 2 * time.Hour
)

// Store is the event-store contract shared by the ring and postgres
// backends.
type Store interface {
	// Append adds e to its request's log. It never blocks on consumers and
	// never reorders events of one request.
	Append(e Event)

	// Query returns the retained events for requestID in timestamp order,
	// optionally restricted to events at or after since (zero = all) and to
	// the first limit entries (0 = all).
	Query(ctx context.Context, requestID string, since time.Time, limit int) ([]Event, error)

	// Stream returns a finite live feed of requestID's events, beginning
	// with the retained prefix. The channel closes after the terminal event
	// (done, error or cancelled). Streams are not restartable.
	Stream(ctx context.Context, requestID string) (<-chan Event, error)

	// Derive computes the latency summary for requestID from its retained
	// events.
	Derive(ctx context.Context, requestID string) (Timings, error)
}

// requestLog is the single-writer timeline of one request. events holds only
// real entries; when retention has dropped older ones, a single synthetic
// "dropped" marker is materialised at the head of every read.
type requestLog struct {
	mu       sync.Mutex
	events   []Event
	dropped  int64
	lastTS   time.Time
	terminal bool
	doneAt   time.Time
	subs     []chan Event
}

// snapshot returns the readable prefix: the marker (if any) followed by the
// retained events. Caller must hold l.mu.
func (l *requestLog) snapshot() []Event {
	if l.dropped == 0 {
		out := make([]Event, len(l.events))
		copy(out, l.events)
		return out
	}
	out := make([]Event, 0, len(l.events)+1)
	marker := Event{
		Kind:   KindApp,
		Name:   NameDropped,
		Level:  LevelDebug,
		Fields: map[string]any{"count": l.dropped},
	}
	if len(l.events) > 0 {
		first := l.events[0]
		marker.RequestID = first.RequestID
		marker.ClientID = first.ClientID
		marker.TS = first.TS
		marker.TSMillis = first.TSMillis
	}
	out = append(out, marker)
	return append(out, l.events...)
}

// RingStore is the in-process [Store]: a bounded ring per request with a
// single "dropped" marker when retention overflows.
type RingStore struct {
	retention int

	mu   sync.Mutex
	logs map[string]*requestLog

	now func() time.Time
}

var _ Store = (*RingStore)(nil)

// NewRingStore creates a ring store keeping at most retention events per
// request (raised to 256 if lower).
func NewRingStore(retention int) *RingStore {
	if retention < minRetention {
		retention = minRetention
	}
	return &RingStore{
		retention: retention,
		logs:      make(map[string]*requestLog),
		now:       time.Now,
	}
}

// log returns (creating if needed) the log for requestID.
func (s *RingStore) log(requestID string) *requestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[requestID]
	if !ok {
		l = &requestLog{}
		s.logs[requestID] = l
	}
	return l
}

// Append implements [Store]. Timestamps are clamped so each request's log is
// monotonic even when the caller's clock readings race.
func (s *RingStore) Append(e Event) {
	l := s.log(e.RequestID)

	l.mu.Lock()

	ts := e.TS
	if ts.IsZero() {
		ts = s.now()
	}
	if ts.Before(l.lastTS) {
		ts = l.lastTS
	}
	l.lastTS = ts
	e.TS = ts
	e.TSMillis = ts.UnixMilli()

	// Retention: the marker occupies one of the K slots, so once dropping
	// has started at most retention-1 real events are kept.
	capReal := s.retention
	if l.dropped > 0 {
		capReal = s.retention - 1
	}
	if len(l.events) >= capReal {
		// About to overflow for the first time: make room for the marker too.
		drop := len(l.events) - capReal + 1
		if l.dropped == 0 {
			drop++
		}
		if drop > len(l.events) {
			drop = len(l.events)
		}
		l.dropped += int64(drop)
		l.events = append(l.events[:0], l.events[drop:]...)
	}
	l.events = append(l.events, e)

	subs := l.subs
	if e.Terminal() {
		l.terminal = true
		l.doneAt = ts
		l.subs = nil
	}
	l.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- e:
		default: // slow subscriber: skip rather than block the writer
		}
	}
	if e.Terminal() {
		for _, sub := range subs {
			close(sub)
		}
	}
}

// Query implements [Store].
func (s *RingStore) Query(_ context.Context, requestID string, since time.Time, limit int) ([]Event, error) {
	s.mu.Lock()
	l, ok := s.logs[requestID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}

	l.mu.Lock()
	snap := l.snapshot()
	l.mu.Unlock()

	out := make([]Event, 0, len(snap))
	for _, e := range snap {
		if !since.IsZero() && e.TS.Before(since) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Stream implements [Store]. The returned channel first replays the retained
// prefix, then follows live appends until the terminal event. An unknown
// requestID yields an immediately-closed channel; streaming must not create
// logs, or a typo'd id would hold a subscriber open forever.
func (s *RingStore) Stream(ctx context.Context, requestID string) (<-chan Event, error) {
	s.mu.Lock()
	l, ok := s.logs[requestID]
	s.mu.Unlock()
	if !ok {
		out := make(chan Event)
		close(out)
		return out, nil
	}

	l.mu.Lock()
	prefix := l.snapshot()
	terminal := l.terminal

	out := make(chan Event, streamBuf)
	var live chan Event
	if !terminal {
		live = make(chan Event, streamBuf)
		l.subs = append(l.subs, live)
	}
	l.mu.Unlock()

	go func() {
		defer close(out)
		for _, e := range prefix {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
		if live == nil {
			return
		}
		for {
			select {
			case e, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Derive implements [Store].
func (s *RingStore) Derive(ctx context.Context, requestID string) (Timings, error) {
	evs, err := s.Query(ctx, requestID, time.Time{}, 0)
	if err != nil {
		return Timings{}, err
	}
	return deriveTimings(evs), nil
}

// Sweep removes logs whose requests finished more than logTTL ago, plus
// orphaned logs that never reached a terminal event and have been silent
// beyond staleTTL. Subscribers of a swept orphan see their channel close.
// The owner runs this periodically.
func (s *RingStore) Sweep() int {
	now := s.now()
	doneCutoff := now.Add(-logTTL)
	staleCutoff := now.Add(-staleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, l := range s.logs {
		l.mu.Lock()
		expired := l.terminal && l.doneAt.Before(doneCutoff)
		stale := !l.terminal && !l.lastTS.IsZero() && l.lastTS.Before(staleCutoff)
		subs := l.subs
		if stale {
			l.subs = nil
		}
		l.mu.Unlock()

		if !expired && !stale {
			continue
		}
		for _, sub := range subs {
			close(sub)
		}
		delete(s.logs, id)
		removed++
	}
	return removed
}

// sortByTS orders events by timestamp; stable so equal stamps keep insertion
// order. The postgres backend uses it after reading rows back.
func sortByTS(evs []Event) {
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].TS.Before(evs[j].TS) })
}
