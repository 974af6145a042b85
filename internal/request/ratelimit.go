package request

import (
	"sync"
	"time"
)

// Limit bounds how many admissions a single client gets per kind within a
// sliding window.
type Limit struct {
	// Max is the number of admissions allowed inside one window.
	Max int

	// Window is the sliding window length.
	Window time.Duration
}

// DefaultLimits returns the built-in per-kind admission limits. Operators
// override these via configuration.
func DefaultLimits() map[Kind]Limit {
	return map[Kind]Limit{
		KindAsk:         {Max: 30, Window: time.Minute},
		KindAskPrefetch: {Max: 120, Window: time.Minute},
		KindWakeWord:    {Max: 6, Window: 3 * time.Second},
		KindASR:         {Max: 6, Window: 3 * time.Second},
		KindTTS:         {Max: 60, Window: time.Minute},
	}
}

// windowKey identifies one client's counter for one kind.
type windowKey struct {
	client string
	kind   Kind
}

// SlidingWindow is an exact sliding-window admission counter keyed by
// (client, kind). Only admitted requests consume window slots; rejected
// attempts leave the window untouched so that a burst cannot starve itself
// indefinitely. Safe for concurrent use.
type SlidingWindow struct {
	mu     sync.Mutex
	limits map[Kind]Limit
	hits   map[windowKey][]time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewSlidingWindow creates a limiter with the given per-kind limits. Kinds
// absent from limits are admitted unconditionally.
func NewSlidingWindow(limits map[Kind]Limit) *SlidingWindow {
	cp := make(map[Kind]Limit, len(limits))
	for k, v := range limits {
		cp[k] = v
	}
	return &SlidingWindow{
		limits: cp,
		hits:   make(map[windowKey][]time.Time),
		now:    time.Now,
	}
}

// Allow records an admission for (client, kind) if the window has room.
// When the window is full it returns ok=false and the duration after which
// the oldest in-window admission expires, usable as a retry-after hint.
func (s *SlidingWindow) Allow(client string, kind Kind) (ok bool, retryAfter time.Duration) {
	limit, limited := s.limits[kind]
	if !limited || limit.Max <= 0 {
		return true, 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := windowKey{client: client, kind: kind}
	cutoff := now.Add(-limit.Window)

	// Drop expired admissions in place.
	inWindow := s.hits[key][:0]
	for _, ts := range s.hits[key] {
		if ts.After(cutoff) {
			inWindow = append(inWindow, ts)
		}
	}

	if len(inWindow) >= limit.Max {
		s.hits[key] = inWindow
		return false, inWindow[0].Sub(cutoff)
	}

	s.hits[key] = append(inWindow, now)
	return true, 0
}
