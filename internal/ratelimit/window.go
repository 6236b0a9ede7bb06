package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultMessagesPerWindow = 60
	DefaultWindow            = time.Minute
)

// MessageLimiter enforces a ceiling on accepted messages per identity within a
// trailing time window.
type MessageLimiter struct {
	clock  Clock
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewMessageLimiter(clock Clock, limit int, window time.Duration) *MessageLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	if limit <= 0 {
		limit = DefaultMessagesPerWindow
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &MessageLimiter{
		clock:   clock,
		limit:   limit,
		window:  window,
		windows: make(map[string][]time.Time),
	}
}

// Exceeded reports whether id has used up its budget for the current window.
// When it returns false the message is counted against the window; a rejected
// message is not recorded.
func (l *MessageLimiter) Exceeded(id string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := prune(l.windows[id], now.Add(-l.window))
	if len(stamps) >= l.limit {
		l.windows[id] = stamps
		return true
	}
	l.windows[id] = append(stamps, now)
	return false
}

// Forget drops all state for id.
func (l *MessageLimiter) Forget(id string) {
	l.mu.Lock()
	delete(l.windows, id)
	l.mu.Unlock()
}

// Sweep removes windows whose timestamps have all expired and returns how many
// entries were dropped.
func (l *MessageLimiter) Sweep() int {
	cutoff := l.clock.Now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, stamps := range l.windows {
		stamps = prune(stamps, cutoff)
		if len(stamps) == 0 {
			delete(l.windows, id)
			removed++
			continue
		}
		l.windows[id] = stamps
	}
	return removed
}

// Tracked returns the number of identities with a live window.
func (l *MessageLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// prune drops timestamps at or before cutoff. Timestamps are appended in
// order so the live suffix is contiguous.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	n := copy(stamps, stamps[i:])
	return stamps[:n]
}
