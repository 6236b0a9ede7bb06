package ratelimit

import "sync"

const DefaultMaxConnectionsPerAddr = 5

// ConnectionLimiter counts live control channels per source address.
type ConnectionLimiter struct {
	max int

	mu     sync.Mutex
	counts map[string]int
}

func NewConnectionLimiter(max int) *ConnectionLimiter {
	if max <= 0 {
		max = DefaultMaxConnectionsPerAddr
	}
	return &ConnectionLimiter{
		max:    max,
		counts: make(map[string]int),
	}
}

// Exceeded reports whether addr already holds the maximum number of channels.
func (l *ConnectionLimiter) Exceeded(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[addr] >= l.max
}

// TryIncrement checks and counts in one step. It returns false without
// counting when addr is at the limit.
func (l *ConnectionLimiter) TryIncrement(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[addr] >= l.max {
		return false
	}
	l.counts[addr]++
	return true
}

func (l *ConnectionLimiter) Increment(addr string) {
	l.mu.Lock()
	l.counts[addr]++
	l.mu.Unlock()
}

// Decrement releases one channel for addr. The entry is removed at zero.
func (l *ConnectionLimiter) Decrement(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.counts[addr]
	if !ok {
		return
	}
	if n <= 1 {
		delete(l.counts, addr)
		return
	}
	l.counts[addr] = n - 1
}

func (l *ConnectionLimiter) Count(addr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[addr]
}

// Sweep removes any non-positive counters left behind and returns how many
// were dropped.
func (l *ConnectionLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for addr, n := range l.counts {
		if n <= 0 {
			delete(l.counts, addr)
			removed++
		}
	}
	return removed
}
