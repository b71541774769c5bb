package utils

import (
	"math"
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps the most recent cycle durations in a ring and answers
// percentile queries over them.
type LatencyTracker struct {
	mu      sync.RWMutex
	ring    []time.Duration
	next    int
	full    bool
	maxSize int
}

// NewLatencyTracker keeps up to maxSize samples (512 when maxSize <= 0).
func NewLatencyTracker(maxSize int) *LatencyTracker {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &LatencyTracker{ring: make([]time.Duration, maxSize), maxSize: maxSize}
}

// Observe records d, overwriting the oldest sample once full.
func (l *LatencyTracker) Observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring[l.next] = d
	l.next = (l.next + 1) % l.maxSize
	if l.next == 0 {
		l.full = true
	}
}

// Percentile returns the nearest-rank p-th percentile (0-100), zero when empty.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	sorted := l.sorted()
	if len(sorted) == 0 {
		return 0
	}
	switch {
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// Mean is the average of retained samples.
func (l *LatencyTracker) Mean() time.Duration {
	samples := l.samples()
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return total / time.Duration(len(samples))
}

// Count is the number of retained samples.
func (l *LatencyTracker) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return l.maxSize
	}
	return l.next
}

func (l *LatencyTracker) samples() []time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := l.next
	if l.full {
		n = l.maxSize
	}
	return append([]time.Duration(nil), l.ring[:n]...)
}

func (l *LatencyTracker) sorted() []time.Duration {
	s := l.samples()
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	return s
}
