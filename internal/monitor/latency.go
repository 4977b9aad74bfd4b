package monitor

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

const latencyRingSize = 512

// LatencyRecorder keeps the most recent recognition call durations in a
// fixed ring and derives percentiles for the stats endpoint.
type LatencyRecorder struct {
	mu      sync.Mutex
	samples []float64 // milliseconds
	next    int
	full    bool
}

func NewLatencyRecorder() *LatencyRecorder {
	return &LatencyRecorder{samples: make([]float64, latencyRingSize)}
}

// Record stores one call duration, overwriting the oldest sample once the
// ring is full. Safe to call from the worker goroutine.
func (l *LatencyRecorder) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.samples[l.next] = float64(d) / float64(time.Millisecond)
	l.next++
	if l.next == len(l.samples) {
		l.next = 0
		l.full = true
	}
}

// Count returns the number of recorded samples, capped at the ring size.
func (l *LatencyRecorder) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.samples)
	}
	return l.next
}

// LatencySummary holds percentile estimates in milliseconds.
type LatencySummary struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
}

// Summary computes percentiles over the recorded samples. Zeroes with no
// samples.
func (l *LatencyRecorder) Summary() LatencySummary {
	l.mu.Lock()
	n := l.next
	if l.full {
		n = len(l.samples)
	}
	sorted := append([]float64(nil), l.samples[:n]...)
	l.mu.Unlock()

	if len(sorted) == 0 {
		return LatencySummary{}
	}
	sort.Float64s(sorted)

	return LatencySummary{
		Count: len(sorted),
		P50:   stat.Quantile(0.50, stat.Empirical, sorted, nil),
		P95:   stat.Quantile(0.95, stat.Empirical, sorted, nil),
		P99:   stat.Quantile(0.99, stat.Empirical, sorted, nil),
	}
}
