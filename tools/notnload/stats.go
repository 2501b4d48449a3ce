package main

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks publish statistics using atomic counters.
type Stats struct {
	published atomic.Uint64
	errors    atomic.Uint64

	// Publish latency in microseconds
	mu        sync.Mutex
	latencies []int64
}

func NewStats() *Stats {
	return &Stats{
		latencies: make([]int64, 0, 100000),
	}
}

// RecordPublish records an acknowledged write.
func (s *Stats) RecordPublish(latency time.Duration) {
	s.published.Add(1)

	s.mu.Lock()
	s.latencies = append(s.latencies, latency.Microseconds())
	s.mu.Unlock()
}

// RecordError records a failed write.
func (s *Stats) RecordError() {
	s.errors.Add(1)
}

// Snapshot is a copy of the counters at one instant.
type Snapshot struct {
	Published uint64
	Errors    uint64
}

func (s *Stats) GetSnapshot() Snapshot {
	return Snapshot{
		Published: s.published.Load(),
		Errors:    s.errors.Load(),
	}
}

// GetLatencyPercentiles returns p50, p90, p99 in microseconds.
func (s *Stats) GetLatencyPercentiles() (p50, p90, p99 int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.latencies) == 0 {
		return 0, 0, 0
	}

	sorted := make([]int64, len(s.latencies))
	copy(sorted, s.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	return sorted[n*50/100], sorted[n*90/100], sorted[n*99/100]
}

// PrintFinal prints final statistics.
func (s *Stats) PrintFinal(elapsed time.Duration) {
	snap := s.GetSnapshot()
	p50, p90, p99 := s.GetLatencyPercentiles()

	fmt.Println()
	fmt.Printf("Total time:  %.2fs\n", elapsed.Seconds())
	fmt.Printf("Throughput:  %.2f msg/sec\n", float64(snap.Published)/elapsed.Seconds())
	fmt.Printf("Published:   %d\n", snap.Published)
	if snap.Errors > 0 {
		fmt.Printf("Errors:      %d\n", snap.Errors)
	}
	fmt.Println()
	fmt.Println("Publish latency (microseconds):")
	fmt.Printf("  P50:   %d\n", p50)
	fmt.Printf("  P90:   %d\n", p90)
	fmt.Printf("  P99:   %d\n", p99)
}
