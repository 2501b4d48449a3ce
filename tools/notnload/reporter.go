package main

import (
	"context"
	"fmt"
	"time"
)

// reportProgress prints real-time progress every second.
func reportProgress(ctx context.Context, stats *Stats) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var last Snapshot
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := stats.GetSnapshot()
			elapsed := time.Since(startTime)

			fmt.Printf("[%5.0fs] msg/sec: %6d | total: %8d | errors: %4d | throughput: %.1f msg/sec\n",
				elapsed.Seconds(),
				snap.Published-last.Published,
				snap.Published,
				snap.Errors,
				float64(snap.Published)/elapsed.Seconds(),
			)
			last = snap
		}
	}
}
