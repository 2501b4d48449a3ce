package publisher

import (
	"fmt"
	"time"
)

// Filter determines whether a notification key should be forwarded
type Filter interface {
	// Match returns true if the key should be forwarded
	Match(key string) bool
}

// LogWriteError reports that writes to the internal log are exhausting
// retries. The publisher keeps retrying while this is reported.
type LogWriteError struct {
	Key      string    // Key of the record being written
	Attempts int       // Consecutive failed attempts
	Since    time.Time // First failure of the current streak
	Err      error     // Last failure
}

func (e *LogWriteError) Error() string {
	return fmt.Sprintf("internal log write failing for key %s after %d attempts since %s: %v",
		e.Key, e.Attempts, e.Since.Format(time.RFC3339), e.Err)
}

func (e *LogWriteError) Unwrap() error {
	return e.Err
}

// Health is a point-in-time view of the publisher
type Health struct {
	Degraded bool
	Err      *LogWriteError // Set while degraded
}
