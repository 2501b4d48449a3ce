// Package publisher writes decoded notifications to the internal log.
//
// The Republisher is the only writer of the internal log. Every record is
// appended under its notification key, so the log medium orders all entries
// for one key relative to each other.
//
// # Failure handling
//
// Appends are retried with exponential backoff. When MaxRetries consecutive
// attempts fail, the publisher reports itself degraded through Health with a
// LogWriteError and keeps retrying at the maximum delay. Publish does not
// return until the record is written or its context is cancelled, so
// ingestion stops forwarding while the log is unavailable and no record is
// dropped on the transport path.
//
// # Filtering
//
// KeyFilter selects which notification keys are forwarded, using glob
// patterns:
//
//	filter, _ := NewKeyFilter([]string{"N-*"}, []string{"N-TEST-*"})
//	filter.Match("N-100")      // true
//	filter.Match("N-TEST-1")   // false
package publisher
