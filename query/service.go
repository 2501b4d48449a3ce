// Package query serves point lookups against the node-local replica.
// Lookups only read in-process state and never perform network I/O.
package query

import (
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/notnview/engine"
	"github.com/maxpert/notnview/record"
	"github.com/maxpert/notnview/telemetry"
)

var (
	// ErrNotFound means the replica is ready and has never seen the key
	ErrNotFound = errors.New("notification not found")

	// ErrNotReady means the replica is bootstrapping or has failed
	ErrNotReady = engine.ErrNotReady

	// ErrShuttingDown means the node is stopping
	ErrShuttingDown = engine.ErrShuttingDown

	// ErrUnavailable means the replica store failed; it is also ErrNotReady
	ErrUnavailable = fmt.Errorf("%w: replica store unavailable", ErrNotReady)
)

// Replica is the read side of the materialization engine
type Replica interface {
	Get(key string) (record.Notification, bool, error)
}

// Service answers lookup(key) -> Notification | NotFound | NotReady
type Service struct {
	replica Replica
}

// NewService creates a lookup service over replica
func NewService(replica Replica) *Service {
	return &Service{replica: replica}
}

// Lookup returns the current value for key. The returned value is a copy.
func (s *Service) Lookup(key string) (record.Notification, error) {
	start := time.Now()
	n, err := s.lookup(key)
	result := resultLabel(err)
	telemetry.LookupDurationSeconds.With(result).Observe(time.Since(start).Seconds())
	telemetry.LookupsTotal.With(result).Inc()
	return n, err
}

func (s *Service) lookup(key string) (record.Notification, error) {
	n, ok, err := s.replica.Get(key)
	switch {
	case err == nil && ok:
		return n, nil
	case err == nil:
		return record.Notification{}, ErrNotFound
	case errors.Is(err, ErrShuttingDown), errors.Is(err, ErrNotReady):
		return record.Notification{}, err
	default:
		// Store failures and anything unexpected
		return record.Notification{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "found"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "not_ready"
	}
}
