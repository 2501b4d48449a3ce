package publisher

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maxpert/notnview/changelog"
	"github.com/maxpert/notnview/record"
	"github.com/maxpert/notnview/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxRetries      = 5
	DefaultRetryInitial    = 100 * time.Millisecond
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
	DefaultWriteTimeout    = 10 * time.Second
)

// Config holds republisher configuration
type Config struct {
	NodeID          uint64        // Stamped on every envelope
	MaxRetries      int           // Failed attempts before reporting degraded
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Maximum retry delay
	RetryMultiplier float64       // Backoff multiplier
	WriteTimeout    time.Duration // Per-attempt timeout
}

// DefaultConfig returns the default retry policy
func DefaultConfig(nodeID uint64) Config {
	return Config{
		NodeID:          nodeID,
		MaxRetries:      DefaultMaxRetries,
		RetryInitial:    DefaultRetryInitial,
		RetryMax:        DefaultRetryMax,
		RetryMultiplier: DefaultRetryMultiplier,
		WriteTimeout:    DefaultWriteTimeout,
	}
}

// Republisher appends decoded notifications to the internal log
type Republisher struct {
	writer   changelog.Writer
	config   Config
	degraded atomic.Pointer[LogWriteError]
}

// NewRepublisher creates a republisher writing through writer
func NewRepublisher(writer changelog.Writer, config Config) *Republisher {
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax < config.RetryInitial {
		config.RetryMax = config.RetryInitial
	}
	if config.RetryMultiplier < 1 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	return &Republisher{writer: writer, config: config}
}

// Publish writes n under key and returns once the write is acknowledged.
// It blocks through log outages and only returns early when ctx is done.
func (r *Republisher) Publish(ctx context.Context, key string, n record.Notification) error {
	value, err := record.EncodeEnvelope(record.Envelope{
		Notification: n,
		IngestedAtMS: time.Now().UnixMilli(),
		NodeID:       r.config.NodeID,
	})
	if err != nil {
		return fmt.Errorf("failed to encode envelope for key %s: %w", key, err)
	}

	start := time.Now()
	delay := r.config.RetryInitial
	attempts := 0
	var since time.Time

	for {
		err := r.append(ctx, key, value)
		if err == nil {
			telemetry.RepublishTotal.With("success").Inc()
			telemetry.RepublishDurationSeconds.Observe(time.Since(start).Seconds())
			r.clearDegraded(key, attempts)
			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("publish of key %s cancelled: %w", key, ctx.Err())
		}

		attempts++
		if since.IsZero() {
			since = time.Now()
		}
		telemetry.RepublishTotal.With("failed").Inc()
		telemetry.RepublishRetriesTotal.Inc()

		if attempts >= r.config.MaxRetries {
			r.degrade(&LogWriteError{Key: key, Attempts: attempts, Since: since, Err: err})
		} else {
			log.Warn().
				Err(err).
				Str("key", key).
				Int("attempt", attempts).
				Dur("retry_delay", delay).
				Msg("Failed to write to internal log, retrying")
		}

		if !sleep(ctx, delay) {
			return fmt.Errorf("publish of key %s cancelled after %d attempts: %w", key, attempts, ctx.Err())
		}

		// Exponential backoff
		delay = time.Duration(float64(delay) * r.config.RetryMultiplier)
		if delay > r.config.RetryMax {
			delay = r.config.RetryMax
		}
	}
}

func (r *Republisher) append(ctx context.Context, key string, value []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, r.config.WriteTimeout)
	defer cancel()
	return r.writer.Append(attemptCtx, key, value)
}

func (r *Republisher) degrade(err *LogWriteError) {
	first := r.degraded.Swap(err) == nil
	if first {
		telemetry.PublisherDegraded.Set(1)
		log.Error().
			Err(err.Err).
			Str("key", err.Key).
			Int("attempts", err.Attempts).
			Msg("Internal log unavailable, forwarding paused until writes succeed")
		return
	}
	log.Warn().
		Err(err.Err).
		Str("key", err.Key).
		Int("attempt", err.Attempts).
		Msg("Internal log still unavailable")
}

func (r *Republisher) clearDegraded(key string, attempts int) {
	if r.degraded.Swap(nil) != nil {
		telemetry.PublisherDegraded.Set(0)
		log.Info().
			Str("key", key).
			Int("attempts", attempts+1).
			Msg("Internal log writes recovered")
	}
}

// Health reports whether writes are currently exhausting retries
func (r *Republisher) Health() Health {
	if err := r.degraded.Load(); err != nil {
		return Health{Degraded: true, Err: err}
	}
	return Health{}
}

// sleep waits for d and returns false if ctx ends first
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
