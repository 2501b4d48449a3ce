// Package engine replays the internal log into the node-local replica table
// and decides when the replica is ready to serve.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/notnview/changelog"
	"github.com/maxpert/notnview/record"
	"github.com/maxpert/notnview/store"
	"github.com/maxpert/notnview/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotReady is returned by Get before bootstrap completes or after a failure
	ErrNotReady = errors.New("replica not ready")

	// ErrShuttingDown is returned by Get once Stop has been called
	ErrShuttingDown = errors.New("replica shutting down")

	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("engine already started")
)

const DefaultReadRetryBackoff = time.Second

// Config holds engine tuning
type Config struct {
	ReadRetryBackoff time.Duration // Wait after a failed log read
}

// Engine consumes the internal log with a single task and applies every
// entry to its table with last-write-wins by log position.
//
// The engine owns the table: Stop closes it. The reader is owned by the
// caller and must outlive Stop.
type Engine struct {
	reader changelog.Reader
	table  store.Table
	config Config

	state   atomic.Int32
	failure atomic.Pointer[error]

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	cancel    context.CancelFunc
	stopOnce  sync.Once

	// Held for read by lookups so the table is not closed under them
	closeMu sync.RWMutex

	startedAt time.Time
}

// NewEngine creates an engine in the Uninitialized state
func NewEngine(reader changelog.Reader, table store.Table, config Config) *Engine {
	if config.ReadRetryBackoff <= 0 {
		config.ReadRetryBackoff = DefaultReadRetryBackoff
	}
	return &Engine{
		reader: reader,
		table:  table,
		config: config,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// State returns the current engine state
func (e *Engine) State() State {
	return State(e.state.Load())
}

// StateValue implements telemetry.StatsProvider
func (e *Engine) StateValue() int {
	return int(e.State())
}

// KeyCount implements telemetry.StatsProvider
func (e *Engine) KeyCount() int {
	return e.table.Len()
}

// Digest returns the replica table fingerprint
func (e *Engine) Digest() uint64 {
	return e.table.Digest()
}

// Ready is closed once the engine has consumed through the startup watermark
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// Done is closed when the consumption task exits
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the cause of a Failed state, or nil
func (e *Engine) Err() error {
	if p := e.failure.Load(); p != nil {
		return *p
	}
	return nil
}

// WaitReady blocks until the engine is ready, fails or ctx is done
func (e *Engine) WaitReady(ctx context.Context) error {
	select {
	case <-e.ready:
		return nil
	case <-e.done:
		if err := e.Err(); err != nil {
			return err
		}
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setState moves to the given state if the transition is allowed from the
// current one.
func (e *Engine) setState(to State) bool {
	for {
		old := State(e.state.Load())
		if !old.CanTransition(to) {
			return false
		}
		if e.state.CompareAndSwap(int32(old), int32(to)) {
			log.Info().
				Str("from", old.String()).
				Str("to", to.String()).
				Msg("Engine state changed")
			telemetry.EngineStateTransitionsTotal.With(old.String(), to.String()).Inc()
			telemetry.EngineState.Set(float64(to))
			telemetry.EngineStateActive.With(old.String()).Set(0)
			telemetry.EngineStateActive.With(to.String()).Set(1)
			return true
		}
	}
}

// Start snapshots the end of the log and begins consuming from the earliest
// retained entry. The engine is ready once every partition has been read
// through the snapshot.
func (e *Engine) Start(ctx context.Context) error {
	e.startedAt = time.Now()
	if !e.setState(StateBootstrapping) {
		return ErrAlreadyStarted
	}

	watermark, err := e.reader.Watermark(ctx)
	if err != nil {
		err = fmt.Errorf("failed to read log watermark: %w", err)
		e.fail(err)
		e.finish()
		return err
	}

	progress := changelog.NewProgress(watermark)
	log.Info().
		Interface("watermark", watermark).
		Int("pending_partitions", progress.Remaining()).
		Msg("Bootstrapping replica from internal log")

	if progress.Done() {
		e.markReady()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.run(runCtx, progress)
	return nil
}

func (e *Engine) finish() {
	e.doneOnce.Do(func() { close(e.done) })
}

func (e *Engine) run(ctx context.Context, progress *changelog.Progress) {
	defer e.finish()

	for {
		entry, err := e.reader.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, changelog.ErrClosed) {
				log.Debug().Err(err).Msg("Engine consumption stopped")
				return
			}
			if errors.Is(err, changelog.ErrCorrupt) {
				e.fail(err)
				return
			}

			telemetry.LogReadErrorsTotal.Inc()
			log.Warn().Err(err).Dur("backoff", e.config.ReadRetryBackoff).Msg("Failed to read internal log, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.config.ReadRetryBackoff):
			}
			continue
		}

		// An entry already read is applied even if shutdown started meanwhile
		if err := e.apply(entry); err != nil {
			e.fail(err)
			return
		}

		if !progress.Done() && progress.Observe(entry.Position) {
			e.markReady()
		}
	}
}

func (e *Engine) apply(entry changelog.Entry) error {
	if entry.Skipped {
		telemetry.EntriesAppliedTotal.With("unreadable").Inc()
		return nil
	}

	env, err := record.DecodeEnvelope(entry.Value)
	if err != nil {
		telemetry.EntriesAppliedTotal.With("decode_error").Inc()
		log.Warn().
			Err(err).
			Str("key", entry.Key).
			Int("partition", entry.Position.Partition).
			Int64("offset", entry.Position.Offset).
			Msg("Skipping undecodable log entry")
		return nil
	}

	applied, err := e.table.Apply(entry.Key, env.Notification, entry.Position)
	if err != nil {
		return fmt.Errorf("failed to apply key %s at %d/%d: %w",
			entry.Key, entry.Position.Partition, entry.Position.Offset, err)
	}

	if !applied {
		telemetry.EntriesAppliedTotal.With("stale").Inc()
		return nil
	}

	telemetry.EntriesAppliedTotal.With("applied").Inc()
	if env.IngestedAtMS > 0 {
		lag := time.Since(time.UnixMilli(env.IngestedAtMS))
		telemetry.ApplyLagSeconds.Observe(lag.Seconds())
	}
	return nil
}

func (e *Engine) markReady() {
	e.readyOnce.Do(func() {
		if !e.setState(StateReady) {
			return
		}
		elapsed := time.Since(e.startedAt)
		telemetry.BootstrapDurationSeconds.Set(elapsed.Seconds())
		log.Info().
			Dur("elapsed", elapsed).
			Int("keys", e.table.Len()).
			Msg("Replica ready")
		close(e.ready)
	})
}

func (e *Engine) fail(err error) {
	e.failure.CompareAndSwap(nil, &err)
	if e.setState(StateFailed) {
		log.Error().Err(err).Msg("Engine failed; lookups will report not ready until restart")
	}
}

// Get reads key from the replica. It returns ErrNotReady unless the engine
// is Ready and ErrShuttingDown once Stop has begun.
func (e *Engine) Get(key string) (record.Notification, bool, error) {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()

	switch e.State() {
	case StateReady:
	case StateShuttingDown, StateStopped:
		return record.Notification{}, false, ErrShuttingDown
	case StateFailed:
		return record.Notification{}, false, fmt.Errorf("%w: %v", ErrNotReady, e.Err())
	default:
		return record.Notification{}, false, ErrNotReady
	}

	n, ok, err := e.table.Get(key)
	if err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) {
			e.fail(err)
		}
		return record.Notification{}, false, err
	}
	return n, ok, nil
}

// Stop ends consumption after the entry in flight, waits for in-flight
// lookups and closes the table.
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		e.setState(StateShuttingDown)

		if e.cancel != nil {
			e.cancel()
			<-e.done
		} else {
			e.finish()
		}

		e.closeMu.Lock()
		defer e.closeMu.Unlock()

		err = e.table.Close()
		e.setState(StateStopped)
	})
	return err
}
