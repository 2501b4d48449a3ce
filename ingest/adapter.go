package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/maxpert/notnview/publisher"
	"github.com/maxpert/notnview/record"
	"github.com/maxpert/notnview/telemetry"
	"github.com/rs/zerolog/log"
)

const DefaultFetchRetryBackoff = time.Second

// Publisher receives decoded notifications. Publish returns only once the
// record is durable or ctx is done.
type Publisher interface {
	Publish(ctx context.Context, key string, n record.Notification) error
}

// Config holds adapter configuration
type Config struct {
	Codec             record.Codec     // Defaults to record.JSONCodec
	Filter            publisher.Filter // Optional key filter
	FetchRetryBackoff time.Duration    // Wait after a failed fetch
}

// Adapter moves messages from a Source to a Publisher.
//
// Malformed payloads are reported and skipped so one bad record never halts
// the subscription. Transport failures on the publish path block the loop
// instead; the input offset is committed only after the record is durable in
// the internal log.
type Adapter struct {
	source    Source
	publisher Publisher
	config    Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewAdapter creates an adapter; call Start or Run to begin consuming
func NewAdapter(source Source, pub Publisher, config Config) *Adapter {
	if config.Codec == nil {
		config.Codec = record.JSONCodec{}
	}
	if config.FetchRetryBackoff <= 0 {
		config.FetchRetryBackoff = DefaultFetchRetryBackoff
	}
	return &Adapter{
		source:    source,
		publisher: pub,
		config:    config,
	}
}

// Start runs the adapter in the background until Stop
func (a *Adapter) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Run(ctx)
	}()
}

// Stop cancels the loop and waits for it to exit. A record being published
// when Stop is called is not committed and will be redelivered.
func (a *Adapter) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}

// Run consumes until ctx is done or the source is closed
func (a *Adapter) Run(ctx context.Context) {
	log.Info().Msg("Ingestion adapter started")
	defer log.Info().Msg("Ingestion adapter stopped")

	for {
		msg, err := a.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSourceClosed) {
				return
			}

			telemetry.InputFetchErrorsTotal.Inc()
			log.Warn().Err(err).Dur("backoff", a.config.FetchRetryBackoff).Msg("Failed to fetch from input channel, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.config.FetchRetryBackoff):
			}
			continue
		}

		if !a.handle(ctx, msg) {
			return
		}

		if err := a.source.Commit(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			// Redelivery is harmless: the replica keeps the latest position
			log.Warn().
				Err(err).
				Str("key", msg.Key).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("Failed to commit input offset")
		}
	}
}

// handle processes one message and reports whether it may be committed
func (a *Adapter) handle(ctx context.Context, msg Message) bool {
	if msg.Key == "" {
		telemetry.IngestedTotal.With("empty_key").Inc()
		log.Warn().
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("Skipping input message without key")
		return true
	}

	if a.config.Filter != nil && !a.config.Filter.Match(msg.Key) {
		telemetry.IngestedTotal.With("filtered").Inc()
		log.Debug().Str("key", msg.Key).Msg("Input message filtered")
		return true
	}

	n, err := a.config.Codec.Decode(msg.Value)
	if err != nil {
		telemetry.IngestedTotal.With("decode_error").Inc()
		telemetry.DecodeErrorsTotal.Inc()
		log.Warn().
			Err(err).
			Str("key", msg.Key).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("Skipping malformed notification")
		return true
	}

	if err := a.publisher.Publish(ctx, msg.Key, n); err != nil {
		if ctx.Err() != nil {
			return false
		}
		// Not a transport failure: the record cannot be encoded at all
		telemetry.IngestedTotal.With("publish_error").Inc()
		log.Error().Err(err).Str("key", msg.Key).Msg("Dropping notification that cannot be republished")
		return true
	}

	telemetry.IngestedTotal.With("forwarded").Inc()
	return true
}
