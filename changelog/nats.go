package changelog

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NatsKeyHeader carries the raw notification key on NATS messages, both on
// the input subject and the internal log
const NatsKeyHeader = "key"

const natsRequestTimeout = 5 * time.Second

// NatsConfig configures the JetStream-backed internal log
type NatsConfig struct {
	URL      string // NATS server URL
	Subject  string // Subject prefix; entries publish to {Subject}.{encoded key}
	Replicas int    // Stream replicas
}

// NatsLog stores the internal log in a JetStream stream. The stream keeps one
// message per subject and every key maps to its own subject, which gives
// per-key compaction.
type NatsLog struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	stream  jetstream.Stream
	subject string
}

// ConnectNats opens a connection with reconnects enabled.
func ConnectNats(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NewNatsLog connects and creates or updates the backing stream
func NewNatsLog(ctx context.Context, config NatsConfig) (*NatsLog, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("nats changelog requires a url")
	}
	if config.Subject == "" {
		return nil, fmt.Errorf("nats changelog requires a subject")
	}
	if config.Replicas <= 0 {
		config.Replicas = 1
	}

	nc, err := ConnectNats(config.URL)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, natsRequestTimeout)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(streamCtx, jetstream.StreamConfig{
		Name:              SanitizeStreamName(config.Subject),
		Subjects:          []string{config.Subject + ".>"},
		Storage:           jetstream.FileStorage,
		Retention:         jetstream.LimitsPolicy,
		MaxMsgsPerSubject: 1,
		Replicas:          config.Replicas,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream for %s: %w", config.Subject, err)
	}

	return &NatsLog{
		nc:      nc,
		js:      js,
		stream:  stream,
		subject: config.Subject,
	}, nil
}

// Append publishes one entry and waits for the stream acknowledgement
func (n *NatsLog) Append(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("nats changelog cannot store an empty key")
	}

	msg := &nats.Msg{
		Subject: n.subject + "." + EncodeSubjectKey(key),
		Data:    value,
		Header:  nats.Header{NatsKeyHeader: []string{key}},
	}

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	return nil
}

// NewReader creates an ordered consumer that replays the stream from its
// first retained message.
func (n *NatsLog) NewReader(ctx context.Context) (*NatsReader, error) {
	consumer, err := n.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ordered consumer: %w", err)
	}

	iter, err := consumer.Messages()
	if err != nil {
		return nil, fmt.Errorf("failed to open message iterator: %w", err)
	}

	readerCtx, cancel := context.WithCancel(context.Background())
	return &NatsReader{
		log:     n,
		iter:    iter,
		entries: make(chan Entry),
		errs:    make(chan error, 1),
		ctx:     readerCtx,
		cancel:  cancel,
	}, nil
}

// Close drains the connection
func (n *NatsLog) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// NatsReader follows the JetStream-backed log
type NatsReader struct {
	log     *NatsLog
	iter    jetstream.MessagesContext
	entries chan Entry
	errs    chan error

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
}

// Watermark returns the stream's last sequence
func (r *NatsReader) Watermark(ctx context.Context) (Watermark, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}

	info, err := r.log.stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream info: %w", err)
	}
	if info.State.Msgs == 0 {
		return Watermark{0: -1}, nil
	}
	return Watermark{0: int64(info.State.LastSeq)}, nil
}

// Next returns the next entry in stream order
func (r *NatsReader) Next(ctx context.Context) (Entry, error) {
	if r.closed.Load() {
		return Entry{}, ErrClosed
	}

	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.pump()
	})

	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case <-r.ctx.Done():
		return Entry{}, ErrClosed
	case entry := <-r.entries:
		return entry, nil
	case err := <-r.errs:
		return Entry{}, err
	}
}

func (r *NatsReader) pump() {
	defer r.wg.Done()

	for {
		msg, err := r.iter.Next()
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("subject", r.log.subject).Msg("Failed to read changelog stream, retrying")
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		entry, err := entryFromMsg(r.log.subject, msg)
		if err != nil {
			// Without a sequence the reader cannot tell where it is
			log.Error().Err(err).Str("subject", msg.Subject()).Msg("Changelog message has no stream metadata")
			r.errs <- err
			return
		}

		select {
		case r.entries <- entry:
		case <-r.ctx.Done():
			return
		}
	}
}

// Close stops the consumer iterator
func (r *NatsReader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.cancel()
	r.iter.Stop()
	r.wg.Wait()
	return nil
}

// entryFromMsg converts a stream message. A message whose key cannot be read
// becomes a Skipped entry at its sequence.
func entryFromMsg(prefix string, msg jetstream.Msg) (Entry, error) {
	meta, err := msg.Metadata()
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	pos := Position{Partition: 0, Offset: int64(meta.Sequence.Stream)}

	key, err := keyFromMsg(prefix, msg)
	if err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject()).Uint64("seq", meta.Sequence.Stream).Msg("Skipping changelog message with unreadable key")
		return Entry{Position: pos, Skipped: true}, nil
	}
	return Entry{Key: key, Value: msg.Data(), Position: pos}, nil
}

func keyFromMsg(prefix string, msg jetstream.Msg) (string, error) {
	if key := msg.Headers().Get(NatsKeyHeader); key != "" {
		return key, nil
	}
	return DecodeSubjectKey(strings.TrimPrefix(msg.Subject(), prefix+"."))
}

// EncodeSubjectKey converts a key into a single subject token.
// Uses base64url encoding (URL-safe, no padding) so dots and wildcards in
// keys cannot change the subject hierarchy.
func EncodeSubjectKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// DecodeSubjectKey reverses EncodeSubjectKey
func DecodeSubjectKey(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// SanitizeStreamName converts a subject to a valid JetStream stream name.
// JetStream stream names can't contain "." so we replace with "_"
func SanitizeStreamName(subject string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, subject)
}
