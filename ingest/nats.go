package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/notnview/changelog"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	natsFetchWait   = time.Second
	natsAckWait     = 30 * time.Second
	natsInitTimeout = 5 * time.Second
)

// NatsConfig holds configuration for the JetStream input channel
type NatsConfig struct {
	URL     string
	Subject string // Subject carrying notification payloads
	Durable string // Durable consumer name, shared by all ingesting nodes
}

// NatsSource pulls from a durable JetStream consumer with explicit acks.
// The notification key is read from the "key" header, falling back to the
// subject tokens matched by a trailing wildcard in the configured subject.
type NatsSource struct {
	nc       *nats.Conn
	consumer jetstream.Consumer
	config   NatsConfig
}

// NewNatsSource binds a durable consumer on the stream that owns Subject.
// The stream must already exist.
func NewNatsSource(ctx context.Context, config NatsConfig) (*NatsSource, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("nats input requires a url")
	}
	if config.Subject == "" {
		return nil, fmt.Errorf("nats input requires a subject")
	}
	if config.Durable == "" {
		return nil, fmt.Errorf("nats input requires a durable consumer name")
	}

	nc, err := changelog.ConnectNats(config.URL)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, natsInitTimeout)
	defer cancel()

	stream, err := js.StreamNameBySubject(initCtx, config.Subject)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("no stream serves input subject %s: %w", config.Subject, err)
	}

	consumer, err := js.CreateOrUpdateConsumer(initCtx, stream, jetstream.ConsumerConfig{
		Durable:       config.Durable,
		FilterSubject: config.Subject,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       natsAckWait,
		MaxAckPending: 1, // Preserve per-key order across redeliveries
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create consumer %s on %s: %w", config.Durable, stream, err)
	}

	return &NatsSource{nc: nc, consumer: consumer, config: config}, nil
}

func (n *NatsSource) Fetch(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		if n.nc.IsClosed() {
			return Message{}, ErrSourceClosed
		}

		msg, err := n.consumer.Next(jetstream.FetchMaxWait(natsFetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return Message{}, err
		}

		var offset int64
		if meta, err := msg.Metadata(); err == nil {
			offset = int64(meta.Sequence.Stream)
		}

		return Message{
			Key:    natsMessageKey(n.config.Subject, msg),
			Value:  msg.Data(),
			Offset: offset,
			raw:    msg,
		}, nil
	}
}

func (n *NatsSource) Commit(ctx context.Context, msg Message) error {
	raw, ok := msg.raw.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("message at sequence %d did not come from nats", msg.Offset)
	}
	return raw.DoubleAck(ctx)
}

func (n *NatsSource) Close() error {
	n.nc.Close()
	return nil
}

func natsMessageKey(filter string, msg jetstream.Msg) string {
	if key := msg.Headers().Get(changelog.NatsKeyHeader); key != "" {
		return key
	}
	return subjectKey(filter, msg.Subject())
}

// subjectKey returns the part of subject matched by a trailing wildcard in
// filter, or "" when the subject carries no key.
func subjectKey(filter, subject string) string {
	prefix := strings.TrimSuffix(strings.TrimSuffix(filter, ">"), "*")
	if prefix == filter || !strings.HasPrefix(subject, prefix) {
		return ""
	}
	return subject[len(prefix):]
}
