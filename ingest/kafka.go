package ingest

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

const (
	defaultKafkaMinBytes = 1
	defaultKafkaMaxBytes = 10 << 20 // 10MB
)

// KafkaConfig holds configuration for the Kafka input channel
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (c KafkaConfig) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka input requires at least one broker address")
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka input requires a topic")
	}
	if c.GroupID == "" {
		return fmt.Errorf("kafka input requires a consumer group")
	}
	return nil
}

// KafkaSource consumes the input topic as a member of a consumer group.
// Offsets are committed explicitly after the record is written to the
// internal log.
type KafkaSource struct {
	reader *kafka.Reader
	config KafkaConfig
}

// NewKafkaSource verifies the topic exists and joins the consumer group
func NewKafkaSource(ctx context.Context, config KafkaConfig) (*KafkaSource, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	conn, err := kafka.DialContext(ctx, "tcp", config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("failed to dial kafka: %w", err)
	}
	parts, err := conn.ReadPartitions(config.Topic)
	conn.Close()
	if err != nil {
		return nil, fmt.Errorf("input topic %s is not available: %w", config.Topic, err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("input topic %s has no partitions", config.Topic)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		MinBytes:       defaultKafkaMinBytes,
		MaxBytes:       defaultKafkaMaxBytes,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0, // Synchronous commits
	})

	return &KafkaSource{reader: reader, config: config}, nil
}

func (k *KafkaSource) Fetch(ctx context.Context) (Message, error) {
	msg, err := k.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		raw:       msg,
	}, nil
}

func (k *KafkaSource) Commit(ctx context.Context, msg Message) error {
	raw, ok := msg.raw.(kafka.Message)
	if !ok {
		return fmt.Errorf("message at %d/%d did not come from kafka", msg.Partition, msg.Offset)
	}
	return k.reader.CommitMessages(ctx, raw)
}

func (k *KafkaSource) Close() error {
	return k.reader.Close()
}
