package changelog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize    = 100
	DefaultKafkaBatchBytes   = 1 << 20 // 1MB
	DefaultKafkaBatchTimeout = 10 * time.Millisecond
	DefaultKafkaPartitions   = 3
	DefaultKafkaMaxWait      = 500 * time.Millisecond
	kafkaRetryBackoff        = time.Second
)

// KafkaConfig holds configuration for the Kafka-backed internal log
type KafkaConfig struct {
	Brokers           []string           // Kafka broker addresses
	Topic             string             // Internal log topic
	Partitions        int                // Partition count used when creating the topic
	ReplicationFactor int                // Replication factor used when creating the topic
	CreateTopic       bool               // Create the compacted topic if it does not exist
	BatchSize         int                // Writer batch size
	BatchBytes        int64              // Max writer batch bytes
	BatchTimeout      time.Duration      // Max time a write waits for a batch to fill
	RequiredAcks      kafka.RequiredAcks // Ack requirement (default: RequireAll)
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults
func DefaultKafkaConfig(brokers []string, topic string) KafkaConfig {
	return KafkaConfig{
		Brokers:           brokers,
		Topic:             topic,
		Partitions:        DefaultKafkaPartitions,
		ReplicationFactor: 1,
		CreateTopic:       true,
		BatchSize:         DefaultKafkaBatchSize,
		BatchBytes:        DefaultKafkaBatchBytes,
		BatchTimeout:      DefaultKafkaBatchTimeout,
		RequiredAcks:      kafka.RequireAll,
	}
}

func (c *KafkaConfig) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka changelog requires at least one broker address")
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka changelog requires a topic")
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultKafkaBatchSize
	}
	if c.BatchBytes == 0 {
		c.BatchBytes = DefaultKafkaBatchBytes
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = DefaultKafkaBatchTimeout
	}
	if c.Partitions <= 0 {
		c.Partitions = DefaultKafkaPartitions
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	return nil
}

// EnsureKafkaTopic creates the internal log topic with log compaction enabled.
// An existing topic is left untouched.
func EnsureKafkaTopic(ctx context.Context, config KafkaConfig) error {
	if err := config.validate(); err != nil {
		return err
	}

	conn, err := kafka.DialContext(ctx, "tcp", config.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to find kafka controller: %w", err)
	}

	ctrlConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to dial kafka controller: %w", err)
	}
	defer ctrlConn.Close()

	err = ctrlConn.CreateTopics(kafka.TopicConfig{
		Topic:             config.Topic,
		NumPartitions:     config.Partitions,
		ReplicationFactor: config.ReplicationFactor,
		ConfigEntries: []kafka.ConfigEntry{
			{ConfigName: "cleanup.policy", ConfigValue: "compact"},
		},
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topic %s: %w", config.Topic, err)
	}
	return nil
}

// KafkaWriter appends to the internal log topic. The key selects the
// partition, so all entries for one key are totally ordered.
type KafkaWriter struct {
	writer *kafka.Writer
}

// NewKafkaWriter creates a synchronous, hash-partitioned writer
func NewKafkaWriter(config KafkaConfig) (*KafkaWriter, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &kafka.Hash{}, // Partition by key for consistent routing
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		BatchTimeout:           config.BatchTimeout,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false, // Sync writes so acknowledged entries are durable
		AllowAutoTopicCreation: false,
	}

	return &KafkaWriter{writer: writer}, nil
}

// Append writes one entry and waits for the configured acknowledgements
func (k *KafkaWriter) Append(ctx context.Context, key string, value []byte) error {
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
}

// Close flushes and releases the writer
func (k *KafkaWriter) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// KafkaReader replays every partition of the internal log topic from the
// earliest retained offset. Each partition is read by its own goroutine and
// funnelled into a single stream; per-partition order is preserved.
type KafkaReader struct {
	config     KafkaConfig
	partitions []int
	readers    []*kafka.Reader
	entries    chan Entry

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
}

// NewKafkaReader discovers the topic's partitions. A missing topic is an
// error so misconfiguration surfaces at startup.
func NewKafkaReader(ctx context.Context, config KafkaConfig) (*KafkaReader, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	conn, err := kafka.DialContext(ctx, "tcp", config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("failed to dial kafka: %w", err)
	}
	defer conn.Close()

	parts, err := conn.ReadPartitions(config.Topic)
	if err != nil {
		return nil, fmt.Errorf("failed to read partitions for %s: %w", config.Topic, err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("topic %s has no partitions", config.Topic)
	}

	readerCtx, cancel := context.WithCancel(context.Background())
	kr := &KafkaReader{
		config:  config,
		entries: make(chan Entry),
		ctx:     readerCtx,
		cancel:  cancel,
	}

	for _, p := range parts {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   config.Brokers,
			Topic:     config.Topic,
			Partition: p.ID,
			MinBytes:  1,
			MaxBytes:  10 << 20,
			MaxWait:   DefaultKafkaMaxWait,
		})
		if err := r.SetOffset(kafka.FirstOffset); err != nil {
			r.Close()
			kr.closeReaders()
			cancel()
			return nil, fmt.Errorf("failed to rewind partition %d: %w", p.ID, err)
		}
		kr.partitions = append(kr.partitions, p.ID)
		kr.readers = append(kr.readers, r)
	}

	return kr, nil
}

// Watermark returns, for each partition, the offset of the last message
// present right now.
func (k *KafkaReader) Watermark(ctx context.Context) (Watermark, error) {
	if k.closed.Load() {
		return nil, ErrClosed
	}

	w := make(Watermark, len(k.partitions))
	for _, partition := range k.partitions {
		conn, err := kafka.DialLeader(ctx, "tcp", k.config.Brokers[0], k.config.Topic, partition)
		if err != nil {
			return nil, fmt.Errorf("failed to dial leader for partition %d: %w", partition, err)
		}
		first, last, err := conn.ReadOffsets()
		conn.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read offsets for partition %d: %w", partition, err)
		}

		// last is the next offset to be written
		if last > first {
			w[partition] = last - 1
		} else {
			w[partition] = -1
		}
	}
	return w, nil
}

// Next returns the next entry from any partition.
func (k *KafkaReader) Next(ctx context.Context) (Entry, error) {
	if k.closed.Load() {
		return Entry{}, ErrClosed
	}

	k.startOnce.Do(k.start)

	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case <-k.ctx.Done():
		return Entry{}, ErrClosed
	case entry := <-k.entries:
		return entry, nil
	}
}

func (k *KafkaReader) start() {
	for i, r := range k.readers {
		k.wg.Add(1)
		go k.pump(k.partitions[i], r)
	}
}

func (k *KafkaReader) pump(partition int, r *kafka.Reader) {
	defer k.wg.Done()

	for {
		msg, err := r.ReadMessage(k.ctx)
		if err != nil {
			if k.ctx.Err() != nil {
				return
			}
			log.Warn().
				Err(err).
				Str("topic", k.config.Topic).
				Int("partition", partition).
				Msg("Failed to read changelog partition, retrying")

			select {
			case <-k.ctx.Done():
				return
			case <-time.After(kafkaRetryBackoff):
			}
			continue
		}

		entry := Entry{
			Key:      string(msg.Key),
			Value:    msg.Value,
			Position: Position{Partition: msg.Partition, Offset: msg.Offset},
		}

		select {
		case k.entries <- entry:
		case <-k.ctx.Done():
			return
		}
	}
}

func (k *KafkaReader) closeReaders() {
	for _, r := range k.readers {
		if err := r.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close changelog partition reader")
		}
	}
}

// Close stops all partition readers
func (k *KafkaReader) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	k.cancel()
	k.wg.Wait()
	k.closeReaders()
	return nil
}
