package main

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/notnview/record"
	"github.com/segmentio/kafka-go"
)

var statuses = []string{"OPEN", "AMENDED", "CLOSED"}

// KeyFor returns the notification number for index i (1-based)
func KeyFor(prefix string, i int) string {
	return fmt.Sprintf("%s-%08d", prefix, i)
}

// Generator builds random notification updates over a fixed key space.
// rng must be owned by the caller.
type Generator struct {
	prefix string
	keys   int
	seq    atomic.Uint64
}

func NewGenerator(prefix string, keys int) *Generator {
	return &Generator{prefix: prefix, keys: keys}
}

// Next returns a key and a fresh notification value for it
func (g *Generator) Next(rng *rand.Rand) (string, record.Notification) {
	key := KeyFor(g.prefix, rng.Intn(g.keys)+1)
	seq := g.seq.Add(1)
	now := time.Now().UTC()

	return key, record.Notification{
		Notn:      key,
		NotnType:  "T",
		NotnDate:  now.Format("2006-01-02"),
		Country:   "IN",
		SlNo:      strconv.FormatUint(seq, 10),
		ItemDesc:  "generated by notnload",
		Amts:      record.Amount(rng.Int31n(100000)),
		Status:    statuses[rng.Intn(len(statuses))],
		EntryBy:   "notnload",
		EntryDate: now.Format(time.RFC3339),
	}
}

// messageWriter is the part of kafka.Writer the workers use
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

func newKafkaWriter(cfg *Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.BrokerList()...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 5 * time.Millisecond,
	}
}

// produce publishes until the message budget is spent or ctx is done
func produce(ctx context.Context, cfg *Config, w messageWriter, stats *Stats) {
	gen := NewGenerator(cfg.Prefix, cfg.Keys)
	codec := record.JSONCodec{}

	var issued atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < cfg.Threads; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)))

			for ctx.Err() == nil {
				if cfg.Messages > 0 && issued.Add(1) > int64(cfg.Messages) {
					return
				}

				key, n := gen.Next(rng)
				value, err := codec.Encode(n)
				if err != nil {
					stats.RecordError()
					continue
				}

				start := time.Now()
				err = w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value})
				if err != nil {
					if ctx.Err() == nil {
						stats.RecordError()
					}
					continue
				}
				stats.RecordPublish(time.Since(start))
			}
		}(i)
	}
	wg.Wait()
}

func executeProduce(ctx context.Context, cfg *Config) error {
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	w := newKafkaWriter(cfg)
	defer w.Close()

	fmt.Printf("Publishing to %s on %v with %d threads over %d keys\n",
		cfg.Topic, cfg.BrokerList(), cfg.Threads, cfg.Keys)

	stats := NewStats()
	reportCtx, stopReport := context.WithCancel(ctx)
	go reportProgress(reportCtx, stats)

	start := time.Now()
	produce(ctx, cfg, w, stats)
	stopReport()

	stats.PrintFinal(time.Since(start))
	if snap := stats.GetSnapshot(); snap.Published == 0 && snap.Errors > 0 {
		return fmt.Errorf("no messages were acknowledged (%d errors)", snap.Errors)
	}
	return nil
}
