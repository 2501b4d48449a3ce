// Package node wires the ingestion, republishing, materialization and query
// components into a running process.
//
// The wiring is explicit: every collaborator is constructed here from the
// configuration, and a failure anywhere while building or starting the
// pipeline is returned as ErrInitialization so the process never claims
// readiness with a partial topology.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/maxpert/notnview/cfg"
	"github.com/maxpert/notnview/changelog"
	"github.com/maxpert/notnview/engine"
	"github.com/maxpert/notnview/ingest"
	"github.com/maxpert/notnview/publisher"
	"github.com/maxpert/notnview/query"
	"github.com/maxpert/notnview/record"
	"github.com/maxpert/notnview/store"
	"github.com/maxpert/notnview/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrInitialization wraps every failure to build or start the pipeline
var ErrInitialization = errors.New("node initialization failed")

const shutdownTimeout = 10 * time.Second

// Option customizes how a Node is built
type Option func(*options)

type options struct {
	source ingest.Source
}

// WithSource replaces the configured input channel. The node takes ownership
// and closes it on Stop or when New fails, even when input is disabled and
// the source is never read.
func WithSource(source ingest.Source) Option {
	return func(o *options) {
		o.source = source
	}
}

// Node owns one instance of every pipeline component
type Node struct {
	config *cfg.Configuration

	writer changelog.Writer
	reader changelog.Reader

	engine      *engine.Engine
	republisher *publisher.Republisher
	source      ingest.Source
	adapter     *ingest.Adapter
	service     *query.Service
	server      *query.Server
	collector   *telemetry.MetricsCollector

	stopOnce sync.Once
}

// New builds every component described by config without starting any
// background work.
func New(ctx context.Context, config *cfg.Configuration, opts ...Option) (*Node, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	n := &Node{config: config, source: o.source}
	if err := config.Validate(); err != nil {
		n.closeAll()
		return nil, initError("invalid configuration", err)
	}

	if err := n.build(ctx); err != nil {
		n.closeAll()
		return nil, err
	}
	return n, nil
}

func (n *Node) build(ctx context.Context) error {
	var err error
	if n.writer, n.reader, err = openChangelog(ctx, n.config); err != nil {
		return initError("failed to open internal log", err)
	}

	table, err := openTable(n.config)
	if err != nil {
		return initError("failed to open replica store", err)
	}
	n.engine = engine.NewEngine(n.reader, table, engine.Config{})
	n.service = query.NewService(n.engine)

	if n.config.Input.Enabled {
		if err := n.buildIngestion(ctx); err != nil {
			return err
		}
	} else {
		log.Info().Msg("Input disabled, running as serving-only node")
	}

	if n.config.Query.Enabled {
		address := net.JoinHostPort(n.config.Query.BindAddress, strconv.Itoa(n.config.Query.Port))
		handlers := query.NewHandlers(n.service, n.Health)
		if n.server, err = query.Listen(address, query.Routes(handlers)); err != nil {
			return initError("failed to bind query server", err)
		}
	}

	if n.config.Prometheus.Enabled {
		interval := time.Duration(n.config.Prometheus.CollectIntervalS) * time.Second
		if interval <= 0 {
			interval = 10 * time.Second
		}
		n.collector = telemetry.NewMetricsCollector(n.engine, interval)
	}

	return nil
}

func (n *Node) buildIngestion(ctx context.Context) error {
	filter, err := publisher.NewKeyFilter(n.config.Input.IncludeKeys, n.config.Input.ExcludeKeys)
	if err != nil {
		return initError("invalid key filter", err)
	}

	pc := n.config.Publisher
	n.republisher = publisher.NewRepublisher(n.writer, publisher.Config{
		NodeID:          n.config.NodeID,
		MaxRetries:      pc.MaxRetries,
		RetryInitial:    time.Duration(pc.InitialDelayMS) * time.Millisecond,
		RetryMax:        time.Duration(pc.MaxDelayMS) * time.Millisecond,
		RetryMultiplier: pc.Multiplier,
		WriteTimeout:    time.Duration(pc.WriteTimeoutMS) * time.Millisecond,
	})

	if n.source == nil {
		if n.source, err = openSource(ctx, n.config); err != nil {
			return initError("failed to open input channel", err)
		}
	}

	n.adapter = ingest.NewAdapter(n.source, n.republisher, ingest.Config{
		Codec:  record.JSONCodec{},
		Filter: filter,
	})
	return nil
}

func openChangelog(ctx context.Context, c *cfg.Configuration) (changelog.Writer, changelog.Reader, error) {
	lc := c.Changelog
	switch lc.Transport {
	case cfg.TransportMemory:
		ml := changelog.NewMemoryLog()
		return ml, ml.NewReader(), nil

	case cfg.TransportPebble:
		pl, err := changelog.NewPebbleLog(c.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return pl, pl.NewReader(time.Duration(lc.PollIntervalMS) * time.Millisecond), nil

	case cfg.TransportKafka:
		kc := changelog.DefaultKafkaConfig(lc.Brokers, lc.Topic)
		kc.Partitions = lc.Partitions
		kc.ReplicationFactor = lc.ReplicationFactor
		kc.CreateTopic = lc.CreateTopic
		if kc.CreateTopic {
			if err := changelog.EnsureKafkaTopic(ctx, kc); err != nil {
				return nil, nil, err
			}
		}
		reader, err := changelog.NewKafkaReader(ctx, kc)
		if err != nil {
			return nil, nil, err
		}
		writer, err := changelog.NewKafkaWriter(kc)
		if err != nil {
			reader.Close()
			return nil, nil, err
		}
		return writer, reader, nil

	case cfg.TransportNats:
		nl, err := changelog.NewNatsLog(ctx, changelog.NatsConfig{
			URL:      lc.NatsURL,
			Subject:  lc.Topic,
			Replicas: lc.NatsReplicas,
		})
		if err != nil {
			return nil, nil, err
		}
		reader, err := nl.NewReader(ctx)
		if err != nil {
			nl.Close()
			return nil, nil, err
		}
		return nl, reader, nil
	}
	return nil, nil, fmt.Errorf("unsupported changelog transport %q", lc.Transport)
}

func openTable(c *cfg.Configuration) (store.Table, error) {
	switch c.Store.Backend {
	case cfg.StorePebble:
		return store.NewPebbleTable(store.PebbleConfig{
			DataDir:   c.DataDir,
			Name:      c.Store.Name,
			CacheSize: c.Store.CacheSize,
			Compress:  c.Store.Compress,
		})
	case cfg.StoreMemory:
		return store.NewMemoryTable(), nil
	}
	return nil, fmt.Errorf("unsupported store backend %q", c.Store.Backend)
}

func openSource(ctx context.Context, c *cfg.Configuration) (ingest.Source, error) {
	ic := c.Input
	switch ic.Transport {
	case cfg.TransportKafka:
		return ingest.NewKafkaSource(ctx, ingest.KafkaConfig{
			Brokers: ic.Brokers,
			Topic:   ic.Topic,
			GroupID: ic.GroupID,
		})
	case cfg.TransportNats:
		return ingest.NewNatsSource(ctx, ingest.NatsConfig{
			URL:     ic.NatsURL,
			Subject: ic.Topic,
			Durable: ic.GroupID,
		})
	}
	return nil, fmt.Errorf("unsupported input transport %q", ic.Transport)
}

// Start launches the materialization engine, ingestion and the query server.
// It returns as soon as everything is running; readiness follows once the
// engine finishes bootstrapping.
func (n *Node) Start(ctx context.Context) error {
	if err := n.engine.Start(ctx); err != nil {
		return initError("failed to start materialization engine", err)
	}

	if n.collector != nil {
		n.collector.Start()
	}
	if n.adapter != nil {
		n.adapter.Start()
	}
	if n.server != nil {
		n.server.Serve()
	}

	log.Info().
		Bool("ingesting", n.adapter != nil).
		Bool("serving", n.server != nil).
		Str("changelog", string(n.config.Changelog.Transport)).
		Str("store", string(n.config.Store.Backend)).
		Msg("Node started")
	return nil
}

// Stop shuts the pipeline down: ingestion first so nothing new is written,
// then the engine, then the log clients, and finally the query server so
// lookups already in flight can finish.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		log.Info().Msg("Stopping node")
		if n.adapter != nil {
			n.adapter.Stop()
		}
		n.closeAll()
		log.Info().Msg("Node stopped")
	})
}

func (n *Node) closeAll() {
	if n.source != nil {
		if err := n.source.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close input channel")
		}
	}

	if n.engine != nil {
		if err := n.engine.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop materialization engine")
		}
	}

	if n.collector != nil {
		n.collector.Stop()
	}

	if n.writer != nil {
		if err := n.writer.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close internal log writer")
		}
	}
	if n.reader != nil {
		if err := n.reader.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close internal log reader")
		}
	}

	if n.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := n.server.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down query server")
		}
	}
}

// Ready is closed once the replica has caught up with the log
func (n *Node) Ready() <-chan struct{} {
	return n.engine.Ready()
}

// Service returns the lookup service backed by this node's replica
func (n *Node) Service() *query.Service {
	return n.service
}

// Publisher returns the republisher, or nil on a serving-only node
func (n *Node) Publisher() *publisher.Republisher {
	return n.republisher
}

// QueryAddr returns the bound query address, or nil when the query surface
// is disabled.
func (n *Node) QueryAddr() net.Addr {
	if n.server == nil {
		return nil
	}
	return n.server.Addr()
}

// Health reports engine state, replica stats and publisher degradation
func (n *Node) Health() query.Status {
	status := query.Status{
		State:  n.engine.State().String(),
		Ready:  n.engine.State() == engine.StateReady,
		Keys:   n.engine.KeyCount(),
		Digest: query.FormatDigest(n.engine.Digest()),
	}
	if err := n.engine.Err(); err != nil {
		status.EngineError = err.Error()
	}
	if n.republisher != nil {
		if h := n.republisher.Health(); h.Degraded {
			status.Degraded = true
			if h.Err != nil {
				status.PublisherError = h.Err.Error()
			}
		}
	}
	return status
}

func initError(msg string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInitialization, msg, err)
}
