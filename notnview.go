package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/maxpert/notnview/cfg"
	"github.com/maxpert/notnview/node"
	"github.com/maxpert/notnview/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Str("instance", uuid.NewString()[:5]).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("notnview - notification state materialized view")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg.Config)
	if err != nil {
		exitOnInitError(err)
	}

	if err := n.Start(ctx); err != nil {
		n.Stop()
		exitOnInitError(err)
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Bool("input_enabled", cfg.Config.Input.Enabled).
		Str("changelog", string(cfg.Config.Changelog.Transport)).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Node is operational, replica bootstrapping")

	go func() {
		select {
		case <-n.Ready():
			log.Info().Int("keys", n.Health().Keys).Msg("Replica ready, serving lookups")
		case <-ctx.Done():
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")
	n.Stop()
}

func exitOnInitError(err error) {
	if errors.Is(err, node.ErrInitialization) {
		log.Error().Err(err).Msg("Failed to initialize node")
		os.Exit(2)
	}
	log.Fatal().Err(err).Msg("Failed to start node")
}
