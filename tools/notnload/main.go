package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "produce":
		runProduce(args)
	case "verify":
		runVerify(args)
	case "version":
		fmt.Printf("notnload version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`notnload - notnview load and replica verification tool

Usage:
  notnload <command> [options]

Commands:
  produce   Publish notification updates to the input topic
  verify    Compare replicas across serving nodes
  version   Print version
  help      Show this help

Produce Options:
  --brokers    Comma-separated Kafka brokers (default: 127.0.0.1:9092)
  --topic      Input topic (default: NOTIFICATION_MASTER_TOPIC)
  --keys       Distinct notification numbers (default: 1000)
  --messages   Total updates to publish (default: 10000)
  --duration   Duration to run (e.g., 60s), overrides --messages
  --threads    Concurrent producers (default: 8)
  --prefix     Notification number prefix (default: LOAD)

Verify Options:
  --hosts      Comma-separated query endpoints (requires at least 2)
  --keys       Key space used when producing (default: 1000)
  --prefix     Notification number prefix (default: LOAD)
  --samples    Number of random keys to compare (default: 100)
  --timeout    Per-request timeout (default: 5s)

Examples:
  notnload produce --brokers=127.0.0.1:9092 --keys=1000 --messages=50000
  notnload verify --hosts=127.0.0.1:8080,127.0.0.1:8081 --samples=200`)
}

func interruptible() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted, shutting down...")
		cancel()
	}()
	return ctx, cancel
}

func runProduce(args []string) {
	cfg := &Config{}
	fs := flag.NewFlagSet("produce", flag.ExitOnError)

	fs.StringVar(&cfg.Brokers, "brokers", "127.0.0.1:9092", "Comma-separated Kafka brokers")
	fs.StringVar(&cfg.Topic, "topic", "NOTIFICATION_MASTER_TOPIC", "Input topic")
	fs.IntVar(&cfg.Keys, "keys", 1000, "Distinct notification numbers")
	fs.IntVar(&cfg.Messages, "messages", 10000, "Total updates to publish")
	fs.DurationVar(&cfg.Duration, "duration", 0, "Duration to run (overrides --messages)")
	fs.IntVar(&cfg.Threads, "threads", 8, "Concurrent producers")
	fs.StringVar(&cfg.Prefix, "prefix", "LOAD", "Notification number prefix")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}
	if cfg.Duration > 0 {
		cfg.Messages = 0
	}

	if err := cfg.ValidateProduce(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := interruptible()
	defer cancel()

	if err := executeProduce(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Produce failed: %v\n", err)
		os.Exit(1)
	}
}

func runVerify(args []string) {
	cfg := &Config{
		Threads: 1, // Unused by verify
	}
	fs := flag.NewFlagSet("verify", flag.ExitOnError)

	fs.StringVar(&cfg.Hosts, "hosts", "127.0.0.1:8080,127.0.0.1:8081", "Comma-separated query endpoints")
	fs.IntVar(&cfg.Keys, "keys", 1000, "Key space used when producing")
	fs.StringVar(&cfg.Prefix, "prefix", "LOAD", "Notification number prefix")
	fs.IntVar(&cfg.Samples, "samples", 100, "Number of random keys to compare")
	fs.DurationVar(&cfg.Timeout, "timeout", 5*time.Second, "Per-request timeout")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.ValidateVerify(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := interruptible()
	defer cancel()

	if err := executeVerify(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Verify failed: %v\n", err)
		os.Exit(1)
	}
}
