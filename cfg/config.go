package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Transport names an external system used for input or the internal log
type Transport string

const (
	TransportKafka  Transport = "kafka"
	TransportNats   Transport = "nats"
	TransportPebble Transport = "pebble" // Local single-node log
	TransportMemory Transport = "memory" // In-process log, lost on restart
)

// StoreBackend selects the replica table implementation
type StoreBackend string

const (
	StoreMemory StoreBackend = "memory"
	StorePebble StoreBackend = "pebble"
)

// InputConfiguration describes the external notification channel
type InputConfiguration struct {
	Enabled     bool      `toml:"enabled" env:"ENABLED"` // false = serving-only node
	Transport   Transport `toml:"transport" env:"TRANSPORT"`
	Topic       string    `toml:"topic" env:"TOPIC"` // Kafka topic or NATS subject
	GroupID     string    `toml:"group_id" env:"GROUP_ID"`
	Brokers     []string  `toml:"brokers" env:"BROKERS"`
	NatsURL     string    `toml:"nats_url" env:"NATS_URL"`
	IncludeKeys []string  `toml:"include_keys" env:"INCLUDE_KEYS"` // Glob patterns, empty = all
	ExcludeKeys []string  `toml:"exclude_keys" env:"EXCLUDE_KEYS"`
}

// ChangelogConfiguration describes the internal compacted log
type ChangelogConfiguration struct {
	Transport         Transport `toml:"transport" env:"TRANSPORT"`
	Topic             string    `toml:"topic" env:"TOPIC"` // Kafka topic or NATS subject prefix
	Brokers           []string  `toml:"brokers" env:"BROKERS"`
	Partitions        int       `toml:"partitions" env:"PARTITIONS"`
	ReplicationFactor int       `toml:"replication_factor" env:"REPLICATION_FACTOR"`
	CreateTopic       bool      `toml:"create_topic" env:"CREATE_TOPIC"`
	NatsURL           string    `toml:"nats_url" env:"NATS_URL"`
	NatsReplicas      int       `toml:"nats_replicas" env:"NATS_REPLICAS"`
	PollIntervalMS    int       `toml:"poll_interval_ms" env:"POLL_INTERVAL_MS"` // Pebble reader poll
}

// PublisherConfiguration controls retries when writing to the internal log
type PublisherConfiguration struct {
	MaxRetries     int     `toml:"max_retries" env:"MAX_RETRIES"` // Attempts before reporting degraded
	InitialDelayMS int     `toml:"initial_delay_ms" env:"INITIAL_DELAY_MS"`
	MaxDelayMS     int     `toml:"max_delay_ms" env:"MAX_DELAY_MS"`
	Multiplier     float64 `toml:"multiplier" env:"MULTIPLIER"`
	WriteTimeoutMS int     `toml:"write_timeout_ms" env:"WRITE_TIMEOUT_MS"`
}

// StoreConfiguration controls the node-local replica table
type StoreConfiguration struct {
	Backend   StoreBackend `toml:"backend" env:"BACKEND"`
	Name      string       `toml:"name" env:"NAME"`
	CacheSize int          `toml:"cache_size" env:"CACHE_SIZE"`
	Compress  bool         `toml:"compress" env:"COMPRESS"`
}

// QueryConfiguration controls the HTTP lookup surface
type QueryConfiguration struct {
	Enabled     bool   `toml:"enabled" env:"ENABLED"`
	BindAddress string `toml:"bind_address" env:"BIND_ADDRESS"`
	Port        int    `toml:"port" env:"PORT"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose" env:"VERBOSE"`
	Format  string `toml:"format" env:"FORMAT"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled          bool `toml:"enabled" env:"ENABLED"`
	CollectIntervalS int  `toml:"collect_interval_seconds" env:"COLLECT_INTERVAL_SECONDS"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id" env:"NODE_ID"`
	DataDir string `toml:"data_dir" env:"DATA_DIR"`

	Input      InputConfiguration      `toml:"input" envPrefix:"INPUT_"`
	Changelog  ChangelogConfiguration  `toml:"changelog" envPrefix:"CHANGELOG_"`
	Publisher  PublisherConfiguration  `toml:"publisher" envPrefix:"PUBLISHER_"`
	Store      StoreConfiguration      `toml:"store" envPrefix:"STORE_"`
	Query      QueryConfiguration      `toml:"query" envPrefix:"QUERY_"`
	Logging    LoggingConfiguration    `toml:"logging" envPrefix:"LOGGING_"`
	Prometheus PrometheusConfiguration `toml:"prometheus" envPrefix:"PROMETHEUS_"`
}

// EnvPrefix is prepended to every environment override
const EnvPrefix = "NOTNVIEW_"

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	QueryPortFlag  = flag.Int("query-port", 0, "Query HTTP port (overrides config)")
)

// Default returns the compiled-in configuration
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./notnview-data",

		Input: InputConfiguration{
			Enabled:   true,
			Transport: TransportKafka,
			Topic:     "NOTIFICATION_MASTER_TOPIC",
			GroupID:   "notnview",
			Brokers:   []string{"localhost:9092"},
			NatsURL:   "nats://localhost:4222",
		},

		Changelog: ChangelogConfiguration{
			Transport:         TransportKafka,
			Topic:             "NOTIFICATION_MASTER_INTERNAL",
			Brokers:           []string{"localhost:9092"},
			Partitions:        3,
			ReplicationFactor: 1,
			CreateTopic:       true,
			NatsURL:           "nats://localhost:4222",
			NatsReplicas:      1,
			PollIntervalMS:    100,
		},

		Publisher: PublisherConfiguration{
			MaxRetries:     5,
			InitialDelayMS: 100,
			MaxDelayMS:     30000,
			Multiplier:     2.0,
			WriteTimeoutMS: 10000,
		},

		Store: StoreConfiguration{
			Backend:   StoreMemory,
			Name:      "NOTIFICATION_MASTER_STORE",
			CacheSize: 10000,
			Compress:  true,
		},

		Query: QueryConfiguration{
			Enabled:     true,
			BindAddress: "0.0.0.0",
			Port:        8080,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled:          true,
			CollectIntervalS: 10,
		},
	}
}

// Config is the process-wide configuration
var Config = Default()

// Load loads configuration from file, then environment, then CLI flags
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if err := ApplyEnv(Config); err != nil {
		return err
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *QueryPortFlag != 0 {
		Config.Query.Port = *QueryPortFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// ApplyEnv overrides c with NOTNVIEW_* environment variables
func ApplyEnv(c *Configuration) error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("notnview")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	return Config.Validate()
}

// Validate checks c for errors
func (c *Configuration) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}

	if c.Input.Enabled {
		switch c.Input.Transport {
		case TransportKafka:
			if len(c.Input.Brokers) == 0 {
				return fmt.Errorf("kafka input requires at least one broker")
			}
			if c.Input.GroupID == "" {
				return fmt.Errorf("kafka input requires a consumer group")
			}
		case TransportNats:
			if c.Input.NatsURL == "" {
				return fmt.Errorf("nats input requires a url")
			}
		default:
			return fmt.Errorf("invalid input transport: %q", c.Input.Transport)
		}
		if c.Input.Topic == "" {
			return fmt.Errorf("input topic is required")
		}
	}

	switch c.Changelog.Transport {
	case TransportKafka:
		if len(c.Changelog.Brokers) == 0 {
			return fmt.Errorf("kafka changelog requires at least one broker")
		}
		if c.Changelog.Partitions < 1 {
			return fmt.Errorf("changelog partitions must be >= 1")
		}
		if c.Changelog.ReplicationFactor < 1 {
			return fmt.Errorf("changelog replication factor must be >= 1")
		}
	case TransportNats:
		if c.Changelog.NatsURL == "" {
			return fmt.Errorf("nats changelog requires a url")
		}
	case TransportPebble, TransportMemory:
		// Local logs can only be fed by this process
		if !c.Input.Enabled {
			return fmt.Errorf("%s changelog requires input to be enabled", c.Changelog.Transport)
		}
	default:
		return fmt.Errorf("invalid changelog transport: %q", c.Changelog.Transport)
	}
	if c.Changelog.Topic == "" {
		return fmt.Errorf("changelog topic is required")
	}
	if c.Changelog.Transport == TransportKafka && c.Input.Enabled &&
		c.Input.Transport == TransportKafka && c.Input.Topic == c.Changelog.Topic {
		return fmt.Errorf("input and changelog topics must differ: %s", c.Input.Topic)
	}

	if c.Publisher.MaxRetries < 0 {
		return fmt.Errorf("publisher max retries must be >= 0")
	}
	if c.Publisher.InitialDelayMS < 1 {
		return fmt.Errorf("publisher initial delay must be >= 1ms")
	}
	if c.Publisher.MaxDelayMS < c.Publisher.InitialDelayMS {
		return fmt.Errorf("publisher max delay must be >= initial delay")
	}
	if c.Publisher.Multiplier < 1 {
		return fmt.Errorf("publisher multiplier must be >= 1")
	}

	switch c.Store.Backend {
	case StoreMemory, StorePebble:
	default:
		return fmt.Errorf("invalid store backend: %q", c.Store.Backend)
	}
	if c.Store.Name == "" {
		return fmt.Errorf("store name is required")
	}

	if c.Query.Enabled && (c.Query.Port < 1 || c.Query.Port > 65535) {
		return fmt.Errorf("invalid query port: %d", c.Query.Port)
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}

	return nil
}
