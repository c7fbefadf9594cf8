// Package config loads worldstate's settings from an optional YAML file
// overlaid with WORLDSTATE_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "WORLDSTATE_"

// Config is the complete runtime configuration.
type Config struct {
	Data        Data        `yaml:"data" envPrefix:"DATA_"`
	Catalog     string      `yaml:"catalog" env:"CATALOG"`
	Log         Log         `yaml:"log" envPrefix:"LOG_"`
	Bus         Bus         `yaml:"bus" envPrefix:"BUS_"`
	Outbox      Outbox      `yaml:"outbox" envPrefix:"OUTBOX_"`
	Triggers    Triggers    `yaml:"triggers" envPrefix:"TRIGGERS_"`
	Notify      Notify      `yaml:"notify" envPrefix:"NOTIFY_"`
	IDs         IDs         `yaml:"ids" envPrefix:"IDS_"`
	Telemetry   Telemetry   `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Maintenance Maintenance `yaml:"maintenance" envPrefix:"MAINTENANCE_"`
}

// Data locates the SQLite files.
type Data struct {
	Store string `yaml:"store" env:"STORE"`
	Bus   string `yaml:"bus" env:"BUS"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Bus configures retention and subscriptions.
type Bus struct {
	Retention         time.Duration `yaml:"retention" env:"RETENTION"`
	MaxLen            int64         `yaml:"max_len" env:"MAX_LEN"`
	BatchSize         int           `yaml:"batch_size" env:"BATCH_SIZE"`
	Block             time.Duration `yaml:"block" env:"BLOCK"`
	AckTTL            time.Duration `yaml:"ack_ttl" env:"ACK_TTL"`
	ReclaimMultiplier int           `yaml:"reclaim_multiplier" env:"RECLAIM_MULTIPLIER"`
	IdleConsumerTTL   time.Duration `yaml:"idle_consumer_ttl" env:"IDLE_CONSUMER_TTL"`
}

// Outbox configures the relay.
type Outbox struct {
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	LeaseTTL     time.Duration `yaml:"lease_ttl" env:"LEASE_TTL"`
	BatchSize    int           `yaml:"batch_size" env:"BATCH_SIZE"`
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	MaxBackoff   time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	Retention    time.Duration `yaml:"retention" env:"RETENTION"`
}

// Triggers configures the trigger engine and its consumer.
type Triggers struct {
	Consumer    string `yaml:"consumer" env:"CONSUMER"`
	MaxAttempts int    `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	EmitLimit   int    `yaml:"emit_limit" env:"EMIT_LIMIT"`
	Lanes       int    `yaml:"lanes" env:"LANES"`
}

// Notify configures the notification dispatcher. An empty Kinds list
// disables it.
type Notify struct {
	Consumer string   `yaml:"consumer" env:"CONSUMER"`
	Kinds    []string `yaml:"kinds" env:"KINDS"`
}

// IDs selects the entity id allocator. With RedisAddr empty ids come from
// the store's sequence table.
type IDs struct {
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisKey  string `yaml:"redis_key" env:"REDIS_KEY"`
}

// Telemetry configures metrics and tracing. Tracing is off unless an OTLP
// endpoint is set.
type Telemetry struct {
	MetricsAddr  string `yaml:"metrics_addr" env:"METRICS_ADDR"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Maintenance configures the periodic cleanup loop.
type Maintenance struct {
	Interval           time.Duration `yaml:"interval" env:"INTERVAL"`
	ProcessedRetention time.Duration `yaml:"processed_retention" env:"PROCESSED_RETENTION"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Data: Data{
			Store: "worldstate.db",
			Bus:   "worldstate-bus.db",
		},
		Catalog: "content",
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Bus: Bus{
			Retention:         24 * time.Hour,
			BatchSize:         100,
			Block:             time.Second,
			AckTTL:            30 * time.Second,
			ReclaimMultiplier: 2,
			IdleConsumerTTL:   12 * time.Hour,
		},
		Outbox: Outbox{
			PollInterval: time.Second,
			LeaseTTL:     30 * time.Second,
			BatchSize:    100,
			RetryBackoff: time.Second,
			MaxBackoff:   time.Minute,
			Retention:    24 * time.Hour,
		},
		Triggers: Triggers{
			MaxAttempts: 10,
			EmitLimit:   100,
			Lanes:       4,
		},
		IDs: IDs{
			RedisKey: "worldstate:entity:next",
		},
		Telemetry: Telemetry{
			MetricsAddr: ":9090",
			ServiceName: "worldstate",
		},
		Maintenance: Maintenance{
			Interval:           time.Minute,
			ProcessedRetention: 48 * time.Hour,
		},
	}
}

// Load reads path (skipped when empty) over the defaults, applies the
// environment and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate rejects settings the components cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Data.Store != "", "data.store is empty")
	check(c.Data.Bus != "", "data.bus is empty")
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format %q must be text or json", c.Log.Format)
	check(c.Bus.Retention >= 0, "bus.retention %s is negative", c.Bus.Retention)
	check(c.Bus.MaxLen >= 0, "bus.max_len %d is negative", c.Bus.MaxLen)
	check(c.Bus.BatchSize > 0, "bus.batch_size must be positive")
	check(c.Bus.Block > 0, "bus.block must be positive")
	check(c.Bus.AckTTL > 0, "bus.ack_ttl must be positive")
	check(c.Bus.ReclaimMultiplier > 0, "bus.reclaim_multiplier must be positive")
	check(c.Outbox.PollInterval > 0, "outbox.poll_interval must be positive")
	check(c.Outbox.LeaseTTL > 0, "outbox.lease_ttl must be positive")
	check(c.Outbox.BatchSize > 0, "outbox.batch_size must be positive")
	check(c.Outbox.RetryBackoff > 0, "outbox.retry_backoff must be positive")
	check(c.Outbox.MaxBackoff >= c.Outbox.RetryBackoff, "outbox.max_backoff %s is below outbox.retry_backoff", c.Outbox.MaxBackoff)
	check(c.Triggers.MaxAttempts > 0, "triggers.max_attempts must be positive")
	check(c.Triggers.Lanes > 0, "triggers.lanes must be positive")
	check(c.Maintenance.Interval > 0, "maintenance.interval must be positive")

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
