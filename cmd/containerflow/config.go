package main

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/coldtrack/containerflow/pkg/pipeline"
)

// Config holds all configuration for the service.
type Config struct {
	// LogLevel for the application-wide logger (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level"`

	// HTTPPort is the listen address for the ingest/status server.
	HTTPPort string `mapstructure:"http_port"`

	// DBPath is the SQLite database file.
	DBPath string `mapstructure:"db_path"`

	// Forward holds settings for the outbound consumer. An empty URL
	// disables forwarding entirely.
	Forward struct {
		URL            string        `mapstructure:"url"`
		AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	} `mapstructure:"forward"`

	// MQTT holds settings for the optional broker ingress. An empty
	// broker URL disables it.
	MQTT struct {
		BrokerURL string `mapstructure:"broker_url"`
		Topic     string `mapstructure:"topic"`
		Username  string `mapstructure:"username"`
		Password  string `mapstructure:"password"`
	} `mapstructure:"mqtt"`

	// Queues holds the pipeline tuning knobs.
	Queues struct {
		IngestCapacity        int           `mapstructure:"ingest_capacity"`
		IngestDrainInterval   time.Duration `mapstructure:"ingest_drain_interval"`
		IngestHighWatermark   int           `mapstructure:"ingest_high_watermark"`
		PersistCapacity       int           `mapstructure:"persist_capacity"`
		PersistFlushInterval  time.Duration `mapstructure:"persist_flush_interval"`
		PersistHighWatermark  int           `mapstructure:"persist_high_watermark"`
		ForwardCapacity       int           `mapstructure:"forward_capacity"`
		ForwardDrainInterval  time.Duration `mapstructure:"forward_drain_interval"`
		ForwardBaseRetry      time.Duration `mapstructure:"forward_base_retry"`
		ForwardMaxBackoff     time.Duration `mapstructure:"forward_max_backoff"`
		ForwardMaxAttempts    int           `mapstructure:"forward_max_attempts"`
	} `mapstructure:"queues"`
}

// LoadConfig initializes and loads the application configuration.
// It sets defaults, binds command-line flags, reads an optional config
// file and lets CONTAINERFLOW_* environment variables override everything.
func LoadConfig() (*Config, error) {
	v := viper.New()

	defaults := pipeline.DefaultConfig()
	v.SetDefault("log_level", "info")
	v.SetDefault("http_port", ":8080")
	v.SetDefault("db_path", "data/containerflow.db")
	v.SetDefault("forward.attempt_timeout", 10*time.Second)
	v.SetDefault("mqtt.topic", "containers/+/telemetry")
	v.SetDefault("queues.ingest_capacity", defaults.Ingest.Capacity)
	v.SetDefault("queues.ingest_drain_interval", defaults.Ingest.DrainInterval)
	v.SetDefault("queues.ingest_high_watermark", defaults.Ingest.HighWatermark)
	v.SetDefault("queues.persist_capacity", defaults.Persistence.Capacity)
	v.SetDefault("queues.persist_flush_interval", defaults.Persistence.FlushInterval)
	v.SetDefault("queues.persist_high_watermark", defaults.Persistence.HighWatermark)
	v.SetDefault("queues.forward_capacity", defaults.Forward.Capacity)
	v.SetDefault("queues.forward_drain_interval", defaults.Forward.DrainInterval)
	v.SetDefault("queues.forward_base_retry", defaults.Forward.BaseRetryInterval)
	v.SetDefault("queues.forward_max_backoff", defaults.Forward.MaxBackoff)
	v.SetDefault("queues.forward_max_attempts", defaults.Forward.MaxAttempts)

	pflag.String("config", "config.yaml", "Path to config file")
	pflag.String("log-level", "", "Log level (debug, info, warn, error)")
	pflag.String("http-port", "", "HTTP listen address")
	pflag.String("db-path", "", "SQLite database path")
	pflag.String("forward-url", "", "Destination URL for forwarded records")
	pflag.String("mqtt-broker", "", "MQTT broker URL (optional ingress)")
	pflag.Parse()
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		return nil, err
	}

	v.SetConfigFile(v.GetString("config"))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		// Running on flags/env alone is fine.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	v.SetEnvPrefix("CONTAINERFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Flags use different names than the config keys; map them explicitly
	// when set.
	if s := v.GetString("log-level"); s != "" {
		cfg.LogLevel = s
	}
	if s := v.GetString("http-port"); s != "" {
		cfg.HTTPPort = s
	}
	if s := v.GetString("db-path"); s != "" {
		cfg.DBPath = s
	}
	if s := v.GetString("forward-url"); s != "" {
		cfg.Forward.URL = s
	}
	if s := v.GetString("mqtt-broker"); s != "" {
		cfg.MQTT.BrokerURL = s
	}

	return &cfg, nil
}

// PipelineConfig translates the flat config keys into the per-queue
// configurations, keeping library defaults for anything unset.
func (c *Config) PipelineConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.Ingest.Capacity = c.Queues.IngestCapacity
	cfg.Ingest.DrainInterval = c.Queues.IngestDrainInterval
	cfg.Ingest.HighWatermark = c.Queues.IngestHighWatermark
	cfg.Persistence.Capacity = c.Queues.PersistCapacity
	cfg.Persistence.FlushInterval = c.Queues.PersistFlushInterval
	cfg.Persistence.HighWatermark = c.Queues.PersistHighWatermark
	cfg.Forward.Capacity = c.Queues.ForwardCapacity
	cfg.Forward.DrainInterval = c.Queues.ForwardDrainInterval
	cfg.Forward.BaseRetryInterval = c.Queues.ForwardBaseRetry
	cfg.Forward.MaxBackoff = c.Queues.ForwardMaxBackoff
	cfg.Forward.MaxAttempts = c.Queues.ForwardMaxAttempts
	cfg.Forward.AttemptTimeout = c.Forward.AttemptTimeout
	return cfg
}
