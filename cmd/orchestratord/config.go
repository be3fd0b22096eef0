package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/pipeline/orchestrator"
	"goa.design/pipeline/orchestrator/pipeline"
)

type (
	// Config is the YAML configuration of the orchestrator daemon. Zero
	// fields take defaults so a minimal file only names the backends.
	Config struct {
		HTTP     HTTPConfig     `yaml:"http"`
		Redis    RedisConfig    `yaml:"redis"`
		Mongo    MongoConfig    `yaml:"mongo"`
		Pipeline PipelineConfig `yaml:"pipeline"`
		Dispatch DispatchConfig `yaml:"dispatch"`
		Events   EventsConfig   `yaml:"events"`
	}

	// HTTPConfig configures the control surface listener.
	HTTPConfig struct {
		// Addr is the listen address. Defaults to ":8080".
		Addr string `yaml:"addr"`
	}

	// RedisConfig configures the connection backing the hot store,
	// checkpoints and the Pulse pool.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// MongoConfig configures the journal database.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// PipelineConfig tunes the state machine and recovery engine.
	PipelineConfig struct {
		MaxRetries     int                 `yaml:"max_retries"`
		RetryBaseDelay Duration            `yaml:"retry_base_delay"`
		RetryMaxDelay  Duration            `yaml:"retry_max_delay"`
		StaleThreshold Duration            `yaml:"stale_threshold"`
		ContextTTL     Duration            `yaml:"context_ttl"`
		HistoryPageCap int                 `yaml:"history_page_cap"`
		SweepInterval  Duration            `yaml:"sweep_interval"`
		Agents         map[string][]string `yaml:"agents"`
	}

	// Duration is a time.Duration that unmarshals from YAML strings like
	// "30s" or "5m".
	Duration time.Duration

	// DispatchConfig configures the Pulse job queue.
	DispatchConfig struct {
		PoolName  string  `yaml:"pool_name"`
		RateLimit float64 `yaml:"rate_limit"`
		Burst     int     `yaml:"burst"`
	}

	// EventsConfig configures the lifecycle event export stream.
	EventsConfig struct {
		Stream string `yaml:"stream"`
		MaxLen int    `yaml:"max_len"`
	}
)

const (
	defaultHTTPAddr      = ":8080"
	defaultRedisAddr     = "localhost:6379"
	defaultMongoURI      = "mongodb://localhost:27017"
	defaultMongoDatabase = "pipeline"
	defaultSweepInterval = 5 * time.Minute
)

func loadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = defaultHTTPAddr
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaultRedisAddr
	}
	if cfg.Mongo.URI == "" {
		cfg.Mongo.URI = defaultMongoURI
	}
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = defaultMongoDatabase
	}
	if cfg.Pipeline.SweepInterval <= 0 {
		cfg.Pipeline.SweepInterval = Duration(defaultSweepInterval)
	}
	return cfg, nil
}

// UnmarshalYAML decodes "90s" style duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// pipelineConfig converts the YAML tuning section into the orchestrator
// Config, leaving zero fields for its defaults to fill.
func (c Config) pipelineConfig() orchestrator.Config {
	out := orchestrator.Config{
		MaxRetries:     c.Pipeline.MaxRetries,
		RetryBaseDelay: time.Duration(c.Pipeline.RetryBaseDelay),
		RetryMaxDelay:  time.Duration(c.Pipeline.RetryMaxDelay),
		StaleThreshold: time.Duration(c.Pipeline.StaleThreshold),
		ContextTTL:     time.Duration(c.Pipeline.ContextTTL),
		HistoryPageCap: c.Pipeline.HistoryPageCap,
	}
	if len(c.Pipeline.Agents) > 0 {
		out.AgentTypes = make(map[pipeline.Phase][]string, len(c.Pipeline.Agents))
		for phase, agents := range c.Pipeline.Agents {
			out.AgentTypes[pipeline.Phase(phase)] = agents
		}
	}
	return out
}
