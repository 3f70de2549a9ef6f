// Package config handles Switchboard configuration
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cloud-shuttle/switchboard/internal/codec"
	"github.com/cloud-shuttle/switchboard/internal/webhooks"
	"github.com/cloud-shuttle/switchboard/internal/workflow"
)

// Config holds Switchboard configuration
type Config struct {
	// Storage
	DatabaseURL          string        `yaml:"database_url"`
	RedisURL             string        `yaml:"redis_url"`
	MemoryFreshness      time.Duration `yaml:"memory_freshness"`
	CacheTTL             time.Duration `yaml:"cache_ttl"`
	WriteIntentTTL       time.Duration `yaml:"write_intent_ttl"`
	MemorySweepAge       time.Duration `yaml:"memory_sweep_age"`
	RetentionDays        int           `yaml:"retention_days"`
	HistoryLimit         int           `yaml:"history_limit"`
	Compression          string        `yaml:"compression"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	AsyncWriteTimeout    time.Duration `yaml:"async_write_timeout"`

	// Durable writes through DBOS when set
	DBOSDatabaseURL string `yaml:"dbos_database_url"`

	// Conversation lifecycle
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Shards        int           `yaml:"shards"`

	// Routing and escalation
	Orchestration workflow.Config `yaml:"orchestration"`

	// Text generation
	LLMBaseURL   string        `yaml:"llm_base_url"`
	LLMAPIKey    string        `yaml:"llm_api_key"`
	LLMModel     string        `yaml:"llm_model"`
	LLMMock      bool          `yaml:"llm_mock"`
	LLMRateLimit int           `yaml:"llm_rate_limit"`
	LLMTimeout   time.Duration `yaml:"llm_timeout"`

	// Observability
	MetricsAddr  string `yaml:"metrics_addr"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`

	// Lifecycle event receivers
	Webhooks []webhooks.Endpoint `yaml:"webhooks,omitempty"`

	// Verbose mode for debugging
	Verbose bool `yaml:"verbose"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DatabaseURL:          defaultDatabaseURL(),
		MemoryFreshness:      5 * time.Minute,
		CacheTTL:             7 * 24 * time.Hour,
		WriteIntentTTL:       time.Hour,
		MemorySweepAge:       time.Hour,
		RetentionDays:        30,
		HistoryLimit:         20,
		Compression:          "zstd",
		CompressionThreshold: codec.DefaultCompressionThreshold,
		AsyncWriteTimeout:    30 * time.Second,
		IdleTimeout:          2 * time.Hour,
		SweepInterval:        time.Hour,
		Shards:               32,
		Orchestration:        workflow.DefaultConfig(),
		LLMBaseURL:           "https://api.openai.com/v1",
		LLMModel:             "gpt-4o-mini",
		LLMRateLimit:         60,
		LLMTimeout:           time.Minute,
		MetricsAddr:          ":9090",
		ServiceName:          "switchboard",
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Load builds the configuration from defaults, the YAML file at path (or
// SWITCHBOARD_CONFIG when path is empty) and environment overrides, in that order
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("SWITCHBOARD_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SWITCHBOARD_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("SWITCHBOARD_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("SWITCHBOARD_DBOS_DATABASE_URL"); v != "" {
		c.DBOSDatabaseURL = v
	}
	if v := os.Getenv("SWITCHBOARD_MEMORY_FRESHNESS"); v != "" {
		c.MemoryFreshness = parseDurationOrDefault(v, 5*time.Minute)
	}
	if v := os.Getenv("SWITCHBOARD_CACHE_TTL"); v != "" {
		c.CacheTTL = parseDurationOrDefault(v, 7*24*time.Hour)
	}
	if v := os.Getenv("SWITCHBOARD_WRITE_INTENT_TTL"); v != "" {
		c.WriteIntentTTL = parseDurationOrDefault(v, time.Hour)
	}
	if v := os.Getenv("SWITCHBOARD_RETENTION_DAYS"); v != "" {
		c.RetentionDays = parseIntOrDefault(v, 30)
	}
	if v := os.Getenv("SWITCHBOARD_HISTORY_LIMIT"); v != "" {
		c.HistoryLimit = parseIntOrDefault(v, 20)
	}
	if v := os.Getenv("SWITCHBOARD_COMPRESSION"); v != "" {
		c.Compression = v
	}
	if v := os.Getenv("SWITCHBOARD_IDLE_TIMEOUT"); v != "" {
		c.IdleTimeout = parseDurationOrDefault(v, 2*time.Hour)
	}
	if v := os.Getenv("SWITCHBOARD_SWEEP_INTERVAL"); v != "" {
		c.SweepInterval = parseDurationOrDefault(v, time.Hour)
	}
	if v := os.Getenv("SWITCHBOARD_SHARDS"); v != "" {
		c.Shards = parseIntOrDefault(v, 32)
	}
	if v := os.Getenv("SWITCHBOARD_MIN_CONFIDENCE"); v != "" {
		c.Orchestration.MinConfidence = parseFloatOrDefault(v, workflow.DefaultMinConfidence)
	}
	if v := os.Getenv("SWITCHBOARD_MAX_MESSAGES"); v != "" {
		c.Orchestration.MaxMessages = parseIntOrDefault(v, workflow.DefaultMaxMessages)
	}
	if v := os.Getenv("SWITCHBOARD_NEGATIVE_STREAK"); v != "" {
		c.Orchestration.NegativeStreak = parseIntOrDefault(v, workflow.DefaultNegativeStreak)
	}
	if v := os.Getenv("SWITCHBOARD_GENERATE_TIMEOUT"); v != "" {
		c.Orchestration.GenerateTimeout = parseDurationOrDefault(v, workflow.DefaultGenerateTimeout)
	}
	if v := os.Getenv("SWITCHBOARD_LLM_BASE_URL"); v != "" {
		c.LLMBaseURL = v
	}
	if v := os.Getenv("SWITCHBOARD_LLM_API_KEY"); v != "" {
		c.LLMAPIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.LLMAPIKey == "" {
		c.LLMAPIKey = v
	}
	if v := os.Getenv("SWITCHBOARD_LLM_MODEL"); v != "" {
		c.LLMModel = v
	}
	if v := os.Getenv("SWITCHBOARD_LLM_MOCK"); v != "" {
		c.LLMMock = v == "true" || v == "1"
	}
	if v := os.Getenv("SWITCHBOARD_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("SWITCHBOARD_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}
	if v := os.Getenv("SWITCHBOARD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SWITCHBOARD_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("SWITCHBOARD_VERBOSE"); v != "" {
		c.Verbose = v == "true" || v == "1"
	}
}

// Validate rejects settings the rest of the system cannot run with
func (c *Config) Validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"memory_freshness":    c.MemoryFreshness,
		"cache_ttl":           c.CacheTTL,
		"write_intent_ttl":    c.WriteIntentTTL,
		"memory_sweep_age":    c.MemorySweepAge,
		"async_write_timeout": c.AsyncWriteTimeout,
		"idle_timeout":        c.IdleTimeout,
		"sweep_interval":      c.SweepInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("retention_days must be positive, got %d", c.RetentionDays))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("history_limit must be positive, got %d", c.HistoryLimit))
	}
	if c.Shards <= 0 {
		errs = append(errs, fmt.Errorf("shards must be positive, got %d", c.Shards))
	}
	if _, err := codec.ParseCompression(c.Compression); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if err := c.Orchestration.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("orchestration: %w", err))
	}
	for i, ep := range c.Webhooks {
		if ep.ID == "" || ep.URL == "" {
			errs = append(errs, fmt.Errorf("webhooks[%d]: id and url are required", i))
		}
	}
	if !c.LLMMock && c.LLMAPIKey == "" && c.LLMBaseURL == "" {
		errs = append(errs, errors.New("llm_base_url is required unless llm_mock is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Codec returns the codec options for the configured compression
func (c *Config) Codec() (codec.Options, error) {
	comp, err := codec.ParseCompression(c.Compression)
	if err != nil {
		return codec.Options{}, err
	}
	return codec.Options{Compression: comp, Threshold: c.CompressionThreshold}, nil
}

// defaultDatabaseURL returns SQLite in the working directory
func defaultDatabaseURL() string {
	dir, err := os.Getwd()
	if err != nil {
		return "sqlite://.switchboard/switchboard.db"
	}
	return "sqlite://" + filepath.Join(dir, ".switchboard", "switchboard.db")
}

func parseIntOrDefault(s string, def int) int {
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
		return def
	}
	return i
}

func parseFloatOrDefault(s string, def float64) float64 {
	var f float64
	if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
		return def
	}
	return f
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// Write saves the configuration as YAML
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
