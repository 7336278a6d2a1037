// Package config provides unified configuration for all Vigil services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode represents the service mode to run.
type Mode string

const (
	// ModeAll runs the HTTP ingress and the queue consumer together
	ModeAll Mode = "all"

	// ModeServe runs only the HTTP ingress
	ModeServe Mode = "serve"

	// ModeConsume runs only the queue consumer
	ModeConsume Mode = "consume"
)

// Config holds the unified configuration for all Vigil services.
type Config struct {
	// Mode specifies which services to run: all, serve, consume
	Mode Mode `json:"mode" yaml:"mode"`

	// Environment selects logger behavior: production or development
	Environment string `json:"environment" yaml:"environment"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Dedup configuration
	Dedup DedupConfig `json:"dedup" yaml:"dedup"`

	// Budget configuration for the cost governor
	Budget BudgetConfig `json:"budget" yaml:"budget"`

	// Router configuration
	Router RouterConfig `json:"router" yaml:"router"`

	// Schema registry configuration
	Schema SchemaConfig `json:"schema" yaml:"schema"`

	// Dispatch configuration for the alert sink
	Dispatch DispatchConfig `json:"dispatch" yaml:"dispatch"`

	// Consumer configuration for the SQS ingestion trigger
	Consumer ConsumerConfig `json:"consumer" yaml:"consumer"`

	// Storage configuration for the batch sink
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the listen address for the ingress API
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// DedupConfig holds deduplication window configuration.
type DedupConfig struct {
	// Window is the retention span for remembered event keys
	Window time.Duration `json:"window" yaml:"window"`

	// Shards is the number of hash shards for the membership structure
	Shards int `json:"shards" yaml:"shards"`

	// SweepInterval is how often expired keys are swept in the background
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// BudgetConfig holds the cost governor's per-dimension budgets.
type BudgetConfig struct {
	// Window is the rolling window the counters accumulate over
	Window time.Duration `json:"window" yaml:"window"`

	// SoftFraction is the fraction of a hard limit at which a dimension
	// becomes constrained (0 < SoftFraction < 1)
	SoftFraction float64 `json:"soft_fraction" yaml:"soft_fraction"`

	// AlertsPerWindow is the hard limit on alert-path events per window
	AlertsPerWindow int64 `json:"alerts_per_window" yaml:"alerts_per_window"`

	// EventsPerWindow is the hard limit on admitted events per window
	EventsPerWindow int64 `json:"events_per_window" yaml:"events_per_window"`

	// BytesPerWindow is the hard limit on processed bytes per window
	BytesPerWindow int64 `json:"bytes_per_window" yaml:"bytes_per_window"`
}

// RouterConfig holds alert classification thresholds.
type RouterConfig struct {
	// AlertScore is the fall-likelihood score at or above which an event is
	// ALERT-eligible
	AlertScore float64 `json:"alert_score" yaml:"alert_score"`

	// OverrideScore is the score at or above which the constrained-zone
	// downgrade is bypassed
	OverrideScore float64 `json:"override_score" yaml:"override_score"`

	// OverrideFlags lists payload flags that bypass the downgrade outright
	OverrideFlags []string `json:"override_flags" yaml:"override_flags"`
}

// SchemaConfig holds schema registry configuration.
type SchemaConfig struct {
	// Compatibility is the evolution mode: additive (auto-register strict
	// supersets) or strict (reject any unknown version)
	Compatibility string `json:"compatibility" yaml:"compatibility"`
}

// DispatchConfig holds alert sink delivery configuration.
type DispatchConfig struct {
	// Endpoint is the notification sink URL
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Timeout bounds a single delivery attempt
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaxRetries is the bounded number of retry attempts after the first
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// InitialBackoff is the first retry delay; doubles per attempt
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
}

// ConsumerConfig holds SQS ingestion trigger configuration.
type ConsumerConfig struct {
	// Enabled controls whether the consumer runs in mode all
	Enabled bool `json:"enabled" yaml:"enabled"`

	// QueueURL is the SQS queue to poll
	QueueURL string `json:"queue_url" yaml:"queue_url"`

	// Region is the AWS region for the queue
	Region string `json:"region" yaml:"region"`

	// Endpoint is an optional custom endpoint (ElasticMQ, LocalStack)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// MaxMessages is the max messages fetched per poll (1-10)
	MaxMessages int32 `json:"max_messages" yaml:"max_messages"`

	// WaitTimeSeconds is the long-poll wait time
	WaitTimeSeconds int32 `json:"wait_time_seconds" yaml:"wait_time_seconds"`
}

// StorageConfig holds batch sink storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`

	// WriteRetries is the bounded number of batch-write retries
	WriteRetries int `json:"write_retries" yaml:"write_retries"`

	// WriteBackoff is the first batch-write retry delay; doubles per attempt
	WriteBackoff time.Duration `json:"write_backoff" yaml:"write_backoff"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:        ModeAll,
		Environment: "development",
		DataDir:     "./data/vigil",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Dedup: DedupConfig{
			Window:        24 * time.Hour,
			Shards:        16,
			SweepInterval: 5 * time.Minute,
		},
		Budget: BudgetConfig{
			Window:          time.Minute,
			SoftFraction:    0.8,
			AlertsPerWindow: 120,
			EventsPerWindow: 6000,
			BytesPerWindow:  64 * 1024 * 1024,
		},
		Router: RouterConfig{
			AlertScore:    0.85,
			OverrideScore: 0.90,
			OverrideFlags: []string{"sos_button", "device_failing"},
		},
		Schema: SchemaConfig{
			Compatibility: "additive",
		},
		Dispatch: DispatchConfig{
			Endpoint:       "http://localhost:9000/alerts",
			Timeout:        5 * time.Second,
			MaxRetries:     3,
			InitialBackoff: 200 * time.Millisecond,
		},
		Consumer: ConsumerConfig{
			Enabled:         false,
			Region:          "us-east-1",
			MaxMessages:     10,
			WaitTimeSeconds: 20,
		},
		Storage: StorageConfig{
			Type:         "local",
			Path:         "",
			WriteRetries: 3,
			WriteBackoff: 100 * time.Millisecond,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/vigil"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}

	if c.Dedup.Shards <= 0 {
		c.Dedup.Shards = 16
	}
}

// AuditPath returns the path to the audit database.
func (c *Config) AuditPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// SchemaPath returns the path to the schema registry database.
func (c *Config) SchemaPath() string {
	return filepath.Join(c.DataDir, "schemas.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeServe, ModeConsume:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be all, serve, or consume)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Dedup.Window <= 0 {
		return fmt.Errorf("dedup.window must be positive, got %s", c.Dedup.Window)
	}

	if c.Budget.SoftFraction <= 0 || c.Budget.SoftFraction >= 1 {
		return fmt.Errorf("budget.soft_fraction must be in (0, 1), got %g", c.Budget.SoftFraction)
	}

	if c.Budget.AlertsPerWindow <= 0 || c.Budget.EventsPerWindow <= 0 || c.Budget.BytesPerWindow <= 0 {
		return fmt.Errorf("budget limits must be positive")
	}

	if c.Router.AlertScore < 0 || c.Router.AlertScore > 1 {
		return fmt.Errorf("router.alert_score must be in [0, 1], got %g", c.Router.AlertScore)
	}

	if c.Router.OverrideScore < c.Router.AlertScore {
		return fmt.Errorf("router.override_score must be >= alert_score")
	}

	if c.Schema.Compatibility != "additive" && c.Schema.Compatibility != "strict" {
		return fmt.Errorf("invalid schema.compatibility: %s (must be additive or strict)", c.Schema.Compatibility)
	}

	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must be >= 0")
	}

	if (c.Mode == ModeConsume || (c.Mode == ModeAll && c.Consumer.Enabled)) && c.Consumer.QueueURL == "" {
		return fmt.Errorf("consumer.queue_url is required when the consumer runs")
	}

	return nil
}

// ShouldRunServe returns true if the HTTP ingress should run.
func (c *Config) ShouldRunServe() bool {
	return c.Mode == ModeAll || c.Mode == ModeServe
}

// ShouldRunConsume returns true if the queue consumer should run.
func (c *Config) ShouldRunConsume() bool {
	return c.Mode == ModeConsume || (c.Mode == ModeAll && c.Consumer.Enabled)
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the VIGIL_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("VIGIL_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("VIGIL_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("VIGIL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// HTTP configuration
	if v := os.Getenv("VIGIL_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Dedup configuration
	if v := os.Getenv("VIGIL_DEDUP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dedup.Window = d
		}
	}
	if v := os.Getenv("VIGIL_DEDUP_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dedup.Shards = n
		}
	}

	// Budget configuration
	if v := os.Getenv("VIGIL_BUDGET_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Budget.Window = d
		}
	}
	if v := os.Getenv("VIGIL_BUDGET_ALERTS_PER_WINDOW"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Budget.AlertsPerWindow = n
		}
	}
	if v := os.Getenv("VIGIL_BUDGET_EVENTS_PER_WINDOW"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Budget.EventsPerWindow = n
		}
	}
	if v := os.Getenv("VIGIL_BUDGET_BYTES_PER_WINDOW"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Budget.BytesPerWindow = n
		}
	}

	// Router configuration
	if v := os.Getenv("VIGIL_ROUTER_ALERT_SCORE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Router.AlertScore = f
		}
	}
	if v := os.Getenv("VIGIL_ROUTER_OVERRIDE_SCORE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Router.OverrideScore = f
		}
	}

	// Schema configuration
	if v := os.Getenv("VIGIL_SCHEMA_COMPATIBILITY"); v != "" {
		cfg.Schema.Compatibility = v
	}

	// Dispatch configuration
	if v := os.Getenv("VIGIL_DISPATCH_ENDPOINT"); v != "" {
		cfg.Dispatch.Endpoint = v
	}
	if v := os.Getenv("VIGIL_DISPATCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dispatch.Timeout = d
		}
	}

	// Consumer configuration
	if v := os.Getenv("VIGIL_CONSUMER_ENABLED"); v != "" {
		cfg.Consumer.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("VIGIL_CONSUMER_QUEUE_URL"); v != "" {
		cfg.Consumer.QueueURL = v
	}
	if v := os.Getenv("VIGIL_CONSUMER_REGION"); v != "" {
		cfg.Consumer.Region = v
	}
	if v := os.Getenv("VIGIL_CONSUMER_ENDPOINT"); v != "" {
		cfg.Consumer.Endpoint = v
	}

	// Storage configuration
	if v := os.Getenv("VIGIL_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("VIGIL_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("VIGIL_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("VIGIL_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("VIGIL_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Storage.Path,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
