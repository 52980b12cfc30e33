// Package config loads feedbackd configuration from a YAML file and
// FEEDBACKD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete feedbackd configuration.
type Config struct {
	Storage     StorageConfig     `koanf:"storage"`
	Clustering  ClusteringConfig  `koanf:"clustering"`
	Aggregation AggregationConfig `koanf:"aggregation"`
	Synthesis   SynthesisConfig   `koanf:"synthesis"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver  string `koanf:"driver"`
	DataDir string `koanf:"data_dir"`
}

// ClusteringConfig mirrors clustering.Config.
type ClusteringConfig struct {
	Mode              string  `koanf:"mode"`
	CategoricalField  string  `koanf:"categorical_field"`
	MinClusterSize    int     `koanf:"min_cluster_size"`
	DistanceThreshold float64 `koanf:"distance_threshold"`
	DensityThreshold  int     `koanf:"density_threshold"`
}

// AggregationConfig holds batch operation settings.
type AggregationConfig struct {
	// StaleAfter is how long an IN_PROGRESS operation may run before a
	// status read marks it FAILED.
	StaleAfter Duration `koanf:"stale_after"`
}

// SynthesisConfig configures the LLM synthesizer.
type SynthesisConfig struct {
	Provider    string   `koanf:"provider"`
	Model       string   `koanf:"model"`
	BaseURL     string   `koanf:"base_url"`
	APIKey      Secret   `koanf:"api_key"`
	Temperature float64  `koanf:"temperature"`
	MaxTokens   int      `koanf:"max_tokens"`
	RateLimit   float64  `koanf:"rate_limit"`
	Burst       int      `koanf:"burst"`
	MaxRetries  int      `koanf:"max_retries"`
	Backoff     Duration `koanf:"backoff"`

	// ScrubSecrets redacts credentials from prompts before they are sent.
	ScrubSecrets   bool     `koanf:"scrub_secrets"`
	ScrubAllowList []string `koanf:"scrub_allow_list"`
}

// LoggingConfig holds the logging settings exposed in the config file.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	OTEL     bool   `koanf:"otel"`
	Sampling bool   `koanf:"sampling"`
}

// TelemetryConfig controls OTLP export of traces and metrics.
type TelemetryConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
	// Protocol is "grpc" or "http/protobuf".
	Protocol        string   `koanf:"protocol"`
	Insecure        bool     `koanf:"insecure"`
	SampleRate      float64  `koanf:"sample_rate"`
	MetricsInterval Duration `koanf:"metrics_interval"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Logging.Sampling = true
	cfg.Synthesis.ScrubSecrets = true
	return cfg
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.DataDir == "" {
			return errors.New("storage data_dir required for sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid storage driver: %q (must be sqlite or memory)", c.Storage.Driver)
	}

	switch c.Clustering.Mode {
	case "embedding":
	case "categorical":
		if c.Clustering.CategoricalField == "" {
			return errors.New("clustering categorical_field required in categorical mode")
		}
	default:
		return fmt.Errorf("invalid clustering mode: %q (must be embedding or categorical)", c.Clustering.Mode)
	}
	if c.Clustering.MinClusterSize < 2 {
		return fmt.Errorf("clustering min_cluster_size must be >= 2, got %d", c.Clustering.MinClusterSize)
	}
	if c.Clustering.DistanceThreshold <= 0 || c.Clustering.DistanceThreshold >= 2 {
		return fmt.Errorf("clustering distance_threshold must be in (0, 2), got %v", c.Clustering.DistanceThreshold)
	}

	if c.Aggregation.StaleAfter.Duration() <= 0 {
		return errors.New("aggregation stale_after must be positive")
	}

	if c.Synthesis.Temperature < 0 || c.Synthesis.Temperature > 2 {
		return fmt.Errorf("synthesis temperature must be in [0, 2], got %v", c.Synthesis.Temperature)
	}
	if c.Synthesis.RateLimit <= 0 || c.Synthesis.Burst < 1 {
		return errors.New("synthesis rate_limit and burst must be positive")
	}
	if c.Synthesis.MaxRetries < 0 {
		return fmt.Errorf("synthesis max_retries must be >= 0, got %d", c.Synthesis.MaxRetries)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
		return fmt.Errorf("telemetry protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry sample_rate must be in [0, 1], got %v", c.Telemetry.SampleRate)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("telemetry endpoint required when enabled")
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "~/.local/share/feedbackd"
	}

	if cfg.Clustering.Mode == "" {
		cfg.Clustering.Mode = "embedding"
	}
	if cfg.Clustering.MinClusterSize == 0 {
		cfg.Clustering.MinClusterSize = 2
	}
	if cfg.Clustering.DistanceThreshold == 0 {
		cfg.Clustering.DistanceThreshold = 0.3
	}
	if cfg.Clustering.DensityThreshold == 0 {
		cfg.Clustering.DensityThreshold = 500
	}

	if cfg.Aggregation.StaleAfter == 0 {
		cfg.Aggregation.StaleAfter = Duration(2 * time.Hour)
	}

	if cfg.Synthesis.Provider == "" {
		cfg.Synthesis.Provider = "openai"
	}
	if cfg.Synthesis.Temperature == 0 {
		cfg.Synthesis.Temperature = 0.3
	}
	if cfg.Synthesis.MaxTokens == 0 {
		cfg.Synthesis.MaxTokens = 2048
	}
	if cfg.Synthesis.RateLimit == 0 {
		cfg.Synthesis.RateLimit = 1
	}
	if cfg.Synthesis.Burst == 0 {
		cfg.Synthesis.Burst = 2
	}
	if cfg.Synthesis.MaxRetries == 0 {
		cfg.Synthesis.MaxRetries = 3
	}
	if cfg.Synthesis.Backoff == 0 {
		cfg.Synthesis.Backoff = Duration(time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = Duration(15 * time.Second)
	}
	if cfg.Telemetry.ShutdownTimeout == 0 {
		cfg.Telemetry.ShutdownTimeout = Duration(5 * time.Second)
	}
}
