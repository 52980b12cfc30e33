package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "embedding", cfg.Clustering.Mode)
	assert.Equal(t, 2, cfg.Clustering.MinClusterSize)
	assert.Equal(t, 500, cfg.Clustering.DensityThreshold)
	assert.Equal(t, 2*time.Hour, cfg.Aggregation.StaleAfter.Duration())
	assert.Equal(t, 3, cfg.Synthesis.MaxRetries)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Logging.Sampling)
	assert.True(t, cfg.Synthesis.ScrubSecrets)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"memory driver needs no data dir", func(c *Config) {
			c.Storage.Driver = "memory"
			c.Storage.DataDir = ""
		}, ""},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }, "invalid storage driver"},
		{"sqlite without data dir", func(c *Config) { c.Storage.DataDir = "" }, "data_dir required"},
		{"unknown clustering mode", func(c *Config) { c.Clustering.Mode = "kmeans" }, "invalid clustering mode"},
		{"categorical without field", func(c *Config) { c.Clustering.Mode = "categorical" }, "categorical_field required"},
		{"categorical with field", func(c *Config) {
			c.Clustering.Mode = "categorical"
			c.Clustering.CategoricalField = "rule"
		}, ""},
		{"min cluster size too small", func(c *Config) { c.Clustering.MinClusterSize = 1 }, "min_cluster_size"},
		{"distance threshold out of range", func(c *Config) { c.Clustering.DistanceThreshold = 3 }, "distance_threshold"},
		{"zero stale after", func(c *Config) { c.Aggregation.StaleAfter = 0 }, "stale_after"},
		{"temperature out of range", func(c *Config) { c.Synthesis.Temperature = 2.5 }, "temperature"},
		{"zero burst", func(c *Config) { c.Synthesis.Burst = 0 }, "rate_limit and burst"},
		{"negative retries", func(c *Config) { c.Synthesis.MaxRetries = -1 }, "max_retries"},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }, "logging format"},
		{"unknown telemetry protocol", func(c *Config) { c.Telemetry.Protocol = "udp" }, "telemetry protocol"},
		{"sample rate out of range", func(c *Config) { c.Telemetry.SampleRate = 1.5 }, "sample_rate"},
		{"telemetry enabled without endpoint", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Endpoint = ""
		}, "endpoint required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("soon")))
	assert.Error(t, d.UnmarshalText([]byte("-5m")))

	text, err := Duration(2 * time.Hour).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2h0m0s", string(text))
}

func TestSecret_NeverPrintsValue(t *testing.T) {
	s := Secret("sk-live-123")

	assert.Equal(t, "sk-live-123", s.Value())
	assert.True(t, s.IsSet())
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "sk-live")

	data, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"[REDACTED]"}`, string(data))

	var empty Secret
	assert.False(t, empty.IsSet())
	assert.Equal(t, "", empty.String())
}

func TestSecret_UnmarshalJSON(t *testing.T) {
	var s Secret
	require.NoError(t, json.Unmarshal([]byte(`"[REDACTED]"`), &s))
	assert.Equal(t, "[REDACTED]", s.Value())

	require.NoError(t, json.Unmarshal([]byte(`"abc"`), &s))
	assert.Equal(t, "abc", s.Value())
}
