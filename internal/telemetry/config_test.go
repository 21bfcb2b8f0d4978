package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte("enabled: true\nmetrics:\n  enabled: true\n"), &cfg))

	assert.Equal(t, "frame-sync", cfg.GetServiceName())
	assert.Equal(t, "unknown", cfg.GetServiceVersion())
	assert.Equal(t, "localhost:4318", cfg.GetEndpoint())
	assert.False(t, cfg.GetInsecure())
	assert.Nil(t, cfg.Tracing)
	assert.False(t, cfg.Metrics.Prometheus, "metrics are pushed over OTLP unless prometheus is set")
	assert.Equal(t, DefaultSampling, (&TracingConfig{}).GetSampling())
}

func TestConfig_FromYAML(t *testing.T) {
	t.Parallel()

	doc := `
enabled: true
serviceName: kitchen-frame
serviceVersion: v1.4.0
endpoint: otel.lan:4318
insecure: true
tracing:
  enabled: true
  sampling: 0.25
metrics:
  enabled: true
  prometheus: true
`
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(doc), &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "kitchen-frame", cfg.GetServiceName())
	assert.Equal(t, "v1.4.0", cfg.GetServiceVersion())
	assert.Equal(t, "otel.lan:4318", cfg.GetEndpoint())
	assert.True(t, cfg.GetInsecure())
	assert.InDelta(t, 0.25, cfg.Tracing.GetSampling(), 1e-9)
	assert.True(t, cfg.Metrics.Prometheus)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		config        *Config
		errorContains string
	}{
		{name: "nil config", config: nil},
		{name: "disabled ignores bad sampling", config: &Config{Tracing: &TracingConfig{Enabled: true, Sampling: floatPtr(7)}}},
		{name: "tracing off ignores bad sampling", config: &Config{Enabled: true, Tracing: &TracingConfig{Sampling: floatPtr(7)}}},
		{name: "full sampling", config: &Config{Enabled: true, Tracing: &TracingConfig{Enabled: true, Sampling: floatPtr(1)}}},
		{name: "default sampling", config: &Config{Enabled: true, Tracing: &TracingConfig{Enabled: true}}},
		{
			name:          "zero sampling",
			config:        &Config{Enabled: true, Tracing: &TracingConfig{Enabled: true, Sampling: floatPtr(0)}},
			errorContains: "tracing: sampling must be greater than 0.0",
		},
		{
			name:          "sampling above one",
			config:        &Config{Enabled: true, Tracing: &TracingConfig{Enabled: true, Sampling: floatPtr(1.01)}},
			errorContains: "at most 1.0",
		},
		{name: "prometheus metrics", config: &Config{Enabled: true, Metrics: &MetricsConfig{Enabled: true, Prometheus: true}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.config.Validate()
			if tt.errorContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorContains)
		})
	}
}
