package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/quantcore/xerrors"
)

const sample = `
version = "1.2.0"

[log]
level = "debug"

[simulation]
times = [0.5, 1.0, 2.0]
samples = 4000
batches = 4
seed = 7
regression_order = 3

[model]
currency = "USD"
alpha = 0.012
flat_rate = 0.03

[credit]
hazard_rate = 0.02
recovery = 0.35

[cache]
ttl = "5m"
max_mb = 16

[tracing]
otlp_endpoint = "collector:4317"
`

func TestLoadMergesDefaultsAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quantcore.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	t.Setenv("APP_SIMULATION_SAMPLES", "8000")

	conf, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "1.2.0", conf.Version)
	assert.Equal(t, []float64{0.5, 1, 2}, conf.Simulation.Times)
	assert.Equal(t, 8000, conf.Simulation.Samples)
	assert.Equal(t, uint64(7), conf.Simulation.Seed)
	assert.Equal(t, "USD", conf.Model.Currency)
	assert.Equal(t, 0.35, conf.Credit.Recovery)
	assert.Equal(t, 5*time.Minute, conf.Cache.TTL)
	// 文件中没有的部分保持默认值
	assert.Equal(t, 10, conf.Grid.Nx)
	assert.Equal(t, 4, conf.Worker.Size)
	assert.Contains(t, conf.String(), "samples=8000")
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(Default()))

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no samples", func(c *Config) { c.Simulation.Samples = 0 }},
		{"more batches than samples", func(c *Config) { c.Simulation.Batches = c.Simulation.Samples + 1 }},
		{"negative time", func(c *Config) { c.Simulation.Times = []float64{-1} }},
		{"recovery of one", func(c *Config) { c.Credit.Recovery = 1 }},
		{"bad currency", func(c *Config) { c.Model.Currency = "EURO" }},
		{"empty grid", func(c *Config) { c.Grid.Nx = 0 }},
		{"unknown level", func(c *Config) { c.Log.Level = "trace" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.ErrorIs(t, Validate(c), xerrors.ErrInvalidConfig)
		})
	}
}

func TestMask(t *testing.T) {
	m := map[string]any{
		"Tracing": map[string]any{"OTLPEndpoint": "collector:4317", "Enabled": true},
		"Version": "dev",
	}
	mask(m)
	assert.Equal(t, "******", m["Tracing"].(map[string]any)["OTLPEndpoint"])
	assert.Equal(t, true, m["Tracing"].(map[string]any)["Enabled"])
	assert.Equal(t, "dev", m["Version"])
}
