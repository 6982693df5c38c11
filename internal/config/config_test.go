package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTunables(t *testing.T) {
	tun := DefaultTunables()

	assert.Equal(t, 10.0, tun.RainThresholdMM)
	assert.Equal(t, 48, tun.RainLookaheadHours)
	assert.Equal(t, 30.0, tun.SoilMoistureThresholdP)
	assert.Equal(t, 2.0, tun.FrostThresholdC)
	assert.Equal(t, 38.0, tun.HeatThresholdC)
	assert.Equal(t, 3, tun.MinPricePoints)
	assert.Equal(t, 0.03, tun.HoldExpectedGainPct)
	assert.Equal(t, 0.08, tun.VolatilityCeiling)

	assert.InDelta(t, 1.0, tun.Confidence.Handler+tun.Confidence.ItemsMean+tun.Confidence.FactsMean, 1e-9,
		"confidence weights should sum to 1")

	assert.Equal(t, 1.0, tun.SourceTypeWeights["government"])
	assert.Greater(t, tun.SourceTypeWeights["government"], tun.SourceTypeWeights["vendor"])
	assert.Greater(t, tun.SourceTypeWeights["vendor"], tun.SourceTypeWeights["news_blog"])
	assert.Contains(t, tun.SourceTypeWeights, "unknown")
}

func TestLoadWithoutFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DefaultTunables().RainThresholdMM, cfg.Tunables.RainThresholdMM)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadOverridesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "krishi.yaml")
	content := []byte(`
server:
  port: 9999
  debug: true
tunables:
  rain_threshold_mm: 20
  pesticide_top_n: 2
  source_type_weights:
    government: 0.99
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.True(t, cfg.Server.Debug)
	assert.Equal(t, 20.0, cfg.Tunables.RainThresholdMM)
	assert.Equal(t, 2, cfg.Tunables.PesticideTopN)
	assert.Equal(t, 0.99, cfg.Tunables.SourceTypeWeights["government"])

	// Untouched settings keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 48, cfg.Tunables.RainLookaheadHours)
	assert.Equal(t, 0.45, cfg.Tunables.Confidence.Handler)
}
