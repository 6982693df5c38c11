package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"krishi/internal/observability"
)

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	EnableCORS   bool          `mapstructure:"enable_cors" yaml:"enable_cors"`
	Debug        bool          `mapstructure:"debug" yaml:"debug"`
	// CacheSize bounds the request-id response cache. Decisions are
	// deterministic, so replaying a cached response is always safe.
	CacheSize int `mapstructure:"cache_size" yaml:"cache_size"`
}

// ConfidenceWeights are the blend weights for the confidence combiner.
// Absent signals are skipped and the remaining weights renormalized.
type ConfidenceWeights struct {
	Handler   float64 `mapstructure:"handler" yaml:"handler"`
	ItemsMean float64 `mapstructure:"items_mean" yaml:"items_mean"`
	FactsMean float64 `mapstructure:"facts_mean" yaml:"facts_mean"`
}

// Tunables holds every rule constant the handlers and the confidence
// combiner depend on. Tests construct DefaultTunables() and override
// individual fields per case.
type Tunables struct {
	// Irrigation
	RainThresholdMM        float64 `mapstructure:"rain_threshold_mm" yaml:"rain_threshold_mm"`
	RainLookaheadHours     int     `mapstructure:"rain_lookahead_hours" yaml:"rain_lookahead_hours"`
	SoilMoistureThresholdP float64 `mapstructure:"soil_moisture_threshold_pct" yaml:"soil_moisture_threshold_pct"`

	// Temperature risk
	FrostThresholdC float64 `mapstructure:"frost_threshold_c" yaml:"frost_threshold_c"`
	HeatThresholdC  float64 `mapstructure:"heat_threshold_c" yaml:"heat_threshold_c"`
	LookaheadDays   int     `mapstructure:"lookahead_days" yaml:"lookahead_days"`

	// Market
	TrendWindowDays     int     `mapstructure:"trend_window_days" yaml:"trend_window_days"`
	MinPricePoints      int     `mapstructure:"min_price_points" yaml:"min_price_points"`
	HoldExpectedGainPct float64 `mapstructure:"hold_expected_gain_pct" yaml:"hold_expected_gain_pct"`
	VolatilityCeiling   float64 `mapstructure:"volatility_ceiling" yaml:"volatility_ceiling"`

	// Pesticide
	PesticideTopN   int     `mapstructure:"pesticide_top_n" yaml:"pesticide_top_n"`
	PestMatchWeight float64 `mapstructure:"pest_match_weight" yaml:"pest_match_weight"`
	CropMatchWeight float64 `mapstructure:"crop_match_weight" yaml:"crop_match_weight"`
	PHIWeight       float64 `mapstructure:"phi_weight" yaml:"phi_weight"`

	// Variety
	VarietyTopN int `mapstructure:"variety_top_n" yaml:"variety_top_n"`

	// Confidence blending. BlendWithProvenance and BlendWithoutProvenance
	// are the combiner's share when mixing its output with a handler's
	// heuristic confidence, picked by whether any provenance was found.
	// ProductBlend is the rule-score share in per-product confidences.
	BlendWithProvenance    float64           `mapstructure:"blend_with_provenance" yaml:"blend_with_provenance"`
	BlendWithoutProvenance float64           `mapstructure:"blend_without_provenance" yaml:"blend_without_provenance"`
	ProductBlend           float64           `mapstructure:"product_blend" yaml:"product_blend"`
	Confidence             ConfidenceWeights `mapstructure:"confidence" yaml:"confidence"`

	// SourceTypeWeights ranks provenance entries for ordering and for the
	// provenance share of blended confidences.
	SourceTypeWeights map[string]float64 `mapstructure:"source_type_weights" yaml:"source_type_weights"`
}

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig                `mapstructure:"server" yaml:"server"`
	Metrics  observability.MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Tracing  observability.TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Tunables Tunables                    `mapstructure:"tunables" yaml:"tunables"`
}

// DefaultTunables returns the rule constants the engine ships with.
func DefaultTunables() Tunables {
	return Tunables{
		RainThresholdMM:        10.0,
		RainLookaheadHours:     48,
		SoilMoistureThresholdP: 30.0,

		FrostThresholdC: 2.0,
		HeatThresholdC:  38.0,
		LookaheadDays:   7,

		TrendWindowDays:     14,
		MinPricePoints:      3,
		HoldExpectedGainPct: 0.03,
		VolatilityCeiling:   0.08,

		PesticideTopN:   5,
		PestMatchWeight: 0.4,
		CropMatchWeight: 0.4,
		PHIWeight:       0.2,

		VarietyTopN: 3,

		BlendWithProvenance:    0.6,
		BlendWithoutProvenance: 0.2,
		ProductBlend:           0.7,
		Confidence: ConfidenceWeights{
			Handler:   0.45,
			ItemsMean: 0.35,
			FactsMean: 0.20,
		},

		SourceTypeWeights: map[string]float64{
			"government":            1.00,
			"research_institute":    0.95,
			"state_agri_university": 0.92,
			"market_portal":         0.90,
			"seed_catalog":          0.80,
			"dataset_portal":        0.78,
			"vendor":                0.60,
			"news_blog":             0.35,
			"unknown":               0.50,
		},
	}
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			EnableCORS:   true,
			CacheSize:    1024,
		},
		Metrics: observability.MetricsConfig{
			Enabled:        false,
			PrometheusPort: 9090,
		},
		Tracing: observability.TracingConfig{
			Enabled:     false,
			Exporter:    "otlp",
			SampleRate:  1.0,
			ServiceName: "krishi",
		},
		Tunables: DefaultTunables(),
	}
}

// Load reads configuration from an optional yaml file plus KRISHI_* env
// overrides, layered over Default(). An empty path searches the usual
// locations and silently falls back to defaults when no file exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("krishi")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.krishi")
	}
	v.SetEnvPrefix("KRISHI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"server.host", "server.port", "server.debug",
		"metrics.enabled", "metrics.prometheus_port",
		"tracing.enabled", "tracing.exporter", "tracing.otlp_endpoint", "tracing.zipkin_endpoint",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
