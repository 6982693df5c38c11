package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages the decision engine metrics.
type MetricsCollector struct {
	meter metric.Meter

	decisions      metric.Int64Counter
	latency        metric.Float64Histogram
	confidence     metric.Float64Histogram
	inflight       metric.Int64UpDownCounter
	factsPerIntent metric.Int64Counter

	// Server for Prometheus scraping
	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled" yaml:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port" yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector. A disabled config
// yields a collector whose record methods are no-ops.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("krishi")

	decisions, err := meter.Int64Counter(
		"krishi.decisions.total",
		metric.WithDescription("Total number of decisions processed"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	latency, err := meter.Float64Histogram(
		"krishi.decision.latency",
		metric.WithDescription("Decision processing latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}

	confidence, err := meter.Float64Histogram(
		"krishi.decision.confidence",
		metric.WithDescription("Confidence of completed decisions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create confidence histogram: %w", err)
	}

	inflight, err := meter.Int64UpDownCounter(
		"krishi.decisions.inflight",
		metric.WithDescription("Number of decisions currently being processed"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inflight gauge: %w", err)
	}

	factsPerIntent, err := meter.Int64Counter(
		"krishi.facts.total",
		metric.WithDescription("Total facts normalized from tool calls"),
		metric.WithUnit("{fact}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create facts counter: %w", err)
	}

	collector := &MetricsCollector{
		meter:          meter,
		decisions:      decisions,
		latency:        latency,
		confidence:     confidence,
		inflight:       inflight,
		factsPerIntent: factsPerIntent,
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus metrics server
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordDecision records one processed decision.
func (m *MetricsCollector) RecordDecision(ctx context.Context, intent, status string, confidence float64, latency time.Duration) {
	if m.decisions == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("intent", intent),
		attribute.String("status", status),
	}

	m.decisions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.latency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
	if status == "complete" {
		m.confidence.Record(ctx, confidence, metric.WithAttributes(attribute.String("intent", intent)))
	}
}

// RecordFacts records how many facts the normalizer produced for an intent.
func (m *MetricsCollector) RecordFacts(ctx context.Context, intent string, count int) {
	if m.factsPerIntent == nil {
		return
	}
	m.factsPerIntent.Add(ctx, int64(count), metric.WithAttributes(attribute.String("intent", intent)))
}

// IncrementInflight increments the in-flight decisions gauge.
func (m *MetricsCollector) IncrementInflight(ctx context.Context) {
	if m.inflight == nil {
		return
	}
	m.inflight.Add(ctx, 1)
}

// DecrementInflight decrements the in-flight decisions gauge.
func (m *MetricsCollector) DecrementInflight(ctx context.Context) {
	if m.inflight == nil {
		return
	}
	m.inflight.Add(ctx, -1)
}
