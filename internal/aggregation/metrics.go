package aggregation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

const instrumentationName = "github.com/fyrsmithlabs/feedbackd/internal/aggregation"

// Metrics holds aggregation instruments.
type Metrics struct {
	meter          metric.Meter
	logger         *zap.Logger
	runDuration    metric.Float64Histogram
	synthesisCalls metric.Int64Counter
	outcomes       metric.Int64Counter
	units          metric.Int64Counter
}

// NewMetrics creates instruments from the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.runDuration, err = m.meter.Float64Histogram(
		"feedbackd.aggregation.run_duration_seconds",
		metric.WithDescription("Duration of aggregation runs by kind and mode"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600),
	)
	if err != nil {
		m.logger.Warn("failed to create run duration histogram", zap.Error(err))
	}

	m.synthesisCalls, err = m.meter.Int64Counter(
		"feedbackd.aggregation.synthesis_calls_total",
		metric.WithDescription("Synthesis collaborator calls. Unchanged clusters never reach this counter."),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		m.logger.Warn("failed to create synthesis calls counter", zap.Error(err))
	}

	m.outcomes, err = m.meter.Int64Counter(
		"feedbackd.aggregation.cluster_outcomes_total",
		metric.WithDescription("Cluster outcomes by kind: unchanged, produced, no_item, skipped, fatal"),
		metric.WithUnit("{cluster}"),
	)
	if err != nil {
		m.logger.Warn("failed to create cluster outcomes counter", zap.Error(err))
	}

	m.units, err = m.meter.Int64Counter(
		"feedbackd.batch.units_total",
		metric.WithDescription("Batch units processed by service and result"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		m.logger.Warn("failed to create batch units counter", zap.Error(err))
	}
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(ctx context.Context, kind feedback.Kind, mode string, d time.Duration, err error) {
	if m == nil || m.runDuration == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.runDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("mode", mode),
		attribute.String("result", result),
	))
}

// RecordSynthesisCall counts one synthesis call.
func (m *Metrics) RecordSynthesisCall(ctx context.Context, kind feedback.Kind) {
	if m == nil || m.synthesisCalls == nil {
		return
	}
	m.synthesisCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

// RecordOutcome counts cluster outcomes.
func (m *Metrics) RecordOutcome(ctx context.Context, kind feedback.Kind, outcome string, n int) {
	if m == nil || m.outcomes == nil || n == 0 {
		return
	}
	m.outcomes.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}

// RecordUnit counts one batch unit.
func (m *Metrics) RecordUnit(ctx context.Context, service string, failed bool) {
	if m == nil || m.units == nil {
		return
	}
	result := "success"
	if failed {
		result = "failed"
	}
	m.units.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("result", result),
	))
}
