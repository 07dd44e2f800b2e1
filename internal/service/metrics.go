package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"lims-eln-sync/internal/domain"
)

const meterName = "lims-eln-sync/service"

// Metrics are the orchestrator's counters and histograms.
type Metrics struct {
	transitions metric.Int64Counter
	retries     metric.Int64Counter
	deadLetters metric.Int64Counter
	conflicts   metric.Int64Counter
	baselines   metric.Int64Counter
	duration    metric.Float64Histogram
}

// NewMetrics registers the instruments on mp, or on the global provider
// when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	var (
		m   Metrics
		err error
	)
	if m.transitions, err = meter.Int64Counter("sync.job.transitions",
		metric.WithDescription("State transitions recorded in the audit ledger"),
		metric.WithUnit("{transition}")); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter("sync.external.retries",
		metric.WithDescription("Retries scheduled for external calls"),
		metric.WithUnit("{retry}")); err != nil {
		return nil, err
	}
	if m.deadLetters, err = meter.Int64Counter("sync.job.dead_letters",
		metric.WithDescription("Jobs routed to the dead-letter channel"),
		metric.WithUnit("{job}")); err != nil {
		return nil, err
	}
	if m.conflicts, err = meter.Int64Counter("sync.conflicts",
		metric.WithDescription("Field conflicts detected, by resolution"),
		metric.WithUnit("{conflict}")); err != nil {
		return nil, err
	}
	if m.baselines, err = meter.Int64Counter("sync.baseline.save_failures",
		metric.WithDescription("Committed jobs whose baseline could not be stored"),
		metric.WithUnit("{job}")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("sync.job.duration",
		metric.WithDescription("Wall time of one job run until its stopping point"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) transition(ctx context.Context, to domain.JobState) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(to))))
}

func (m *Metrics) retry(ctx context.Context, op string, system domain.System) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("system", string(system))))
}

func (m *Metrics) deadLetter(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) conflict(ctx context.Context, c domain.ConflictRecord) {
	if m == nil {
		return
	}
	m.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("resolution", string(c.Resolution.Kind))))
}

func (m *Metrics) baselineFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.baselines.Add(ctx, 1)
}

func (m *Metrics) run(ctx context.Context, state domain.JobState, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("state", string(state))))
}
