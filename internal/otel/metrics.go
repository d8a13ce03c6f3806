package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all clawtask metric instruments.
type Metrics struct {
	TaskDuration     metric.Float64Histogram
	TasksFinished    metric.Int64Counter
	ActiveTasks      metric.Int64UpDownCounter
	SyntheticResults metric.Int64Counter
	StaleTasks       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("clawtask.task.duration",
		metric.WithDescription("Background task wall-clock duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFinished, err = meter.Int64Counter("clawtask.task.finished",
		metric.WithDescription("Background tasks reaching a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("clawtask.task.active",
		metric.WithDescription("Number of currently running background tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.SyntheticResults, err = meter.Int64Counter("clawtask.stream.synthetic",
		metric.WithDescription("Synthetic result events emitted by the claude CLI client"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleTasks, err = meter.Int64Counter("clawtask.task.stale",
		metric.WithDescription("Tasks found running at startup and marked stale"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

// TaskStarted increments the active gauge. Safe on a nil receiver.
func (m *Metrics) TaskStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveTasks.Add(ctx, 1)
}

// TaskFinished records the terminal status and duration of one task.
func (m *Metrics) TaskFinished(ctx context.Context, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrTaskStatus.String(status))
	m.ActiveTasks.Add(ctx, -1)
	m.TasksFinished.Add(ctx, 1, attrs)
	m.TaskDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// SyntheticResult counts a result event made up by the client ("timeout", "exit", "spawn").
func (m *Metrics) SyntheticResult(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.SyntheticResults.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// StaleRecovered counts records drained at startup.
func (m *Metrics) StaleRecovered(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StaleTasks.Add(ctx, int64(n))
}
