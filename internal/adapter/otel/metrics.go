package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "runstream"

// Metrics holds all runstream metric instruments.
type Metrics struct {
	RunsStarted   metric.Int64Counter
	RunsFinished  metric.Int64Counter
	EventsEmitted metric.Int64Counter
	ToolCalls     metric.Int64Counter
	Interrupts    metric.Int64Counter
	RunDuration   metric.Float64Histogram
	ApprovalWait  metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("runstream.runs.started",
		metric.WithDescription("Number of runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsFinished, err = meter.Int64Counter("runstream.runs.finished",
		metric.WithDescription("Number of runs finished, by outcome"))
	if err != nil {
		return nil, err
	}

	m.EventsEmitted, err = meter.Int64Counter("runstream.events.emitted",
		metric.WithDescription("Number of protocol events emitted, by type"))
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("runstream.toolcalls",
		metric.WithDescription("Number of frontend tool calls executed, by final status"))
	if err != nil {
		return nil, err
	}

	m.Interrupts, err = meter.Int64Counter("runstream.interrupts",
		metric.WithDescription("Number of interrupts raised, by reason"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("runstream.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.ApprovalWait, err = meter.Float64Histogram("runstream.approval.wait_seconds",
		metric.WithDescription("Time a tool call waited for human approval"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
