package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "maxwell"

// Metrics holds the orchestrator's metric instruments. A nil *Metrics is a
// valid no-op receiver, so services run unchanged without telemetry.
type Metrics struct {
	tasksScheduled metric.Int64Counter
	tasksCompleted metric.Int64Counter
	tasksFailed    metric.Int64Counter
	tasksRetried   metric.Int64Counter
	budgetReserved metric.Float64Counter
	budgetRejected metric.Int64Counter
	safetyVerdicts metric.Int64Counter
	taskCost       metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.tasksScheduled, err = meter.Int64Counter("maxwell.tasks.scheduled",
		metric.WithDescription("Number of tasks dispatched to agents"))
	if err != nil {
		return nil, err
	}

	m.tasksCompleted, err = meter.Int64Counter("maxwell.tasks.completed",
		metric.WithDescription("Number of tasks completed"))
	if err != nil {
		return nil, err
	}

	m.tasksFailed, err = meter.Int64Counter("maxwell.tasks.failed",
		metric.WithDescription("Number of tasks failed permanently"))
	if err != nil {
		return nil, err
	}

	m.tasksRetried, err = meter.Int64Counter("maxwell.tasks.retried",
		metric.WithDescription("Number of task retry attempts"))
	if err != nil {
		return nil, err
	}

	m.budgetReserved, err = meter.Float64Counter("maxwell.budget.reserved",
		metric.WithDescription("Budget units reserved for task dispatch"))
	if err != nil {
		return nil, err
	}

	m.budgetRejected, err = meter.Int64Counter("maxwell.budget.rejected",
		metric.WithDescription("Number of reservations rejected by the ledger"))
	if err != nil {
		return nil, err
	}

	m.safetyVerdicts, err = meter.Int64Counter("maxwell.safety.verdicts",
		metric.WithDescription("Safety gate verdicts by outcome"))
	if err != nil {
		return nil, err
	}

	m.taskCost, err = meter.Float64Histogram("maxwell.task.cost",
		metric.WithDescription("Actual cost per completed task"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// TaskScheduled records one task dispatch.
func (m *Metrics) TaskScheduled(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksScheduled.Add(ctx, 1)
}

// TaskCompleted records one successful task.
func (m *Metrics) TaskCompleted(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksCompleted.Add(ctx, 1)
}

// TaskFailed records one permanent task failure.
func (m *Metrics) TaskFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksFailed.Add(ctx, 1)
}

// TaskRetried records one retry attempt.
func (m *Metrics) TaskRetried(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksRetried.Add(ctx, 1)
}

// BudgetReserve records budget units committed to a dispatch.
func (m *Metrics) BudgetReserve(ctx context.Context, amount float64) {
	if m == nil {
		return
	}
	m.budgetReserved.Add(ctx, amount)
}

// BudgetReject records one ledger rejection.
func (m *Metrics) BudgetReject(ctx context.Context) {
	if m == nil {
		return
	}
	m.budgetRejected.Add(ctx, 1)
}

// CountVerdict records one safety gate verdict.
func (m *Metrics) CountVerdict(ctx context.Context, verdict string) {
	if m == nil {
		return
	}
	m.safetyVerdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", verdict)))
}

// RecordCost records one task cost sample.
func (m *Metrics) RecordCost(ctx context.Context, cost float64) {
	if m == nil {
		return
	}
	m.taskCost.Record(ctx, cost)
}
