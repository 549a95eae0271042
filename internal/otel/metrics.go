package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the governance instruments.
type Metrics struct {
	OperationDuration     metric.Float64Histogram
	AuthzDecisions        metric.Int64Counter
	DelegationTransitions metric.Int64Counter
	MergesRecorded        metric.Int64Counter
	IntegrityViolations   metric.Int64Counter
	ConcurrencyConflicts  metric.Int64Counter
	ChainsVerified        metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.OperationDuration, err = meter.Float64Histogram("mcpgen.governance.operation.duration",
		metric.WithDescription("Governance operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AuthzDecisions, err = meter.Int64Counter("mcpgen.governance.authz.decisions",
		metric.WithDescription("Authorization decisions by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.DelegationTransitions, err = meter.Int64Counter("mcpgen.governance.delegation.transitions",
		metric.WithDescription("Committed delegation state transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.MergesRecorded, err = meter.Int64Counter("mcpgen.governance.merges",
		metric.WithDescription("Merge audit entries appended"),
	)
	if err != nil {
		return nil, err
	}

	m.IntegrityViolations, err = meter.Int64Counter("mcpgen.governance.integrity.violations",
		metric.WithDescription("Merge audit chains that failed verification"),
	)
	if err != nil {
		return nil, err
	}

	m.ConcurrencyConflicts, err = meter.Int64Counter("mcpgen.governance.conflicts",
		metric.WithDescription("Operations that lost an optimistic concurrency race"),
	)
	if err != nil {
		return nil, err
	}

	m.ChainsVerified, err = meter.Int64Counter("mcpgen.governance.chains.verified",
		metric.WithDescription("Merge audit chains verified"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordDecision counts one authorization decision.
func (m *Metrics) RecordDecision(ctx context.Context, allowed bool, permission string) {
	if m == nil {
		return
	}
	m.AuthzDecisions.Add(ctx, 1, metric.WithAttributes(
		AttrAllowed.Bool(allowed),
		AttrPermission.String(permission),
	))
}

// RecordTransition counts one delegation transition into status.
func (m *Metrics) RecordTransition(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.DelegationTransitions.Add(ctx, 1, metric.WithAttributes(AttrDelegationStatus.String(status)))
}

// RecordOperation records the duration of a named governance operation.
func (m *Metrics) RecordOperation(ctx context.Context, op string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.OperationDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("error", err != nil),
	))
}
