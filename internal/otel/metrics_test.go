package otel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_Noop(t *testing.T) {
	m, err := NewMetrics(Noop().Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordDecision(context.Background(), true, "persona:read")
	m.RecordTransition(context.Background(), "accepted")
	m.RecordOperation(context.Background(), "merge", 0.01, nil)

	var nilMetrics *Metrics
	nilMetrics.RecordDecision(context.Background(), false, "x")
}

func TestMetrics_CountsDecisions(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"}, sdkmetric.WithReader(reader))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordDecision(ctx, true, "persona:read")
	m.RecordDecision(ctx, false, "persona:read")
	m.RecordDecision(ctx, false, "persona:read")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	var total int64
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "mcpgen.governance.authz.decisions" {
				continue
			}
			found = true
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", md.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if !found {
		t.Fatal("authz decision counter not exported")
	}
	if total != 3 {
		t.Fatalf("decision total = %d, want 3", total)
	}
}
