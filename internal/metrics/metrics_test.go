package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if httpRequestsTotal == nil || stepsTotal == nil || unitsTotal == nil ||
		lookupsTotal == nil || lookupBatchesInFlight == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveDomainMetrics(t *testing.T) {
	Init()

	before := testutil.ToFloat64(unitsTotal.WithLabelValues("timeout"))
	ObserveUnit("timeout", 2*time.Second)
	if got := testutil.ToFloat64(unitsTotal.WithLabelValues("timeout")); got != before+1 {
		t.Errorf("expected units_total{timeout} to grow by 1, got %f -> %f", before, got)
	}

	before = testutil.ToFloat64(lookupsTotal.WithLabelValues("unknown"))
	ObserveLookup("unknown")
	ObserveLookup("unknown")
	if got := testutil.ToFloat64(lookupsTotal.WithLabelValues("unknown")); got != before+2 {
		t.Errorf("expected lookups_total{unknown} to grow by 2, got %f -> %f", before, got)
	}

	IncLookupBatches()
	IncLookupBatches()
	DecLookupBatches()
	if got := testutil.ToFloat64(lookupBatchesInFlight); got != 1 {
		t.Errorf("expected one batch in flight, got %f", got)
	}
	DecLookupBatches()

	before = testutil.ToFloat64(stepsTotal.WithLabelValues("ok"))
	ObserveStep("ok", time.Second)
	if got := testutil.ToFloat64(stepsTotal.WithLabelValues("ok")); got != before+1 {
		t.Errorf("expected steps_total{ok} to grow by 1, got %f", got)
	}
}
