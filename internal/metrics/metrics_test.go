package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"fundsettle/internal/fault"
	"fundsettle/internal/models"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	case out.Histogram != nil:
		return float64(out.Histogram.GetSampleCount())
	}
	t.Fatal("unsupported metric type")
	return 0
}

func TestRecordSettlement(t *testing.T) {
	success := SettlementsTotal.WithLabelValues("lend", "success")
	failed := SettlementsTotal.WithLabelValues("lend", "failed")
	okBefore, failBefore := value(t, success), value(t, failed)

	RecordSettlement("lend", nil, 2*time.Millisecond)
	RecordSettlement("lend", errors.New("boom"), time.Millisecond)

	if got := value(t, success) - okBefore; got != 1 {
		t.Errorf("success delta = %v, want 1", got)
	}
	if got := value(t, failed) - failBefore; got != 1 {
		t.Errorf("failed delta = %v, want 1", got)
	}
}

func TestRecordFailure(t *testing.T) {
	violation := fmt.Errorf("call: %w", &fault.PolicyViolation{
		Policy: "cumulative-slippage-tolerance",
		Hook:   "post_call_on_integration",
	})

	tests := []struct {
		name  string
		err   error
		class string
	}{
		{"policy", violation, fault.ClassPolicy},
		{"timelock", fault.ErrMigrationTimelockNotElapsed, fault.ClassTimelock},
		{"unauthorized", fault.ErrUnauthorized, fault.ClassAuthorization},
		{"internal", errors.New("boom"), fault.ClassInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := OperationFailures.WithLabelValues("test", tt.class)
			before := value(t, c)
			RecordFailure("test", tt.err)
			if got := value(t, c) - before; got != 1 {
				t.Errorf("failures[%s] delta = %v, want 1", tt.class, got)
			}
		})
	}

	pv := PolicyViolations.WithLabelValues("cumulative-slippage-tolerance", "post_call_on_integration")
	before := value(t, pv)
	RecordFailure("test", violation)
	RecordFailure("test", nil)
	if got := value(t, pv) - before; got != 1 {
		t.Errorf("policy violations delta = %v, want 1", got)
	}
}

func TestRecordEvent(t *testing.T) {
	created := ReleaseRequests.WithLabelValues("migration", "created")
	createdBefore := value(t, created)
	fundsBefore := value(t, FundsTotal)
	slippageBefore := value(t, CumulativeSlippage)

	RecordEvent(models.Event{Type: models.EventMigrationCreated})
	RecordEvent(models.Event{Type: models.EventFundCreated})
	RecordEvent(models.Event{
		Type: models.EventPolicyStateUpdated,
		Data: map[string]interface{}{"cumulative_slippage": "0.05"},
	})
	RecordEvent(models.Event{
		Type: models.EventPolicyStateUpdated,
		Data: map[string]interface{}{"policy": "redemption-window"},
	})

	if got := value(t, created) - createdBefore; got != 1 {
		t.Errorf("migration created delta = %v, want 1", got)
	}
	if got := value(t, FundsTotal) - fundsBefore; got != 1 {
		t.Errorf("funds delta = %v, want 1", got)
	}
	if got := value(t, CumulativeSlippage) - slippageBefore; got != 1 {
		t.Errorf("slippage observations delta = %v, want 1", got)
	}
	if got := value(t, EventsProcessed.WithLabelValues(models.EventPolicyStateUpdated)); got < 2 {
		t.Errorf("events processed = %v, want >= 2", got)
	}
}
