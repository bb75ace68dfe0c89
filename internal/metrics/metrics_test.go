package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.BufferEnqueued.Inc()
	m.Decisions.WithLabelValues("success", "success").Inc()

	if got := testutil.ToFloat64(m.BufferEnqueued); got != 1 {
		t.Errorf("buffer_enqueued_total = %v, want 1", got)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected registered metric families")
	}
}

func TestOrNew(t *testing.T) {
	if OrNew(nil) == nil {
		t.Fatal("OrNew(nil) returned nil")
	}
	m := New(nil)
	if OrNew(m) != m {
		t.Error("OrNew should return the given metrics")
	}
}
