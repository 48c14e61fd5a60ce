package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jisqyv/rethinkdb/internal/branch"
)

func TestBranchCollectorObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewBranchCollector(reg, "branchd_test")

	collector.Observe(branch.Diagnostics{ReplicaCount: 3, LastTimestamp: 42})
	collector.CountRead(nil)
	collector.CountWrite(errors.New("insufficient replicas"))

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatalf("expected metrics to be registered")
	}
}
