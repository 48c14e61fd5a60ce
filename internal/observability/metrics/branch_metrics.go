package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jisqyv/rethinkdb/internal/branch"
)

// BranchCollector exposes branch health and traffic as Prometheus metrics.
type BranchCollector struct {
	replicaCount  prometheus.Gauge
	lastTimestamp prometheus.Gauge
	reads         prometheus.Counter
	writes        prometheus.Counter
	readFailures  prometheus.Counter
	writeFailures prometheus.Counter
}

// NewBranchCollector creates a collector registered on the provided registry
// (default if nil).
func NewBranchCollector(reg prometheus.Registerer, namespace string) *BranchCollector {
	if namespace == "" {
		namespace = "branchd"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	builder := promauto.With(reg)
	return &BranchCollector{
		replicaCount: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "branch_replica_count",
			Help:      "Number of replicas registered with the branch.",
		}),
		lastTimestamp: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "branch_last_timestamp",
			Help:      "Latest timestamp handed to a write on the branch.",
		}),
		reads: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "branch_reads_total",
			Help:      "Reads dispatched through the branch.",
		}),
		writes: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "branch_writes_total",
			Help:      "Writes dispatched through the branch.",
		}),
		readFailures: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "branch_read_failures_total",
			Help:      "Reads that came back as failures.",
		}),
		writeFailures: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "branch_write_failures_total",
			Help:      "Writes that came back as failures.",
		}),
	}
}

// Observe updates the gauges from a diagnostics sample.
func (c *BranchCollector) Observe(diag branch.Diagnostics) {
	c.replicaCount.Set(float64(diag.ReplicaCount))
	c.lastTimestamp.Set(float64(diag.LastTimestamp))
}

// CountRead records one dispatched read and whether it failed.
func (c *BranchCollector) CountRead(err error) {
	c.reads.Inc()
	if err != nil {
		c.readFailures.Inc()
	}
}

// CountWrite records one dispatched write and whether it failed.
func (c *BranchCollector) CountWrite(err error) {
	c.writes.Inc()
	if err != nil {
		c.writeFailures.Inc()
	}
}

// StartServer serves Prometheus metrics on the provided address until the
// context is canceled.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return fmt.Errorf("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
