// Package metrics exports orchestrator activity as Prometheus metrics.
package metrics

import (
	"math/big"
	"net/http"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector counts processed batches and operations.
// It owns a private registry so several orchestrators can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	batches    prometheus.Counter
	operations *prometheus.CounterVec
	collected  prometheus.Counter
	actualGas  prometheus.Counter
	penaltyGas prometheus.Counter
	batchSize  prometheus.Histogram
}

// New creates a Collector with all metrics registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opbatch_batches_total",
			Help: "Total number of committed operation batches",
		}),

		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opbatch_operations_total",
			Help: "Total number of processed operations by outcome",
		}, []string{"status"}),

		collected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opbatch_gas_collected_total",
			Help: "Total fees paid out to beneficiaries and the protocol fee recipient",
		}),

		actualGas: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opbatch_actual_gas_total",
			Help: "Total gas charged to operations, penalties included",
		}),

		penaltyGas: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opbatch_penalty_gas_total",
			Help: "Total gas charged as unused-gas penalty",
		}),

		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "opbatch_batch_size",
			Help:    "Number of operations per batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	c.registry.MustRegister(
		c.batches,
		c.operations,
		c.collected,
		c.actualGas,
		c.penaltyGas,
		c.batchSize,
	)

	return c
}

// BatchProcessed records one committed batch of ops operations.
func (c *Collector) BatchProcessed(ops int, collected *uint256.Int) {
	c.batches.Inc()
	c.batchSize.Observe(float64(ops))

	if collected != nil && !collected.IsZero() {
		f, _ := new(big.Float).SetInt(collected.ToBig()).Float64()
		c.collected.Add(f)
	}
}

// OperationProcessed records the outcome of one operation.
func (c *Collector) OperationProcessed(status string, actualGas, penaltyGas uint64) {
	c.operations.WithLabelValues(status).Inc()
	c.actualGas.Add(float64(actualGas))
	c.penaltyGas.Add(float64(penaltyGas))
}

// Registry returns the registry holding the collector's metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
