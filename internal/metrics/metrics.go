// Package metrics keeps a small set of prometheus/client_golang counters
// in process; the signal counters are read back by the /status endpoint,
// and nothing is exposed through a
// separate /metrics text-exposition endpoint — this core reports its own
// health through its existing JSON API instead of running a second
// observability surface.
package metrics

import (
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every counter/gauge the core updates as it runs.
type Registry struct {
	SignalsReceived   prometheus.Counter
	SignalsAccepted   prometheus.Counter
	SignalsRejected   *prometheus.CounterVec
	ExecutionFailures prometheus.Counter
	OrdersPlaced      prometheus.Counter
	CopyTradesFilled  prometheus.Counter
	CopyTradesFailed  prometheus.Counter
	StreamReconnects  prometheus.Counter
	ReconcilerRuns    prometheus.Counter
	ReconcilerRepairs prometheus.Counter
}

// New builds a Registry and registers every metric against its own
// prometheus.Registerer, so a caller that never wires a /metrics handler
// still gets working Collect-able counters without colliding with the
// default global registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		SignalsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "futures_core_signals_received_total",
			Help: "Total webhook signals received.",
		}),
		SignalsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "futures_core_signals_accepted_total",
			Help: "Total webhook signals accepted and dispatched.",
		}),
		SignalsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "futures_core_signals_rejected_total",
			Help: "Total webhook signals rejected, by reason.",
		}, []string{"reason"}),
		ExecutionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "futures_core_execution_failures_total",
			Help: "Total broker-facing execution failures recorded.",
		}),
		OrdersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "futures_core_orders_placed_total",
			Help: "Total broker orders placed across all accounts.",
		}),
		CopyTradesFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "futures_core_copy_trades_filled_total",
			Help: "Total follower copy trades filled.",
		}),
		CopyTradesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "futures_core_copy_trades_failed_total",
			Help: "Total follower copy trades that failed.",
		}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "futures_core_stream_reconnects_total",
			Help: "Total streaming hub connection reconnect attempts.",
		}),
		ReconcilerRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "futures_core_reconciler_runs_total",
			Help: "Total reconciler sweep executions.",
		}),
		ReconcilerRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "futures_core_reconciler_repairs_total",
			Help: "Total drift repairs applied by the reconciler.",
		}),
	}

	reg.MustRegister(
		r.SignalsReceived, r.SignalsAccepted, r.SignalsRejected,
		r.ExecutionFailures, r.OrdersPlaced,
		r.CopyTradesFilled, r.CopyTradesFailed,
		r.StreamReconnects, r.ReconcilerRuns, r.ReconcilerRepairs,
	)
	return r
}

// CounterValue reads back a plain counter's current value, for JSON status
// payloads that report raw numbers rather than a prometheus exposition.
func CounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	_ = c.Write(&m)
	return m.GetCounter().GetValue()
}

// CounterVecTotal sums every label combination of a CounterVec, for a
// single rolled-up figure in a status payload.
func CounterVecTotal(cv *prometheus.CounterVec) float64 {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()
	var total float64
	for metric := range ch {
		var m dto.Metric
		_ = metric.Write(&m)
		total += m.GetCounter().GetValue()
	}
	return total
}
