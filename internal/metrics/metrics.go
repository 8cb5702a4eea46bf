package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PositionQueueLength tracks the number of positions waiting for a cycle
	PositionQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "compoundr_position_queue_length",
		Help: "The number of positions currently waiting in the queue",
	})

	// WorkersActive tracks the number of active workers
	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "compoundr_workers_active",
		Help: "The number of workers currently active",
	})

	// CyclesTotal tracks compounding cycles by outcome
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compoundr_cycles_total",
			Help: "The total number of compounding cycles by outcome",
		},
		[]string{"outcome"}, // completed, noop, failed, already_running
	)

	// CycleSeconds tracks time taken to run a full claim/reinvest cycle
	CycleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "compoundr_cycle_seconds",
		Help:    "Time taken to run a full compounding cycle in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~8.5min
	})

	// PhaseSeconds tracks how long individual cycle phases take
	PhaseSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "compoundr_phase_seconds",
			Help:    "Time taken by individual cycle phases",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"}, // claim, reinvest
	)

	// GatewayRequestsTotal tracks gateway requests by operation and status
	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compoundr_gateway_requests_total",
			Help: "The total number of position gateway requests",
		},
		[]string{"operation", "status"},
	)

	// PriceLookupsTotal tracks oracle lookups by status
	PriceLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compoundr_price_lookups_total",
			Help: "The total number of price oracle lookups",
		},
		[]string{"status"}, // success, stale, unavailable
	)

	// RPCEndpointHealth tracks RPC endpoint health
	RPCEndpointHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "compoundr_rpc_endpoint_health",
			Help: "Health status of RPC endpoints (1 = healthy, 0 = unhealthy)",
		},
		[]string{"endpoint"},
	)
)

// RecordCycle records a finished cycle with the given outcome
func RecordCycle(outcome string, duration float64) {
	CyclesTotal.WithLabelValues(outcome).Inc()
	CycleSeconds.Observe(duration)
}

// RecordCycleRejected counts a cycle rejected because one is already in
// flight. Rejections are instantaneous and never observe a cycle duration.
func RecordCycleRejected() {
	CyclesTotal.WithLabelValues("already_running").Inc()
}

// RecordPhase records the time taken by a cycle phase
func RecordPhase(phase string, duration float64) {
	PhaseSeconds.WithLabelValues(phase).Observe(duration)
}

// RecordGatewayRequest records a gateway request with the given status
func RecordGatewayRequest(operation, status string) {
	GatewayRequestsTotal.WithLabelValues(operation, status).Inc()
}

// RecordPriceLookup records a price oracle lookup
func RecordPriceLookup(status string) {
	PriceLookupsTotal.WithLabelValues(status).Inc()
}

// SetRPCEndpointHealth sets the health status of an RPC endpoint
func SetRPCEndpointHealth(endpoint string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	RPCEndpointHealth.WithLabelValues(endpoint).Set(value)
}
