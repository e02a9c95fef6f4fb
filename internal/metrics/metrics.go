// Package metrics declares the Prometheus metrics shared by the gateway and
// worker processes.
//
// Naming convention: namespace_subsystem_name
//   - namespace: yredis (application-level grouping)
//   - subsystem: websocket, room, redis, worker, circuit_breaker, rate_limit
//   - name: specific metric
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveWebSocketConnections tracks current gateway connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "yredis",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks rooms currently subscribed on this gateway.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "yredis",
		Subsystem: "room",
		Name:      "subscriptions_active",
		Help:      "Current number of rooms subscribed on this gateway",
	})

	// RoomClients tracks per-room client counts on this gateway.
	RoomClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "yredis",
		Subsystem: "room",
		Name:      "clients_count",
		Help:      "Number of clients subscribed to each room on this gateway",
	}, []string{"room"})

	// WebsocketEvents counts frames processed by kind and outcome.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yredis",
		Subsystem: "websocket",
		Name:      "frames_total",
		Help:      "Total WebSocket frames processed",
	}, []string{"kind", "status"})

	// MessageProcessingDuration measures frame handling latency.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "yredis",
		Subsystem: "websocket",
		Name:      "frame_processing_seconds",
		Help:      "Time spent processing a WebSocket frame",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"kind"})

	// CircuitBreakerState tracks the redis circuit breaker using gobreaker's
	// state numbering: 0 closed, 1 half-open, 2 open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "yredis",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Half-Open, 2: Open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yredis",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded counts rejected websocket connect attempts.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yredis",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RedisOperationsTotal counts stream client calls by outcome.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yredis",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis stream operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration measures stream client call latency.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "yredis",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis stream operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// WorkerCompactions counts compaction attempts by outcome.
	WorkerCompactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yredis",
		Subsystem: "worker",
		Name:      "compactions_total",
		Help:      "Total compaction attempts by outcome",
	}, []string{"status"})

	// WorkerCompactionDuration measures a full compaction cycle.
	WorkerCompactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "yredis",
		Subsystem: "worker",
		Name:      "compaction_duration_seconds",
		Help:      "Duration of a full compaction cycle (claim through ack)",
		Buckets:   prometheus.DefBuckets,
	})
)

func IncConnection() { ActiveWebSocketConnections.Inc() }
func DecConnection() { ActiveWebSocketConnections.Dec() }
