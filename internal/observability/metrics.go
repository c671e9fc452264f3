package observability

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harun/courier/pkg/conversation"
)

type moduleMetrics struct {
	messagesPersisted prometheus.Counter
	deliveriesTotal   *prometheus.CounterVec
	deliveryMisses    *prometheus.CounterVec

	storeOpDuration *prometheus.HistogramVec
	storeErrors     *prometheus.CounterVec

	activeSessions prometheus.Gauge
	onlineUsers    prometheus.Gauge
	joinedHandles  prometheus.Gauge

	rpcRequests *prometheus.CounterVec
	authFailed  prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			messagesPersisted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "courier_messages_persisted_total",
					Help: "Total messages accepted by the store.",
				},
			),
			deliveriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_deliveries_total",
					Help: "Total live push attempts by status.",
				},
				[]string{"status"},
			),
			deliveryMisses: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_delivery_misses_total",
					Help: "Total live deliveries that did not happen by reason.",
				},
				[]string{"reason"},
			),
			storeOpDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "courier_store_op_duration_seconds",
					Help:    "Store operation duration in seconds by operation.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"op"},
			),
			storeErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_store_errors_total",
					Help: "Total store failures by operation.",
				},
				[]string{"op"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "courier_active_sessions",
					Help: "Current open live connections.",
				},
			),
			onlineUsers: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "courier_online_users",
					Help: "Current users with at least one joined connection.",
				},
			),
			joinedHandles: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "courier_joined_handles",
					Help: "Current connections bound to a user.",
				},
			),
			rpcRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_rpc_requests_total",
					Help: "Total RPC requests by method and status.",
				},
				[]string{"method", "status"},
			),
			authFailed: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "courier_auth_failures_total",
					Help: "Total failed connection authentications.",
				},
			),
		}

		prometheus.MustRegister(
			m.messagesPersisted,
			m.deliveriesTotal,
			m.deliveryMisses,
			m.storeOpDuration,
			m.storeErrors,
			m.activeSessions,
			m.onlineUsers,
			m.joinedHandles,
			m.rpcRequests,
			m.authFailed,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordMessagePersisted() {
	getMetrics().messagesPersisted.Inc()
}

func RecordDelivery(success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().deliveriesTotal.WithLabelValues(status).Inc()
}

func RecordDeliveryMiss(reason string) {
	getMetrics().deliveryMisses.WithLabelValues(reason).Inc()
}

// RecordStoreOp observes one store call. Its signature matches
// conversation.OpObserver. Rejected input is not counted as a store error.
func RecordStoreOp(op string, duration time.Duration, err error) {
	m := getMetrics()
	m.storeOpDuration.WithLabelValues(op).Observe(duration.Seconds())
	if errors.Is(err, conversation.ErrStore) {
		m.storeErrors.WithLabelValues(op).Inc()
	}
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func SetOnlineUsers(count int) {
	getMetrics().onlineUsers.Set(float64(count))
}

func SetJoinedHandles(count int) {
	getMetrics().joinedHandles.Set(float64(count))
}

func RecordRPCRequest(method string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().rpcRequests.WithLabelValues(method, status).Inc()
}

func RecordAuthFailure() {
	getMetrics().authFailed.Inc()
}
