package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StockReservationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_reservations_total",
		Help: "Total number of successful stock reservations",
	})

	StockReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_reservations_failed_total",
		Help: "Total number of failed stock reservations",
	}, []string{"reason"})

	StockReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_reserve_latency_seconds",
		Help:    "Latency of stock reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	ReservationsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_reservations_expired_total",
		Help: "Total number of reservations released by the expiry sweep",
	})

	PaymentSessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_sessions_started_total",
		Help: "Total number of payment sessions admitted",
	})

	PaymentSessionsQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_sessions_queued_total",
		Help: "Total number of orders placed on the payment waiting list",
	})

	PaymentSessionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_sessions_expired_total",
		Help: "Total number of payment sessions reclaimed after TTL expiry",
	})

	VoucherClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voucher_claims_total",
		Help: "Total number of voucher claim attempts",
	}, []string{"outcome"})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlements_total",
		Help: "Total number of settlement webhook outcomes",
	}, []string{"result"})

	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_expired_total",
		Help: "Total number of orders expired by the scheduler",
	})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of orders cancelled by users",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed orders",
	}, []string{"reason"})

	ReconcileDriftTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_drift_total",
		Help: "Total number of counter drifts corrected by reconciliation",
	}, []string{"kind"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
