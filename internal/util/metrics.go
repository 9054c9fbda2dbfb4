package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders materialized from paid payments",
	})

	DuplicateDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duplicate_deliveries_total",
		Help: "Messages recognized as redeliveries and skipped",
	}, []string{"consumer"})

	PaymentFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_failed_total",
		Help: "Total number of failed payment events",
	})

	StockBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_batch_size",
		Help:    "Number of stock-decrease messages handled per batch",
		Buckets: []float64{1, 5, 10, 50, 100, 250, 500},
	})

	StockDecrementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_decrements_total",
		Help: "Per-item stock decrement outcomes",
	}, []string{"outcome"})

	StockDecreaseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_decrease_latency_seconds",
		Help:    "Latency of one order's batch decrement",
		Buckets: prometheus.DefBuckets,
	})

	CompensationsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compensations_emitted_total",
		Help: "Total number of compensation events emitted",
	}, []string{"reason"})

	CompensationsHandledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compensations_handled_total",
		Help: "Total number of compensation events handled",
	}, []string{"result"})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Order status transitions by target and result",
	}, []string{"to", "result"})

	CarrierPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carrier_polls_total",
		Help: "Carrier status polls by result",
	}, []string{"result"})

	ShippingSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shipping_sweep_duration_seconds",
		Help:    "Duration of one shipping reconciliation sweep",
		Buckets: prometheus.DefBuckets,
	})

	SchedulerSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_skipped_runs_total",
		Help: "Periodic runs skipped because the previous run was still active",
	}, []string{"task"})

	LockAcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lock_acquisitions_total",
		Help: "Distributed lock attempts by result",
	}, []string{"result"})

	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_lookups_total",
		Help: "Order view cache lookups by result",
	}, []string{"result"})

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
