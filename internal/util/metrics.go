package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CartsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carts_created_total",
		Help: "Total number of carts created",
	})

	CartsConvertedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carts_converted_total",
		Help: "Total number of carts whose main charge succeeded",
	})

	UpsellsConvertedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "upsells_converted_total",
		Help: "Total number of upsell charges that succeeded",
	})

	ReceiptsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "receipts_sent_total",
		Help: "Total number of buyer receipts delivered",
	})

	PaymentAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of payment provider calls attempted",
	})

	PaymentFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_failures_total",
		Help: "Total number of failed payment provider calls",
	}, []string{"op"})

	EventsRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_recorded_total",
		Help: "Total number of analytics events recorded",
	}, []string{"type"})

	EventsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_skipped_total",
		Help: "Total number of analytics events skipped before recording",
	}, []string{"reason"})

	QuotaRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quota_rejections_total",
		Help: "Total number of events rejected by the monthly usage quota",
	})

	SinkFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sink_failures_total",
		Help: "Total number of fan-out sink failures",
	}, []string{"sink"})

	TasksProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_processed_total",
		Help: "Total number of queue tasks processed",
	}, []string{"type", "status"})

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
