package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "haulsync_http_requests_total",
		Help: "Total HTTP requests by route and status",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "haulsync_http_request_duration_seconds",
		Help:    "Request latency by route",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "route"})

	deliveriesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haulsync_deliveries_created_total",
		Help: "Deliveries committed against a booking allocation",
	})

	checkpointsAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haulsync_checkpoints_appended_total",
		Help: "Checkpoints appended to delivery logs",
	})

	allocationRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haulsync_allocation_rejections_total",
		Help: "Reservations rejected for insufficient remaining tonnage",
	})

	notificationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haulsync_notification_failures_total",
		Help: "Committed transitions whose notification dispatch failed",
	})

	idExhaustionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haulsync_id_exhaustion_total",
		Help: "Create requests that exhausted the tracking id retry bound",
	})
)
