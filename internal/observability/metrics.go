package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SamplesAccepted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_agent", Name: "location_samples_accepted_total", Help: "Location samples accepted by the telemetry loop"})
	SamplesThrottled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_agent", Name: "location_samples_throttled_total", Help: "Location samples dropped by interval or movement throttling"})

	UploadsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_agent", Name: "location_uploads_total", Help: "Successful location upserts"})
	UploadRetries  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_agent", Name: "location_upload_retries_total", Help: "Location upsert retry attempts"})
	UploadFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_agent", Name: "location_upload_failures_total", Help: "Location upserts abandoned after exhausting retries"})

	OffersAdmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_agent", Name: "offers_admitted_total", Help: "Offers installed as the current offer"})
	OffersDropped  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_agent", Name: "offers_dropped_total", Help: "Offers rejected by the admission rule"},
		[]string{"reason"},
	)

	AcceptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_agent", Name: "accepts_total", Help: "Accept attempts by outcome"},
		[]string{"outcome"},
	)

	Available = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "driver_agent", Name: "available", Help: "Whether the driver is currently available (1) or not (0)"})

	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_agent", Name: "stream_events_total", Help: "Ride lifecycle events delivered by the offer channel"},
		[]string{"kind"},
	)
)
