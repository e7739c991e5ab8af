package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every vehiclecheck collector and is served at /metrics
var Registry = prometheus.NewRegistry()

var (
	// RefreshTotal counts refresh outcomes.
	// result: success/auth_failure/rate_limited/unknown
	RefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vehiclecheck_refresh_total",
			Help: "Total number of vehicle lookups by outcome.",
		},
		[]string{"registration", "result"},
	)

	// RefreshLatency records how long the upstream lookup took
	RefreshLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vehiclecheck_refresh_latency_seconds",
			Help:    "Latency of vehicle lookups against the DVLA API.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"registration"},
	)

	// LastSuccess is the unix time of the last successful refresh
	LastSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vehiclecheck_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful lookup.",
		},
		[]string{"registration"},
	)

	// CalendarEventsCreated counts reminders written to calendars
	CalendarEventsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vehiclecheck_calendar_events_created_total",
			Help: "Total number of reminder events created.",
		},
		[]string{"calendar", "reminder"},
	)

	// CalendarOperationsFailed counts reconciliation attempts that were not completed.
	// reason: tolerated/error
	CalendarOperationsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vehiclecheck_calendar_operations_failed_total",
			Help: "Total number of calendar reconciliations that did not complete.",
		},
		[]string{"calendar", "reminder", "reason"},
	)
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	Registry.MustRegister(RefreshTotal)
	Registry.MustRegister(RefreshLatency)
	Registry.MustRegister(LastSuccess)
	Registry.MustRegister(CalendarEventsCreated)
	Registry.MustRegister(CalendarOperationsFailed)
}
