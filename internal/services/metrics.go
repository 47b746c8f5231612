package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// eventsTotal counts handled events by class and outcome.
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nostrchat_events_total",
			Help: "Relay events handled by the dispatcher.",
		},
		[]string{"class", "outcome"},
	)

	// dmRowsTotal counts persisted direct-message rows by direction.
	dmRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nostrchat_dm_rows_total",
			Help: "Direct-message rows persisted.",
		},
		[]string{"direction"},
	)

	// eventDuration records per-event handling time.
	eventDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nostrchat_event_duration_seconds",
			Help:    "Time spent handling one relay event.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"class"},
	)

	subscribedPubkeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nostrchat_subscribed_pubkeys",
			Help: "Public keys covered by the current relay subscription.",
		},
	)

	// profileFetchTotal counts one-shot profile subscriptions by result
	// (requested, throttled, error).
	profileFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nostrchat_profile_fetch_total",
			Help: "One-shot profile fetches for newly discovered peers.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(eventsTotal, dmRowsTotal, eventDuration, subscribedPubkeys, profileFetchTotal)
}
