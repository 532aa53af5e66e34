package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway metrics
var (
	SessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "phishguard_smtp_sessions_total",
			Help: "Total number of inbound SMTP sessions",
		},
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phishguard_messages_total",
			Help: "Total number of processed messages by label and delivery outcome",
		},
		[]string{"label", "delivery"},
	)

	MessageSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "phishguard_message_size_bytes",
			Help:    "Size of inbound messages in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "phishguard_pipeline_duration_seconds",
			Help:    "Duration of pipeline stages in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)
)

// Relay and storage metrics
var (
	RelayAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phishguard_relay_attempts_total",
			Help: "Total number of outbound relay attempts",
		},
		[]string{"result"},
	)

	ReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phishguard_releases_total",
			Help: "Total number of release requests",
		},
		[]string{"result"},
	)

	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phishguard_storage_errors_total",
			Help: "Total number of storage failures",
		},
		[]string{"operation"},
	)

	CorpusReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phishguard_corpus_reloads_total",
			Help: "Total number of attribution corpus reloads",
		},
		[]string{"result"},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phishguard_jobs_total",
			Help: "Total number of finished offline jobs",
		},
		[]string{"kind", "status"},
	)
)
