package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CapturesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidence_captures_ingested_total",
			Help: "Total number of capture manifests ingested from the spool",
		},
		[]string{"path"},
	)
	CapturesIngestedErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidence_captures_ingested_errors_total",
			Help: "Total number of capture manifest ingestion errors",
		},
		[]string{"path"},
	)
	CapturesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidence_captures_processed_total",
			Help: "Total number of captures fully uploaded and certified",
		},
		[]string{"capture_id"},
	)
	ChunksChained = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidence_chunks_chained_total",
			Help: "Total number of chunks hashed into a capture chain",
		},
		[]string{"capture_id"},
	)
	PartsUploaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidence_parts_uploaded_total",
			Help: "Total number of multipart upload parts acknowledged by storage",
		},
		[]string{"capture_id"},
	)
	PartUploadErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidence_parts_uploaded_errors_total",
			Help: "Total number of part uploads that exhausted their retry budget",
		},
		[]string{"capture_id"},
	)
	BytesUploaded = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "evidence_bytes_uploaded",
			Help: "Size distribution of uploaded parts in bytes",
		},
		[]string{"capture_id"},
	)
	CertificationsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidence_certifications_finished_total",
			Help: "Total number of certifications by terminal outcome",
		},
		[]string{"outcome"},
	)
	CertificationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evidence_certification_duration_seconds",
			Help:    "Wall-clock duration of certification attempts",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"outcome"},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evidence_circuit_breaker_state",
			Help: "Circuit breaker state per service (0 closed, 1 half-open, 2 open)",
		},
		[]string{"service"},
	)
)

func init() {
	prometheus.MustRegister(CapturesIngested)
	prometheus.MustRegister(CapturesIngestedErrors)
	prometheus.MustRegister(CapturesProcessed)
	prometheus.MustRegister(ChunksChained)
	prometheus.MustRegister(PartsUploaded)
	prometheus.MustRegister(PartUploadErrors)
	prometheus.MustRegister(BytesUploaded)
	prometheus.MustRegister(CertificationsFinished)
	prometheus.MustRegister(CertificationDuration)
	prometheus.MustRegister(BreakerState)
}
