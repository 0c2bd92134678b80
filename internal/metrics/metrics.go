package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	jobs             *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	chunksEmbedded   prometheus.Counter
	batchFailures    prometheus.Counter
	partialEmbedding prometheus.Counter
	staleRequeued    prometheus.Counter
	searches         *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbflow",
			Name:      "jobs_processed_total",
			Help:      "Pipeline jobs processed by type and outcome.",
		}, []string{"type", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kbflow",
			Name:      "job_duration_seconds",
			Help:      "Time spent running one pipeline job.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"type"}),
		chunksEmbedded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kbflow",
			Name:      "chunks_embedded_total",
			Help:      "Chunks that received an embedding.",
		}),
		batchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kbflow",
			Name:      "embed_batch_failures_total",
			Help:      "Embedding batches that failed and were skipped.",
		}),
		partialEmbedding: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kbflow",
			Name:      "embed_incomplete_versions_total",
			Help:      "Embed jobs that finished with chunks still missing embeddings.",
		}),
		staleRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kbflow",
			Name:      "jobs_stale_requeued_total",
			Help:      "Running jobs returned to pending after their lease went stale.",
		}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbflow",
			Name:      "vector_searches_total",
			Help:      "Vector searches by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.jobs, m.jobDuration, m.chunksEmbedded, m.batchFailures, m.partialEmbedding, m.staleRequeued, m.searches)
	}
	return m
}

func (m *Metrics) JobDone(jobType, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(jobType, outcome).Inc()
	m.jobDuration.WithLabelValues(jobType).Observe(took.Seconds())
}

func (m *Metrics) ChunksEmbedded(n int) {
	if m == nil {
		return
	}
	m.chunksEmbedded.Add(float64(n))
}

func (m *Metrics) EmbedBatchFailed() {
	if m == nil {
		return
	}
	m.batchFailures.Inc()
}

func (m *Metrics) EmbedIncomplete() {
	if m == nil {
		return
	}
	m.partialEmbedding.Inc()
}

func (m *Metrics) StaleRequeued(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.staleRequeued.Add(float64(n))
}

func (m *Metrics) Search(outcome string) {
	if m == nil {
		return
	}
	m.searches.WithLabelValues(outcome).Inc()
}
