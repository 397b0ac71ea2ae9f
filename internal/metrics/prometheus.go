// Package metrics provides Prometheus metrics for the extraction state engine.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/johndauphine/pipeline-state/internal/checkpoint"
	"github.com/johndauphine/pipeline-state/internal/state"
)

const namespace = "pipeline_state"

// Metrics holds all engine metrics and implements state.Recorder.
type Metrics struct {
	// Counters
	ExtractionsStarted  *prometheus.CounterVec
	ExtractionsFinished *prometheus.CounterVec
	RecordsExtracted    *prometheus.CounterVec
	GateDecisions       *prometheus.CounterVec
	CheckpointErrors    prometheus.Counter
	PipelinesFinished   *prometheus.CounterVec

	// Gauges
	ActiveExtractions prometheus.Gauge

	// Histograms
	ExtractionDuration *prometheus.HistogramVec
	CheckpointDuration prometheus.Histogram

	registry *prometheus.Registry
	enabled  bool
}

var _ state.Recorder = (*Metrics)(nil)

// New creates the metrics set. When disabled every recording method is a no-op.
func New(enabled bool) *Metrics {
	m := &Metrics{
		enabled:  enabled,
		registry: prometheus.NewRegistry(),
	}
	if !enabled {
		return m
	}

	m.ExtractionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extractions_started_total",
			Help:      "Extraction attempts started by table",
		},
		[]string{"table"},
	)

	m.ExtractionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extractions_finished_total",
			Help:      "Extractions reaching a terminal status",
		},
		[]string{"table", "status"}, // completed, failed, skipped
	)

	m.RecordsExtracted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_extracted_total",
			Help:      "Records written by successful extractions",
		},
		[]string{"table"},
	)

	m.GateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Idempotency gate decisions by outcome and reason",
		},
		[]string{"decision", "reason"}, // extract/skip
	)

	m.CheckpointErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_errors_total",
			Help:      "State file writes that failed",
		},
	)

	m.PipelinesFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipelines_finished_total",
			Help:      "Pipelines finished by final status",
		},
		[]string{"status"},
	)

	m.ActiveExtractions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "extractions_active",
			Help:      "Extractions currently running",
		},
	)

	m.ExtractionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extraction_duration_seconds",
			Help:      "Duration of extraction attempts",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		},
		[]string{"status"},
	)

	m.CheckpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Time to write the state file",
			Buckets:   prometheus.DefBuckets,
		},
	)

	m.registry.MustRegister(
		m.ExtractionsStarted,
		m.ExtractionsFinished,
		m.RecordsExtracted,
		m.GateDecisions,
		m.CheckpointErrors,
		m.PipelinesFinished,
		m.ActiveExtractions,
		m.ExtractionDuration,
		m.CheckpointDuration,
	)
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and /health on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// IsEnabled returns true if metrics are enabled.
func (m *Metrics) IsEnabled() bool {
	return m.enabled
}

// ExtractionStarted implements state.Recorder.
func (m *Metrics) ExtractionStarted(tableKey string) {
	if !m.enabled {
		return
	}
	m.ExtractionsStarted.WithLabelValues(tableKey).Inc()
	m.ActiveExtractions.Inc()
}

// ExtractionFinished implements state.Recorder.
func (m *Metrics) ExtractionFinished(tableKey string, status checkpoint.ExtractionStatus, records int64, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.ExtractionsFinished.WithLabelValues(tableKey, string(status)).Inc()
	if status == checkpoint.ExtractionSkipped {
		return
	}
	m.ActiveExtractions.Dec()
	m.ExtractionDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	if records > 0 {
		m.RecordsExtracted.WithLabelValues(tableKey).Add(float64(records))
	}
}

// GateDecision implements state.Recorder.
func (m *Metrics) GateDecision(tableKey string, needed bool, reason string) {
	if !m.enabled {
		return
	}
	decision := "skip"
	if needed {
		decision = "extract"
	}
	m.GateDecisions.WithLabelValues(decision, reason).Inc()
}

// CheckpointWritten implements state.Recorder.
func (m *Metrics) CheckpointWritten(duration time.Duration, err error) {
	if !m.enabled {
		return
	}
	m.CheckpointDuration.Observe(duration.Seconds())
	if err != nil {
		m.CheckpointErrors.Inc()
	}
}

// PipelineFinished implements state.Recorder.
func (m *Metrics) PipelineFinished(status checkpoint.PipelineStatus) {
	if !m.enabled {
		return
	}
	m.PipelinesFinished.WithLabelValues(string(status)).Inc()
}
