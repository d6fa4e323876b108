package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	qatrack_errors "qatrack/pkg/errors"
)

// Operation names used as label values.
const (
	OpInitialize = "initialize"
	OpComplete   = "complete"
	OpAbort      = "abort"
	OpDownload   = "download_url"
	OpDelete     = "delete"
	OpSweep      = "sweep"
)

// Recorder captures telemetry for the upload protocol.
type Recorder interface {
	ObserveOperation(op string, duration time.Duration, err error)
	AddCompletedBytes(n int64)
	AddSweptUploads(n int)
}

type PrometheusRecorder struct {
	duration    *prometheus.HistogramVec
	outcomes    *prometheus.CounterVec
	bytes       prometheus.Counter
	sweptTotals prometheus.Counter
}

// NewPrometheusRecorder registers the upload metrics on reg (the default registerer when nil).
func NewPrometheusRecorder(namespace string, reg prometheus.Registerer) (*PrometheusRecorder, error) {
	if namespace == "" {
		namespace = "qatrack_uploads"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &PrometheusRecorder{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of upload orchestrator operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Upload orchestrator operations by outcome.",
		}, []string{"operation", "outcome"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completed_bytes_total",
			Help:      "Bytes of attachments assembled by completed uploads.",
		}),
		sweptTotals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_uploads_total",
			Help:      "Stale multipart uploads aborted by the sweeper.",
		}),
	}

	collectors := []prometheus.Collector{r.duration, r.outcomes, r.bytes, r.sweptTotals}
	for i, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				collectors[i] = are.ExistingCollector
				continue
			}
			return nil, fmt.Errorf("register upload metric: %w", err)
		}
	}
	r.duration = collectors[0].(*prometheus.HistogramVec)
	r.outcomes = collectors[1].(*prometheus.CounterVec)
	r.bytes = collectors[2].(prometheus.Counter)
	r.sweptTotals = collectors[3].(prometheus.Counter)
	return r, nil
}

func (r *PrometheusRecorder) ObserveOperation(op string, duration time.Duration, err error) {
	if r == nil {
		return
	}
	r.duration.WithLabelValues(op).Observe(duration.Seconds())
	r.outcomes.WithLabelValues(op, Outcome(err)).Inc()
}

func (r *PrometheusRecorder) AddCompletedBytes(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.bytes.Add(float64(n))
}

func (r *PrometheusRecorder) AddSweptUploads(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.sweptTotals.Add(float64(n))
}

// Outcome turns an operation error into a low cardinality label.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch qatrack_errors.KindOf(err) {
	case qatrack_errors.KindValidation:
		return "validation"
	case qatrack_errors.KindSessionState:
		return "session_state"
	case qatrack_errors.KindNotFound:
		return "not_found"
	default:
		return "backend_unavailable"
	}
}

type NopRecorder struct{}

func (NopRecorder) ObserveOperation(string, time.Duration, error) {}
func (NopRecorder) AddCompletedBytes(int64)                       {}
func (NopRecorder) AddSweptUploads(int)                           {}
