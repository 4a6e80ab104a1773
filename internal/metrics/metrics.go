package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prediction outcomes.
const (
	OutcomeSuccess           = "success"
	OutcomeCacheHit          = "cache_hit"
	OutcomeNoFilename        = "no_filename"
	OutcomeNotFound          = "not_found"
	OutcomeUnsupportedFormat = "unsupported_format"
	OutcomeError             = "error"
)

// Metrics groups the service's Prometheus collectors.
type Metrics struct {
	predictions     *prometheus.CounterVec
	predictedClass  *prometheus.CounterVec
	classifyLatency prometheus.Histogram
	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	uploadsSwept    prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "icba_predictions_total",
			Help: "Classification attempts by outcome.",
		}, []string{"outcome"}),
		predictedClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "icba_predicted_class_total",
			Help: "Successful classifications by class index.",
		}, []string{"class"}),
		classifyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "icba_classify_duration_seconds",
			Help:    "Time spent decoding, scoring and cleaning up one upload.",
			Buckets: prometheus.DefBuckets,
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"path", "method", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
		uploadsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "icba_uploads_swept_total",
			Help: "Abandoned uploads removed by the janitor.",
		}),
	}
	reg.MustRegister(m.predictions, m.predictedClass, m.classifyLatency, m.requests, m.requestLatency, m.uploadsSwept)
	return m
}

// ObservePrediction records the outcome of one classify call. class is only
// counted for successful outcomes.
func (m *Metrics) ObservePrediction(outcome string, class int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(outcome).Inc()
	m.classifyLatency.Observe(elapsed.Seconds())
	if (outcome == OutcomeSuccess || outcome == OutcomeCacheHit) && class >= 0 {
		m.predictedClass.WithLabelValues(strconv.Itoa(class)).Inc()
	}
}

// ObserveRequest records one HTTP request. path should be the route pattern,
// not the raw URL, to keep label cardinality bounded.
func (m *Metrics) ObserveRequest(path, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	m.requestLatency.WithLabelValues(path).Observe(elapsed.Seconds())
}

// AddSwept counts uploads removed by the janitor.
func (m *Metrics) AddSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.uploadsSwept.Add(float64(n))
}
