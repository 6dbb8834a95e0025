package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"octopusspain/internal/coordinator"
	"octopusspain/internal/kraken"
)

// Refresh results used as the "result" label.
const (
	ResultSuccess   = "success"
	ResultAuthError = "auth_error"
	ResultError     = "error"
)

// Recorder counts refresh passes and their durations from coordinator events.
type Recorder struct {
	passes   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewRecorder creates the refresh metrics. They are not registered yet.
func NewRecorder() *Recorder {
	return &Recorder{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Refresh passes by tier and result",
		}, []string{"tier", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Refresh pass duration",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"tier"}),
	}
}

// Observe records one pass. It is a coordinator.Handler.
func (r *Recorder) Observe(e coordinator.Event) {
	tier := string(e.Tier)
	result := ResultSuccess
	switch {
	case kraken.IsAuthError(e.Err):
		result = ResultAuthError
	case e.Err != nil:
		result = ResultError
	}
	r.passes.WithLabelValues(tier, result).Inc()
	r.duration.WithLabelValues(tier).Observe(e.Duration.Seconds())
}

// Register adds the collector and the refresh metrics to reg.
func Register(reg prometheus.Registerer, collector *Collector, recorder *Recorder) error {
	return multierr.Combine(
		reg.Register(collector),
		reg.Register(recorder.passes),
		reg.Register(recorder.duration),
	)
}
