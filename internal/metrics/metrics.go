// Package metrics implements model.MetricsRecorder with Prometheus
// collectors, adapting the teacher's promauto-based metrics wiring to the
// engine's four observable quantities: recipient outcomes, SMTP session
// outcomes, worker send_email passes, and retry queue depth.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/posthorn/posthorn/internal/model"
)

// Recorder is a Prometheus-backed model.MetricsRecorder.
type Recorder struct {
	recipientResults *prometheus.CounterVec
	smtpAttempts     *prometheus.CounterVec
	workerLoops      prometheus.Counter
	queueDepth       prometheus.Gauge
}

// New registers the engine's collectors with reg and returns a Recorder.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		recipientResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posthorn",
			Subsystem: "delivery",
			Name:      "recipient_results_total",
			Help:      "Recipient delivery outcomes by state.",
		}, []string{"state"}),
		smtpAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posthorn",
			Subsystem: "delivery",
			Name:      "smtp_attempts_total",
			Help:      "SMTP session outcomes by stage (dial_error, starttls_failed, delivered, ...).",
		}, []string{"outcome"}),
		workerLoops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "posthorn",
			Subsystem: "worker",
			Name:      "loop_iterations_total",
			Help:      "Total number of worker send_email passes.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "posthorn",
			Subsystem: "worker",
			Name:      "retry_queue_depth",
			Help:      "Number of messages currently scheduled for a future attempt.",
		}),
	}
}

func (r *Recorder) RecipientResult(state model.ResultState) {
	r.recipientResults.WithLabelValues(state.String()).Inc()
}

func (r *Recorder) SMTPAttempt(outcome string) {
	r.smtpAttempts.WithLabelValues(outcome).Inc()
}

func (r *Recorder) WorkerLoop() {
	r.workerLoops.Inc()
}

func (r *Recorder) QueueDepth(n int) {
	r.queueDepth.Set(float64(n))
}

var _ model.MetricsRecorder = (*Recorder)(nil)
