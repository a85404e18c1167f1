package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "taskworker"

// Исходы попытки обработки для метрик.
const (
	OutcomeCompleted   = "completed"
	OutcomeRetried     = "retried"
	OutcomeDeadLetter  = "dead_letter"
	OutcomeAbandoned   = "abandoned"
	OutcomeMalformed   = "malformed"
	OutcomeDuplicate   = "duplicate"
	OutcomeApplyFailed = "apply_failed"
)

// Metrics — Prometheus метрики воркера.
//
// Все методы безопасны для nil-получателя: воркер можно собрать без метрик.
type Metrics struct {
	received   *prometheus.CounterVec
	outcomes   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inFlight   *prometheus.GaugeVec
	pollErrors *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
	published  *prometheus.CounterVec
}

// NewMetrics создаёт и регистрирует метрики в reg.
// reg == nil — регистрация в prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received from the queue",
		}, []string{"queue"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Terminal outcomes of processing attempts",
		}, []string{"queue", "task_type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_processing_seconds",
			Help:      "Handler processing time",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"queue", "task_type"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "messages_in_flight",
			Help:      "Messages currently dispatched to handlers",
		}, []string{"queue"}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Failed receive calls",
		}, []string{"queue"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_messages",
			Help:      "Approximate number of messages in the queue by state",
		}, []string{"queue", "state"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Messages published by the dispatcher",
		}, []string{"routing_key"}),
	}

	reg.MustRegister(m.received, m.outcomes, m.duration, m.inFlight, m.pollErrors, m.queueDepth, m.published)
	return m
}

// Received учитывает полученные сообщения.
func (m *Metrics) Received(queue string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.received.WithLabelValues(queue).Add(float64(n))
}

// Outcome учитывает исход попытки.
func (m *Metrics) Outcome(queue, taskType, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(queue, taskType, outcome).Inc()
}

// ObserveDuration записывает время обработки.
func (m *Metrics) ObserveDuration(queue, taskType string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(queue, taskType).Observe(d.Seconds())
}

// SetInFlight выставляет число сообщений в обработке.
func (m *Metrics) SetInFlight(queue string, n int64) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(queue).Set(float64(n))
}

// PollError учитывает неудачный receive.
func (m *Metrics) PollError(queue string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(queue).Inc()
}

// SetQueueDepth выставляет атрибуты очереди.
func (m *Metrics) SetQueueDepth(queue string, visible, inFlight, delayed int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue, "visible").Set(float64(visible))
	m.queueDepth.WithLabelValues(queue, "in_flight").Set(float64(inFlight))
	m.queueDepth.WithLabelValues(queue, "delayed").Set(float64(delayed))
}

// Published учитывает опубликованные сообщения.
func (m *Metrics) Published(routingKey string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(routingKey).Inc()
}
