package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector mirrors emitted metrics into a private Prometheus registry.
//
// Exposed series:
//
//	coinlink_state_transitions_total{to}
//	coinlink_connection_state{state}
//	coinlink_topic_updates_total{topic}
//	coinlink_errors_total{component,kind}
//	coinlink_stream_records_total{outcome}
//	coinlink_stream_duration_seconds{outcome}
//	coinlink_feedback_total{outcome}
//	go_* and process_* runtime metrics
type Collector struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	state       *prometheus.GaugeVec
	updates     *prometheus.CounterVec
	errors      *prometheus.CounterVec
	records     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	feedback    *prometheus.CounterVec
	id          MetricHandlerID
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinlink_state_transitions_total",
			Help: "Connection state transitions by target state",
		}, []string{"to"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coinlink_connection_state",
			Help: "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinlink_topic_updates_total",
			Help: "Decoded push updates by topic",
		}, []string{"topic"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinlink_errors_total",
			Help: "Errors surfaced to callers by kind",
		}, []string{"component", "kind"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinlink_stream_records_total",
			Help: "Records received on streaming answers",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coinlink_stream_duration_seconds",
			Help:    "Wall time of streaming answers",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		}, []string{"outcome"}),
		feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinlink_feedback_total",
			Help: "Feedback submissions",
		}, []string{"outcome"}),
	}
	c.registry.MustRegister(
		c.transitions, c.state, c.updates, c.errors, c.records, c.duration, c.feedback,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Attach starts mirroring emitted metrics. It is safe to call once.
func (c *Collector) Attach() {
	if c.id == 0 {
		c.id = RegisterMetricHandler(c.observe)
	}
}

func (c *Collector) Detach() {
	UnregisterMetricHandler(c.id)
	c.id = 0
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry is exposed for tests and for callers that add their own series.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) observe(m Metric) {
	label := func(key string) string {
		if v, ok := m.Fields[key]; ok {
			return fmt.Sprint(v)
		}
		return ""
	}

	switch m.Name {
	case stateTransitionMetric:
		c.transitions.WithLabelValues(label("to")).Inc()
		if from := label("from"); from != "" {
			c.state.WithLabelValues(from).Set(0)
		}
		c.state.WithLabelValues(label("to")).Set(1)
	case topicUpdateMetric:
		c.updates.WithLabelValues(label("topic")).Inc()
	case errorMetric:
		c.errors.WithLabelValues(m.Component, label("kind")).Inc()
	case streamRecordsMetric:
		if n, ok := toFloat64(m.Value); ok {
			c.records.WithLabelValues(label("outcome")).Add(n)
		}
	case streamDurationMetric:
		if d, ok := m.Value.(time.Duration); ok {
			c.duration.WithLabelValues(label("outcome")).Observe(d.Seconds())
		}
	case feedbackMetric:
		c.feedback.WithLabelValues(label("outcome")).Inc()
	}
}
