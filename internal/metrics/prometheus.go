// Package metrics implements the outbox MetricsCollector on Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector records dispatcher observations as Prometheus metrics.
type PrometheusCollector struct {
	eventsProcessed *prometheus.CounterVec
	publishAttempts *prometheus.CounterVec
	batchSize       prometheus.Histogram
	batchDuration   prometheus.Histogram
	outboxLag       prometheus.Gauge
}

// NewPrometheusCollector creates and registers the outbox metrics on reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "events_processed_total",
			Help:      "Outbox events processed by the dispatcher, by event type and outcome.",
		}, []string{"event_type", "success"}),
		publishAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "publish_attempts_total",
			Help:      "Broker publish attempts, by event type and outcome.",
		}, []string{"event_type", "success"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "outbox",
			Name:      "batch_size",
			Help:      "Number of records leased per dispatch cycle.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250},
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "outbox",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one dispatch cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		outboxLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "outbox",
			Name:      "pending_records",
			Help:      "Records awaiting dispatch.",
		}),
	}

	reg.MustRegister(
		c.eventsProcessed,
		c.publishAttempts,
		c.batchSize,
		c.batchDuration,
		c.outboxLag,
	)
	return c
}

func (c *PrometheusCollector) RecordEventProcessed(eventType string, success bool, duration time.Duration) {
	c.eventsProcessed.WithLabelValues(eventType, strconv.FormatBool(success)).Inc()
}

func (c *PrometheusCollector) RecordBatchProcessed(count int, duration time.Duration) {
	c.batchSize.Observe(float64(count))
	c.batchDuration.Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordOutboxLag(pending int) {
	c.outboxLag.Set(float64(pending))
}

func (c *PrometheusCollector) RecordPublishAttempt(eventType string, attempt int, success bool) {
	c.publishAttempts.WithLabelValues(eventType, strconv.FormatBool(success)).Inc()
}
