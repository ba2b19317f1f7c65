package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Events handed to the broker or outbox, by stream and result.",
		},
		[]string{"stream", "result"},
	)
	publishLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "event_publish_duration_seconds",
			Help:    "Broker send latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stream"},
	)
	eventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_consumed_total",
			Help: "Consumed events by group and outcome.",
		},
		[]string{"group", "event_type", "outcome"},
	)
	deadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_letters_total",
			Help: "Messages moved to dead-letter storage.",
		},
		[]string{"group", "reason"},
	)
	concurrencyConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregate_concurrency_conflicts_total",
			Help: "Optimistic version conflicts on aggregate save.",
		},
		[]string{"aggregate_type"},
	)
	tenantProvisioning = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_provisioning_total",
			Help: "Tenant namespace provisioning runs by final state and result.",
		},
		[]string{"state", "result"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
	outboxBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbox_events",
			Help: "Outbox rows by status.",
		},
		[]string{"status"},
	)
)

func Register() {
	prometheus.MustRegister(httpRequests, httpLatency, kafkaConsumerLag, eventsPublished, publishLatency, eventsConsumed, deadLetters, concurrencyConflicts, tenantProvisioning, influxWriteFailures, asynqQueueDepth, outboxBacklog)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncPublished(stream string, result string) {
	eventsPublished.WithLabelValues(stream, result).Inc()
}

func ObservePublishLatency(stream string, d time.Duration) {
	publishLatency.WithLabelValues(stream).Observe(d.Seconds())
}

func IncConsumed(group string, eventType string, outcome string) {
	eventsConsumed.WithLabelValues(group, eventType, outcome).Inc()
}

func IncDeadLetter(group string, reason string) {
	deadLetters.WithLabelValues(group, reason).Inc()
}

func IncConcurrencyConflict(aggregateType string) {
	concurrencyConflicts.WithLabelValues(aggregateType).Inc()
}

func IncTenantProvisioning(state string, result string) {
	tenantProvisioning.WithLabelValues(state, result).Inc()
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func SetOutboxBacklog(status string, n int) {
	outboxBacklog.WithLabelValues(status).Set(float64(n))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
