package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	QueueOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_queue_operations_total",
			Help: "Total number of queue operations by outcome (count)",
		},
		[]string{"queue", "operation", "status"},
	)

	QueueOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayq_queue_operation_duration_ms",
			Help:    "Duration of queue operations in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"queue", "operation"},
	)

	QueueSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayq_queue_size",
			Help: "Number of messages per queue collection (count)",
		},
		[]string{"queue", "state"},
	)

	QueueRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_queue_retries_total",
			Help: "Total number of messages requeued after a failed delivery (count)",
		},
		[]string{"queue"},
	)

	DeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_dead_lettered_total",
			Help: "Total number of messages moved to the dead letter collection (count)",
		},
		[]string{"queue", "reason"},
	)

	BufferUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayq_buffer_utilization",
			Help: "Buffer fill ratio (ratio, 0.0 to 1.0)",
		},
		[]string{"buffer"},
	)

	BufferBackpressureWaitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_buffer_backpressure_waits_total",
			Help: "Total number of times a put waited on a full buffer (count)",
		},
		[]string{"buffer"},
	)

	BatchMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_batch_messages_total",
			Help: "Total number of messages handled by the batch processor (count)",
		},
		[]string{"status"},
	)

	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relayq_batch_size",
			Help:    "Number of messages per processed batch (count)",
			Buckets: []float64{1, 2, 5, 10, 15, 20, 50},
		},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayq_handler_duration_ms",
			Help:    "Handler invocation latency in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"status"},
	)

	HandlersInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayq_handlers_in_flight",
			Help: "Number of handler invocations currently running (count)",
		},
	)

	ControllerParameter = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayq_controller_parameter",
			Help: "Current adaptive control parameter value (window in seconds)",
		},
		[]string{"parameter"},
	)

	ControllerSample = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayq_controller_sample",
			Help: "Most recent cycle metric observed by the adaptive controller",
		},
		[]string{"metric"},
	)

	ControllerDegradedCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relayq_controller_degraded_cycles_total",
			Help: "Total number of cycles whose error rate exceeded the error threshold (count)",
		},
	)

	ConsumerCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_consumer_cycles_total",
			Help: "Total number of consumer cycles by outcome (count)",
		},
		[]string{"queue", "status"},
	)

	ConsumerCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayq_consumer_cycle_duration_ms",
			Help:    "Duration of a consumer cycle (fill and process) in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"queue"},
	)

	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_store_operations_total",
			Help: "Total number of message store calls (count)",
		},
		[]string{"backend", "operation", "status"},
	)

	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayq_store_operation_duration_ms",
			Help:    "Duration of message store calls in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"backend", "operation"},
	)

	DeadLetterSinkTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_dead_letter_sink_total",
			Help: "Total number of dead letters delivered to a sink (count)",
		},
		[]string{"sink", "status"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "operation"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests (count)",
		},
		[]string{"method", "route", "status"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_message_size_bytes",
			Help:    "Size of Kafka messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"service", "topic", "direction"},
	)

	KafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag (difference between latest offset and committed offset) (count)",
		},
		[]string{"service", "topic", "partition"},
	)

	KafkaReadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_read_duration_ms",
			Help:    "Duration of reading messages from Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)
)

func RegisterQueueMetrics() {
	prometheus.MustRegister(QueueOperationsTotal)
	prometheus.MustRegister(QueueOperationDuration)
	prometheus.MustRegister(QueueSize)
	prometheus.MustRegister(QueueRetriesTotal)
	prometheus.MustRegister(DeadLetteredTotal)
	prometheus.MustRegister(DeadLetterSinkTotal)
	prometheus.MustRegister(StoreOperationsTotal)
	prometheus.MustRegister(StoreOperationDuration)
}

func RegisterProcessingMetrics() {
	prometheus.MustRegister(BufferUtilization)
	prometheus.MustRegister(BufferBackpressureWaitsTotal)
	prometheus.MustRegister(BatchMessagesTotal)
	prometheus.MustRegister(BatchSize)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(HandlersInFlight)
	prometheus.MustRegister(ConsumerCyclesTotal)
	prometheus.MustRegister(ConsumerCycleDuration)
}

func RegisterControllerMetrics() {
	prometheus.MustRegister(ControllerParameter)
	prometheus.MustRegister(ControllerSample)
	prometheus.MustRegister(ControllerDegradedCyclesTotal)
}

func RegisterBrokerMetrics() {
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(DLQMessagesTotal)
	prometheus.MustRegister(KafkaMessagesReadTotal)
	prometheus.MustRegister(KafkaMessagesWrittenTotal)
	prometheus.MustRegister(KafkaMessageSizeBytes)
	prometheus.MustRegister(KafkaConsumerLag)
	prometheus.MustRegister(KafkaReadDuration)
	prometheus.MustRegister(KafkaWriteDuration)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func RegisterManagementMetrics() {
	prometheus.MustRegister(RateLimitRequestsTotal)
	prometheus.MustRegister(HTTPRequestsTotal)
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func ObserveQueueOperation(queue, operation, status string, duration time.Duration) {
	QueueOperationsTotal.WithLabelValues(queue, operation, status).Inc()
	QueueOperationDuration.WithLabelValues(queue, operation).Observe(milliseconds(duration))
}

func SetQueueSize(queue string, pending, processing, deadLetter int) {
	QueueSize.WithLabelValues(queue, "pending").Set(float64(pending))
	QueueSize.WithLabelValues(queue, "processing").Set(float64(processing))
	QueueSize.WithLabelValues(queue, "dead_letter").Set(float64(deadLetter))
}

func IncQueueRetry(queue string) {
	QueueRetriesTotal.WithLabelValues(queue).Inc()
}

func IncDeadLettered(queue, reason string) {
	DeadLetteredTotal.WithLabelValues(queue, reason).Inc()
}

func SetBufferUtilization(buffer string, utilization float64) {
	BufferUtilization.WithLabelValues(buffer).Set(utilization)
}

func IncBackpressureWait(buffer string) {
	BufferBackpressureWaitsTotal.WithLabelValues(buffer).Inc()
}

func ObserveHandler(status string, duration time.Duration) {
	BatchMessagesTotal.WithLabelValues(status).Inc()
	HandlerDuration.WithLabelValues(status).Observe(milliseconds(duration))
}

func ObserveBatchSize(size int) {
	BatchSize.Observe(float64(size))
}

func SetControllerParameters(window time.Duration, batchSize, concurrentLimit int, errorThreshold float64) {
	ControllerParameter.WithLabelValues("processing_window").Set(window.Seconds())
	ControllerParameter.WithLabelValues("batch_size").Set(float64(batchSize))
	ControllerParameter.WithLabelValues("concurrent_limit").Set(float64(concurrentLimit))
	ControllerParameter.WithLabelValues("error_threshold").Set(errorThreshold)
}

func SetControllerSample(quality, reliability, throughput float64, errorCount int) {
	ControllerSample.WithLabelValues("quality").Set(quality)
	ControllerSample.WithLabelValues("reliability").Set(reliability)
	ControllerSample.WithLabelValues("throughput").Set(throughput)
	ControllerSample.WithLabelValues("error_count").Set(float64(errorCount))
}

func ObserveConsumerCycle(queue, status string, duration time.Duration) {
	ConsumerCyclesTotal.WithLabelValues(queue, status).Inc()
	ConsumerCycleDuration.WithLabelValues(queue).Observe(milliseconds(duration))
}

func ObserveStoreOperation(backend, operation, status string, duration time.Duration) {
	StoreOperationsTotal.WithLabelValues(backend, operation, status).Inc()
	StoreOperationDuration.WithLabelValues(backend, operation).Observe(milliseconds(duration))
}

func IncDeadLetterSink(sink, status string) {
	DeadLetterSinkTotal.WithLabelValues(sink, status).Inc()
}

func IncKafkaMessagesRead(service, topic string) {
	KafkaMessagesReadTotal.WithLabelValues(service, topic).Inc()
}

func IncKafkaMessagesWritten(service, topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(service, topic).Inc()
}

func ObserveKafkaMessageSize(service, topic, direction string, sizeBytes int) {
	KafkaMessageSizeBytes.WithLabelValues(service, topic, direction).Observe(float64(sizeBytes))
}

func SetKafkaConsumerLag(service, topic string, partition int, lag int64) {
	KafkaConsumerLag.WithLabelValues(service, topic, fmt.Sprintf("%d", partition)).Set(float64(lag))
}

func ObserveKafkaReadDuration(service, topic string, duration time.Duration) {
	KafkaReadDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func ObserveKafkaWriteDuration(service, topic string, duration time.Duration) {
	KafkaWriteDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func StatusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
