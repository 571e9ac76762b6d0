package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
	KafkaFetchBackoff = time.Second
	KafkaMinBytes     = 10e3
	KafkaMaxBytes     = 10e6
)

const (
	DefaultHTTPTimeout = 10 * time.Second
)

const (
	DefaultKeyPrefix   = "relayq"
	DefaultQueueName   = "default"
	DefaultMongoDBName = "relayq"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultDeadLetterLimit = 100
	MaxDeadLetterLimit     = 1000
)

// Kafka headers attached to dead-lettered records.
const (
	HeaderDeadLetterReason = "x-relayq-dlq-reason"
	HeaderSourceTopic      = "x-relayq-source-topic"
	HeaderQueue            = "x-relayq-queue"
	HeaderDeadLetteredAt   = "x-relayq-dead-lettered-at"
	HeaderEventType        = "x-relayq-event-type"
)

const (
	ServiceRelay      = "relay-service"
	ServiceManagement = "management-service"
)
