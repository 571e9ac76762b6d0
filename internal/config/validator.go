package config

import (
	"fmt"
	"strings"
	"time"
)

// Bounds the adaptive controller clamps its parameters to. Initial values
// outside them are rejected.
const (
	MinProcessingWindow = 50 * time.Millisecond
	MaxProcessingWindow = 200 * time.Millisecond
	MinBatchSize        = 5
	MaxBatchSize        = 20
	MinConcurrentLimit  = 3
	MaxConcurrentLimit  = 10
	MinErrorThreshold   = 0.1
	MaxErrorThreshold   = 0.4
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	validators := []func() error{
		func() error { return validateServer(cfg.Server) },
		func() error { return validateBroker(cfg.Broker) },
		func() error { return validateDatabase(cfg.Database) },
		func() error { return validateQueue(cfg.Queue, cfg.Database) },
		func() error { return validateBuffer(cfg.Buffer) },
		func() error { return validateConsumer(cfg.Consumer) },
		func() error { return validateController(cfg.Controller) },
		func() error { return validateFaultInjection(cfg.Relay.FaultInjection) },
		func() error { return validateDeadLetter(cfg.DeadLetter, cfg) },
		func() error { return validateManagement(cfg.Management, cfg) },
	}

	for _, validate := range validators {
		if err := validate(); err != nil {
			errors = append(errors, err)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	switch cfg.Type {
	case "kafka":
		return validateKafka(cfg.Kafka)
	case "none":
		return nil
	case "":
		return &ValidationError{
			Field:   "broker.type",
			Message: "broker type is required",
		}
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: kafka, none)", cfg.Type),
		}
	}
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if cfg.GroupID == "" {
		return &ValidationError{
			Field:   "broker.kafka.group_id",
			Message: "Kafka consumer group ID is required",
		}
	}

	if cfg.InputTopic == "" {
		return &ValidationError{
			Field:   "broker.kafka.input_topic",
			Message: "input topic is required",
		}
	}

	return validateRetry("broker.kafka.retry", cfg.Retry)
}

func validateRetry(prefix string, cfg RetryConfig) error {
	if cfg.MaxAttempts < 0 {
		return &ValidationError{
			Field:   prefix + ".max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.InitialInterval < 0 {
		return &ValidationError{
			Field:   prefix + ".initial_interval",
			Message: "initial_interval must be non-negative",
		}
	}

	if cfg.MaxInterval < 0 {
		return &ValidationError{
			Field:   prefix + ".max_interval",
			Message: "max_interval must be non-negative",
		}
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   prefix + ".max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Multiplier <= 0 {
		return &ValidationError{
			Field:   prefix + ".multiplier",
			Message: "multiplier must be positive",
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	if cfg.MongoDB.URI != "" {
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.redis.host",
			Message: "Redis host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{
			Field:   "database.mongodb.database",
			Message: "MongoDB database name is required",
		}
	}

	return nil
}

func validateQueue(cfg QueueConfig, db DatabaseConfig) error {
	if cfg.Name == "" {
		return &ValidationError{
			Field:   "queue.name",
			Message: "queue name is required",
		}
	}

	switch strings.ToLower(cfg.Store) {
	case "memory":
	case "redis":
		if db.Redis.Host == "" {
			return &ValidationError{
				Field:   "database.redis.host",
				Message: "Redis host is required when queue.store is redis",
			}
		}
	default:
		return &ValidationError{
			Field:   "queue.store",
			Message: fmt.Sprintf("invalid store: %s (valid: memory, redis)", cfg.Store),
		}
	}

	if cfg.DefaultMaxRetries < 1 {
		return &ValidationError{
			Field:   "queue.default_max_retries",
			Message: fmt.Sprintf("default_max_retries must be at least 1, got %d", cfg.DefaultMaxRetries),
		}
	}

	for i, rule := range cfg.ValidationRules {
		if strings.TrimSpace(rule) == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("queue.validation_rules[%d]", i),
				Message: "validation rule cannot be empty",
			}
		}
	}

	return nil
}

func validateBuffer(cfg BufferConfig) error {
	if cfg.Capacity < 1 {
		return &ValidationError{
			Field:   "buffer.capacity",
			Message: fmt.Sprintf("capacity must be at least 1, got %d", cfg.Capacity),
		}
	}

	if cfg.BackpressureDelay <= 0 {
		return &ValidationError{
			Field:   "buffer.backpressure_delay",
			Message: "backpressure delay must be positive",
		}
	}

	if cfg.HistorySize < 1 {
		return &ValidationError{
			Field:   "buffer.history_size",
			Message: "history size must be at least 1",
		}
	}

	return nil
}

func validateConsumer(cfg ConsumerConfig) error {
	if cfg.PollInterval <= 0 {
		return &ValidationError{
			Field:   "consumer.poll_interval",
			Message: "poll interval must be positive",
		}
	}

	if cfg.CycleTimeout < 0 {
		return &ValidationError{
			Field:   "consumer.cycle_timeout",
			Message: "cycle timeout must be non-negative",
		}
	}

	if cfg.HandlerTimeout < 0 {
		return &ValidationError{
			Field:   "consumer.handler_timeout",
			Message: "handler timeout must be non-negative",
		}
	}

	if cfg.MaxConsecutiveFailures < 1 {
		return &ValidationError{
			Field:   "consumer.max_consecutive_failures",
			Message: "max_consecutive_failures must be at least 1",
		}
	}

	return validateRetry("consumer.retry", cfg.Retry)
}

func validateController(cfg ControllerConfig) error {
	if cfg.HistorySize < 1 {
		return &ValidationError{
			Field:   "controller.history_size",
			Message: "history size must be at least 1",
		}
	}

	p := cfg.Initial
	if p.ProcessingWindow < MinProcessingWindow || p.ProcessingWindow > MaxProcessingWindow {
		return &ValidationError{
			Field:   "controller.initial.processing_window",
			Message: fmt.Sprintf("must be within [%s, %s], got %s", MinProcessingWindow, MaxProcessingWindow, p.ProcessingWindow),
		}
	}

	if p.BatchSize < MinBatchSize || p.BatchSize > MaxBatchSize {
		return &ValidationError{
			Field:   "controller.initial.batch_size",
			Message: fmt.Sprintf("must be within [%d, %d], got %d", MinBatchSize, MaxBatchSize, p.BatchSize),
		}
	}

	if p.ConcurrentLimit < MinConcurrentLimit || p.ConcurrentLimit > MaxConcurrentLimit {
		return &ValidationError{
			Field:   "controller.initial.concurrent_limit",
			Message: fmt.Sprintf("must be within [%d, %d], got %d", MinConcurrentLimit, MaxConcurrentLimit, p.ConcurrentLimit),
		}
	}

	if p.ErrorThreshold < MinErrorThreshold || p.ErrorThreshold > MaxErrorThreshold {
		return &ValidationError{
			Field:   "controller.initial.error_threshold",
			Message: fmt.Sprintf("must be within [%.2f, %.2f], got %.2f", MinErrorThreshold, MaxErrorThreshold, p.ErrorThreshold),
		}
	}

	return nil
}

func validateFaultInjection(cfg FaultInjectionConfig) error {
	if cfg.Probability < 0 || cfg.Probability > 1 {
		return &ValidationError{
			Field:   "relay.fault_injection.probability",
			Message: fmt.Sprintf("probability must be within [0, 1], got %v", cfg.Probability),
		}
	}

	if cfg.EveryNth < 0 {
		return &ValidationError{
			Field:   "relay.fault_injection.every_nth",
			Message: "every_nth must be non-negative",
		}
	}

	return nil
}

func validateDeadLetter(cfg DeadLetterConfig, root *Config) error {
	if cfg.DeliveryTimeout < 0 {
		return &ValidationError{
			Field:   "dead_letter.delivery_timeout",
			Message: "delivery timeout must not be negative",
		}
	}

	if cfg.ArchiveEnabled && root.Database.MongoDB.URI == "" {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI is required when dead_letter.archive_enabled is true",
		}
	}

	if cfg.PublishEnabled && (root.Broker.Type != "kafka" || root.Broker.Kafka.DLQTopic == "") {
		return &ValidationError{
			Field:   "broker.kafka.dlq_topic",
			Message: "a Kafka DLQ topic is required when dead_letter.publish_enabled is true",
		}
	}

	return nil
}

func validateManagement(cfg ManagementConfig, root *Config) error {
	if cfg.AuditEnabled && root.Database.MongoDB.URI == "" {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI is required when management.audit_enabled is true",
		}
	}

	if cfg.RateLimit.Enabled && (cfg.RateLimit.RPS <= 0 || cfg.RateLimit.Burst < 1) {
		return &ValidationError{
			Field:   "management.rate_limit",
			Message: "rps must be positive and burst at least 1 when rate limiting is enabled",
		}
	}

	return nil
}
