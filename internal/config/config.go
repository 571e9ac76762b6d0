package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Broker         BrokerConfig
	Logging        LoggingConfig
	Queue          QueueConfig
	Buffer         BufferConfig
	Consumer       ConsumerConfig
	Controller     ControllerConfig
	Relay          RelayConfig
	DeadLetter     DeadLetterConfig `mapstructure:"dead_letter"`
	Management     ManagementConfig
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Redis   RedisConfig
	MongoDB MongoDBConfig
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers     []string    `mapstructure:"brokers"`
	GroupID     string      `mapstructure:"group_id"`
	InputTopic  string      `mapstructure:"input_topic"`
	OutputTopic string      `mapstructure:"output_topic"`
	DLQTopic    string      `mapstructure:"dlq_topic"`
	EventsTopic string      `mapstructure:"events_topic"`
	Retry       RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type QueueConfig struct {
	Name              string   `mapstructure:"name"`
	Store             string   `mapstructure:"store"` // "memory" or "redis"
	KeyPrefix         string   `mapstructure:"key_prefix"`
	DefaultMaxRetries int      `mapstructure:"default_max_retries"`
	ValidationRules   []string `mapstructure:"validation_rules"`
}

type BufferConfig struct {
	Capacity          int           `mapstructure:"capacity"`
	BackpressureDelay time.Duration `mapstructure:"backpressure_delay"`
	HistorySize       int           `mapstructure:"history_size"`
}

type ConsumerConfig struct {
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	CycleTimeout           time.Duration `mapstructure:"cycle_timeout"`
	HandlerTimeout         time.Duration `mapstructure:"handler_timeout"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	Retry                  RetryConfig   `mapstructure:"retry"`
}

type ControllerConfig struct {
	HistorySize int                     `mapstructure:"history_size"`
	Initial     ControlParametersConfig `mapstructure:"initial"`
}

type ControlParametersConfig struct {
	ProcessingWindow time.Duration `mapstructure:"processing_window"`
	BatchSize        int           `mapstructure:"batch_size"`
	ConcurrentLimit  int           `mapstructure:"concurrent_limit"`
	ErrorThreshold   float64       `mapstructure:"error_threshold"`
}

type RelayConfig struct {
	FaultInjection FaultInjectionConfig `mapstructure:"fault_injection"`
}

// FaultInjectionConfig makes the relay handler fail on purpose. Any
// combination of sources may be enabled.
type FaultInjectionConfig struct {
	Probability float64  `mapstructure:"probability"`
	Seed        int64    `mapstructure:"seed"`
	FailIDs     []string `mapstructure:"fail_ids"`
	EveryNth    int      `mapstructure:"every_nth"`
}

type DeadLetterConfig struct {
	ArchiveEnabled    bool          `mapstructure:"archive_enabled"`
	ArchiveCollection string        `mapstructure:"archive_collection"`
	PublishEnabled    bool          `mapstructure:"publish_enabled"`
	DeliveryTimeout   time.Duration `mapstructure:"delivery_timeout"`
}

type ManagementConfig struct {
	AuditEnabled    bool            `mapstructure:"audit_enabled"`
	AuditCollection string          `mapstructure:"audit_collection"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
