package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout_seconds", 10*time.Second)
	viper.SetDefault("server.write_timeout_seconds", 10*time.Second)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("broker.type", "kafka")
	viper.SetDefault("broker.kafka.retry.max_attempts", 3)
	viper.SetDefault("broker.kafka.retry.initial_interval", time.Second)
	viper.SetDefault("broker.kafka.retry.max_interval", 30*time.Second)
	viper.SetDefault("broker.kafka.retry.multiplier", 2.0)

	viper.SetDefault("queue.name", "default")
	viper.SetDefault("queue.store", "memory")
	viper.SetDefault("queue.key_prefix", "relayq")
	viper.SetDefault("queue.default_max_retries", 3)

	viper.SetDefault("buffer.capacity", 1000)
	viper.SetDefault("buffer.backpressure_delay", 100*time.Millisecond)
	viper.SetDefault("buffer.history_size", 100)

	viper.SetDefault("consumer.poll_interval", time.Second)
	viper.SetDefault("consumer.handler_timeout", 10*time.Second)
	viper.SetDefault("consumer.max_consecutive_failures", 5)
	viper.SetDefault("consumer.retry.max_attempts", 3)
	viper.SetDefault("consumer.retry.initial_interval", 100*time.Millisecond)
	viper.SetDefault("consumer.retry.max_interval", 5*time.Second)
	viper.SetDefault("consumer.retry.multiplier", 2.0)

	viper.SetDefault("controller.history_size", 10)
	viper.SetDefault("controller.initial.processing_window", 100*time.Millisecond)
	viper.SetDefault("controller.initial.batch_size", 10)
	viper.SetDefault("controller.initial.concurrent_limit", 5)
	viper.SetDefault("controller.initial.error_threshold", 0.2)

	viper.SetDefault("dead_letter.archive_collection", "dead_letters")
	viper.SetDefault("dead_letter.delivery_timeout", 10*time.Second)

	viper.SetDefault("management.audit_collection", "operator_audit")
	viper.SetDefault("management.rate_limit.rps", 10.0)
	viper.SetDefault("management.rate_limit.burst", 20)
	viper.SetDefault("management.rate_limit.cleanup_interval", 300)
	viper.SetDefault("management.rate_limit.max_age", 600)

	viper.SetDefault("tracing.service_name", "relayq")
}

func bindEnvVariables() {
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.input_topic", "BROKER_KAFKA_INPUT_TOPIC")
	viper.BindEnv("broker.kafka.output_topic", "BROKER_KAFKA_OUTPUT_TOPIC")
	viper.BindEnv("broker.kafka.dlq_topic", "BROKER_KAFKA_DLQ_TOPIC")
	viper.BindEnv("broker.kafka.events_topic", "BROKER_KAFKA_EVENTS_TOPIC")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("queue.name", "QUEUE_NAME")
	viper.BindEnv("queue.store", "QUEUE_STORE")
	viper.BindEnv("queue.key_prefix", "QUEUE_KEY_PREFIX")

	viper.BindEnv("relay.fault_injection.probability", "RELAY_FAULT_INJECTION_PROBABILITY")
	viper.BindEnv("relay.fault_injection.seed", "RELAY_FAULT_INJECTION_SEED")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}
