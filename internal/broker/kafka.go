package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"

	"relayq/internal/config"
	"relayq/internal/constants"
	"relayq/internal/logger"
	"relayq/pkg/errors"
	"relayq/pkg/logging"
	"relayq/pkg/metrics"
	"relayq/pkg/models"
	"relayq/pkg/retry"
	"relayq/pkg/tracing"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer      messageWriter
	logger      logger.Logger
	serviceName string
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}
	return &KafkaProducer{writer: w, logger: log, serviceName: "unknown"}
}

func (p *KafkaProducer) SetServiceName(name string) {
	p.serviceName = name
}

// Publish writes msg in its wire form keyed by id, so all deliveries of one
// message land on the same partition.
func (p *KafkaProducer) Publish(ctx context.Context, topic string, msg *models.Message, headers map[string]string) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	return p.PublishRaw(ctx, topic, msg.ID, []byte(body), headers)
}

func (p *KafkaProducer) PublishRaw(ctx context.Context, topic, key string, value []byte, headers map[string]string) (err error) {
	ctx, span := tracing.StartPublishSpan(ctx, topic, key)
	defer func() { tracing.End(span, err) }()

	kafkaHeaders := make([]kafka.Header, 0, len(headers)+2)
	for k, v := range headers {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: k, Value: []byte(v)})
	}
	kafkaHeaders = tracing.InjectTraceContext(ctx, kafkaHeaders)

	start := time.Now()
	err = p.writer.WriteMessages(ctx,
		kafka.Message{
			Topic:   topic,
			Key:     []byte(key),
			Value:   value,
			Headers: kafkaHeaders,
			Time:    time.Now(),
		},
	)
	metrics.ObserveKafkaWriteDuration(p.serviceName, topic, time.Since(start))

	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	metrics.IncKafkaMessagesWritten(p.serviceName, topic)
	metrics.ObserveKafkaMessageSize(p.serviceName, topic, "out", len(value))
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads message wire JSON from a topic and hands each decoded
// message to a handler. Records that fail to decode, or whose handler fails
// permanently or past the retry policy, go to the DLQ topic when one is
// configured. Every record is committed once it has been dealt with.
type KafkaConsumer struct {
	cfg         config.KafkaConfig
	wg          sync.WaitGroup
	reader      messageReader
	newReader   func(topic string) messageReader
	logger      logger.Logger
	dlqProducer Producer
	serviceName string
}

func NewKafkaConsumer(cfg config.KafkaConfig, log logger.Logger) *KafkaConsumer {
	consumer := &KafkaConsumer{
		cfg:         cfg,
		logger:      log,
		serviceName: "unknown",
	}
	consumer.newReader = func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    topic,
			MinBytes: constants.KafkaMinBytes,
			MaxBytes: constants.KafkaMaxBytes,
		})
	}

	if cfg.DLQTopic != "" {
		consumer.dlqProducer = NewKafkaProducer(cfg, log)
	}

	return consumer
}

func (c *KafkaConsumer) SetServiceName(name string) {
	c.serviceName = name
	if p, ok := c.dlqProducer.(*KafkaProducer); ok {
		p.SetServiceName(name)
	}
}

// Consume blocks until ctx is done.
func (c *KafkaConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	c.logger.Infow("Creating Kafka reader",
		"topic", topic,
		"brokers", c.cfg.Brokers,
		"group_id", c.cfg.GroupID,
		"service_name", c.serviceName,
	)

	c.reader = c.newReader(topic)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		consumeCtx := logging.WithServiceName(ctx, c.serviceName)
		c.logger.InfowCtx(consumeCtx, "Started consuming", "topic", topic)

		for {
			start := time.Now()
			m, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.logger.InfowCtx(consumeCtx, "Stopped consuming",
						"topic", topic,
						"reason", "context canceled",
					)
					return
				}
				c.logger.ErrorwCtx(consumeCtx, "Error fetching kafka message",
					"error", err,
					"topic", topic,
				)
				if !wait(ctx, constants.KafkaFetchBackoff) {
					return
				}
				continue
			}
			c.recordRead(m, time.Since(start))
			c.handleRecord(consumeCtx, m, handler)
		}
	}()

	<-ctx.Done()
	return ctx.Err()
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *KafkaConsumer) recordRead(m kafka.Message, elapsed time.Duration) {
	metrics.IncKafkaMessagesRead(c.serviceName, m.Topic)
	metrics.ObserveKafkaReadDuration(c.serviceName, m.Topic, elapsed)
	metrics.ObserveKafkaMessageSize(c.serviceName, m.Topic, "in", len(m.Value))
	if m.HighWaterMark > 0 {
		metrics.SetKafkaConsumerLag(c.serviceName, m.Topic, m.Partition, m.HighWaterMark-m.Offset-1)
	}
}

func (c *KafkaConsumer) handleRecord(ctx context.Context, m kafka.Message, handler HandlerFunc) {
	msgCtx, span := tracing.StartConsumeSpan(ctx, m)
	defer span.End()

	msg, err := models.DecodeMessage(string(m.Value))
	if err != nil {
		c.logger.ErrorwCtx(msgCtx, "Failed to decode message",
			"error", err,
			"topic", m.Topic,
			"offset", m.Offset,
		)
		c.deadLetter(msgCtx, m, err)
		c.commit(msgCtx, m)
		return
	}

	msgCtx = logging.WithMessageID(msgCtx, msg.ID)
	span.SetAttributes(attribute.String("messaging.message.id", msg.ID))

	if err := c.processMessageWithRetry(msgCtx, msg, handler, m.Topic); err != nil {
		if ctx.Err() != nil {
			// Left uncommitted for redelivery after restart.
			return
		}
		c.logger.ErrorwCtx(msgCtx, "Failed to process message after retries",
			"error", err,
			"topic", m.Topic,
		)
		c.deadLetter(msgCtx, m, err)
	}
	c.commit(msgCtx, m)
}

func (c *KafkaConsumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(context.WithoutCancel(ctx), m); err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to commit message",
			"error", err,
			"topic", m.Topic,
			"offset", m.Offset,
		)
	}
}

func (c *KafkaConsumer) Close() error {
	var err error
	if c.reader != nil {
		err = c.reader.Close()
	}
	if c.dlqProducer != nil {
		if closeErr := c.dlqProducer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	c.wg.Wait()
	return err
}

func (c *KafkaConsumer) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.cfg.Retry.MaxAttempts,
		InitialInterval: c.cfg.Retry.InitialInterval,
		MaxInterval:     c.cfg.Retry.MaxInterval,
		Multiplier:      c.cfg.Retry.Multiplier,
		MaxElapsedTime:  c.cfg.Retry.MaxElapsedTime,
	}.Merge(retry.Policy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	})
}

func (c *KafkaConsumer) processMessageWithRetry(ctx context.Context, msg *models.Message, handler HandlerFunc, topic string) error {
	policy := c.retryPolicy()

	return retry.RetryWithCallback(ctx, policy, func() error {
		return errors.Guard(func() error {
			return handler(ctx, msg)
		})
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(c.serviceName, topic).Inc()
		c.logger.WarnwCtx(ctx, "Retrying message processing",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", topic,
		)
	})
}

// deadLetter forwards the original record bytes so that undecodable input
// survives for inspection.
func (c *KafkaConsumer) deadLetter(ctx context.Context, m kafka.Message, cause error) {
	if c.dlqProducer == nil || c.cfg.DLQTopic == "" {
		c.logger.WarnwCtx(ctx, "No DLQ configured, dropping message",
			"topic", m.Topic,
			"offset", m.Offset,
		)
		return
	}

	reason := "max_retries_exceeded"
	if errors.IsValidation(cause) || errors.IsConflict(cause) {
		reason = "rejected"
	}

	headers := map[string]string{
		constants.HeaderDeadLetterReason: cause.Error(),
		constants.HeaderSourceTopic:      m.Topic,
		constants.HeaderDeadLetteredAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := c.dlqProducer.PublishRaw(context.WithoutCancel(ctx), c.cfg.DLQTopic, string(m.Key), m.Value, headers); err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to send message to DLQ",
			"error", err,
			"topic", m.Topic,
		)
		return
	}

	metrics.DLQMessagesTotal.WithLabelValues(c.serviceName, m.Topic, reason).Inc()
	c.logger.InfowCtx(ctx, "Message sent to DLQ",
		"source_topic", m.Topic,
		"dlq_topic", c.cfg.DLQTopic,
		"reason", cause.Error(),
	)
}
