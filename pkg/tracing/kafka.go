package tracing

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const kafkaInstrumentationName = "relayq/kafka"

// recordHeaders adapts a record's header slice to a propagation.TextMapCarrier.
// Set overwrites an existing key so a relayed record never carries two
// traceparent values.
type recordHeaders []kafka.Header

func (h *recordHeaders) Get(key string) string {
	for _, header := range *h {
		if header.Key == key {
			return string(header.Value)
		}
	}
	return ""
}

func (h *recordHeaders) Set(key, value string) {
	for i := range *h {
		if (*h)[i].Key == key {
			(*h)[i].Value = []byte(value)
			return
		}
	}
	*h = append(*h, kafka.Header{Key: key, Value: []byte(value)})
}

func (h *recordHeaders) Keys() []string {
	keys := make([]string, 0, len(*h))
	for _, header := range *h {
		keys = append(keys, header.Key)
	}
	return keys
}

// InjectTraceContext writes the span context of ctx into headers and returns
// the updated slice.
func InjectTraceContext(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := recordHeaders(headers)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	return carrier
}

func ExtractTraceContext(ctx context.Context, headers []kafka.Header) context.Context {
	carrier := recordHeaders(headers)
	return otel.GetTextMapPropagator().Extract(ctx, &carrier)
}

// StartPublishSpan opens a producer span for a record about to be written to
// topic. Inject from the returned context so consumers continue this span.
func StartPublishSpan(ctx context.Context, topic, key string) (context.Context, trace.Span) {
	return GetTracer(kafkaInstrumentationName).Start(ctx, "publish "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(recordAttributes(topic, key)...),
	)
}

// StartConsumeSpan continues the trace carried in m's headers with a consumer
// span describing where the record was read from.
func StartConsumeSpan(ctx context.Context, m kafka.Message) (context.Context, trace.Span) {
	ctx = ExtractTraceContext(ctx, m.Headers)
	attrs := append(recordAttributes(m.Topic, string(m.Key)),
		attribute.Int("messaging.kafka.partition", m.Partition),
		attribute.Int64("messaging.kafka.offset", m.Offset),
	)
	return GetTracer(kafkaInstrumentationName).Start(ctx, "process "+m.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
}

func recordAttributes(topic, key string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination.name", topic),
	}
	if key != "" {
		attrs = append(attrs, attribute.String("messaging.kafka.message.key", key))
	}
	return attrs
}
