package models

import "time"

type MessageBuilder struct {
	msg *Message
}

func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{
		msg: &Message{
			Payload:    make(map[string]interface{}),
			MaxRetries: DefaultMaxRetries,
		},
	}
}

func (b *MessageBuilder) WithID(id string) *MessageBuilder {
	b.msg.ID = id
	return b
}

func (b *MessageBuilder) WithTimestamp(timestamp time.Time) *MessageBuilder {
	b.msg.Timestamp = timestamp
	return b
}

func (b *MessageBuilder) WithPayload(payload map[string]interface{}) *MessageBuilder {
	b.msg.Payload = payload
	return b
}

func (b *MessageBuilder) WithField(key string, value interface{}) *MessageBuilder {
	if b.msg.Payload == nil {
		b.msg.Payload = make(map[string]interface{})
	}
	b.msg.Payload[key] = value
	return b
}

func (b *MessageBuilder) WithMaxRetries(maxRetries int) *MessageBuilder {
	b.msg.MaxRetries = maxRetries
	return b
}

func (b *MessageBuilder) WithRetries(retries int) *MessageBuilder {
	b.msg.Retries = retries
	return b
}

func (b *MessageBuilder) Build() *Message {
	if b.msg.Timestamp.IsZero() {
		b.msg.Timestamp = time.Now().UTC()
	}
	return b.msg
}
