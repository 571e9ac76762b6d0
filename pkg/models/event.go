package models

import "time"

// QueueEvent describes an operator action taken on a queue.
type QueueEvent struct {
	EventType string                 `json:"event_type"`
	Queue     string                 `json:"queue"`
	MessageID string                 `json:"message_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	ChangedBy string                 `json:"changed_by,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

const (
	EventTypeMessageEnqueued = "message_enqueued"
	EventTypeMessageAcked    = "message_acked"
	EventTypeMessageNacked   = "message_nacked"
	EventTypeQueueDrained    = "queue_drained"
)

// ToMessage wraps the event so it travels through the same producer as
// queue traffic. The payload carries the event fields.
func (e QueueEvent) ToMessage(id string) *Message {
	b := NewMessageBuilder().
		WithID(id).
		WithTimestamp(e.Timestamp).
		WithField("event_type", e.EventType).
		WithField("queue", e.Queue)
	if e.MessageID != "" {
		b = b.WithField("message_id", e.MessageID)
	}
	if e.ChangedBy != "" {
		b = b.WithField("changed_by", e.ChangedBy)
	}
	if len(e.Metadata) > 0 {
		b = b.WithField("metadata", e.Metadata)
	}
	return b.Build()
}
