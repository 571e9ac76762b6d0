package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	pkgerrors "relayq/pkg/errors"
)

const DefaultMaxRetries = 3

// Message is the unit of delivery. Only Retries changes after enqueue.
type Message struct {
	ID         string                 `json:"id"`
	Payload    map[string]interface{} `json:"payload"`
	Timestamp  time.Time              `json:"timestamp"`
	Retries    int                    `json:"retries"`
	MaxRetries int                    `json:"max_retries"`
}

func (m *Message) Validate() error {
	if m == nil {
		return pkgerrors.ErrValidation.WithMessage("message is nil")
	}
	if m.ID == "" {
		return pkgerrors.ErrValidation.WithMessage("message id is required").WithDetail("field", "id")
	}
	if m.Payload == nil {
		return pkgerrors.ErrValidation.WithMessage("message payload is required").WithDetail("field", "payload")
	}
	if m.MaxRetries < 1 {
		return pkgerrors.ErrValidation.
			WithMessage(fmt.Sprintf("max_retries must be at least 1, got %d", m.MaxRetries)).
			WithDetail("field", "max_retries")
	}
	if m.Retries < 0 || m.Retries > m.MaxRetries {
		return pkgerrors.ErrValidation.
			WithMessage(fmt.Sprintf("retries must be within [0, %d], got %d", m.MaxRetries, m.Retries)).
			WithDetail("field", "retries")
	}
	return nil
}

// Exhausted reports whether the retry budget is spent.
func (m *Message) Exhausted() bool {
	return m.Retries >= m.MaxRetries
}

// Clone returns a copy that shares no payload map with m.
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = make(map[string]interface{}, len(m.Payload))
		for k, v := range m.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

// Encode renders the wire form. Timestamps are RFC 3339 with nanoseconds.
func (m *Message) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode message %s: %w", m.ID, err)
	}
	return string(data), nil
}

// DecodeMessage parses the wire form. Payload numbers keep their exact
// value: integers come back as int64, everything else as float64.
func DecodeMessage(data string) (*Message, error) {
	var msg Message
	if err := decodeStrict([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	msg.Payload = NormalizePayload(msg.Payload)
	return &msg, nil
}

// DecodePayload parses a JSON object the way DecodeMessage parses payloads.
func DecodePayload(data []byte) (map[string]interface{}, error) {
	var payload map[string]interface{}
	if err := decodeStrict(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return NormalizePayload(payload), nil
}

func decodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}

// NormalizePayload replaces json.Number values, at any depth, with int64
// when the literal is an integer in range and float64 otherwise. Integers
// beyond int64 stay json.Number so they re-encode unchanged.
func NormalizePayload(payload map[string]interface{}) map[string]interface{} {
	for k, v := range payload {
		payload[k] = normalizeValue(v)
	}
	return payload
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if !strings.ContainsAny(val.String(), ".eE") {
			return val
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val
	case map[string]interface{}:
		return NormalizePayload(val)
	case []interface{}:
		for i := range val {
			val[i] = normalizeValue(val[i])
		}
		return val
	default:
		return v
	}
}
