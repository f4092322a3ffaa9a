package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	MessageTypeReading   MessageType = "reading"
	MessageTypeBatch     MessageType = "batch"
	MessageTypeHeartbeat MessageType = "heartbeat"
	MessageTypeAck       MessageType = "ack"
	MessageTypeError     MessageType = "error"
)

// Message is the envelope for all WebSocket communications
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		Payload:   payloadJSON,
		Timestamp: time.Now(),
	}, nil
}

// BatchMessage is the payload for MessageTypeBatch.
// Readings stay raw so each one can be validated on its own.
type BatchMessage struct {
	Readings []json.RawMessage `json:"readings"`
	Count    int               `json:"count"`
}

// NewBatchMessage encodes readings into a batch payload
func NewBatchMessage(readings []*Reading) (*BatchMessage, error) {
	batch := &BatchMessage{
		Readings: make([]json.RawMessage, 0, len(readings)),
		Count:    len(readings),
	}
	for _, r := range readings {
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("failed to encode reading: %w", err)
		}
		batch.Readings = append(batch.Readings, raw)
	}
	return batch, nil
}

// HeartbeatMessage is the payload for MessageTypeHeartbeat
type HeartbeatMessage struct {
	DeviceID   string `json:"device_id"`
	Uptime     int64  `json:"uptime"`
	BufferSize int    `json:"buffer_size"`
}

// AckMessage is the payload for MessageTypeAck.
// MessageID holds the data id for single readings; DataIDs lists the ids
// accepted from a batch.
type AckMessage struct {
	MessageID  string    `json:"message_id"`
	Status     string    `json:"status"`
	DataIDs    []string  `json:"data_ids,omitempty"`
	Rejected   int       `json:"rejected,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitzero"`
}

// ErrorMessage is the payload for MessageTypeError
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UnmarshalPayload unmarshals the message payload into the provided struct
func (m *Message) UnmarshalPayload(v interface{}) error {
	err := json.Unmarshal(m.Payload, v)
	if err != nil {
		return err
	}
	return nil
}

// DecodeObject decodes raw JSON into an untyped object.
// Numbers are kept as json.Number so no precision is lost before validation.
func DecodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("payload is not a JSON object")
	}
	return obj, nil
}
