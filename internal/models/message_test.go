// internal/models/message_test.go
package models

import (
	"encoding/json"
	"testing"
)

func TestNewMessage(t *testing.T) {
	reading := NewReading("sensor-01", "temp", 22.5)

	msg, err := NewMessage(MessageTypeReading, reading)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	if msg.Type != MessageTypeReading {
		t.Errorf("Type = %v, want %v", msg.Type, MessageTypeReading)
	}

	if msg.Timestamp.IsZero() {
		t.Error("Timestamp should not be zero")
	}

	if len(msg.Payload) == 0 {
		t.Error("Payload should not be empty")
	}
}

func TestMessage_UnmarshalPayload(t *testing.T) {
	original := NewReading("sensor-01", "temp", 22.5)

	msg, err := NewMessage(MessageTypeReading, original)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	var decoded Reading
	err = msg.UnmarshalPayload(&decoded)
	if err != nil {
		t.Fatalf("UnmarshalPayload failed: %v", err)
	}

	if decoded.DeviceID != original.DeviceID {
		t.Errorf("DeviceID mismatch")
	}
	if decoded.Value != original.Value {
		t.Errorf("Value mismatch")
	}
}

func TestNewBatchMessage(t *testing.T) {
	readings := []*Reading{
		NewReading("sensor-01", "temp", 22.5),
		NewReading("sensor-01", "temp", 23.0),
	}

	batch, err := NewBatchMessage(readings)
	if err != nil {
		t.Fatalf("NewBatchMessage failed: %v", err)
	}

	msg, err := NewMessage(MessageTypeBatch, batch)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	var decoded BatchMessage
	if err := msg.UnmarshalPayload(&decoded); err != nil {
		t.Fatalf("UnmarshalPayload failed: %v", err)
	}

	if decoded.Count != 2 {
		t.Errorf("Count = %d, want 2", decoded.Count)
	}
	if len(decoded.Readings) != 2 {
		t.Fatalf("len(Readings) = %d, want 2", len(decoded.Readings))
	}

	obj, err := DecodeObject(decoded.Readings[1])
	if err != nil {
		t.Fatalf("DecodeObject failed: %v", err)
	}
	if obj["value"] != json.Number("23") {
		t.Errorf("value = %#v, want json.Number(23)", obj["value"])
	}
}

func TestDecodeObject(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{"object", `{"device_id":"d1","value":1.5}`, false},
		{"empty object", `{}`, false},
		{"array", `[1,2]`, true},
		{"string", `"hello"`, true},
		{"null", `null`, true},
		{"garbage", `{not json`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeObject([]byte(tt.input))
			if (err != nil) != tt.wantError {
				t.Errorf("DecodeObject(%s) error = %v, wantError %v", tt.input, err, tt.wantError)
			}
		})
	}
}

func TestDecodeObject_KeepsNumberPrecision(t *testing.T) {
	obj, err := DecodeObject([]byte(`{"value": 12345678901234567890}`))
	if err != nil {
		t.Fatalf("DecodeObject failed: %v", err)
	}
	n, ok := obj["value"].(json.Number)
	if !ok {
		t.Fatalf("value type = %T, want json.Number", obj["value"])
	}
	if n.String() != "12345678901234567890" {
		t.Errorf("value = %s", n)
	}
}
