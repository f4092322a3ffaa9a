package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/afroash/telemetry-receiver/internal/models"
)

// Payload keys of a reading
const (
	FieldDeviceID     = "device_id"
	FieldSensorType   = "sensor_type"
	FieldValue        = "value"
	FieldTimestamp    = "timestamp"
	FieldLocation     = "location"
	FieldBatteryLevel = "battery_level"
)

// ValidationError reports a missing or malformed reading field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is, or wraps, a *ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func missing(field string) *ValidationError {
	return &ValidationError{Field: field, Reason: "field required"}
}

func wrongType(field, want string, got any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf("expected %s, got %s", want, typeName(got))}
}

// Validate checks a decoded payload against the reading schema and
// returns a well-typed Reading. Unknown keys are ignored and a JSON null
// counts as absent. Fields are checked in schema order; the first
// offending field is reported.
func Validate(raw map[string]any) (*models.Reading, error) {
	if raw == nil {
		return nil, &ValidationError{Field: "body", Reason: "expected an object"}
	}

	deviceID, err := requiredString(raw, FieldDeviceID)
	if err != nil {
		return nil, err
	}
	sensorType, err := requiredString(raw, FieldSensorType)
	if err != nil {
		return nil, err
	}

	v, ok := present(raw, FieldValue)
	if !ok {
		return nil, missing(FieldValue)
	}
	value, err := toFloat(FieldValue, v)
	if err != nil {
		return nil, err
	}

	reading := &models.Reading{
		DeviceID:   deviceID,
		SensorType: sensorType,
		Value:      value,
	}

	if reading.Timestamp, err = optionalString(raw, FieldTimestamp); err != nil {
		return nil, err
	}
	if reading.Location, err = optionalString(raw, FieldLocation); err != nil {
		return nil, err
	}
	if v, ok := present(raw, FieldBatteryLevel); ok {
		level, err := toFloat(FieldBatteryLevel, v)
		if err != nil {
			return nil, err
		}
		reading.BatteryLevel = &level
	}

	return reading, nil
}

func present(raw map[string]any, field string) (any, bool) {
	v, ok := raw[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func requiredString(raw map[string]any, field string) (string, error) {
	v, ok := present(raw, field)
	if !ok {
		return "", missing(field)
	}
	s, ok := v.(string)
	if !ok {
		return "", wrongType(field, "a string", v)
	}
	if s == "" {
		return "", &ValidationError{Field: field, Reason: "must not be empty"}
	}
	return s, nil
}

func optionalString(raw map[string]any, field string) (*string, error) {
	v, ok := present(raw, field)
	if !ok {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, wrongType(field, "a string", v)
	}
	return &s, nil
}

// toFloat coerces every numeric representation produced by the JSON and
// CBOR decoders, plus numeric strings, into a finite float64.
func toFloat(field string, v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := strconv.ParseFloat(n.String(), 64)
		if err != nil {
			return 0, &ValidationError{Field: field, Reason: "value is not a valid float"}
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, &ValidationError{Field: field, Reason: "value is not a valid float"}
		}
		f = parsed
	default:
		return 0, wrongType(field, "a number", v)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &ValidationError{Field: field, Reason: "value must be a finite number"}
	}
	return f, nil
}

func typeName(v any) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case string:
		return "string"
	case map[string]any, map[any]any:
		return "object"
	case []any:
		return "array"
	case json.Number, float64, float32, int, int64, uint64:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}
