package models

import (
	"fmt"
	"time"
)

// Reading is a sensor measurement pushed by a device.
// Optional fields are nil when the device did not send them.
type Reading struct {
	DeviceID     string   `json:"device_id"`
	SensorType   string   `json:"sensor_type"`
	Value        float64  `json:"value"`
	Timestamp    *string  `json:"timestamp"`
	Location     *string  `json:"location"`
	BatteryLevel *float64 `json:"battery_level"`
}

// NewReading creates a Reading stamped with the device's current time
func NewReading(deviceID, sensorType string, value float64) *Reading {
	ts := time.Now().UTC().Format(time.RFC3339)
	return &Reading{
		DeviceID:   deviceID,
		SensorType: sensorType,
		Value:      value,
		Timestamp:  &ts,
	}
}

// WithLocation sets the optional location and returns the reading
func (r *Reading) WithLocation(location string) *Reading {
	r.Location = &location
	return r
}

// WithBatteryLevel sets the optional battery level and returns the reading
func (r *Reading) WithBatteryLevel(level float64) *Reading {
	r.BatteryLevel = &level
	return r
}

// get the reading as a string
func (r *Reading) String() string {
	s := fmt.Sprintf("DeviceID: %s, SensorType: %s, Value: %g", r.DeviceID, r.SensorType, r.Value)
	if r.Timestamp != nil {
		s += ", Timestamp: " + *r.Timestamp
	}
	if r.Location != nil {
		s += ", Location: " + *r.Location
	}
	if r.BatteryLevel != nil {
		s += fmt.Sprintf(", Battery: %g", *r.BatteryLevel)
	}
	return s
}

// Copy returns a deep copy of the Reading.
// Optional fields are reallocated so the copy shares no memory with r.
func (r *Reading) Copy() *Reading {
	if r == nil {
		return nil
	}
	return &Reading{
		DeviceID:     r.DeviceID,
		SensorType:   r.SensorType,
		Value:        r.Value,
		Timestamp:    copyString(r.Timestamp),
		Location:     copyString(r.Location),
		BatteryLevel: copyFloat(r.BatteryLevel),
	}
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
