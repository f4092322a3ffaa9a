package server

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/afroash/telemetry-receiver/internal/ingest"
	"github.com/afroash/telemetry-receiver/internal/models"
	"github.com/afroash/telemetry-receiver/internal/mqttclient"
)

// Subscriber is the broker client the MQTT ingest needs
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttclient.Handler) error
}

// MQTTIngest feeds broker messages into the ingest service.
// Each payload must be a JSON object in the same shape as POST /receive.
// There is no reply channel, so rejected payloads are logged and dropped.
type MQTTIngest struct {
	service Ingestor
	logger  zerolog.Logger

	received atomic.Int64
	rejected atomic.Int64
}

// MQTTIngestStats counts processed broker messages
type MQTTIngestStats struct {
	Received int64 `json:"received"`
	Rejected int64 `json:"rejected"`
}

// NewMQTTIngest creates an MQTT ingest over service
func NewMQTTIngest(service Ingestor, logger zerolog.Logger) *MQTTIngest {
	return &MQTTIngest{
		service: service,
		logger:  logger,
	}
}

// Start subscribes to topic
func (m *MQTTIngest) Start(sub Subscriber, topic string, qos byte) error {
	if err := sub.Subscribe(topic, qos, m.HandleMessage); err != nil {
		return err
	}
	m.logger.Info().Str("topic", topic).Uint8("qos", qos).Msg("MQTT ingest subscribed")
	return nil
}

// HandleMessage receives a single broker message
func (m *MQTTIngest) HandleMessage(topic string, payload []byte) {
	raw, err := models.DecodeObject(payload)
	if err != nil {
		m.rejected.Add(1)
		m.logger.Warn().Err(err).Str("topic", topic).Msg("MQTT payload rejected")
		return
	}

	ack, err := m.service.Receive(raw)
	if err != nil {
		m.rejected.Add(1)
		if ingest.IsValidationError(err) {
			m.logger.Warn().Err(err).Str("topic", topic).Msg("MQTT reading rejected")
			return
		}
		m.logger.Error().Err(err).Str("topic", topic).Msg("Failed to receive MQTT reading")
		return
	}

	m.received.Add(1)
	m.logger.Debug().Str("topic", topic).Str("data_id", ack.DataID).Msg("MQTT reading stored")
}

// Stats returns message counters
func (m *MQTTIngest) Stats() MQTTIngestStats {
	return MQTTIngestStats{
		Received: m.received.Load(),
		Rejected: m.rejected.Load(),
	}
}
