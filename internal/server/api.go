package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/afroash/telemetry-receiver/internal/ingest"
	"github.com/afroash/telemetry-receiver/internal/models"
	"github.com/afroash/telemetry-receiver/internal/storage"
)

// maxBodyBytes caps a single /receive body
const maxBodyBytes = 1 << 20

var errUnsupportedMediaType = errors.New("unsupported content type")

// Ingestor is the subset of ingest.Service the transports use
type Ingestor interface {
	Receive(raw map[string]any) (*models.Acknowledgement, error)
	Dump() models.Dump
	Stats() models.Statistics
}

// ArchiveReporter exposes archive statistics for /archive/stats
type ArchiveReporter interface {
	GetStorageStats() (*storage.StorageStats, error)
	CountByDevice() (models.DeviceStatistics, error)
}

// SessionLister lists live stream sessions
type SessionLister interface {
	Sessions() []SessionInfo
}

// MQTTReporter exposes broker ingest counters for /health
type MQTTReporter interface {
	Stats() MQTTIngestStats
}

// APIHandler serves the HTTP ingest and query endpoints
type APIHandler struct {
	service  Ingestor
	sessions SessionLister
	mqtt     MQTTReporter
	archive  ArchiveReporter
	writer   *storage.ArchiveWriter
	logger   zerolog.Logger
	version  string
	cborDec  cbor.DecMode
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(service Ingestor, logger zerolog.Logger, version string) *APIHandler {
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("server: CBOR decoder initialization failed: " + err.Error())
	}

	return &APIHandler{
		service: service,
		logger:  logger,
		version: version,
		cborDec: dec,
	}
}

// SetSessions enables /api/sessions
func (api *APIHandler) SetSessions(sessions SessionLister) {
	api.sessions = sessions
}

// SetMQTT adds broker ingest counters to /health
func (api *APIHandler) SetMQTT(mqtt MQTTReporter) {
	api.mqtt = mqtt
}

// SetArchive enables /archive/stats
func (api *APIHandler) SetArchive(archive ArchiveReporter, writer *storage.ArchiveWriter) {
	api.archive = archive
	api.writer = writer
}

// RootInfo is the body of GET /
type RootInfo struct {
	Message   string            `json:"message"`
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// HandleRoot describes the service
func (api *APIHandler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, RootInfo{
		Message: "telemetry receiver is running",
		Status:  "running",
		Version: api.version,
		Endpoints: map[string]string{
			"receive": "/receive (POST)",
			"data":    "/data (GET)",
			"stats":   "/stats (GET)",
			"stream":  "/sensor-stream (WebSocket)",
		},
	})
}

// HandleReceive accepts one reading as a JSON object or CBOR map
func (api *APIHandler) HandleReceive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeDetail(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	raw, err := api.decodeBody(r.Header.Get("Content-Type"), body)
	if err != nil {
		if errors.Is(err, errUnsupportedMediaType) {
			writeDetail(w, http.StatusUnsupportedMediaType, err.Error())
			return
		}
		writeDetail(w, http.StatusBadRequest, "invalid data format: "+err.Error())
		return
	}

	ack, err := api.service.Receive(raw)
	if err != nil {
		if ingest.IsValidationError(err) {
			writeDetail(w, http.StatusUnprocessableEntity, "invalid data format: "+err.Error())
			return
		}
		api.logger.Error().Err(err).Msg("Failed to receive reading")
		writeDetail(w, http.StatusInternalServerError, "failed to store reading")
		return
	}

	writeJSON(w, http.StatusOK, ack)
}

func (api *APIHandler) decodeBody(contentType string, body []byte) (map[string]any, error) {
	mediaType := "application/json"
	if contentType != "" {
		parsed, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errUnsupportedMediaType, contentType)
		}
		mediaType = parsed
	}

	switch mediaType {
	case "application/json":
		return models.DecodeObject(body)
	case "application/cbor":
		var v any
		if err := api.cborDec.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("payload is not a CBOR map: %w", err)
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("payload is not a CBOR map")
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedMediaType, mediaType)
	}
}

// HandleData returns every stored record
func (api *APIHandler) HandleData(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.service.Dump())
}

// HandleStats returns total and per-device counts
func (api *APIHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.service.Stats())
}

// HandleHealth reports liveness
func (api *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": api.version,
	}
	if api.mqtt != nil {
		body["mqtt"] = api.mqtt.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleSessions lists live stream sessions
func (api *APIHandler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := []SessionInfo{}
	if api.sessions != nil {
		sessions = api.sessions.Sessions()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

// ArchiveStats is the body of GET /archive/stats
type ArchiveStats struct {
	Storage *storage.StorageStats       `json:"storage"`
	Devices models.DeviceStatistics     `json:"device_statistics"`
	Writer  *storage.ArchiveWriterStats `json:"writer,omitempty"`
}

// HandleArchiveStats reports on the SQLite archive
func (api *APIHandler) HandleArchiveStats(w http.ResponseWriter, r *http.Request) {
	if api.archive == nil {
		writeDetail(w, http.StatusNotFound, "archive is disabled")
		return
	}

	storageStats, err := api.archive.GetStorageStats()
	if err != nil {
		api.logger.Error().Err(err).Msg("Failed to read archive stats")
		writeDetail(w, http.StatusInternalServerError, "failed to read archive stats")
		return
	}
	devices, err := api.archive.CountByDevice()
	if err != nil {
		api.logger.Error().Err(err).Msg("Failed to count archived records")
		writeDetail(w, http.StatusInternalServerError, "failed to read archive stats")
		return
	}

	stats := ArchiveStats{Storage: storageStats, Devices: devices}
	if api.writer != nil {
		ws := api.writer.Stats()
		stats.Writer = &ws
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeDetail writes an error body of the form {"detail": "..."}
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
