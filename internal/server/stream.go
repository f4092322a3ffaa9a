package server

import (
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/telemetry-receiver/internal/ingest"
	"github.com/afroash/telemetry-receiver/internal/models"
)

// Constants for WebSocket timeouts
const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// Error codes sent in error envelopes
const (
	ErrCodeInvalidReading = "invalid_reading"
	ErrCodeBadMessage     = "bad_message"
	ErrCodeUnknownType    = "unknown_type"
	ErrCodeInternal       = "internal_error"
)

// StreamHandler accepts device WebSocket connections on /sensor-stream
// and feeds every reading they send through the ingest service.
type StreamHandler struct {
	upgrader       websocket.Upgrader
	service        Ingestor
	logger         zerolog.Logger
	allowedOrigins []string

	mutex    sync.RWMutex
	sessions map[string]*session
}

// session is one live device connection. writeMu serializes writes on conn.
type session struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	writeMu     sync.Mutex
	deviceID    string
	connectedAt time.Time
	lastSeen    time.Time
	received    int
	rejected    int
}

// SessionInfo is a point-in-time view of a stream session
type SessionInfo struct {
	SessionID   string    `json:"session_id"`
	DeviceID    string    `json:"device_id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	Received    int       `json:"received"`
	Rejected    int       `json:"rejected"`
}

// NewStreamHandler creates a new WebSocket handler.
// With no allowed origins only same-origin (no Origin header) requests are accepted.
func NewStreamHandler(service Ingestor, logger zerolog.Logger, allowedOrigins ...string) *StreamHandler {
	h := &StreamHandler{
		service:        service,
		logger:         logger,
		allowedOrigins: allowedOrigins,
		sessions:       make(map[string]*session),
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	return h
}

// checkOrigin validates the request's Origin against the allowlist
func (h *StreamHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range h.allowedOrigins {
		if origin == allowed {
			return true
		}
	}

	h.logger.Warn().Str("origin", origin).Msg("Rejected WebSocket connection: origin not in allowlist")
	return false
}

// ServeHTTP upgrades the request and runs the session until it closes
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	now := time.Now()
	s := &session{
		id:          uuid.NewString(),
		conn:        conn,
		remoteAddr:  r.RemoteAddr,
		connectedAt: now,
		lastSeen:    now,
	}

	h.mutex.Lock()
	h.sessions[s.id] = s
	h.mutex.Unlock()

	h.logger.Info().Str("session_id", s.id).Str("remote_addr", s.remoteAddr).Msg("Device connected")

	defer conn.Close()
	defer h.removeSession(s.id)

	h.readLoop(s)
}

func (h *StreamHandler) readLoop(s *session) {
	s.conn.SetReadLimit(maxBodyBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg models.Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				h.logger.Warn().Str("session_id", s.id).Int64("limit", maxBodyBytes).Msg("Message too large, closing session")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Str("session_id", s.id).Msg("WebSocket error")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleMessage(s, &msg)
	}
}

func (h *StreamHandler) handleMessage(s *session, msg *models.Message) {
	h.logger.Debug().Str("session_id", s.id).Str("type", string(msg.Type)).Msg("Received message")
	h.touch(s, "")

	switch msg.Type {
	case models.MessageTypeReading:
		h.handleReading(s, msg)
	case models.MessageTypeBatch:
		h.handleBatch(s, msg)
	case models.MessageTypeHeartbeat:
		h.handleHeartbeat(s, msg)
	default:
		h.logger.Warn().Str("type", string(msg.Type)).Msg("Unknown message type")
		h.sendError(s, ErrCodeUnknownType, "unknown message type: "+string(msg.Type))
	}
}

// handleReading receives one reading and answers with an ack or an error
func (h *StreamHandler) handleReading(s *session, msg *models.Message) {
	raw, err := models.DecodeObject(msg.Payload)
	if err != nil {
		h.count(s, 0, 1)
		h.sendError(s, ErrCodeBadMessage, "invalid data format: "+err.Error())
		return
	}

	ack, err := h.service.Receive(raw)
	if err != nil {
		h.count(s, 0, 1)
		if ingest.IsValidationError(err) {
			h.sendError(s, ErrCodeInvalidReading, "invalid data format: "+err.Error())
			return
		}
		h.logger.Error().Err(err).Msg("Failed to receive reading")
		h.sendError(s, ErrCodeInternal, "failed to store reading")
		return
	}

	if deviceID, ok := raw[ingest.FieldDeviceID].(string); ok {
		h.touch(s, deviceID)
	}
	h.count(s, 1, 0)

	h.sendAck(s, models.AckMessage{
		MessageID:  ack.DataID,
		Status:     ack.Status,
		ReceivedAt: ack.ReceivedAt,
	})
}

// handleBatch receives every reading in the batch independently.
// One ack lists the accepted ids; rejected readings are only counted.
func (h *StreamHandler) handleBatch(s *session, msg *models.Message) {
	var batch models.BatchMessage
	if err := msg.UnmarshalPayload(&batch); err != nil {
		h.sendError(s, ErrCodeBadMessage, "invalid batch: "+err.Error())
		return
	}

	ids := make([]string, 0, len(batch.Readings))
	rejected := 0
	var lastReceived time.Time
	for _, payload := range batch.Readings {
		raw, err := models.DecodeObject(payload)
		if err != nil {
			rejected++
			continue
		}
		ack, err := h.service.Receive(raw)
		if err != nil {
			if !ingest.IsValidationError(err) {
				h.logger.Error().Err(err).Msg("Failed to receive reading")
			}
			rejected++
			continue
		}
		if deviceID, ok := raw[ingest.FieldDeviceID].(string); ok {
			h.touch(s, deviceID)
		}
		ids = append(ids, ack.DataID)
		lastReceived = ack.ReceivedAt
	}
	h.count(s, len(ids), rejected)

	h.logger.Info().
		Str("session_id", s.id).
		Int("accepted", len(ids)).
		Int("rejected", rejected).
		Msg("Batch received")

	status := models.AckStatusSuccess
	if len(ids) == 0 && rejected > 0 {
		status = "rejected"
	}
	messageID := ""
	if len(ids) > 0 {
		messageID = ids[len(ids)-1]
	}
	h.sendAck(s, models.AckMessage{
		MessageID:  messageID,
		Status:     status,
		DataIDs:    ids,
		Rejected:   rejected,
		ReceivedAt: lastReceived,
	})
}

// handleHeartbeat records the device id and last-seen time; it is not acknowledged
func (h *StreamHandler) handleHeartbeat(s *session, msg *models.Message) {
	var heartbeat models.HeartbeatMessage
	if err := msg.UnmarshalPayload(&heartbeat); err != nil {
		h.sendError(s, ErrCodeBadMessage, "invalid heartbeat: "+err.Error())
		return
	}

	h.touch(s, heartbeat.DeviceID)
	h.logger.Debug().
		Str("device_id", heartbeat.DeviceID).
		Int64("uptime", heartbeat.Uptime).
		Int("buffer_size", heartbeat.BufferSize).
		Msg("Heartbeat received")
}

func (h *StreamHandler) sendAck(s *session, ack models.AckMessage) {
	h.send(s, models.MessageTypeAck, ack)
}

func (h *StreamHandler) sendError(s *session, code, message string) {
	h.send(s, models.MessageTypeError, models.ErrorMessage{Code: code, Message: message})
}

func (h *StreamHandler) send(s *session, msgType models.MessageType, payload any) {
	msg, err := models.NewMessage(msgType, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(msgType)).Msg("Failed to create message")
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		h.logger.Warn().Err(err).Str("type", string(msgType)).Msg("Failed to send message")
	}
}

// touch updates last-seen and, when deviceID is non-empty, the session's device
func (h *StreamHandler) touch(s *session, deviceID string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	s.lastSeen = time.Now()
	if deviceID != "" {
		s.deviceID = deviceID
	}
}

func (h *StreamHandler) count(s *session, received, rejected int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	s.received += received
	s.rejected += rejected
}

func (h *StreamHandler) removeSession(id string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return
	}
	delete(h.sessions, id)
	h.logger.Info().
		Str("session_id", id).
		Str("device_id", s.deviceID).
		Int("received", s.received).
		Int("rejected", s.rejected).
		Msg("Device disconnected")
}

// Sessions returns the live sessions, oldest first
func (h *StreamHandler) Sessions() []SessionInfo {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	infos := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		infos = append(infos, SessionInfo{
			SessionID:   s.id,
			DeviceID:    s.deviceID,
			RemoteAddr:  s.remoteAddr,
			ConnectedAt: s.connectedAt,
			LastSeen:    s.lastSeen,
			Received:    s.received,
			Rejected:    s.rejected,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// CloseAll closes every live connection, used on shutdown
func (h *StreamHandler) CloseAll() {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for _, s := range h.sessions {
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		s.writeMu.Unlock()
		s.conn.Close()
	}
}
