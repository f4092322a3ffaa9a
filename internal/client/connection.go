package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/telemetry-receiver/internal/models"
)

const writeWait = 10 * time.Second

// ErrNotConnected is returned when sending without an open connection
var ErrNotConnected = errors.New("not connected")

// ConnectionState represents the current state of the connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (cs ConnectionState) String() string {
	switch cs {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Connection manages the device's WebSocket link to the receiver.
// It reconnects with exponential backoff and drains the reading buffer in batches.
type Connection struct {
	URL string

	conn       *websocket.Conn
	state      ConnectionState
	stateMutex sync.RWMutex
	writeMutex sync.Mutex

	logger zerolog.Logger
	device *models.DeviceInfo
	buffer *ReadingBuffer

	connectTimeout           time.Duration
	reconnectInterval        time.Duration
	maxReconnectInterval     time.Duration
	currentReconnectInterval time.Duration
	pingInterval             time.Duration
	pongTimeout              time.Duration
	flushInterval            time.Duration
	batchSize                int

	lastPong      time.Time
	lastPongMutex sync.RWMutex

	statsMutex sync.Mutex
	stats      ConnectionStats
}

// ConnectionConfig holds configuration for the connection
type ConnectionConfig struct {
	URL                  string
	ConnectTimeout       time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
	FlushInterval        time.Duration
	BatchSize            int
}

// ConnectionStats counts what the receiver has acknowledged
type ConnectionStats struct {
	Accepted      int64     `json:"accepted"`
	Rejected      int64     `json:"rejected"`
	ServerErrors  int64     `json:"server_errors"`
	BatchesSent   int64     `json:"batches_sent"`
	LastDataID    string    `json:"last_data_id"`
	LastAckTime   time.Time `json:"last_ack_time"`
	Reconnections int64     `json:"reconnections"`
}

// NewConnection creates a connection manager. buffer may be nil when the
// caller only sends readings directly.
func NewConnection(config ConnectionConfig, device *models.DeviceInfo, buffer *ReadingBuffer, logger zerolog.Logger) *Connection {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = time.Second
	}
	if config.MaxReconnectInterval < config.ReconnectInterval {
		config.MaxReconnectInterval = config.ReconnectInterval
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = 3 * config.PingInterval
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.BatchSize < 1 {
		config.BatchSize = 50
	}

	return &Connection{
		URL:                      config.URL,
		state:                    StateDisconnected,
		logger:                   logger,
		device:                   device,
		buffer:                   buffer,
		connectTimeout:           config.ConnectTimeout,
		reconnectInterval:        config.ReconnectInterval,
		maxReconnectInterval:     config.MaxReconnectInterval,
		currentReconnectInterval: config.ReconnectInterval,
		pingInterval:             config.PingInterval,
		pongTimeout:              config.PongTimeout,
		flushInterval:            config.FlushInterval,
		batchSize:                config.BatchSize,
	}
}

func (c *Connection) setState(state ConnectionState) {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	c.state = state
	c.logger.Info().Str("state", state.String()).Msg("Connection state updated")
}

// State returns the current connection state
func (c *Connection) State() ConnectionState {
	c.stateMutex.RLock()
	defer c.stateMutex.RUnlock()
	return c.state
}

// IsConnected returns true if currently connected
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *Connection) currentConn() *websocket.Conn {
	c.stateMutex.RLock()
	defer c.stateMutex.RUnlock()
	return c.conn
}

// Connect establishes a WebSocket connection to the receiver and announces the device
func (c *Connection) Connect(ctx context.Context) error {
	c.setState(StateConnecting)
	c.logger.Info().Str("url", c.URL).Msg("Connecting to server...")

	dialer := websocket.Dialer{
		HandshakeTimeout: c.connectTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.setState(StateDisconnected)
		if resp != nil {
			return fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		c.updateLastPong()
		return nil
	})

	c.stateMutex.Lock()
	c.conn = conn
	c.state = StateConnected
	c.stateMutex.Unlock()

	c.currentReconnectInterval = c.reconnectInterval
	c.updateLastPong()
	c.logger.Info().Str("url", c.URL).Msg("Connected to server")

	if err := c.sendHeartbeat(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to announce device")
		c.disconnect()
		return err
	}
	return nil
}

// Run keeps the connection open until ctx is cancelled, reconnecting on failure
func (c *Connection) Run(ctx context.Context) error {
	first := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !first {
			c.statsMutex.Lock()
			c.stats.Reconnections++
			c.statsMutex.Unlock()
		}
		first = false

		if err := c.Connect(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Connection failed")
			c.waitBeforeReconnect(ctx)
			continue
		}

		c.runMessageLoops(ctx)

		c.logger.Info().Msg("Connection lost, will reconnect")
		c.waitBeforeReconnect(ctx)
	}
}

// waitBeforeReconnect sleeps for the current backoff and doubles it
func (c *Connection) waitBeforeReconnect(ctx context.Context) {
	c.logger.Info().Dur("delay", c.currentReconnectInterval).Msg("Waiting before reconnect")
	select {
	case <-time.After(c.currentReconnectInterval):
	case <-ctx.Done():
		return
	}
	c.currentReconnectInterval *= 2
	if c.currentReconnectInterval > c.maxReconnectInterval {
		c.currentReconnectInterval = c.maxReconnectInterval
	}
}

// runMessageLoops runs the read, heartbeat and flush loops until one of them
// fails or parent is cancelled. On cancellation the buffer gets a final flush
// over the still-open socket before the close frame goes out.
func (c *Connection) runMessageLoops(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	conn := c.currentConn()
	var readers, writers sync.WaitGroup

	start := func(wg *sync.WaitGroup, loop func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			loop(ctx)
		}()
	}
	start(&readers, c.readLoop)
	start(&writers, c.heartbeatLoop)
	if c.buffer != nil {
		start(&writers, c.flushLoop)
	}

	<-ctx.Done()
	writers.Wait()

	if parent.Err() != nil {
		if err := c.Flush(); err != nil {
			c.logger.Warn().Err(err).Msg("Final flush failed")
		}
		c.Close()
		readers.Wait()
		return
	}

	// The read loop only returns on a read error, so closing the socket unblocks it
	if conn != nil {
		conn.Close()
	}
	readers.Wait()
	c.disconnect()
}

func (c *Connection) disconnect() {
	c.stateMutex.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	c.stateMutex.Unlock()
	c.logger.Info().Msg("Connection disconnected")
}

// SendBatch sends multiple readings in one message
func (c *Connection) SendBatch(readings []*models.Reading) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if len(readings) == 0 {
		return nil
	}

	batch, err := models.NewBatchMessage(readings)
	if err != nil {
		return err
	}
	msg, err := models.NewMessage(models.MessageTypeBatch, batch)
	if err != nil {
		return fmt.Errorf("failed to create batch message: %w", err)
	}
	if err := c.sendMessage(msg); err != nil {
		return err
	}

	c.statsMutex.Lock()
	c.stats.BatchesSent++
	c.statsMutex.Unlock()
	c.logger.Info().Int("count", len(readings)).Msg("Sent batch of readings")
	return nil
}

// Flush sends everything in the buffer in batches.
// A batch that fails to send goes back to the front of the buffer.
func (c *Connection) Flush() error {
	if c.buffer == nil {
		return nil
	}
	for !c.buffer.IsEmpty() {
		batch := c.buffer.PopBatch(c.batchSize)
		if err := c.SendBatch(batch); err != nil {
			requeued := c.buffer.Requeue(batch)
			c.logger.Warn().Err(err).
				Int("requeued", requeued).
				Int("lost", len(batch)-requeued).
				Msg("Batch send failed")
			return err
		}
	}
	return nil
}

func (c *Connection) sendMessage(msg *models.Message) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func (c *Connection) readLoop(ctx context.Context) {
	c.logger.Debug().Msg("Starting read loop")
	defer c.logger.Debug().Msg("Read loop stopped")

	conn := c.currentConn()
	if conn == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("Read error")
			}
			return
		}
		c.handleMessage(&msg)
	}
}

// handleMessage processes a message received from the receiver
func (c *Connection) handleMessage(msg *models.Message) {
	c.logger.Debug().Str("type", string(msg.Type)).Msg("Received message")
	switch msg.Type {
	case models.MessageTypeAck:
		c.updateLastPong()
		var ack models.AckMessage
		if err := msg.UnmarshalPayload(&ack); err != nil {
			c.logger.Warn().Err(err).Msg("Malformed ack")
			return
		}
		c.recordAck(&ack)
	case models.MessageTypeError:
		c.updateLastPong()
		c.statsMutex.Lock()
		c.stats.ServerErrors++
		c.statsMutex.Unlock()
		var errMsg models.ErrorMessage
		if err := msg.UnmarshalPayload(&errMsg); err == nil {
			c.logger.Warn().Str("code", errMsg.Code).Str("msg", errMsg.Message).Msg("Server error")
		}
	default:
		c.logger.Debug().Str("type", string(msg.Type)).Msg("Unknown message type")
	}
}

func (c *Connection) recordAck(ack *models.AckMessage) {
	accepted := len(ack.DataIDs)
	if accepted == 0 && ack.MessageID != "" && ack.Status == models.AckStatusSuccess {
		accepted = 1
	}

	c.statsMutex.Lock()
	c.stats.Accepted += int64(accepted)
	c.stats.Rejected += int64(ack.Rejected)
	if ack.MessageID != "" {
		c.stats.LastDataID = ack.MessageID
	}
	c.stats.LastAckTime = time.Now()
	c.statsMutex.Unlock()

	event := c.logger.Debug()
	if ack.Rejected > 0 {
		event = c.logger.Warn()
	}
	event.Str("data_id", ack.MessageID).
		Int("accepted", accepted).
		Int("rejected", ack.Rejected).
		Msg("Received ack")
}

func (c *Connection) updateLastPong() {
	c.lastPongMutex.Lock()
	defer c.lastPongMutex.Unlock()
	c.lastPong = time.Now()
}

func (c *Connection) timeSinceLastPong() time.Duration {
	c.lastPongMutex.RLock()
	defer c.lastPongMutex.RUnlock()
	return time.Since(c.lastPong)
}

// heartbeatLoop pings the receiver and gives up when it stops answering
func (c *Connection) heartbeatLoop(ctx context.Context) {
	c.logger.Debug().Msg("Starting heartbeat loop")
	defer c.logger.Debug().Msg("Heartbeat loop stopped")

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.timeSinceLastPong() > c.pongTimeout {
				c.logger.Warn().Msg("No pong received, connection appears dead")
				return
			}
			if err := c.sendHeartbeat(); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to send heartbeat")
				return
			}
			if conn := c.currentConn(); conn != nil {
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					c.logger.Warn().Err(err).Msg("Failed to send ping")
					return
				}
			}
		}
	}
}

// flushLoop periodically drains the buffer
func (c *Connection) flushLoop(ctx context.Context) {
	c.logger.Debug().Msg("Starting flush loop")
	defer c.logger.Debug().Msg("Flush loop stopped")

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Flush(); err != nil {
				return
			}
		}
	}
}

func (c *Connection) sendHeartbeat() error {
	heartbeat := models.HeartbeatMessage{
		DeviceID: c.device.ID,
		Uptime:   int64(c.device.Uptime().Seconds()),
	}
	if c.buffer != nil {
		heartbeat.BufferSize = c.buffer.Size()
	}
	msg, err := models.NewMessage(models.MessageTypeHeartbeat, heartbeat)
	if err != nil {
		return err
	}
	return c.sendMessage(msg)
}

// Stats returns a snapshot of acknowledgement counters
func (c *Connection) Stats() ConnectionStats {
	c.statsMutex.Lock()
	defer c.statsMutex.Unlock()
	return c.stats
}

// Close sends a close frame and shuts the socket
func (c *Connection) Close() error {
	c.logger.Info().Msg("Closing connection")

	if conn := c.currentConn(); conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
	}
	c.disconnect()
	return nil
}
