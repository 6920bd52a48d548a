// Package uplink pushes DOA results to a remote display over WebSocket
package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-doa/internal/doa"
	"github.com/teslashibe/go-doa/internal/protocol"
)

// SessionHeader carries the client session ID on the handshake
const SessionHeader = "X-DOA-Session"

// Config holds uplink client configuration
type Config struct {
	URL              string        // WebSocket URL (e.g., "ws://display.local:8080/ws/doa")
	ReconnectBackoff time.Duration // Initial reconnect delay
	MaxBackoff       time.Duration // Maximum reconnect delay
	PingInterval     time.Duration // Ping interval for keepalive
	WriteTimeout     time.Duration // Write timeout
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8080/ws/doa",
		ReconnectBackoff: 1 * time.Second,
		MaxBackoff:       30 * time.Second,
		PingInterval:     10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Client manages the WebSocket connection to a remote display
type Client struct {
	cfg       Config
	logger    *slog.Logger
	sessionID string

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc

	// Called when the remote side requests a mode change
	onModeRequest func(protocol.ModeData)

	// Stats
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	messagesDropped  atomic.Uint64
	reconnects       atomic.Uint64
}

// NewClient creates a new uplink client with a fresh session ID
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	sessionID := uuid.NewString()

	return &Client{
		cfg:       cfg,
		logger:    logger.With("session", sessionID),
		sessionID: sessionID,
	}
}

// SessionID returns the ID sent on every handshake
func (c *Client) SessionID() string {
	return c.sessionID
}

// OnModeRequest sets the callback for remote mode requests
func (c *Client) OnModeRequest(callback func(protocol.ModeData)) {
	c.mu.Lock()
	c.onModeRequest = callback
	c.mu.Unlock()
}

// Connect starts the connection loop in the background
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	go c.connectionLoop(ctx)
	return nil
}

// connectionLoop manages connection with auto-reconnect
func (c *Client) connectionLoop(ctx context.Context) {
	backoff := c.cfg.ReconnectBackoff

	for {
		select {
		case <-ctx.Done():
			c.closeConnection()
			return
		default:
		}

		err := c.connect(ctx)
		if err != nil {
			c.logger.Warn("uplink connection failed",
				"error", err,
				"retry_in", backoff,
			)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}

			// Exponential backoff
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			c.reconnects.Add(1)
			continue
		}

		// Reset backoff on successful connection
		backoff = c.cfg.ReconnectBackoff

		// Read messages until error
		c.readLoop(ctx)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		c.reconnects.Add(1)
	}
}

// connect establishes the WebSocket connection
func (c *Client) connect(ctx context.Context) error {
	c.logger.Info("connecting uplink", "url", c.cfg.URL)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	header := http.Header{}
	header.Set(SessionHeader, c.sessionID)

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("uplink connected")

	// Start ping goroutine
	go c.pingLoop(ctx, conn)

	return nil
}

// pingLoop sends periodic pings on conn until it is replaced or closed
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop reads messages from the remote side
func (c *Client) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("read error", "error", err)
			}
			c.closeConnection()
			return
		}

		c.messagesReceived.Add(1)
		c.handleMessage(data)
	}
}

// handleMessage processes incoming messages
func (c *Client) handleMessage(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		c.logger.Warn("parse message error", "error", err)
		return
	}

	c.mu.Lock()
	modeCb := c.onModeRequest
	c.mu.Unlock()

	switch msg.Type {
	case protocol.TypeMode:
		if modeCb != nil {
			req, err := msg.GetMode()
			if err == nil {
				modeCb(*req)
			}
		}

	case protocol.TypePing:
		if pong, err := protocol.NewPongMessage(); err == nil {
			c.SendMessage(pong)
		}
	}
}

// SendMessage sends a message to the remote side
func (c *Client) SendMessage(msg *protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := msg.Bytes()
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Warn("send error", "error", err)
		c.closeConnection()
		return fmt.Errorf("write: %w", err)
	}

	c.messagesSent.Add(1)
	return nil
}

// SendOutput sends a controller output as a doa or calibration message
func (c *Client) SendOutput(out doa.Output) error {
	msg, err := protocol.FromOutput(out)
	if err != nil {
		return err
	}
	return c.SendMessage(msg)
}

// SendMode announces the current controller mode
func (c *Client) SendMode(mode doa.Mode) error {
	msg, err := protocol.NewModeMessage(mode.String())
	if err != nil {
		return err
	}
	return c.SendMessage(msg)
}

// Forward sends every output received on outputs until ctx ends or the
// channel is closed. Outputs produced while disconnected are dropped.
func (c *Client) Forward(ctx context.Context, outputs <-chan doa.Output) {
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-outputs:
			if !ok {
				return
			}
			if !c.IsConnected() {
				c.messagesDropped.Add(1)
				continue
			}
			if err := c.SendOutput(out); err != nil {
				c.messagesDropped.Add(1)
			}
		}
	}
}

// closeConnection closes the WebSocket connection
func (c *Client) closeConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close shuts down the client
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.closeConnection()
	return nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stats contains uplink statistics
type Stats struct {
	Connected        bool   `json:"connected"`
	SessionID        string `json:"session_id"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesDropped  uint64 `json:"messages_dropped"`
	Reconnects       uint64 `json:"reconnects"`
}

// GetStats returns client statistics
func (c *Client) GetStats() Stats {
	return Stats{
		Connected:        c.IsConnected(),
		SessionID:        c.sessionID,
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		MessagesDropped:  c.messagesDropped.Load(),
		Reconnects:       c.reconnects.Load(),
	}
}
