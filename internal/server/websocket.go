package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-doa/internal/doa"
	"github.com/teslashibe/go-doa/internal/protocol"
)

// wsClient serializes writes to one connection
type wsClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	return c.write(data)
}

// WSHub manages WebSocket connections and broadcasts controller outputs
type WSHub struct {
	controller *doa.Controller
	logger     *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*wsClient

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSHub creates a new WebSocket hub
func NewWSHub(controller *doa.Controller, logger *slog.Logger) *WSHub {
	return &WSHub{
		controller: controller,
		logger:     logger,
		clients:    make(map[*websocket.Conn]*wsClient),
		done:       make(chan struct{}),
	}
}

// Run forwards every controller output to connected clients and announces
// mode changes (blocking, use goroutine)
func (h *WSHub) Run(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	defer close(h.done)

	if h.controller == nil {
		<-ctx.Done()
		return
	}

	outputs := h.controller.Subscribe()
	defer h.controller.Unsubscribe(outputs)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	lastMode := h.controller.Mode()

	h.logger.Info("websocket hub started")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket hub stopped")
			return
		case out, ok := <-outputs:
			if !ok {
				h.logger.Info("websocket hub stopped", "reason", "controller closed")
				return
			}
			msg, err := protocol.FromOutput(out)
			if err != nil {
				h.logger.Warn("websocket marshal error", "error", err)
				continue
			}
			h.broadcast(msg)
		case <-ticker.C:
			// Immediate mode change notification
			mode := h.controller.Mode()
			if mode == lastMode {
				continue
			}
			lastMode = mode
			if msg, err := protocol.NewModeMessage(mode.String()); err == nil {
				h.broadcast(msg)
			}
			h.logger.Debug("mode change", "mode", mode)
		}
	}
}

func (h *WSHub) broadcast(msg *protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if err := client.write(data); err != nil {
			// Will be cleaned up when connection closes
			h.logger.Debug("websocket write error", "client", client.id, "error", err)
		}
	}
}

// UpgradeHandler returns the WebSocket upgrade handler
func (h *WSHub) UpgradeHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return websocket.New(h.handleConnection)(c)
		}

		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error":   "WebSocket upgrade required",
			"message": "Connect via WebSocket to receive DOA stream",
		})
	}
}

func (h *WSHub) handleConnection(c *websocket.Conn) {
	client := &wsClient{id: uuid.NewString(), conn: c}

	h.mu.Lock()
	h.clients[c] = client
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		"client", client.id,
		"remote_addr", c.RemoteAddr().String(),
		"clients", clientCount,
	)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		clientCount := len(h.clients)
		h.mu.Unlock()

		h.logger.Info("websocket client disconnected",
			"client", client.id,
			"clients", clientCount,
		)
	}()

	// Greet with the current mode
	if h.controller != nil {
		if msg, err := protocol.NewModeMessage(h.controller.Mode().String()); err == nil {
			client.send(msg)
		}
	}

	// Keep connection alive, read for close or commands
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			// Connection closed
			break
		}

		h.handleCommand(client, data)
	}
}

func (h *WSHub) handleCommand(client *wsClient, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		h.logger.Debug("invalid websocket message", "client", client.id, "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		if pong, err := protocol.NewPongMessage(); err == nil {
			client.send(pong)
		}
	case protocol.TypeMode:
		if h.controller == nil {
			return
		}
		req, err := msg.GetMode()
		if err != nil {
			return
		}
		mode, err := h.controller.Request(req.Mode, req.Toggle)
		if err != nil {
			h.logger.Warn("rejected mode request", "client", client.id, "error", err)
			return
		}
		if reply, err := protocol.NewModeMessage(mode.String()); err == nil {
			client.send(reply)
		}
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close shuts down the WebSocket hub
func (h *WSHub) Close() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}

	// Close all client connections
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*wsClient)
	h.mu.Unlock()
}
