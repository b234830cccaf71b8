package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// StreamManager bridges the in-process Bus to WebSocket clients. Each
// connection gets its own bus subscription, so a slow client sheds its
// own events without affecting the pipeline or other clients.
type StreamManager struct {
	bus          *Bus
	writeTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]*streamConn
}

type streamConn struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// NewStreamManager creates a stream manager over the given bus.
func NewStreamManager(bus *Bus, writeTimeout time.Duration) *StreamManager {
	return &StreamManager{
		bus:          bus,
		writeTimeout: writeTimeout,
		conns:        make(map[string]*streamConn),
	}
}

// HandleConnection owns the lifecycle of one WebSocket client. Blocks
// until the connection closes or the bus shuts down.
func (m *StreamManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	sub, err := m.bus.Subscribe(0)
	if err != nil {
		_ = conn.Close(websocket.StatusGoingAway, "event bus closed")
		return
	}
	defer m.bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	c := &streamConn{
		id:     uuid.New().String(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}
	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.id,
	})

	// Reader goroutine: we accept no client commands, but reading is how
	// websocket close frames and pings are processed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				slog.Warn("Failed to marshal stream event", "error", err)
				continue
			}
			if err := m.sendRaw(c, data); err != nil {
				slog.Warn("Failed to send to WebSocket client",
					"connection_id", c.id, "error", err)
				return
			}
		}
	}
}

// ActiveConnections returns the number of connected clients.
func (m *StreamManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *StreamManager) register(c *streamConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.id] = c
}

func (m *StreamManager) unregister(c *streamConn) {
	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (m *StreamManager) sendJSON(c *streamConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.id, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.id, "error", err)
	}
}

func (m *StreamManager) sendRaw(c *streamConn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
