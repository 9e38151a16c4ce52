package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/modelmux/modelmux/pkg/models"
)

// fanoutSubscriberID names the manager's bus subscription.
const fanoutSubscriberID = "websocket-fanout"

// fanoutBuffer sizes the manager's bus subscription. WebSocket writes
// are bounded by writeTimeout, so a deep buffer absorbs bursts without
// letting one stalled client starve the bus.
const fanoutBuffer = 1024

// ConnectionManager manages WebSocket connections and their channel
// subscriptions, and pumps bus events out to subscribed clients.
type ConnectionManager struct {
	bus *Bus

	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Channel subscriptions: channel → set of connection_ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	// Write timeout for WebSocket sends
	writeTimeout time.Duration
}

// Connection represents a single WebSocket client.
//
// subscriptions is accessed WITHOUT a lock. This is safe because all
// reads and writes (subscribe, unsubscribe, unregisterConnection)
// happen on the single goroutine that owns this connection
// (HandleConnection's read loop and its deferred cleanup). If a
// Connection is ever mutated from a different goroutine, subscriptions
// must be protected by a mutex.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool // channels this connection is subscribed to
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a ConnectionManager fed by the given bus.
func NewConnectionManager(bus *Bus, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		bus:          bus,
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]bool),
		writeTimeout: writeTimeout,
	}
}

// Run consumes the bus and fans events out to subscribed clients.
// Blocks until ctx is cancelled; call it in its own goroutine.
func (m *ConnectionManager) Run(ctx context.Context) {
	sub := m.bus.Subscribe(fanoutSubscriberID, fanoutBuffer)
	defer m.bus.Unsubscribe(fanoutSubscriberID)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			m.Broadcast(event)
		}
	}
}

// HandleConnection manages the lifecycle of a single WebSocket
// connection. Called by the WebSocket HTTP handler after upgrade.
// Blocks until the connection closes.
//
// Every connection starts subscribed to the global events channel, so
// clients that never send a subscribe frame still receive the full
// lifecycle stream. Explicit subscribes add scoped channels on top.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.subscribe(c, GlobalChannel)
	m.sendEvent(c, models.NewEvent("connected", map[string]any{
		"connection_id": connID,
	}))

	// Read loop — process client messages until connection closes
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Connection closed or error — exit read loop
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(c, &msg)
	}
}

// Broadcast marshals an event once and sends it to every connection
// subscribed to any of the event's channels. A connection subscribed
// to several matching channels receives the event once.
func (m *ConnectionManager) Broadcast(event models.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Warn("Failed to marshal event for broadcast",
			"event_type", event.Type, "error", err)
		return
	}

	ids := m.subscriberUnion(eventChannels(event))
	if len(ids) == 0 {
		return
	}

	// Snapshot connection pointers under the lock, then release before
	// sending. This avoids holding mu.RLock during potentially slow
	// writes (up to writeTimeout per connection), which would stall
	// connection register/unregister operations.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.sendRaw(conn, data); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", conn.ID, "error", err)
		}
	}
}

// eventChannels derives the channels an event is delivered on from its
// payload: the global channel always, plus the request or discussion
// channel when the payload names one.
func eventChannels(event models.Event) []string {
	channels := []string{GlobalChannel}
	if id, ok := event.Data["request_id"].(string); ok && id != "" {
		channels = append(channels, RequestChannel(id))
	}
	if id, ok := event.Data["session_id"].(string); ok && id != "" {
		channels = append(channels, DiscussionChannel(id))
	}
	return channels
}

// subscriberUnion returns the distinct connection ids subscribed to
// any of the given channels.
func (m *ConnectionManager) subscriberUnion(channels []string) map[string]bool {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()

	ids := make(map[string]bool)
	for _, ch := range channels {
		for id := range m.channels[ch] {
			ids[id] = true
		}
	}
	return ids
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount returns the number of subscribers for a channel.
// Unexported — used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

// handleClientMessage dispatches a client message to the appropriate
// handler.
func (m *ConnectionManager) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Type {
	case "subscribe":
		for _, ch := range msg.Channels {
			if ch == "" {
				continue
			}
			m.subscribe(c, ch)
		}
		m.sendEvent(c, models.NewEvent("subscribed", map[string]any{
			"channels": msg.Channels,
		}))

	case "unsubscribe":
		for _, ch := range msg.Channels {
			m.unsubscribe(c, ch)
		}
		m.sendEvent(c, models.NewEvent("unsubscribed", map[string]any{
			"channels": msg.Channels,
		}))

	case "ping":
		m.sendEvent(c, models.NewEvent("pong", map[string]any{}))
	}
}

// subscribe registers a connection for a channel.
func (m *ConnectionManager) subscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()

	c.subscriptions[channel] = true
}

// unsubscribe removes a connection from a channel.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// registerConnection adds a connection to the tracking map.
func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

// unregisterConnection removes a connection and all its subscriptions.
func (m *ConnectionManager) unregisterConnection(c *Connection) {
	// Remove from all channel subscriptions
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// sendEvent marshals and sends an event envelope to a single connection.
func (m *ConnectionManager) sendEvent(c *Connection, event models.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
