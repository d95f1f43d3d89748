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

// catchupLimit bounds how many buffered events a reconnecting client
// may replay before being told to fall back to a REST reload (spec
// §6.3, grounded on the teacher's pkg/events.catchupLimit).
const catchupLimit = 200

// writeTimeout bounds a single WebSocket write.
const writeTimeout = 5 * time.Second

// CatchupEvent is one event replayed to a reconnecting subscriber.
type CatchupEvent struct {
	SeqID   int64
	Payload map[string]any
}

// CatchupSource answers catch-up queries from durable storage,
// implemented by internal/database against the events table.
type CatchupSource interface {
	EventsSince(ctx context.Context, topic string, sinceSeq int64, limit int) ([]CatchupEvent, error)
}

// ClientMessage is the JSON shape of client -> server WebSocket frames
// (spec §6.3 subscription protocol; shape grounded on the teacher's
// events.ClientMessage).
type ClientMessage struct {
	Action      string `json:"action"` // subscribe, unsubscribe, catchup, ping
	Topic       string `json:"topic,omitempty"`
	LastEventID *int64 `json:"last_event_id,omitempty"`
}

// ConnectionManager serves the WebSocket subscription channel of spec
// §6.3, relaying Bus events to subscribed connections and replaying a
// bounded catch-up window on (re)subscribe. Grounded directly on the
// teacher's pkg/events.ConnectionManager.
type ConnectionManager struct {
	bus     *Bus
	catchup CatchupSource

	mu          sync.RWMutex
	connections map[string]*connection

	topicMu sync.RWMutex
	topics  map[string]map[string]bool // topic -> connection ids
}

type connection struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	subs   map[string]int // topic -> bus subscription id, owned by this connection's goroutine only
}

// NewConnectionManager constructs a manager backed by the given Bus
// and catch-up source.
func NewConnectionManager(bus *Bus, catchup CatchupSource) *ConnectionManager {
	return &ConnectionManager{
		bus:         bus,
		catchup:     catchup,
		connections: make(map[string]*connection),
		topics:      make(map[string]map[string]bool),
	}
}

// HandleConnection drives a single upgraded WebSocket connection until
// it closes. Call from the HTTP handler after websocket.Accept.
func (m *ConnectionManager) HandleConnection(parent context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parent)
	c := &connection{
		id:     uuid.NewString(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]int),
	}

	m.mu.Lock()
	m.connections[c.id] = c
	m.mu.Unlock()
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{"type": "connection.established", "connection_id": c.id})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("invalid websocket message", "connection_id", c.id, "error", err)
			continue
		}
		m.handleMessage(ctx, c, msg)
	}
}

func (m *ConnectionManager) handleMessage(ctx context.Context, c *connection, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Topic == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "topic is required"})
			return
		}
		m.subscribe(c, msg.Topic)
		m.sendJSON(c, map[string]string{"type": "subscription.confirmed", "topic": msg.Topic})
		m.replayCatchup(ctx, c, msg.Topic, 0)
	case "unsubscribe":
		if msg.Topic != "" {
			m.unsubscribe(c, msg.Topic)
		}
	case "catchup":
		if msg.Topic != "" && msg.LastEventID != nil {
			m.replayCatchup(ctx, c, msg.Topic, *msg.LastEventID)
		}
	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

func (m *ConnectionManager) subscribe(c *connection, topic string) {
	m.topicMu.Lock()
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[string]bool)
	}
	m.topics[topic][c.id] = true
	m.topicMu.Unlock()

	subID := m.bus.Subscribe(topic, func(ev Event) {
		m.sendJSON(c, map[string]any{
			"type":    "event",
			"topic":   ev.Topic,
			"event":   ev.Type,
			"payload": ev.Payload,
		})
	})
	c.subs[topic] = subID
}

func (m *ConnectionManager) unsubscribe(c *connection, topic string) {
	if subID, ok := c.subs[topic]; ok {
		m.bus.Unsubscribe(topic, subID)
		delete(c.subs, topic)
	}
	m.topicMu.Lock()
	delete(m.topics[topic], c.id)
	if len(m.topics[topic]) == 0 {
		delete(m.topics, topic)
	}
	m.topicMu.Unlock()
}

// replayCatchup sends buffered events since lastSeq, or a
// catchup.overflow signal telling the client to fall back to a REST
// re-fetch if more than catchupLimit events were missed (spec §6.3:
// "subscription updates >=70% smaller than polled GETs").
func (m *ConnectionManager) replayCatchup(ctx context.Context, c *connection, topic string, lastSeq int64) {
	if m.catchup == nil {
		return
	}
	evs, err := m.catchup.EventsSince(ctx, topic, lastSeq, catchupLimit+1)
	if err != nil {
		slog.Error("catchup query failed", "topic", topic, "error", err)
		return
	}
	hasMore := len(evs) > catchupLimit
	if hasMore {
		evs = evs[:catchupLimit]
	}
	for _, ev := range evs {
		payload := map[string]any{}
		for k, v := range ev.Payload {
			payload[k] = v
		}
		payload["seq_id"] = ev.SeqID
		m.sendJSON(c, map[string]any{"type": "event", "topic": topic, "payload": payload})
	}
	if hasMore {
		m.sendJSON(c, map[string]any{"type": "catchup.overflow", "topic": topic, "has_more": true})
	}
}

func (m *ConnectionManager) unregister(c *connection) {
	for topic := range c.subs {
		m.unsubscribe(c, topic)
	}
	m.mu.Lock()
	delete(m.connections, c.id)
	m.mu.Unlock()
	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to marshal websocket message", "connection_id", c.id, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Warn("failed to write websocket message", "connection_id", c.id, "error", err)
	}
}

// ActiveConnections returns the current connection count.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}
