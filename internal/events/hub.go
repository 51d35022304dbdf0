// Package events streams trade lifecycle events over WebSocket.
//
// The escrow core only decides THAT something notable happened; this
// hub fans the decision out to subscribed operator dashboards and the
// chat integration, which render it however they like. Subscribers can
// filter by event type, trade, or channel.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/otcbridge/otcbridge/internal/metrics"
	"github.com/otcbridge/otcbridge/internal/trade"
)

// Lifecycle event names emitted by the core services.
const (
	EventTradeOpened     = "trade_opened"
	EventTermsFinalized  = "terms_finalized"
	EventDepositPartial  = "deposit_partial"
	EventDepositComplete = "deposit_complete"
	EventReleaseExecuted = "release_executed"
	EventRefundExecuted  = "refund_executed"
	EventDisputeOpened   = "dispute_opened"
	EventChannelRecycled = "channel_recycled"
	EventChannelParked   = "channel_parked"
)

// normalCloseCodes are WebSocket close codes for expected disconnects.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Event is one trade lifecycle notification.
type Event struct {
	Type      string       `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	TradeID   string       `json:"tradeId,omitempty"`
	ChannelID string       `json:"channelId,omitempty"`
	Status    trade.Status `json:"status,omitempty"`
	Trade     *trade.Trade `json:"trade,omitempty"`
}

// Subscription filters for one client. Zero value means everything.
type Subscription struct {
	EventTypes []string `json:"eventTypes"`
	TradeIDs   []string `json:"tradeIds"`
	ChannelIDs []string `json:"channelIds"`
}

func (s Subscription) matches(e *Event) bool {
	if !containsOrEmpty(s.EventTypes, e.Type) {
		return false
	}
	if !containsOrEmpty(s.TradeIDs, e.TradeID) {
		return false
	}
	return containsOrEmpty(s.ChannelIDs, e.ChannelID)
}

func containsOrEmpty(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// client is one WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients bounds concurrent WebSocket connections.
const MaxClients = 1000

// Hub manages all event subscribers.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan *Event
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalEvents atomic.Int64
}

// NewHub creates the event hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// TradeEvent implements the Notifier interface used by the trade,
// deposit, and settlement services.
func (h *Hub) TradeEvent(event string, t *trade.Trade) {
	e := &Event{Type: event, Timestamp: time.Now()}
	if t != nil {
		e.TradeID = t.ID
		e.ChannelID = t.ChannelID
		e.Status = t.Status
		e.Trade = t
	}
	h.Broadcast(e)
}

// ChannelEvent reports a pool event not tied to a live trade record.
func (h *Hub) ChannelEvent(event, channelID, tradeID string) {
	h.Broadcast(&Event{
		Type:      event,
		Timestamp: time.Now(),
		TradeID:   tradeID,
		ChannelID: channelID,
	})
}

// Broadcast queues an event for delivery, dropping it if the hub is
// saturated rather than blocking the caller.
func (h *Hub) Broadcast(e *Event) {
	select {
	case h.broadcast <- e:
	default:
		h.logger.Warn("event broadcast channel full, dropping event", "type", e.Type)
	}
}

// Run starts the hub's main loop. Call in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("event hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveEventSubscribers.Set(0)
			h.logger.Info("event hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveEventSubscribers.Set(float64(n))
			h.logger.Info("event subscriber connected", "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveEventSubscribers.Set(float64(n))
			h.logger.Info("event subscriber disconnected", "total", n)

		case e := <-h.broadcast:
			h.totalEvents.Add(1)
			payload, err := json.Marshal(e)
			if err != nil {
				h.logger.Error("failed to serialize event", "type", e.Type, "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*client
			for c := range h.clients {
				c.mu.RLock()
				match := c.sub.matches(e)
				c.mu.RUnlock()
				if !match {
					continue
				}
				select {
				case c.send <- payload:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					if _, ok := h.clients[c]; ok {
						close(c.send)
						delete(h.clients, c)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// Stats returns hub counters.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}

	h.register <- c

	go c.writePump()
	go c.readPump()
}

// readPump reads subscription updates and keeps the connection alive.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes events and pings to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
