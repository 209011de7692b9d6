// Package audit keeps a live, replayable record of everything the trading
// pipeline decides. Events fan out to WebSocket subscribers and land in an
// in-memory ring so an operator connecting mid-match can see how the system
// got here.
package audit

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType classifies audit events.
type EventType string

const (
	EventDraftApplied EventType = "draft_applied"
	EventEstimate     EventType = "estimate"
	EventEdge         EventType = "edge"
	EventDecision     EventType = "decision"
	EventOrderResult  EventType = "order_result"
	EventError        EventType = "error"
	EventHeartbeat    EventType = "heartbeat"
)

// Event is one audit record.
type Event struct {
	Type      EventType `json:"type"`
	MatchID   string    `json:"match_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Hub fans audit events out to WebSocket clients and a bounded ring.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool

	ring    []Event
	ringCap int
	ringPos int

	broadcast  chan Event
	register   chan *client
	unregister chan *client
	stopCh     chan struct{}

	upgrader websocket.Upgrader
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub with a ring of ringCap events.
func NewHub(ringCap int) *Hub {
	if ringCap <= 0 {
		ringCap = 512
	}
	return &Hub{
		clients:    make(map[*client]bool),
		ring:       make([]Event, 0, ringCap),
		ringCap:    ringCap,
		broadcast:  make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		stopCh:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run pumps the hub until Stop.
func (h *Hub) Run() {
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("[AUDIT] client connected (%d total)", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.dispatch(ev)

		case <-heartbeat.C:
			h.Publish(Event{Type: EventHeartbeat, Data: map[string]any{"clients": h.ClientCount()}})

		case <-h.stopCh:
			return
		}
	}
}

// Stop ends the Run loop.
func (h *Hub) Stop() {
	close(h.stopCh)
}

// Publish queues an event. Never blocks; when the queue is full the event is
// dropped rather than stalling the trading path.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- ev:
	default:
		log.Printf("[AUDIT] queue full, dropping %s", ev.Type)
	}
}

func (h *Hub) dispatch(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[AUDIT] marshal: %v", err)
		return
	}

	h.mu.Lock()
	if ev.Type != EventHeartbeat {
		if len(h.ring) < h.ringCap {
			h.ring = append(h.ring, ev)
		} else {
			h.ring[h.ringPos] = ev
			h.ringPos = (h.ringPos + 1) % h.ringCap
		}
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow client; cut it loose.
			close(c.send)
			delete(h.clients, c)
		}
	}
	h.mu.Unlock()
}

// Recent returns the ring's events oldest-first.
func (h *Hub) Recent() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Event, 0, len(h.ring))
	if len(h.ring) < h.ringCap {
		return append(out, h.ring...)
	}
	out = append(out, h.ring[h.ringPos:]...)
	return append(out, h.ring[:h.ringPos]...)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request into an audit subscription.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[AUDIT] upgrade: %v", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
