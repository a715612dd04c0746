// Package events fans alert lifecycle events out to connected WebSocket
// subscribers. The hub is an AlertSink: the alert engine pushes into it and
// never learns who is listening.
package events

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stringwatch/stringwatch/internal/database"
)

// EventType tags a broadcast message
type EventType string

const (
	EventAlertOpened   EventType = "alert_opened"
	EventAlertResolved EventType = "alert_resolved"
)

// Event is the wire format pushed to subscribers
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Alert     database.Alert `json:"alert"`
}

const (
	writeTimeout = 10 * time.Second
	sendBuffer   = 16
)

// subscriber pairs a connection with its outbound queue. A dedicated writer
// goroutine drains the queue, so broadcasters never touch the socket.
type subscriber struct {
	conn *websocket.Conn
	send chan Event
}

// Hub tracks subscriber connections and broadcasts events to all of them.
// A subscriber whose queue fills up is dropped rather than allowed to stall
// the rest.
type Hub struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	subs     map[*subscriber]bool
}

// NewHub creates an empty event hub
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		subs: make(map[*subscriber]bool),
	}
}

// SetupRoutes registers the event feed endpoint
func (h *Hub) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/events", h.HandleWebSocket)
}

// HandleWebSocket upgrades the connection and keeps it registered until the
// client goes away. The feed is one-directional; inbound frames are read
// only to detect the close.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Events] WebSocket upgrade failed: %v", err)
		return
	}

	sub := &subscriber{conn: conn, send: make(chan Event, sendBuffer)}
	h.mu.Lock()
	h.subs[sub] = true
	count := len(h.subs)
	h.mu.Unlock()
	log.Printf("[Events] Subscriber connected (%d total)", count)

	go h.writeLoop(sub)
	go h.readLoop(sub)
}

func (h *Hub) readLoop(sub *subscriber) {
	defer h.drop(sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	for event := range sub.send {
		sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := sub.conn.WriteJSON(event); err != nil {
			log.Printf("[Events] Dropping subscriber on write error: %v", err)
			h.drop(sub)
			return
		}
	}
}

// drop unregisters the subscriber. Closing the send channel under the lock
// is safe because Broadcast only queues while holding the same lock.
func (h *Hub) drop(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.send)
		sub.conn.Close()
	}
	count := len(h.subs)
	h.mu.Unlock()
	log.Printf("[Events] Subscriber disconnected (%d total)", count)
}

// Broadcast queues an event for every subscriber without touching any
// socket, so callers (the alert engine inside a poll cycle) never wait on a
// slow client. A subscriber whose queue is full is dropped.
func (h *Hub) Broadcast(event Event) {
	var stalled []*subscriber
	h.mu.Lock()
	for sub := range h.subs {
		select {
		case sub.send <- event:
		default:
			stalled = append(stalled, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range stalled {
		log.Printf("[Events] Dropping slow subscriber, queue full")
		h.drop(sub)
	}
}

// SubscriberCount returns the number of connected subscribers
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// AlertOpened implements the alert engine's sink contract
func (h *Hub) AlertOpened(alert database.Alert) {
	h.Broadcast(Event{Type: EventAlertOpened, Timestamp: time.Now(), Alert: alert})
}

// AlertResolved implements the alert engine's sink contract
func (h *Hub) AlertResolved(alert database.Alert) {
	h.Broadcast(Event{Type: EventAlertResolved, Timestamp: time.Now(), Alert: alert})
}
