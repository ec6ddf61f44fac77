// Package events streams tracker activity to websocket subscribers.
package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/omnicloud/peerswarm/internal/tracker"
)

// Message is one event as sent to subscribers.
type Message struct {
	MessageID string    `json:"message_id"`
	Type      string    `json:"type"`
	InfoHash  string    `json:"info_hash"`
	PeerID    string    `json:"peer_id"`
	Event     string    `json:"event,omitempty"`
	Peers     int       `json:"peers"`
	Timestamp time.Time `json:"timestamp"`
}

// Client is one websocket subscriber.
type Client struct {
	ID          uuid.UUID
	Username    string
	RemoteAddr  string
	Conn        *websocket.Conn
	Send        chan []byte
	Hub         *Hub
	ConnectedAt time.Time
}

// Hub fans registry events out to every subscriber.
type Hub struct {
	clients   map[uuid.UUID]*Client
	clientsMu sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Run serves register, unregister and broadcast requests until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastMessage(message)

		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	h.clients[client.ID] = client
	log.Printf("[events] Subscriber connected: %s (%s) - total: %d", client.Username, client.RemoteAddr, len(h.clients))
}

func (h *Hub) unregisterClient(client *Client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
		log.Printf("[events] Subscriber disconnected: %s (%s) - total: %d", client.Username, client.RemoteAddr, len(h.clients))
	}
}

func (h *Hub) broadcastMessage(message []byte) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	for id, client := range h.clients {
		select {
		case client.Send <- message:
		default:
			log.Printf("[events] Send buffer full, dropping subscriber %s", client.RemoteAddr)
			delete(h.clients, id)
			close(client.Send)
		}
	}
}

func (h *Hub) closeAll() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.Send)
	}
}

// ClientCount returns the number of subscribers.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Publish queues a registry event for every subscriber. It never blocks the
// registry; events are dropped when the queue is full.
func (h *Hub) Publish(ev tracker.Event) {
	data, err := json.Marshal(Message{
		MessageID: uuid.NewString(),
		Type:      ev.Type,
		InfoHash:  ev.InfoHash,
		PeerID:    ev.PeerID,
		Event:     ev.Event,
		Peers:     ev.Peers,
		Timestamp: ev.Time,
	})
	if err != nil {
		log.Printf("[events] Failed to encode event: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Printf("[events] Broadcast queue full, dropping %s event", ev.Type)
	}
}
