// Package monitor streams epoch summaries to WebSocket viewers while a run trains.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tsawler/go-detector/logger"
	"github.com/tsawler/go-detector/training"
)

// ErrBusy is returned by ObserveEpoch when the broadcast queue is full
var ErrBusy = errors.New("monitor: broadcast queue is full")

// Upgrader upgrades HTTP connections to WebSocket; CheckOrigin allows all origins.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is the JSON message sent to viewers
type Event struct {
	Type string `json:"type"`
	training.EpochSummary
}

// Hub fans epoch events out to connected viewers. New viewers receive the
// latest event on connect.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	stopOnce   sync.Once
	mutex      sync.RWMutex
	last       []byte
	logger     *logger.Logger
	server     *http.Server
}

// NewHub creates a hub; call Run to start delivering messages
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Discard()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     log,
	}
}

// Run delivers registrations and broadcasts until Stop is called
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("Monitor client connected. Total: %d", count)
			if h.last != nil {
				h.send(client, h.last)
			}

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("Monitor client disconnected. Total: %d", count)

		case message := <-h.broadcast:
			h.last = message
			h.mutex.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mutex.RUnlock()
			for _, client := range clients {
				h.send(client, message)
			}

		case <-h.done:
			h.mutex.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mutex.Unlock()
			return
		}
	}
}

func (h *Hub) send(client *websocket.Conn, message []byte) {
	client.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
		h.logger.Error("Error sending monitor message: %v", err)
		h.mutex.Lock()
		delete(h.clients, client)
		h.mutex.Unlock()
		client.Close()
	}
}

// Stop ends Run and closes every connection
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ObserveEpoch implements training.Observer
func (h *Hub) ObserveEpoch(summary training.EpochSummary) error {
	message, err := json.Marshal(Event{Type: "epoch", EpochSummary: summary})
	if err != nil {
		return fmt.Errorf("failed to encode epoch event: %w", err)
	}

	select {
	case h.broadcast <- message:
		return nil
	case <-h.done:
		return fmt.Errorf("monitor: hub stopped")
	default:
		return ErrBusy
	}
}

// ClientCount returns the number of connected viewers
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Handler upgrades viewers to WebSocket and keeps them registered until they disconnect
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connection, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("WebSocket upgrade error: %v", err)
			return
		}

		select {
		case h.register <- connection:
		case <-h.done:
			connection.Close()
			return
		}
		defer func() {
			select {
			case h.unregister <- connection:
			case <-h.done:
			}
		}()

		connection.SetReadLimit(512)
		for {
			if _, _, err := connection.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Warning("Monitor client read error: %v", err)
				}
				return
			}
		}
	}
}

// Start serves /ws on addr in the background and runs the hub
func (h *Hub) Start(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.Handler())
	h.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go h.Run()
	go func() {
		h.logger.Info("Monitor listening on %s/ws", addr)
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("Monitor server failed: %v", err)
		}
	}()
}

// Shutdown stops the server started by Start and the hub
func (h *Hub) Shutdown(ctx context.Context) error {
	h.Stop()
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}
