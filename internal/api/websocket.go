package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mescon/stallarr/internal/domain"
	"github.com/mescon/stallarr/internal/eventbus"
	"github.com/mescon/stallarr/internal/logger"
)

// newWebSocketUpgrader returns an upgrader that accepts the same origins as
// the CORS middleware.
func newWebSocketUpgrader(corsOrigins string) websocket.Upgrader {
	allowedOrigins := make(map[string]bool)
	if corsOrigins != "" && corsOrigins != "*" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if corsOrigins == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			if corsOrigins == "" {
				// No origin header = same-origin request
				if origin == "" {
					return true
				}
				return strings.Contains(origin, r.Host)
			}
			return allowedOrigins[origin]
		},
	}
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

// hubMessage is the envelope every websocket frame uses.
type hubMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// WebSocketHub streams domain events and log lines to connected clients.
type WebSocketHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan hubMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stop       chan struct{}
	stopOnce   sync.Once
	logCh      chan logger.LogEntry
	upgrader   websocket.Upgrader
	mu         sync.Mutex
}

// NewWebSocketHub subscribes to every event on eb. A nil eb yields a hub
// that only streams log lines. corsOrigins has the CORSOrigins format.
func NewWebSocketHub(eb eventbus.Publisher, corsOrigins string) *WebSocketHub {
	h := &WebSocketHub{
		upgrader:   newWebSocketUpgrader(corsOrigins),
		broadcast:  make(chan hubMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stop:       make(chan struct{}),
		clients:    make(map[*websocket.Conn]bool),
	}

	if eb != nil {
		eb.SubscribeAll(func(e domain.Event) {
			h.send(hubMessage{Type: "event", Data: e})
		})
	}

	h.logCh = logger.Subscribe()
	go func() {
		for entry := range h.logCh {
			h.send(hubMessage{Type: "log", Data: entry})
		}
	}()

	go h.run()
	return h
}

// send queues msg for broadcast. It drops the message once the hub is closed.
func (h *WebSocketHub) send(msg hubMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.stop:
	}
}

func (h *WebSocketHub) run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				_ = client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			logger.Debugf("WebSocket client connected (Total: %d)", len(h.clients))
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				if err := client.Close(); err != nil {
					logger.Debugf("WebSocket close error: %v", err)
				}
				logger.Debugf("WebSocket client disconnected")
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				_ = client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteJSON(message); err != nil {
					logger.Debugf("WebSocket write error: %v", err)
					_ = client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// HandleConnection upgrades the request and blocks until the client goes away.
func (h *WebSocketHub) HandleConnection(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorf("Failed to upgrade to WebSocket: %v", err)
		return
	}

	select {
	case h.register <- ws:
	case <-h.stop:
		_ = ws.Close()
		return
	}

	// Initial hello, written under the hub lock so it cannot interleave with a broadcast.
	h.mu.Lock()
	if err := ws.WriteJSON(hubMessage{Type: "ping", Data: time.Now().UTC()}); err != nil {
		logger.Debugf("Failed to send initial ping: %v", err)
	}
	h.mu.Unlock()

	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Debugf("Failed to set initial read deadline: %v", err)
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(ws, done)

	defer func() {
		select {
		case h.unregister <- ws:
		case <-h.stop:
		}
	}()

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocketHub) pingLoop(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-h.stop:
			return
		case <-ticker.C:
			h.mu.Lock()
			if !h.clients[ws] {
				h.mu.Unlock()
				return
			}
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			h.mu.Unlock()
			if err != nil {
				logger.Debugf("WebSocket ping error: %v", err)
				_ = ws.Close()
				return
			}
		}
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and stops the log stream.
func (h *WebSocketHub) Close() {
	h.stopOnce.Do(func() {
		close(h.stop)
		logger.Unsubscribe(h.logCh)
	})
}
