package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	wshandler "github.com/windfall/kaiwa/internal/handler/ws"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// Client is one live-session connection.
type Client struct {
	ID      string
	Hub     *WebSocketHub
	Conn    *websocket.Conn
	Session *wshandler.Handler

	mu     sync.Mutex
	send   chan []byte
	closed bool
	cancel context.CancelFunc
}

// WebSocketHub tracks live-session connections. Each connection runs its own
// session controller; nothing is shared between them.
type WebSocketHub struct {
	deps     wshandler.Deps
	upgrader websocket.Upgrader

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	log        zerolog.Logger
}

// NewWebSocketHub creates a hub whose sessions use deps. Origins lists the
// allowed browser origins; "*" or an empty list allows any.
func NewWebSocketHub(deps wshandler.Deps, origins []string, log zerolog.Logger) *WebSocketHub {
	return &WebSocketHub{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(origins),
		},
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log,
	}
}

func checkOrigin(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(origins) == 0 {
			return true
		}
		for _, o := range origins {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Run tracks connections until ctx ends, then closes every connection.
func (h *WebSocketHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.log.Info().Msg("WebSocket hub shutting down")
			h.mu.Lock()
			for client := range h.clients {
				client.shutdown()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Info().Str("client_id", client.ID).Msg("Client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.shutdown()
			}
			h.mu.Unlock()
			h.log.Info().Str("client_id", client.ID).Msg("Client disconnected")
		}
	}
}

// HandleWebSocket upgrades the request and starts a session for it.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	// The session outlives the upgrade request.
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		ID:     uuid.NewString(),
		Hub:    h,
		Conn:   conn,
		send:   make(chan []byte, sendBuffer),
		cancel: cancel,
	}
	client.Session = wshandler.NewHandler(client.ID, h.deps, client.enqueue)

	select {
	case h.register <- client:
	case <-h.done:
		cancel()
		conn.Close()
		return
	}

	go client.writePump()
	go func() {
		if err := client.Session.Run(ctx); err != nil && err != context.Canceled {
			h.log.Warn().Err(err).Str("client_id", client.ID).Msg("session ended")
		}
	}()
	go client.readPump(ctx)
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// enqueue hands a frame to the write pump. A client that cannot keep up
// loses frames rather than stalling its session.
func (c *Client) enqueue(r wshandler.Response) {
	data, err := json.Marshal(r)
	if err != nil {
		c.Hub.log.Error().Err(err).Str("type", r.Type).Msg("Failed to encode WebSocket message")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.Hub.log.Warn().Str("client_id", c.ID).Str("type", r.Type).Msg("WebSocket send buffer full, dropping message")
	}
}

// shutdown stops the session and the write pump. Safe to call twice.
func (c *Client) shutdown() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	c.Conn.Close()
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.cancel()
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.log.Error().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var env wshandler.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.Hub.log.Debug().Err(err).Msg("Failed to parse WebSocket message")
			c.enqueue(wshandler.Response{Type: wshandler.TypeError, Payload: map[string]string{"error": "invalid message"}})
			continue
		}
		c.Session.Handle(ctx, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
