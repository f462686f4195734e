// Package trade — WebSocket feed for executed trades and rate changes.
package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/swapmkt/lending-engine/internal/metrics"
)

// WSMessage is a JSON message sent to WebSocket clients whenever a pool
// trades or settles.
type WSMessage struct {
	Type        string `json:"type"`
	Symbol      string `json:"symbol"`
	CashGroup   uint16 `json:"cash_group"`
	Maturity    int64  `json:"maturity"`
	Operation   string `json:"operation,omitempty"`
	ImpliedRate string `json:"implied_rate,omitempty"`
	Cash        string `json:"cash,omitempty"`
	FCash       string `json:"fcash,omitempty"`
}

// wsClient is one connection plus its instrument filter. An empty filter
// receives everything.
type wsClient struct {
	conn    *websocket.Conn
	symbols map[string]bool
}

func (c *wsClient) wants(symbol string) bool {
	return len(c.symbols) == 0 || c.symbols[symbol]
}

type wsEnvelope struct {
	symbol string
	data   []byte
}

// WSHub fans executed-trade messages out to connected clients, honoring
// each client's instrument subscription.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan wsEnvelope
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan wsEnvelope, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "total", len(h.clients), "filter", len(c.symbols))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
				metrics.WebSocketClients.Dec()
			}
			h.mu.Unlock()

		case env := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(env.symbol) {
					continue
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, env.data); err != nil {
					c.conn.Close()
					delete(h.clients, c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast sends a message to every client subscribed to its symbol.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- wsEnvelope{symbol: msg.Symbol, data: data}:
	default:
		// Drop if buffer full to avoid blocking trade execution.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrades at GET /api/v1/ws. An optional
// ?symbols=FC-DAI-20260308,FC-DAI-20260606 query restricts the feed to
// those instruments.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn}
	if raw := r.URL.Query().Get("symbols"); raw != "" {
		c.symbols = make(map[string]bool)
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				c.symbols[s] = true
			}
		}
	}

	h.register <- c

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- c }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[c]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
