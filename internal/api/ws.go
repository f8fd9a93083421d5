package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/isucon/isucon8-final/internal/models"
)

// Quote is the market snapshot pushed to websocket subscribers after
// settlement activity.
type Quote struct {
	LowestSellPrice int64         `json:"lowest_sell_price,omitempty"`
	HighestBuyPrice int64         `json:"highest_buy_price,omitempty"`
	LastTrade       *models.Trade `json:"last_trade,omitempty"`
}

// Hub fans quotes out to connected websocket clients.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// ServeWS upgrades the connection and keeps it registered until the peer
// goes away. Clients only receive; inbound messages are discarded.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("websocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
			return
		}
	}
}

// Broadcast sends the quote to every client, dropping clients whose writes
// fail.
func (h *Hub) Broadcast(q Quote) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteJSON(q); err != nil {
			logrus.WithError(err).Warn("websocket write failed")
			delete(h.clients, conn)
			conn.Close()
		}
	}
}
