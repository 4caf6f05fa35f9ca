package http

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/precisionprices/market-pricing/pkg/model"
)

const wsWriteWait = 5 * time.Second

// MarketUpdate is the message pushed to websocket subscribers.
type MarketUpdate struct {
	Type      string              `json:"type"`
	Aggregate model.MarketSummary `json:"aggregate"`
}

// Hub pushes aggregate changes to websocket clients. A client may subscribe to
// one geo key with ?geoKey=; otherwise it receives everything.
type Hub struct {
	mu       sync.Mutex
	clients  map[*websocket.Conn]string
	upgrader websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		clients:  make(map[*websocket.Conn]string),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// NotifyAggregate implements market.UpdateNotifier.
func (h *Hub) NotifyAggregate(agg model.MarketAggregate) {
	msg, err := json.Marshal(MarketUpdate{Type: "aggregate", Aggregate: model.Summarize(agg)})
	if err != nil {
		log.Printf("websocket: marshal update: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c, filter := range h.clients {
		if filter != "" && filter != agg.GeoKey {
			continue
		}
		_ = c.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Printf("websocket: write error: %v", err)
			c.Close()
			delete(h.clients, c)
		}
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Handler upgrades the request and keeps the connection registered until the client goes away.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := model.CanonicalGeoKey(r.URL.Query().Get("geoKey"))
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("websocket: upgrade error: %v", err)
			return
		}
		h.mu.Lock()
		h.clients[conn] = filter
		h.mu.Unlock()
		go func() {
			defer func() {
				h.mu.Lock()
				delete(h.clients, conn)
				h.mu.Unlock()
				conn.Close()
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}
