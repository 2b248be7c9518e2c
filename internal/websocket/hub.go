// Package websocket pushes quota changes to connected booth screens and
// devices so they can refresh without polling.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/stamptour/internal/gateway"
	"github.com/dukerupert/stamptour/internal/reward"
)

const (
	TypeQuotaUpdated = "quota_updated"
	TypeLedgerReset  = "ledger_reset"
)

// Message is a push notification. Remaining is the quota snapshot right after
// the write that triggered it.
type Message struct {
	Type      string         `json:"type"`
	Remaining map[string]int `json:"remaining"`
	At        time.Time      `json:"at"`
}

func newMessage(typ string, snap reward.Snapshot, at time.Time) Message {
	remaining := make(map[string]int, len(snap))
	for k, v := range snap {
		remaining[k] = v
	}
	return Message{Type: typ, Remaining: remaining, At: at}
}

// Hub tracks connected clients and fans messages out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
	now     func() time.Time
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
		now:     time.Now,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes c and closes its send channel. Calling it twice is safe.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends msg to every client. Clients whose buffer is full miss it.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug("dropping message for slow client", "type", msg.Type)
		}
	}
}

// Observe converts gateway events into broadcasts. Its signature matches
// gateway.Observer.
func (h *Hub) Observe(event string, snap reward.Snapshot) {
	switch event {
	case gateway.EventAccepted:
		h.Broadcast(newMessage(TypeQuotaUpdated, snap, h.now()))
	case gateway.EventReset:
		h.Broadcast(newMessage(TypeLedgerReset, snap, h.now()))
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
