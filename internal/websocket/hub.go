package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/bachixxx/coachbilling/internal/billing/model"
)

const (
	TypeActivated   = "entitlement_activated"
	TypeDeactivated = "entitlement_deactivated"
)

// Message is the notification sent to feed subscribers for one committed
// slot transition.
type Message struct {
	Type    string     `json:"type"`
	CoachID string     `json:"coach_id"`
	Slot    model.Slot `json:"slot"`
	Ref     string     `json:"ref,omitempty"`
	EventID string     `json:"event_id"`
	At      time.Time  `json:"at"`
}

// NewMessage builds the feed message for a slot change.
func NewMessage(change model.SlotChange, at time.Time) Message {
	typ := TypeDeactivated
	if change.Active {
		typ = TypeActivated
	}
	return Message{
		Type:    typ,
		CoachID: change.CoachID,
		Slot:    change.Slot,
		Ref:     change.Ref,
		EventID: change.EventID,
		At:      at.UTC(),
	}
}

// Hub maintains the set of feed subscribers and broadcasts entitlement changes.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("feed client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Publish broadcasts one message per change.
func (h *Hub) Publish(changes []model.SlotChange) {
	now := time.Now()
	for _, c := range changes {
		h.Broadcast(NewMessage(c, now))
	}
}

// Broadcast sends a message to all connected clients. A client whose buffer is
// full misses the message.
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
			h.logger.Warn("feed client buffer full, dropping message", "type", msg.Type, "coach_id", msg.CoachID)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
