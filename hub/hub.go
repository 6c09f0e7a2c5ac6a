package hub

import (
	"log/slog"
	"sort"
	"sync"

	"riderconnect-server/domain"
)

type room struct {
	clients map[string]domain.Connection
	mu      sync.RWMutex
}

// Hub is the room membership index: group id -> subscribed connections.
// It knows nothing about identities; a connection may sit in a room before
// its identity is registered as online.
type Hub struct {
	rooms map[string]*room
	subs  map[string]map[string]struct{} // connId -> group ids
	mu    sync.RWMutex
}

func New() *Hub {
	return &Hub{
		rooms: make(map[string]*room),
		subs:  make(map[string]map[string]struct{}),
	}
}

func (h *Hub) Subscribe(groupID string, conn domain.Connection) {
	h.mu.Lock()
	r, exists := h.rooms[groupID]
	if !exists {
		r = &room{clients: make(map[string]domain.Connection)}
		h.rooms[groupID] = r
	}
	if h.subs[conn.ID()] == nil {
		h.subs[conn.ID()] = make(map[string]struct{})
	}
	h.subs[conn.ID()][groupID] = struct{}{}
	h.mu.Unlock()

	r.mu.Lock()
	_, already := r.clients[conn.ID()]
	r.clients[conn.ID()] = conn
	count := len(r.clients)
	r.mu.Unlock()

	if !already {
		slog.Debug("connection subscribed", "groupId", groupID, "connId", conn.ID(), "clients", count)
	}
}

func (h *Hub) Unsubscribe(groupID string, conn domain.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(groupID, conn.ID())
}

// UnsubscribeAll removes the connection from every room and returns the group ids it left.
func (h *Hub) UnsubscribeAll(conn domain.Connection) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	groups := make([]string, 0, len(h.subs[conn.ID()]))
	for groupID := range h.subs[conn.ID()] {
		groups = append(groups, groupID)
	}
	for _, groupID := range groups {
		h.unsubscribeLocked(groupID, conn.ID())
	}
	sort.Strings(groups)
	return groups
}

func (h *Hub) unsubscribeLocked(groupID, connID string) {
	if groups, ok := h.subs[connID]; ok {
		delete(groups, groupID)
		if len(groups) == 0 {
			delete(h.subs, connID)
		}
	}

	r, exists := h.rooms[groupID]
	if !exists {
		return
	}

	r.mu.Lock()
	delete(r.clients, connID)
	count := len(r.clients)
	r.mu.Unlock()

	if count == 0 {
		delete(h.rooms, groupID)
		slog.Debug("room removed", "groupId", groupID)
	}
}

func (h *Hub) Broadcast(groupID string, data []byte) {
	h.mu.RLock()
	r, exists := h.rooms[groupID]
	h.mu.RUnlock()

	if !exists {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conn := range r.clients {
		if err := conn.Send(data); err != nil {
			slog.Warn("dropping unresponsive connection", "groupId", groupID, "connId", conn.ID(), "error", err)
			// Closing the transport ends its read loop, which reports the
			// disconnect so presence follows.
			go func(c domain.Connection) {
				h.Unsubscribe(groupID, c)
				if err := c.Close(); err != nil {
					slog.Debug("close unresponsive connection", "connId", c.ID(), "error", err)
				}
			}(conn)
		}
	}
}

func (h *Hub) IsSubscribed(groupID, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[connID][groupID]
	return ok
}

// Rooms returns a sorted snapshot of the non-empty rooms.
func (h *Hub) Rooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	groups := make([]string, 0, len(h.rooms))
	for groupID := range h.rooms {
		groups = append(groups, groupID)
	}
	sort.Strings(groups)
	return groups
}

func (h *Hub) Stats() (rooms, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms = len(h.rooms)
	for _, r := range h.rooms {
		r.mu.RLock()
		clients += len(r.clients)
		r.mu.RUnlock()
	}
	return rooms, clients
}
