package main

import (
	"fmt"
	"sync"
)

// Event is one unit of real-time traffic pushed to a connected client.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// EventSender is the minimal interface the hub needs from a connection:
// the ability to enqueue an event for delivery to the connected client.
type EventSender interface {
	SendEvent(Event) error
}

// Hub tracks which users are currently connected and which connections are
// subscribed to which conversation rooms, so the server can push messages,
// deletions, typing and presence events to the right endpoints. A user may
// hold several simultaneous connections (tabs, devices).
//
// The maps are owned exclusively by the hub and mutated only through its
// entry points; no other component reaches into them.
type Hub struct {
	mu     sync.RWMutex
	users  map[string]map[string]EventSender // userID → connID → sender
	rooms  map[string]map[string]EventSender // conversationID → connID → sender
	conns  map[string]string                 // connID → userID
	joined map[string]map[string]bool        // connID → set of joined room ids
}

// NewHub creates a new hub instance.
func NewHub() *Hub {
	return &Hub{
		users:  make(map[string]map[string]EventSender),
		rooms:  make(map[string]map[string]EventSender),
		conns:  make(map[string]string),
		joined: make(map[string]map[string]bool),
	}
}

// Register registers a connection for the given user. It returns true when
// this is the user's first active connection (the caller then marks the
// user online and broadcasts the presence change).
func (h *Hub) Register(userID, connID string, s EventSender) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.users[userID]; !ok {
		h.users[userID] = make(map[string]EventSender)
	}
	h.users[userID][connID] = s
	h.conns[connID] = userID
	return len(h.users[userID]) == 1
}

// Unregister removes a connection and its room subscriptions. It returns
// the user id and true when this was the user's last connection (the
// caller then marks the user offline).
func (h *Hub) Unregister(connID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID, ok := h.conns[connID]
	if !ok {
		return "", false
	}
	delete(h.conns, connID)

	for roomID := range h.joined[connID] {
		h.removeFromRoom(roomID, connID)
	}
	delete(h.joined, connID)

	if conns, ok := h.users[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.users, userID)
			return userID, true
		}
	}
	return userID, false
}

// JoinRoom subscribes a connection to a conversation's broadcast channel.
func (h *Hub) JoinRoom(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID, ok := h.conns[connID]
	if !ok {
		return
	}
	sender, ok := h.users[userID][connID]
	if !ok {
		return
	}

	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[string]EventSender)
	}
	h.rooms[roomID][connID] = sender

	if _, ok := h.joined[connID]; !ok {
		h.joined[connID] = make(map[string]bool)
	}
	h.joined[connID][roomID] = true
}

// LeaveRoom unsubscribes a connection from a conversation's channel.
func (h *Hub) LeaveRoom(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoom(roomID, connID)
	delete(h.joined[connID], roomID)
}

// removeFromRoom must be called with the lock held.
func (h *Hub) removeFromRoom(roomID, connID string) {
	if conns, ok := h.rooms[roomID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// SendToUser delivers an event to all of a user's connections. If the user
// is not connected, returns an error; delivery is otherwise best-effort,
// and connections whose send fails are dropped from the hub so stale
// endpoints don't accumulate.
func (h *Hub) SendToUser(userID string, ev Event) error {
	h.mu.RLock()
	conns := h.snapshotUser(userID)
	h.mu.RUnlock()

	if len(conns) == 0 {
		return fmt.Errorf("user %s not connected", userID)
	}
	h.deliver(conns, ev)
	return nil
}

// SendToUserOutsideRoom delivers an event to the user's connections that
// are NOT subscribed to the given room — the sidebar-update path: sessions
// with the conversation open get the full message through the room instead.
func (h *Hub) SendToUserOutsideRoom(userID, roomID string, ev Event) {
	h.mu.RLock()
	conns := map[string]EventSender{}
	for connID, s := range h.users[userID] {
		if !h.joined[connID][roomID] {
			conns[connID] = s
		}
	}
	h.mu.RUnlock()

	h.deliver(conns, ev)
}

// BroadcastRoom delivers an event to every connection subscribed to the
// room, except excludeConnID (the originating connection, which already
// has an optimistic copy).
func (h *Hub) BroadcastRoom(roomID string, ev Event, excludeConnID string) {
	h.mu.RLock()
	conns := map[string]EventSender{}
	for connID, s := range h.rooms[roomID] {
		if connID != excludeConnID {
			conns[connID] = s
		}
	}
	h.mu.RUnlock()

	h.deliver(conns, ev)
}

// BroadcastAll delivers an event to every connection except excludeConnID.
func (h *Hub) BroadcastAll(ev Event, excludeConnID string) {
	h.mu.RLock()
	conns := map[string]EventSender{}
	for connID, userID := range h.conns {
		if connID == excludeConnID {
			continue
		}
		if s, ok := h.users[userID][connID]; ok {
			conns[connID] = s
		}
	}
	h.mu.RUnlock()

	h.deliver(conns, ev)
}

// OnlineUserIDs returns the ids of all currently-connected users.
func (h *Hub) OnlineUserIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.users))
	for id := range h.users {
		ids = append(ids, id)
	}
	return ids
}

// snapshotUser must be called with at least a read lock held.
func (h *Hub) snapshotUser(userID string) map[string]EventSender {
	conns := map[string]EventSender{}
	for connID, s := range h.users[userID] {
		conns[connID] = s
	}
	return conns
}

// deliver sends best-effort and unregisters connections whose send failed
// (queue full or closed), so broken endpoints don't linger in the hub.
func (h *Hub) deliver(conns map[string]EventSender, ev Event) {
	var failed []string
	for connID, s := range conns {
		if err := s.SendEvent(ev); err != nil {
			failed = append(failed, connID)
		}
	}
	for _, connID := range failed {
		h.Unregister(connID)
	}
}
