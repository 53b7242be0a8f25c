// Package realtime implements the WebSocket gateway: room registry,
// server-initiated broadcasts, and typing-indicator state.
//
// Rooms are logical channels named "project:<id>" and "user:<id>". The
// user room is derived from the authenticated socket binding at upgrade
// time; project rooms are joined on request after a membership check in
// the app layer. Broadcasts are fire-and-forget: a client that cannot
// keep up is disconnected rather than blocking the room.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

const (
	// EventNewMessage and friends are the server→client event names.
	EventNewMessage          = "new-message"
	EventMessageUpdated      = "message-updated"
	EventMessageDeleted      = "message-deleted"
	EventUserTyping          = "user-typing"
	EventUserStopTyping      = "user-stop-typing"
	EventNewNotification     = "new-notification"
	EventNotificationUpdated = "notification-updated"
	EventNotificationDeleted = "notification-deleted"
	EventProjectNotification = "project-notification"
)

// typingTTL bounds how long a typing indicator survives without a
// refresh. Clients debounce at 2s; the server sweep covers clients that
// disconnect or never send stop-typing.
const typingTTL = 5 * time.Second

func ProjectRoom(projectID string) string {
	return "project:" + projectID
}

func UserRoom(userID string) string {
	return "user:" + userID
}

type typingEntry struct {
	userName string
	lastSeen time.Time
}

type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
	// typing state per project room, keyed by user id
	typing map[string]map[string]typingEntry
}

func NewHub() *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Client]struct{}),
		typing: make(map[string]map[string]typingEntry),
	}
}

// Run sweeps stale typing indicators until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepTyping(time.Now())
		}
	}
}

// Join adds the client to a room. Joining a room the client is already
// in is a no-op, so a socket is never registered twice.
func (h *Hub) Join(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[client] = struct{}{}
	client.rooms[room] = struct{}{}
}

func (h *Hub) Leave(client *Client, room string) {
	h.mu.Lock()
	stop := h.leaveLocked(client, room)
	h.mu.Unlock()
	for _, event := range stop {
		h.broadcast(room, EventUserStopTyping, event, nil)
	}
}

// leaveLocked removes the client from a room and clears its typing entry.
// It returns payloads for the stop-typing broadcasts the caller must emit
// after releasing the lock.
func (h *Hub) leaveLocked(client *Client, room string) []map[string]any {
	members, ok := h.rooms[room]
	if !ok {
		return nil
	}
	delete(members, client)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	delete(client.rooms, room)

	var stops []map[string]any
	if entries, ok := h.typing[room]; ok {
		if _, wasTyping := entries[client.UserID]; wasTyping {
			delete(entries, client.UserID)
			stops = append(stops, map[string]any{"userId": client.UserID, "userName": client.UserName})
		}
		if len(entries) == 0 {
			delete(h.typing, room)
		}
	}
	return stops
}

// RemoveClient detaches a disconnected client from every room it joined
// and emits user-stop-typing where it had an active indicator.
func (h *Hub) RemoveClient(client *Client) {
	h.mu.Lock()
	stops := make(map[string][]map[string]any)
	for room := range client.rooms {
		if events := h.leaveLocked(client, room); len(events) > 0 {
			stops[room] = events
		}
	}
	h.mu.Unlock()
	for room, events := range stops {
		for _, event := range events {
			h.broadcast(room, EventUserStopTyping, event, nil)
		}
	}
}

func (h *Hub) InRoom(client *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][client]
	return ok
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// NotifyUser emits an event to every connection in the user's private room.
func (h *Hub) NotifyUser(userID, event string, payload any) {
	h.broadcast(UserRoom(userID), event, payload, nil)
}

// NotifyProject emits an event to every socket in the project room.
func (h *Hub) NotifyProject(projectID, event string, payload any) {
	h.broadcast(ProjectRoom(projectID), event, payload, nil)
}

// NotifyProjectExcept emits to the project room, skipping the originating
// socket so the sender does not double-apply its own optimistic update.
func (h *Hub) NotifyProjectExcept(projectID string, except *Client, event string, payload any) {
	h.broadcast(ProjectRoom(projectID), event, payload, except)
}

func (h *Hub) broadcast(room, event string, payload any, except *Client) {
	frame, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		log.Printf("realtime: marshal %s event: %v", event, err)
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.rooms[room]))
	for client := range h.rooms[room] {
		if client == except {
			continue
		}
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if !client.enqueue(frame) {
			log.Printf("realtime: dropping slow client user=%s room=%s", client.UserID, room)
			client.close()
		}
	}
}

// StartTyping records a typing indicator for the client in the project
// room and fans out user-typing to the other room members.
func (h *Hub) StartTyping(client *Client, projectID string) {
	room := ProjectRoom(projectID)
	h.mu.Lock()
	entries, ok := h.typing[room]
	if !ok {
		entries = make(map[string]typingEntry)
		h.typing[room] = entries
	}
	entries[client.UserID] = typingEntry{userName: client.UserName, lastSeen: time.Now()}
	h.mu.Unlock()

	h.broadcast(room, EventUserTyping, map[string]any{
		"userId":    client.UserID,
		"userName":  client.UserName,
		"projectId": projectID,
	}, client)
}

// StopTyping clears the indicator and fans out user-stop-typing.
func (h *Hub) StopTyping(client *Client, projectID string) {
	room := ProjectRoom(projectID)
	h.mu.Lock()
	entries, ok := h.typing[room]
	cleared := false
	if ok {
		if _, wasTyping := entries[client.UserID]; wasTyping {
			delete(entries, client.UserID)
			cleared = true
		}
		if len(entries) == 0 {
			delete(h.typing, room)
		}
	}
	h.mu.Unlock()

	if cleared {
		h.broadcast(room, EventUserStopTyping, map[string]any{
			"userId":    client.UserID,
			"userName":  client.UserName,
			"projectId": projectID,
		}, client)
	}
}

// sweepTyping expires indicators that were not refreshed within typingTTL.
func (h *Hub) sweepTyping(now time.Time) {
	type expired struct {
		room     string
		userID   string
		userName string
	}
	h.mu.Lock()
	var stale []expired
	for room, entries := range h.typing {
		for userID, entry := range entries {
			if now.Sub(entry.lastSeen) > typingTTL {
				delete(entries, userID)
				stale = append(stale, expired{room: room, userID: userID, userName: entry.userName})
			}
		}
		if len(entries) == 0 {
			delete(h.typing, room)
		}
	}
	h.mu.Unlock()

	for _, entry := range stale {
		h.broadcast(entry.room, EventUserStopTyping, map[string]any{
			"userId":   entry.userID,
			"userName": entry.userName,
		}, nil)
	}
}

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}
