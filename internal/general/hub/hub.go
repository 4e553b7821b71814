package hub

import (
	"context"
	"errors"
	"sync"

	"ridelink/internal/domain/user"
	"ridelink/internal/general/contracts"
	"ridelink/internal/general/logger"
)

var ErrInvalidRole = errors.New("hub: invalid role")

// Conn is the transport side of a registered session. A gorilla websocket
// connection satisfies it once wrapped with a write mutex.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// session is one connected user plus its fan-out indexes.
type session struct {
	conn  Conn
	role  user.Role
	rooms map[string]struct{}
}

// Hub stores all active sessions keyed by user ID, with secondary indexes by
// role and by room so broadcast rules can target groups without scanning.
// Same-user reconnects replace the previous session.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
	roles    map[user.Role]map[string]struct{}
	rooms    map[string]map[string]struct{}
	log      *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.New("hub")
	}
	return &Hub{
		sessions: make(map[string]*session),
		roles:    make(map[user.Role]map[string]struct{}),
		rooms:    make(map[string]map[string]struct{}),
		log:      log,
	}
}

// Add registers a session under a user ID. An existing session for the same
// user is closed and dropped from every index first.
func (hub *Hub) Add(id string, role user.Role, conn Conn) error {
	if !role.Valid() {
		return ErrInvalidRole
	}

	hub.mu.Lock()
	hub.removeLocked(id)
	hub.sessions[id] = &session{conn: conn, role: role, rooms: make(map[string]struct{})}
	if hub.roles[role] == nil {
		hub.roles[role] = make(map[string]struct{})
	}
	hub.roles[role][id] = struct{}{}
	hub.mu.Unlock()

	hub.log.Info(context.Background(), "session_registered", "Session registered", map[string]any{
		"user_id": id,
		"role":    role.String(),
	})
	return nil
}

// Remove closes and forgets a session, clearing its role and room memberships.
func (hub *Hub) Remove(id string) {
	hub.mu.Lock()
	removed := hub.removeLocked(id)
	hub.mu.Unlock()

	if removed {
		hub.log.Info(context.Background(), "session_removed", "Session removed", map[string]any{
			"user_id": id,
		})
	}
}

// RemoveSession forgets a session only while conn is still the one registered
// under id. A handler whose session was replaced by a reconnect tears down as
// a no-op, so the replacement stays reachable. Reports whether it removed.
func (hub *Hub) RemoveSession(id string, conn Conn) bool {
	hub.mu.Lock()
	s, ok := hub.sessions[id]
	if !ok || s.conn != conn {
		hub.mu.Unlock()
		return false
	}
	hub.removeLocked(id)
	hub.mu.Unlock()

	hub.log.Info(context.Background(), "session_removed", "Session removed", map[string]any{
		"user_id": id,
	})
	return true
}

func (hub *Hub) removeLocked(id string) bool {
	s, ok := hub.sessions[id]
	if !ok {
		return false
	}
	_ = s.conn.Close()
	delete(hub.sessions, id)
	delete(hub.roles[s.role], id)
	for room := range s.rooms {
		delete(hub.rooms[room], id)
		if len(hub.rooms[room]) == 0 {
			delete(hub.rooms, room)
		}
	}
	return true
}

// JoinRoom subscribes a connected user to a room, e.g. one ride's
// participants. Unknown users are ignored.
func (hub *Hub) JoinRoom(id, room string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	s, ok := hub.sessions[id]
	if !ok {
		return
	}
	s.rooms[room] = struct{}{}
	if hub.rooms[room] == nil {
		hub.rooms[room] = make(map[string]struct{})
	}
	hub.rooms[room][id] = struct{}{}
}

// LeaveRoom removes a room membership. Empty rooms are dropped.
func (hub *Hub) LeaveRoom(id, room string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if s, ok := hub.sessions[id]; ok {
		delete(s.rooms, room)
	}
	delete(hub.rooms[room], id)
	if len(hub.rooms[room]) == 0 {
		delete(hub.rooms, room)
	}
}

// SendToUser transmits one message to a single user. A disconnected user is
// not an error: the message is simply not delivered here.
func (hub *Hub) SendToUser(userID string, msg contracts.ChannelMessage) error {
	hub.mu.RLock()
	s, ok := hub.sessions[userID]
	hub.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.conn.WriteJSON(msg)
}

// SendToRole fans a message out to every connected user holding the role.
// Individual write failures are joined so one dead socket cannot hide others.
func (hub *Hub) SendToRole(role string, msg contracts.ChannelMessage) error {
	parsed, err := user.ParseRole(role)
	if err != nil {
		return ErrInvalidRole
	}
	return hub.fanOut(hub.idsByRole(parsed), msg)
}

// SendToRoom fans a message out to every member of a room.
func (hub *Hub) SendToRoom(roomID string, msg contracts.ChannelMessage) error {
	return hub.fanOut(hub.idsByRoom(roomID), msg)
}

// Connected returns all connected user IDs.
func (hub *Hub) Connected() []string {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	ids := make([]string, 0, len(hub.sessions))
	for id := range hub.sessions {
		ids = append(ids, id)
	}
	return ids
}

// RoomMembers returns the user IDs currently in a room.
func (hub *Hub) RoomMembers(room string) []string {
	return hub.idsByRoom(room)
}

func (hub *Hub) idsByRole(role user.Role) []string {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	ids := make([]string, 0, len(hub.roles[role]))
	for id := range hub.roles[role] {
		ids = append(ids, id)
	}
	return ids
}

func (hub *Hub) idsByRoom(room string) []string {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	ids := make([]string, 0, len(hub.rooms[room]))
	for id := range hub.rooms[room] {
		ids = append(ids, id)
	}
	return ids
}

func (hub *Hub) fanOut(ids []string, msg contracts.ChannelMessage) error {
	var errs []error
	for _, id := range ids {
		hub.mu.RLock()
		s, ok := hub.sessions[id]
		hub.mu.RUnlock()
		if !ok {
			continue
		}
		if err := s.conn.WriteJSON(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
