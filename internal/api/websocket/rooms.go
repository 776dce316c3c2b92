package websocket

import (
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/observability"
)

// session is one connection's membership in a room
type session struct {
	conn      *Connection
	role      string
	joinedAt  time.Time
	cursor    *models.Position
	selection *models.Selection
}

// Room is the set of sessions editing one workflow. Its mutex is the
// serialization point for that workflow: structural operations hold it across
// apply and fan-out, so peers observe every operation in a single global
// order.
type Room struct {
	workflowID string

	// mu guards sessions, lastModified, and destroyed, and orders operation
	// fan-out
	mu           sync.Mutex
	sessions     map[string]*session
	lastModified time.Time

	// destroyed marks a room the registry has already torn down; a join that
	// raced the last leave must retry against a fresh room
	destroyed bool
}

func newRoom(workflowID string) *Room {
	return &Room{
		workflowID: workflowID,
		sessions:   make(map[string]*session),
	}
}

// WorkflowID returns the workflow this room serves
func (r *Room) WorkflowID() string { return r.workflowID }

// Size returns the number of live sessions
func (r *Room) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// UniqueUsers counts distinct users; one user with several sockets counts once
func (r *Room) UniqueUsers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make(map[string]struct{}, len(r.sessions))
	for _, sess := range r.sessions {
		users[sess.conn.UserID()] = struct{}{}
	}
	return len(users)
}

// LastModified returns the time of the room's last committed operation
func (r *Room) LastModified() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastModified
}

// PresenceSnapshot lists the room's sessions. One user with two sockets
// appears twice; entries are keyed by socket, not user.
func (r *Room) PresenceSnapshot() []models.PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presenceLocked()
}

func (r *Room) presenceLocked() []models.PresenceEntry {
	entries := make([]models.PresenceEntry, 0, len(r.sessions))
	for id, sess := range r.sessions {
		entries = append(entries, models.PresenceEntry{
			SocketID:  id,
			UserID:    sess.conn.UserID(),
			UserName:  sess.conn.UserName(),
			JoinedAt:  sess.joinedAt,
			Cursor:    sess.cursor,
			Selection: sess.selection,
		})
	}
	return entries
}

// RoomRegistry tracks the live rooms and which room each connection is in.
// Rooms exist exactly while they have sessions.
type RoomRegistry struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	byConn map[string]string

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewRoomRegistry creates an empty registry
func NewRoomRegistry(logger observability.Logger, metrics observability.MetricsClient) *RoomRegistry {
	return &RoomRegistry{
		rooms:   make(map[string]*Room),
		byConn:  make(map[string]string),
		logger:  logger,
		metrics: metrics,
	}
}

// Join adds the connection to the workflow's room, creating the room on first
// join. A connection already in another room is force-left first; the
// previous room is returned so the caller can push its presence update.
//
// The room mutex is never awaited while the registry lock is held: a room
// busy applying an operation holds its mutex across a database transaction,
// and waiting on it under reg.mu would stall lookups for every other room.
func (reg *RoomRegistry) Join(conn *Connection, workflowID, role string) (*Room, *Room) {
	var previous *Room
	reg.mu.RLock()
	priorID, joined := reg.byConn[conn.ID]
	reg.mu.RUnlock()
	if joined && priorID != workflowID {
		previous = reg.Leave(conn.ID)
	}

	for {
		reg.mu.Lock()
		room, ok := reg.rooms[workflowID]
		if !ok {
			room = newRoom(workflowID)
			reg.rooms[workflowID] = room
			reg.logger.Info("Room created", map[string]interface{}{
				"workflow_id": workflowID,
			})
		}
		reg.byConn[conn.ID] = workflowID
		reg.mu.Unlock()

		room.mu.Lock()
		if room.destroyed {
			// the last member left while we waited for the mutex; the
			// registry is about to drop this room, so look it up again
			room.mu.Unlock()
			continue
		}
		room.sessions[conn.ID] = &session{
			conn:     conn,
			role:     role,
			joinedAt: time.Now().UTC(),
		}
		room.mu.Unlock()

		reg.metrics.RecordGauge("ws_rooms_active", float64(reg.Count()), nil)
		return room, previous
	}
}

// Leave removes the connection from its room, destroying the room when it
// empties. Returns the left room, or nil when the connection was not in one.
func (reg *RoomRegistry) Leave(connID string) *Room {
	reg.mu.Lock()
	workflowID, ok := reg.byConn[connID]
	if !ok {
		reg.mu.Unlock()
		return nil
	}
	delete(reg.byConn, connID)
	room := reg.rooms[workflowID]
	reg.mu.Unlock()
	if room == nil {
		return nil
	}

	room.mu.Lock()
	delete(room.sessions, connID)
	empty := len(room.sessions) == 0
	if empty {
		room.destroyed = true
	}
	room.mu.Unlock()

	if empty {
		reg.mu.Lock()
		if reg.rooms[workflowID] == room {
			delete(reg.rooms, workflowID)
		}
		reg.mu.Unlock()
		reg.logger.Info("Room destroyed", map[string]interface{}{
			"workflow_id": workflowID,
		})
	}

	reg.metrics.RecordGauge("ws_rooms_active", float64(reg.Count()), nil)
	return room
}

// RoomFor returns the room a connection is joined to, nil when not joined
func (reg *RoomRegistry) RoomFor(connID string) *Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	workflowID, ok := reg.byConn[connID]
	if !ok {
		return nil
	}
	return reg.rooms[workflowID]
}

// Room returns the live room for a workflow, nil when nobody is editing it
func (reg *RoomRegistry) Room(workflowID string) *Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.rooms[workflowID]
}

// Count returns the number of live rooms
func (reg *RoomRegistry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// UpdateCursor records a session's cursor position, returning false when the
// connection is not in a room
func (reg *RoomRegistry) UpdateCursor(connID string, cursor *models.Position) (*Room, bool) {
	room := reg.RoomFor(connID)
	if room == nil {
		return nil, false
	}
	room.mu.Lock()
	sess, ok := room.sessions[connID]
	if ok {
		sess.cursor = cursor
	}
	room.mu.Unlock()
	return room, ok
}

// UpdateSelection records a session's selection, returning false when the
// connection is not in a room
func (reg *RoomRegistry) UpdateSelection(connID string, selection *models.Selection) (*Room, bool) {
	room := reg.RoomFor(connID)
	if room == nil {
		return nil, false
	}
	room.mu.Lock()
	sess, ok := room.sessions[connID]
	if ok {
		sess.selection = selection
	}
	room.mu.Unlock()
	return room, ok
}
