package websocket

import (
	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/pkg/models"
)

// broadcastOperationLocked fans one accepted operation out to every peer in
// the room except the sender. Caller holds room.mu; frames enter each peer's
// send queue in room order, so a single receiver observes all operations in
// one sequence. Each broadcast gets a fresh server-side operation ID in its
// metadata; the sender's ack carries the client-supplied ID instead. The
// timestamp is the server commit time for structural operations; the position
// fast path passes the client's drag timestamp through instead.
func (s *Server) broadcastOperationLocked(room *Room, sender *Connection, frame *models.OperationFrame, timestamp int64, isPosition bool) {
	broadcast := models.OperationBroadcast{
		Operation: frame.Operation,
		Target:    frame.Target,
		Payload:   frame.Payload,
		Timestamp: timestamp,
		SenderID:  sender.ID,
		UserID:    sender.UserID(),
		UserName:  sender.UserName(),
		Metadata: models.BroadcastMetadata{
			WorkflowID:       room.workflowID,
			OperationID:      uuid.New().String(),
			IsPositionUpdate: isPosition,
		},
	}

	count := 0
	for id, sess := range room.sessions {
		if id == sender.ID {
			continue
		}
		sess.conn.SendEvent(models.EventOperation, broadcast)
		count++
	}
	s.metrics.IncrementCounter("ws_operations_broadcast", 1)
	if count > 0 {
		s.metrics.IncrementCounter("ws_broadcast_recipients", float64(count))
	}
}

// broadcastSubblockLocked fans a merged sub-block value out to the sender's
// peers. Caller holds room.mu.
func (s *Server) broadcastSubblockLocked(room *Room, sender *Connection, update *models.SubblockUpdate) {
	payload := struct {
		*models.SubblockUpdate
		SenderID string `json:"senderId"`
		UserID   string `json:"userId"`
	}{
		SubblockUpdate: update,
		SenderID:       sender.ID,
		UserID:         sender.UserID(),
	}

	for id, sess := range room.sessions {
		if id == sender.ID {
			continue
		}
		sess.conn.SendEvent(models.EventSubblockUpdate, payload)
	}
}

// broadcastPresence pushes the room's current presence list to every member
func (s *Server) broadcastPresence(room *Room) {
	room.mu.Lock()
	entries := room.presenceLocked()
	members := make([]*Connection, 0, len(room.sessions))
	for _, sess := range room.sessions {
		members = append(members, sess.conn)
	}
	room.mu.Unlock()

	for _, conn := range members {
		conn.SendEvent(models.EventPresenceUpdate, entries)
	}
}

// broadcastExcept sends one event to every room member but the excluded
// connection
func (s *Server) broadcastExcept(room *Room, exclude string, event string, data interface{}) {
	room.mu.Lock()
	members := make([]*Connection, 0, len(room.sessions))
	for id, sess := range room.sessions {
		if id == exclude {
			continue
		}
		members = append(members, sess.conn)
	}
	room.mu.Unlock()

	for _, conn := range members {
		conn.SendEvent(event, data)
	}
}
