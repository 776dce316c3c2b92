package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowmesh/flowmesh/internal/engine"
	"github.com/flowmesh/flowmesh/internal/validation"
	"github.com/flowmesh/flowmesh/pkg/models"
)

const persistTimeout = 10 * time.Second

// dispatch routes one inbound frame to its handler
func (s *Server) dispatch(ctx context.Context, conn *Connection, envelope *Envelope) {
	switch envelope.Event {
	case models.EventJoinWorkflow:
		s.handleJoin(ctx, conn, envelope.Data)
	case models.EventRequestSync:
		s.handleRequestSync(ctx, conn, envelope.Data)
	case models.EventLeaveWorkflow:
		s.handleLeave(conn)
	case models.EventOperation:
		s.handleOperation(ctx, conn, envelope.Data)
	case models.EventSubblockUpdate:
		s.handleSubblockUpdate(ctx, conn, envelope.Data)
	case models.EventCursorUpdate:
		s.handleCursorUpdate(conn, envelope.Data)
	case models.EventSelectionUpdate:
		s.handleSelectionUpdate(conn, envelope.Data)
	default:
		conn.SendEvent(models.EventError, errorFrame{
			Type:    models.ErrorValidation,
			Message: "unknown event " + envelope.Event,
		})
	}
}

// handleJoin authenticates the caller against the workflow, moves the
// connection into the room, and replies with the full state snapshot.
func (s *Server) handleJoin(ctx context.Context, conn *Connection, data json.RawMessage) {
	ctx, span := s.tracer(ctx, "ws.join_workflow")
	defer span.End()

	var req joinRequest
	if err := json.Unmarshal(data, &req); err != nil || req.WorkflowID == "" {
		conn.SendEvent(models.EventJoinError, joinError{
			Type:    models.ErrorValidation,
			Message: "workflowId is required",
		})
		return
	}
	span.SetAttribute("workflow.id", req.WorkflowID)

	access, err := s.authz.ResolveAccess(ctx, conn.UserID(), req.WorkflowID)
	if err != nil {
		span.RecordError(err)
		conn.SendEvent(models.EventJoinError, joinError{
			Type:    models.ErrorUnknown,
			Message: "failed to resolve workflow access",
		})
		return
	}
	if !access.HasAccess {
		s.metrics.IncrementCounter("ws_join_denied", 1)
		conn.SendEvent(models.EventJoinError, joinError{
			Type:    models.ErrorAccessDenied,
			Message: "no access to workflow",
		})
		return
	}

	// register before reading: an operation committed by a peer while the
	// snapshot is composed then reaches this session as a broadcast, and a
	// duplicate inside the snapshot is harmless under last-write-wins
	room, previous := s.rooms.Join(conn, req.WorkflowID, access.Role)
	if previous != nil {
		s.broadcastPresence(previous)
	}

	state, err := s.engine.Snapshot(ctx, req.WorkflowID)
	if err != nil {
		span.RecordError(err)
		if left := s.rooms.Leave(conn.ID); left != nil {
			s.broadcastPresence(left)
		}
		conn.SendEvent(models.EventJoinError, joinError{
			Type:    models.ErrorNotFound,
			Message: "failed to load workflow state",
		})
		return
	}

	conn.SendEvent(models.EventWorkflowState, state)
	s.broadcastPresence(room)

	s.metrics.IncrementCounter("ws_joins", 1)
	s.logger.Info("Editor joined workflow", map[string]interface{}{
		"connection_id": conn.ID,
		"user_id":       conn.UserID(),
		"workflow_id":   req.WorkflowID,
		"role":          access.Role,
		"room_size":     room.Size(),
		"room_users":    room.UniqueUsers(),
	})
}

// handleRequestSync re-resolves access and re-sends the full snapshot to a
// joined session. Access is read again so a mid-session revocation surfaces
// on sync instead of serving state the user may no longer see.
func (s *Server) handleRequestSync(ctx context.Context, conn *Connection, data json.RawMessage) {
	room := s.rooms.RoomFor(conn.ID)
	if room == nil {
		conn.SendEvent(models.EventError, errorFrame{
			Type:    models.ErrorNotJoined,
			Message: "join a workflow before requesting sync",
		})
		return
	}
	workflowID := room.WorkflowID()

	var req joinRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			conn.SendEvent(models.EventError, errorFrame{
				Type:    models.ErrorValidation,
				Message: "malformed request-sync frame",
			})
			return
		}
	}
	if req.WorkflowID != "" && req.WorkflowID != workflowID {
		conn.SendEvent(models.EventError, errorFrame{
			Type:    models.ErrorValidation,
			Message: "sync requested for a workflow this session has not joined",
		})
		return
	}

	access, err := s.authz.ResolveAccess(ctx, conn.UserID(), workflowID)
	if err != nil {
		conn.SendEvent(models.EventError, errorFrame{
			Type:    models.ErrorUnknown,
			Message: "failed to resolve workflow access",
		})
		return
	}
	if !access.HasAccess {
		conn.SendEvent(models.EventError, errorFrame{
			Type:    models.ErrorAccessDenied,
			Message: "no access to workflow",
		})
		if left := s.rooms.Leave(conn.ID); left != nil {
			s.broadcastPresence(left)
		}
		return
	}

	state, err := s.engine.Snapshot(ctx, workflowID)
	if err != nil {
		conn.SendEvent(models.EventError, errorFrame{
			Type:    models.ErrorNotFound,
			Message: "failed to load workflow state",
		})
		return
	}
	conn.SendEvent(models.EventWorkflowState, state)
}

func (s *Server) handleLeave(conn *Connection) {
	if room := s.rooms.Leave(conn.ID); room != nil {
		s.broadcastPresence(room)
	}
}

// handleOperation is the structural mutation path. The room mutex is held
// across authorize, apply, and fan-out so every peer observes operations in
// one global order and never sees a broadcast for a rolled-back write.
func (s *Server) handleOperation(ctx context.Context, conn *Connection, data json.RawMessage) {
	ctx, span := s.tracer(ctx, "ws.workflow_operation")
	defer span.End()
	start := time.Now()

	room := s.rooms.RoomFor(conn.ID)
	if room == nil {
		conn.SendEvent(models.EventError, errorFrame{
			Type:    models.ErrorNotJoined,
			Message: "join a workflow before sending operations",
		})
		return
	}
	workflowID := room.WorkflowID()

	var frame models.OperationFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.rejectOperation(conn, &frame, &validation.ValidationError{Message: "malformed operation frame"})
		return
	}
	span.SetAttribute("operation", frame.Operation)
	span.SetAttribute("target", frame.Target)

	op, err := s.validate.ValidateOperation(&frame)
	if err != nil {
		s.rejectOperation(conn, &frame, err)
		return
	}

	// permission is re-read per operation; revocations apply immediately
	decision, err := s.authz.AuthorizeOperation(ctx, conn.UserID(), workflowID, op.Operation, op.Target)
	if err != nil {
		span.RecordError(err)
		s.failOperation(conn, &frame, &engine.OperationError{
			Code:      engine.CodeOperationFailed,
			Retryable: true,
			Message:   "failed to check permissions",
		})
		return
	}
	if !decision.Allowed {
		s.metrics.IncrementCounter("ws_operations_forbidden", 1)
		conn.SendEvent(models.EventOperationFailed, models.OperationFailed{
			OperationID: frame.OperationID,
			Error:       decision.Reason,
			Retryable:   false,
		})
		conn.SendEvent(models.EventOperationForbidden, models.OperationError{
			Type:      models.ErrorInsufficientPermissions,
			Message:   decision.Reason,
			Operation: frame.Operation,
			Target:    frame.Target,
		})
		return
	}

	if op.IsPositionUpdate() {
		s.handlePositionUpdate(ctx, conn, room, &frame, op)
		return
	}

	serverTime := time.Now().UTC()

	room.mu.Lock()
	err = s.engine.ApplyOperation(ctx, workflowID, op, serverTime)
	if err != nil {
		room.mu.Unlock()
		span.RecordError(err)
		s.failOperation(conn, &frame, engine.AsOperationError(err))
		return
	}
	room.lastModified = serverTime
	s.broadcastOperationLocked(room, conn, &frame, serverTime.UnixMilli(), false)
	room.mu.Unlock()

	conn.SendEvent(models.EventOperationConfirmed, models.OperationConfirmed{
		OperationID:     frame.OperationID,
		ServerTimestamp: serverTime.UnixMilli(),
	})
	s.metrics.RecordLatency("ws_operation", time.Since(start))
}

// handlePositionUpdate is the drag fast path: broadcast first with the client
// timestamp, confirm, then persist off the hot path. A failed persist is
// reported to the originator only; peers already rendered the move and the
// next drag frame supersedes it.
func (s *Server) handlePositionUpdate(ctx context.Context, conn *Connection, room *Room, frame *models.OperationFrame, op *models.Operation) {
	room.mu.Lock()
	room.lastModified = time.Now().UTC()
	s.broadcastOperationLocked(room, conn, frame, frame.Timestamp, true)
	room.mu.Unlock()

	conn.SendEvent(models.EventOperationConfirmed, models.OperationConfirmed{
		OperationID:     frame.OperationID,
		ServerTimestamp: time.Now().UnixMilli(),
	})
	s.metrics.IncrementCounter("ws_position_fast_path", 1)

	workflowID := room.WorkflowID()
	pos := *op.Block.Position
	blockID := op.Block.ID
	clientTime := time.UnixMilli(op.Timestamp)
	operationID := frame.OperationID

	go func() {
		persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := s.engine.PersistPosition(persistCtx, workflowID, blockID, pos, clientTime); err != nil {
			opErr := engine.AsOperationError(err)
			s.logger.Warn("Position persist failed after broadcast", map[string]interface{}{
				"workflow_id": workflowID,
				"block_id":    blockID,
				"error":       opErr.Error(),
			})
			s.metrics.IncrementCounter("ws_position_persist_failed", 1)
			conn.SendEvent(models.EventOperationFailed, models.OperationFailed{
				OperationID: operationID,
				Error:       opErr.Message,
				Retryable:   opErr.Retryable,
			})
		}
	}()
}

// handleSubblockUpdate merges a sub-block value and fans the update out
func (s *Server) handleSubblockUpdate(ctx context.Context, conn *Connection, data json.RawMessage) {
	room := s.rooms.RoomFor(conn.ID)
	if room == nil {
		conn.SendEvent(models.EventError, errorFrame{
			Type:    models.ErrorNotJoined,
			Message: "join a workflow before sending updates",
		})
		return
	}
	workflowID := room.WorkflowID()

	update, err := s.validate.ValidateSubblockUpdate(data)
	if err != nil {
		conn.SendEvent(models.EventOperationFailed, models.OperationFailed{
			Error:     err.Error(),
			Retryable: false,
		})
		return
	}

	decision, err := s.authz.AuthorizeOperation(ctx, conn.UserID(), workflowID, models.OpUpdate, models.TargetBlock)
	if err != nil {
		// permission lookup failed, not a denial; the client may retry
		conn.SendEvent(models.EventOperationFailed, models.OperationFailed{
			OperationID: update.OperationID,
			Error:       "failed to check permissions",
			Retryable:   true,
		})
		return
	}
	if !decision.Allowed {
		conn.SendEvent(models.EventOperationFailed, models.OperationFailed{
			OperationID: update.OperationID,
			Error:       decision.Reason,
			Retryable:   false,
		})
		conn.SendEvent(models.EventOperationForbidden, models.OperationError{
			Type:      models.ErrorInsufficientPermissions,
			Message:   decision.Reason,
			Operation: models.OpUpdate,
			Target:    models.TargetBlock,
		})
		return
	}

	serverTime := time.Now().UTC()

	room.mu.Lock()
	applyErr := s.engine.ApplySubblockValue(ctx, workflowID, update, serverTime)
	if applyErr != nil {
		room.mu.Unlock()
		opErr := engine.AsOperationError(applyErr)

		if opErr.Code == engine.CodeWorkflowGone {
			// nothing left to edit; tear the whole session down
			conn.SendEvent(models.EventWorkflowDeleted, models.WorkflowNotice{
				WorkflowID: workflowID,
				Message:    opErr.Message,
				Timestamp:  time.Now().UnixMilli(),
			})
			if left := s.rooms.Leave(conn.ID); left != nil {
				s.broadcastPresence(left)
			}
			return
		}

		// BLOCK_GONE and generic failures keep the session alive
		conn.SendEvent(models.EventOperationFailed, models.OperationFailed{
			OperationID: update.OperationID,
			Error:       opErr.Message,
			Retryable:   opErr.Retryable,
		})
		return
	}
	room.lastModified = serverTime
	s.broadcastSubblockLocked(room, conn, update)
	room.mu.Unlock()

	conn.SendEvent(models.EventOperationConfirmed, models.OperationConfirmed{
		OperationID:     update.OperationID,
		ServerTimestamp: serverTime.UnixMilli(),
	})
}

func (s *Server) handleCursorUpdate(conn *Connection, data json.RawMessage) {
	var frame cursorFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	room, ok := s.rooms.UpdateCursor(conn.ID, frame.Cursor)
	if !ok {
		return
	}
	s.broadcastExcept(room, conn.ID, models.EventCursorUpdate, cursorFrame{
		SocketID: conn.ID,
		UserID:   conn.UserID(),
		UserName: conn.UserName(),
		Cursor:   frame.Cursor,
	})
}

func (s *Server) handleSelectionUpdate(conn *Connection, data json.RawMessage) {
	var frame selectionFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	room, ok := s.rooms.UpdateSelection(conn.ID, frame.Selection)
	if !ok {
		return
	}
	s.broadcastExcept(room, conn.ID, models.EventSelectionUpdate, selectionFrame{
		SocketID:  conn.ID,
		UserID:    conn.UserID(),
		UserName:  conn.UserName(),
		Selection: frame.Selection,
	})
}

// rejectOperation reports a validation failure in both failure frame styles
func (s *Server) rejectOperation(conn *Connection, frame *models.OperationFrame, err error) {
	s.metrics.IncrementCounter("ws_operations_rejected", 1)
	conn.SendEvent(models.EventOperationFailed, models.OperationFailed{
		OperationID: frame.OperationID,
		Error:       err.Error(),
		Retryable:   false,
	})
	conn.SendEvent(models.EventOperationError, models.OperationError{
		Type:      models.ErrorValidation,
		Message:   err.Error(),
		Operation: frame.Operation,
		Target:    frame.Target,
	})
}

// failOperation reports an apply failure in both failure frame styles
func (s *Server) failOperation(conn *Connection, frame *models.OperationFrame, opErr *engine.OperationError) {
	s.metrics.IncrementCounterWithLabels("ws_operations_failed", 1, map[string]string{
		"code": string(opErr.Code),
	})
	conn.SendEvent(models.EventOperationFailed, models.OperationFailed{
		OperationID: frame.OperationID,
		Error:       opErr.Message,
		Retryable:   opErr.Retryable,
	})
	conn.SendEvent(models.EventOperationError, models.OperationError{
		Type:      string(opErr.Code),
		Message:   opErr.Message,
		Operation: frame.Operation,
		Target:    frame.Target,
	})
}
