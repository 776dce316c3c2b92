// Package websocket implements the collaborative editing socket: connection
// lifecycle, per-workflow rooms, operation dispatch, and fan-out.
package websocket

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/flowmesh/flowmesh/pkg/models"
)

// Envelope is the framing for every message in both directions
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// encodeEvent builds one outbound frame
func encodeEvent(event string, data interface{}) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode %s payload", event)
		}
		raw = encoded
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s frame", event)
	}
	return frame, nil
}

// joinRequest is the payload of a join-workflow frame
type joinRequest struct {
	WorkflowID string `json:"workflowId"`
}

// joinError is the payload of a join-workflow-error frame
type joinError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// cursorFrame is the payload of a cursor-update frame in both directions.
// Outbound frames carry the sender identity.
type cursorFrame struct {
	SocketID string           `json:"socketId,omitempty"`
	UserID   string           `json:"userId,omitempty"`
	UserName string           `json:"userName,omitempty"`
	Cursor   *models.Position `json:"cursor"`
}

// selectionFrame is the payload of a selection-update frame in both
// directions
type selectionFrame struct {
	SocketID  string            `json:"socketId,omitempty"`
	UserID    string            `json:"userId,omitempty"`
	UserName  string            `json:"userName,omitempty"`
	Selection *models.Selection `json:"selection"`
}

// errorFrame is the generic error payload
type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
