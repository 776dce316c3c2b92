package models

import "time"

// Event names exchanged over the collaboration socket
const (
	// Inbound
	EventJoinWorkflow    = "join-workflow"
	EventRequestSync     = "request-sync"
	EventLeaveWorkflow   = "leave-workflow"
	EventOperation       = "workflow-operation"
	EventSubblockUpdate  = "subblock-update"
	EventCursorUpdate    = "cursor-update"
	EventSelectionUpdate = "selection-update"

	// Outbound
	EventWorkflowState      = "workflow-state"
	EventJoinError          = "join-workflow-error"
	EventOperationConfirmed = "operation-confirmed"
	EventOperationFailed    = "operation-failed"
	EventOperationForbidden = "operation-forbidden"
	EventOperationError     = "operation-error"
	EventPresenceUpdate     = "presence-update"
	EventWorkflowDeleted    = "workflow-deleted"
	EventWorkflowReverted   = "workflow-reverted"
	EventError              = "error"
)

// Error kinds surfaced to clients
const (
	ErrorAuthRequired            = "AUTH_REQUIRED"
	ErrorInvalidSession          = "INVALID_SESSION"
	ErrorAccessDenied            = "ACCESS_DENIED"
	ErrorInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
	ErrorValidation              = "VALIDATION_ERROR"
	ErrorNotFound                = "RESOURCE_NOT_FOUND"
	ErrorDuplicate               = "DUPLICATE_RESOURCE"
	ErrorOperationFailed         = "OPERATION_FAILED"
	ErrorUnknown                 = "UNKNOWN_ERROR"
	ErrorNotJoined               = "NOT_JOINED"
	ErrorRoomNotFound            = "ROOM_NOT_FOUND"
)

// OperationFrame is the raw inbound workflow-operation frame before
// validation
type OperationFrame struct {
	Operation   string                 `json:"operation"`
	Target      string                 `json:"target"`
	Payload     map[string]interface{} `json:"payload"`
	Timestamp   int64                  `json:"timestamp"`
	OperationID string                 `json:"operationId,omitempty"`
}

// BroadcastMetadata rides along every fanned-out operation
type BroadcastMetadata struct {
	WorkflowID       string `json:"workflowId"`
	OperationID      string `json:"operationId"`
	IsPositionUpdate bool   `json:"isPositionUpdate"`
}

// OperationBroadcast is the fan-out payload peers receive for an accepted
// operation
type OperationBroadcast struct {
	Operation string                 `json:"operation"`
	Target    string                 `json:"target"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp int64                  `json:"timestamp"`
	SenderID  string                 `json:"senderId"`
	UserID    string                 `json:"userId"`
	UserName  string                 `json:"userName"`
	Metadata  BroadcastMetadata      `json:"metadata"`
}

// OperationConfirmed acknowledges an accepted operation to its sender
type OperationConfirmed struct {
	OperationID     string `json:"operationId,omitempty"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

// OperationFailed reports a failed operation to its sender, keyed by the
// client-supplied operation ID
type OperationFailed struct {
	OperationID string `json:"operationId,omitempty"`
	Error       string `json:"error"`
	Retryable   bool   `json:"retryable"`
}

// OperationError is the legacy descriptive failure frame. New clients should
// prefer OperationFailed.
type OperationError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Operation string `json:"operation,omitempty"`
	Target    string `json:"target,omitempty"`
}

// PresenceEntry is one session in a presence-update snapshot
type PresenceEntry struct {
	SocketID  string     `json:"socketId"`
	UserID    string     `json:"userId"`
	UserName  string     `json:"userName"`
	JoinedAt  time.Time  `json:"joinedAt"`
	Cursor    *Position  `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// Selection is the element a session currently has selected
type Selection struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// WorkflowState is the snapshot sent on join and sync
type WorkflowState struct {
	Blocks              map[string]Block   `json:"blocks"`
	Edges               []Edge             `json:"edges"`
	Loops               map[string]JSONB   `json:"loops"`
	Parallels           map[string]JSONB   `json:"parallels"`
	LastSaved           int64              `json:"lastSaved"`
	IsDeployed          bool               `json:"isDeployed"`
	DeployedAt          *time.Time         `json:"deployedAt,omitempty"`
	DeploymentStatuses  JSONB              `json:"deploymentStatuses,omitempty"`
	HasActiveSchedule   bool               `json:"hasActiveSchedule"`
	HasActiveWebhook    bool               `json:"hasActiveWebhook"`
}

// WorkflowNotice is broadcast when a workflow is deleted or reverted out of
// band
type WorkflowNotice struct {
	WorkflowID string `json:"workflowId"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}
