package models

// Operation targets
const (
	TargetBlock   = "block"
	TargetEdge    = "edge"
	TargetSubflow = "subflow"
)

// Block operations
const (
	OpAdd                = "add"
	OpRemove             = "remove"
	OpUpdate             = "update"
	OpUpdatePosition     = "update-position"
	OpUpdateName         = "update-name"
	OpToggleEnabled      = "toggle-enabled"
	OpUpdateParent       = "update-parent"
	OpUpdateWide         = "update-wide"
	OpUpdateAdvancedMode = "update-advanced-mode"
	OpToggleHandles      = "toggle-handles"
	OpDuplicate          = "duplicate"
)

// BlockOperations lists every operation accepted for target=block
var BlockOperations = []string{
	OpAdd, OpRemove, OpUpdatePosition, OpUpdateName, OpToggleEnabled,
	OpUpdateParent, OpUpdateWide, OpUpdateAdvancedMode, OpToggleHandles,
	OpDuplicate,
}

// EdgeOperations lists every operation accepted for target=edge
var EdgeOperations = []string{OpAdd, OpRemove}

// SubflowOperations lists every operation accepted for target=subflow.
// Only update mutates state directly; add and remove are implicit through
// container block add and remove but are accepted at the protocol boundary.
var SubflowOperations = []string{OpAdd, OpRemove, OpUpdate}

// AutoConnectEdge describes an edge inserted in the same transaction as a
// block insert, wiring the new block to a suggested predecessor.
type AutoConnectEdge struct {
	ID           string  `json:"id"`
	Source       string  `json:"source"`
	Target       string  `json:"target"`
	SourceHandle *string `json:"sourceHandle,omitempty"`
	TargetHandle *string `json:"targetHandle,omitempty"`
}

// BlockPayload carries the operation-dependent fields of a block operation
type BlockPayload struct {
	ID                string           `json:"id"`
	SourceID          string           `json:"sourceId,omitempty"`
	Type              string           `json:"type,omitempty"`
	Name              string           `json:"name,omitempty"`
	Position          *Position        `json:"position,omitempty"`
	Data              JSONB            `json:"data,omitempty"`
	SubBlocks         JSONB            `json:"subBlocks,omitempty"`
	Outputs           JSONB            `json:"outputs,omitempty"`
	ParentID          *string          `json:"parentId,omitempty"`
	Extent            *string          `json:"extent,omitempty"`
	Enabled           *bool            `json:"enabled,omitempty"`
	HorizontalHandles *bool            `json:"horizontalHandles,omitempty"`
	IsWide            *bool            `json:"isWide,omitempty"`
	AdvancedMode      *bool            `json:"advancedMode,omitempty"`
	Height            *float64         `json:"height,omitempty"`
	AutoConnectEdge   *AutoConnectEdge `json:"autoConnectEdge,omitempty"`
}

// EdgePayload carries the fields of an edge operation
type EdgePayload struct {
	ID           string  `json:"id"`
	Source       string  `json:"source,omitempty"`
	Target       string  `json:"target,omitempty"`
	SourceHandle *string `json:"sourceHandle,omitempty"`
	TargetHandle *string `json:"targetHandle,omitempty"`
}

// SubflowPayload carries the fields of a subflow operation
type SubflowPayload struct {
	ID     string `json:"id"`
	Type   string `json:"type,omitempty"`
	Config JSONB  `json:"config,omitempty"`
}

// Operation is the validated, tagged form of a workflow-operation frame.
// Exactly one of Block, Edge, Subflow is set, matching Target.
type Operation struct {
	Operation   string
	Target      string
	Timestamp   int64
	OperationID string

	Block   *BlockPayload
	Edge    *EdgePayload
	Subflow *SubflowPayload
}

// IsPositionUpdate reports whether the operation rides the broadcast-first
// fast path.
func (o *Operation) IsPositionUpdate() bool {
	return o.Target == TargetBlock && o.Operation == OpUpdatePosition
}

// SubblockUpdate is the validated form of a subblock-update frame
type SubblockUpdate struct {
	BlockID     string      `json:"blockId"`
	SubblockID  string      `json:"subblockId"`
	Value       interface{} `json:"value"`
	Timestamp   int64       `json:"timestamp"`
	OperationID string      `json:"operationId,omitempty"`
}
