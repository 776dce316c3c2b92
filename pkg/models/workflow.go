// Package models defines the persistent workflow graph entities and the wire
// shapes exchanged with collaborative editor clients.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Container block types. A block of one of these types owns a subflow row and
// zero or more child blocks.
const (
	BlockTypeLoop     = "loop"
	BlockTypeParallel = "parallel"
)

// IsContainerType reports whether a block type owns a subflow
func IsContainerType(blockType string) bool {
	return blockType == BlockTypeLoop || blockType == BlockTypeParallel
}

// Access roles. Workflow ownership implies RoleAdmin irrespective of any
// permission row.
const (
	RoleAdmin = "admin"
	RoleWrite = "write"
	RoleRead  = "read"
)

// ExtentParent is the only legal non-empty value for Block.Extent
const ExtentParent = "parent"

// JSONB is an opaque JSON object column
type JSONB map[string]interface{}

// Value implements driver.Valuer
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner
func (j *JSONB) Scan(src interface{}) error {
	if src == nil {
		*j = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.Errorf("unsupported jsonb source type %T", src)
	}
	if len(data) == 0 {
		*j = nil
		return nil
	}
	return json.Unmarshal(data, j)
}

// Position is a block coordinate on the canvas
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Workflow is the root entity of a graph. Blocks, edges, and subflows all
// reference it by ID.
type Workflow struct {
	ID                  string     `db:"id" json:"id"`
	Name                string     `db:"name" json:"name"`
	OwnerID             string     `db:"owner_id" json:"ownerId"`
	WorkspaceID         *string    `db:"workspace_id" json:"workspaceId,omitempty"`
	State               JSONB      `db:"state" json:"state,omitempty"`
	IsDeployed          bool       `db:"is_deployed" json:"isDeployed"`
	DeployedAt          *time.Time `db:"deployed_at" json:"deployedAt,omitempty"`
	DeploymentStatuses  JSONB      `db:"deployment_statuses" json:"deploymentStatuses,omitempty"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updatedAt"`
}

// Block is a node in the workflow graph. ParentID, when set, references a
// container block in the same workflow.
type Block struct {
	ID                string   `db:"id" json:"id"`
	WorkflowID        string   `db:"workflow_id" json:"workflowId"`
	Type              string   `db:"type" json:"type"`
	Name              string   `db:"name" json:"name"`
	PositionX         float64  `db:"position_x" json:"-"`
	PositionY         float64  `db:"position_y" json:"-"`
	Enabled           bool     `db:"enabled" json:"enabled"`
	HorizontalHandles bool     `db:"horizontal_handles" json:"horizontalHandles"`
	IsWide            bool     `db:"is_wide" json:"isWide"`
	AdvancedMode      bool     `db:"advanced_mode" json:"advancedMode"`
	Height            float64  `db:"height" json:"height"`
	SubBlocks         JSONB    `db:"sub_blocks" json:"subBlocks,omitempty"`
	Outputs           JSONB    `db:"outputs" json:"outputs,omitempty"`
	Data              JSONB    `db:"data" json:"data,omitempty"`
	ParentID          *string  `db:"parent_id" json:"parentId,omitempty"`
	Extent            *string  `db:"extent" json:"extent,omitempty"`
}

// MarshalJSON emits position as a nested object the way editors consume it
func (b Block) MarshalJSON() ([]byte, error) {
	type alias Block
	return json.Marshal(struct {
		alias
		Position Position `json:"position"`
	}{
		alias:    alias(b),
		Position: Position{X: b.PositionX, Y: b.PositionY},
	})
}

// IsContainer reports whether the block owns a subflow
func (b *Block) IsContainer() bool {
	return IsContainerType(b.Type)
}

// Edge connects two blocks within one workflow
type Edge struct {
	ID            string  `db:"id" json:"id"`
	WorkflowID    string  `db:"workflow_id" json:"workflowId"`
	SourceBlockID string  `db:"source_block_id" json:"source"`
	TargetBlockID string  `db:"target_block_id" json:"target"`
	SourceHandle  *string `db:"source_handle" json:"sourceHandle,omitempty"`
	TargetHandle  *string `db:"target_handle" json:"targetHandle,omitempty"`
}

// Subflow holds the configuration of a container block. Its ID equals the
// container block's ID; config.nodes tracks the IDs of the child blocks.
type Subflow struct {
	ID         string `db:"id" json:"id"`
	WorkflowID string `db:"workflow_id" json:"workflowId"`
	Type       string `db:"type" json:"type"`
	Config     JSONB  `db:"config" json:"config"`
}

// Permission is one access-grant row
type Permission struct {
	UserID         string `db:"user_id" json:"userId"`
	EntityType     string `db:"entity_type" json:"entityType"`
	EntityID       string `db:"entity_id" json:"entityId"`
	PermissionType string `db:"permission_type" json:"permissionType"`
}
