// Package repository defines typed access to the workflow graph store.
package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/flowmesh/flowmesh/pkg/models"
)

// Sentinel errors returned by store implementations
var (
	// ErrNotFound indicates the referenced row does not exist
	ErrNotFound = errors.New("resource not found")
	// ErrDuplicate indicates a unique constraint was hit
	ErrDuplicate = errors.New("resource already exists")
)

// Tx exposes the writes available inside one graph transaction. Every
// structural operation runs all of its writes on a single Tx so the graph
// never exposes partial state.
type Tx interface {
	// TouchWorkflow advances the parent workflow's updated_at
	TouchWorkflow(ctx context.Context, workflowID string, at time.Time) error

	GetBlock(ctx context.Context, workflowID, blockID string) (*models.Block, error)
	InsertBlock(ctx context.Context, block *models.Block) error
	UpdateBlockPosition(ctx context.Context, workflowID, blockID string, pos models.Position) error
	UpdateBlockName(ctx context.Context, workflowID, blockID, name string) error
	ToggleBlockEnabled(ctx context.Context, workflowID, blockID string) error
	UpdateBlockParent(ctx context.Context, workflowID, blockID string, parentID, extent *string) error
	UpdateBlockWide(ctx context.Context, workflowID, blockID string, isWide bool) error
	UpdateBlockAdvancedMode(ctx context.Context, workflowID, blockID string, advancedMode bool) error
	ToggleBlockHandles(ctx context.Context, workflowID, blockID string) error
	UpdateBlockData(ctx context.Context, workflowID, blockID string, data models.JSONB) error
	UpdateBlockSubBlocks(ctx context.Context, workflowID, blockID string, subBlocks models.JSONB) error
	DeleteBlock(ctx context.Context, workflowID, blockID string) error
	ListChildBlocks(ctx context.Context, workflowID, parentID string) ([]models.Block, error)

	InsertEdge(ctx context.Context, edge *models.Edge) error
	DeleteEdge(ctx context.Context, workflowID, edgeID string) error
	// DeleteEdgesForBlock removes every edge whose source or target is the block
	DeleteEdgesForBlock(ctx context.Context, workflowID, blockID string) error

	GetSubflow(ctx context.Context, workflowID, subflowID string) (*models.Subflow, error)
	InsertSubflow(ctx context.Context, subflow *models.Subflow) error
	UpdateSubflowConfig(ctx context.Context, workflowID, subflowID string, config models.JSONB) error
	// SetSubflowNodes replaces config.nodes with the given child ID list
	SetSubflowNodes(ctx context.Context, workflowID, subflowID string, nodes []string) error
	DeleteSubflow(ctx context.Context, workflowID, subflowID string) error
}

// Store is the persistence adapter for the workflow graph
type Store interface {
	// WithTransaction runs fn inside one database transaction. fn returning an
	// error rolls everything back.
	WithTransaction(ctx context.Context, fn func(tx Tx) error) error

	GetWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error)
	ListBlocks(ctx context.Context, workflowID string) ([]models.Block, error)
	ListEdges(ctx context.Context, workflowID string) ([]models.Edge, error)
	ListSubflows(ctx context.Context, workflowID string) ([]models.Subflow, error)

	// GetPermission resolves the user's grant on an entity, ErrNotFound when
	// no row exists
	GetPermission(ctx context.Context, userID, entityType, entityID string) (string, error)

	// PersistBlockPosition is the asynchronous fast-path write for position
	// drags; it preserves the client timestamp on the workflow row
	PersistBlockPosition(ctx context.Context, workflowID, blockID string, pos models.Position, clientTime time.Time) error

	// FindOrphanEdges returns edges whose source block no longer exists
	FindOrphanEdges(ctx context.Context, workflowID string) ([]models.Edge, error)
}
