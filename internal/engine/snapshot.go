package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/repository"
)

// ErrWorkflowNotFound is returned by Snapshot when the workflow row is gone
var ErrWorkflowNotFound = errors.New("workflow not found")

// Snapshot assembles the full editor state of a workflow from the normalized
// tables. Deployment and trigger flags come from the workflow row; the state
// column only fills the gaps the row does not model.
func (e *Engine) Snapshot(ctx context.Context, workflowID string) (*models.WorkflowState, error) {
	workflow, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, errors.Wrap(err, "failed to load workflow")
	}

	blocks, err := e.store.ListBlocks(ctx, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list blocks")
	}
	edges, err := e.store.ListEdges(ctx, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list edges")
	}
	subflows, err := e.store.ListSubflows(ctx, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list subflows")
	}

	state := &models.WorkflowState{
		Blocks:             make(map[string]models.Block, len(blocks)),
		Edges:              edges,
		Loops:              map[string]models.JSONB{},
		Parallels:          map[string]models.JSONB{},
		LastSaved:          workflow.UpdatedAt.UnixMilli(),
		IsDeployed:         workflow.IsDeployed,
		DeployedAt:         workflow.DeployedAt,
		DeploymentStatuses: workflow.DeploymentStatuses,
	}
	if state.Edges == nil {
		state.Edges = []models.Edge{}
	}
	for i := range blocks {
		state.Blocks[blocks[i].ID] = blocks[i]
	}
	for i := range subflows {
		switch subflows[i].Type {
		case models.BlockTypeLoop:
			state.Loops[subflows[i].ID] = subflows[i].Config
		case models.BlockTypeParallel:
			state.Parallels[subflows[i].ID] = subflows[i].Config
		}
	}

	if active, ok := workflow.State["hasActiveSchedule"].(bool); ok {
		state.HasActiveSchedule = active
	}
	if active, ok := workflow.State["hasActiveWebhook"].(bool); ok {
		state.HasActiveWebhook = active
	}

	return state, nil
}

// PersistPosition writes a fast-path position update after its broadcast.
// The client timestamp becomes the workflow's updated_at so reconnecting
// editors order the drag correctly.
func (e *Engine) PersistPosition(ctx context.Context, workflowID, blockID string, pos models.Position, clientTime time.Time) error {
	start := time.Now()
	err := e.store.PersistBlockPosition(ctx, workflowID, blockID, pos, clientTime)
	e.metrics.RecordLatency("engine_persist_position", time.Since(start))
	if err != nil {
		return classify(err, "block not found", true)
	}
	return nil
}

// ConsistencyReport is the result of a referential-integrity sweep
type ConsistencyReport struct {
	WorkflowID  string        `json:"workflowId"`
	Consistent  bool          `json:"consistent"`
	OrphanEdges []models.Edge `json:"orphanEdges"`
	CheckedAt   time.Time     `json:"checkedAt"`
}

// CheckConsistency reports edges whose source block no longer exists. The
// transactional cascade makes orphans impossible in normal operation; this
// exists to verify that in running deployments.
func (e *Engine) CheckConsistency(ctx context.Context, workflowID string) (*ConsistencyReport, error) {
	if _, err := e.store.GetWorkflow(ctx, workflowID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, errors.Wrap(err, "failed to load workflow")
	}

	orphans, err := e.store.FindOrphanEdges(ctx, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan for orphan edges")
	}
	if orphans == nil {
		orphans = []models.Edge{}
	}

	if len(orphans) > 0 {
		e.logger.Warn("Workflow has orphaned edges", map[string]interface{}{
			"workflow_id": workflowID,
			"count":       len(orphans),
		})
		e.metrics.IncrementCounter("engine_orphan_edges_found", float64(len(orphans)))
	}

	return &ConsistencyReport{
		WorkflowID:  workflowID,
		Consistent:  len(orphans) == 0,
		OrphanEdges: orphans,
		CheckedAt:   time.Now().UTC(),
	}, nil
}
