// Package engine applies validated graph mutations to the workflow store.
// Every structural operation runs inside one database transaction; on any
// failure the transaction aborts and no state leaks.
package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/observability"
	"github.com/flowmesh/flowmesh/pkg/repository"
)

// Engine is the mutation engine for the workflow graph
type Engine struct {
	store   repository.Store
	logger  observability.Logger
	metrics observability.MetricsClient
}

// New creates a mutation engine
func New(store repository.Store, logger observability.Logger, metrics observability.MetricsClient) *Engine {
	return &Engine{store: store, logger: logger, metrics: metrics}
}

// ApplyOperation applies a validated structural operation in one transaction.
// The workflow's updated_at advances to serverTime as part of the same
// transaction. Returns *OperationError on failure.
func (e *Engine) ApplyOperation(ctx context.Context, workflowID string, op *models.Operation, serverTime time.Time) error {
	start := time.Now()
	err := e.store.WithTransaction(ctx, func(tx repository.Tx) error {
		if err := tx.TouchWorkflow(ctx, workflowID, serverTime); err != nil {
			return classify(err, "workflow not found", false)
		}

		switch op.Target {
		case models.TargetBlock:
			return e.applyBlockOperation(ctx, tx, workflowID, op)
		case models.TargetEdge:
			return e.applyEdgeOperation(ctx, tx, workflowID, op)
		case models.TargetSubflow:
			return e.applySubflowOperation(ctx, tx, workflowID, op)
		default:
			return &OperationError{Code: CodeValidation, Message: "unknown operation target"}
		}
	})

	e.metrics.RecordLatency("engine_apply_operation", time.Since(start))
	if err != nil {
		e.metrics.IncrementCounterWithLabels("engine_operations_failed", 1, map[string]string{
			"operation": op.Operation,
			"target":    op.Target,
		})
		return err
	}
	e.metrics.IncrementCounterWithLabels("engine_operations_applied", 1, map[string]string{
		"operation": op.Operation,
		"target":    op.Target,
	})
	return nil
}

func (e *Engine) applyBlockOperation(ctx context.Context, tx repository.Tx, workflowID string, op *models.Operation) error {
	payload := op.Block

	switch op.Operation {
	case models.OpAdd:
		return e.insertBlock(ctx, tx, workflowID, payload)

	case models.OpDuplicate:
		e.logger.Debug("Duplicating block", map[string]interface{}{
			"workflow_id": workflowID,
			"source_id":   payload.SourceID,
			"new_id":      payload.ID,
		})
		return e.insertBlock(ctx, tx, workflowID, payload)

	case models.OpRemove:
		return e.removeBlock(ctx, tx, workflowID, payload.ID)

	case models.OpUpdatePosition:
		if err := tx.UpdateBlockPosition(ctx, workflowID, payload.ID, *payload.Position); err != nil {
			return classify(err, "block not found", true)
		}
		return nil

	case models.OpUpdateName:
		if err := tx.UpdateBlockName(ctx, workflowID, payload.ID, payload.Name); err != nil {
			return classify(err, "block not found", true)
		}
		return nil

	case models.OpToggleEnabled:
		if err := tx.ToggleBlockEnabled(ctx, workflowID, payload.ID); err != nil {
			return classify(err, "block not found", true)
		}
		return nil

	case models.OpUpdateParent:
		return e.updateBlockParent(ctx, tx, workflowID, payload)

	case models.OpUpdateWide:
		isWide := payload.IsWide != nil && *payload.IsWide
		if err := tx.UpdateBlockWide(ctx, workflowID, payload.ID, isWide); err != nil {
			return classify(err, "block not found", true)
		}
		return nil

	case models.OpUpdateAdvancedMode:
		advanced := payload.AdvancedMode != nil && *payload.AdvancedMode
		if err := tx.UpdateBlockAdvancedMode(ctx, workflowID, payload.ID, advanced); err != nil {
			return classify(err, "block not found", true)
		}
		return nil

	case models.OpToggleHandles:
		if err := tx.ToggleBlockHandles(ctx, workflowID, payload.ID); err != nil {
			return classify(err, "block not found", true)
		}
		return nil

	default:
		return &OperationError{Code: CodeValidation, Message: "unsupported block operation"}
	}
}

// insertBlock handles add and duplicate: block row, subflow row for
// containers, optional auto-connect edge, and parent node-list upkeep, all
// on the caller's transaction.
func (e *Engine) insertBlock(ctx context.Context, tx repository.Tx, workflowID string, payload *models.BlockPayload) error {
	block := &models.Block{
		ID:                payload.ID,
		WorkflowID:        workflowID,
		Type:              payload.Type,
		Name:              payload.Name,
		PositionX:         payload.Position.X,
		PositionY:         payload.Position.Y,
		Enabled:           true,
		HorizontalHandles: true,
		SubBlocks:         payload.SubBlocks,
		Outputs:           payload.Outputs,
		Data:              payload.Data,
		ParentID:          payload.ParentID,
		Extent:            payload.Extent,
	}
	if payload.Enabled != nil {
		block.Enabled = *payload.Enabled
	}
	if payload.HorizontalHandles != nil {
		block.HorizontalHandles = *payload.HorizontalHandles
	}
	if payload.IsWide != nil {
		block.IsWide = *payload.IsWide
	}
	if payload.AdvancedMode != nil {
		block.AdvancedMode = *payload.AdvancedMode
	}
	if payload.Height != nil {
		block.Height = *payload.Height
	}

	if err := tx.InsertBlock(ctx, block); err != nil {
		return classify(err, "failed to insert block", false)
	}

	if block.IsContainer() {
		subflow := &models.Subflow{
			ID:         block.ID,
			WorkflowID: workflowID,
			Type:       block.Type,
			Config:     defaultSubflowConfig(block.ID, block.Type, payload.Data),
		}
		if err := tx.InsertSubflow(ctx, subflow); err != nil {
			return classify(err, "failed to insert subflow", false)
		}
	}

	if payload.AutoConnectEdge != nil {
		edge := &models.Edge{
			ID:            payload.AutoConnectEdge.ID,
			WorkflowID:    workflowID,
			SourceBlockID: payload.AutoConnectEdge.Source,
			TargetBlockID: payload.AutoConnectEdge.Target,
			SourceHandle:  payload.AutoConnectEdge.SourceHandle,
			TargetHandle:  payload.AutoConnectEdge.TargetHandle,
		}
		if err := tx.InsertEdge(ctx, edge); err != nil {
			return classify(err, "failed to insert auto-connect edge", false)
		}
	}

	if payload.ParentID != nil {
		if err := e.recomputeSubflowNodes(ctx, tx, workflowID, *payload.ParentID); err != nil {
			return err
		}
	}
	return nil
}

// defaultSubflowConfig builds the initial config of a freshly created
// container block from the block's data payload.
func defaultSubflowConfig(blockID, blockType string, data models.JSONB) models.JSONB {
	config := models.JSONB{
		"id":    blockID,
		"nodes": []interface{}{},
	}
	switch blockType {
	case models.BlockTypeLoop:
		config["iterations"] = numberOr(data["count"], 5)
		config["loopType"] = stringOr(data["loopType"], "for")
		config["forEachItems"] = valueOr(data["collection"], "")
	case models.BlockTypeParallel:
		config["distribution"] = valueOr(data["collection"], "")
		if count, ok := data["count"]; ok {
			config["count"] = count
		}
		if parallelType, ok := data["parallelType"]; ok {
			config["parallelType"] = parallelType
		}
	}
	return config
}

// removeBlock deletes a block with its cascade: container children, their
// edges, the subflow row, and every edge touching the block itself.
func (e *Engine) removeBlock(ctx context.Context, tx repository.Tx, workflowID, blockID string) error {
	block, err := tx.GetBlock(ctx, workflowID, blockID)
	if err != nil {
		// already gone, nothing left to retry against
		return classify(err, "block not found", false)
	}

	if block.IsContainer() {
		children, err := tx.ListChildBlocks(ctx, workflowID, blockID)
		if err != nil {
			return classify(err, "failed to list container children", false)
		}
		for i := range children {
			if err := tx.DeleteEdgesForBlock(ctx, workflowID, children[i].ID); err != nil {
				return classify(err, "failed to delete child edges", false)
			}
		}
		for i := range children {
			if err := tx.DeleteBlock(ctx, workflowID, children[i].ID); err != nil {
				return classify(err, "failed to delete child block", false)
			}
		}
		if err := tx.DeleteSubflow(ctx, workflowID, blockID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return classify(err, "failed to delete subflow", false)
		}
	}

	if err := tx.DeleteEdgesForBlock(ctx, workflowID, blockID); err != nil {
		return classify(err, "failed to delete block edges", false)
	}
	if err := tx.DeleteBlock(ctx, workflowID, blockID); err != nil {
		return classify(err, "failed to delete block", false)
	}

	if block.ParentID != nil {
		if err := e.recomputeSubflowNodes(ctx, tx, workflowID, *block.ParentID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) updateBlockParent(ctx context.Context, tx repository.Tx, workflowID string, payload *models.BlockPayload) error {
	previous, err := tx.GetBlock(ctx, workflowID, payload.ID)
	if err != nil {
		return classify(err, "block not found", true)
	}

	if err := tx.UpdateBlockParent(ctx, workflowID, payload.ID, payload.ParentID, payload.Extent); err != nil {
		return classify(err, "block not found", true)
	}

	// keep both old and new containers' node lists in step with the children
	// table; they are the only other source of truth for membership
	if previous.ParentID != nil && (payload.ParentID == nil || *previous.ParentID != *payload.ParentID) {
		if err := e.recomputeSubflowNodes(ctx, tx, workflowID, *previous.ParentID); err != nil {
			return err
		}
	}
	if payload.ParentID != nil {
		if err := e.recomputeSubflowNodes(ctx, tx, workflowID, *payload.ParentID); err != nil {
			return err
		}
	}
	return nil
}

// recomputeSubflowNodes sets the container's config.nodes to the IDs of its
// children in insertion order, within the caller's transaction.
func (e *Engine) recomputeSubflowNodes(ctx context.Context, tx repository.Tx, workflowID, containerID string) error {
	children, err := tx.ListChildBlocks(ctx, workflowID, containerID)
	if err != nil {
		return classify(err, "failed to list container children", false)
	}
	nodes := make([]string, len(children))
	for i := range children {
		nodes[i] = children[i].ID
	}
	if err := tx.SetSubflowNodes(ctx, workflowID, containerID, nodes); err != nil {
		return classify(err, "parent subflow not found", false)
	}
	return nil
}

func (e *Engine) applyEdgeOperation(ctx context.Context, tx repository.Tx, workflowID string, op *models.Operation) error {
	payload := op.Edge

	switch op.Operation {
	case models.OpAdd:
		edge := &models.Edge{
			ID:            payload.ID,
			WorkflowID:    workflowID,
			SourceBlockID: payload.Source,
			TargetBlockID: payload.Target,
			SourceHandle:  payload.SourceHandle,
			TargetHandle:  payload.TargetHandle,
		}
		if err := tx.InsertEdge(ctx, edge); err != nil {
			return classify(err, "failed to insert edge", false)
		}
		return nil

	case models.OpRemove:
		if err := tx.DeleteEdge(ctx, workflowID, payload.ID); err != nil {
			return classify(err, "edge not found", false)
		}
		return nil

	default:
		return &OperationError{Code: CodeValidation, Message: "unsupported edge operation"}
	}
}

func (e *Engine) applySubflowOperation(ctx context.Context, tx repository.Tx, workflowID string, op *models.Operation) error {
	payload := op.Subflow

	switch op.Operation {
	case models.OpUpdate:
		subflow, err := tx.GetSubflow(ctx, workflowID, payload.ID)
		if err != nil {
			return classify(err, "subflow not found", true)
		}
		if err := tx.UpdateSubflowConfig(ctx, workflowID, payload.ID, payload.Config); err != nil {
			return classify(err, "subflow not found", true)
		}
		return e.mirrorSubflowConfig(ctx, tx, workflowID, subflow.Type, payload)

	case models.OpAdd, models.OpRemove:
		// accepted at the protocol boundary; rows are created and destroyed
		// through container block add/remove
		e.logger.Debug("Ignoring implicit subflow operation", map[string]interface{}{
			"workflow_id": workflowID,
			"operation":   op.Operation,
			"subflow_id":  payload.ID,
		})
		return nil

	default:
		return &OperationError{Code: CodeValidation, Message: "unsupported subflow operation"}
	}
}

// mirrorSubflowConfig copies the relevant config fields into the container
// block's data so the block row and subflow row cannot diverge.
func (e *Engine) mirrorSubflowConfig(ctx context.Context, tx repository.Tx, workflowID, subflowType string, payload *models.SubflowPayload) error {
	block, err := tx.GetBlock(ctx, workflowID, payload.ID)
	if err != nil {
		return classify(err, "container block not found", true)
	}

	data := models.JSONB{}
	for k, v := range block.Data {
		data[k] = v
	}
	data["width"] = 500
	data["height"] = 300

	switch subflowType {
	case models.BlockTypeLoop:
		data["type"] = "loopNode"
		if iterations, ok := payload.Config["iterations"]; ok {
			data["count"] = iterations
		}
		if loopType, ok := payload.Config["loopType"]; ok {
			data["loopType"] = loopType
		}
		if items, ok := payload.Config["forEachItems"]; ok {
			data["collection"] = items
		}
	case models.BlockTypeParallel:
		data["type"] = "parallelNode"
		if count, ok := payload.Config["count"]; ok {
			data["count"] = count
		}
		if parallelType, ok := payload.Config["parallelType"]; ok {
			data["parallelType"] = parallelType
		}
		if distribution, ok := payload.Config["distribution"]; ok {
			data["collection"] = distribution
		}
	}

	if err := tx.UpdateBlockData(ctx, workflowID, payload.ID, data); err != nil {
		return classify(err, "container block not found", true)
	}
	return nil
}

func numberOr(value interface{}, fallback float64) float64 {
	if n, ok := value.(float64); ok && n >= 1 {
		return n
	}
	if n, ok := value.(int); ok && n >= 1 {
		return float64(n)
	}
	return fallback
}

func stringOr(value interface{}, fallback string) string {
	if s, ok := value.(string); ok && s != "" {
		return s
	}
	return fallback
}

func valueOr(value interface{}, fallback interface{}) interface{} {
	if value != nil {
		return value
	}
	return fallback
}
