package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/repository"
)

// ApplySubblockValue merges one sub-block value into a block's sub_blocks
// document. Missing sub-block entries are created; a missing block or
// workflow maps onto the dedicated gone codes so the socket layer can pick
// the right teardown.
func (e *Engine) ApplySubblockValue(ctx context.Context, workflowID string, update *models.SubblockUpdate, serverTime time.Time) error {
	// distinguish a vanished workflow from a vanished block up front; both
	// surface as ErrNotFound from the row reads below
	if _, err := e.store.GetWorkflow(ctx, workflowID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &OperationError{
				Code:      CodeWorkflowGone,
				Retryable: false,
				Message:   "Workflow no longer exists",
				cause:     err,
			}
		}
		return classify(err, "failed to load workflow", false)
	}

	err := e.store.WithTransaction(ctx, func(tx repository.Tx) error {
		block, err := tx.GetBlock(ctx, workflowID, update.BlockID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return &OperationError{
					Code:      CodeBlockGone,
					Retryable: false,
					Message:   "Block no longer exists",
					cause:     err,
				}
			}
			return classify(err, "failed to load block", false)
		}

		subBlocks := models.JSONB{}
		for k, v := range block.SubBlocks {
			subBlocks[k] = v
		}

		if existing, ok := subBlocks[update.SubblockID].(map[string]interface{}); ok {
			merged := make(map[string]interface{}, len(existing)+1)
			for k, v := range existing {
				merged[k] = v
			}
			merged["value"] = update.Value
			subBlocks[update.SubblockID] = merged
		} else {
			subBlocks[update.SubblockID] = map[string]interface{}{
				"id":    update.SubblockID,
				"type":  "unknown",
				"value": update.Value,
			}
		}

		if err := tx.UpdateBlockSubBlocks(ctx, workflowID, update.BlockID, subBlocks); err != nil {
			return classify(err, "failed to persist sub-block value", false)
		}
		return tx.TouchWorkflow(ctx, workflowID, serverTime)
	})

	if err != nil {
		e.metrics.IncrementCounter("engine_subblock_updates_failed", 1)
		return err
	}
	e.metrics.IncrementCounter("engine_subblock_updates_applied", 1)
	return nil
}
