package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/repository"
)

// pgTx implements repository.Tx on an sqlx transaction
type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) TouchWorkflow(ctx context.Context, workflowID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE workflow SET updated_at = $2 WHERE id = $1`,
		workflowID, at)
	if err != nil {
		return translateError(err, "workflow")
	}
	return requireRows(res, "workflow")
}

func (t *pgTx) GetBlock(ctx context.Context, workflowID, blockID string) (*models.Block, error) {
	var block models.Block
	err := t.tx.GetContext(ctx, &block,
		`SELECT `+blockColumns+` FROM workflow_blocks WHERE id = $1 AND workflow_id = $2`,
		blockID, workflowID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, translateError(err, "block")
	}
	return &block, nil
}

func (t *pgTx) InsertBlock(ctx context.Context, block *models.Block) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO workflow_blocks (
			id, workflow_id, type, name, position_x, position_y,
			enabled, horizontal_handles, is_wide, advanced_mode, height,
			sub_blocks, outputs, data, parent_id, extent, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, NOW()
		)`,
		block.ID, block.WorkflowID, block.Type, block.Name,
		block.PositionX, block.PositionY,
		block.Enabled, block.HorizontalHandles, block.IsWide, block.AdvancedMode, block.Height,
		block.SubBlocks, block.Outputs, block.Data, block.ParentID, block.Extent)
	return translateError(err, "block")
}

func (t *pgTx) UpdateBlockPosition(ctx context.Context, workflowID, blockID string, pos models.Position) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE workflow_blocks SET position_x = $3, position_y = $4 WHERE id = $1 AND workflow_id = $2`,
		blockID, workflowID, pos.X, pos.Y)
	if err != nil {
		return translateError(err, "block")
	}
	return requireRows(res, "block")
}

func (t *pgTx) UpdateBlockName(ctx context.Context, workflowID, blockID, name string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE workflow_blocks SET name = $3 WHERE id = $1 AND workflow_id = $2`,
		blockID, workflowID, name)
	if err != nil {
		return translateError(err, "block")
	}
	return requireRows(res, "block")
}

func (t *pgTx) ToggleBlockEnabled(ctx context.Context, workflowID, blockID string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE workflow_blocks SET enabled = NOT enabled WHERE id = $1 AND workflow_id = $2`,
		blockID, workflowID)
	if err != nil {
		return translateError(err, "block")
	}
	return requireRows(res, "block")
}

func (t *pgTx) UpdateBlockParent(ctx context.Context, workflowID, blockID string, parentID, extent *string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE workflow_blocks SET parent_id = $3, extent = $4 WHERE id = $1 AND workflow_id = $2`,
		blockID, workflowID, parentID, extent)
	if err != nil {
		return translateError(err, "block")
	}
	return requireRows(res, "block")
}

func (t *pgTx) UpdateBlockWide(ctx context.Context, workflowID, blockID string, isWide bool) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE workflow_blocks SET is_wide = $3 WHERE id = $1 AND workflow_id = $2`,
		blockID, workflowID, isWide)
	if err != nil {
		return translateError(err, "block")
	}
	return requireRows(res, "block")
}

func (t *pgTx) UpdateBlockAdvancedMode(ctx context.Context, workflowID, blockID string, advancedMode bool) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE workflow_blocks SET advanced_mode = $3 WHERE id = $1 AND workflow_id = $2`,
		blockID, workflowID, advancedMode)
	if err != nil {
		return translateError(err, "block")
	}
	return requireRows(res, "block")
}

func (t *pgTx) ToggleBlockHandles(ctx context.Context, workflowID, blockID string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE workflow_blocks SET horizontal_handles = NOT horizontal_handles WHERE id = $1 AND workflow_id = $2`,
		blockID, workflowID)
	if err != nil {
		return translateError(err, "block")
	}
	return requireRows(res, "block")
}

func (t *pgTx) UpdateBlockData(ctx context.Context, workflowID, blockID string, data models.JSONB) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE workflow_blocks SET data = $3 WHERE id = $1 AND workflow_id = $2`,
		blockID, workflowID, data)
	if err != nil {
		return translateError(err, "block")
	}
	return requireRows(res, "block")
}

func (t *pgTx) UpdateBlockSubBlocks(ctx context.Context, workflowID, blockID string, subBlocks models.JSONB) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE workflow_blocks SET sub_blocks = $3 WHERE id = $1 AND workflow_id = $2`,
		blockID, workflowID, subBlocks)
	if err != nil {
		return translateError(err, "block")
	}
	return requireRows(res, "block")
}

func (t *pgTx) DeleteBlock(ctx context.Context, workflowID, blockID string) error {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM workflow_blocks WHERE id = $1 AND workflow_id = $2`,
		blockID, workflowID)
	if err != nil {
		return translateError(err, "block")
	}
	return requireRows(res, "block")
}

func (t *pgTx) ListChildBlocks(ctx context.Context, workflowID, parentID string) ([]models.Block, error) {
	var blocks []models.Block
	err := t.tx.SelectContext(ctx, &blocks,
		`SELECT `+blockColumns+` FROM workflow_blocks
		 WHERE workflow_id = $1 AND parent_id = $2
		 ORDER BY created_at, id`,
		workflowID, parentID)
	if err != nil {
		return nil, translateError(err, "block")
	}
	return blocks, nil
}

func (t *pgTx) InsertEdge(ctx context.Context, edge *models.Edge) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO workflow_edges (
			id, workflow_id, source_block_id, target_block_id, source_handle, target_handle
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		edge.ID, edge.WorkflowID, edge.SourceBlockID, edge.TargetBlockID,
		edge.SourceHandle, edge.TargetHandle)
	return translateError(err, "edge")
}

func (t *pgTx) DeleteEdge(ctx context.Context, workflowID, edgeID string) error {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM workflow_edges WHERE id = $1 AND workflow_id = $2`,
		edgeID, workflowID)
	if err != nil {
		return translateError(err, "edge")
	}
	return requireRows(res, "edge")
}

func (t *pgTx) DeleteEdgesForBlock(ctx context.Context, workflowID, blockID string) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM workflow_edges
		 WHERE workflow_id = $1 AND (source_block_id = $2 OR target_block_id = $2)`,
		workflowID, blockID)
	return translateError(err, "edge")
}

func (t *pgTx) GetSubflow(ctx context.Context, workflowID, subflowID string) (*models.Subflow, error) {
	var subflow models.Subflow
	err := t.tx.GetContext(ctx, &subflow,
		`SELECT id, workflow_id, type, config FROM workflow_subflows WHERE id = $1 AND workflow_id = $2`,
		subflowID, workflowID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, translateError(err, "subflow")
	}
	return &subflow, nil
}

func (t *pgTx) InsertSubflow(ctx context.Context, subflow *models.Subflow) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO workflow_subflows (id, workflow_id, type, config)
		VALUES ($1, $2, $3, $4)`,
		subflow.ID, subflow.WorkflowID, subflow.Type, subflow.Config)
	return translateError(err, "subflow")
}

func (t *pgTx) UpdateSubflowConfig(ctx context.Context, workflowID, subflowID string, config models.JSONB) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE workflow_subflows SET config = $3 WHERE id = $1 AND workflow_id = $2`,
		subflowID, workflowID, config)
	if err != nil {
		return translateError(err, "subflow")
	}
	return requireRows(res, "subflow")
}

func (t *pgTx) SetSubflowNodes(ctx context.Context, workflowID, subflowID string, nodes []string) error {
	if nodes == nil {
		nodes = []string{}
	}
	encoded, err := json.Marshal(nodes)
	if err != nil {
		return errors.Wrap(err, "failed to encode subflow nodes")
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE workflow_subflows
		 SET config = jsonb_set(COALESCE(config, '{}'::jsonb), '{nodes}', $3::jsonb)
		 WHERE id = $1 AND workflow_id = $2`,
		subflowID, workflowID, string(encoded))
	if err != nil {
		return translateError(err, "subflow")
	}
	return requireRows(res, "subflow")
}

func (t *pgTx) DeleteSubflow(ctx context.Context, workflowID, subflowID string) error {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM workflow_subflows WHERE id = $1 AND workflow_id = $2`,
		subflowID, workflowID)
	if err != nil {
		return translateError(err, "subflow")
	}
	return requireRows(res, "subflow")
}

// requireRows maps a zero-row update or delete to ErrNotFound
func requireRows(res sql.Result, entity string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to read affected rows for %s", entity)
	}
	if affected == 0 {
		return repository.ErrNotFound
	}
	return nil
}
