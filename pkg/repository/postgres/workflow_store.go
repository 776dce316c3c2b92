// Package postgres implements the workflow graph store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/observability"
	"github.com/flowmesh/flowmesh/pkg/repository"
)

const blockColumns = `id, workflow_id, type, name, position_x, position_y,
	enabled, horizontal_handles, is_wide, advanced_mode, height,
	sub_blocks, outputs, data, parent_id, extent`

const edgeColumns = `id, workflow_id, source_block_id, target_block_id, source_handle, target_handle`

// WorkflowStore implements repository.Store on sqlx
type WorkflowStore struct {
	db        *sqlx.DB
	logger    observability.Logger
	tracer    observability.StartSpanFunc
	metrics   observability.MetricsClient
	slowQuery time.Duration
}

// NewWorkflowStore creates a postgres-backed workflow store
func NewWorkflowStore(db *sqlx.DB, logger observability.Logger, tracer observability.StartSpanFunc, metrics observability.MetricsClient) *WorkflowStore {
	if tracer == nil {
		tracer = observability.NoopStartSpan
	}
	return &WorkflowStore{
		db:        db,
		logger:    logger,
		tracer:    tracer,
		metrics:   metrics,
		slowQuery: 100 * time.Millisecond,
	}
}

// WithTransaction runs fn inside one database transaction
func (s *WorkflowStore) WithTransaction(ctx context.Context, fn func(tx repository.Tx) error) error {
	ctx, span := s.tracer(ctx, "WorkflowStore.WithTransaction")
	defer span.End()

	start := time.Now()
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.Error("Transaction rollback failed", map[string]interface{}{
				"error": rbErr.Error(),
			})
		}
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "failed to commit transaction")
	}

	s.observe("transaction", start)
	return nil
}

// GetWorkflow retrieves the workflow row
func (s *WorkflowStore) GetWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	ctx, span := s.tracer(ctx, "WorkflowStore.GetWorkflow", attribute.String("workflow_id", workflowID))
	defer span.End()

	start := time.Now()
	var workflow models.Workflow
	err := s.db.GetContext(ctx, &workflow, `
		SELECT id, name, owner_id, workspace_id, state,
		       is_deployed, deployed_at, deployment_statuses, updated_at
		FROM workflow WHERE id = $1`, workflowID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, translateError(err, "workflow")
	}
	s.observe("get_workflow", start)
	return &workflow, nil
}

// ListBlocks returns every block in the workflow in insertion order
func (s *WorkflowStore) ListBlocks(ctx context.Context, workflowID string) ([]models.Block, error) {
	ctx, span := s.tracer(ctx, "WorkflowStore.ListBlocks")
	defer span.End()

	start := time.Now()
	var blocks []models.Block
	err := s.db.SelectContext(ctx, &blocks,
		`SELECT `+blockColumns+` FROM workflow_blocks WHERE workflow_id = $1 ORDER BY created_at, id`,
		workflowID)
	if err != nil {
		return nil, translateError(err, "block")
	}
	s.observe("list_blocks", start)
	return blocks, nil
}

// ListEdges returns every edge in the workflow
func (s *WorkflowStore) ListEdges(ctx context.Context, workflowID string) ([]models.Edge, error) {
	ctx, span := s.tracer(ctx, "WorkflowStore.ListEdges")
	defer span.End()

	start := time.Now()
	var edges []models.Edge
	err := s.db.SelectContext(ctx, &edges,
		`SELECT `+edgeColumns+` FROM workflow_edges WHERE workflow_id = $1 ORDER BY id`,
		workflowID)
	if err != nil {
		return nil, translateError(err, "edge")
	}
	s.observe("list_edges", start)
	return edges, nil
}

// ListSubflows returns every subflow row in the workflow
func (s *WorkflowStore) ListSubflows(ctx context.Context, workflowID string) ([]models.Subflow, error) {
	ctx, span := s.tracer(ctx, "WorkflowStore.ListSubflows")
	defer span.End()

	start := time.Now()
	var subflows []models.Subflow
	err := s.db.SelectContext(ctx, &subflows,
		`SELECT id, workflow_id, type, config FROM workflow_subflows WHERE workflow_id = $1 ORDER BY id`,
		workflowID)
	if err != nil {
		return nil, translateError(err, "subflow")
	}
	s.observe("list_subflows", start)
	return subflows, nil
}

// GetPermission resolves the user's grant on an entity
func (s *WorkflowStore) GetPermission(ctx context.Context, userID, entityType, entityID string) (string, error) {
	ctx, span := s.tracer(ctx, "WorkflowStore.GetPermission")
	defer span.End()

	start := time.Now()
	var permissionType string
	err := s.db.GetContext(ctx, &permissionType, `
		SELECT permission_type FROM permissions
		WHERE user_id = $1 AND entity_type = $2 AND entity_id = $3`,
		userID, entityType, entityID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", repository.ErrNotFound
		}
		return "", translateError(err, "permission")
	}
	s.observe("get_permission", start)
	return permissionType, nil
}

// PersistBlockPosition writes a fast-path position update. The workflow row
// keeps the client timestamp so drag ordering stays meaningful to the editor.
func (s *WorkflowStore) PersistBlockPosition(ctx context.Context, workflowID, blockID string, pos models.Position, clientTime time.Time) error {
	ctx, span := s.tracer(ctx, "WorkflowStore.PersistBlockPosition")
	defer span.End()

	return s.WithTransaction(ctx, func(tx repository.Tx) error {
		if err := tx.UpdateBlockPosition(ctx, workflowID, blockID, pos); err != nil {
			return err
		}
		return tx.TouchWorkflow(ctx, workflowID, clientTime)
	})
}

// FindOrphanEdges returns edges whose source block is missing
func (s *WorkflowStore) FindOrphanEdges(ctx context.Context, workflowID string) ([]models.Edge, error) {
	ctx, span := s.tracer(ctx, "WorkflowStore.FindOrphanEdges")
	defer span.End()

	start := time.Now()
	var edges []models.Edge
	err := s.db.SelectContext(ctx, &edges, `
		SELECT e.id, e.workflow_id, e.source_block_id, e.target_block_id, e.source_handle, e.target_handle
		FROM workflow_edges e
		LEFT JOIN workflow_blocks b
		  ON b.id = e.source_block_id AND b.workflow_id = e.workflow_id
		WHERE e.workflow_id = $1 AND b.id IS NULL`, workflowID)
	if err != nil {
		return nil, translateError(err, "edge")
	}
	s.observe("find_orphan_edges", start)
	return edges, nil
}

// observe records query latency and logs anything over the soft budget
func (s *WorkflowStore) observe(operation string, start time.Time) {
	elapsed := time.Since(start)
	s.metrics.RecordLatency("db_"+operation, elapsed)
	if elapsed > s.slowQuery {
		s.logger.Warn("Slow database operation", map[string]interface{}{
			"operation":   operation,
			"duration_ms": elapsed.Milliseconds(),
		})
	}
}

// translateError maps driver errors to repository sentinels
func translateError(err error, entity string) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return repository.ErrNotFound
	}
	if pgErr, ok := err.(*pq.Error); ok {
		switch pgErr.Code {
		case "23505": // unique_violation
			return repository.ErrDuplicate
		case "23503": // foreign_key_violation
			return errors.Wrapf(repository.ErrNotFound, "%s references a missing row", entity)
		}
	}
	return errors.Wrapf(err, "%s query failed", entity)
}
