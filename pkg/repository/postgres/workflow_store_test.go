package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/observability"
	"github.com/flowmesh/flowmesh/pkg/repository"
)

func newTestStore(t *testing.T) (*WorkflowStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	store := NewWorkflowStore(sqlxDB, observability.NewNoopLogger(), nil, observability.NewNoopMetricsClient())
	return store, mock
}

func TestGetWorkflow(t *testing.T) {
	store, mock := newTestStore(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT id, name, owner_id, workspace_id, state`).
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "owner_id", "workspace_id", "state",
			"is_deployed", "deployed_at", "deployment_statuses", "updated_at",
		}).AddRow("wf-1", "My Flow", "alice", "ws-1", []byte(`{"hasActiveSchedule":true}`),
			true, now, []byte(`{}`), now))

	wf, err := store.GetWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", wf.ID)
	assert.Equal(t, "alice", wf.OwnerID)
	require.NotNil(t, wf.WorkspaceID)
	assert.Equal(t, "ws-1", *wf.WorkspaceID)
	assert.True(t, wf.IsDeployed)
	assert.Equal(t, true, wf.State["hasActiveSchedule"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWorkflowNotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT id, name, owner_id`).
		WithArgs("wf-missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetWorkflow(context.Background(), "wf-missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestGetPermission(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT permission_type FROM permissions`).
		WithArgs("alice", "workspace", "ws-1").
		WillReturnRows(sqlmock.NewRows([]string{"permission_type"}).AddRow("write"))

	role, err := store.GetPermission(context.Background(), "alice", "workspace", "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "write", role)
}

func TestGetPermissionNotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT permission_type FROM permissions`).
		WithArgs("mallory", "workspace", "ws-1").
		WillReturnRows(sqlmock.NewRows([]string{"permission_type"}))

	_, err := store.GetPermission(context.Background(), "mallory", "workspace", "ws-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestWithTransactionCommits(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE workflow SET updated_at`).
		WithArgs("wf-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithTransaction(context.Background(), func(tx repository.Tx) error {
		return tx.TouchWorkflow(context.Background(), "wf-1", time.Now())
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO workflow_blocks`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := store.WithTransaction(context.Background(), func(tx repository.Tx) error {
		return tx.InsertBlock(context.Background(), &models.Block{ID: "b1", WorkflowID: "wf-1"})
	})
	assert.ErrorIs(t, err, repository.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchMissingWorkflow(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE workflow SET updated_at`).
		WithArgs("wf-missing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithTransaction(context.Background(), func(tx repository.Tx) error {
		return tx.TouchWorkflow(context.Background(), "wf-missing", time.Now())
	})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestForeignKeyViolationMapsToNotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO workflow_edges`).
		WillReturnError(&pq.Error{Code: "23503"})
	mock.ExpectRollback()

	err := store.WithTransaction(context.Background(), func(tx repository.Tx) error {
		return tx.InsertEdge(context.Background(), &models.Edge{ID: "e1", WorkflowID: "wf-1"})
	})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestSetSubflowNodes(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE workflow_subflows\s+SET config = jsonb_set`).
		WithArgs("loop-1", "wf-1", `["child-1","child-2"]`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithTransaction(context.Background(), func(tx repository.Tx) error {
		return tx.SetSubflowNodes(context.Background(), "wf-1", "loop-1", []string{"child-1", "child-2"})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistBlockPositionKeepsClientTime(t *testing.T) {
	store, mock := newTestStore(t)
	clientTime := time.Now().Add(-2 * time.Second)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE workflow_blocks SET position_x`).
		WithArgs("b1", "wf-1", 12.0, 34.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE workflow SET updated_at`).
		WithArgs("wf-1", clientTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.PersistBlockPosition(context.Background(), "wf-1", "b1", models.Position{X: 12, Y: 34}, clientTime)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrphanEdges(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(`LEFT JOIN workflow_blocks`).
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "workflow_id", "source_block_id", "target_block_id", "source_handle", "target_handle",
		}).AddRow("e1", "wf-1", "gone", "b2", nil, nil))

	edges, err := store.FindOrphanEdges(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "gone", edges[0].SourceBlockID)
}

func TestListBlocks(t *testing.T) {
	store, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{
		"id", "workflow_id", "type", "name", "position_x", "position_y",
		"enabled", "horizontal_handles", "is_wide", "advanced_mode", "height",
		"sub_blocks", "outputs", "data", "parent_id", "extent",
	}).
		AddRow("b1", "wf-1", "agent", "Agent", 10.0, 20.0,
			true, true, false, false, 0.0,
			[]byte(`{"prompt":{"id":"prompt","value":"hi"}}`), []byte(`{}`), []byte(`{}`), nil, nil).
		AddRow("loop-1", "wf-1", "loop", "Loop", 0.0, 0.0,
			true, true, false, false, 300.0,
			[]byte(`{}`), []byte(`{}`), []byte(`{"width":500}`), nil, nil)

	mock.ExpectQuery(`FROM workflow_blocks WHERE workflow_id = \$1 ORDER BY created_at, id`).
		WithArgs("wf-1").
		WillReturnRows(rows)

	blocks, err := store.ListBlocks(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "b1", blocks[0].ID)
	assert.Equal(t, 10.0, blocks[0].PositionX)
	assert.Equal(t, "hi", blocks[0].SubBlocks["prompt"].(map[string]interface{})["value"])
	assert.Equal(t, 500.0, blocks[1].Data["width"])
}
