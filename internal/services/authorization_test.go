package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/observability"
	"github.com/flowmesh/flowmesh/pkg/repository"
)

// stubStore fakes the two reads authorization performs. Embedding the
// interface leaves the unused methods panicking if ever called.
type stubStore struct {
	repository.Store
	workflows   map[string]*models.Workflow
	permissions map[string]string
	permErr     error
}

func (s *stubStore) GetWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return wf, nil
}

func (s *stubStore) GetPermission(ctx context.Context, userID, entityType, entityID string) (string, error) {
	if s.permErr != nil {
		return "", s.permErr
	}
	role, ok := s.permissions[userID+"/"+entityType+"/"+entityID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return role, nil
}

func strPtr(s string) *string { return &s }

func newTestAuthz(store *stubStore) *AuthorizationService {
	return NewAuthorizationService(store, observability.NewNoopLogger())
}

func TestResolveAccess(t *testing.T) {
	store := &stubStore{
		workflows: map[string]*models.Workflow{
			"wf-owned":     {ID: "wf-owned", OwnerID: "alice", WorkspaceID: strPtr("ws-1")},
			"wf-shared":    {ID: "wf-shared", OwnerID: "bob", WorkspaceID: strPtr("ws-1")},
			"wf-personal":  {ID: "wf-personal", OwnerID: "bob"},
		},
		permissions: map[string]string{
			"alice/workspace/ws-1": "write",
			"carol/workspace/ws-1": "viewer",
		},
	}
	authz := newTestAuthz(store)
	ctx := context.Background()

	t.Run("owner is admin regardless of workspace role", func(t *testing.T) {
		access, err := authz.ResolveAccess(ctx, "alice", "wf-owned")
		require.NoError(t, err)
		assert.True(t, access.HasAccess)
		assert.Equal(t, models.RoleAdmin, access.Role)
		assert.Equal(t, "ws-1", access.WorkspaceID)
	})

	t.Run("workspace grant applies to non-owner", func(t *testing.T) {
		access, err := authz.ResolveAccess(ctx, "alice", "wf-shared")
		require.NoError(t, err)
		assert.True(t, access.HasAccess)
		assert.Equal(t, models.RoleWrite, access.Role)
	})

	t.Run("legacy role names are normalized", func(t *testing.T) {
		access, err := authz.ResolveAccess(ctx, "carol", "wf-shared")
		require.NoError(t, err)
		assert.Equal(t, models.RoleRead, access.Role)
	})

	t.Run("no grant means no access", func(t *testing.T) {
		access, err := authz.ResolveAccess(ctx, "mallory", "wf-shared")
		require.NoError(t, err)
		assert.False(t, access.HasAccess)
	})

	t.Run("personal workflow without workspace denies non-owner", func(t *testing.T) {
		access, err := authz.ResolveAccess(ctx, "alice", "wf-personal")
		require.NoError(t, err)
		assert.False(t, access.HasAccess)
	})

	t.Run("missing workflow means no access", func(t *testing.T) {
		access, err := authz.ResolveAccess(ctx, "alice", "wf-ghost")
		require.NoError(t, err)
		assert.False(t, access.HasAccess)
	})
}

func TestAuthorizeOperation(t *testing.T) {
	store := &stubStore{
		workflows: map[string]*models.Workflow{
			"wf-1": {ID: "wf-1", OwnerID: "owner", WorkspaceID: strPtr("ws-1")},
		},
		permissions: map[string]string{
			"writer/workspace/ws-1": models.RoleWrite,
			"reader/workspace/ws-1": models.RoleRead,
		},
	}
	authz := newTestAuthz(store)
	ctx := context.Background()

	tests := []struct {
		name      string
		userID    string
		operation string
		target    string
		allowed   bool
	}{
		{"owner can remove", "owner", models.OpRemove, models.TargetBlock, true},
		{"writer can add", "writer", models.OpAdd, models.TargetBlock, true},
		{"writer can update subflow", "writer", models.OpUpdate, models.TargetSubflow, true},
		{"reader can move blocks", "reader", models.OpUpdatePosition, models.TargetBlock, true},
		{"reader cannot add", "reader", models.OpAdd, models.TargetBlock, false},
		{"reader cannot remove edges", "reader", models.OpRemove, models.TargetEdge, false},
		{"reader cannot rename", "reader", models.OpUpdateName, models.TargetBlock, false},
		{"stranger is denied", "stranger", models.OpAdd, models.TargetBlock, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := authz.AuthorizeOperation(ctx, tt.userID, "wf-1", tt.operation, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, decision.Allowed)
			if !tt.allowed {
				assert.NotEmpty(t, decision.Reason)
			}
		})
	}
}

func TestAuthorizeOperationStoreError(t *testing.T) {
	store := &stubStore{
		workflows: map[string]*models.Workflow{
			"wf-1": {ID: "wf-1", OwnerID: "owner", WorkspaceID: strPtr("ws-1")},
		},
		permErr: assert.AnError,
	}
	authz := newTestAuthz(store)

	_, err := authz.AuthorizeOperation(context.Background(), "someone", "wf-1", models.OpAdd, models.TargetBlock)
	assert.Error(t, err)
}
