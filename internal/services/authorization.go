// Package services holds the collaboration server's domain services.
package services

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/observability"
	"github.com/flowmesh/flowmesh/pkg/repository"
)

// entityTypeWorkspace is the permission row entity type for workspace grants
const entityTypeWorkspace = "workspace"

// Access is the result of resolving a user against a workflow
type Access struct {
	HasAccess   bool
	Role        string
	WorkspaceID string
}

// Decision is the result of authorizing one operation
type Decision struct {
	Allowed bool
	Reason  string
}

// operationsByRole is the fixed authorization matrix. Admin and write may
// perform every structural operation; read is limited to position drags.
var operationsByRole = map[string]map[string]bool{
	models.RoleAdmin: allOperations(),
	models.RoleWrite: allOperations(),
	models.RoleRead: {
		models.OpUpdatePosition: true,
	},
}

func allOperations() map[string]bool {
	ops := map[string]bool{
		models.OpAdd:                true,
		models.OpRemove:             true,
		models.OpUpdate:             true,
		models.OpUpdatePosition:     true,
		models.OpUpdateName:         true,
		models.OpToggleEnabled:      true,
		models.OpUpdateParent:       true,
		models.OpUpdateWide:         true,
		models.OpUpdateAdvancedMode: true,
		models.OpToggleHandles:      true,
		models.OpDuplicate:          true,
	}
	return ops
}

// AuthorizationService resolves workflow access roles and authorizes
// individual operations. Every call re-reads the grant row: mid-session role
// changes take effect on the next operation without a revocation channel.
type AuthorizationService struct {
	store  repository.Store
	logger observability.Logger
}

// NewAuthorizationService creates an authorization service
func NewAuthorizationService(store repository.Store, logger observability.Logger) *AuthorizationService {
	return &AuthorizationService{store: store, logger: logger}
}

// ResolveAccess maps (userID, workflowID) to a role. Ownership implies admin
// regardless of any grant row; otherwise the user's role on the workflow's
// workspace applies.
func (s *AuthorizationService) ResolveAccess(ctx context.Context, userID, workflowID string) (Access, error) {
	workflow, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Access{}, nil
		}
		return Access{}, errors.Wrap(err, "failed to resolve workflow")
	}

	if workflow.OwnerID == userID {
		access := Access{HasAccess: true, Role: models.RoleAdmin}
		if workflow.WorkspaceID != nil {
			access.WorkspaceID = *workflow.WorkspaceID
		}
		return access, nil
	}

	if workflow.WorkspaceID == nil {
		return Access{}, nil
	}

	role, err := s.store.GetPermission(ctx, userID, entityTypeWorkspace, *workflow.WorkspaceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Access{}, nil
		}
		return Access{}, errors.Wrap(err, "failed to resolve workspace permission")
	}

	return Access{HasAccess: true, Role: normalizeRole(role), WorkspaceID: *workflow.WorkspaceID}, nil
}

// AuthorizeOperation resolves the caller's role and checks it against the
// operation matrix.
func (s *AuthorizationService) AuthorizeOperation(ctx context.Context, userID, workflowID, operation, target string) (Decision, error) {
	access, err := s.ResolveAccess(ctx, userID, workflowID)
	if err != nil {
		return Decision{}, err
	}
	if !access.HasAccess {
		return Decision{Reason: "no access to workflow"}, nil
	}

	allowed := operationsByRole[access.Role]
	if allowed == nil || !allowed[operation] {
		return Decision{
			Reason: fmt.Sprintf("role %s may not perform %s on %s", access.Role, operation, target),
		}, nil
	}
	return Decision{Allowed: true}, nil
}

// normalizeRole folds legacy role names onto the three-role model
func normalizeRole(role string) string {
	switch role {
	case models.RoleAdmin, models.RoleWrite, models.RoleRead:
		return role
	case "owner":
		return models.RoleAdmin
	case "member":
		return models.RoleWrite
	case "viewer":
		return models.RoleRead
	default:
		return role
	}
}
