package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// Actor is the user performing an administrative write
type Actor struct {
	UserID       int64
	IsSuperAdmin bool
}

// AdminService applies administrative writes to a Repository. It enforces
// system role protection and reference checks, and invalidates the engine's
// query cache after every successful write.
type AdminService struct {
	repo   Repository
	engine *Engine
	logger *observability.Logger
	now    func() time.Time
}

// NewAdminService creates an admin service. engine may be nil when no
// query cache needs invalidating.
func NewAdminService(repo Repository, engine *Engine, logger *observability.Logger) *AdminService {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &AdminService{repo: repo, engine: engine, logger: logger, now: time.Now}
}

func (s *AdminService) invalidate(ctx context.Context, tenantID *string, userID *int64) {
	if s.engine == nil {
		return
	}
	if err := s.engine.InvalidateCache(ctx, tenantID, userID); err != nil {
		s.logger.WithError(err).Warn("cache invalidation after write failed")
	}
}

func (s *AdminService) guardSystemRole(actor Actor, role *Role) error {
	if role.IsSystem && !actor.IsSuperAdmin {
		return fmt.Errorf("role %q is a system role: %w", role.Name, ErrForbidden)
	}
	return nil
}

// CreateRole creates a role. Only a super admin may create system roles.
func (s *AdminService) CreateRole(ctx context.Context, actor Actor, role *Role) error {
	if role.Name == "" {
		return fmt.Errorf("%w: role name is required", ErrBadRequest)
	}
	if err := s.guardSystemRole(actor, role); err != nil {
		return err
	}
	existing, err := s.repo.FindRoleByName(ctx, role.Name, role.TenantID)
	switch {
	case err == nil && sameOwner(existing.TenantID, role.TenantID):
		return fmt.Errorf("role %q: %w", role.Name, ErrConflict)
	case err != nil && !errors.Is(err, ErrNotFound):
		return err
	}
	if err := s.repo.CreateRole(ctx, role); err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{"role_id": role.ID, "role": role.Name, "actor": actor.UserID}).Info("role created")
	s.invalidate(ctx, role.TenantID, nil)
	return nil
}

func sameOwner(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// UpdateRole updates a role. System roles are protected.
func (s *AdminService) UpdateRole(ctx context.Context, actor Actor, role *Role) error {
	existing, err := s.repo.FindRole(ctx, role.ID)
	if err != nil {
		return err
	}
	if err := s.guardSystemRole(actor, existing); err != nil {
		return err
	}
	if err := s.guardSystemRole(actor, role); err != nil {
		return err
	}
	if err := s.repo.UpdateRole(ctx, role); err != nil {
		return err
	}
	s.invalidate(ctx, existing.TenantID, nil)
	return nil
}

// DeleteRole deletes a role that nothing references. System roles are
// protected.
func (s *AdminService) DeleteRole(ctx context.Context, actor Actor, id int64) error {
	role, err := s.repo.FindRole(ctx, id)
	if err != nil {
		return err
	}
	if err := s.guardSystemRole(actor, role); err != nil {
		return err
	}
	refs, err := s.repo.CountRoleReferences(ctx, id)
	if err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("role %q is referenced by %d assignments or groups: %w", role.Name, refs, ErrForbidden)
	}
	if err := s.repo.DeleteRole(ctx, id); err != nil {
		return err
	}

	s.logger.WithFields(map[string]interface{}{"role_id": id, "actor": actor.UserID}).Info("role deleted")
	s.invalidate(ctx, role.TenantID, nil)
	return nil
}

// CreatePermission creates a permission from its code
func (s *AdminService) CreatePermission(ctx context.Context, perm *Permission) error {
	if perm.Resource == "" || perm.Action == "" {
		return fmt.Errorf("%w: permission resource and action are required", ErrBadRequest)
	}
	if _, err := s.repo.FindPermission(ctx, perm.Resource, perm.Action); err == nil {
		return fmt.Errorf("permission %s: %w", perm.Code(), ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.repo.CreatePermission(ctx, perm)
}

func (s *AdminService) permissionByCode(ctx context.Context, code string) (*Permission, error) {
	resource, action, err := ParsePermissionCode(code)
	if err != nil {
		return nil, err
	}
	return s.repo.FindPermission(ctx, resource, action)
}

func (s *AdminService) setLink(ctx context.Context, actor Actor, roleID int64, code string, granted bool, level AccessLevel) error {
	role, err := s.repo.FindRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.guardSystemRole(actor, role); err != nil {
		return err
	}
	perm, err := s.permissionByCode(ctx, code)
	if err != nil {
		return err
	}
	link := &RolePermissionLink{
		RoleID:       role.ID,
		PermissionID: perm.ID,
		IsGranted:    granted,
		AccessLevel:  level,
		Active:       true,
	}
	if err := s.repo.UpsertRolePermissionLink(ctx, link); err != nil {
		return err
	}
	s.invalidate(ctx, role.TenantID, nil)
	return nil
}

// GrantPermission links code to a role at level
func (s *AdminService) GrantPermission(ctx context.Context, actor Actor, roleID int64, code string, level AccessLevel) error {
	return s.setLink(ctx, actor, roleID, code, true, level)
}

// DenyPermission records an explicit deny of code on a role
func (s *AdminService) DenyPermission(ctx context.Context, actor Actor, roleID int64, code string) error {
	return s.setLink(ctx, actor, roleID, code, false, AccessBlocked)
}

// RevokePermission removes the link between a role and code
func (s *AdminService) RevokePermission(ctx context.Context, actor Actor, roleID int64, code string) error {
	role, err := s.repo.FindRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.guardSystemRole(actor, role); err != nil {
		return err
	}
	perm, err := s.permissionByCode(ctx, code)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteRolePermissionLink(ctx, role.ID, perm.ID); err != nil {
		return err
	}
	s.invalidate(ctx, role.TenantID, nil)
	return nil
}

// CreateGroup creates a group with a unique name
func (s *AdminService) CreateGroup(ctx context.Context, group *Group) error {
	if group.Name == "" {
		return fmt.Errorf("%w: group name is required", ErrBadRequest)
	}
	if group.Type == "" {
		group.Type = GroupCustom
	}
	if !group.Type.Valid() {
		return fmt.Errorf("%w: unknown group type %q", ErrBadRequest, group.Type)
	}
	if _, err := s.repo.FindGroupByName(ctx, group.Name); err == nil {
		return fmt.Errorf("group %q: %w", group.Name, ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.repo.CreateGroup(ctx, group)
}

// DeleteGroup deletes a group without active members
func (s *AdminService) DeleteGroup(ctx context.Context, id int64) error {
	group, err := s.repo.FindGroup(ctx, id)
	if err != nil {
		return err
	}
	members, err := s.repo.CountGroupMembers(ctx, id)
	if err != nil {
		return err
	}
	if members > 0 {
		return fmt.Errorf("group %q has %d members: %w", group.Name, members, ErrForbidden)
	}
	if err := s.repo.DeleteGroup(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, nil, nil)
	return nil
}

// AddGroupRole grants a role to a group
func (s *AdminService) AddGroupRole(ctx context.Context, groupID, roleID int64) error {
	if err := s.repo.AddGroupRole(ctx, groupID, roleID); err != nil {
		return err
	}
	s.invalidate(ctx, nil, nil)
	return nil
}

// RemoveGroupRole revokes a role from a group
func (s *AdminService) RemoveGroupRole(ctx context.Context, groupID, roleID int64) error {
	if err := s.repo.RemoveGroupRole(ctx, groupID, roleID); err != nil {
		return err
	}
	s.invalidate(ctx, nil, nil)
	return nil
}

// AddGroupMember adds a user to a group, optionally until expiresAt
func (s *AdminService) AddGroupMember(ctx context.Context, groupID, userID int64, expiresAt *time.Time) error {
	if _, err := s.repo.FindGroup(ctx, groupID); err != nil {
		return err
	}
	m := &UserGroupMembership{UserID: userID, GroupID: groupID, ExpiresAt: expiresAt, Active: true}
	if err := s.repo.AddGroupMember(ctx, m); err != nil {
		return err
	}
	s.invalidate(ctx, nil, &userID)
	return nil
}

// RemoveGroupMember removes a user from a group
func (s *AdminService) RemoveGroupMember(ctx context.Context, groupID, userID int64) error {
	if err := s.repo.RemoveGroupMember(ctx, groupID, userID); err != nil {
		return err
	}
	s.invalidate(ctx, nil, &userID)
	return nil
}

// AssignTenantRole creates or replaces a user's assignment in a tenant
func (s *AdminService) AssignTenantRole(ctx context.Context, actor Actor, a *UserTenantRoleAssignment) error {
	if a.TenantID == "" {
		return fmt.Errorf("%w: tenant is required", ErrBadRequest)
	}
	if _, err := s.repo.FindUser(ctx, a.UserID); err != nil {
		return err
	}
	if a.RoleID != nil {
		role, err := s.repo.FindRole(ctx, *a.RoleID)
		if err != nil {
			return err
		}
		if !visibleTo(role.TenantID, &a.TenantID) {
			return fmt.Errorf("%w: role %q belongs to tenant %s", ErrBadRequest, role.Name, *role.TenantID)
		}
		if role.Name == RoleSuperAdmin && !actor.IsSuperAdmin {
			return fmt.Errorf("only a super admin may grant %s: %w", RoleSuperAdmin, ErrForbidden)
		}
		if a.RoleType == "" && role.ParentRoleType != nil {
			a.RoleType = *role.ParentRoleType
		}
	}
	for _, codes := range [][]string{a.AdditionalPermissions, a.RestrictedPermissions} {
		for _, code := range codes {
			if _, _, err := ParsePermissionCode(code); err != nil {
				return err
			}
		}
	}

	grantedBy := actor.UserID
	a.GrantedBy = &grantedBy
	a.GrantedAt = s.now()
	a.Active = true
	if err := s.repo.UpsertTenantAssignment(ctx, a); err != nil {
		return err
	}

	s.logger.WithTenant(a.TenantID).WithUser(a.UserID).WithField("actor", actor.UserID).Info("tenant role assigned")
	s.invalidate(ctx, &a.TenantID, &a.UserID)
	return nil
}

// RevokeTenantRole deactivates a user's assignment in a tenant
func (s *AdminService) RevokeTenantRole(ctx context.Context, userID int64, tenantID string) error {
	if err := s.repo.RevokeTenantAssignment(ctx, userID, tenantID); err != nil {
		return err
	}
	s.invalidate(ctx, &tenantID, &userID)
	return nil
}

// CreateUser creates a user
func (s *AdminService) CreateUser(ctx context.Context, user *User) error {
	if user.Username == "" {
		return fmt.Errorf("%w: username is required", ErrBadRequest)
	}
	return s.repo.CreateUser(ctx, user)
}

// AddUserSite records a user's site membership
func (s *AdminService) AddUserSite(ctx context.Context, userID int64, siteID string) error {
	if err := s.repo.AddUserSite(ctx, userID, siteID); err != nil {
		return err
	}
	s.invalidate(ctx, nil, &userID)
	return nil
}
