package rbac

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// EngineConfig configures an Engine
type EngineConfig struct {
	// MergeGroupRoles adds the roles of a user's valid groups to the
	// assignment role when computing effective permissions, access levels
	// and conflicts. When false, group roles are reported only through
	// GetUserPermissionsFromGroups.
	MergeGroupRoles bool

	// Cache stores QueryPermissions results that carry a CacheKey. Nil
	// disables caching.
	Cache QueryCache
	// DefaultCacheTTL applies to queries with a CacheKey and no CacheTTL
	DefaultCacheTTL time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// Engine resolves effective roles and permissions from a Gateway. It keeps
// no state besides the optional query cache and is safe for concurrent use.
type Engine struct {
	gw      Gateway
	cfg     EngineConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewEngine creates an engine reading from gw
func NewEngine(gw Gateway, cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultCacheTTL <= 0 {
		cfg.DefaultCacheTTL = 5 * time.Minute
	}
	return &Engine{
		gw:      gw,
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
}

// activeAssignment returns the user's assignment in tenantID, or ErrNotFound
// when there is none or it is inactive
func (e *Engine) activeAssignment(ctx context.Context, userID int64, tenantID string) (*UserTenantRoleAssignment, error) {
	a, err := e.gw.FindUserTenantAssignment(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, fmt.Errorf("assignment for user %d in tenant %s is inactive: %w", userID, tenantID, ErrNotFound)
	}
	return a, nil
}

// assignmentRole returns the assignment's role, or nil when it has none or
// the role no longer exists
func (e *Engine) assignmentRole(ctx context.Context, a *UserTenantRoleAssignment) (*Role, error) {
	if a.RoleID == nil {
		return nil, nil
	}
	role, err := e.gw.FindRole(ctx, *a.RoleID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return role, err
}

// contributingRoles returns the active roles whose links feed the user's
// effective permissions: the assignment role, plus group roles when merging
// is enabled. The assignment role comes first. Roles owned by another tenant
// never contribute.
func (e *Engine) contributingRoles(ctx context.Context, userID int64, a *UserTenantRoleAssignment) ([]Role, error) {
	var roles []Role
	seen := make(map[int64]bool)

	role, err := e.assignmentRole(ctx, a)
	if err != nil {
		return nil, err
	}
	if role != nil && role.Active && visibleTo(role.TenantID, &a.TenantID) {
		roles = append(roles, *role)
		seen[role.ID] = true
	}

	if !e.cfg.MergeGroupRoles {
		return roles, nil
	}
	groupRoles, err := e.GetUserPermissionsFromGroups(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, r := range groupRoles {
		if !seen[r.ID] && visibleTo(r.TenantID, &a.TenantID) {
			seen[r.ID] = true
			roles = append(roles, r)
		}
	}
	return roles, nil
}

// GetEffectiveRole returns the role type the user acts as in a tenant: the
// assignment role's parent role type, else the user's global role, else
// FallbackRole.
func (e *Engine) GetEffectiveRole(ctx context.Context, userID int64, tenantID string) (string, error) {
	a, err := e.activeAssignment(ctx, userID, tenantID)
	if err != nil {
		return "", err
	}

	role, err := e.assignmentRole(ctx, a)
	if err != nil {
		return "", fmt.Errorf("failed to load assignment role: %w", err)
	}
	if role != nil && visibleTo(role.TenantID, &tenantID) && role.ParentRoleType != nil && *role.ParentRoleType != "" {
		return *role.ParentRoleType, nil
	}

	user, err := e.gw.FindUser(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return "", fmt.Errorf("failed to load user: %w", err)
	case user.GlobalRole != nil && *user.GlobalRole != "":
		return *user.GlobalRole, nil
	}
	return FallbackRole, nil
}

// HasPermission reports whether the user holds (resource, action) at
// required or above in a tenant. Missing records yield false, not an error.
// A restriction on the code on the assignment denies regardless of level.
func (e *Engine) HasPermission(ctx context.Context, userID int64, tenantID, resource, action string, required AccessLevel) (allowed bool, err error) {
	defer func() { e.metrics.RecordPermissionCheck(allowed, err) }()

	level, err := e.accessLevel(ctx, userID, tenantID, resource, action)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return level > AccessBlocked && level >= required, nil
}

// Check is HasPermission at READ
func (e *Engine) Check(ctx context.Context, userID int64, tenantID, resource, action string) (bool, error) {
	return e.HasPermission(ctx, userID, tenantID, resource, action, AccessRead)
}

// accessLevel resolves the strongest granted level among the contributing
// roles. ErrNotFound means there is no usable grant.
func (e *Engine) accessLevel(ctx context.Context, userID int64, tenantID, resource, action string) (AccessLevel, error) {
	a, err := e.activeAssignment(ctx, userID, tenantID)
	if err != nil {
		return AccessBlocked, err
	}
	code := resource + ":" + action
	if NewPermissionSet(a.RestrictedPermissions...).Has(code) {
		return AccessBlocked, nil
	}

	perm, err := e.gw.FindPermission(ctx, resource, action)
	if err != nil {
		return AccessBlocked, err
	}
	if !perm.Active {
		return AccessBlocked, fmt.Errorf("permission %s is inactive: %w", code, ErrNotFound)
	}

	roles, err := e.contributingRoles(ctx, userID, a)
	if err != nil {
		return AccessBlocked, err
	}

	found := false
	best := AccessBlocked
	for _, role := range roles {
		links, err := e.gw.ListRolePermissionLinks(ctx, role.ID)
		if err != nil {
			return AccessBlocked, fmt.Errorf("failed to load links of role %d: %w", role.ID, err)
		}
		for _, l := range links {
			if l.PermissionID != perm.ID || !l.Active || !l.IsGranted {
				continue
			}
			found = true
			if l.AccessLevel > best {
				best = l.AccessLevel
			}
		}
	}
	if !found {
		return AccessBlocked, fmt.Errorf("no granted link for %s: %w", code, ErrNotFound)
	}
	return best, nil
}

// roleGrants returns the codes of the granted, active links of role whose
// permission is active, and separately the codes of links that explicitly
// deny (IsGranted false)
func (e *Engine) roleGrants(ctx context.Context, roleID int64) (granted, denied PermissionSet, err error) {
	links, err := e.gw.ListRolePermissionLinks(ctx, roleID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load links of role %d: %w", roleID, err)
	}

	ids := make([]int64, 0, len(links))
	for _, l := range links {
		if l.Active {
			ids = append(ids, l.PermissionID)
		}
	}
	perms, err := e.gw.GetPermissions(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load permissions of role %d: %w", roleID, err)
	}
	codes := make(map[int64]string, len(perms))
	for _, p := range perms {
		if p.Active {
			codes[p.ID] = p.Code()
		}
	}

	granted, denied = PermissionSet{}, PermissionSet{}
	for _, l := range links {
		code, ok := codes[l.PermissionID]
		if !ok || !l.Active {
			continue
		}
		if l.IsGranted {
			granted.Add(code)
		} else {
			denied.Add(code)
		}
	}
	return granted, denied, nil
}

// ComputeEffectivePermissions returns the granted codes of the contributing
// roles plus the assignment's additional codes, minus its restricted codes.
// Restrictions always win.
func (e *Engine) ComputeEffectivePermissions(ctx context.Context, userID int64, tenantID string) (PermissionSet, error) {
	a, err := e.activeAssignment(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	roles, err := e.contributingRoles(ctx, userID, a)
	if err != nil {
		return nil, err
	}

	effective := PermissionSet{}
	for _, role := range roles {
		granted, _, err := e.roleGrants(ctx, role.ID)
		if err != nil {
			return nil, err
		}
		for code := range granted {
			effective.Add(code)
		}
	}
	for _, code := range a.AdditionalPermissions {
		effective.Add(code)
	}
	for _, code := range a.RestrictedPermissions {
		effective.Remove(code)
	}

	e.logger.WithTenant(tenantID).WithUser(userID).WithFields(map[string]interface{}{
		"roles": len(roles),
		"count": len(effective),
	}).Debug("computed effective permissions")

	return effective, nil
}

// GetUserPermissionsFromGroups returns the active roles granted through the
// user's valid group memberships, de-duplicated and ordered by priority
// descending, then id.
func (e *Engine) GetUserPermissionsFromGroups(ctx context.Context, userID int64) ([]Role, error) {
	memberships, err := e.gw.ListValidGroupMemberships(ctx, userID, e.now())
	if err != nil {
		return nil, fmt.Errorf("failed to load group memberships: %w", err)
	}

	seen := make(map[int64]bool)
	roles := []Role{}
	for _, m := range memberships {
		if !m.IsValid(e.now()) {
			continue
		}
		groupRoles, err := e.gw.ListGroupRoles(ctx, m.GroupID)
		if err != nil {
			return nil, fmt.Errorf("failed to load roles of group %d: %w", m.GroupID, err)
		}
		for _, r := range groupRoles {
			if r.Active && !seen[r.ID] {
				seen[r.ID] = true
				roles = append(roles, r)
			}
		}
	}
	sortRolesByPriority(roles)
	return roles, nil
}

// FindUsersWithPermission lists users holding code through their tenant
// assignment role, optionally within a tenant and a site
func (e *Engine) FindUsersWithPermission(ctx context.Context, code string, tenantID, siteID *string) ([]int64, error) {
	return e.gw.FindUsersWithPermission(ctx, code, tenantID, siteID)
}

// ResolveRoleByIDOrName treats token as a role id when it parses as an
// integer, and as a role name otherwise
func (e *Engine) ResolveRoleByIDOrName(ctx context.Context, token string, tenantID *string) (*Role, error) {
	if id, err := strconv.ParseInt(token, 10, 64); err == nil {
		return e.gw.FindRole(ctx, id)
	}
	return e.gw.FindRoleByName(ctx, token, tenantID)
}

// InvalidateCache drops cached query results scoped to the tenant and user.
// Nil arguments widen the invalidation.
func (e *Engine) InvalidateCache(ctx context.Context, tenantID *string, userID *int64) error {
	if e.cfg.Cache == nil {
		return nil
	}
	if err := e.cfg.Cache.Invalidate(ctx, tenantID, userID); err != nil {
		return fmt.Errorf("failed to invalidate query cache: %w", err)
	}
	return nil
}
