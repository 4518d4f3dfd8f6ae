package rbac

import (
	"context"
	"time"
)

// Gateway is the read side of the authorization data. The Engine consumes
// nothing else. Lookups of a single entity return ErrNotFound when it does
// not exist; list methods return an empty slice.
type Gateway interface {
	FindRole(ctx context.Context, id int64) (*Role, error)
	// FindRoleByName prefers a role owned by tenantID over a global role of
	// the same name. A nil tenantID only matches global roles.
	FindRoleByName(ctx context.Context, name string, tenantID *string) (*Role, error)
	// ListRoles returns every role when tenantID is nil, otherwise the
	// tenant's roles plus the global ones.
	ListRoles(ctx context.Context, tenantID *string) ([]Role, error)
	ListRolePermissionLinks(ctx context.Context, roleID int64) ([]RolePermissionLink, error)

	FindPermission(ctx context.Context, resource, action string) (*Permission, error)
	GetPermissions(ctx context.Context, ids []int64) ([]Permission, error)
	ListPermissions(ctx context.Context, tenantID *string) ([]Permission, error)
	// ListPermissionsMatching returns active permissions whose code satisfies
	// pattern under op (MATCHES, STARTS_WITH, ENDS_WITH or CONTAINS).
	ListPermissionsMatching(ctx context.Context, pattern string, op Operator) ([]Permission, error)

	FindUser(ctx context.Context, id int64) (*User, error)
	FindUserTenantAssignment(ctx context.Context, userID int64, tenantID string) (*UserTenantRoleAssignment, error)
	ListTenantAssignments(ctx context.Context, tenantID *string) ([]UserTenantRoleAssignment, error)

	ListValidGroupMemberships(ctx context.Context, userID int64, now time.Time) ([]UserGroupMembership, error)
	ListGroupRoles(ctx context.Context, groupID int64) ([]Role, error)

	// FindUsersWithPermission returns the ids of users whose active tenant
	// assignment role holds a granted active link to code, optionally
	// restricted to a tenant and to members of a site. Sorted ascending.
	FindUsersWithPermission(ctx context.Context, code string, tenantID, siteID *string) ([]int64, error)
}

// Writer is the administrative write side. Creates fill in the generated ID.
type Writer interface {
	CreateRole(ctx context.Context, role *Role) error
	UpdateRole(ctx context.Context, role *Role) error
	DeleteRole(ctx context.Context, id int64) error
	// CountRoleReferences counts active assignments and group grants that
	// reference the role
	CountRoleReferences(ctx context.Context, id int64) (int, error)

	CreatePermission(ctx context.Context, perm *Permission) error
	DeletePermission(ctx context.Context, id int64) error

	// UpsertRolePermissionLink inserts or replaces the link for
	// (link.RoleID, link.PermissionID)
	UpsertRolePermissionLink(ctx context.Context, link *RolePermissionLink) error
	DeleteRolePermissionLink(ctx context.Context, roleID, permissionID int64) error

	CreateGroup(ctx context.Context, group *Group) error
	FindGroup(ctx context.Context, id int64) (*Group, error)
	FindGroupByName(ctx context.Context, name string) (*Group, error)
	DeleteGroup(ctx context.Context, id int64) error
	CountGroupMembers(ctx context.Context, groupID int64) (int, error)
	AddGroupRole(ctx context.Context, groupID, roleID int64) error
	RemoveGroupRole(ctx context.Context, groupID, roleID int64) error
	AddGroupMember(ctx context.Context, m *UserGroupMembership) error
	RemoveGroupMember(ctx context.Context, groupID, userID int64) error

	// UpsertTenantAssignment inserts or replaces the assignment for
	// (a.UserID, a.TenantID)
	UpsertTenantAssignment(ctx context.Context, a *UserTenantRoleAssignment) error
	RevokeTenantAssignment(ctx context.Context, userID int64, tenantID string) error

	CreateUser(ctx context.Context, user *User) error
	AddUserSite(ctx context.Context, userID int64, siteID string) error
}

// Repository is a full read/write authorization store
type Repository interface {
	Gateway
	Writer
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*MemoryStore)(nil)
)

// visibleTo reports whether a record owned by owner (nil = global) can be
// seen from tenantID (nil = every tenant).
func visibleTo(owner, tenantID *string) bool {
	return tenantID == nil || owner == nil || *owner == *tenantID
}
