package rbac

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// AccessLevel is the grant strength attached to a role-permission link.
// Levels are totally ordered: BLOCKED < READ < WRITE < DELETE < ADMIN.
type AccessLevel int

const (
	AccessBlocked AccessLevel = iota
	AccessRead
	AccessWrite
	AccessDelete
	AccessAdmin
)

var accessLevelNames = [...]string{"BLOCKED", "READ", "WRITE", "DELETE", "ADMIN"}

func (l AccessLevel) String() string {
	if l < AccessBlocked || l > AccessAdmin {
		return fmt.Sprintf("AccessLevel(%d)", int(l))
	}
	return accessLevelNames[l]
}

// ParseAccessLevel parses a level name, case-insensitively
func ParseAccessLevel(s string) (AccessLevel, error) {
	for i, name := range accessLevelNames {
		if strings.EqualFold(s, name) {
			return AccessLevel(i), nil
		}
	}
	return AccessBlocked, fmt.Errorf("%w: unknown access level %q", ErrBadRequest, s)
}

// MarshalText implements encoding.TextMarshaler
func (l AccessLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (l *AccessLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseAccessLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// PermissionScope tags where a permission applies
type PermissionScope string

const (
	ScopeSystem      PermissionScope = "system"
	ScopeApplication PermissionScope = "application"
	ScopeTenant      PermissionScope = "tenant"
)

// Permission is an atomic capability identified by (resource, action)
type Permission struct {
	ID          int64                  `json:"id"`
	Resource    string                 `json:"resource"`
	Action      string                 `json:"action"`
	Description string                 `json:"description,omitempty"`
	TenantID    *string                `json:"tenant_id,omitempty"` // nil for global permissions
	Active      bool                   `json:"active"`
	Scope       PermissionScope        `json:"scope"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Code returns the "resource:action" form of the permission
func (p Permission) Code() string {
	return p.Resource + ":" + p.Action
}

// Module returns the functional module the permission belongs to, which is
// its resource.
func (p Permission) Module() string {
	return p.Resource
}

// ParsePermissionCode splits a code at its last colon. "billing:invoices:read"
// yields resource "billing:invoices" and action "read".
func ParsePermissionCode(code string) (resource, action string, err error) {
	i := strings.LastIndex(code, ":")
	if i <= 0 || i == len(code)-1 {
		return "", "", fmt.Errorf("%w: malformed permission code %q", ErrBadRequest, code)
	}
	return code[:i], code[i+1:], nil
}

// System role names seeded by Bootstrap
const (
	RoleSuperAdmin = "SUPER_ADMIN"
	RoleAdmin      = "ADMIN"
	RoleManager    = "MANAGER"
	RoleCommercial = "COMMERCIAL"
	RoleTechnicien = "TECHNICIEN"
	RoleOperateur  = "OPERATEUR"

	// FallbackRole is the effective role of a user with neither a typed
	// tenant role nor a global role
	FallbackRole = "USER"
)

// Role is a named bundle of permission links
type Role struct {
	ID             int64                  `json:"id"`
	Name           string                 `json:"name"`
	Description    string                 `json:"description,omitempty"`
	TenantID       *string                `json:"tenant_id,omitempty"`        // nil for system-wide roles
	ParentRoleType *string                `json:"parent_role_type,omitempty"` // e.g. MANAGER for a tenant's custom manager role
	Priority       int                    `json:"priority"`
	Active         bool                   `json:"active"`
	IsSystem       bool                   `json:"is_system"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// RolePermissionLink joins a role to a permission. At most one link exists
// per (role, permission).
type RolePermissionLink struct {
	ID           int64                  `json:"id"`
	RoleID       int64                  `json:"role_id"`
	PermissionID int64                  `json:"permission_id"`
	IsGranted    bool                   `json:"is_granted"`
	AccessLevel  AccessLevel            `json:"access_level"`
	Conditions   map[string]interface{} `json:"conditions,omitempty"`
	Active       bool                   `json:"active"`
	CreatedAt    time.Time              `json:"created_at"`
}

// GroupType classifies a group
type GroupType string

const (
	GroupDepartment GroupType = "DEPARTMENT"
	GroupTeam       GroupType = "TEAM"
	GroupProject    GroupType = "PROJECT"
	GroupCustom     GroupType = "CUSTOM"
)

// Valid reports whether t is a known group type
func (t GroupType) Valid() bool {
	switch t {
	case GroupDepartment, GroupTeam, GroupProject, GroupCustom:
		return true
	}
	return false
}

// Group is a named set of users that can be granted roles
type Group struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Type        GroupType `json:"type"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// UserGroupMembership links a user to a group, optionally until ExpiresAt
type UserGroupMembership struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	GroupID   int64      `json:"group_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Active    bool       `json:"active"`
	JoinedAt  time.Time  `json:"joined_at"`
}

// IsValid reports whether the membership is active and not expired at now
func (m UserGroupMembership) IsValid(now time.Time) bool {
	return m.Active && (m.ExpiresAt == nil || m.ExpiresAt.After(now))
}

// UserTenantRoleAssignment is the per-tenant authorization record of a user.
// At most one exists per (user, tenant).
type UserTenantRoleAssignment struct {
	ID                    int64     `json:"id"`
	UserID                int64     `json:"user_id"`
	TenantID              string    `json:"tenant_id"`
	RoleID                *int64    `json:"role_id,omitempty"`
	RoleType              string    `json:"role_type,omitempty"`
	AdditionalPermissions []string  `json:"additional_permissions,omitempty"`
	RestrictedPermissions []string  `json:"restricted_permissions,omitempty"`
	IsDefaultTenant       bool      `json:"is_default_tenant"`
	Active                bool      `json:"active"`
	GrantedBy             *int64    `json:"granted_by,omitempty"`
	GrantedAt             time.Time `json:"granted_at"`
}

// User is the subset of the user record the engine needs
type User struct {
	ID         int64     `json:"id"`
	Username   string    `json:"username"`
	GlobalRole *string   `json:"global_role,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// PermissionSet is a set of permission codes
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from codes
func NewPermissionSet(codes ...string) PermissionSet {
	s := make(PermissionSet, len(codes))
	for _, c := range codes {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether code is in the set
func (s PermissionSet) Has(code string) bool {
	_, ok := s[code]
	return ok
}

// Add inserts code
func (s PermissionSet) Add(code string) {
	s[code] = struct{}{}
}

// Remove deletes code
func (s PermissionSet) Remove(code string) {
	delete(s, code)
}

// Sorted returns the codes in lexical order
func (s PermissionSet) Sorted() []string {
	codes := make([]string, 0, len(s))
	for c := range s {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

func sortRolesByPriority(roles []Role) {
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].Priority != roles[j].Priority {
			return roles[i].Priority > roles[j].Priority
		}
		return roles[i].ID < roles[j].ID
	})
}

func sortPermissionsByCode(perms []Permission) {
	sort.Slice(perms, func(i, j int) bool {
		return perms[i].Code() < perms[j].Code()
	})
}
