package rbac

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

// setupTestDB opens an in-memory SQLite database with the authorization
// schema. A single connection keeps every query on the same database.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			global_role TEXT,
			active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE user_sites (
			user_id INTEGER NOT NULL,
			site_id TEXT NOT NULL,
			PRIMARY KEY (user_id, site_id)
		);

		CREATE TABLE roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			tenant_id TEXT,
			parent_role_type TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT 1,
			is_system BOOLEAN NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE UNIQUE INDEX idx_roles_name_tenant ON roles(name, COALESCE(tenant_id, ''));

		CREATE TABLE permissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			resource TEXT NOT NULL,
			action TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			tenant_id TEXT,
			active BOOLEAN NOT NULL DEFAULT 1,
			scope TEXT NOT NULL DEFAULT 'application',
			metadata TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (resource, action)
		);

		CREATE TABLE role_permissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			role_id INTEGER NOT NULL,
			permission_id INTEGER NOT NULL,
			is_granted BOOLEAN NOT NULL DEFAULT 1,
			access_level TEXT NOT NULL DEFAULT 'READ',
			conditions TEXT,
			active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (role_id, permission_id)
		);

		CREATE TABLE user_groups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'CUSTOM',
			active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE group_roles (
			group_id INTEGER NOT NULL,
			role_id INTEGER NOT NULL,
			PRIMARY KEY (group_id, role_id)
		);

		CREATE TABLE group_members (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			expires_at TIMESTAMP,
			active BOOLEAN NOT NULL DEFAULT 1,
			joined_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (group_id, user_id)
		);

		CREATE TABLE user_tenant_roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			tenant_id TEXT NOT NULL,
			role_id INTEGER,
			role_type TEXT NOT NULL DEFAULT '',
			additional_permissions TEXT NOT NULL DEFAULT '[]',
			restricted_permissions TEXT NOT NULL DEFAULT '[]',
			is_default_tenant BOOLEAN NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT 1,
			granted_by INTEGER,
			granted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_id, tenant_id)
		);
	`)
	if err != nil {
		t.Fatalf("Failed to create test tables: %v", err)
	}

	return db
}

type backend struct {
	name string
	repo Repository
}

// backends returns a fresh in-memory store and a fresh SQLite-backed store
func backends(t *testing.T) []backend {
	t.Helper()
	return []backend{
		{name: "memory", repo: NewMemoryStore()},
		{name: "sqlite", repo: NewStore(setupTestDB(t))},
	}
}

// fixture builds authorization records with terse helpers
type fixture struct {
	t    *testing.T
	ctx  context.Context
	repo Repository
}

func newFixture(t *testing.T, repo Repository) *fixture {
	return &fixture{t: t, ctx: context.Background(), repo: repo}
}

func strPtr(s string) *string { return &s }

func int64Ptr(i int64) *int64 { return &i }

func (f *fixture) role(name string, priority int) *Role {
	f.t.Helper()
	r := &Role{Name: name, Priority: priority, Active: true}
	require.NoError(f.t, f.repo.CreateRole(f.ctx, r))
	return r
}

func (f *fixture) perm(code string) *Permission {
	f.t.Helper()
	resource, action, err := ParsePermissionCode(code)
	require.NoError(f.t, err)
	if p, err := f.repo.FindPermission(f.ctx, resource, action); err == nil {
		return p
	}
	p := &Permission{Resource: resource, Action: action, Active: true}
	require.NoError(f.t, f.repo.CreatePermission(f.ctx, p))
	return p
}

func (f *fixture) grant(role *Role, code string, level AccessLevel) {
	f.t.Helper()
	p := f.perm(code)
	require.NoError(f.t, f.repo.UpsertRolePermissionLink(f.ctx, &RolePermissionLink{
		RoleID: role.ID, PermissionID: p.ID, IsGranted: true, AccessLevel: level, Active: true,
	}))
}

func (f *fixture) deny(role *Role, code string) {
	f.t.Helper()
	p := f.perm(code)
	require.NoError(f.t, f.repo.UpsertRolePermissionLink(f.ctx, &RolePermissionLink{
		RoleID: role.ID, PermissionID: p.ID, IsGranted: false, AccessLevel: AccessBlocked, Active: true,
	}))
}

func (f *fixture) user(name string) *User {
	f.t.Helper()
	u := &User{Username: name, Active: true}
	require.NoError(f.t, f.repo.CreateUser(f.ctx, u))
	return u
}

func (f *fixture) assign(user *User, tenantID string, role *Role, additional, restricted []string) *UserTenantRoleAssignment {
	f.t.Helper()
	a := &UserTenantRoleAssignment{
		UserID:                user.ID,
		TenantID:              tenantID,
		AdditionalPermissions: additional,
		RestrictedPermissions: restricted,
		Active:                true,
	}
	if role != nil {
		a.RoleID = int64Ptr(role.ID)
	}
	require.NoError(f.t, f.repo.UpsertTenantAssignment(f.ctx, a))
	return a
}

func (f *fixture) group(name string, roles ...*Role) *Group {
	f.t.Helper()
	g := &Group{Name: name, Type: GroupTeam, Active: true}
	require.NoError(f.t, f.repo.CreateGroup(f.ctx, g))
	for _, r := range roles {
		require.NoError(f.t, f.repo.AddGroupRole(f.ctx, g.ID, r.ID))
	}
	return g
}

func (f *fixture) join(g *Group, u *User) {
	f.t.Helper()
	require.NoError(f.t, f.repo.AddGroupMember(f.ctx, &UserGroupMembership{GroupID: g.ID, UserID: u.ID, Active: true}))
}

func roleNames(roles []Role) []string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.Name
	}
	return names
}

func permissionCodes(perms []Permission) []string {
	codes := make([]string, len(perms))
	for i, p := range perms {
		codes[i] = p.Code()
	}
	return codes
}
