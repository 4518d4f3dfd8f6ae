package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store is the SQL Repository over the shared database. Statements use $n
// placeholders in order of appearance and only syntax that PostgreSQL and
// SQLite agree on.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new authorization store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func encodeJSON(v map[string]interface{}) (interface{}, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json: %w", err)
	}
	return string(b), nil
}

func decodeJSON(raw sql.NullString) (map[string]interface{}, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var v map[string]interface{}
	if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal json: %w", err)
	}
	return v, nil
}

func encodeCodes(codes []string) (string, error) {
	if codes == nil {
		codes = []string{}
	}
	b, err := json.Marshal(codes)
	if err != nil {
		return "", fmt.Errorf("failed to marshal permission codes: %w", err)
	}
	return string(b), nil
}

func decodeCodes(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var codes []string
	if err := json.Unmarshal([]byte(raw.String), &codes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permission codes: %w", err)
	}
	if len(codes) == 0 {
		return nil, nil
	}
	return codes, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullInt64(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	id := ni.Int64
	return &id
}

// placeholders returns "$start, $start+1, ..." for n arguments
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

const roleColumns = `id, name, description, tenant_id, parent_role_type, priority, active, is_system, metadata, created_at, updated_at`

func scanRole(row rowScanner) (*Role, error) {
	var role Role
	var tenantID, parentType, metadata sql.NullString
	if err := row.Scan(
		&role.ID,
		&role.Name,
		&role.Description,
		&tenantID,
		&parentType,
		&role.Priority,
		&role.Active,
		&role.IsSystem,
		&metadata,
		&role.CreatedAt,
		&role.UpdatedAt,
	); err != nil {
		return nil, err
	}
	role.TenantID = nullString(tenantID)
	role.ParentRoleType = nullString(parentType)
	md, err := decodeJSON(metadata)
	if err != nil {
		return nil, err
	}
	role.Metadata = md
	return &role, nil
}

func (s *Store) queryRoles(ctx context.Context, query string, args ...interface{}) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, *role)
	}
	return roles, rows.Err()
}

// FindRole retrieves a role by ID
func (s *Store) FindRole(ctx context.Context, id int64) (*Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE id = $1`

	role, err := scanRole(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// FindRoleByName retrieves a role by name, preferring the tenant's own role
func (s *Store) FindRoleByName(ctx context.Context, name string, tenantID *string) (*Role, error) {
	query := `
		SELECT ` + roleColumns + `
		FROM roles
		WHERE name = $1 AND (tenant_id = $2 OR tenant_id IS NULL)
		ORDER BY CASE WHEN tenant_id IS NULL THEN 1 ELSE 0 END
		LIMIT 1
	`

	role, err := scanRole(s.db.QueryRowContext(ctx, query, name, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role by name: %w", err)
	}
	return role, nil
}

// ListRoles lists roles visible to a tenant, or all roles when tenantID is nil
func (s *Store) ListRoles(ctx context.Context, tenantID *string) ([]Role, error) {
	if tenantID == nil {
		return s.queryRoles(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY id`)
	}
	return s.queryRoles(ctx, `SELECT `+roleColumns+` FROM roles WHERE tenant_id = $1 OR tenant_id IS NULL ORDER BY id`, *tenantID)
}

// ListRolePermissionLinks lists every link of a role
func (s *Store) ListRolePermissionLinks(ctx context.Context, roleID int64) ([]RolePermissionLink, error) {
	query := `
		SELECT id, role_id, permission_id, is_granted, access_level, conditions, active, created_at
		FROM role_permissions
		WHERE role_id = $1
		ORDER BY permission_id
	`

	rows, err := s.db.QueryContext(ctx, query, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role permissions: %w", err)
	}
	defer rows.Close()

	var links []RolePermissionLink
	for rows.Next() {
		var link RolePermissionLink
		var level string
		var conditions sql.NullString
		if err := rows.Scan(
			&link.ID,
			&link.RoleID,
			&link.PermissionID,
			&link.IsGranted,
			&level,
			&conditions,
			&link.Active,
			&link.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan role permission: %w", err)
		}
		if link.AccessLevel, err = ParseAccessLevel(level); err != nil {
			return nil, fmt.Errorf("role %d permission %d: %w", link.RoleID, link.PermissionID, err)
		}
		if link.Conditions, err = decodeJSON(conditions); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

const permissionColumns = `id, resource, action, description, tenant_id, active, scope, metadata, created_at`

func scanPermission(row rowScanner) (*Permission, error) {
	var perm Permission
	var tenantID, metadata sql.NullString
	var scope string
	if err := row.Scan(
		&perm.ID,
		&perm.Resource,
		&perm.Action,
		&perm.Description,
		&tenantID,
		&perm.Active,
		&scope,
		&metadata,
		&perm.CreatedAt,
	); err != nil {
		return nil, err
	}
	perm.TenantID = nullString(tenantID)
	perm.Scope = PermissionScope(scope)
	md, err := decodeJSON(metadata)
	if err != nil {
		return nil, err
	}
	perm.Metadata = md
	return &perm, nil
}

func (s *Store) queryPermissions(ctx context.Context, query string, args ...interface{}) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, *perm)
	}
	return perms, rows.Err()
}

// FindPermission retrieves a permission by (resource, action)
func (s *Store) FindPermission(ctx context.Context, resource, action string) (*Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE resource = $1 AND action = $2`

	perm, err := scanPermission(s.db.QueryRowContext(ctx, query, resource, action))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("permission %s:%s: %w", resource, action, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return perm, nil
}

// GetPermissions retrieves permissions by id
func (s *Store) GetPermissions(ctx context.Context, ids []int64) ([]Permission, error) {
	if len(ids) == 0 {
		return []Permission{}, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE id IN (` + placeholders(1, len(ids)) + `) ORDER BY id`
	return s.queryPermissions(ctx, query, args...)
}

// ListPermissions lists permissions visible to a tenant, or all of them
func (s *Store) ListPermissions(ctx context.Context, tenantID *string) ([]Permission, error) {
	if tenantID == nil {
		return s.queryPermissions(ctx, `SELECT `+permissionColumns+` FROM permissions ORDER BY id`)
	}
	return s.queryPermissions(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE tenant_id = $1 OR tenant_id IS NULL ORDER BY id`, *tenantID)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ListPermissionsMatching narrows candidates with LIKE where the operator
// allows it, then applies the exact, case-sensitive match in Go. MATCHES
// has no portable SQL form and is filtered in Go only.
func (s *Store) ListPermissionsMatching(ctx context.Context, pattern string, op Operator) ([]Permission, error) {
	match, err := codeMatcher(op, pattern)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE active = TRUE`
	var args []interface{}
	switch op {
	case OpStartsWith:
		args = append(args, escapeLike(pattern)+"%")
	case OpEndsWith:
		args = append(args, "%"+escapeLike(pattern))
	case OpContains:
		args = append(args, "%"+escapeLike(pattern)+"%")
	}
	if len(args) > 0 {
		query += ` AND (resource || ':' || action) LIKE $1 ESCAPE '\'`
	}
	query += ` ORDER BY id`

	candidates, err := s.queryPermissions(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	perms := candidates[:0]
	for _, p := range candidates {
		if match(p.Code()) {
			perms = append(perms, p)
		}
	}
	return perms, nil
}

// FindUser retrieves a user by ID
func (s *Store) FindUser(ctx context.Context, id int64) (*User, error) {
	query := `SELECT id, username, global_role, active, created_at FROM users WHERE id = $1`

	var user User
	var globalRole sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.Username, &globalRole, &user.Active, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user.GlobalRole = nullString(globalRole)
	return &user, nil
}

const assignmentColumns = `id, user_id, tenant_id, role_id, role_type, additional_permissions, restricted_permissions, is_default_tenant, active, granted_by, granted_at`

func scanAssignment(row rowScanner) (*UserTenantRoleAssignment, error) {
	var a UserTenantRoleAssignment
	var roleID, grantedBy sql.NullInt64
	var additional, restricted sql.NullString
	if err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.TenantID,
		&roleID,
		&a.RoleType,
		&additional,
		&restricted,
		&a.IsDefaultTenant,
		&a.Active,
		&grantedBy,
		&a.GrantedAt,
	); err != nil {
		return nil, err
	}
	a.RoleID = nullInt64(roleID)
	a.GrantedBy = nullInt64(grantedBy)
	var err error
	if a.AdditionalPermissions, err = decodeCodes(additional); err != nil {
		return nil, err
	}
	if a.RestrictedPermissions, err = decodeCodes(restricted); err != nil {
		return nil, err
	}
	return &a, nil
}

// FindUserTenantAssignment retrieves the assignment of a user in a tenant
func (s *Store) FindUserTenantAssignment(ctx context.Context, userID int64, tenantID string) (*UserTenantRoleAssignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM user_tenant_roles WHERE user_id = $1 AND tenant_id = $2`

	a, err := scanAssignment(s.db.QueryRowContext(ctx, query, userID, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assignment for user %d in tenant %s: %w", userID, tenantID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant assignment: %w", err)
	}
	return a, nil
}

// ListTenantAssignments lists the assignments of a tenant, or all of them
func (s *Store) ListTenantAssignments(ctx context.Context, tenantID *string) ([]UserTenantRoleAssignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM user_tenant_roles`
	var args []interface{}
	if tenantID != nil {
		query += ` WHERE tenant_id = $1`
		args = append(args, *tenantID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant assignments: %w", err)
	}
	defer rows.Close()

	var out []UserTenantRoleAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant assignment: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ListValidGroupMemberships lists the user's memberships in active groups
// that are valid at now
func (s *Store) ListValidGroupMemberships(ctx context.Context, userID int64, now time.Time) ([]UserGroupMembership, error) {
	query := `
		SELECT m.id, m.user_id, m.group_id, m.expires_at, m.active, m.joined_at
		FROM group_members m
		JOIN user_groups g ON g.id = m.group_id
		WHERE m.user_id = $1 AND m.active = TRUE AND g.active = TRUE
		ORDER BY m.group_id
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group memberships: %w", err)
	}
	defer rows.Close()

	var out []UserGroupMembership
	for rows.Next() {
		var m UserGroupMembership
		var expiresAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.UserID, &m.GroupID, &expiresAt, &m.Active, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan group membership: %w", err)
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			m.ExpiresAt = &t
		}
		if m.IsValid(now) {
			out = append(out, m)
		}
	}
	return out, rows.Err()
}

// ListGroupRoles lists the roles granted to a group
func (s *Store) ListGroupRoles(ctx context.Context, groupID int64) ([]Role, error) {
	query := `
		SELECT r.id, r.name, r.description, r.tenant_id, r.parent_role_type, r.priority, r.active, r.is_system, r.metadata, r.created_at, r.updated_at
		FROM roles r
		JOIN group_roles gr ON gr.role_id = r.id
		WHERE gr.group_id = $1
		ORDER BY r.id
	`
	return s.queryRoles(ctx, query, groupID)
}

// FindUsersWithPermission joins assignment, role, link and permission
func (s *Store) FindUsersWithPermission(ctx context.Context, code string, tenantID, siteID *string) ([]int64, error) {
	resource, action, err := ParsePermissionCode(code)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT DISTINCT a.user_id
		FROM user_tenant_roles a
		JOIN roles r ON r.id = a.role_id
		JOIN role_permissions rp ON rp.role_id = r.id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE a.active = TRUE AND r.active = TRUE
		  AND rp.active = TRUE AND rp.is_granted = TRUE
		  AND p.active = TRUE AND p.resource = $1 AND p.action = $2`
	args := []interface{}{resource, action}
	if tenantID != nil {
		args = append(args, *tenantID)
		query += fmt.Sprintf(` AND a.tenant_id = $%d`, len(args))
	}
	if siteID != nil {
		args = append(args, *siteID)
		query += fmt.Sprintf(` AND EXISTS (SELECT 1 FROM user_sites us WHERE us.user_id = a.user_id AND us.site_id = $%d)`, len(args))
	}
	query += ` ORDER BY a.user_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find users with permission: %w", err)
	}
	defer rows.Close()

	users := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// CreateRole creates a new role
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	metadata, err := encodeJSON(role.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO roles (name, description, tenant_id, parent_role_type, priority, active, is_system, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`

	now := s.now()
	err = s.db.QueryRowContext(ctx, query,
		role.Name,
		role.Description,
		role.TenantID,
		role.ParentRoleType,
		role.Priority,
		role.Active,
		role.IsSystem,
		metadata,
		now,
		now,
	).Scan(&role.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("role %q: %w", role.Name, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}

	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// UpdateRole updates a role's mutable fields
func (s *Store) UpdateRole(ctx context.Context, role *Role) error {
	metadata, err := encodeJSON(role.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE roles
		SET name = $1, description = $2, tenant_id = $3, parent_role_type = $4, priority = $5, active = $6, is_system = $7, metadata = $8, updated_at = $9
		WHERE id = $10
	`

	now := s.now()
	result, err := s.db.ExecContext(ctx, query,
		role.Name,
		role.Description,
		role.TenantID,
		role.ParentRoleType,
		role.Priority,
		role.Active,
		role.IsSystem,
		metadata,
		now,
		role.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("role %q: %w", role.Name, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	if err := expectAffected(result, fmt.Sprintf("role %d", role.ID)); err != nil {
		return err
	}
	role.UpdatedAt = now
	return nil
}

// DeleteRole deletes a role along with its links and group grants
func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete role permissions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM group_roles WHERE role_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete group roles: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	if err := expectAffected(result, fmt.Sprintf("role %d", id)); err != nil {
		return err
	}
	return tx.Commit()
}

// CountRoleReferences counts active assignments and group grants of a role
func (s *Store) CountRoleReferences(ctx context.Context, id int64) (int, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM user_tenant_roles WHERE role_id = $1 AND active = TRUE) +
			(SELECT COUNT(*) FROM group_roles WHERE role_id = $1)
	`
	var n int
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count role references: %w", err)
	}
	return n, nil
}

// CreatePermission creates a new permission
func (s *Store) CreatePermission(ctx context.Context, perm *Permission) error {
	metadata, err := encodeJSON(perm.Metadata)
	if err != nil {
		return err
	}
	if perm.Scope == "" {
		perm.Scope = ScopeApplication
	}

	query := `
		INSERT INTO permissions (resource, action, description, tenant_id, active, scope, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	now := s.now()
	err = s.db.QueryRowContext(ctx, query,
		perm.Resource,
		perm.Action,
		perm.Description,
		perm.TenantID,
		perm.Active,
		string(perm.Scope),
		metadata,
		now,
	).Scan(&perm.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("permission %s: %w", perm.Code(), ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create permission: %w", err)
	}
	perm.CreatedAt = now
	return nil
}

// DeletePermission deletes a permission and its links
func (s *Store) DeletePermission(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE permission_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete role permissions: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete permission: %w", err)
	}
	if err := expectAffected(result, fmt.Sprintf("permission %d", id)); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertRolePermissionLink inserts or replaces a role permission link
func (s *Store) UpsertRolePermissionLink(ctx context.Context, link *RolePermissionLink) error {
	conditions, err := encodeJSON(link.Conditions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO role_permissions (role_id, permission_id, is_granted, access_level, conditions, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (role_id, permission_id) DO UPDATE
		SET is_granted = excluded.is_granted,
		    access_level = excluded.access_level,
		    conditions = excluded.conditions,
		    active = excluded.active
		RETURNING id
	`

	err = s.db.QueryRowContext(ctx, query,
		link.RoleID,
		link.PermissionID,
		link.IsGranted,
		link.AccessLevel.String(),
		conditions,
		link.Active,
		s.now(),
	).Scan(&link.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert role permission: %w", err)
	}
	return nil
}

// DeleteRolePermissionLink deletes the link for (role, permission)
func (s *Store) DeleteRolePermissionLink(ctx context.Context, roleID, permissionID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	if err != nil {
		return fmt.Errorf("failed to delete role permission: %w", err)
	}
	return expectAffected(result, fmt.Sprintf("link role %d permission %d", roleID, permissionID))
}

// CreateGroup creates a new group
func (s *Store) CreateGroup(ctx context.Context, group *Group) error {
	query := `
		INSERT INTO user_groups (name, description, type, active, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	now := s.now()
	err := s.db.QueryRowContext(ctx, query, group.Name, group.Description, string(group.Type), group.Active, now).Scan(&group.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("group %q: %w", group.Name, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}
	group.CreatedAt = now
	return nil
}

func (s *Store) findGroup(ctx context.Context, where string, arg interface{}, label string) (*Group, error) {
	query := `SELECT id, name, description, type, active, created_at FROM user_groups WHERE ` + where

	var group Group
	var groupType string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&group.ID, &group.Name, &group.Description, &groupType, &group.Active, &group.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", label, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	group.Type = GroupType(groupType)
	return &group, nil
}

// FindGroup retrieves a group by ID
func (s *Store) FindGroup(ctx context.Context, id int64) (*Group, error) {
	return s.findGroup(ctx, "id = $1", id, fmt.Sprint(id))
}

// FindGroupByName retrieves a group by name
func (s *Store) FindGroupByName(ctx context.Context, name string) (*Group, error) {
	return s.findGroup(ctx, "name = $1", name, fmt.Sprintf("%q", name))
}

// DeleteGroup deletes a group with its role grants and memberships
func (s *Store) DeleteGroup(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM group_roles WHERE group_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete group roles: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete group members: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM user_groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	if err := expectAffected(result, fmt.Sprintf("group %d", id)); err != nil {
		return err
	}
	return tx.Commit()
}

// CountGroupMembers counts active memberships of a group
func (s *Store) CountGroupMembers(ctx context.Context, groupID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM group_members WHERE group_id = $1 AND active = TRUE`, groupID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count group members: %w", err)
	}
	return n, nil
}

// AddGroupRole grants a role to a group
func (s *Store) AddGroupRole(ctx context.Context, groupID, roleID int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO group_roles (group_id, role_id) VALUES ($1, $2)`, groupID, roleID)
	if isUniqueViolation(err) {
		return fmt.Errorf("group %d already has role %d: %w", groupID, roleID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to add group role: %w", err)
	}
	return nil
}

// RemoveGroupRole revokes a role from a group
func (s *Store) RemoveGroupRole(ctx context.Context, groupID, roleID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM group_roles WHERE group_id = $1 AND role_id = $2`, groupID, roleID)
	if err != nil {
		return fmt.Errorf("failed to remove group role: %w", err)
	}
	return expectAffected(result, fmt.Sprintf("group %d role %d", groupID, roleID))
}

// AddGroupMember adds a user to a group
func (s *Store) AddGroupMember(ctx context.Context, m *UserGroupMembership) error {
	query := `
		INSERT INTO group_members (group_id, user_id, expires_at, active, joined_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	now := s.now()
	err := s.db.QueryRowContext(ctx, query, m.GroupID, m.UserID, m.ExpiresAt, m.Active, now).Scan(&m.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %d in group %d: %w", m.UserID, m.GroupID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to add group member: %w", err)
	}
	m.JoinedAt = now
	return nil
}

// RemoveGroupMember removes a user from a group
func (s *Store) RemoveGroupMember(ctx context.Context, groupID, userID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`, groupID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove group member: %w", err)
	}
	return expectAffected(result, fmt.Sprintf("user %d in group %d", userID, groupID))
}

// UpsertTenantAssignment inserts or replaces a user's tenant assignment
func (s *Store) UpsertTenantAssignment(ctx context.Context, a *UserTenantRoleAssignment) error {
	additional, err := encodeCodes(a.AdditionalPermissions)
	if err != nil {
		return err
	}
	restricted, err := encodeCodes(a.RestrictedPermissions)
	if err != nil {
		return err
	}
	if a.GrantedAt.IsZero() {
		a.GrantedAt = s.now()
	}

	query := `
		INSERT INTO user_tenant_roles (user_id, tenant_id, role_id, role_type, additional_permissions, restricted_permissions, is_default_tenant, active, granted_by, granted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, tenant_id) DO UPDATE
		SET role_id = excluded.role_id,
		    role_type = excluded.role_type,
		    additional_permissions = excluded.additional_permissions,
		    restricted_permissions = excluded.restricted_permissions,
		    is_default_tenant = excluded.is_default_tenant,
		    active = excluded.active,
		    granted_by = excluded.granted_by,
		    granted_at = excluded.granted_at
		RETURNING id
	`

	err = s.db.QueryRowContext(ctx, query,
		a.UserID,
		a.TenantID,
		a.RoleID,
		a.RoleType,
		additional,
		restricted,
		a.IsDefaultTenant,
		a.Active,
		a.GrantedBy,
		a.GrantedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant assignment: %w", err)
	}
	return nil
}

// RevokeTenantAssignment deactivates a user's tenant assignment
func (s *Store) RevokeTenantAssignment(ctx context.Context, userID int64, tenantID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE user_tenant_roles SET active = FALSE WHERE user_id = $1 AND tenant_id = $2`, userID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to revoke tenant assignment: %w", err)
	}
	return expectAffected(result, fmt.Sprintf("assignment for user %d in tenant %s", userID, tenantID))
}

// CreateUser creates a new user
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (username, global_role, active, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`

	now := s.now()
	err := s.db.QueryRowContext(ctx, query, user.Username, user.GlobalRole, user.Active, now).Scan(&user.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %q: %w", user.Username, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	user.CreatedAt = now
	return nil
}

// AddUserSite records a site membership; adding it twice is a no-op
func (s *Store) AddUserSite(ctx context.Context, userID int64, siteID string) error {
	query := `INSERT INTO user_sites (user_id, site_id) VALUES ($1, $2) ON CONFLICT (user_id, site_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, userID, siteID); err != nil {
		return fmt.Errorf("failed to add user site: %w", err)
	}
	return nil
}

func expectAffected(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
