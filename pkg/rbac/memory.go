package rbac

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

type linkKey struct{ roleID, permissionID int64 }

type memberKey struct{ groupID, userID int64 }

type assignmentKey struct {
	userID   int64
	tenantID string
}

// MemoryStore is an in-process Repository for embedding the engine without a
// database. tenantgate -validate-seeds bootstraps seed files into it, and the
// engine tests run against it alongside the SQL store. Entities live in
// per-type arenas keyed by id and refer to each other by id only; secondary
// indexes enforce the same unique keys as the SQL schema. Reads return
// copies.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	now    func() time.Time

	roles      map[int64]Role
	roleByName map[string]int64

	permissions map[int64]Permission
	permByCode  map[string]int64

	links map[linkKey]RolePermissionLink

	groups      map[int64]Group
	groupByName map[string]int64
	groupRoles  map[int64]map[int64]struct{}
	members     map[memberKey]UserGroupMembership

	users      map[int64]User
	userByName map[string]int64
	userSites  map[int64]map[string]struct{}

	assignments map[assignmentKey]UserTenantRoleAssignment
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		roles:       make(map[int64]Role),
		roleByName:  make(map[string]int64),
		permissions: make(map[int64]Permission),
		permByCode:  make(map[string]int64),
		links:       make(map[linkKey]RolePermissionLink),
		groups:      make(map[int64]Group),
		groupByName: make(map[string]int64),
		groupRoles:  make(map[int64]map[int64]struct{}),
		members:     make(map[memberKey]UserGroupMembership),
		users:       make(map[int64]User),
		userByName:  make(map[string]int64),
		userSites:   make(map[int64]map[string]struct{}),
		assignments: make(map[assignmentKey]UserTenantRoleAssignment),
	}
}

func roleNameKey(name string, tenantID *string) string {
	if tenantID == nil {
		return "global|" + name
	}
	return "tenant:" + *tenantID + "|" + name
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func copyRole(r Role) Role {
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

func copyPermission(p Permission) Permission {
	p.Metadata = maps.Clone(p.Metadata)
	return p
}

func copyAssignment(a UserTenantRoleAssignment) UserTenantRoleAssignment {
	a.AdditionalPermissions = slices.Clone(a.AdditionalPermissions)
	a.RestrictedPermissions = slices.Clone(a.RestrictedPermissions)
	return a
}

// FindRole returns the role with id
func (s *MemoryStore) FindRole(ctx context.Context, id int64) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.roles[id]
	if !ok {
		return nil, fmt.Errorf("role %d: %w", id, ErrNotFound)
	}
	r = copyRole(r)
	return &r, nil
}

// FindRoleByName looks up a tenant role first, then a global one
func (s *MemoryStore) FindRoleByName(ctx context.Context, name string, tenantID *string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if tenantID != nil {
		if id, ok := s.roleByName[roleNameKey(name, tenantID)]; ok {
			r := copyRole(s.roles[id])
			return &r, nil
		}
	}
	if id, ok := s.roleByName[roleNameKey(name, nil)]; ok {
		r := copyRole(s.roles[id])
		return &r, nil
	}
	return nil, fmt.Errorf("role %q: %w", name, ErrNotFound)
}

// ListRoles returns roles visible to tenantID, ordered by id
func (s *MemoryStore) ListRoles(ctx context.Context, tenantID *string) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roles := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		if visibleTo(r.TenantID, tenantID) {
			roles = append(roles, copyRole(r))
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })
	return roles, nil
}

// ListRolePermissionLinks returns every link of a role, active or not
func (s *MemoryStore) ListRolePermissionLinks(ctx context.Context, roleID int64) ([]RolePermissionLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var links []RolePermissionLink
	for k, l := range s.links {
		if k.roleID == roleID {
			l.Conditions = maps.Clone(l.Conditions)
			links = append(links, l)
		}
	}
	sort.Slice(links, func(i, j int) bool { return links[i].PermissionID < links[j].PermissionID })
	return links, nil
}

// FindPermission returns the permission for (resource, action)
func (s *MemoryStore) FindPermission(ctx context.Context, resource, action string) (*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.permByCode[resource+":"+action]
	if !ok {
		return nil, fmt.Errorf("permission %s:%s: %w", resource, action, ErrNotFound)
	}
	p := copyPermission(s.permissions[id])
	return &p, nil
}

// GetPermissions returns the permissions with the given ids. Unknown ids are
// skipped.
func (s *MemoryStore) GetPermissions(ctx context.Context, ids []int64) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perms := make([]Permission, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if p, ok := s.permissions[id]; ok && !seen[id] {
			seen[id] = true
			perms = append(perms, copyPermission(p))
		}
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].ID < perms[j].ID })
	return perms, nil
}

// ListPermissions returns permissions visible to tenantID, ordered by id
func (s *MemoryStore) ListPermissions(ctx context.Context, tenantID *string) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perms := make([]Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		if visibleTo(p.TenantID, tenantID) {
			perms = append(perms, copyPermission(p))
		}
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].ID < perms[j].ID })
	return perms, nil
}

// ListPermissionsMatching filters active permissions by a pattern operator
func (s *MemoryStore) ListPermissionsMatching(ctx context.Context, pattern string, op Operator) ([]Permission, error) {
	match, err := codeMatcher(op, pattern)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var perms []Permission
	for _, p := range s.permissions {
		if p.Active && match(p.Code()) {
			perms = append(perms, copyPermission(p))
		}
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].ID < perms[j].ID })
	return perms, nil
}

// FindUser returns the user with id
func (s *MemoryStore) FindUser(ctx context.Context, id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return &u, nil
}

// FindUserTenantAssignment returns the assignment of a user in a tenant,
// active or not
func (s *MemoryStore) FindUserTenantAssignment(ctx context.Context, userID int64, tenantID string) (*UserTenantRoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assignments[assignmentKey{userID, tenantID}]
	if !ok {
		return nil, fmt.Errorf("assignment for user %d in tenant %s: %w", userID, tenantID, ErrNotFound)
	}
	a = copyAssignment(a)
	return &a, nil
}

// ListTenantAssignments returns assignments, all of them when tenantID is nil
func (s *MemoryStore) ListTenantAssignments(ctx context.Context, tenantID *string) ([]UserTenantRoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []UserTenantRoleAssignment
	for _, a := range s.assignments {
		if tenantID == nil || a.TenantID == *tenantID {
			out = append(out, copyAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListValidGroupMemberships returns memberships valid at now in active groups
func (s *MemoryStore) ListValidGroupMemberships(ctx context.Context, userID int64, now time.Time) ([]UserGroupMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []UserGroupMembership
	for k, m := range s.members {
		if k.userID != userID || !m.IsValid(now) {
			continue
		}
		if g, ok := s.groups[k.groupID]; ok && g.Active {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

// ListGroupRoles returns the roles granted to a group, ordered by id
func (s *MemoryStore) ListGroupRoles(ctx context.Context, groupID int64) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var roles []Role
	for roleID := range s.groupRoles[groupID] {
		if r, ok := s.roles[roleID]; ok {
			roles = append(roles, copyRole(r))
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })
	return roles, nil
}

// FindUsersWithPermission walks assignment, role, link and permission
func (s *MemoryStore) FindUsersWithPermission(ctx context.Context, code string, tenantID, siteID *string) ([]int64, error) {
	if _, _, err := ParsePermissionCode(code); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	permID, ok := s.permByCode[code]
	if !ok || !s.permissions[permID].Active {
		return []int64{}, nil
	}

	seen := make(map[int64]bool)
	users := []int64{}
	for _, a := range s.assignments {
		if !a.Active || a.RoleID == nil || seen[a.UserID] {
			continue
		}
		if tenantID != nil && a.TenantID != *tenantID {
			continue
		}
		if siteID != nil {
			if _, ok := s.userSites[a.UserID][*siteID]; !ok {
				continue
			}
		}
		if r, ok := s.roles[*a.RoleID]; !ok || !r.Active {
			continue
		}
		l, ok := s.links[linkKey{*a.RoleID, permID}]
		if !ok || !l.Active || !l.IsGranted {
			continue
		}
		seen[a.UserID] = true
		users = append(users, a.UserID)
	}
	slices.Sort(users)
	return users, nil
}

// CreateRole inserts a role; (name, tenant) must be unique
func (s *MemoryStore) CreateRole(ctx context.Context, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := roleNameKey(role.Name, role.TenantID)
	if _, ok := s.roleByName[key]; ok {
		return fmt.Errorf("role %q: %w", role.Name, ErrConflict)
	}
	now := s.now()
	role.ID = s.id()
	role.CreatedAt = now
	role.UpdatedAt = now
	s.roles[role.ID] = copyRole(*role)
	s.roleByName[key] = role.ID
	return nil
}

// UpdateRole replaces a role's mutable fields
func (s *MemoryStore) UpdateRole(ctx context.Context, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.roles[role.ID]
	if !ok {
		return fmt.Errorf("role %d: %w", role.ID, ErrNotFound)
	}
	oldKey := roleNameKey(old.Name, old.TenantID)
	newKey := roleNameKey(role.Name, role.TenantID)
	if newKey != oldKey {
		if _, taken := s.roleByName[newKey]; taken {
			return fmt.Errorf("role %q: %w", role.Name, ErrConflict)
		}
		delete(s.roleByName, oldKey)
		s.roleByName[newKey] = role.ID
	}
	role.CreatedAt = old.CreatedAt
	role.UpdatedAt = s.now()
	s.roles[role.ID] = copyRole(*role)
	return nil
}

// DeleteRole removes a role with its links and group grants
func (s *MemoryStore) DeleteRole(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.roles[id]
	if !ok {
		return fmt.Errorf("role %d: %w", id, ErrNotFound)
	}
	delete(s.roles, id)
	delete(s.roleByName, roleNameKey(r.Name, r.TenantID))
	for k := range s.links {
		if k.roleID == id {
			delete(s.links, k)
		}
	}
	for _, roles := range s.groupRoles {
		delete(roles, id)
	}
	return nil
}

// CountRoleReferences counts active assignments and group grants of a role
func (s *MemoryStore) CountRoleReferences(ctx context.Context, id int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, a := range s.assignments {
		if a.Active && a.RoleID != nil && *a.RoleID == id {
			n++
		}
	}
	for _, roles := range s.groupRoles {
		if _, ok := roles[id]; ok {
			n++
		}
	}
	return n, nil
}

// CreatePermission inserts a permission; (resource, action) must be unique
func (s *MemoryStore) CreatePermission(ctx context.Context, perm *Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := perm.Code()
	if _, ok := s.permByCode[code]; ok {
		return fmt.Errorf("permission %s: %w", code, ErrConflict)
	}
	perm.ID = s.id()
	perm.CreatedAt = s.now()
	if perm.Scope == "" {
		perm.Scope = ScopeApplication
	}
	s.permissions[perm.ID] = copyPermission(*perm)
	s.permByCode[code] = perm.ID
	return nil
}

// DeletePermission removes a permission and its links
func (s *MemoryStore) DeletePermission(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.permissions[id]
	if !ok {
		return fmt.Errorf("permission %d: %w", id, ErrNotFound)
	}
	delete(s.permissions, id)
	delete(s.permByCode, p.Code())
	for k := range s.links {
		if k.permissionID == id {
			delete(s.links, k)
		}
	}
	return nil
}

// UpsertRolePermissionLink inserts or replaces a link
func (s *MemoryStore) UpsertRolePermissionLink(ctx context.Context, link *RolePermissionLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.roles[link.RoleID]; !ok {
		return fmt.Errorf("role %d: %w", link.RoleID, ErrNotFound)
	}
	if _, ok := s.permissions[link.PermissionID]; !ok {
		return fmt.Errorf("permission %d: %w", link.PermissionID, ErrNotFound)
	}
	key := linkKey{link.RoleID, link.PermissionID}
	if old, ok := s.links[key]; ok {
		link.ID = old.ID
		link.CreatedAt = old.CreatedAt
	} else {
		link.ID = s.id()
		link.CreatedAt = s.now()
	}
	l := *link
	l.Conditions = maps.Clone(link.Conditions)
	s.links[key] = l
	return nil
}

// DeleteRolePermissionLink removes the link for (role, permission)
func (s *MemoryStore) DeleteRolePermissionLink(ctx context.Context, roleID, permissionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := linkKey{roleID, permissionID}
	if _, ok := s.links[key]; !ok {
		return fmt.Errorf("link role %d permission %d: %w", roleID, permissionID, ErrNotFound)
	}
	delete(s.links, key)
	return nil
}

// CreateGroup inserts a group; names are unique
func (s *MemoryStore) CreateGroup(ctx context.Context, group *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groupByName[group.Name]; ok {
		return fmt.Errorf("group %q: %w", group.Name, ErrConflict)
	}
	group.ID = s.id()
	group.CreatedAt = s.now()
	s.groups[group.ID] = *group
	s.groupByName[group.Name] = group.ID
	return nil
}

// FindGroup returns the group with id
func (s *MemoryStore) FindGroup(ctx context.Context, id int64) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	return &g, nil
}

// FindGroupByName returns the group called name
func (s *MemoryStore) FindGroupByName(ctx context.Context, name string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.groupByName[name]
	if !ok {
		return nil, fmt.Errorf("group %q: %w", name, ErrNotFound)
	}
	g := s.groups[id]
	return &g, nil
}

// DeleteGroup removes a group with its role grants and memberships
func (s *MemoryStore) DeleteGroup(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		return fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	delete(s.groups, id)
	delete(s.groupByName, g.Name)
	delete(s.groupRoles, id)
	for k := range s.members {
		if k.groupID == id {
			delete(s.members, k)
		}
	}
	return nil
}

// CountGroupMembers counts active memberships of a group
func (s *MemoryStore) CountGroupMembers(ctx context.Context, groupID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for k, m := range s.members {
		if k.groupID == groupID && m.Active {
			n++
		}
	}
	return n, nil
}

// AddGroupRole grants a role to a group
func (s *MemoryStore) AddGroupRole(ctx context.Context, groupID, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[groupID]; !ok {
		return fmt.Errorf("group %d: %w", groupID, ErrNotFound)
	}
	if _, ok := s.roles[roleID]; !ok {
		return fmt.Errorf("role %d: %w", roleID, ErrNotFound)
	}
	roles := s.groupRoles[groupID]
	if roles == nil {
		roles = make(map[int64]struct{})
		s.groupRoles[groupID] = roles
	}
	if _, ok := roles[roleID]; ok {
		return fmt.Errorf("group %d already has role %d: %w", groupID, roleID, ErrConflict)
	}
	roles[roleID] = struct{}{}
	return nil
}

// RemoveGroupRole revokes a role from a group
func (s *MemoryStore) RemoveGroupRole(ctx context.Context, groupID, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groupRoles[groupID][roleID]; !ok {
		return fmt.Errorf("group %d role %d: %w", groupID, roleID, ErrNotFound)
	}
	delete(s.groupRoles[groupID], roleID)
	return nil
}

// AddGroupMember inserts a membership; (group, user) must be unique
func (s *MemoryStore) AddGroupMember(ctx context.Context, m *UserGroupMembership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[m.GroupID]; !ok {
		return fmt.Errorf("group %d: %w", m.GroupID, ErrNotFound)
	}
	key := memberKey{m.GroupID, m.UserID}
	if _, ok := s.members[key]; ok {
		return fmt.Errorf("user %d in group %d: %w", m.UserID, m.GroupID, ErrConflict)
	}
	m.ID = s.id()
	m.JoinedAt = s.now()
	s.members[key] = *m
	return nil
}

// RemoveGroupMember deletes a membership
func (s *MemoryStore) RemoveGroupMember(ctx context.Context, groupID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memberKey{groupID, userID}
	if _, ok := s.members[key]; !ok {
		return fmt.Errorf("user %d in group %d: %w", userID, groupID, ErrNotFound)
	}
	delete(s.members, key)
	return nil
}

// UpsertTenantAssignment inserts or replaces the assignment of a user in a
// tenant
func (s *MemoryStore) UpsertTenantAssignment(ctx context.Context, a *UserTenantRoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.RoleID != nil {
		if _, ok := s.roles[*a.RoleID]; !ok {
			return fmt.Errorf("role %d: %w", *a.RoleID, ErrNotFound)
		}
	}
	key := assignmentKey{a.UserID, a.TenantID}
	if old, ok := s.assignments[key]; ok {
		a.ID = old.ID
	} else {
		a.ID = s.id()
	}
	if a.GrantedAt.IsZero() {
		a.GrantedAt = s.now()
	}
	s.assignments[key] = copyAssignment(*a)
	return nil
}

// RevokeTenantAssignment deactivates an assignment
func (s *MemoryStore) RevokeTenantAssignment(ctx context.Context, userID int64, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assignmentKey{userID, tenantID}
	a, ok := s.assignments[key]
	if !ok {
		return fmt.Errorf("assignment for user %d in tenant %s: %w", userID, tenantID, ErrNotFound)
	}
	a.Active = false
	s.assignments[key] = a
	return nil
}

// CreateUser inserts a user; usernames are unique
func (s *MemoryStore) CreateUser(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.userByName[user.Username]; ok {
		return fmt.Errorf("user %q: %w", user.Username, ErrConflict)
	}
	user.ID = s.id()
	user.CreatedAt = s.now()
	s.users[user.ID] = *user
	s.userByName[user.Username] = user.ID
	return nil
}

// AddUserSite records that a user belongs to a site
func (s *MemoryStore) AddUserSite(ctx context.Context, userID int64, siteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	sites := s.userSites[userID]
	if sites == nil {
		sites = make(map[string]struct{})
		s.userSites[userID] = sites
	}
	sites[siteID] = struct{}{}
	return nil
}
