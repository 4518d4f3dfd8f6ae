package rbac

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

var allLevels = []AccessLevel{AccessBlocked, AccessRead, AccessWrite, AccessDelete, AccessAdmin}

func TestEngine_HasPermission_AccessLevelMatrix(t *testing.T) {
	for _, linkLevel := range allLevels {
		for _, required := range allLevels {
			t.Run(fmt.Sprintf("%s_requires_%s", linkLevel, required), func(t *testing.T) {
				f := newFixture(t, NewMemoryStore())
				role := f.role("CLERK", 1)
				f.grant(role, "invoices:edit", linkLevel)
				u := f.user("alice")
				f.assign(u, "acme", role, nil, nil)

				engine := NewEngine(f.repo, EngineConfig{})
				allowed, err := engine.HasPermission(f.ctx, u.ID, "acme", "invoices", "edit", required)
				require.NoError(t, err)

				expected := linkLevel > AccessBlocked && linkLevel >= required
				assert.Equal(t, expected, allowed)
			})
		}
	}
}

func TestEngine_HasPermission_WriteRequirement(t *testing.T) {
	// WRITE is satisfied by WRITE, DELETE and ADMIN only
	expected := map[AccessLevel]bool{
		AccessBlocked: false,
		AccessRead:    false,
		AccessWrite:   true,
		AccessDelete:  true,
		AccessAdmin:   true,
	}
	for level, want := range expected {
		f := newFixture(t, NewMemoryStore())
		role := f.role("R", 1)
		f.grant(role, "invoices:edit", level)
		u := f.user("bob")
		f.assign(u, "acme", role, nil, nil)

		allowed, err := NewEngine(f.repo, EngineConfig{}).HasPermission(f.ctx, u.ID, "acme", "invoices", "edit", AccessWrite)
		require.NoError(t, err)
		assert.Equal(t, want, allowed, "link level %s", level)
	}
}

func TestEngine_HasPermission_MissingRecords(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			f := newFixture(t, b.repo)
			ctx := f.ctx

			active := f.role("ACTIVE", 1)
			f.grant(active, "invoices:read", AccessAdmin)
			f.deny(active, "invoices:void")
			f.perm("invoices:archive")

			inactive := &Role{Name: "INACTIVE", Active: false}
			require.NoError(t, b.repo.CreateRole(ctx, inactive))
			f.grant(inactive, "invoices:read", AccessAdmin)

			noAssignment := f.user("nobody")
			noRole := f.user("norole")
			f.assign(noRole, "acme", nil, nil, nil)
			dormant := f.user("dormant")
			f.assign(dormant, "acme", inactive, nil, nil)
			revoked := f.user("revoked")
			f.assign(revoked, "acme", active, nil, nil)
			require.NoError(t, b.repo.RevokeTenantAssignment(ctx, revoked.ID, "acme"))
			restricted := f.user("restricted")
			f.assign(restricted, "acme", active, nil, []string{"invoices:read"})
			member := f.user("member")
			f.assign(member, "acme", active, nil, nil)

			engine := NewEngine(b.repo, EngineConfig{})
			cases := []struct {
				name     string
				userID   int64
				tenant   string
				action   string
				expected bool
			}{
				{"no assignment", noAssignment.ID, "acme", "read", false},
				{"other tenant", member.ID, "globex", "read", false},
				{"assignment without role", noRole.ID, "acme", "read", false},
				{"inactive role", dormant.ID, "acme", "read", false},
				{"revoked assignment", revoked.ID, "acme", "read", false},
				{"restricted code", restricted.ID, "acme", "read", false},
				{"unknown permission", member.ID, "acme", "delete", false},
				{"permission without link", member.ID, "acme", "archive", false},
				{"denied link", member.ID, "acme", "void", false},
				{"granted link", member.ID, "acme", "read", true},
			}
			for _, tc := range cases {
				allowed, err := engine.HasPermission(ctx, tc.userID, tc.tenant, "invoices", tc.action, AccessRead)
				require.NoError(t, err, tc.name)
				assert.Equal(t, tc.expected, allowed, tc.name)
			}

			ok, err := engine.Check(ctx, member.ID, "acme", "invoices", "read")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestEngine_DenyOverridesAllow(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			f := newFixture(t, b.repo)
			role := f.role("CLERK", 1)
			f.grant(role, "invoices:read", AccessRead)
			f.grant(role, "invoices:write", AccessWrite)
			f.deny(role, "clients:read")
			u := f.user("carol")
			f.assign(u, "acme", role,
				[]string{"reports:export", "invoices:delete", "clients:read"},
				[]string{"invoices:write", "invoices:delete"},
			)

			engine := NewEngine(b.repo, EngineConfig{})

			effective, err := engine.ComputeEffectivePermissions(f.ctx, u.ID, "acme")
			require.NoError(t, err)
			assert.Equal(t, []string{"clients:read", "invoices:read", "reports:export"}, effective.Sorted())
			assert.False(t, effective.Has("invoices:write"))

			conflicts, err := engine.AnalyzePermissionConflicts(f.ctx, u.ID, "acme")
			require.NoError(t, err)
			require.Len(t, conflicts, 3)

			assert.Equal(t, "clients:read", conflicts[0].Code)
			assert.Equal(t, ResolutionGranted, conflicts[0].Resolution)

			assert.Equal(t, "invoices:delete", conflicts[1].Code)
			assert.Equal(t, ResolutionDenied, conflicts[1].Resolution)
			require.Len(t, conflicts[1].Sources, 2)
			assert.Equal(t, SourceAdditional, conflicts[1].Sources[0].Type)
			assert.Equal(t, SourceRestricted, conflicts[1].Sources[1].Type)
			assert.Equal(t, PriorityRestricted, conflicts[1].Sources[1].Priority)

			assert.Equal(t, "invoices:write", conflicts[2].Code)
			assert.Equal(t, ResolutionDenied, conflicts[2].Resolution)
			require.NotNil(t, conflicts[2].Sources[0].RoleID)
			assert.Equal(t, role.ID, *conflicts[2].Sources[0].RoleID)

			allowed, err := engine.HasPermission(f.ctx, u.ID, "acme", "invoices", "write", AccessRead)
			require.NoError(t, err)
			assert.False(t, allowed)
		})
	}
}

func TestEngine_NoConflictWithoutBothSides(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	role := f.role("R", 1)
	f.grant(role, "a:read", AccessRead)
	u := f.user("dave")
	f.assign(u, "acme", role, []string{"a:read", "b:read"}, []string{"c:read"})

	conflicts, err := NewEngine(f.repo, EngineConfig{}).AnalyzePermissionConflicts(f.ctx, u.ID, "acme")
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestEngine_ComputeEffectivePermissions_NotFound(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	u := f.user("erin")

	_, err := NewEngine(f.repo, EngineConfig{}).ComputeEffectivePermissions(f.ctx, u.ID, "acme")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_GetEffectiveRole(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			f := newFixture(t, b.repo)
			ctx := f.ctx

			typed := &Role{Name: "ACME_MANAGER", TenantID: strPtr("acme"), ParentRoleType: strPtr(RoleManager), Active: true}
			require.NoError(t, b.repo.CreateRole(ctx, typed))
			untyped := f.role("CUSTOM", 1)

			withParent := f.user("withparent")
			f.assign(withParent, "acme", typed, nil, nil)

			global := &User{Username: "global", GlobalRole: strPtr(RoleCommercial), Active: true}
			require.NoError(t, b.repo.CreateUser(ctx, global))
			f.assign(global, "acme", untyped, nil, nil)

			plain := f.user("plain")
			f.assign(plain, "acme", untyped, nil, nil)

			revoked := f.user("revoked")
			f.assign(revoked, "acme", typed, nil, nil)
			require.NoError(t, b.repo.RevokeTenantAssignment(ctx, revoked.ID, "acme"))

			engine := NewEngine(b.repo, EngineConfig{})

			role, err := engine.GetEffectiveRole(ctx, withParent.ID, "acme")
			require.NoError(t, err)
			assert.Equal(t, RoleManager, role)

			role, err = engine.GetEffectiveRole(ctx, global.ID, "acme")
			require.NoError(t, err)
			assert.Equal(t, RoleCommercial, role)

			role, err = engine.GetEffectiveRole(ctx, plain.ID, "acme")
			require.NoError(t, err)
			assert.Equal(t, FallbackRole, role)

			_, err = engine.GetEffectiveRole(ctx, plain.ID, "globex")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = engine.GetEffectiveRole(ctx, revoked.ID, "acme")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestEngine_GroupScenario(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			f := newFixture(t, b.repo)
			r1 := f.role("R1", 1)
			f.grant(r1, "invoices:read", AccessRead)
			r2 := f.role("R2", 5)
			f.grant(r2, "invoices:write", AccessWrite)
			g := f.group("billing", r2)
			u := f.user("frank")
			f.join(g, u)
			f.assign(u, "acme", r1, nil, nil)

			t.Run("assignment only", func(t *testing.T) {
				engine := NewEngine(b.repo, EngineConfig{})

				effective, err := engine.ComputeEffectivePermissions(f.ctx, u.ID, "acme")
				require.NoError(t, err)
				assert.Equal(t, []string{"invoices:read"}, effective.Sorted())

				groupRoles, err := engine.GetUserPermissionsFromGroups(f.ctx, u.ID)
				require.NoError(t, err)
				assert.Equal(t, []string{"R2"}, roleNames(groupRoles))

				allowed, err := engine.HasPermission(f.ctx, u.ID, "acme", "invoices", "write", AccessWrite)
				require.NoError(t, err)
				assert.False(t, allowed)
			})

			t.Run("merged group roles", func(t *testing.T) {
				engine := NewEngine(b.repo, EngineConfig{MergeGroupRoles: true})

				effective, err := engine.ComputeEffectivePermissions(f.ctx, u.ID, "acme")
				require.NoError(t, err)
				assert.Equal(t, []string{"invoices:read", "invoices:write"}, effective.Sorted())

				allowed, err := engine.HasPermission(f.ctx, u.ID, "acme", "invoices", "write", AccessWrite)
				require.NoError(t, err)
				assert.True(t, allowed)
			})
		})
	}
}

func TestEngine_GetUserPermissionsFromGroups(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			f := newFixture(t, b.repo)
			ctx := f.ctx

			low := f.role("LOW", 10)
			high := f.role("HIGH", 50)
			off := &Role{Name: "OFF", Priority: 99, Active: false}
			require.NoError(t, b.repo.CreateRole(ctx, off))
			expiredRole := f.role("EXPIRED", 80)

			u := f.user("gina")
			f.join(f.group("team-a", low, high), u)
			f.join(f.group("team-b", low, off), u)

			expired := f.group("team-c", expiredRole)
			past := time.Now().Add(-time.Hour)
			require.NoError(t, b.repo.AddGroupMember(ctx, &UserGroupMembership{GroupID: expired.ID, UserID: u.ID, ExpiresAt: &past, Active: true}))

			future := time.Now().Add(time.Hour)
			pending := f.group("team-d", f.role("FUTURE", 1))
			require.NoError(t, b.repo.AddGroupMember(ctx, &UserGroupMembership{GroupID: pending.ID, UserID: u.ID, ExpiresAt: &future, Active: true}))

			roles, err := NewEngine(b.repo, EngineConfig{}).GetUserPermissionsFromGroups(ctx, u.ID)
			require.NoError(t, err)
			assert.Equal(t, []string{"HIGH", "LOW", "FUTURE"}, roleNames(roles))
		})
	}
}

// queryFixture: RA holds a:read, a:write, b:read; RB holds a:read, c:read;
// RC holds a:write
func queryFixture(t *testing.T, repo Repository) (*fixture, map[string]*Role) {
	f := newFixture(t, repo)
	ra := f.role("RA", 30)
	f.grant(ra, "a:read", AccessRead)
	f.grant(ra, "a:write", AccessWrite)
	f.grant(ra, "b:read", AccessRead)
	rb := f.role("RB", 20)
	f.grant(rb, "a:read", AccessRead)
	f.grant(rb, "c:read", AccessRead)
	rc := f.role("RC", 10)
	f.grant(rc, "a:write", AccessWrite)
	return f, map[string]*Role{"RA": ra, "RB": rb, "RC": rc}
}

func TestEngine_QueryPermissions_HasAll(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			f, _ := queryFixture(t, b.repo)
			engine := NewEngine(b.repo, EngineConfig{})

			result, err := engine.QueryPermissions(f.ctx, PermissionQuery{
				Conditions: []Condition{{Operator: OpHasAll, Codes: []string{"a:read", "a:write"}}},
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"RA"}, roleNames(result.Roles))
			assert.Equal(t, []string{"a:read", "a:write", "b:read"}, permissionCodes(result.Permissions))
			assert.Equal(t, 3, result.Total)
			assert.False(t, result.Cached)
			assert.NotContains(t, permissionCodes(result.Permissions), "c:read")

			result, err = engine.QueryPermissions(f.ctx, PermissionQuery{
				Conditions: []Condition{{Operator: OpHas, Codes: []string{"a:read", "a:write"}}},
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"RA", "RB", "RC"}, roleNames(result.Roles))
			assert.Equal(t, []string{"a:read", "a:write", "b:read", "c:read"}, permissionCodes(result.Permissions))
		})
	}
}

func TestEngine_QueryPermissions_Operators(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			f, _ := queryFixture(t, b.repo)
			engine := NewEngine(b.repo, EngineConfig{})

			cases := []struct {
				name     string
				query    PermissionQuery
				expected []string
			}{
				{
					name:     "has any",
					query:    PermissionQuery{Conditions: []Condition{{Operator: OpHasAny, Codes: []string{"b:read", "c:read"}}}},
					expected: []string{"RA", "RB"},
				},
				{
					name:     "has none",
					query:    PermissionQuery{Conditions: []Condition{{Operator: OpHasNone, Codes: []string{"a:write"}}}},
					expected: []string{"RB"},
				},
				{
					name:     "has none of unknown code",
					query:    PermissionQuery{Conditions: []Condition{{Operator: OpHasNone, Codes: []string{"z:read"}}}},
					expected: []string{"RA", "RB", "RC"},
				},
				{
					name:     "starts with",
					query:    PermissionQuery{Conditions: []Condition{{Operator: OpStartsWith, Pattern: "b:"}}},
					expected: []string{"RA"},
				},
				{
					name:     "ends with",
					query:    PermissionQuery{Conditions: []Condition{{Operator: OpEndsWith, Pattern: ":write"}}},
					expected: []string{"RA", "RC"},
				},
				{
					name:     "contains",
					query:    PermissionQuery{Conditions: []Condition{{Operator: OpContains, Pattern: "c:re"}}},
					expected: []string{"RB"},
				},
				{
					name:     "matches",
					query:    PermissionQuery{Conditions: []Condition{{Operator: OpMatches, Pattern: `^[bc]:read$`}}},
					expected: []string{"RA", "RB"},
				},
				{
					name: "and",
					query: PermissionQuery{Logic: LogicAnd, Conditions: []Condition{
						{Operator: OpHas, Codes: []string{"a:read"}},
						{Operator: OpHasNone, Codes: []string{"b:read"}},
					}},
					expected: []string{"RB"},
				},
				{
					name: "or",
					query: PermissionQuery{Logic: LogicOr, Conditions: []Condition{
						{Operator: OpHas, Codes: []string{"c:read"}},
						{Operator: OpEndsWith, Pattern: ":write"},
					}},
					expected: []string{"RA", "RB", "RC"},
				},
			}
			for _, tc := range cases {
				result, err := engine.QueryPermissions(f.ctx, tc.query)
				require.NoError(t, err, tc.name)
				assert.Equal(t, tc.expected, roleNames(result.Roles), tc.name)
			}
		})
	}
}

func TestEngine_QueryPermissions_BadRequest(t *testing.T) {
	f, _ := queryFixture(t, NewMemoryStore())
	engine := NewEngine(f.repo, EngineConfig{})

	queries := map[string]PermissionQuery{
		"invalid regex":    {Conditions: []Condition{{Operator: OpMatches, Pattern: "a:(read"}}},
		"empty pattern":    {Conditions: []Condition{{Operator: OpContains}}},
		"empty codes":      {Conditions: []Condition{{Operator: OpHasAll}}},
		"no conditions":    {},
		"unknown logic":    {Logic: "XOR", Conditions: []Condition{{Operator: OpHas, Codes: []string{"a:read"}}}},
		"unknown op":       {Conditions: []Condition{{Operator: "LIKE", Pattern: "a"}}},
		"user sans tenant": {UserID: int64Ptr(1), Conditions: []Condition{{Operator: OpHas, Codes: []string{"a:read"}}}},
	}
	for name, q := range queries {
		_, err := engine.QueryPermissions(f.ctx, q)
		assert.ErrorIs(t, err, ErrBadRequest, name)
	}
}

func TestEngine_QueryPermissions_UserScope(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			f, roles := queryFixture(t, b.repo)
			u := f.user("hank")
			f.assign(u, "acme", roles["RB"], nil, nil)
			engine := NewEngine(b.repo, EngineConfig{})

			result, err := engine.QueryPermissions(f.ctx, PermissionQuery{
				TenantID:   strPtr("acme"),
				UserID:     &u.ID,
				Conditions: []Condition{{Operator: OpHas, Codes: []string{"a:read"}}},
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"RB"}, roleNames(result.Roles))
			assert.Equal(t, []string{"a:read", "c:read"}, permissionCodes(result.Permissions))

			_, err = engine.QueryPermissions(f.ctx, PermissionQuery{
				TenantID:   strPtr("globex"),
				UserID:     &u.ID,
				Conditions: []Condition{{Operator: OpHas, Codes: []string{"a:read"}}},
			})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestEngine_QueryPermissions_UserRestrictions(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			f, roles := queryFixture(t, b.repo)
			u := f.user("bob")
			f.assign(u, "acme", roles["RB"], nil, []string{"a:read"})
			engine := NewEngine(b.repo, EngineConfig{})

			effective, err := engine.ComputeEffectivePermissions(f.ctx, u.ID, "acme")
			require.NoError(t, err)
			assert.False(t, effective.Has("a:read"))

			result, err := engine.QueryPermissions(f.ctx, PermissionQuery{
				TenantID:   strPtr("acme"),
				UserID:     &u.ID,
				Conditions: []Condition{{Operator: OpHas, Codes: []string{"a:read"}}},
			})
			require.NoError(t, err)
			assert.Empty(t, result.Roles)
			assert.Empty(t, result.Permissions)

			result, err = engine.QueryPermissions(f.ctx, PermissionQuery{
				TenantID:   strPtr("acme"),
				UserID:     &u.ID,
				Conditions: []Condition{{Operator: OpStartsWith, Pattern: "c:"}},
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"RB"}, roleNames(result.Roles))
			assert.Equal(t, []string{"c:read"}, permissionCodes(result.Permissions))

			// Restrictions only apply to the user's own view
			result, err = engine.QueryPermissions(f.ctx, PermissionQuery{
				TenantID:   strPtr("acme"),
				Conditions: []Condition{{Operator: OpHas, Codes: []string{"a:read"}}},
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"RA", "RB"}, roleNames(result.Roles))
		})
	}
}

func TestEngine_ForeignTenantRolesNeverContribute(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			f := newFixture(t, b.repo)
			foreign := &Role{Name: "GLOBEX_ADMIN", TenantID: strPtr("globex"), Priority: 90, ParentRoleType: strPtr(RoleManager), Active: true}
			require.NoError(t, b.repo.CreateRole(f.ctx, foreign))
			f.grant(foreign, "invoices:delete", AccessAdmin)
			own := f.role("ACME_CLERK", 10)
			f.grant(own, "invoices:read", AccessRead)

			u := f.user("uma")
			// Written straight to the store, bypassing AdminService validation
			f.assign(u, "acme", foreign, nil, nil)
			f.join(f.group("globex-ops", foreign, own), u)

			for _, merge := range []bool{false, true} {
				engine := NewEngine(b.repo, EngineConfig{MergeGroupRoles: merge})

				allowed, err := engine.HasPermission(f.ctx, u.ID, "acme", "invoices", "delete", AccessRead)
				require.NoError(t, err)
				assert.False(t, allowed, "merge=%v", merge)

				effective, err := engine.ComputeEffectivePermissions(f.ctx, u.ID, "acme")
				require.NoError(t, err)
				assert.False(t, effective.Has("invoices:delete"), "merge=%v", merge)
				assert.Equal(t, merge, effective.Has("invoices:read"), "merge=%v", merge)

				role, err := engine.GetEffectiveRole(f.ctx, u.ID, "acme")
				require.NoError(t, err)
				assert.Equal(t, FallbackRole, role)
			}

			f.assign(u, "globex", foreign, nil, nil)
			allowed, err := NewEngine(b.repo, EngineConfig{}).HasPermission(f.ctx, u.ID, "globex", "invoices", "delete", AccessAdmin)
			require.NoError(t, err)
			assert.True(t, allowed)
		})
	}
}

func TestEngine_QueryPermissions_Cache(t *testing.T) {
	f, roles := queryFixture(t, NewMemoryStore())
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	cache := NewLRUCache(16, time.Minute, metrics)
	engine := NewEngine(f.repo, EngineConfig{Cache: cache, Metrics: metrics})

	query := PermissionQuery{
		TenantID:   strPtr("acme"),
		Conditions: []Condition{{Operator: OpHas, Codes: []string{"c:read"}}},
		CacheKey:   "readers-of-c",
		CacheTTL:   time.Minute,
	}

	first, err := engine.QueryPermissions(f.ctx, query)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, []string{"RB"}, roleNames(first.Roles))

	// A write that the cache does not see keeps serving the cached result
	f.grant(roles["RC"], "c:read", AccessRead)

	second, err := engine.QueryPermissions(f.ctx, query)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, []string{"RB"}, roleNames(second.Roles))

	require.NoError(t, engine.InvalidateCache(f.ctx, strPtr("acme"), nil))

	third, err := engine.QueryPermissions(f.ctx, query)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, []string{"RB", "RC"}, roleNames(third.Roles))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("lru")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("lru")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.PermissionQueryTotal.WithLabelValues("AND", "success")))
}

func TestEngine_FindUsersWithPermission(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			f := newFixture(t, b.repo)
			ctx := f.ctx

			viewer := f.role("VIEWER", 1)
			f.grant(viewer, "reports:read", AccessRead)
			blind := f.role("BLIND", 1)
			f.deny(blind, "reports:read")

			u1 := f.user("u1")
			f.assign(u1, "acme", viewer, nil, nil)
			require.NoError(t, b.repo.AddUserSite(ctx, u1.ID, "paris"))
			u2 := f.user("u2")
			f.assign(u2, "globex", viewer, nil, nil)
			require.NoError(t, b.repo.AddUserSite(ctx, u2.ID, "lyon"))
			u3 := f.user("u3")
			f.assign(u3, "acme", blind, nil, nil)
			u4 := f.user("u4")
			f.assign(u4, "acme", viewer, nil, nil)
			require.NoError(t, b.repo.RevokeTenantAssignment(ctx, u4.ID, "acme"))

			engine := NewEngine(b.repo, EngineConfig{})

			users, err := engine.FindUsersWithPermission(ctx, "reports:read", nil, nil)
			require.NoError(t, err)
			assert.Equal(t, []int64{u1.ID, u2.ID}, users)

			users, err = engine.FindUsersWithPermission(ctx, "reports:read", strPtr("acme"), nil)
			require.NoError(t, err)
			assert.Equal(t, []int64{u1.ID}, users)

			users, err = engine.FindUsersWithPermission(ctx, "reports:read", nil, strPtr("lyon"))
			require.NoError(t, err)
			assert.Equal(t, []int64{u2.ID}, users)

			users, err = engine.FindUsersWithPermission(ctx, "reports:write", nil, nil)
			require.NoError(t, err)
			assert.Empty(t, users)

			_, err = engine.FindUsersWithPermission(ctx, "reports", nil, nil)
			assert.ErrorIs(t, err, ErrBadRequest)
		})
	}
}

func TestEngine_ResolveRoleByIDOrName(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	role := f.role("AUDITOR", 1)
	named := f.role("42abc", 1)
	engine := NewEngine(f.repo, EngineConfig{})

	byID, err := engine.ResolveRoleByIDOrName(f.ctx, fmt.Sprint(role.ID), nil)
	require.NoError(t, err)
	assert.Equal(t, "AUDITOR", byID.Name)

	byName, err := engine.ResolveRoleByIDOrName(f.ctx, "AUDITOR", nil)
	require.NoError(t, err)
	assert.Equal(t, role.ID, byName.ID)

	odd, err := engine.ResolveRoleByIDOrName(f.ctx, "42abc", nil)
	require.NoError(t, err)
	assert.Equal(t, named.ID, odd.ID)

	_, err = engine.ResolveRoleByIDOrName(f.ctx, "9999", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_PermissionCheckMetrics(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	role := f.role("R", 1)
	f.grant(role, "a:read", AccessRead)
	u := f.user("ivy")
	f.assign(u, "acme", role, nil, nil)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	engine := NewEngine(f.repo, EngineConfig{Metrics: metrics})

	ctx := context.Background()
	_, _ = engine.Check(ctx, u.ID, "acme", "a", "read")
	_, _ = engine.Check(ctx, u.ID, "acme", "a", "write")
	_, _ = engine.Check(ctx, u.ID, "globex", "a", "read")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PermissionChecksTotal.WithLabelValues("allowed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.PermissionChecksTotal.WithLabelValues("denied")))
}
