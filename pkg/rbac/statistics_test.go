package rbac

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_GetPermissionStatistics(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			f := newFixture(t, b.repo)
			ctx := f.ctx

			admin := f.role("ADMIN", 90)
			clerk := f.role("CLERK", 10)
			idle := &Role{Name: "IDLE", Active: false}
			require.NoError(t, b.repo.CreateRole(ctx, idle))

			f.grant(admin, "invoices:read", AccessAdmin)
			f.grant(admin, "invoices:write", AccessAdmin)
			f.grant(admin, "users:read", AccessAdmin)
			f.grant(clerk, "invoices:read", AccessRead)
			f.deny(clerk, "users:read")
			for i := 0; i < 12; i++ {
				f.perm(fmt.Sprintf("reports:r%02d", i))
			}

			u1 := f.user("u1")
			u2 := f.user("u2")
			f.assign(u1, "acme", admin, nil, nil)
			f.assign(u1, "globex", clerk, nil, nil)
			f.assign(u2, "acme", clerk, nil, nil)
			require.NoError(t, b.repo.RevokeTenantAssignment(ctx, u2.ID, "acme"))

			stats, err := NewEngine(b.repo, EngineConfig{}).GetPermissionStatistics(ctx, nil)
			require.NoError(t, err)

			assert.Equal(t, 15, stats.TotalPermissions)
			assert.Equal(t, 15, stats.ActivePermissions)
			assert.Equal(t, 3, stats.TotalRoles)
			assert.Equal(t, 2, stats.ActiveRoles)
			assert.Equal(t, 1, stats.TotalUsers)

			require.Len(t, stats.MostUsed, 10)
			assert.Equal(t, "invoices:read", stats.MostUsed[0].Code)
			assert.Equal(t, 2, stats.MostUsed[0].UsageCount)
			assert.Equal(t, "invoices:write", stats.MostUsed[1].Code)
			assert.Equal(t, "users:read", stats.MostUsed[2].Code)
			assert.Equal(t, 1, stats.MostUsed[2].UsageCount)

			require.Len(t, stats.LeastUsed, 10)
			assert.Equal(t, "reports:r00", stats.LeastUsed[0].Code)
			assert.Equal(t, 0, stats.LeastUsed[0].UsageCount)

			require.Len(t, stats.RolesByPermissionCount, 3)
			assert.Equal(t, "ADMIN", stats.RolesByPermissionCount[0].Role.Name)
			assert.Equal(t, 3, stats.RolesByPermissionCount[0].PermissionCount)
			assert.Equal(t, "CLERK", stats.RolesByPermissionCount[1].Role.Name)
			assert.Equal(t, 2, stats.RolesByPermissionCount[1].PermissionCount)
			assert.Equal(t, "IDLE", stats.RolesByPermissionCount[2].Role.Name)

			assert.Equal(t, map[string]int{"invoices": 2, "users": 1, "reports": 12}, stats.ByResource)
		})
	}
}

func TestEngine_GetPermissionStatistics_TenantScope(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := f.ctx

	global := f.role("GLOBAL", 1)
	local := &Role{Name: "LOCAL", TenantID: strPtr("acme"), Active: true}
	require.NoError(t, f.repo.CreateRole(ctx, local))
	other := &Role{Name: "OTHER", TenantID: strPtr("globex"), Active: true}
	require.NoError(t, f.repo.CreateRole(ctx, other))

	u := f.user("u")
	f.assign(u, "acme", local, nil, nil)
	v := f.user("v")
	f.assign(v, "globex", global, nil, nil)

	stats, err := NewEngine(f.repo, EngineConfig{}).GetPermissionStatistics(ctx, strPtr("acme"))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalRoles)
	assert.Equal(t, 1, stats.TotalUsers)
	assert.Empty(t, stats.MostUsed)
}
