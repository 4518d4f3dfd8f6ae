package rbac

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

const statisticsTopN = 10

// PermissionUsage counts the granted, active links to a permission
type PermissionUsage struct {
	Code       string     `json:"code"`
	Permission Permission `json:"permission"`
	UsageCount int        `json:"usage_count"`
}

// RoleUsage counts the active links of a role
type RoleUsage struct {
	Role            Role `json:"role"`
	PermissionCount int  `json:"permission_count"`
}

// PermissionStatistics aggregates permission usage
type PermissionStatistics struct {
	TotalPermissions  int `json:"total_permissions"`
	ActivePermissions int `json:"active_permissions"`
	TotalRoles        int `json:"total_roles"`
	ActiveRoles       int `json:"active_roles"`
	// TotalUsers counts distinct users with an active assignment
	TotalUsers int `json:"total_users"`

	MostUsed               []PermissionUsage `json:"most_used"`
	LeastUsed              []PermissionUsage `json:"least_used"`
	RolesByPermissionCount []RoleUsage       `json:"roles_by_permission_count"`
	ByResource             map[string]int    `json:"by_resource"`

	GeneratedAt time.Time `json:"generated_at"`
}

// GetPermissionStatistics aggregates over the permissions, roles and
// assignments visible to tenantID, or over everything when it is nil
func (e *Engine) GetPermissionStatistics(ctx context.Context, tenantID *string) (*PermissionStatistics, error) {
	var (
		perms       []Permission
		roles       []Role
		assignments []UserTenantRoleAssignment
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		perms, err = e.gw.ListPermissions(gctx, tenantID)
		return err
	})
	g.Go(func() (err error) {
		roles, err = e.gw.ListRoles(gctx, tenantID)
		return err
	})
	g.Go(func() (err error) {
		assignments, err = e.gw.ListTenantAssignments(gctx, tenantID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load statistics data: %w", err)
	}

	links := make([][]RolePermissionLink, len(roles))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range roles {
		g.Go(func() (err error) {
			links[i], err = e.gw.ListRolePermissionLinks(gctx, roles[i].ID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load role permissions: %w", err)
	}

	stats := &PermissionStatistics{
		TotalPermissions:       len(perms),
		TotalRoles:             len(roles),
		ByResource:             make(map[string]int),
		MostUsed:               []PermissionUsage{},
		LeastUsed:              []PermissionUsage{},
		RolesByPermissionCount: []RoleUsage{},
		GeneratedAt:            e.now(),
	}

	usage := make(map[int64]int, len(perms))
	for i, role := range roles {
		if role.Active {
			stats.ActiveRoles++
		}
		active := 0
		for _, l := range links[i] {
			if !l.Active {
				continue
			}
			active++
			if l.IsGranted {
				usage[l.PermissionID]++
			}
		}
		stats.RolesByPermissionCount = append(stats.RolesByPermissionCount, RoleUsage{Role: role, PermissionCount: active})
	}
	sort.Slice(stats.RolesByPermissionCount, func(i, j int) bool {
		a, b := stats.RolesByPermissionCount[i], stats.RolesByPermissionCount[j]
		if a.PermissionCount != b.PermissionCount {
			return a.PermissionCount > b.PermissionCount
		}
		return a.Role.ID < b.Role.ID
	})

	ranked := make([]PermissionUsage, 0, len(perms))
	for _, p := range perms {
		if p.Active {
			stats.ActivePermissions++
		}
		stats.ByResource[p.Resource]++
		ranked = append(ranked, PermissionUsage{Code: p.Code(), Permission: p, UsageCount: usage[p.ID]})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].UsageCount != ranked[j].UsageCount {
			return ranked[i].UsageCount > ranked[j].UsageCount
		}
		return ranked[i].Code < ranked[j].Code
	})
	stats.MostUsed = append(stats.MostUsed, ranked[:min(statisticsTopN, len(ranked))]...)

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].UsageCount != ranked[j].UsageCount {
			return ranked[i].UsageCount < ranked[j].UsageCount
		}
		return ranked[i].Code < ranked[j].Code
	})
	stats.LeastUsed = append(stats.LeastUsed, ranked[:min(statisticsTopN, len(ranked))]...)

	users := make(map[int64]bool)
	for _, a := range assignments {
		if a.Active {
			users[a.UserID] = true
		}
	}
	stats.TotalUsers = len(users)

	return stats, nil
}
