package rbac

import (
	"context"
	"sort"
)

// SourceType identifies where a permission decision came from
type SourceType string

const (
	SourceRole       SourceType = "role"
	SourceAdditional SourceType = "additional"
	SourceRestricted SourceType = "restricted"
)

// SourceAction is what a source does to a permission
type SourceAction string

const (
	ActionGrant SourceAction = "grant"
	ActionDeny  SourceAction = "deny"
)

// Resolution is the outcome of a conflict
type Resolution string

const (
	ResolutionGranted Resolution = "granted"
	ResolutionDenied  Resolution = "denied"
)

// Source priorities. Higher resolves later and wins.
const (
	PriorityRole       = 1
	PriorityAdditional = 2
	PriorityRestricted = 3
)

// PermissionSource is one contribution to a permission decision
type PermissionSource struct {
	Type     SourceType   `json:"type"`
	Action   SourceAction `json:"action"`
	Priority int          `json:"priority"`
	RoleID   *int64       `json:"role_id,omitempty"`
}

// Conflict is a permission code with at least one grant and one deny
type Conflict struct {
	Code       string             `json:"code"`
	Sources    []PermissionSource `json:"sources"`
	Resolution Resolution         `json:"resolution"`
}

// AnalyzePermissionConflicts reports every code that is both granted and
// denied for the user in a tenant, ordered by code. A conflict resolves to
// denied whenever the assignment restricts the code.
func (e *Engine) AnalyzePermissionConflicts(ctx context.Context, userID int64, tenantID string) ([]Conflict, error) {
	a, err := e.activeAssignment(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	roles, err := e.contributingRoles(ctx, userID, a)
	if err != nil {
		return nil, err
	}

	sources := make(map[string][]PermissionSource)
	for _, role := range roles {
		granted, denied, err := e.roleGrants(ctx, role.ID)
		if err != nil {
			return nil, err
		}
		roleID := role.ID
		for code := range granted {
			sources[code] = append(sources[code], PermissionSource{Type: SourceRole, Action: ActionGrant, Priority: PriorityRole, RoleID: &roleID})
		}
		for code := range denied {
			sources[code] = append(sources[code], PermissionSource{Type: SourceRole, Action: ActionDeny, Priority: PriorityRole, RoleID: &roleID})
		}
	}
	for _, code := range a.AdditionalPermissions {
		sources[code] = append(sources[code], PermissionSource{Type: SourceAdditional, Action: ActionGrant, Priority: PriorityAdditional})
	}
	for _, code := range a.RestrictedPermissions {
		sources[code] = append(sources[code], PermissionSource{Type: SourceRestricted, Action: ActionDeny, Priority: PriorityRestricted})
	}

	conflicts := []Conflict{}
	for code, srcs := range sources {
		var grants, denies, restricted bool
		for _, s := range srcs {
			switch {
			case s.Action == ActionGrant:
				grants = true
			case s.Type == SourceRestricted:
				denies, restricted = true, true
			default:
				denies = true
			}
		}
		if !grants || !denies {
			continue
		}
		resolution := ResolutionGranted
		if restricted {
			resolution = ResolutionDenied
		}
		sort.SliceStable(srcs, func(i, j int) bool { return srcs[i].Priority < srcs[j].Priority })
		conflicts = append(conflicts, Conflict{Code: code, Sources: srcs, Resolution: resolution})
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Code < conflicts[j].Code })
	return conflicts, nil
}
