package rbac

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// PermissionSeed grants a permission code at a level. Level defaults to READ.
type PermissionSeed struct {
	Code  string `yaml:"code"`
	Level string `yaml:"level,omitempty"`
}

// RoleSeed describes a system role created by Bootstrap
type RoleSeed struct {
	Name           string           `yaml:"name"`
	Description    string           `yaml:"description,omitempty"`
	Priority       int              `yaml:"priority"`
	ParentRoleType string           `yaml:"parent_role_type,omitempty"`
	Permissions    []PermissionSeed `yaml:"permissions,omitempty"`
}

// SeedFile is the on-disk format of a role seed file
type SeedFile struct {
	Roles []RoleSeed `yaml:"roles"`
}

// DefaultRoleSeeds returns the built-in system roles
func DefaultRoleSeeds() []RoleSeed {
	return []RoleSeed{
		{
			Name:           RoleSuperAdmin,
			Description:    "Full access across every tenant",
			Priority:       100,
			ParentRoleType: RoleSuperAdmin,
			Permissions:    []PermissionSeed{{Code: "system:admin", Level: "ADMIN"}},
		},
		{
			Name:           RoleAdmin,
			Description:    "Tenant administrator",
			Priority:       90,
			ParentRoleType: RoleAdmin,
			Permissions: []PermissionSeed{
				{Code: "users:manage", Level: "ADMIN"},
				{Code: "roles:manage", Level: "ADMIN"},
			},
		},
		{
			Name:           RoleManager,
			Description:    "Team manager",
			Priority:       70,
			ParentRoleType: RoleManager,
			Permissions: []PermissionSeed{
				{Code: "users:read"},
				{Code: "reports:read"},
			},
		},
		{
			Name:           RoleCommercial,
			Description:    "Sales",
			Priority:       50,
			ParentRoleType: RoleCommercial,
			Permissions:    []PermissionSeed{{Code: "clients:write", Level: "WRITE"}},
		},
		{
			Name:           RoleTechnicien,
			Description:    "Field technician",
			Priority:       40,
			ParentRoleType: RoleTechnicien,
			Permissions:    []PermissionSeed{{Code: "interventions:write", Level: "WRITE"}},
		},
		{
			Name:           RoleOperateur,
			Description:    "Operator",
			Priority:       30,
			ParentRoleType: RoleOperateur,
			Permissions:    []PermissionSeed{{Code: "interventions:read"}},
		},
	}
}

// LoadRoleSeeds reads role seeds from a YAML file
func LoadRoleSeeds(path string) ([]RoleSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read role seed file: %w", err)
	}

	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse role seed file: %w", err)
	}
	for _, seed := range file.Roles {
		if seed.Name == "" {
			return nil, fmt.Errorf("%w: role seed without a name in %s", ErrBadRequest, path)
		}
	}
	return file.Roles, nil
}

// Bootstrap makes sure every seeded system role exists with its permission
// links. Running it again is harmless. It returns the number of roles
// created.
func Bootstrap(ctx context.Context, repo Repository, seeds []RoleSeed, logger *observability.Logger) (int, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	created := 0
	for _, seed := range seeds {
		role, err := repo.FindRoleByName(ctx, seed.Name, nil)
		if errors.Is(err, ErrNotFound) {
			role = &Role{
				Name:        seed.Name,
				Description: seed.Description,
				Priority:    seed.Priority,
				Active:      true,
				IsSystem:    true,
			}
			if seed.ParentRoleType != "" {
				parent := seed.ParentRoleType
				role.ParentRoleType = &parent
			}
			if err := repo.CreateRole(ctx, role); err != nil {
				return created, fmt.Errorf("failed to create role %s: %w", seed.Name, err)
			}
			created++
			logger.WithField("role", seed.Name).Info("seeded system role")
		} else if err != nil {
			return created, fmt.Errorf("failed to look up role %s: %w", seed.Name, err)
		}

		for _, ps := range seed.Permissions {
			if err := seedLink(ctx, repo, role.ID, ps); err != nil {
				return created, fmt.Errorf("role %s: %w", seed.Name, err)
			}
		}
	}
	return created, nil
}

func seedLink(ctx context.Context, repo Repository, roleID int64, ps PermissionSeed) error {
	resource, action, err := ParsePermissionCode(ps.Code)
	if err != nil {
		return err
	}
	level := AccessRead
	if ps.Level != "" {
		if level, err = ParseAccessLevel(ps.Level); err != nil {
			return err
		}
	}

	perm, err := repo.FindPermission(ctx, resource, action)
	if errors.Is(err, ErrNotFound) {
		perm = &Permission{Resource: resource, Action: action, Active: true, Scope: ScopeSystem}
		if err := repo.CreatePermission(ctx, perm); err != nil {
			return fmt.Errorf("failed to create permission %s: %w", ps.Code, err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to look up permission %s: %w", ps.Code, err)
	}

	return repo.UpsertRolePermissionLink(ctx, &RolePermissionLink{
		RoleID:       roleID,
		PermissionID: perm.ID,
		IsGranted:    true,
		AccessLevel:  level,
		Active:       true,
	})
}
