package rbac

import (
	"context"
	"database/sql"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tenantgate/pkg/tenancy"
)

// MigrationsTable tracks applied authorization schema versions in the
// shared database
const MigrationsTable = "rbac_migrations"

// Migrations returns the authorization schema of the shared database
func Migrations() []tenancy.Migration {
	return []tenancy.Migration{
		{
			Version:     1,
			Description: "Create users and user_sites tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					username VARCHAR(255) NOT NULL UNIQUE,
					global_role VARCHAR(50),
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS user_sites (
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					site_id VARCHAR(100) NOT NULL,
					PRIMARY KEY (user_id, site_id)
				);

				CREATE INDEX IF NOT EXISTS idx_user_sites_site_id ON user_sites(site_id);
			`,
		},
		{
			Version:     2,
			Description: "Create roles and permissions tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(100) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					tenant_id VARCHAR(100),
					parent_role_type VARCHAR(50),
					priority INT NOT NULL DEFAULT 0,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					metadata JSONB,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_name_tenant ON roles(name, COALESCE(tenant_id, ''));
				CREATE INDEX IF NOT EXISTS idx_roles_tenant_id ON roles(tenant_id);

				CREATE TABLE IF NOT EXISTS permissions (
					id BIGSERIAL PRIMARY KEY,
					resource VARCHAR(255) NOT NULL,
					action VARCHAR(100) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					tenant_id VARCHAR(100),
					active BOOLEAN NOT NULL DEFAULT TRUE,
					scope VARCHAR(20) NOT NULL DEFAULT 'application',
					metadata JSONB,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (resource, action)
				);

				CREATE TABLE IF NOT EXISTS role_permissions (
					id BIGSERIAL PRIMARY KEY,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
					is_granted BOOLEAN NOT NULL DEFAULT TRUE,
					access_level VARCHAR(10) NOT NULL DEFAULT 'READ',
					conditions JSONB,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (role_id, permission_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_permissions_permission_id ON role_permissions(permission_id);
			`,
		},
		{
			Version:     3,
			Description: "Create groups and memberships tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_groups (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					type VARCHAR(20) NOT NULL DEFAULT 'CUSTOM',
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS group_roles (
					group_id BIGINT NOT NULL REFERENCES user_groups(id) ON DELETE CASCADE,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					PRIMARY KEY (group_id, role_id)
				);

				CREATE TABLE IF NOT EXISTS group_members (
					id BIGSERIAL PRIMARY KEY,
					group_id BIGINT NOT NULL REFERENCES user_groups(id) ON DELETE CASCADE,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					expires_at TIMESTAMPTZ,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (group_id, user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_group_members_user_id ON group_members(user_id);
			`,
		},
		{
			Version:     4,
			Description: "Create user_tenant_roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_tenant_roles (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					tenant_id VARCHAR(100) NOT NULL,
					role_id BIGINT REFERENCES roles(id) ON DELETE SET NULL,
					role_type VARCHAR(50) NOT NULL DEFAULT '',
					additional_permissions JSONB NOT NULL DEFAULT '[]',
					restricted_permissions JSONB NOT NULL DEFAULT '[]',
					is_default_tenant BOOLEAN NOT NULL DEFAULT FALSE,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					granted_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
					granted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (user_id, tenant_id)
				);

				CREATE INDEX IF NOT EXISTS idx_user_tenant_roles_tenant_id ON user_tenant_roles(tenant_id);
				CREATE INDEX IF NOT EXISTS idx_user_tenant_roles_role_id ON user_tenant_roles(role_id);
			`,
		},
	}
}

// RunMigrations applies the authorization schema to the shared database
func RunMigrations(ctx context.Context, db *sql.DB, log *logrus.Logger) (int, error) {
	return tenancy.NewMigrator(MigrationsTable, Migrations(), log).Migrate(ctx, db)
}
