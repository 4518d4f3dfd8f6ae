package tenancy

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Migration is one versioned schema change
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrator applies pending migrations and records them in a tracking table.
// Each migration runs in its own transaction.
type Migrator struct {
	table      string
	migrations []Migration
	log        *logrus.Logger
}

// NewMigrator creates a migrator tracking applied versions in table
func NewMigrator(table string, migrations []Migration, log *logrus.Logger) *Migrator {
	if log == nil {
		log = logrus.New()
	}
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	return &Migrator{
		table:      table,
		migrations: sorted,
		log:        log,
	}
}

// Migrate applies every migration not yet recorded and returns how many ran
func (m *Migrator) Migrate(ctx context.Context, db *sql.DB) (int, error) {
	table := pq.QuoteIdentifier(m.table)

	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, table))
	if err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := m.appliedVersions(ctx, db, table)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, migration := range m.migrations {
		if applied[migration.Version] {
			continue
		}

		log := m.log.WithFields(logrus.Fields{
			"table":   m.table,
			"version": migration.Version,
		})
		log.Infof("Running migration: %s", migration.Description)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return count, fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return count, fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (version, description) VALUES ($1, $2)", table),
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return count, fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return count, fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
		count++
	}

	if count > 0 {
		m.log.WithField("table", m.table).Infof("Applied %d migrations", count)
	}
	return count, nil
}

func (m *Migrator) appliedVersions(ctx context.Context, db *sql.DB, table string) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT version FROM %s ORDER BY version", table))
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// SchemaInitializer prepares a freshly created tenant database
type SchemaInitializer interface {
	InitializeTenant(ctx context.Context, db *sql.DB, desc TenantDescriptor) error
}

// TenantMigrations returns the baseline schema of every tenant database.
// Business tables are owned by the services that use the tenant handle.
func TenantMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create tenant_info table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tenant_info (
					code VARCHAR(64) PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				)
			`,
		},
	}
}

// TenantSchema migrates a tenant database and records its descriptor
type TenantSchema struct {
	migrator *Migrator
}

// NewTenantSchema creates the default SchemaInitializer
func NewTenantSchema(log *logrus.Logger) *TenantSchema {
	return &TenantSchema{migrator: NewMigrator("tenant_migrations", TenantMigrations(), log)}
}

// InitializeTenant implements SchemaInitializer
func (s *TenantSchema) InitializeTenant(ctx context.Context, db *sql.DB, desc TenantDescriptor) error {
	if _, err := s.migrator.Migrate(ctx, db); err != nil {
		return err
	}

	name := desc.Name
	if name == "" {
		name = desc.Code
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO tenant_info (code, name) VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name
	`, desc.Code, name)
	if err != nil {
		return fmt.Errorf("failed to record tenant info: %w", err)
	}
	return nil
}
