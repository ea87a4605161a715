package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/campus/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the Postgres schema of the authorization core in
// apply order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create branches table",
			SQL: `
				CREATE TABLE IF NOT EXISTS branches (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					code VARCHAR(64) NOT NULL UNIQUE,
					parent_branch_id BIGINT REFERENCES branches(id) ON DELETE RESTRICT,
					status VARCHAR(16) NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'inactive')),
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					CHECK (parent_branch_id IS NULL OR parent_branch_id <> id)
				);

				CREATE INDEX idx_branches_parent_branch_id ON branches(parent_branch_id);
			`,
		},
		{
			Version:     2,
			Description: "Create users and api_tokens tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					username VARCHAR(255) NOT NULL UNIQUE,
					email VARCHAR(255),
					full_name VARCHAR(255),
					branch_id BIGINT REFERENCES branches(id) ON DELETE SET NULL,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					last_login_at TIMESTAMP
				);

				CREATE INDEX idx_users_branch_id ON users(branch_id);

				CREATE TABLE IF NOT EXISTS api_tokens (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					token_hash VARCHAR(64) NOT NULL UNIQUE,
					token_prefix VARCHAR(32) NOT NULL,
					name VARCHAR(255) NOT NULL,
					expires_at TIMESTAMP,
					last_used_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					revoked_at TIMESTAMP,
					revoke_reason TEXT
				);

				CREATE INDEX idx_api_tokens_user_id ON api_tokens(user_id);
				CREATE INDEX idx_api_tokens_expires_at ON api_tokens(expires_at);
			`,
		},
		{
			Version:     3,
			Description: "Create roles, modules and permissions tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					slug VARCHAR(64) NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL,
					description TEXT,
					level INT NOT NULL,
					is_system_role BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS modules (
					id BIGSERIAL PRIMARY KEY,
					slug VARCHAR(64) NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL,
					description TEXT,
					icon VARCHAR(64),
					sort_order INT NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS permissions (
					id BIGSERIAL PRIMARY KEY,
					module_id BIGINT NOT NULL REFERENCES modules(id) ON DELETE CASCADE,
					slug VARCHAR(128) NOT NULL UNIQUE,
					action VARCHAR(64) NOT NULL,
					name VARCHAR(255) NOT NULL,
					description TEXT,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_permissions_module_id ON permissions(module_id);

				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					PRIMARY KEY (role_id, permission_id)
				);
			`,
		},
		{
			Version:     4,
			Description: "Create user_roles and user_permissions tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_roles (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					branch_id BIGINT REFERENCES branches(id) ON DELETE CASCADE,
					is_primary BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX idx_user_roles_unique ON user_roles(user_id, role_id, COALESCE(branch_id, 0));
				CREATE UNIQUE INDEX idx_user_roles_one_primary ON user_roles(user_id) WHERE is_primary;
				CREATE INDEX idx_user_roles_role_id ON user_roles(role_id);

				CREATE TABLE IF NOT EXISTS user_permissions (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
					branch_id BIGINT REFERENCES branches(id) ON DELETE CASCADE,
					granted BOOLEAN NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX idx_user_permissions_unique ON user_permissions(user_id, permission_id, COALESCE(branch_id, 0));
			`,
		},
		{
			Version:     5,
			Description: "Create authz_audit table",
			SQL: `
				CREATE TABLE IF NOT EXISTS authz_audit (
					id BIGSERIAL PRIMARY KEY,
					timestamp TIMESTAMP NOT NULL DEFAULT NOW(),
					event_type VARCHAR(64) NOT NULL,
					status VARCHAR(16) NOT NULL,
					user_id BIGINT,
					resource_type VARCHAR(32),
					resource_id VARCHAR(255),
					branch_id BIGINT,
					permission VARCHAR(128),
					decision_kind VARCHAR(64),
					request_id VARCHAR(64),
					message TEXT,
					metadata JSONB
				);

				CREATE INDEX idx_authz_audit_timestamp ON authz_audit(timestamp);
				CREATE INDEX idx_authz_audit_user_id ON authz_audit(user_id);
				CREATE INDEX idx_authz_audit_event_type ON authz_audit(event_type);
			`,
		},
	}
}

// RunMigrations executes all pending migrations. A nil logger logs to stdout.
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	logger = logger.WithField("component", "migrations")

	// Create migration tracking table
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS campus_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		log := logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		})
		log.Info("running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO campus_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		log.Info("migration completed")
	}

	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM campus_migrations ORDER BY version")
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
