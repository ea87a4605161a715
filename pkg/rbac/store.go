package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store handles RBAC data persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

const roleColumns = `r.id, r.slug, r.name, r.description, r.level, r.is_system_role, r.created_at, r.updated_at`

// CreateRole creates a new role
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	query := `
		INSERT INTO roles (slug, name, description, level, is_system_role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query,
		role.Slug,
		role.Name,
		role.Description,
		role.Level,
		role.IsSystemRole,
		now,
		now,
	).Scan(&role.ID)
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}

	role.Kind = ParseRoleSlug(role.Slug)
	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// UpsertRole creates the role or refreshes it when the slug already exists
func (s *Store) UpsertRole(ctx context.Context, role *Role) error {
	query := `
		INSERT INTO roles (slug, name, description, level, is_system_role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (slug) DO UPDATE
		SET name = EXCLUDED.name, description = EXCLUDED.description, level = EXCLUDED.level,
		    is_system_role = EXCLUDED.is_system_role, updated_at = EXCLUDED.updated_at
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query,
		role.Slug,
		role.Name,
		role.Description,
		role.Level,
		role.IsSystemRole,
		now,
		now,
	).Scan(&role.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert role %s: %w", role.Slug, err)
	}

	role.Kind = ParseRoleSlug(role.Slug)
	role.UpdatedAt = now
	return nil
}

// GetRole retrieves a role by ID
func (s *Store) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles r WHERE r.id = $1`

	role, err := scanRole(s.db.QueryRowContext(ctx, query, roleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %d: %w", roleID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// GetRoleBySlug retrieves a role by slug
func (s *Store) GetRoleBySlug(ctx context.Context, slug string) (*Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles r WHERE r.slug = $1`

	role, err := scanRole(s.db.QueryRowContext(ctx, query, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %s: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// ListRoles lists all roles, most privileged first
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles r ORDER BY r.level ASC, r.id ASC`

	rows, err := s.db.QueryContext(ctx, query)
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

// DeleteRole deletes a custom role. System roles, SuperAdmin included, are refused.
func (s *Store) DeleteRole(ctx context.Context, roleID int64) error {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystemRole || role.IsSuperAdmin() {
		return fmt.Errorf("role %s: %w", role.Slug, ErrSystemRole)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return requireAffected(result)
}

// CreateModule creates a new module
func (s *Store) CreateModule(ctx context.Context, module *Module) error {
	query := `
		INSERT INTO modules (slug, name, description, icon, sort_order, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query,
		module.Slug,
		module.Name,
		module.Description,
		module.Icon,
		module.SortOrder,
		now,
	).Scan(&module.ID)
	if err != nil {
		return fmt.Errorf("failed to create module: %w", err)
	}

	module.CreatedAt = now
	return nil
}

// UpsertModule creates the module or refreshes its display metadata
func (s *Store) UpsertModule(ctx context.Context, module *Module) error {
	query := `
		INSERT INTO modules (slug, name, description, icon, sort_order, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (slug) DO UPDATE
		SET name = EXCLUDED.name, description = EXCLUDED.description,
		    icon = EXCLUDED.icon, sort_order = EXCLUDED.sort_order
		RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query,
		module.Slug,
		module.Name,
		module.Description,
		module.Icon,
		module.SortOrder,
		time.Now().UTC(),
	).Scan(&module.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert module %s: %w", module.Slug, err)
	}
	return nil
}

// GetModuleBySlug retrieves a module by slug
func (s *Store) GetModuleBySlug(ctx context.Context, slug string) (*Module, error) {
	query := `
		SELECT id, slug, name, description, icon, sort_order, created_at
		FROM modules
		WHERE slug = $1
	`

	module, err := scanModule(s.db.QueryRowContext(ctx, query, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("module %s: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get module: %w", err)
	}
	return module, nil
}

// ListModules lists modules in display order
func (s *Store) ListModules(ctx context.Context) ([]Module, error) {
	query := `
		SELECT id, slug, name, description, icon, sort_order, created_at
		FROM modules
		ORDER BY sort_order ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	defer rows.Close()

	var modules []Module
	for rows.Next() {
		module, err := scanModule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan module: %w", err)
		}
		modules = append(modules, *module)
	}

	return modules, rows.Err()
}

const permissionColumns = `p.id, p.module_id, p.slug, p.action, p.name, p.description, p.created_at`

// CreatePermission creates a permission. The action defaults to the part of
// the slug after the module prefix.
func (s *Store) CreatePermission(ctx context.Context, perm *Permission) error {
	if err := preparePermission(perm); err != nil {
		return err
	}

	query := `
		INSERT INTO permissions (module_id, slug, action, name, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query,
		perm.ModuleID,
		perm.Slug,
		perm.Action,
		perm.Name,
		perm.Description,
		now,
	).Scan(&perm.ID)
	if err != nil {
		return fmt.Errorf("failed to create permission: %w", err)
	}

	perm.CreatedAt = now
	return nil
}

// UpsertPermission creates the permission or refreshes its name and description.
// The module and action of an existing slug never change.
func (s *Store) UpsertPermission(ctx context.Context, perm *Permission) error {
	if err := preparePermission(perm); err != nil {
		return err
	}

	query := `
		INSERT INTO permissions (module_id, slug, action, name, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (slug) DO UPDATE
		SET name = EXCLUDED.name, description = EXCLUDED.description
		RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query,
		perm.ModuleID,
		perm.Slug,
		perm.Action,
		perm.Name,
		perm.Description,
		time.Now().UTC(),
	).Scan(&perm.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert permission %s: %w", perm.Slug, err)
	}
	return nil
}

func preparePermission(perm *Permission) error {
	_, action, err := SplitPermissionSlug(perm.Slug)
	if err != nil {
		return err
	}
	if perm.Action == "" {
		perm.Action = action
	}
	if perm.Name == "" {
		perm.Name = perm.Slug
	}
	return nil
}

// GetPermissionBySlug retrieves a permission by slug
func (s *Store) GetPermissionBySlug(ctx context.Context, slug string) (*Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions p WHERE p.slug = $1`

	perm, err := scanPermission(s.db.QueryRowContext(ctx, query, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("permission %s: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return perm, nil
}

// ListPermissions lists every permission ordered by slug
func (s *Store) ListPermissions(ctx context.Context) ([]Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions p ORDER BY p.slug ASC`
	return s.queryPermissions(ctx, query)
}

// RolePermissions lists the permissions granted directly to a role
func (s *Store) RolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	query := `
		SELECT ` + permissionColumns + `
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.slug ASC
	`
	return s.queryPermissions(ctx, query, roleID)
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

// GrantPermission adds a permission to a role. Granting twice is a no-op.
func (s *Store) GrantPermission(ctx context.Context, roleID, permissionID int64) error {
	query := `
		INSERT INTO role_permissions (role_id, permission_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (role_id, permission_id) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, query, roleID, permissionID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to grant permission: %w", err)
	}
	return nil
}

// RevokePermission removes a permission from a role
func (s *Store) RevokePermission(ctx context.Context, roleID, permissionID int64) error {
	query := `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`

	result, err := s.db.ExecContext(ctx, query, roleID, permissionID)
	if err != nil {
		return fmt.Errorf("failed to revoke permission: %w", err)
	}
	return requireAffected(result)
}

// SetRolePermissions replaces the permission set of a role in one transaction
func (s *Store) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("failed to clear role permissions: %w", err)
	}

	now := time.Now().UTC()
	for _, permID := range permissionIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO role_permissions (role_id, permission_id, created_at) VALUES ($1, $2, $3)`,
			roleID, permID, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert role permission: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit role permissions: %w", err)
	}
	return nil
}

// AssignRole assigns a role to a user. A primary assignment clears the
// primary flag on the user's other roles in the same transaction.
func (s *Store) AssignRole(ctx context.Context, ur *UserRole) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if ur.IsPrimary {
		_, err := tx.ExecContext(ctx, `UPDATE user_roles SET is_primary = $1 WHERE user_id = $2`, false, ur.UserID)
		if err != nil {
			return fmt.Errorf("failed to clear primary role: %w", err)
		}
	}

	// unique(user_id, role_id, branch_id) does not cover NULL branches
	_, err = tx.ExecContext(ctx, `
		DELETE FROM user_roles
		WHERE user_id = $1 AND role_id = $2 AND (branch_id = $3 OR (branch_id IS NULL AND $3 IS NULL))
	`, ur.UserID, ur.RoleID, ur.BranchID)
	if err != nil {
		return fmt.Errorf("failed to replace role assignment: %w", err)
	}

	now := time.Now().UTC()
	err = tx.QueryRowContext(ctx, `
		INSERT INTO user_roles (user_id, role_id, branch_id, is_primary, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, ur.UserID, ur.RoleID, ur.BranchID, ur.IsPrimary, now).Scan(&ur.ID)
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit role assignment: %w", err)
	}

	ur.CreatedAt = now
	return nil
}

// RevokeRole removes one role assignment of a user
func (s *Store) RevokeRole(ctx context.Context, userID, userRoleID int64) error {
	query := `DELETE FROM user_roles WHERE id = $1 AND user_id = $2`

	result, err := s.db.ExecContext(ctx, query, userRoleID, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	return requireAffected(result)
}

const userRoleColumns = `ur.id, ur.user_id, ur.role_id, ur.branch_id, ur.is_primary, ur.created_at, ` + roleColumns

// ListUserRoles lists every role assignment of a user, most privileged first
func (s *Store) ListUserRoles(ctx context.Context, userID int64) ([]UserRole, error) {
	query := `
		SELECT ` + userRoleColumns + `
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY r.level ASC, r.id ASC, ur.id ASC
	`
	return s.queryUserRoles(ctx, query, userID)
}

// UserRolesForBranch lists assignments that apply on a branch: those scoped
// to it plus the global ones
func (s *Store) UserRolesForBranch(ctx context.Context, userID, branchID int64) ([]UserRole, error) {
	query := `
		SELECT ` + userRoleColumns + `
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1 AND (ur.branch_id IS NULL OR ur.branch_id = $2)
		ORDER BY r.level ASC, r.id ASC, ur.id ASC
	`
	return s.queryUserRoles(ctx, query, userID, branchID)
}

func (s *Store) queryUserRoles(ctx context.Context, query string, args ...interface{}) ([]UserRole, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get user roles: %w", err)
	}
	defer rows.Close()

	var assignments []UserRole
	for rows.Next() {
		ur, err := scanUserRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user role: %w", err)
		}
		assignments = append(assignments, *ur)
	}

	return assignments, rows.Err()
}

// SetOverride grants or revokes one permission for a user. An existing
// override for the same user, permission and branch is replaced.
func (s *Store) SetOverride(ctx context.Context, up *UserPermission) error {
	perm, err := s.GetPermissionBySlug(ctx, up.Permission)
	if err != nil {
		return err
	}
	up.PermissionID = perm.ID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM user_permissions
		WHERE user_id = $1 AND permission_id = $2 AND (branch_id = $3 OR (branch_id IS NULL AND $3 IS NULL))
	`, up.UserID, up.PermissionID, up.BranchID)
	if err != nil {
		return fmt.Errorf("failed to replace override: %w", err)
	}

	now := time.Now().UTC()
	err = tx.QueryRowContext(ctx, `
		INSERT INTO user_permissions (user_id, permission_id, branch_id, granted, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, up.UserID, up.PermissionID, up.BranchID, up.Granted, now).Scan(&up.ID)
	if err != nil {
		return fmt.Errorf("failed to insert override: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit override: %w", err)
	}

	up.CreatedAt = now
	return nil
}

// DeleteOverride removes the override for a user, permission and branch
func (s *Store) DeleteOverride(ctx context.Context, userID int64, permission string, branchID *int64) error {
	query := `
		DELETE FROM user_permissions
		WHERE user_id = $1
		  AND permission_id = (SELECT id FROM permissions WHERE slug = $2)
		  AND (branch_id = $3 OR (branch_id IS NULL AND $3 IS NULL))
	`

	result, err := s.db.ExecContext(ctx, query, userID, permission, branchID)
	if err != nil {
		return fmt.Errorf("failed to delete override: %w", err)
	}
	return requireAffected(result)
}

const overrideColumns = `up.id, up.user_id, up.permission_id, p.slug, up.branch_id, up.granted, up.created_at`

// FindOverride returns the override that applies to a permission on a branch.
// A branch-specific row beats a global one; with no branch only global rows
// apply. It returns nil when no override exists.
func (s *Store) FindOverride(ctx context.Context, userID int64, permission string, branchID *int64) (*UserPermission, error) {
	var row *sql.Row
	if branchID != nil {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+overrideColumns+`
			FROM user_permissions up
			JOIN permissions p ON p.id = up.permission_id
			WHERE up.user_id = $1 AND p.slug = $2 AND (up.branch_id = $3 OR up.branch_id IS NULL)
			ORDER BY (up.branch_id IS NULL) ASC, up.id DESC
			LIMIT 1
		`, userID, permission, *branchID)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+overrideColumns+`
			FROM user_permissions up
			JOIN permissions p ON p.id = up.permission_id
			WHERE up.user_id = $1 AND p.slug = $2 AND up.branch_id IS NULL
			ORDER BY up.id DESC
			LIMIT 1
		`, userID, permission)
	}

	up, err := scanOverride(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find override: %w", err)
	}
	return up, nil
}

// ListOverrides lists every override of a user
func (s *Store) ListOverrides(ctx context.Context, userID int64) ([]UserPermission, error) {
	query := `
		SELECT ` + overrideColumns + `
		FROM user_permissions up
		JOIN permissions p ON p.id = up.permission_id
		WHERE up.user_id = $1
		ORDER BY p.slug ASC, up.id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}
	defer rows.Close()

	var overrides []UserPermission
	for rows.Next() {
		up, err := scanOverride(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		overrides = append(overrides, *up)
	}

	return overrides, rows.Err()
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanRole scans a role from a database row
func scanRole(row scanner) (*Role, error) {
	var role Role
	var description sql.NullString

	err := row.Scan(
		&role.ID,
		&role.Slug,
		&role.Name,
		&description,
		&role.Level,
		&role.IsSystemRole,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	role.Description = description.String
	role.Kind = ParseRoleSlug(role.Slug)
	return &role, nil
}

func scanUserRole(row scanner) (*UserRole, error) {
	var ur UserRole
	var role Role
	var branchID sql.NullInt64
	var description sql.NullString

	err := row.Scan(
		&ur.ID,
		&ur.UserID,
		&ur.RoleID,
		&branchID,
		&ur.IsPrimary,
		&ur.CreatedAt,
		&role.ID,
		&role.Slug,
		&role.Name,
		&description,
		&role.Level,
		&role.IsSystemRole,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if branchID.Valid {
		id := branchID.Int64
		ur.BranchID = &id
	}
	role.Description = description.String
	role.Kind = ParseRoleSlug(role.Slug)
	ur.Role = &role
	return &ur, nil
}

func scanModule(row scanner) (*Module, error) {
	var m Module
	var description, icon sql.NullString

	if err := row.Scan(&m.ID, &m.Slug, &m.Name, &description, &icon, &m.SortOrder, &m.CreatedAt); err != nil {
		return nil, err
	}

	m.Description = description.String
	m.Icon = icon.String
	return &m, nil
}

func scanPermission(row scanner) (*Permission, error) {
	var p Permission
	var description sql.NullString

	if err := row.Scan(&p.ID, &p.ModuleID, &p.Slug, &p.Action, &p.Name, &description, &p.CreatedAt); err != nil {
		return nil, err
	}

	p.Description = description.String
	return &p, nil
}

func scanOverride(row scanner) (*UserPermission, error) {
	var up UserPermission
	var branchID sql.NullInt64

	err := row.Scan(
		&up.ID,
		&up.UserID,
		&up.PermissionID,
		&up.Permission,
		&branchID,
		&up.Granted,
		&up.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if branchID.Valid {
		id := branchID.Int64
		up.BranchID = &id
	}
	return &up, nil
}
