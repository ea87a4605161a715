package rbac

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/platinummonkey/campus/pkg/auth"
	"github.com/platinummonkey/campus/pkg/branches"
	"github.com/platinummonkey/campus/pkg/cache"
	"github.com/stretchr/testify/require"
)

const testSchema = `
	CREATE TABLE branches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		code TEXT NOT NULL UNIQUE,
		parent_branch_id INTEGER REFERENCES branches(id),
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		email TEXT,
		full_name TEXT,
		branch_id INTEGER,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		last_login_at TIMESTAMP
	);

	CREATE TABLE roles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slug TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT,
		level INTEGER NOT NULL,
		is_system_role BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE modules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slug TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT,
		icon TEXT,
		sort_order INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE permissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		module_id INTEGER NOT NULL REFERENCES modules(id) ON DELETE CASCADE,
		slug TEXT NOT NULL UNIQUE,
		action TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE role_permissions (
		role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		permission_id INTEGER NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (role_id, permission_id)
	);

	CREATE TABLE user_roles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		branch_id INTEGER REFERENCES branches(id) ON DELETE CASCADE,
		is_primary BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX idx_user_roles_unique ON user_roles(user_id, role_id, COALESCE(branch_id, 0));

	CREATE TABLE user_permissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		permission_id INTEGER NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
		branch_id INTEGER REFERENCES branches(id) ON DELETE CASCADE,
		granted BOOLEAN NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
`

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// every pooled connection would otherwise get its own in-memory database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(testSchema); err != nil {
		t.Fatalf("Failed to create tables: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// fixture is a seeded campus with the tree
//
//	hq
//	├── north
//	│   └── north-east
//	└── south
type fixture struct {
	db        *sql.DB
	store     *Store
	catalog   *Catalog
	resolver  *Resolver
	engine    *Engine
	branches  *branches.Service
	branchDB  *branches.Store
	users     *auth.UserStore
	roles     map[RoleSlug]*Role
	hq        *branches.Branch
	north     *branches.Branch
	northEast *branches.Branch
	south     *branches.Branch
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db := setupTestDB(t)
	cfg := &cache.Config{Name: "test", TTL: time.Minute, MaxEntries: 128}

	f := &fixture{
		db:       db,
		store:    NewStore(db),
		branchDB: branches.NewStore(db),
		users:    auth.NewUserStore(db),
		roles:    make(map[RoleSlug]*Role),
	}
	f.branches = branches.NewService(f.branchDB, cfg)
	f.catalog = NewCatalog(f.store, cfg)
	f.resolver = NewResolver(f.store, nil)
	f.engine = NewEngine(f.users, f.branches, f.store, f.catalog, f.resolver)

	seed, err := DefaultSeed()
	require.NoError(t, err)
	_, err = ApplySeed(ctx, f.store, seed)
	require.NoError(t, err)

	roles, err := f.store.ListRoles(ctx)
	require.NoError(t, err)
	for i := range roles {
		f.roles[roles[i].Kind] = &roles[i]
	}

	f.hq = f.branch(t, "hq", nil)
	f.north = f.branch(t, "north", &f.hq.ID)
	f.northEast = f.branch(t, "north-east", &f.north.ID)
	f.south = f.branch(t, "south", &f.hq.ID)
	return f
}

func (f *fixture) branch(t *testing.T, code string, parent *int64) *branches.Branch {
	t.Helper()
	b := &branches.Branch{Name: code, Code: code, ParentBranchID: parent}
	require.NoError(t, f.branches.Create(context.Background(), b))
	return b
}

func (f *fixture) user(t *testing.T, name string, home *branches.Branch) *auth.User {
	t.Helper()
	u := &auth.User{Username: name, IsActive: true}
	if home != nil {
		u.BranchID = &home.ID
	}
	require.NoError(t, f.users.Create(context.Background(), u))
	return u
}

func (f *fixture) assign(t *testing.T, u *auth.User, role RoleSlug, branch *branches.Branch) {
	t.Helper()
	ur := &UserRole{UserID: u.ID, RoleID: f.roles[role].ID}
	if branch != nil {
		ur.BranchID = &branch.ID
	}
	require.NoError(t, f.store.AssignRole(context.Background(), ur))
}

func (f *fixture) override(t *testing.T, u *auth.User, permission string, granted bool, branch *branches.Branch) {
	t.Helper()
	up := &UserPermission{UserID: u.ID, Permission: permission, Granted: granted}
	if branch != nil {
		up.BranchID = &branch.ID
	}
	require.NoError(t, f.store.SetOverride(context.Background(), up))
}

func (f *fixture) authorize(t *testing.T, u *auth.User, permission string, branch *branches.Branch) Decision {
	t.Helper()
	req := AccessRequest{UserID: u.ID, Permission: permission}
	if branch != nil {
		req.BranchID = &branch.ID
	}
	d, err := f.engine.Authorize(context.Background(), req)
	require.NoError(t, err)
	return d
}

func ptr(id int64) *int64 {
	return &id
}
