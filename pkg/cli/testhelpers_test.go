package cli

import (
	"bytes"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
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

	CREATE TABLE api_tokens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token_hash TEXT NOT NULL UNIQUE,
		token_prefix TEXT NOT NULL,
		name TEXT NOT NULL,
		expires_at TIMESTAMP,
		last_used_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		revoked_at TIMESTAMP,
		revoke_reason TEXT
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

// testEnv runs commands against a sqlite file that outlives each command's
// own connection
type testEnv struct {
	*Env
	out *bytes.Buffer
	dsn string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("CAMPUS_POSTGRES_URL", "")

	dsn := filepath.Join(t.TempDir(), "campus.db")
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	log := logrus.New()
	log.SetOutput(&bytes.Buffer{})

	out := &bytes.Buffer{}
	return &testEnv{
		Env: &Env{
			Out: out,
			Log: log,
			OpenDB: func(_, dsn string) (*sql.DB, error) {
				db, err := sql.Open("sqlite3", dsn)
				if err != nil {
					return nil, err
				}
				db.SetMaxOpenConns(1)
				return db, nil
			},
		},
		out: out,
		dsn: dsn,
	}
}

// run executes one command line and returns what it printed
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	e.out.Reset()
	if len(args) > 0 {
		args = append([]string{args[0], "--db", e.dsn}, args[1:]...)
	}
	err := NewRootCommand(e.Env).Execute(args)
	return e.out.String(), err
}

func (e *testEnv) open(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", e.dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}
