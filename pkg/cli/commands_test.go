package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/platinummonkey/campus/pkg/auth"
	"github.com/platinummonkey/campus/pkg/rbac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSeed_DryRun(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "seed", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "catalog ok: 11 modules")
	assert.Contains(t, out, "6 roles")

	var count int
	require.NoError(t, env.open(t).QueryRow("SELECT COUNT(*) FROM roles").Scan(&count))
	assert.Zero(t, count, "a dry run writes nothing")
}

func TestSeed_ThenVerify(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "seed")
	require.NoError(t, err)
	assert.Contains(t, out, "applied: 11 modules")
	assert.NotContains(t, out, "layering:")

	out, err = env.run(t, "verify", "--strict")
	require.NoError(t, err)
	assert.Equal(t, "layering ok\n", out)
}

func TestSeed_FileWithLayeringViolation(t *testing.T) {
	env := newTestEnv(t)

	seed, err := rbac.DefaultSeed()
	require.NoError(t, err)
	for i := range seed.Roles {
		if seed.Roles[i].Slug == string(rbac.RoleStudent) {
			seed.Roles[i].Permissions = append(seed.Roles[i].Permissions, "students.delete")
		}
	}
	data, err := yaml.Marshal(seed)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	out, err := env.run(t, "seed", "--file", path)
	require.NoError(t, err, "violations are reported, not refused")
	assert.Contains(t, out, "layering: students.delete held by student but missing from staff")

	_, err = env.run(t, "verify")
	require.NoError(t, err)

	out, err = env.run(t, "verify", "--strict")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "layering violations")
	assert.Contains(t, out, "missing from teacher")
}

func TestSeed_InvalidFile(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("roles:\n  - {slug: janitor, level: 4}\n"), 0o644))

	_, err := env.run(t, "seed", "--file", path, "--dry-run")
	assert.ErrorIs(t, err, rbac.ErrInvalidSeed)
}

func TestBootstrap(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "bootstrap", "--username", "root")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run seed first")

	_, err = env.run(t, "seed")
	require.NoError(t, err)

	out, err := env.run(t, "bootstrap", "--username", "root", "--email", "root@example.com")
	require.NoError(t, err)
	token := field(t, out, "token")

	ac, err := auth.NewTokenManager(env.open(t)).Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "root", ac.User.Username)

	out, err = env.run(t, "check", "--user", field(t, out, "user_id"), "--permission", "fees.refund", "--branch", "4242")
	require.NoError(t, err)
	assert.Contains(t, out, "ALLOW user=1 permission=fees.refund branch=4242")
	assert.Contains(t, out, "allowed by super_admin")

	_, err = env.run(t, "bootstrap")
	assert.EqualError(t, err, "--username is required")
}

func TestCheck(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "seed")
	require.NoError(t, err)

	ctx := context.Background()
	db := env.open(t)
	teacher := &auth.User{Username: "teacher", IsActive: true}
	require.NoError(t, auth.NewUserStore(db).Create(ctx, teacher))
	store := rbac.NewStore(db)
	role, err := store.GetRoleBySlug(ctx, string(rbac.RoleTeacher))
	require.NoError(t, err)
	require.NoError(t, store.AssignRole(ctx, &rbac.UserRole{UserID: teacher.ID, RoleID: role.ID}))

	t.Run("permission allowed", func(t *testing.T) {
		out, err := env.run(t, "check", "--user", "1", "--permission", "attendance.mark")
		require.NoError(t, err)
		assert.Equal(t, "ALLOW user=1 permission=attendance.mark roles=teacher: allowed by role_permission\n", out)
	})

	t.Run("permission missing", func(t *testing.T) {
		out, err := env.run(t, "check", "--user", "1", "--permission", "fees.refund")
		require.NoError(t, err)
		assert.Equal(t, "DENY user=1 permission=fees.refund: Insufficient permission\n", out)
	})

	t.Run("unknown user", func(t *testing.T) {
		out, err := env.run(t, "check", "--user", "99", "--permission", "students.view")
		require.NoError(t, err)
		assert.Contains(t, out, "DENY user=99")
		assert.Contains(t, out, "Unauthorized")
	})

	t.Run("roles", func(t *testing.T) {
		out, err := env.run(t, "check", "--user", "1", "--roles", "staff, teacher")
		require.NoError(t, err)
		assert.Contains(t, out, "ALLOW user=1")
		assert.Contains(t, out, "allowed by role_list")
	})

	t.Run("active branch without home", func(t *testing.T) {
		out, err := env.run(t, "check", "--user", "1")
		require.NoError(t, err)
		assert.Contains(t, out, "allowed by active_branch")
	})

	t.Run("json", func(t *testing.T) {
		out, err := env.run(t, "check", "--user", "1", "--permission", "fees.refund", "--json")
		require.NoError(t, err)
		var d rbac.Decision
		require.NoError(t, json.Unmarshal([]byte(out), &d))
		assert.False(t, d.Allowed)
		assert.Equal(t, rbac.KindInsufficientPermission, d.Kind)
	})

	t.Run("flag validation", func(t *testing.T) {
		_, err := env.run(t, "check", "--permission", "students.view")
		assert.EqualError(t, err, "--user is required")

		_, err = env.run(t, "check", "--user", "1", "--permission", "students.view", "--roles", "teacher")
		assert.EqualError(t, err, "--permission and --roles are mutually exclusive")
	})
}

func TestToken(t *testing.T) {
	env := newTestEnv(t)

	db := env.open(t)
	user := &auth.User{Username: "clerk", IsActive: true}
	require.NoError(t, auth.NewUserStore(db).Create(context.Background(), user))

	out, err := env.run(t, "token", "--user", "1", "--name", "laptop", "--ttl", "1h")
	require.NoError(t, err)
	ac, err := auth.NewTokenManager(db).Authenticate(context.Background(), field(t, out, "token"))
	require.NoError(t, err)
	assert.Equal(t, user.ID, ac.User.ID)

	_, err = env.run(t, "token", "--user", "7")
	assert.ErrorIs(t, err, auth.ErrUserNotFound)

	require.NoError(t, auth.NewUserStore(db).SetActive(context.Background(), user.ID, false))
	_, err = env.run(t, "token", "--user", "1")
	assert.EqualError(t, err, "user 1 is inactive")
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	env := newTestEnv(t)
	env.OpenDB = func(driver, dsn string) (*sql.DB, error) {
		assert.Equal(t, "postgres", driver)
		return db, nil
	}

	rows := sqlmock.NewRows([]string{"version"})
	for _, m := range rbac.GetMigrations() {
		rows.AddRow(m.Version)
	}
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS campus_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM campus_migrations")).WillReturnRows(rows)
	mock.ExpectClose()

	out, err := env.run(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema is current")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// field extracts "name: value" from command output
func field(t *testing.T, out, name string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, name+": "); ok {
			return v
		}
	}
	t.Fatalf("no %s in output %q", name, out)
	return ""
}
