package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_SeededRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		role  RoleSlug
		has   []string
		lacks []string
	}{
		{RoleBranchAdmin, []string{"students.delete", "fees.refund", "users.create"}, []string{"roles.manage", "accounts.update"}},
		{RoleTeacher, []string{"attendance.mark", "students.update"}, []string{"students.delete", "fees.view"}},
		{RoleStaff, []string{"fees.create", "invoices.create"}, []string{"fees.refund", "attendance.mark"}},
		{RoleStudent, []string{"students.view", "attendance.view"}, []string{"students.update"}},
		{RoleParent, []string{"students.view", "attendance.view"}, []string{"fees.view"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			for _, slug := range tt.has {
				ok, err := f.catalog.HasPermission(ctx, f.roles[tt.role].ID, slug)
				require.NoError(t, err)
				assert.True(t, ok, slug)
			}
			for _, slug := range tt.lacks {
				ok, err := f.catalog.HasPermission(ctx, f.roles[tt.role].ID, slug)
				require.NoError(t, err)
				assert.False(t, ok, slug)
			}
		})
	}

	set, err := f.catalog.PermissionsForRole(ctx, f.roles[RoleSuperAdmin].ID)
	require.NoError(t, err)
	all, err := f.catalog.AllPermissions(ctx)
	require.NoError(t, err)
	assert.Len(t, set, len(all))
}

func TestCatalog_UnknownRoleHasNothing(t *testing.T) {
	f := newFixture(t)
	set, err := f.catalog.PermissionsForRole(context.Background(), 987654)
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestCatalog_PermissionsForRoleReturnsCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.roles[RoleStudent].ID

	set, err := f.catalog.PermissionsForRole(ctx, id)
	require.NoError(t, err)
	set["fees.refund"] = struct{}{}

	ok, err := f.catalog.HasPermission(ctx, id, "fees.refund")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCatalog_VerifyLayering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	findings, err := f.catalog.VerifyLayering(ctx)
	require.NoError(t, err)
	assert.Empty(t, findings, "seeded catalog must be layered")

	perm, err := f.store.GetPermissionBySlug(ctx, "students.delete")
	require.NoError(t, err)
	require.NoError(t, f.store.GrantPermission(ctx, f.roles[RoleStudent].ID, perm.ID))

	findings, err = f.catalog.VerifyLayering(ctx)
	require.NoError(t, err)
	assert.Equal(t, []LayeringFinding{
		{Permission: "students.delete", HeldBy: RoleStudent, MissingFrom: RoleStaff},
		{Permission: "students.delete", HeldBy: RoleStudent, MissingFrom: RoleTeacher},
	}, findings)
	assert.Equal(t, "students.delete held by student but missing from staff", findings[0].String())

	// reporting never corrects the catalog
	ok, err := f.catalog.HasPermission(ctx, f.roles[RoleTeacher].ID, "students.delete")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCatalog_InvalidateAndPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	teacher := f.roles[RoleTeacher].ID

	notified := 0
	f.catalog.OnInvalidate(func() { notified++ })

	ok, err := f.catalog.HasPermission(ctx, teacher, "fees.view")
	require.NoError(t, err)
	require.False(t, ok)

	perm, err := f.store.GetPermissionBySlug(ctx, "fees.view")
	require.NoError(t, err)
	require.NoError(t, f.store.GrantPermission(ctx, teacher, perm.ID))

	ok, err = f.catalog.HasPermission(ctx, teacher, "fees.view")
	require.NoError(t, err)
	assert.False(t, ok, "cached set is served until invalidated")

	f.catalog.Purge()
	assert.Equal(t, 0, notified, "purge stays local")
	ok, err = f.catalog.HasPermission(ctx, teacher, "fees.view")
	require.NoError(t, err)
	assert.True(t, ok)

	f.catalog.Invalidate()
	assert.Equal(t, 1, notified)
}

func TestCatalog_CustomRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	librarian := &Role{Slug: "librarian", Name: "Librarian", Level: 4, IsSystemRole: true}
	require.NoError(t, f.catalog.CreateRole(ctx, librarian))
	assert.NotZero(t, librarian.ID)
	assert.False(t, librarian.IsSystemRole)
	assert.Equal(t, RoleCustom, librarian.Kind)

	require.NoError(t, f.catalog.GrantPermissionToRole(ctx, librarian.ID, "reports.view"))
	ok, err := f.catalog.HasPermission(ctx, librarian.ID, "reports.view")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.catalog.RevokePermissionFromRole(ctx, librarian.ID, "reports.view"))
	ok, err = f.catalog.HasPermission(ctx, librarian.ID, "reports.view")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, f.catalog.RevokePermissionFromRole(ctx, librarian.ID, "reports.view"), ErrNotFound)
	assert.ErrorIs(t, f.catalog.GrantPermissionToRole(ctx, librarian.ID, "library.lend"), ErrNotFound)

	require.NoError(t, f.catalog.DeleteRole(ctx, librarian.ID))
	_, err = f.catalog.GetRole(ctx, librarian.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalog_CreateRoleValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		role Role
		err  error
	}{
		{"system slug", Role{Slug: "teacher", Name: "Teacher", Level: 3}, ErrSystemRole},
		{"system slug any case", Role{Slug: " Super-Admin ", Name: "Root", Level: 1}, ErrSystemRole},
		{"missing slug", Role{Name: "Nameless", Level: 4}, ErrInvalidRole},
		{"missing name", Role{Slug: "clerk", Level: 4}, ErrInvalidRole},
		{"zero level", Role{Slug: "clerk", Name: "Clerk"}, ErrInvalidRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role := tt.role
			assert.ErrorIs(t, f.catalog.CreateRole(ctx, &role), tt.err)
		})
	}
}

func TestCatalog_SystemRolesImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for kind, role := range f.roles {
		assert.ErrorIs(t, f.catalog.GrantPermissionToRole(ctx, role.ID, "fees.refund"), ErrSystemRole, kind)
		assert.ErrorIs(t, f.catalog.RevokePermissionFromRole(ctx, role.ID, "students.view"), ErrSystemRole, kind)
		assert.ErrorIs(t, f.catalog.DeleteRole(ctx, role.ID), ErrSystemRole, kind)
	}

	findings, err := f.catalog.VerifyLayering(ctx)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestCatalog_CreatePermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	module := &Module{Slug: "library", Name: "Library", SortOrder: 40}
	require.NoError(t, f.catalog.CreateModule(ctx, module))

	perm := &Permission{Slug: "library.lend"}
	require.NoError(t, f.catalog.CreatePermission(ctx, "library", perm))
	assert.Equal(t, "lend", perm.Action)
	assert.Equal(t, module.ID, perm.ModuleID)

	all, err := f.catalog.AllPermissions(ctx)
	require.NoError(t, err)
	var slugs []string
	for _, p := range all {
		slugs = append(slugs, p.Slug)
	}
	assert.Contains(t, slugs, "library.lend")

	assert.ErrorIs(t, f.catalog.CreatePermission(ctx, "library", &Permission{Slug: "fees.lend"}), ErrInvalidSlug)
	assert.ErrorIs(t, f.catalog.CreatePermission(ctx, "library", &Permission{Slug: "library"}), ErrInvalidSlug)
	assert.ErrorIs(t, f.catalog.CreatePermission(ctx, "nowhere", &Permission{Slug: "nowhere.go"}), ErrNotFound)
}
