package rbac

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// RoleSlug identifies a system role. Stored slugs are resolved to a RoleSlug
// once at the store boundary; anything that is not a system role is RoleCustom.
type RoleSlug string

const (
	RoleSuperAdmin  RoleSlug = "super-admin"
	RoleBranchAdmin RoleSlug = "branch-admin"
	RoleTeacher     RoleSlug = "teacher"
	RoleStaff       RoleSlug = "staff"
	RoleStudent     RoleSlug = "student"
	RoleParent      RoleSlug = "parent"
	RoleCustom      RoleSlug = "custom"
)

var systemRoles = map[RoleSlug]struct{}{
	RoleSuperAdmin:  {},
	RoleBranchAdmin: {},
	RoleTeacher:     {},
	RoleStaff:       {},
	RoleStudent:     {},
	RoleParent:      {},
}

// ParseRoleSlug maps a stored slug onto the closed set of role kinds
func ParseRoleSlug(slug string) RoleSlug {
	s := RoleSlug(strings.ToLower(strings.TrimSpace(slug)))
	if _, ok := systemRoles[s]; ok {
		return s
	}
	return RoleCustom
}

// IsSystem reports whether r names a seeded system role
func (r RoleSlug) IsSystem() bool {
	_, ok := systemRoles[r]
	return ok
}

// Role is a named bundle of permissions. Lower Level means more privilege.
type Role struct {
	ID           int64     `json:"id"`
	Slug         string    `json:"slug"`
	Kind         RoleSlug  `json:"kind"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Level        int       `json:"level"`
	IsSystemRole bool      `json:"is_system_role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsSuperAdmin reports whether the role bypasses scope and permission checks
func (r Role) IsSuperAdmin() bool {
	return r.Kind == RoleSuperAdmin
}

// Module groups related permissions for display
type Module struct {
	ID          int64     `json:"id"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Icon        string    `json:"icon,omitempty"`
	SortOrder   int       `json:"sort_order"`
	CreatedAt   time.Time `json:"created_at"`
}

// Permission is a single grantable capability named module.action
type Permission struct {
	ID          int64     `json:"id"`
	ModuleID    int64     `json:"module_id"`
	Slug        string    `json:"slug"`
	Action      string    `json:"action"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ErrInvalidSlug is returned for a permission slug not shaped like module.action
var ErrInvalidSlug = errors.New("permission slug must be module.action")

// SplitPermissionSlug splits a module.action slug
func SplitPermissionSlug(slug string) (module, action string, err error) {
	module, action, ok := strings.Cut(slug, ".")
	if !ok || module == "" || action == "" || strings.Contains(action, ".") {
		return "", "", fmt.Errorf("%q: %w", slug, ErrInvalidSlug)
	}
	return module, action, nil
}

// PermissionSet is a set of permission slugs
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from slugs
func NewPermissionSet(slugs ...string) PermissionSet {
	s := make(PermissionSet, len(slugs))
	for _, slug := range slugs {
		s[slug] = struct{}{}
	}
	return s
}

// Contains reports whether slug is in the set
func (s PermissionSet) Contains(slug string) bool {
	_, ok := s[slug]
	return ok
}

// Slice returns the slugs sorted
func (s PermissionSet) Slice() []string {
	out := make([]string, 0, len(s))
	for slug := range s {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

func (s PermissionSet) clone() PermissionSet {
	c := make(PermissionSet, len(s))
	for slug := range s {
		c[slug] = struct{}{}
	}
	return c
}

// UserRole assigns a role to a user, optionally scoped to one branch.
// A nil BranchID is a global grant.
type UserRole struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	RoleID    int64     `json:"role_id"`
	BranchID  *int64    `json:"branch_id,omitempty"`
	IsPrimary bool      `json:"is_primary"`
	CreatedAt time.Time `json:"created_at"`
	Role      *Role     `json:"role,omitempty"`
}

// UserPermission is a per-user grant or revoke of one permission.
// A nil BranchID applies to every branch.
type UserPermission struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	PermissionID int64     `json:"permission_id"`
	Permission   string    `json:"permission"`
	BranchID     *int64    `json:"branch_id,omitempty"`
	Granted      bool      `json:"granted"`
	CreatedAt    time.Time `json:"created_at"`
}

// AccessRequest asks whether a user may use a permission, optionally on a branch
type AccessRequest struct {
	UserID     int64  `json:"user_id"`
	Permission string `json:"permission"`
	BranchID   *int64 `json:"branch_id,omitempty"`
}

// LayeringFinding is a permission held by a less privileged system role but
// missing from a more privileged one
type LayeringFinding struct {
	Permission  string   `json:"permission"`
	HeldBy      RoleSlug `json:"held_by"`
	MissingFrom RoleSlug `json:"missing_from"`
}

func (f LayeringFinding) String() string {
	return fmt.Sprintf("%s held by %s but missing from %s", f.Permission, f.HeldBy, f.MissingFrom)
}
