package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/platinummonkey/campus/pkg/cache"
)

const allPermissionsKey = "all"

// Catalog answers which permissions a role holds. Each role's set is read
// directly from role_permissions; roles never inherit from each other.
type Catalog struct {
	store *Store
	roles *cache.ReadThrough[int64, PermissionSet]
	all   *cache.ReadThrough[string, []Permission]

	mu        sync.RWMutex
	listeners []func()
}

// NewCatalog creates a permission catalog. A nil config uses cache defaults.
func NewCatalog(store *Store, config *cache.Config) *Catalog {
	if config == nil {
		config = cache.DefaultConfig("catalog")
	}

	c := &Catalog{store: store}
	c.roles = cache.NewReadThrough[int64, PermissionSet](config, c.loadRole)

	allConfig := *config
	allConfig.Name = config.Name + "_all"
	c.all = cache.NewReadThrough[string, []Permission](&allConfig, func(ctx context.Context, _ string) ([]Permission, error) {
		return store.ListPermissions(ctx)
	})

	return c
}

// WithRecorder reports cache hits and misses to r
func (c *Catalog) WithRecorder(r cache.Recorder) *Catalog {
	c.roles.WithRecorder(r)
	c.all.WithRecorder(r)
	return c
}

func (c *Catalog) loadRole(ctx context.Context, roleID int64) (PermissionSet, error) {
	perms, err := c.store.RolePermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}

	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p.Slug] = struct{}{}
	}
	return set, nil
}

// PermissionsForRole returns the slugs granted to a role. An unknown role has
// an empty set.
func (c *Catalog) PermissionsForRole(ctx context.Context, roleID int64) (PermissionSet, error) {
	set, err := c.roles.Get(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return set.clone(), nil
}

// HasPermission reports whether a role is granted slug
func (c *Catalog) HasPermission(ctx context.Context, roleID int64, slug string) (bool, error) {
	set, err := c.roles.Get(ctx, roleID)
	if err != nil {
		return false, err
	}
	return set.Contains(slug), nil
}

// AllPermissions returns every permission in the catalog
func (c *Catalog) AllPermissions(ctx context.Context) ([]Permission, error) {
	perms, err := c.all.Get(ctx, allPermissionsKey)
	if err != nil {
		return nil, err
	}
	return append([]Permission(nil), perms...), nil
}

// ListRoles lists all roles
func (c *Catalog) ListRoles(ctx context.Context) ([]Role, error) {
	return c.store.ListRoles(ctx)
}

// GetRole retrieves a role by id
func (c *Catalog) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	return c.store.GetRole(ctx, roleID)
}

// DeleteRole deletes a custom role and invalidates the catalog
func (c *Catalog) DeleteRole(ctx context.Context, roleID int64) error {
	if err := c.store.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// CreateModule creates a module
func (c *Catalog) CreateModule(ctx context.Context, module *Module) error {
	if err := c.store.CreateModule(ctx, module); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// ListModules lists modules in display order
func (c *Catalog) ListModules(ctx context.Context) ([]Module, error) {
	return c.store.ListModules(ctx)
}

// CreatePermission creates a permission under moduleSlug
func (c *Catalog) CreatePermission(ctx context.Context, moduleSlug string, perm *Permission) error {
	module, err := c.store.GetModuleBySlug(ctx, moduleSlug)
	if err != nil {
		return err
	}
	prefix, _, err := SplitPermissionSlug(perm.Slug)
	if err != nil {
		return err
	}
	if prefix != module.Slug {
		return fmt.Errorf("permission %s does not belong to module %s: %w", perm.Slug, module.Slug, ErrInvalidSlug)
	}

	perm.ModuleID = module.ID
	if err := c.store.CreatePermission(ctx, perm); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// ListPermissions lists every permission
func (c *Catalog) ListPermissions(ctx context.Context) ([]Permission, error) {
	return c.AllPermissions(ctx)
}

// CreateRole creates a custom role. System slugs belong to the seed catalog.
func (c *Catalog) CreateRole(ctx context.Context, role *Role) error {
	if ParseRoleSlug(role.Slug).IsSystem() {
		return fmt.Errorf("role %s: %w", role.Slug, ErrSystemRole)
	}
	if role.Slug == "" || role.Name == "" || role.Level <= 0 {
		return fmt.Errorf("role needs a slug, a name and a positive level: %w", ErrInvalidRole)
	}
	role.IsSystemRole = false
	if err := c.store.CreateRole(ctx, role); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

func (c *Catalog) mutableRole(ctx context.Context, roleID int64) error {
	role, err := c.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystemRole || role.IsSuperAdmin() {
		return fmt.Errorf("role %s: %w", role.Slug, ErrSystemRole)
	}
	return nil
}

// GrantPermissionToRole grants slug to a custom role
func (c *Catalog) GrantPermissionToRole(ctx context.Context, roleID int64, slug string) error {
	if err := c.mutableRole(ctx, roleID); err != nil {
		return err
	}
	perm, err := c.store.GetPermissionBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if err := c.store.GrantPermission(ctx, roleID, perm.ID); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// RevokePermissionFromRole removes slug from a custom role
func (c *Catalog) RevokePermissionFromRole(ctx context.Context, roleID int64, slug string) error {
	if err := c.mutableRole(ctx, roleID); err != nil {
		return err
	}
	perm, err := c.store.GetPermissionBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if err := c.store.RevokePermission(ctx, roleID, perm.ID); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// VerifyLayering reports every permission held by a system role but missing
// from a system role with a strictly lower level. Nothing is corrected.
func (c *Catalog) VerifyLayering(ctx context.Context) ([]LayeringFinding, error) {
	roles, err := c.store.ListRoles(ctx)
	if err != nil {
		return nil, err
	}

	var system []Role
	sets := make(map[int64]PermissionSet)
	for _, role := range roles {
		if !role.IsSystemRole || role.Kind == RoleCustom {
			continue
		}
		set, err := c.loadRole(ctx, role.ID)
		if err != nil {
			return nil, err
		}
		system = append(system, role)
		sets[role.ID] = set
	}

	var findings []LayeringFinding
	for _, lower := range system {
		for _, higher := range system {
			if higher.Level >= lower.Level {
				continue
			}
			for slug := range sets[lower.ID] {
				if !sets[higher.ID].Contains(slug) {
					findings = append(findings, LayeringFinding{
						Permission:  slug,
						HeldBy:      lower.Kind,
						MissingFrom: higher.Kind,
					})
				}
			}
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.MissingFrom != b.MissingFrom {
			return a.MissingFrom < b.MissingFrom
		}
		if a.HeldBy != b.HeldBy {
			return a.HeldBy < b.HeldBy
		}
		return a.Permission < b.Permission
	})
	return findings, nil
}

// OnInvalidate registers fn to run after every local write invalidation
func (c *Catalog) OnInvalidate(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Invalidate purges the caches and notifies listeners
func (c *Catalog) Invalidate() {
	c.Purge()

	c.mu.RLock()
	listeners := append([]func(){}, c.listeners...)
	c.mu.RUnlock()

	for _, fn := range listeners {
		fn()
	}
}

// Purge drops cached state without notifying listeners
func (c *Catalog) Purge() {
	c.roles.Purge()
	c.all.Purge()
}
