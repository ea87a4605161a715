package rbac

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed seed/catalog.yaml
var defaultSeed []byte

// ErrInvalidSeed is returned for a seed catalog that cannot be applied
var ErrInvalidSeed = errors.New("invalid seed catalog")

// Seed is the declarative catalog of modules, permissions and system roles
type Seed struct {
	Version string       `yaml:"version"`
	Modules []SeedModule `yaml:"modules"`
	Roles   []SeedRole   `yaml:"roles"`
}

// SeedModule declares a module and its actions
type SeedModule struct {
	Slug        string           `yaml:"slug"`
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Icon        string           `yaml:"icon"`
	SortOrder   int              `yaml:"sort_order"`
	Permissions []SeedPermission `yaml:"permissions"`
}

// SeedPermission declares one action of a module
type SeedPermission struct {
	Action      string `yaml:"action"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// SeedRole declares a system role. Permissions are exact slugs,
// "module.*" or "*".
type SeedRole struct {
	Slug        string   `yaml:"slug"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Level       int      `yaml:"level"`
	Permissions []string `yaml:"permissions"`
}

// SeedResult counts what ApplySeed wrote
type SeedResult struct {
	Modules     int `json:"modules"`
	Permissions int `json:"permissions"`
	Roles       int `json:"roles"`
}

// DefaultSeed returns the embedded catalog
func DefaultSeed() (*Seed, error) {
	return ParseSeed(defaultSeed)
}

// LoadSeed reads a catalog from path, or the embedded one when path is empty
func LoadSeed(path string) (*Seed, error) {
	if path == "" {
		return DefaultSeed()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed catalog: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates a YAML catalog
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// Validate checks slugs, levels and that every role pattern matches a
// declared permission
func (s *Seed) Validate() error {
	modules := make(map[string]struct{})
	perms := make(map[string]struct{})
	for _, m := range s.Modules {
		if m.Slug == "" || strings.Contains(m.Slug, ".") {
			return fmt.Errorf("%w: module slug %q", ErrInvalidSeed, m.Slug)
		}
		if _, dup := modules[m.Slug]; dup {
			return fmt.Errorf("%w: duplicate module %s", ErrInvalidSeed, m.Slug)
		}
		modules[m.Slug] = struct{}{}

		for _, p := range m.Permissions {
			slug := m.Slug + "." + p.Action
			if _, _, err := SplitPermissionSlug(slug); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidSeed, err)
			}
			if _, dup := perms[slug]; dup {
				return fmt.Errorf("%w: duplicate permission %s", ErrInvalidSeed, slug)
			}
			perms[slug] = struct{}{}
		}
	}

	roles := make(map[string]struct{})
	for _, r := range s.Roles {
		if !ParseRoleSlug(r.Slug).IsSystem() {
			return fmt.Errorf("%w: %q is not a system role", ErrInvalidSeed, r.Slug)
		}
		if _, dup := roles[r.Slug]; dup {
			return fmt.Errorf("%w: duplicate role %s", ErrInvalidSeed, r.Slug)
		}
		roles[r.Slug] = struct{}{}
		if r.Level <= 0 {
			return fmt.Errorf("%w: role %s needs a positive level", ErrInvalidSeed, r.Slug)
		}
		for _, pattern := range r.Permissions {
			if len(s.expand(pattern)) == 0 {
				return fmt.Errorf("%w: role %s pattern %q matches nothing", ErrInvalidSeed, r.Slug, pattern)
			}
		}
	}
	return nil
}

// PermissionSlugs returns every declared permission, sorted
func (s *Seed) PermissionSlugs() []string {
	return s.expand("*")
}

// RolePermissions returns the expanded permission slugs of a role
func (s *Seed) RolePermissions(role SeedRole) []string {
	set := make(PermissionSet)
	for _, pattern := range role.Permissions {
		for _, slug := range s.expand(pattern) {
			set[slug] = struct{}{}
		}
	}
	return set.Slice()
}

func (s *Seed) expand(pattern string) []string {
	var out []string
	for _, m := range s.Modules {
		for _, p := range m.Permissions {
			slug := m.Slug + "." + p.Action
			switch {
			case pattern == "*":
			case strings.HasSuffix(pattern, ".*") && strings.TrimSuffix(pattern, ".*") == m.Slug:
			case pattern == slug:
			default:
				continue
			}
			out = append(out, slug)
		}
	}
	sort.Strings(out)
	return out
}

// ApplySeed upserts the catalog and replaces the permission set of every
// seeded role. Applying the same seed twice changes nothing. Callers must
// invalidate the catalog afterwards.
func ApplySeed(ctx context.Context, store *Store, seed *Seed) (*SeedResult, error) {
	result := &SeedResult{}
	ids := make(map[string]int64)

	for _, sm := range seed.Modules {
		module := &Module{
			Slug:        sm.Slug,
			Name:        sm.Name,
			Description: sm.Description,
			Icon:        sm.Icon,
			SortOrder:   sm.SortOrder,
		}
		if err := store.UpsertModule(ctx, module); err != nil {
			return nil, err
		}
		result.Modules++

		for _, sp := range sm.Permissions {
			perm := &Permission{
				ModuleID:    module.ID,
				Slug:        sm.Slug + "." + sp.Action,
				Action:      sp.Action,
				Name:        sp.Name,
				Description: sp.Description,
			}
			if err := store.UpsertPermission(ctx, perm); err != nil {
				return nil, err
			}
			ids[perm.Slug] = perm.ID
			result.Permissions++
		}
	}

	for _, sr := range seed.Roles {
		role := &Role{
			Slug:         sr.Slug,
			Name:         sr.Name,
			Description:  sr.Description,
			Level:        sr.Level,
			IsSystemRole: true,
		}
		if err := store.UpsertRole(ctx, role); err != nil {
			return nil, err
		}

		slugs := seed.RolePermissions(sr)
		permIDs := make([]int64, 0, len(slugs))
		for _, slug := range slugs {
			permIDs = append(permIDs, ids[slug])
		}
		if err := store.SetRolePermissions(ctx, role.ID, permIDs); err != nil {
			return nil, fmt.Errorf("failed to seed permissions of %s: %w", sr.Slug, err)
		}
		result.Roles++
	}

	return result, nil
}
