package rbac

import (
	"context"

	"github.com/platinummonkey/campus/pkg/observability"
)

// PrimaryFallback selects a primary role when no assignment is flagged primary
type PrimaryFallback string

// PrimaryFallbackLowestLevel picks the most privileged assigned role, ties
// broken by the lowest role id
const PrimaryFallbackLowestLevel PrimaryFallback = "lowest_level"

// Resolver maps users to their roles
type Resolver struct {
	store    *Store
	logger   *observability.Logger
	fallback PrimaryFallback
}

// NewResolver creates a role resolver
func NewResolver(store *Store, logger *observability.Logger) *Resolver {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Resolver{
		store:    store,
		logger:   logger.WithField("component", "rbac.resolver"),
		fallback: PrimaryFallbackLowestLevel,
	}
}

// EffectiveRoles returns the distinct roles of a user, most privileged first.
// With a branch id only roles scoped to that branch or unscoped are included.
func (r *Resolver) EffectiveRoles(ctx context.Context, userID int64, branchID *int64) ([]Role, error) {
	var (
		assignments []UserRole
		err         error
	)
	if branchID != nil {
		assignments, err = r.store.UserRolesForBranch(ctx, userID, *branchID)
	} else {
		assignments, err = r.store.ListUserRoles(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{}, len(assignments))
	roles := make([]Role, 0, len(assignments))
	for _, ur := range assignments {
		if _, ok := seen[ur.RoleID]; ok {
			continue
		}
		seen[ur.RoleID] = struct{}{}
		roles = append(roles, *ur.Role)
	}
	return roles, nil
}

// PrimaryRole returns the role flagged primary. When none is flagged the
// fallback policy picks one and a warning is logged. A user without roles
// yields ErrNoRoles.
func (r *Resolver) PrimaryRole(ctx context.Context, userID int64) (*Role, error) {
	assignments, err := r.store.ListUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(assignments) == 0 {
		return nil, ErrNoRoles
	}

	for _, ur := range assignments {
		if ur.IsPrimary {
			return ur.Role, nil
		}
	}

	// assignments are ordered by level then role id
	picked := assignments[0].Role
	r.logger.WithFields(map[string]interface{}{
		"user_id":  userID,
		"role":     picked.Slug,
		"fallback": string(r.fallback),
	}).Warn("user has no primary role, using fallback")
	return picked, nil
}
