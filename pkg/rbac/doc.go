// Package rbac is the authorization core of the campus backend: roles, permissions,
// per-user overrides and the decision engine that combines them with the branch tree.
//
// # Overview
//
// Every question the rest of the system asks reduces to one call:
//
//	d, err := engine.Authorize(ctx, rbac.AccessRequest{
//		UserID:     userID,
//		Permission: "students.view",
//		BranchID:   &branchID, // optional
//	})
//	if err != nil {
//		// lookup failure; d is a denial with KindEngineUnavailable
//	}
//	if !d.Allowed {
//		// d.Kind says why: out_of_scope, insufficient_permission, ...
//	}
//
// # Catalog
//
// Permissions are named module.action ("fees.refund") and grouped into modules for
// display. Roles are named bundles of permissions with a level; a lower level is more
// privileged. Six system roles are seeded from seed/catalog.yaml:
//
//	super-admin   level 1   every permission, every branch
//	branch-admin  level 2   administers a branch and its descendants
//	teacher       level 3
//	staff         level 3
//	student       level 5
//	parent        level 5
//
// Each role's permission list is authoritative. Roles never inherit from one another, so
// the seed lists every permission explicitly (patterns like "students.*" and "*" are
// expanded when the seed is applied). Catalog.VerifyLayering reports any permission a
// role holds that a more privileged system role lacks; it never corrects the catalog.
//
// System roles are immutable through the API. Custom roles can be created, granted
// permissions and deleted.
//
// # Decision pipeline
//
// Authorize runs these steps in order and stops at the first one that decides:
//
//  1. The user must exist and be active, otherwise unauthenticated.
//  2. Unless the user holds super-admin, the home branch must exist and be active,
//     otherwise inactive_branch. No override lifts this guard. A user without a home
//     branch has no branch scope at all.
//  3. A user override for the permission decides outright. A branch-specific override
//     beats a global one; with no target branch only global overrides apply.
//  4. A super-admin role among the user's effective roles allows.
//  5. The target branch must exist, be active and be the home branch or one of its
//     descendants, otherwise out_of_scope.
//  6. One of the user's effective roles must hold the permission, otherwise
//     insufficient_permission.
//
// A role assignment scoped to a branch applies only at exactly that branch; unscoped
// assignments apply everywhere. AuthorizeRoles and CheckActiveBranch skip step 3,
// share the rest and replace the final check.
//
// Any failed lookup denies with engine_unavailable and returns an error wrapping
// ErrEngineUnavailable. That is the only retryable denial.
//
// # HTTP
//
// Interceptor wraps handlers with RequirePermission, RequireAnyPermission, RequireRoles
// and RequireActiveBranch. The target branch comes from the branch_id route variable,
// then a JSON body field, then the query string. Handlers mounts the admin API for
// branches, roles, user role assignments, overrides and decision explanations.
//
// # Caching
//
// The Catalog and branches.Service cache reads with a bounded TTL. Local writes purge
// the caches immediately; Invalidator publishes the purge over Redis so other instances
// follow.
package rbac
