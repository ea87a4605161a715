package rbac

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/campus/pkg/audit"
	"github.com/platinummonkey/campus/pkg/auth"
	"github.com/platinummonkey/campus/pkg/branches"
	"github.com/platinummonkey/campus/pkg/httputil"
	"github.com/platinummonkey/campus/pkg/middleware"
	"github.com/platinummonkey/campus/pkg/observability"
)

// BranchLister lists branches, typically from a read replica
type BranchLister interface {
	ListBranches(ctx context.Context) ([]branches.Branch, error)
}

// Handlers serves the authorization admin API
type Handlers struct {
	engine      *Engine
	catalog     *Catalog
	store       *Store
	resolver    *Resolver
	branches    *branches.Service
	lister      BranchLister
	users       UserSource
	interceptor *Interceptor
	auditLogger audit.Logger
	logger      *observability.Logger
}

// NewHandlers creates the admin API. Branch listings read from the branch
// service until WithBranchLister points them at a replica.
func NewHandlers(engine *Engine, catalog *Catalog, store *Store, resolver *Resolver, branchService *branches.Service, users UserSource) *Handlers {
	return &Handlers{
		engine:      engine,
		catalog:     catalog,
		store:       store,
		resolver:    resolver,
		branches:    branchService,
		lister:      serviceLister{branchService},
		users:       users,
		interceptor: NewInterceptor(engine),
		auditLogger: audit.NewNoOpLogger(),
		logger:      observability.NewLogger(observability.InfoLevel, nil).WithField("component", "rbac.handlers"),
	}
}

type serviceLister struct{ s *branches.Service }

func (l serviceLister) ListBranches(ctx context.Context) ([]branches.Branch, error) {
	return l.s.List(ctx)
}

// WithBranchLister serves GET /branches from l
func (h *Handlers) WithBranchLister(l BranchLister) *Handlers {
	h.lister = l
	return h
}

// WithAudit records administrative changes to logger
func (h *Handlers) WithAudit(logger audit.Logger) *Handlers {
	if logger != nil {
		h.auditLogger = logger
	}
	return h
}

// WithLogger sets the logger
func (h *Handlers) WithLogger(logger *observability.Logger) *Handlers {
	if logger != nil {
		h.logger = logger.WithField("component", "rbac.handlers")
	}
	return h
}

// RegisterRoutes mounts the admin API on router. Callers put authentication
// in front of it.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	need := h.interceptor.RequirePermission
	handle := func(path, method string, guard func(http.Handler) http.Handler, fn http.HandlerFunc) {
		var handler http.Handler = fn
		if guard != nil {
			handler = guard(handler)
		}
		router.Handle(path, handler).Methods(method)
	}

	// Branches
	handle("/branches", http.MethodGet, need("branches.view"), h.ListBranches)
	handle("/branches", http.MethodPost, nil, h.CreateBranch)
	handle("/branches/{branch_id}/descendants", http.MethodGet, need("branches.view"), h.GetDescendants)
	handle("/branches/{branch_id}/status", http.MethodPut, need("branches.update"), h.SetBranchStatus)

	// Roles
	handle("/roles", http.MethodGet, need("roles.view"), h.ListRoles)
	handle("/roles", http.MethodPost, need("roles.manage"), h.CreateRole)
	handle("/roles/{id}", http.MethodDelete, need("roles.manage"), h.DeleteRole)
	handle("/roles/{id}/permissions", http.MethodGet, need("roles.view"), h.GetRolePermissions)
	handle("/roles/{id}/permissions", http.MethodPost, need("roles.manage"), h.GrantRolePermission)
	handle("/roles/{id}/permissions/{permission}", http.MethodDelete, need("roles.manage"), h.RevokeRolePermission)

	// Catalog
	handle("/permissions", http.MethodGet, need("permissions.view"), h.ListPermissions)

	// User roles and overrides
	handle("/users/{user_id}/roles", http.MethodGet, need("roles.view"), h.GetUserRoles)
	handle("/users/{user_id}/roles", http.MethodPost, need("roles.assign"), h.AssignUserRole)
	handle("/users/{user_id}/roles/{role_id}", http.MethodDelete, need("roles.assign"), h.RevokeUserRole)
	handle("/users/{user_id}/permissions", http.MethodGet, need("permissions.view"), h.GetUserOverrides)
	handle("/users/{user_id}/permissions", http.MethodPut, need("permissions.override"), h.SetUserOverride)
	handle("/users/{user_id}/permissions/{permission}", http.MethodDelete, need("permissions.override"), h.DeleteUserOverride)

	// Decisions
	handle("/authorize", http.MethodGet, need("permissions.check"), h.Explain)
	handle("/me/permissions", http.MethodGet, nil, h.MyPermissions)
}

// ListBranches lists the branches within the caller's scope
func (h *Handlers) ListBranches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	all, scope, err := h.scope(ctx, callerID(r))
	if err != nil {
		h.internalError(w, r, err, "failed to resolve caller scope")
		return
	}

	list, err := h.lister.ListBranches(ctx)
	if err != nil {
		h.internalError(w, r, err, "failed to list branches")
		return
	}

	visible := make([]branches.Branch, 0, len(list))
	for _, b := range list {
		if all || scope.Contains(b.ID) {
			visible = append(visible, b)
		}
	}
	httputil.WriteSuccess(w, visible)
}

// CreateBranch creates a branch under parent_branch_id. The caller needs
// branches.create on the parent; only a SuperAdmin may create a root branch.
func (h *Handlers) CreateBranch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := callerID(r)
	if caller == 0 {
		httputil.WriteUnauthorized(w, KindUnauthenticated.Message())
		return
	}

	var req struct {
		Name           string          `json:"name"`
		Code           string          `json:"code"`
		ParentBranchID *int64          `json:"parent_branch_id"`
		Status         branches.Status `json:"status"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Name, "name") || !httputil.RequireNonEmpty(w, req.Code, "code") {
		return
	}

	var (
		d   Decision
		err error
	)
	if req.ParentBranchID == nil {
		d, err = h.engine.AuthorizeRoles(ctx, caller, []RoleSlug{RoleSuperAdmin}, nil)
	} else {
		d, err = h.engine.Authorize(ctx, AccessRequest{UserID: caller, Permission: "branches.create", BranchID: req.ParentBranchID})
	}
	if err != nil || !d.Allowed {
		writeDenial(w, d, err, map[string]interface{}{"required_permission": "branches.create"})
		return
	}

	branch := &branches.Branch{
		Name:           req.Name,
		Code:           req.Code,
		ParentBranchID: req.ParentBranchID,
		Status:         req.Status,
	}
	if err := h.branches.Create(ctx, branch); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logAdmin(ctx, audit.EventTypeAdminBranchCreate, caller, audit.ResourceTypeBranch, branch.ID, "branch "+branch.Code+" created")
	httputil.WriteCreated(w, branch)
}

// GetDescendants returns the branch and its transitive children
func (h *Handlers) GetDescendants(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, branchParam)
	if !ok {
		return
	}

	ids, err := h.branches.DescendantIDs(r.Context(), id)
	if err != nil {
		h.internalError(w, r, err, "failed to load descendants")
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"branch_id":   id,
		"descendants": ids.Slice(),
	})
}

// SetBranchStatus activates or deactivates a branch
func (h *Handlers) SetBranchStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := httputil.ParsePathInt64OrError(w, r, branchParam)
	if !ok {
		return
	}

	var req struct {
		Status branches.Status `json:"status"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		httputil.WriteValidationError(w, branches.ErrInvalidStatus.Error())
		return
	}

	if err := h.branches.SetStatus(ctx, id, req.Status); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logAdmin(ctx, audit.EventTypeAdminBranchStatus, callerID(r), audit.ResourceTypeBranch, id, "status set to "+string(req.Status))
	httputil.WriteSuccess(w, map[string]interface{}{"branch_id": id, "status": req.Status})
}

// ListRoles lists all roles, most privileged first
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.catalog.ListRoles(r.Context())
	if err != nil {
		h.internalError(w, r, err, "failed to list roles")
		return
	}
	httputil.WriteSuccess(w, roles)
}

// CreateRole creates a custom role
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Slug        string   `json:"slug"`
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Level       int      `json:"level"`
		Permissions []string `json:"permissions"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	role := &Role{Slug: req.Slug, Name: req.Name, Description: req.Description, Level: req.Level}
	if err := h.catalog.CreateRole(ctx, role); err != nil {
		h.writeError(w, r, err)
		return
	}
	for _, slug := range req.Permissions {
		if err := h.catalog.GrantPermissionToRole(ctx, role.ID, slug); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	h.logAdmin(ctx, audit.EventTypeAuthzRoleChange, callerID(r), audit.ResourceTypeRole, role.ID, "role "+role.Slug+" created")
	httputil.WriteCreated(w, role)
}

// DeleteRole deletes a custom role
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.catalog.DeleteRole(ctx, id); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logAdmin(ctx, audit.EventTypeAuthzRoleChange, callerID(r), audit.ResourceTypeRole, id, "role deleted")
	httputil.WriteNoContent(w)
}

// GetRolePermissions lists the permission slugs a role holds
func (h *Handlers) GetRolePermissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	role, err := h.catalog.GetRole(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	set, err := h.catalog.PermissionsForRole(ctx, id)
	if err != nil {
		h.internalError(w, r, err, "failed to load role permissions")
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"role":        role,
		"permissions": set.Slice(),
	})
}

// GrantRolePermission grants a permission to a custom role
func (h *Handlers) GrantRolePermission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Permission string `json:"permission"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) || !httputil.RequireNonEmpty(w, req.Permission, "permission") {
		return
	}

	if err := h.catalog.GrantPermissionToRole(ctx, id, req.Permission); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logAdmin(ctx, audit.EventTypeAuthzPermissionGrant, callerID(r), audit.ResourceTypeRole, id, req.Permission+" granted")
	httputil.WriteSuccessMessage(w, "Permission granted", map[string]interface{}{"role_id": id, "permission": req.Permission})
}

// RevokeRolePermission removes a permission from a custom role
func (h *Handlers) RevokeRolePermission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	slug, ok := httputil.ParsePathStringOrError(w, r, "permission")
	if !ok {
		return
	}

	if err := h.catalog.RevokePermissionFromRole(ctx, id, slug); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logAdmin(ctx, audit.EventTypeAuthzPermissionRevoke, callerID(r), audit.ResourceTypeRole, id, slug+" revoked")
	httputil.WriteNoContent(w)
}

// ListPermissions lists the catalog grouped by module
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	modules, err := h.catalog.ListModules(ctx)
	if err != nil {
		h.internalError(w, r, err, "failed to list modules")
		return
	}
	perms, err := h.catalog.AllPermissions(ctx)
	if err != nil {
		h.internalError(w, r, err, "failed to list permissions")
		return
	}

	byModule := make(map[int64][]Permission, len(modules))
	for _, p := range perms {
		byModule[p.ModuleID] = append(byModule[p.ModuleID], p)
	}

	type moduleView struct {
		Module
		Permissions []Permission `json:"permissions"`
	}
	out := make([]moduleView, 0, len(modules))
	for _, m := range modules {
		out = append(out, moduleView{Module: m, Permissions: byModule[m.ID]})
	}
	httputil.WriteSuccess(w, out)
}

// GetUserRoles lists the role assignments of a user in the caller's scope
func (h *Handlers) GetUserRoles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.targetUser(w, r)
	if !ok {
		return
	}

	assignments, err := h.store.ListUserRoles(ctx, userID)
	if err != nil {
		h.internalError(w, r, err, "failed to list user roles")
		return
	}
	if assignments == nil {
		assignments = []UserRole{}
	}
	httputil.WriteSuccess(w, assignments)
}

// AssignUserRole assigns a role to a user, optionally scoped to branch_id.
// Only a SuperAdmin may hand out the SuperAdmin role.
func (h *Handlers) AssignUserRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.targetUser(w, r)
	if !ok {
		return
	}

	var req struct {
		RoleID    int64  `json:"role_id"`
		BranchID  *int64 `json:"branch_id"`
		IsPrimary bool   `json:"is_primary"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) || !httputil.RequirePositive(w, req.RoleID, "role_id") {
		return
	}

	role, err := h.catalog.GetRole(ctx, req.RoleID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if role.IsSuperAdmin() && !h.requireSuperAdmin(w, r) {
		return
	}

	ur := &UserRole{UserID: userID, RoleID: role.ID, BranchID: req.BranchID, IsPrimary: req.IsPrimary}
	if err := h.store.AssignRole(ctx, ur); err != nil {
		h.writeError(w, r, err)
		return
	}
	ur.Role = role

	h.logAdmin(ctx, audit.EventTypeAuthzRoleChange, callerID(r), audit.ResourceTypeUser, userID, "role "+role.Slug+" assigned")
	httputil.WriteCreated(w, ur)
}

// RevokeUserRole removes every assignment of role_id from a user, or only the
// one on the branch_id query parameter when given
func (h *Handlers) RevokeUserRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.targetUser(w, r)
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role_id")
	if !ok {
		return
	}
	branchID, err := httputil.ParseOptionalQueryInt64(r, branchParam)
	if err != nil {
		httputil.WriteBadRequest(w, ErrMalformedBranchID.Error())
		return
	}

	role, err := h.catalog.GetRole(ctx, roleID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if role.IsSuperAdmin() && !h.requireSuperAdmin(w, r) {
		return
	}

	assignments, err := h.store.ListUserRoles(ctx, userID)
	if err != nil {
		h.internalError(w, r, err, "failed to list user roles")
		return
	}

	revoked := 0
	for _, ur := range assignments {
		if ur.RoleID != roleID || (branchID != nil && (ur.BranchID == nil || *ur.BranchID != *branchID)) {
			continue
		}
		if err := h.store.RevokeRole(ctx, userID, ur.ID); err != nil {
			h.writeError(w, r, err)
			return
		}
		revoked++
	}
	if revoked == 0 {
		httputil.WriteNotFoundError(w, "Role assignment not found")
		return
	}

	h.logAdmin(ctx, audit.EventTypeAuthzRoleChange, callerID(r), audit.ResourceTypeUser, userID, "role "+role.Slug+" revoked")
	httputil.WriteNoContent(w)
}

// GetUserOverrides lists the permission overrides of a user
func (h *Handlers) GetUserOverrides(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.targetUser(w, r)
	if !ok {
		return
	}

	overrides, err := h.store.ListOverrides(r.Context(), userID)
	if err != nil {
		h.internalError(w, r, err, "failed to list overrides")
		return
	}
	if overrides == nil {
		overrides = []UserPermission{}
	}
	httputil.WriteSuccess(w, overrides)
}

// SetUserOverride grants or revokes one permission for a user. The caller
// must hold the permission on the same branch; nobody grants what they lack.
// Only a SuperAdmin writes global overrides.
func (h *Handlers) SetUserOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.targetUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Permission string `json:"permission"`
		BranchID   *int64 `json:"branch_id"`
		Granted    *bool  `json:"granted"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) || !httputil.RequireNonEmpty(w, req.Permission, "permission") {
		return
	}
	if req.Granted == nil {
		httputil.WriteValidationError(w, "granted is required")
		return
	}
	if _, _, err := SplitPermissionSlug(req.Permission); err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	if !h.callerHolds(w, r, req.Permission, req.BranchID) {
		return
	}

	up := &UserPermission{UserID: userID, Permission: req.Permission, BranchID: req.BranchID, Granted: *req.Granted}
	if err := h.store.SetOverride(ctx, up); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logAdmin(ctx, audit.EventTypeAuthzOverrideChange, callerID(r), audit.ResourceTypeUser, userID, overrideMessage(up))
	httputil.WriteSuccess(w, up)
}

// DeleteUserOverride removes an override; branch_id in the query selects a
// branch-specific one
func (h *Handlers) DeleteUserOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.targetUser(w, r)
	if !ok {
		return
	}
	slug, ok := httputil.ParsePathStringOrError(w, r, "permission")
	if !ok {
		return
	}
	branchID, err := httputil.ParseOptionalQueryInt64(r, branchParam)
	if err != nil {
		httputil.WriteBadRequest(w, ErrMalformedBranchID.Error())
		return
	}
	if !h.callerHolds(w, r, slug, branchID) {
		return
	}

	if err := h.store.DeleteOverride(ctx, userID, slug, branchID); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logAdmin(ctx, audit.EventTypeAuthzOverrideChange, callerID(r), audit.ResourceTypeUser, userID, "override "+slug+" removed")
	httputil.WriteNoContent(w)
}

// Explain evaluates a decision for another user and reports why
func (h *Handlers) Explain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := httputil.ParseQueryInt64(r, "user_id", 0)
	if err != nil || userID <= 0 {
		httputil.WriteValidationError(w, "user_id must be a positive integer")
		return
	}
	permission := httputil.ParseQueryString(r, "permission", "")
	if _, _, err := SplitPermissionSlug(permission); err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	branchID, err := httputil.ParseOptionalQueryInt64(r, branchParam)
	if err != nil {
		httputil.WriteBadRequest(w, ErrMalformedBranchID.Error())
		return
	}
	if !h.userInScope(w, r, userID) {
		return
	}

	d, err := h.engine.Authorize(ctx, AccessRequest{UserID: userID, Permission: permission, BranchID: branchID})
	if err != nil {
		h.logger.WithError(err).Warn("explain failed")
		httputil.WriteServiceUnavailable(w, KindEngineUnavailable.Message())
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"decision":  d,
		"reason":    d.Reason(),
		"retryable": !d.Allowed && d.Kind.Retryable(),
	})
}

// MyPermissions returns the caller's roles and effective permissions, on the
// branch_id query parameter when given
func (h *Handlers) MyPermissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := callerID(r)
	if caller == 0 {
		httputil.WriteUnauthorized(w, KindUnauthenticated.Message())
		return
	}
	branchID, err := httputil.ParseOptionalQueryInt64(r, branchParam)
	if err != nil {
		httputil.WriteBadRequest(w, ErrMalformedBranchID.Error())
		return
	}

	roles, err := h.resolver.EffectiveRoles(ctx, caller, branchID)
	if err != nil {
		h.internalError(w, r, err, "failed to resolve roles")
		return
	}
	perms, err := h.engine.EffectivePermissions(ctx, caller, branchID)
	if err != nil {
		h.logger.WithError(err).Warn("effective permissions unavailable")
		httputil.WriteServiceUnavailable(w, KindEngineUnavailable.Message())
		return
	}

	slugs := make([]string, 0, len(roles))
	for _, role := range roles {
		slugs = append(slugs, role.Slug)
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"user_id":     caller,
		"branch_id":   branchID,
		"roles":       slugs,
		"permissions": perms.Slice(),
	})
}

func callerID(r *http.Request) int64 {
	return middleware.GetAuthContext(r).UserID()
}

// scope returns the branches the caller may administer. all is true for a
// SuperAdmin; a caller without a home branch administers nothing.
func (h *Handlers) scope(ctx context.Context, caller int64) (bool, branches.IDSet, error) {
	roles, err := h.resolver.EffectiveRoles(ctx, caller, nil)
	if err != nil {
		return false, nil, err
	}
	for _, role := range roles {
		if role.IsSuperAdmin() {
			return true, nil, nil
		}
	}

	user, err := h.users.Get(ctx, caller)
	if err != nil {
		return false, nil, err
	}
	if user.BranchID == nil {
		return false, branches.NewIDSet(), nil
	}
	ids, err := h.branches.DescendantIDs(ctx, *user.BranchID)
	if err != nil {
		return false, nil, err
	}
	return false, ids, nil
}

// targetUser parses {user_id} and checks the user's home branch is within the
// caller's scope
func (h *Handlers) targetUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return 0, false
	}
	return userID, h.userInScope(w, r, userID)
}

func (h *Handlers) userInScope(w http.ResponseWriter, r *http.Request, userID int64) bool {
	ctx := r.Context()

	target, err := h.users.Get(ctx, userID)
	if err != nil {
		h.writeError(w, r, err)
		return false
	}
	all, scope, err := h.scope(ctx, callerID(r))
	if err != nil {
		h.internalError(w, r, err, "failed to resolve caller scope")
		return false
	}
	if all || (target.BranchID != nil && scope.Contains(*target.BranchID)) {
		return true
	}
	writeDenial(w, Decision{Kind: KindOutOfScope}, nil, map[string]interface{}{"user_id": userID})
	return false
}

func (h *Handlers) requireSuperAdmin(w http.ResponseWriter, r *http.Request) bool {
	d, err := h.engine.AuthorizeRoles(r.Context(), callerID(r), []RoleSlug{RoleSuperAdmin}, nil)
	if err == nil && d.Allowed {
		return true
	}
	writeDenial(w, d, err, map[string]interface{}{"required_roles": []string{string(RoleSuperAdmin)}})
	return false
}

// callerHolds requires the caller to hold permission on branchID. An override
// without a branch applies everywhere, so only a SuperAdmin may write one.
func (h *Handlers) callerHolds(w http.ResponseWriter, r *http.Request, permission string, branchID *int64) bool {
	fields := map[string]interface{}{"required_permission": permission}
	if branchID == nil {
		all, _, err := h.scope(r.Context(), callerID(r))
		if err != nil {
			writeDenial(w, Decision{}, err, nil)
			return false
		}
		if !all {
			writeDenial(w, Decision{Kind: KindOutOfScope}, nil, fields)
			return false
		}
	}

	d, err := h.engine.Authorize(r.Context(), AccessRequest{UserID: callerID(r), Permission: permission, BranchID: branchID})
	if err == nil && d.Allowed {
		return true
	}
	writeDenial(w, d, err, fields)
	return false
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, branches.ErrNotFound), errors.Is(err, auth.ErrUserNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, ErrSystemRole), errors.Is(err, branches.ErrCycle):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, ErrInvalidSlug), errors.Is(err, ErrInvalidRole), errors.Is(err, branches.ErrInvalidStatus):
		httputil.WriteValidationError(w, err.Error())
	default:
		h.internalError(w, r, err, "admin request failed")
	}
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	h.logger.WithError(err).WithField("path", r.URL.Path).Error(msg)
	httputil.WriteInternalError(w)
}

func (h *Handlers) logAdmin(ctx context.Context, eventType audit.EventType, actor int64, resourceType audit.ResourceType, resourceID int64, message string) {
	var actorID *int64
	if actor != 0 {
		actorID = &actor
	}
	if err := h.auditLogger.LogAdminAction(ctx, eventType, actorID, resourceType, strconv.FormatInt(resourceID, 10), message); err != nil {
		h.logger.WithError(err).WithField("event_type", string(eventType)).Warn("failed to record admin action")
	}
}

func overrideMessage(up *UserPermission) string {
	verb := "revoked"
	if up.Granted {
		verb = "granted"
	}
	scope := "globally"
	if up.BranchID != nil {
		scope = "on branch " + strconv.FormatInt(*up.BranchID, 10)
	}
	return up.Permission + " " + verb + " " + scope
}
