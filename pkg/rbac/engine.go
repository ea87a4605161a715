package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/campus/pkg/audit"
	"github.com/platinummonkey/campus/pkg/auth"
	"github.com/platinummonkey/campus/pkg/branches"
	"github.com/platinummonkey/campus/pkg/contextkeys"
	"github.com/platinummonkey/campus/pkg/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/platinummonkey/campus/pkg/rbac"

// UserSource looks up users. auth.UserStore satisfies it and reports a missing
// user with auth.ErrUserNotFound.
type UserSource interface {
	Get(ctx context.Context, id int64) (*auth.User, error)
}

// BranchSource looks up branches and their descendants. branches.Service
// satisfies it and reports a missing branch with branches.ErrNotFound.
type BranchSource interface {
	Get(ctx context.Context, id int64) (*branches.Branch, error)
	DescendantIDs(ctx context.Context, id int64) (branches.IDSet, error)
}

// DecisionRecorder receives one observation per decision
type DecisionRecorder interface {
	RecordDecision(kind string, d time.Duration)
}

// Engine evaluates access requests through a single ordered pipeline:
// user guard, home branch guard (non-SuperAdmin only), override, SuperAdmin
// bypass, branch scope, then the final capability check.
type Engine struct {
	users    UserSource
	branches BranchSource
	store    *Store
	catalog  *Catalog
	resolver *Resolver

	audit       audit.Logger
	auditAllows bool
	metrics     DecisionRecorder
	logger      *observability.Logger
	tracer      trace.Tracer
}

// NewEngine creates a decision engine
func NewEngine(users UserSource, branchSource BranchSource, store *Store, catalog *Catalog, resolver *Resolver) *Engine {
	return &Engine{
		users:    users,
		branches: branchSource,
		store:    store,
		catalog:  catalog,
		resolver: resolver,
		audit:    audit.NewNoOpLogger(),
		logger:   observability.NewLogger(observability.InfoLevel, nil).WithField("component", "rbac.engine"),
		tracer:   otel.Tracer(tracerName),
	}
}

// WithAudit sends denials, and allows when includeAllows is set, to logger
func (e *Engine) WithAudit(logger audit.Logger, includeAllows bool) *Engine {
	if logger != nil {
		e.audit = logger
	}
	e.auditAllows = includeAllows
	return e
}

// WithMetrics attaches a decision recorder
func (e *Engine) WithMetrics(m DecisionRecorder) *Engine {
	e.metrics = m
	return e
}

// WithLogger replaces the engine logger
func (e *Engine) WithLogger(logger *observability.Logger) *Engine {
	if logger != nil {
		e.logger = logger.WithField("component", "rbac.engine")
	}
	return e
}

// finalCheck decides a request that survived the shared pipeline steps
type finalCheck func(ctx context.Context, d Decision, roles []Role) (Decision, error)

// Authorize decides whether a user may use a permission, optionally on a
// branch. Any lookup failure denies with KindEngineUnavailable and returns an
// error wrapping ErrEngineUnavailable.
func (e *Engine) Authorize(ctx context.Context, req AccessRequest) (Decision, error) {
	return e.run(ctx, "rbac.Authorize", req, true, func(ctx context.Context, d Decision, roles []Role) (Decision, error) {
		for _, role := range roles {
			ok, err := e.catalog.HasPermission(ctx, role.ID, req.Permission)
			if err != nil {
				return unavailable(d, "permission lookup", err)
			}
			if ok {
				d.Roles = []string{role.Slug}
				return allowed(d, RuleRolePermission), nil
			}
		}
		return denied(d, KindInsufficientPermission), nil
	})
}

// AuthorizeRoles decides whether a user holds one of the allowed roles on a
// branch. Overrides do not apply; SuperAdmin and the branch guards do.
func (e *Engine) AuthorizeRoles(ctx context.Context, userID int64, allowedRoles []RoleSlug, branchID *int64) (Decision, error) {
	req := AccessRequest{UserID: userID, BranchID: branchID}
	return e.run(ctx, "rbac.AuthorizeRoles", req, false, func(ctx context.Context, d Decision, roles []Role) (Decision, error) {
		for _, role := range roles {
			for _, want := range allowedRoles {
				if role.Kind == want {
					d.Roles = []string{role.Slug}
					return allowed(d, RuleRoleList), nil
				}
			}
		}
		return denied(d, KindInsufficientPermission), nil
	})
}

// CheckActiveBranch admits any active user whose home branch is active
func (e *Engine) CheckActiveBranch(ctx context.Context, userID int64) (Decision, error) {
	req := AccessRequest{UserID: userID}
	return e.run(ctx, "rbac.CheckActiveBranch", req, false, func(ctx context.Context, d Decision, _ []Role) (Decision, error) {
		return allowed(d, RuleActiveBranch), nil
	})
}

// EffectivePermissions returns what a user may do on a branch: the union of
// the role permissions with granted overrides added and revoked overrides
// removed. A branch-specific override beats a global one. SuperAdmin yields
// the whole catalog.
func (e *Engine) EffectivePermissions(ctx context.Context, userID int64, branchID *int64) (PermissionSet, error) {
	roles, err := e.resolver.EffectiveRoles(ctx, userID, branchID)
	if err != nil {
		return nil, fmt.Errorf("%w: role lookup: %w", ErrEngineUnavailable, err)
	}

	set := make(PermissionSet)
	for _, role := range roles {
		if role.IsSuperAdmin() {
			all, err := e.catalog.AllPermissions(ctx)
			if err != nil {
				return nil, fmt.Errorf("%w: catalog lookup: %w", ErrEngineUnavailable, err)
			}
			for _, p := range all {
				set[p.Slug] = struct{}{}
			}
			return set, nil
		}

		perms, err := e.catalog.PermissionsForRole(ctx, role.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: permission lookup: %w", ErrEngineUnavailable, err)
		}
		for slug := range perms {
			set[slug] = struct{}{}
		}
	}

	overrides, err := e.store.ListOverrides(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: override lookup: %w", ErrEngineUnavailable, err)
	}

	effective := make(map[string]UserPermission)
	for _, ov := range overrides {
		switch {
		case ov.BranchID == nil:
			if _, ok := effective[ov.Permission]; !ok {
				effective[ov.Permission] = ov
			}
		case branchID != nil && *ov.BranchID == *branchID:
			effective[ov.Permission] = ov
		}
	}
	for slug, ov := range effective {
		if ov.Granted {
			set[slug] = struct{}{}
		} else {
			delete(set, slug)
		}
	}

	return set, nil
}

func (e *Engine) run(ctx context.Context, spanName string, req AccessRequest, useOverride bool, final finalCheck) (Decision, error) {
	ctx, span := e.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.Int64("campus.user_id", req.UserID),
		attribute.String("campus.permission", req.Permission),
	))
	defer span.End()
	if req.BranchID != nil {
		span.SetAttributes(attribute.Int64("campus.branch_id", *req.BranchID))
	}

	start := time.Now()
	d, err := e.evaluate(ctx, req, useOverride, final)
	e.record(ctx, span, d, err, time.Since(start))
	return d, err
}

func (e *Engine) evaluate(ctx context.Context, req AccessRequest, useOverride bool, final finalCheck) (Decision, error) {
	d := Decision{UserID: req.UserID, Permission: req.Permission, BranchID: req.BranchID}

	user, err := e.users.Get(ctx, req.UserID)
	if errors.Is(err, auth.ErrUserNotFound) {
		return denied(d, KindUnauthenticated), nil
	}
	if err != nil {
		return unavailable(d, "user lookup", err)
	}
	if !user.IsActive {
		return denied(d, KindUnauthenticated), nil
	}

	roles, err := e.resolver.EffectiveRoles(ctx, user.ID, req.BranchID)
	if err != nil {
		return unavailable(d, "role lookup", err)
	}
	superAdmin := findSuperAdmin(roles)

	var home *branches.Branch
	if superAdmin == nil {
		var kind ErrorKind
		home, kind, err = e.homeBranch(ctx, user)
		if err != nil {
			return unavailable(d, "branch lookup", err)
		}
		if kind != "" {
			return denied(d, kind), nil
		}
	}

	if useOverride {
		ov, err := e.store.FindOverride(ctx, user.ID, req.Permission, req.BranchID)
		if err != nil {
			return unavailable(d, "override lookup", err)
		}
		if ov != nil {
			if ov.Granted {
				return allowed(d, RuleOverride), nil
			}
			return denied(d, KindRevokedOverride), nil
		}
	}

	if superAdmin != nil {
		d.Roles = []string{superAdmin.Slug}
		return allowed(d, RuleSuperAdmin), nil
	}

	kind, err := e.checkScope(ctx, home, req.BranchID)
	if err != nil {
		return unavailable(d, "branch lookup", err)
	}
	if kind != "" {
		return denied(d, kind), nil
	}

	return final(ctx, d, roles)
}

func findSuperAdmin(roles []Role) *Role {
	for i := range roles {
		if roles[i].IsSuperAdmin() {
			return &roles[i]
		}
	}
	return nil
}

// homeBranch applies the home branch guard. It runs for every non-SuperAdmin
// request, ahead of overrides. A user without a home branch passes with a nil
// branch.
func (e *Engine) homeBranch(ctx context.Context, user *auth.User) (*branches.Branch, ErrorKind, error) {
	if user.BranchID == nil {
		return nil, "", nil
	}
	home, err := e.branches.Get(ctx, *user.BranchID)
	if errors.Is(err, branches.ErrNotFound) {
		return nil, KindInactiveBranch, nil
	}
	if err != nil {
		return nil, "", err
	}
	if !home.IsActive() {
		return nil, KindInactiveBranch, nil
	}
	return home, "", nil
}

// checkScope requires an active target inside the home branch subtree. A
// user without a home branch has no branch scope.
func (e *Engine) checkScope(ctx context.Context, home *branches.Branch, target *int64) (ErrorKind, error) {
	if target == nil {
		return "", nil
	}
	if home == nil {
		return KindOutOfScope, nil
	}

	tb, err := e.branches.Get(ctx, *target)
	if errors.Is(err, branches.ErrNotFound) {
		return KindOutOfScope, nil
	}
	if err != nil {
		return "", err
	}
	if !tb.IsActive() {
		return KindOutOfScope, nil
	}

	scope, err := e.branches.DescendantIDs(ctx, home.ID)
	if err != nil {
		return "", err
	}
	if !scope.Contains(tb.ID) {
		return KindOutOfScope, nil
	}
	return "", nil
}

func (e *Engine) record(ctx context.Context, span trace.Span, d Decision, err error, elapsed time.Duration) {
	span.SetAttributes(
		attribute.Bool("campus.allowed", d.Allowed),
		attribute.String("campus.decision", d.label()),
	)
	if e.metrics != nil {
		e.metrics.RecordDecision(d.label(), elapsed)
	}

	fields := map[string]interface{}{
		"user_id":  d.UserID,
		"decision": d.label(),
	}
	if d.Permission != "" {
		fields["permission"] = d.Permission
	}
	if d.BranchID != nil {
		fields["branch_id"] = *d.BranchID
	}
	if requestID := contextkeys.GetRequestID(ctx); requestID != "" {
		fields["request_id"] = requestID
	}
	logger := e.logger.WithFields(fields)

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "authorization unavailable")
		logger.WithError(err).Error("authorization engine unavailable")
	case d.Allowed:
		logger.WithField("rule", string(d.Rule)).Debug("access allowed")
	default:
		logger.Info("access denied")
	}

	if d.Allowed && !e.auditAllows {
		return
	}
	auditErr := e.audit.LogDecision(ctx, audit.Decision{
		UserID:     d.UserID,
		Permission: d.Permission,
		BranchID:   d.BranchID,
		Allowed:    d.Allowed,
		Kind:       string(d.Kind),
		Rule:       string(d.Rule),
	})
	if auditErr != nil {
		logger.WithError(auditErr).Warn("failed to write audit event")
	}
}

func allowed(d Decision, rule Rule) Decision {
	d.Allowed = true
	d.Rule = rule
	d.Kind = ""
	return d
}

func denied(d Decision, kind ErrorKind) Decision {
	d.Allowed = false
	d.Kind = kind
	d.Roles = nil
	return d
}

func unavailable(d Decision, stage string, err error) (Decision, error) {
	return denied(d, KindEngineUnavailable), fmt.Errorf("%w: %s: %w", ErrEngineUnavailable, stage, err)
}
