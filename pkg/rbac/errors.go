package rbac

import (
	"errors"
	"net/http"
)

var (
	// ErrEngineUnavailable wraps every lookup failure during a decision
	ErrEngineUnavailable = errors.New("authorization engine unavailable")

	// ErrNotFound is returned when a role, module, permission or assignment does not exist
	ErrNotFound = errors.New("not found")

	// ErrSystemRole is returned when deleting or editing a seeded system role
	ErrSystemRole = errors.New("system roles are immutable")

	// ErrInvalidRole is returned for a custom role missing required fields
	ErrInvalidRole = errors.New("invalid role")

	// ErrNoRoles is returned by PrimaryRole for a user without any role
	ErrNoRoles = errors.New("user has no roles")
)

// ErrorKind classifies a denial
type ErrorKind string

const (
	KindUnauthenticated        ErrorKind = "unauthenticated"
	KindOutOfScope             ErrorKind = "out_of_scope"
	KindInsufficientPermission ErrorKind = "insufficient_permission"
	KindInactiveBranch         ErrorKind = "inactive_branch"
	KindRevokedOverride        ErrorKind = "revoked_override"
	KindEngineUnavailable      ErrorKind = "engine_unavailable"
)

// Retryable reports whether asking again could change the answer.
// Only an engine failure is transient; every other denial is final.
func (k ErrorKind) Retryable() bool {
	return k == KindEngineUnavailable
}

// Message is the user-visible reason for the denial
func (k ErrorKind) Message() string {
	switch k {
	case KindUnauthenticated:
		return "Unauthorized"
	case KindOutOfScope:
		return "Out of branch scope"
	case KindInsufficientPermission:
		return "Insufficient permission"
	case KindInactiveBranch:
		return "Branch is inactive"
	case KindRevokedOverride:
		return "Permission explicitly revoked"
	case KindEngineUnavailable:
		return "Authorization unavailable"
	default:
		return "Forbidden"
	}
}

// HTTPStatus maps the kind onto the response status used by the interceptors
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindEngineUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}

// Rule names the pipeline step that allowed a request
type Rule string

const (
	RuleOverride       Rule = "override"
	RuleSuperAdmin     Rule = "super_admin"
	RuleRolePermission Rule = "role_permission"
	RuleRoleList       Rule = "role_list"
	RuleActiveBranch   Rule = "active_branch"
)

// Decision is the outcome of one authorization check
type Decision struct {
	Allowed    bool      `json:"allowed"`
	Kind       ErrorKind `json:"kind,omitempty"`
	Rule       Rule      `json:"rule,omitempty"`
	UserID     int64     `json:"user_id"`
	Permission string    `json:"permission,omitempty"`
	BranchID   *int64    `json:"branch_id,omitempty"`
	// Role slugs that granted the request, when a role did
	Roles []string `json:"roles,omitempty"`
}

// Reason returns a short description of the decision
func (d Decision) Reason() string {
	if d.Allowed {
		return "allowed by " + string(d.Rule)
	}
	return d.Kind.Message()
}

// label is the metrics label for the decision
func (d Decision) label() string {
	if d.Allowed {
		return "allow"
	}
	return string(d.Kind)
}
