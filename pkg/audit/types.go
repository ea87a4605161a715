package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authorization decisions
	EventTypeAuthzPermissionCheck EventType = "authz.permission_check"
	EventTypeAuthzAccessDenied    EventType = "authz.access_denied"

	// Authorization data changes
	EventTypeAuthzPermissionGrant  EventType = "authz.permission_grant"
	EventTypeAuthzPermissionRevoke EventType = "authz.permission_revoke"
	EventTypeAuthzRoleChange       EventType = "authz.role_change"
	EventTypeAuthzOverrideChange   EventType = "authz.override_change"

	// Branch administration
	EventTypeAdminBranchCreate EventType = "admin.branch_create"
	EventTypeAdminBranchStatus EventType = "admin.branch_status"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType represents the type of resource being accessed
type ResourceType string

const (
	ResourceTypeBranch     ResourceType = "branch"
	ResourceTypeRole       ResourceType = "role"
	ResourceTypePermission ResourceType = "permission"
	ResourceTypeUser       ResourceType = "user"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor
	UserID *int64 `json:"user_id,omitempty"`

	// Subject of the event
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`
	BranchID     *int64       `json:"branch_id,omitempty"`
	Permission   string       `json:"permission,omitempty"`
	DecisionKind string       `json:"decision_kind,omitempty"`

	RequestID string                 `json:"request_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON converts the event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Decision describes one authorization outcome for LogDecision
type Decision struct {
	UserID     int64
	Permission string
	BranchID   *int64
	Allowed    bool
	Kind       string
	Rule       string
}
