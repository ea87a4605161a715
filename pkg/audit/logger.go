package audit

import (
	"context"
	"time"

	"github.com/platinummonkey/campus/pkg/contextkeys"
)

// Logger is the interface for audit logging. Implementations must not block
// a decision on failure; callers log and drop audit errors.
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// LogDecision logs an authorization decision
	LogDecision(ctx context.Context, decision Decision) error

	// LogAdminAction logs a change to branches, roles, permissions or overrides
	LogAdminAction(ctx context.Context, eventType EventType, actorID *int64, resourceType ResourceType, resourceID string, message string) error

	// Close closes the logger and flushes any buffered logs
	Close() error
}

// NewNoOpLogger returns a logger that discards everything
func NewNoOpLogger() Logger {
	return &noOpLogger{}
}

// noOpLogger is a logger that does nothing (used when no logger is configured)
type noOpLogger struct{}

func (l *noOpLogger) Log(ctx context.Context, event *AuditEvent) error {
	return nil
}

func (l *noOpLogger) LogDecision(ctx context.Context, decision Decision) error {
	return nil
}

func (l *noOpLogger) LogAdminAction(ctx context.Context, eventType EventType, actorID *int64, resourceType ResourceType, resourceID string, message string) error {
	return nil
}

func (l *noOpLogger) Close() error {
	return nil
}

// buildBaseEvent creates an event stamped with time and request id
func buildBaseEvent(ctx context.Context, eventType EventType, status EventStatus) *AuditEvent {
	return &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		RequestID: contextkeys.GetRequestID(ctx),
		Metadata:  make(map[string]interface{}),
	}
}

// decisionEvent converts a decision into an audit event
func decisionEvent(ctx context.Context, d Decision) *AuditEvent {
	eventType := EventTypeAuthzPermissionCheck
	status := EventStatusSuccess
	if !d.Allowed {
		eventType = EventTypeAuthzAccessDenied
		status = EventStatusDenied
	}

	event := buildBaseEvent(ctx, eventType, status)
	userID := d.UserID
	event.UserID = &userID
	event.ResourceType = ResourceTypePermission
	event.ResourceID = d.Permission
	event.Permission = d.Permission
	event.BranchID = d.BranchID
	event.DecisionKind = d.Kind
	if d.Rule != "" {
		event.Metadata["rule"] = d.Rule
	}
	return event
}

// adminEvent builds an event for an administrative change
func adminEvent(ctx context.Context, eventType EventType, actorID *int64, resourceType ResourceType, resourceID, message string) *AuditEvent {
	event := buildBaseEvent(ctx, eventType, EventStatusSuccess)
	event.UserID = actorID
	event.ResourceType = resourceType
	event.ResourceID = resourceID
	event.Message = message
	return event
}
