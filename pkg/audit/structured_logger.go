package audit

import (
	"context"

	"github.com/platinummonkey/campus/pkg/observability"
)

// StructuredLogger writes audit events as structured log lines
type StructuredLogger struct {
	logger *observability.Logger
}

// NewStructuredLogger creates an audit logger backed by the application logger
func NewStructuredLogger(logger *observability.Logger) *StructuredLogger {
	return &StructuredLogger{logger: logger.WithField("component", "audit")}
}

// Log logs an audit event
func (l *StructuredLogger) Log(ctx context.Context, event *AuditEvent) error {
	fields := map[string]interface{}{
		"event_type": string(event.EventType),
		"status":     string(event.Status),
	}
	if event.UserID != nil {
		fields["user_id"] = *event.UserID
	}
	if event.ResourceType != "" {
		fields["resource_type"] = string(event.ResourceType)
		fields["resource_id"] = event.ResourceID
	}
	if event.BranchID != nil {
		fields["branch_id"] = *event.BranchID
	}
	if event.DecisionKind != "" {
		fields["decision_kind"] = event.DecisionKind
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}

	msg := event.Message
	if msg == "" {
		msg = string(event.EventType)
	}
	l.logger.WithFields(fields).Info(msg)
	return nil
}

// LogDecision logs an authorization decision
func (l *StructuredLogger) LogDecision(ctx context.Context, decision Decision) error {
	return l.Log(ctx, decisionEvent(ctx, decision))
}

// LogAdminAction logs an admin action event
func (l *StructuredLogger) LogAdminAction(ctx context.Context, eventType EventType, actorID *int64, resourceType ResourceType, resourceID string, message string) error {
	return l.Log(ctx, adminEvent(ctx, eventType, actorID, resourceType, resourceID, message))
}

// Close is a no-op
func (l *StructuredLogger) Close() error {
	return nil
}
