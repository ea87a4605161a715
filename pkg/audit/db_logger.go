package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// DBLogger implements audit logging to the authz_audit table
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-based audit logger. The table is
// created by the rbac migrations.
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{db: db}, nil
}

// Log logs an audit event to the database
func (l *DBLogger) Log(ctx context.Context, event *AuditEvent) error {
	var metadataJSON []byte
	if len(event.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO authz_audit (
			timestamp, event_type, status, user_id,
			resource_type, resource_id, branch_id, permission, decision_kind,
			request_id, message, metadata
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12
		) RETURNING id
	`

	err := l.db.QueryRowContext(ctx, query,
		event.Timestamp, event.EventType, event.Status, event.UserID,
		nullable(string(event.ResourceType)), nullable(event.ResourceID), event.BranchID,
		nullable(event.Permission), nullable(event.DecisionKind),
		nullable(event.RequestID), nullable(event.Message), nullableBytes(metadataJSON),
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

// LogDecision logs an authorization decision
func (l *DBLogger) LogDecision(ctx context.Context, decision Decision) error {
	return l.Log(ctx, decisionEvent(ctx, decision))
}

// LogAdminAction logs an admin action event
func (l *DBLogger) LogAdminAction(ctx context.Context, eventType EventType, actorID *int64, resourceType ResourceType, resourceID string, message string) error {
	return l.Log(ctx, adminEvent(ctx, eventType, actorID, resourceType, resourceID, message))
}

// SearchFilter narrows Search results
type SearchFilter struct {
	UserID     *int64
	EventTypes []EventType
	Since      *time.Time
	Limit      int
}

// Search returns the newest events matching filter
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error) {
	query := `
		SELECT id, timestamp, event_type, status, user_id,
			resource_type, resource_id, branch_id, permission, decision_kind,
			request_id, message, metadata
		FROM authz_audit
		WHERE 1=1
	`

	args := []interface{}{}
	argCount := 1

	if filter.UserID != nil {
		query += fmt.Sprintf(" AND user_id = $%d", argCount)
		args = append(args, *filter.UserID)
		argCount++
	}

	if filter.Since != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, *filter.Since)
		argCount++
	}

	if len(filter.EventTypes) > 0 {
		query += " AND event_type IN ("
		for i, et := range filter.EventTypes {
			if i > 0 {
				query += ", "
			}
			query += fmt.Sprintf("$%d", argCount)
			args = append(args, et)
			argCount++
		}
		query += ")"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", argCount)
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		event := &AuditEvent{}
		var userID, branchID sql.NullInt64
		var resourceType, resourceID, permission, kind, requestID, message sql.NullString
		var metadata []byte

		if err := rows.Scan(
			&event.ID, &event.Timestamp, &event.EventType, &event.Status, &userID,
			&resourceType, &resourceID, &branchID, &permission, &kind,
			&requestID, &message, &metadata,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}

		if userID.Valid {
			id := userID.Int64
			event.UserID = &id
		}
		if branchID.Valid {
			id := branchID.Int64
			event.BranchID = &id
		}
		event.ResourceType = ResourceType(resourceType.String)
		event.ResourceID = resourceID.String
		event.Permission = permission.String
		event.DecisionKind = kind.String
		event.RequestID = requestID.String
		event.Message = message.String

		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

// Close closes the logger
func (l *DBLogger) Close() error {
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
