package audit

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/platinummonkey/campus/pkg/contextkeys"
	"github.com/platinummonkey/campus/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE authz_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL,
			user_id INTEGER,
			resource_type TEXT,
			resource_id TEXT,
			branch_id INTEGER,
			permission TEXT,
			decision_kind TEXT,
			request_id TEXT,
			message TEXT,
			metadata TEXT
		);
	`)
	if err != nil {
		t.Fatalf("Failed to create tables: %v", err)
	}
	return db
}

type mockLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	decisions []Decision
	err       error
	closed    bool
}

func (m *mockLogger) Log(ctx context.Context, event *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.err
}

func (m *mockLogger) LogDecision(ctx context.Context, decision Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, decision)
	return m.err
}

func (m *mockLogger) LogAdminAction(ctx context.Context, eventType EventType, actorID *int64, resourceType ResourceType, resourceID string, message string) error {
	return m.Log(ctx, adminEvent(ctx, eventType, actorID, resourceType, resourceID, message))
}

func (m *mockLogger) Close() error {
	m.closed = true
	return nil
}

func TestDBLogger_LogDecisionAndSearch(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	logger, err := NewDBLogger(db)
	require.NoError(t, err)

	ctx := contextkeys.WithRequestID(context.Background(), "req-1")
	branchID := int64(3)

	require.NoError(t, logger.LogDecision(ctx, Decision{
		UserID: 7, Permission: "students.view", BranchID: &branchID,
		Allowed: false, Kind: "out_of_scope",
	}))
	require.NoError(t, logger.LogDecision(ctx, Decision{
		UserID: 7, Permission: "students.view", Allowed: true, Rule: "role_permission",
	}))
	actor := int64(1)
	require.NoError(t, logger.LogAdminAction(ctx, EventTypeAdminBranchStatus, &actor, ResourceTypeBranch, "3", "deactivated"))

	userID := int64(7)
	events, err := logger.Search(ctx, SearchFilter{UserID: &userID})
	require.NoError(t, err)
	require.Len(t, events, 2)

	// newest first
	assert.Equal(t, EventTypeAuthzPermissionCheck, events[0].EventType)
	assert.Equal(t, "role_permission", events[0].Metadata["rule"])

	denied := events[1]
	assert.Equal(t, EventTypeAuthzAccessDenied, denied.EventType)
	assert.Equal(t, EventStatusDenied, denied.Status)
	assert.Equal(t, "out_of_scope", denied.DecisionKind)
	assert.Equal(t, "req-1", denied.RequestID)
	require.NotNil(t, denied.BranchID)
	assert.Equal(t, int64(3), *denied.BranchID)

	admin, err := logger.Search(ctx, SearchFilter{EventTypes: []EventType{EventTypeAdminBranchStatus}})
	require.NoError(t, err)
	require.Len(t, admin, 1)
	assert.Equal(t, "deactivated", admin[0].Message)
	assert.Equal(t, ResourceTypeBranch, admin[0].ResourceType)
}

func TestDBLogger_InsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("INSERT INTO authz_audit").WillReturnError(errors.New("disk full"))

	logger, err := NewDBLogger(db)
	require.NoError(t, err)

	err = logger.LogDecision(context.Background(), Decision{UserID: 1, Permission: "fees.view"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert audit log")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewDBLogger_NilDB(t *testing.T) {
	_, err := NewDBLogger(nil)
	assert.Error(t, err)
}

func TestMultiLogger_Sync(t *testing.T) {
	l1 := &mockLogger{}
	l2 := &mockLogger{err: errors.New("boom")}

	multi := NewMultiLogger(l1, l2)
	multi.SetAsync(false)

	err := multi.LogDecision(context.Background(), Decision{UserID: 1, Permission: "x.view", Allowed: true})
	assert.EqualError(t, err, "boom")
	assert.Len(t, l1.decisions, 1)
	assert.Len(t, l2.decisions, 1)
}

func TestMultiLogger_Async(t *testing.T) {
	l1 := &mockLogger{}
	l2 := &mockLogger{err: errors.New("boom")}

	multi := NewMultiLogger(l1, l2)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, multi.LogAdminAction(ctx, EventTypeAuthzRoleChange, nil, ResourceTypeUser, "9", "assigned"))
	cancel()
	multi.Wait()

	assert.Len(t, l1.events, 1)
	assert.Len(t, l2.events, 1)
	assert.Len(t, multi.Errors(), 1)

	require.NoError(t, multi.Close())
	assert.True(t, l1.closed)
	assert.True(t, l2.closed)
}

func TestStructuredLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(observability.NewLogger(observability.DebugLevel, &buf))

	branchID := int64(2)
	require.NoError(t, logger.LogDecision(context.Background(), Decision{
		UserID: 4, Permission: "fees.refund", BranchID: &branchID, Kind: "insufficient_permission",
	}))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "authz.access_denied", line["event_type"])
	assert.Equal(t, "audit", line["component"])
	assert.Equal(t, float64(4), line["user_id"])
	assert.Equal(t, "insufficient_permission", line["decision_kind"])
}

func TestNoOpLogger(t *testing.T) {
	l := NewNoOpLogger()
	assert.NoError(t, l.Log(context.Background(), &AuditEvent{}))
	assert.NoError(t, l.LogDecision(context.Background(), Decision{}))
	assert.NoError(t, l.Close())
}
