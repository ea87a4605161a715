// Package audit records authorization decisions and administrative changes to
// the branch and permission data.
//
// # Event Types
//
// Decisions: authz.permission_check, authz.access_denied
// Changes: authz.permission_grant, authz.permission_revoke, authz.role_change,
// authz.override_change, admin.branch_create, admin.branch_status
//
// # Loggers
//
//	dbLogger, _ := audit.NewDBLogger(db)                 // authz_audit table
//	logLogger := audit.NewStructuredLogger(appLogger)    // JSON log lines
//	logger := audit.NewMultiLogger(dbLogger, logLogger)  // fan out, async by default
//
// Audit failures never change a decision; callers log and continue.
package audit
