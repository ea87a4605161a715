// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Envelope
//
// Every response body is a JSON envelope:
//
//	{"success": true, "data": {...}}
//	{"success": false, "message": "Out of branch scope"}
//
// Helpers:
//
//	httputil.WriteSuccess(w, branches)
//	httputil.WriteCreated(w, branch)
//	httputil.WriteBadRequest(w, "invalid branch id")
//	httputil.WriteFailure(w, http.StatusForbidden, "Insufficient permission",
//		map[string]interface{}{"required_permission": "students.delete"})
//
// # Request Parsing
//
//	var req assignRoleRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
//	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
//	branchID, err := httputil.ParseOptionalQueryInt64(r, "branch_id")
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// # Related Packages
//
//   - pkg/middleware: Bearer token authentication
//   - pkg/rbac: authorization interceptors
package httputil
