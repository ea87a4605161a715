// Package middleware provides HTTP authentication middleware.
//
// AuthMiddleware extracts a Bearer API token, resolves it to a user through
// auth.TokenManager and stores the *auth.AuthContext in the request context:
//
//	authMW := middleware.NewAuthMiddleware(tokenManager, false)
//	router.Use(authMW.Handler)
//
// Missing, malformed, revoked and expired tokens are answered with
// 401 {"success":false,"message":"Unauthorized"}. A token lookup failure
// answers 503.
//
// # Related Packages
//
//   - pkg/auth: token validation and user lookup
//   - pkg/rbac: authorization interceptors that read the AuthContext
package middleware
