package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/platinummonkey/campus/pkg/auth"
	"github.com/platinummonkey/campus/pkg/contextkeys"
	"github.com/platinummonkey/campus/pkg/httputil"
	"github.com/platinummonkey/campus/pkg/observability"
)

// Authenticator resolves a bearer token to its owner. auth.TokenManager
// satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.AuthContext, error)
}

// AuthMiddleware provides authentication middleware
type AuthMiddleware struct {
	authenticator Authenticator
	optional      bool // If true, allow requests without auth
	logger        *observability.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(authenticator Authenticator, optional bool) *AuthMiddleware {
	return &AuthMiddleware{
		authenticator: authenticator,
		optional:      optional,
		logger:        observability.NewLogger(observability.InfoLevel, nil).WithField("component", "auth"),
	}
}

// WithLogger replaces the middleware logger
func (m *AuthMiddleware) WithLogger(logger *observability.Logger) *AuthMiddleware {
	if logger != nil {
		m.logger = logger.WithField("component", "auth")
	}
	return m
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Format: "Bearer <token>"
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "Unauthorized")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			httputil.WriteUnauthorized(w, "Unauthorized")
			return
		}

		authCtx, err := m.authenticator.Authenticate(r.Context(), parts[1])
		if errors.Is(err, auth.ErrInvalidToken) {
			httputil.WriteUnauthorized(w, "Unauthorized")
			return
		}
		if err != nil {
			m.logger.WithError(err).WithField("request_id", contextkeys.GetRequestID(r.Context())).
				Error("token authentication failed")
			httputil.WriteServiceUnavailable(w, "Authentication unavailable")
			return
		}

		ctx := contextkeys.WithAuth(r.Context(), authCtx)
		ctx = contextkeys.WithUserID(ctx, strconv.FormatInt(authCtx.UserID(), 10))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAuthContext extracts auth context from request
func GetAuthContext(r *http.Request) *auth.AuthContext {
	ctx := r.Context().Value(contextkeys.AuthKey)
	if ctx == nil {
		return nil
	}
	authCtx, ok := ctx.(*auth.AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}
