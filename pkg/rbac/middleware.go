package rbac

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/campus/pkg/contextkeys"
	"github.com/platinummonkey/campus/pkg/httputil"
	"github.com/platinummonkey/campus/pkg/middleware"
)

// branchParam is the route variable, body field and query parameter that
// carry the target branch
const branchParam = "branch_id"

// ErrMalformedBranchID is returned when a request carries a branch id that is
// not a positive integer
var ErrMalformedBranchID = errors.New("malformed branch id")

// Authorizer is the part of the Engine the interceptors need
type Authorizer interface {
	Authorize(ctx context.Context, req AccessRequest) (Decision, error)
	AuthorizeRoles(ctx context.Context, userID int64, allowed []RoleSlug, branchID *int64) (Decision, error)
	CheckActiveBranch(ctx context.Context, userID int64) (Decision, error)
}

// Interceptor turns authorization decisions into HTTP middleware
type Interceptor struct {
	authz Authorizer
}

// NewInterceptor creates request interceptors backed by authz
func NewInterceptor(authz Authorizer) *Interceptor {
	return &Interceptor{authz: authz}
}

// RequirePermission admits the request only when the caller holds slug on the
// request's target branch
func (i *Interceptor) RequirePermission(slug string) func(http.Handler) http.Handler {
	return i.RequireAnyPermission(slug)
}

// RequireAnyPermission admits the request when any of slugs is allowed. The
// slugs are tried in order; an engine failure only fails the request when no
// other slug was allowed.
func (i *Interceptor) RequireAnyPermission(slugs ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, branchID, ok := i.prepare(w, r)
			if !ok {
				return
			}

			var (
				first    *Decision
				firstErr error
			)
			for _, slug := range slugs {
				d, err := i.authz.Authorize(r.Context(), AccessRequest{UserID: userID, Permission: slug, BranchID: branchID})
				if err == nil && d.Allowed {
					i.admit(w, r, next, d)
					return
				}
				if err != nil && firstErr == nil {
					firstErr = err
				}
				if first == nil {
					first = &d
				}
			}

			if first == nil {
				first = &Decision{UserID: userID, Kind: KindInsufficientPermission}
			}
			fields := map[string]interface{}{"required_permission": strings.Join(slugs, ",")}
			if len(slugs) > 1 {
				fields = map[string]interface{}{"required_permissions": slugs}
			}
			writeDenial(w, *first, firstErr, fields)
		})
	}
}

// RequireRoles admits the request when the caller holds one of roles on the
// target branch
func (i *Interceptor) RequireRoles(roles ...RoleSlug) func(http.Handler) http.Handler {
	names := make([]string, len(roles))
	for n, role := range roles {
		names[n] = string(role)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, branchID, ok := i.prepare(w, r)
			if !ok {
				return
			}

			d, err := i.authz.AuthorizeRoles(r.Context(), userID, roles, branchID)
			if err == nil && d.Allowed {
				i.admit(w, r, next, d)
				return
			}
			writeDenial(w, d, err, map[string]interface{}{"required_roles": names})
		})
	}
}

// RequireActiveBranch admits any caller whose home branch is active
func (i *Interceptor) RequireActiveBranch() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := middleware.GetAuthContext(r)
			if authCtx == nil || authCtx.User == nil {
				httputil.WriteUnauthorized(w, KindUnauthenticated.Message())
				return
			}

			d, err := i.authz.CheckActiveBranch(r.Context(), authCtx.User.ID)
			if err == nil && d.Allowed {
				i.admit(w, r, next, d)
				return
			}
			writeDenial(w, d, err, nil)
		})
	}
}

// prepare resolves the caller and the target branch, answering the request
// itself when either is missing or malformed
func (i *Interceptor) prepare(w http.ResponseWriter, r *http.Request) (int64, *int64, bool) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil || authCtx.User == nil {
		httputil.WriteUnauthorized(w, KindUnauthenticated.Message())
		return 0, nil, false
	}

	branchID, err := BranchIDFromRequest(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return 0, nil, false
	}
	return authCtx.User.ID, branchID, true
}

func (i *Interceptor) admit(w http.ResponseWriter, r *http.Request, next http.Handler, d Decision) {
	ctx := contextkeys.WithDecision(r.Context(), d)
	next.ServeHTTP(w, r.WithContext(ctx))
}

func writeDenial(w http.ResponseWriter, d Decision, err error, fields map[string]interface{}) {
	kind := d.Kind
	if err != nil {
		kind = KindEngineUnavailable
	}

	switch kind {
	case KindEngineUnavailable:
		httputil.WriteServiceUnavailable(w, kind.Message())
	case KindUnauthenticated:
		httputil.WriteUnauthorized(w, kind.Message())
	case KindInactiveBranch:
		httputil.WriteFailure(w, kind.HTTPStatus(), kind.Message(), map[string]interface{}{"branch_status": "inactive"})
	default:
		httputil.WriteFailure(w, kind.HTTPStatus(), kind.Message(), fields)
	}
}

// DecisionFromContext returns the decision that admitted the request
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(contextkeys.DecisionKey).(Decision)
	return d, ok
}

// BranchIDFromRequest finds the target branch of a request. The mux route
// variable wins over a JSON body field, which wins over the query string.
// No branch id anywhere is not an error. The body is restored for the handler.
func BranchIDFromRequest(r *http.Request) (*int64, error) {
	vars := mux.Vars(r)
	for _, key := range []string{branchParam, "branch"} {
		if raw, ok := vars[key]; ok && raw != "" {
			return parseBranchID(raw)
		}
	}

	if id, found, err := branchIDFromBody(r); found || err != nil {
		return id, err
	}

	if raw := r.URL.Query().Get(branchParam); raw != "" {
		return parseBranchID(raw)
	}
	return nil, nil
}

func branchIDFromBody(r *http.Request) (*int64, bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, false, nil
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return nil, false, nil
	}

	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read request body: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		// not a JSON object; the handler reports its own body errors
		return nil, false, nil
	}
	raw, ok := fields[branchParam]
	if !ok || string(raw) == "null" {
		return nil, false, nil
	}

	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, true, ErrMalformedBranchID
	}
	switch v := value.(type) {
	case float64:
		id := int64(v)
		if float64(id) != v || id <= 0 {
			return nil, true, ErrMalformedBranchID
		}
		return &id, true, nil
	case string:
		id, err := parseBranchID(v)
		return id, true, err
	default:
		return nil, true, ErrMalformedBranchID
	}
}

func parseBranchID(raw string) (*int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedBranchID, raw)
	}
	return &id, nil
}
