package guardhttp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/raillogistic/guard"
	"github.com/raillogistic/guard/logger"
)

type ctxKey struct{}

// WithUser stores the authenticated user on ctx.
func WithUser(ctx context.Context, u *guard.User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// UserFromContext returns the user stored by WithUser, or nil.
func UserFromContext(ctx context.Context) *guard.User {
	u, _ := ctx.Value(ctxKey{}).(*guard.User)
	return u
}

// Middleware turns permission decisions into HTTP responses.
type Middleware struct {
	Engine *guard.Engine
	Logger logger.Logger
}

func (m Middleware) log() logger.Logger {
	if m.Logger == nil {
		return logger.Default()
	}
	return m.Logger
}

// RequirePermission rejects requests whose user does not hold perm. When
// objectParam is set, the chi URL parameter of that name is the object id
// for contextual checks on entity.
func (m Middleware) RequirePermission(perm guard.Permission, entity guard.EntityType, objectParam string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u := UserFromContext(r.Context())
			if u == nil || !u.Authenticated || u.ID == "" {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Reason: "login required"})
				return
			}
			var pc *guard.PermissionContext
			if objectParam != "" || !entity.IsZero() {
				pc = &guard.PermissionContext{
					User:      u,
					Entity:    entity,
					Operation: operationFor(r.Method),
				}
				if objectParam != "" {
					pc.ObjectID = chi.URLParam(r, objectParam)
				}
			}
			d, err := m.Engine.Check(r.Context(), u, perm, pc)
			if err != nil {
				m.log().Error("permission check failed", "permission", perm.String(), "user", u.ID, "error", err)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Reason: "permission check failed"})
				return
			}
			if !d.Allowed {
				writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Reason: d.Reason, Permission: perm.String()})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func operationFor(method string) guard.Operation {
	switch method {
	case http.MethodPost:
		return guard.OpCreate
	case http.MethodPut, http.MethodPatch:
		return guard.OpUpdate
	case http.MethodDelete:
		return guard.OpDelete
	}
	return guard.OpRead
}

type errorBody struct {
	Error      string `json:"error"`
	Reason     string `json:"reason"`
	Permission string `json:"permission,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
