package guardhttp

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/raillogistic/guard"
	"github.com/raillogistic/guard/logger"
)

// Handler exposes read-only introspection of an Engine: registered roles,
// permission explanations, field decisions and the audit log.
type Handler struct {
	Engine *guard.Engine
	Logger logger.Logger
}

// Routes mounts the admin endpoints. Callers are expected to protect the
// returned router, for instance with RequirePermission.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/roles", h.listRoles)
	r.Get("/roles/{name}/permissions", h.rolePermissions)
	r.Post("/explain", h.explain)
	r.Post("/fields/resolve", h.resolveField)
	r.Get("/audit", h.accessLog)
	return r
}

func (h *Handler) log() logger.Logger {
	if h.Logger == nil {
		return logger.Default()
	}
	return h.Logger
}

type roleView struct {
	*guard.RoleDefinition
	Parents []string `json:"parents"`
}

func (h *Handler) listRoles(w http.ResponseWriter, _ *http.Request) {
	roles := h.Engine.Roles().Roles()
	out := make([]roleView, 0, len(roles))
	for _, def := range roles {
		out = append(out, roleView{RoleDefinition: def, Parents: h.Engine.Roles().Parents(def.Name)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) rolePermissions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := h.Engine.Roles().Role(name); !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Reason: "unknown role " + name})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role":        name,
		"permissions": h.Engine.Roles().Permissions(name).Sorted(),
		"inherited":   h.Engine.Roles().InheritedPermissions(name).Sorted(),
	})
}

type explainRequest struct {
	User       *guard.User     `json:"user"`
	Permission string          `json:"permission"`
	Entity     string          `json:"entity,omitempty"`
	ObjectID   string          `json:"object_id,omitempty"`
	Operation  guard.Operation `json:"operation,omitempty"`
}

func (h *Handler) explain(w http.ResponseWriter, r *http.Request) {
	var req explainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Permission == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Reason: "user and permission are required"})
		return
	}
	var pc *guard.PermissionContext
	if req.Entity != "" || req.ObjectID != "" {
		pc = &guard.PermissionContext{
			User:      req.User,
			Entity:    guard.Entity(req.Entity),
			ObjectID:  req.ObjectID,
			Operation: req.Operation,
		}
	}
	exp, err := h.Engine.ExplainPermission(r.Context(), req.User, guard.ParsePermission(req.Permission), pc)
	if err != nil {
		h.log().Error("explain failed", "permission", req.Permission, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Reason: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

type fieldRequest struct {
	User      *guard.User     `json:"user"`
	Entity    string          `json:"entity"`
	Field     string          `json:"field"`
	Operation guard.Operation `json:"operation,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
}

func (h *Handler) resolveField(w http.ResponseWriter, r *http.Request) {
	var req fieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Field == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Reason: "field is required"})
		return
	}
	if req.Operation == "" {
		req.Operation = guard.OpRead
	}
	d, err := h.Engine.ResolveField(r.Context(), &guard.FieldContext{
		User:      req.User,
		Entity:    guard.Entity(req.Entity),
		Field:     req.Field,
		Operation: req.Operation,
		Tags:      req.Tags,
	})
	if err != nil {
		h.log().Error("field resolve failed", "field", req.Field, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Reason: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) accessLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := guard.AuditFilter{
		UserID:     q.Get("user_id"),
		Permission: q.Get("permission"),
		Entity:     q.Get("entity"),
	}
	if v := q.Get("allowed"); v != "" {
		allowed, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Reason: "allowed must be a boolean"})
			return
		}
		filter.Allowed = &allowed
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Reason: "limit must be a positive integer"})
			return
		}
		filter.Limit = n
	}
	entries, err := h.Engine.GetAccessLog(r.Context(), filter)
	if err != nil {
		h.log().Error("audit query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Reason: "audit query failed"})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
