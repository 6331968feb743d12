package guardhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/raillogistic/guard"
)

var taskEntity = guard.EntityType{App: "tasks", Name: "Task"}

func newEngine(t *testing.T) *guard.Engine {
	t.Helper()
	loader := guard.NewMemoryObjectLoader()
	loader.Put(taskEntity, "t1", map[string]any{"id": "t1", "assigned_to": "u1"})
	loader.Put(taskEntity, "t2", map[string]any{"id": "t2", "assigned_to": "u2"})
	eng, err := guard.NewEngine(nil, guard.WithObjectLoader(loader))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func withUser(u *guard.User) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if u != nil {
				r = r.WithContext(WithUser(r.Context(), u))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func taskRouter(eng *guard.Engine, u *guard.User) http.Handler {
	m := Middleware{Engine: eng}
	r := chi.NewRouter()
	r.Use(withUser(u))
	r.With(m.RequirePermission(guard.Assigned("tasks.change_task"), taskEntity, "id")).
		Put("/tasks/{id}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	return r
}

func TestRequirePermission(t *testing.T) {
	eng := newEngine(t)
	u := &guard.User{ID: "u1", Authenticated: true}
	require.NoError(t, eng.AssignRole(context.Background(), u, guard.RoleEmployee))

	cases := []struct {
		name   string
		user   *guard.User
		path   string
		status int
	}{
		{"anonymous", nil, "/tasks/t1", http.StatusUnauthorized},
		{"assigned", u, "/tasks/t1", http.StatusNoContent},
		{"not assigned", u, "/tasks/t2", http.StatusForbidden},
		{"no role", &guard.User{ID: "u2", Authenticated: true}, "/tasks/t2", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			taskRouter(eng, tc.user).ServeHTTP(rec, httptest.NewRequest(http.MethodPut, tc.path, nil))
			require.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusForbidden {
				var body errorBody
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				require.Equal(t, "forbidden", body.Error)
				require.NotEmpty(t, body.Reason)
			}
		})
	}
}

func TestHandlerRolesAndExplain(t *testing.T) {
	eng := newEngine(t)
	h := &Handler{Engine: eng}
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/roles")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var roles []map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&roles))
	require.Len(t, roles, 5)

	res2, err := http.Get(srv.URL + "/roles/manager/permissions")
	require.NoError(t, err)
	defer res2.Body.Close()
	var perms struct {
		Permissions []string `json:"permissions"`
		Inherited   []string `json:"inherited"`
	}
	require.NoError(t, json.NewDecoder(res2.Body).Decode(&perms))
	require.Contains(t, perms.Permissions, "reports.*")
	require.Contains(t, perms.Inherited, "dashboard.view_dashboard")

	body, _ := json.Marshal(explainRequest{
		User:       &guard.User{ID: "root", Authenticated: true, Superuser: true},
		Permission: "projects.delete_project",
	})
	res3, err := http.Post(srv.URL+"/explain", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer res3.Body.Close()
	require.Equal(t, http.StatusOK, res3.StatusCode)
	var exp guard.Explanation
	require.NoError(t, json.NewDecoder(res3.Body).Decode(&exp))
	require.True(t, exp.Decision.Allowed)
	require.Contains(t, exp.Roles, guard.RoleSuperadmin)
	require.NotEmpty(t, exp.Trace)

	res4, err := http.Get(srv.URL + "/roles/ghost/permissions")
	require.NoError(t, err)
	res4.Body.Close()
	require.Equal(t, http.StatusNotFound, res4.StatusCode)
}

func TestHandlerResolveField(t *testing.T) {
	eng := newEngine(t)
	srv := httptest.NewServer((&Handler{Engine: eng}).Routes())
	defer srv.Close()

	body, _ := json.Marshal(fieldRequest{
		User:   &guard.User{ID: "u9", Authenticated: true},
		Entity: "hr.Employee",
		Field:  "salary",
	})
	res, err := http.Post(srv.URL+"/fields/resolve", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	var d guard.FieldDecision
	require.NoError(t, json.NewDecoder(res.Body).Decode(&d))
	require.Equal(t, guard.AccessRead, d.Access)
	require.Equal(t, guard.Masked, d.Visibility)
	require.Equal(t, guard.DefaultMaskValue, d.MaskValue)
}
