// Package dbtest provides storage fixtures for tests: throwaway local and
// sqlite stores, and an in-process stand-in for the Supabase REST and auth
// APIs that enforces the same row policies as the managed schema.
package dbtest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/models"
)

type row = map[string]any

type fakeUser struct {
	ID    string
	Email string
}

// FakeSupabase emulates the subset of PostgREST and GoTrue the adapter uses.
// Bearer tokens are user ids; ServiceKey bypasses row policies.
type FakeSupabase struct {
	Server     *httptest.Server
	AnonKey    string
	ServiceKey string

	mu     sync.Mutex
	users  map[string]fakeUser
	tables map[string][]row
}

// NewFakeSupabase starts the emulator and stops it when the test ends.
func NewFakeSupabase(t testing.TB) *FakeSupabase {
	t.Helper()
	f := &FakeSupabase{
		AnonKey:    "anon-key",
		ServiceKey: "service-key",
		users:      map[string]fakeUser{},
		tables: map[string][]row{
			"projects": {}, "tasks": {}, "custom_fields": {}, "activity_log": {}, "profiles": {},
		},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

// URL is the base URL to configure the adapter with.
func (f *FakeSupabase) URL() string {
	return f.Server.URL
}

// Rows returns a copy of a table, bypassing policies.
func (f *FakeSupabase) Rows(table string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.tables[table]))
	for _, r := range f.tables[table] {
		out = append(out, cloneRow(r))
	}
	return out
}

type role int

const (
	roleAnon role = iota
	roleUser
	roleService
)

type caller struct {
	role      role
	principal access.Principal
}

func (f *FakeSupabase) caller(r *http.Request) caller {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	switch token {
	case f.ServiceKey:
		return caller{role: roleService}
	case "", f.AnonKey:
		return caller{role: roleAnon}
	}
	u, ok := f.users[token]
	if !ok {
		return caller{role: roleUser, principal: access.Principal{ID: token}}
	}
	return caller{role: roleUser, principal: access.Principal{ID: u.ID, Email: u.Email}}
}

func (f *FakeSupabase) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("apikey") != f.AnonKey {
		writeJSON(w, http.StatusUnauthorized, row{"message": "Invalid API key"})
		return
	}
	c := f.caller(r)
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/auth/v1/admin/users"):
		f.serveAdmin(w, r, c, strings.TrimPrefix(strings.TrimPrefix(path, "/auth/v1/admin/users"), "/"))
	case path == "/rest/v1/" || path == "/rest/v1":
		writeJSON(w, http.StatusOK, row{"swagger": "2.0"})
	case strings.HasPrefix(path, "/rest/v1/"):
		f.serveTable(w, r, c, strings.TrimPrefix(path, "/rest/v1/"))
	default:
		writeJSON(w, http.StatusNotFound, row{"message": "not found"})
	}
}

func (f *FakeSupabase) serveAdmin(w http.ResponseWriter, r *http.Request, c caller, id string) {
	if c.role != roleService {
		writeJSON(w, http.StatusForbidden, row{"msg": "User not allowed", "error_code": "not_admin"})
		return
	}
	switch r.Method {
	case http.MethodPost:
		var body struct {
			ID       string `json:"id"`
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" {
			writeJSON(w, http.StatusBadRequest, row{"msg": "email is required", "error_code": "validation_failed"})
			return
		}
		for _, u := range f.users {
			if strings.EqualFold(u.Email, body.Email) {
				writeJSON(w, http.StatusUnprocessableEntity, row{
					"msg":        "A user with this email address has already been registered",
					"error_code": "email_exists",
				})
				return
			}
		}
		if body.ID == "" {
			body.ID = uuid.New().String()
		}
		f.users[body.ID] = fakeUser{ID: body.ID, Email: strings.ToLower(body.Email)}
		writeJSON(w, http.StatusOK, row{"id": body.ID, "email": body.Email, "created_at": time.Now().UTC().Format(time.RFC3339Nano)})
	case http.MethodDelete:
		if _, ok := f.users[id]; !ok {
			writeJSON(w, http.StatusNotFound, row{"msg": "User not found", "error_code": "user_not_found"})
			return
		}
		delete(f.users, id)
		f.onUserDeleted(id)
		writeJSON(w, http.StatusOK, row{})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, row{"msg": "method not allowed"})
	}
}

// onUserDeleted mirrors ON DELETE SET NULL / CASCADE on auth.users references.
func (f *FakeSupabase) onUserDeleted(id string) {
	nullify := func(table, column string) {
		for _, r := range f.tables[table] {
			if r[column] == id {
				r[column] = nil
			}
		}
	}
	nullify("projects", "owner_id")
	nullify("tasks", "assignee_id")
	nullify("activity_log", "user_id")
	f.tables["profiles"] = filterRows(f.tables["profiles"], func(r row) bool { return r["id"] != id })
}

func (f *FakeSupabase) serveTable(w http.ResponseWriter, r *http.Request, c caller, table string) {
	if _, ok := f.tables[table]; !ok {
		writeJSON(w, http.StatusNotFound, row{"code": "42P01", "message": "relation does not exist"})
		return
	}
	if c.role == roleUser {
		if _, ok := f.users[c.principal.ID]; !ok {
			writeJSON(w, http.StatusUnauthorized, row{"code": "PGRST301", "message": "JWT invalid"})
			return
		}
	}
	query := r.URL.Query()
	filters := map[string]string{}
	for key, values := range query {
		if key == "select" || key == "order" || len(values) == 0 {
			continue
		}
		if v, ok := strings.CutPrefix(values[0], "eq."); ok {
			filters[key] = v
		}
	}

	switch r.Method {
	case http.MethodGet:
		var out []row
		for _, rr := range f.tables[table] {
			if matches(rr, filters) && f.visible(c, table, rr) {
				out = append(out, cloneRow(rr))
			}
		}
		sortRows(out, query.Get("order"))
		writeRows(w, http.StatusOK, out)
	case http.MethodPost:
		f.insert(w, r, c, table)
	case http.MethodPatch:
		f.update(w, r, c, table, filters)
	case http.MethodDelete:
		var removed []row
		kept := f.tables[table][:0:0]
		for _, rr := range f.tables[table] {
			if matches(rr, filters) && f.visible(c, table, rr) {
				removed = append(removed, rr)
				continue
			}
			kept = append(kept, rr)
		}
		f.tables[table] = kept
		for _, rr := range removed {
			f.cascade(table, rr)
		}
		writeRows(w, http.StatusOK, removed)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, row{"message": "method not allowed"})
	}
}

func (f *FakeSupabase) insert(w http.ResponseWriter, r *http.Request, c caller, table string) {
	raw, _ := io.ReadAll(r.Body)
	var batch []row
	if strings.HasPrefix(strings.TrimSpace(string(raw)), "[") {
		if err := json.Unmarshal(raw, &batch); err != nil {
			writeJSON(w, http.StatusBadRequest, row{"code": "PGRST102", "message": "invalid body"})
			return
		}
	} else {
		var single row
		if err := json.Unmarshal(raw, &single); err != nil {
			writeJSON(w, http.StatusBadRequest, row{"code": "PGRST102", "message": "invalid body"})
			return
		}
		batch = []row{single}
	}

	// the whole statement succeeds or fails
	pending := append([]row{}, f.tables[table]...)
	for _, rr := range batch {
		if rr["id"] == nil || rr["id"] == "" {
			rr["id"] = uuid.New().String()
		}
		if status, body := f.constraints(table, rr, pending, ""); status != 0 {
			writeJSON(w, status, body)
			return
		}
		if !f.insertAllowed(c, table, rr) {
			writeJSON(w, http.StatusForbidden, row{"code": "42501", "message": `new row violates row-level security policy for table "` + table + `"`})
			return
		}
		pending = append(pending, rr)
	}
	f.tables[table] = pending
	out := make([]row, 0, len(batch))
	for _, rr := range batch {
		out = append(out, cloneRow(rr))
	}
	writeRows(w, http.StatusCreated, out)
}

func (f *FakeSupabase) update(w http.ResponseWriter, r *http.Request, c caller, table string, filters map[string]string) {
	var patch row
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, row{"code": "PGRST102", "message": "invalid body"})
		return
	}
	var targets []int
	for i, rr := range f.tables[table] {
		if matches(rr, filters) && f.visible(c, table, rr) {
			targets = append(targets, i)
		}
	}
	updated := make([]row, 0, len(targets))
	next := append([]row{}, f.tables[table]...)
	for _, i := range targets {
		candidate := cloneRow(next[i])
		for k, v := range patch {
			candidate[k] = v
		}
		if status, body := f.constraints(table, candidate, next, candidate["id"].(string)); status != 0 {
			writeJSON(w, status, body)
			return
		}
		// WITH CHECK on the post-image
		if !f.visibleAfter(c, table, candidate) {
			writeJSON(w, http.StatusForbidden, row{"code": "42501", "message": `new row violates row-level security policy for table "` + table + `"`})
			return
		}
		next[i] = candidate
		updated = append(updated, cloneRow(candidate))
	}
	f.tables[table] = next
	writeRows(w, http.StatusOK, updated)
}

func (f *FakeSupabase) visibleAfter(c caller, table string, candidate row) bool {
	if table == "projects" {
		return c.role == roleService || access.CanAccessProject(c.principal, toProject(candidate))
	}
	return f.visible(c, table, candidate)
}

// constraints emulates primary keys, uniques, checks and foreign keys.
func (f *FakeSupabase) constraints(table string, rr row, existing []row, self string) (int, row) {
	for _, other := range existing {
		if other["id"] == rr["id"] && other["id"] != self {
			return http.StatusConflict, row{"code": "23505", "message": "duplicate key value violates unique constraint \"" + table + "_pkey\""}
		}
	}
	switch table {
	case "tasks":
		if !f.projectExists(rr["project_id"]) {
			return http.StatusConflict, row{"code": "23503", "message": "insert or update on table \"tasks\" violates foreign key constraint"}
		}
		start, _ := rr["start_date"].(string)
		end, _ := rr["end_date"].(string)
		if start == "" || end == "" {
			return http.StatusBadRequest, row{"code": "23502", "message": "null value in column violates not-null constraint"}
		}
		if end < start {
			return http.StatusBadRequest, row{"code": "23514", "message": "new row violates check constraint \"tasks_dates_ordered\""}
		}
		if p, ok := rr["progress"].(float64); ok && (p < 0 || p > 100) {
			return http.StatusBadRequest, row{"code": "23514", "message": "new row violates check constraint \"tasks_progress_check\""}
		}
	case "custom_fields":
		if !f.projectExists(rr["project_id"]) {
			return http.StatusConflict, row{"code": "23503", "message": "insert or update on table \"custom_fields\" violates foreign key constraint"}
		}
		name, _ := rr["name"].(string)
		for _, other := range existing {
			otherName, _ := other["name"].(string)
			if other["id"] != rr["id"] && other["project_id"] == rr["project_id"] && strings.EqualFold(otherName, name) {
				return http.StatusConflict, row{"code": "23505", "message": "duplicate key value violates unique constraint \"idx_custom_fields_name\""}
			}
		}
	}
	return 0, nil
}

func (f *FakeSupabase) projectExists(id any) bool {
	for _, p := range f.tables["projects"] {
		if p["id"] == id {
			return true
		}
	}
	return false
}

func (f *FakeSupabase) projectByID(id any) *models.Project {
	for _, p := range f.tables["projects"] {
		if p["id"] == id {
			return toProject(p)
		}
	}
	return nil
}

// visible mirrors the USING clauses of the managed schema.
func (f *FakeSupabase) visible(c caller, table string, rr row) bool {
	switch c.role {
	case roleService:
		return true
	case roleAnon:
		return false
	}
	switch table {
	case "projects":
		return access.CanAccessProject(c.principal, toProject(rr))
	case "profiles":
		return true
	default:
		return access.CanAccessProject(c.principal, f.projectByID(rr["project_id"]))
	}
}

// insertAllowed mirrors the INSERT ... WITH CHECK clauses.
func (f *FakeSupabase) insertAllowed(c caller, table string, rr row) bool {
	switch c.role {
	case roleService:
		return true
	case roleAnon:
		return false
	}
	switch table {
	case "projects":
		return rr["owner_id"] == c.principal.ID
	case "profiles":
		return false
	case "activity_log":
		project := f.projectByID(rr["project_id"])
		entry := &models.ActivityLog{ProjectID: str(rr["project_id"]), UserID: models.StringPtr(str(rr["user_id"]))}
		return access.CanWriteActivity(c.principal, project, entry)
	default:
		return access.CanAccessProject(c.principal, f.projectByID(rr["project_id"]))
	}
}

// cascade mirrors ON DELETE CASCADE / SET NULL for removed rows.
func (f *FakeSupabase) cascade(table string, removed row) {
	id := removed["id"]
	switch table {
	case "projects":
		var taskIDs []any
		for _, t := range f.tables["tasks"] {
			if t["project_id"] == id {
				taskIDs = append(taskIDs, t["id"])
			}
		}
		f.tables["tasks"] = filterRows(f.tables["tasks"], func(r row) bool { return r["project_id"] != id })
		f.tables["custom_fields"] = filterRows(f.tables["custom_fields"], func(r row) bool { return r["project_id"] != id })
		for _, tid := range taskIDs {
			f.detachTask(tid)
		}
	case "tasks":
		f.detachTask(id)
	}
}

func (f *FakeSupabase) detachTask(id any) {
	for _, a := range f.tables["activity_log"] {
		if a["task_id"] == id {
			a["task_id"] = nil
		}
	}
}

func toProject(rr row) *models.Project {
	if rr == nil {
		return nil
	}
	b, _ := json.Marshal(rr)
	var p models.Project
	_ = json.Unmarshal(b, &p)
	return &p
}

func matches(rr row, filters map[string]string) bool {
	for col, want := range filters {
		if str(rr[col]) != want {
			return false
		}
	}
	return true
}

func sortRows(rows []row, order string) {
	if order == "" {
		return
	}
	type key struct {
		col  string
		desc bool
	}
	var keys []key
	for _, part := range strings.Split(order, ",") {
		col, dir, _ := strings.Cut(part, ".")
		keys = append(keys, key{col: col, desc: dir == "desc"})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			c := compareValues(rows[i][k.col], rows[j][k.col])
			if c == 0 {
				continue
			}
			if k.desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func compareValues(a, b any) int {
	as, bs := str(a), str(b)
	ta, errA := time.Parse(time.RFC3339Nano, as)
	tb, errB := time.Parse(time.RFC3339Nano, bs)
	if errA == nil && errB == nil {
		return ta.Compare(tb)
	}
	return strings.Compare(as, bs)
}

func str(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		b, _ := json.Marshal(s)
		return string(b)
	}
}

func filterRows(rows []row, keep func(row) bool) []row {
	out := rows[:0:0]
	for _, r := range rows {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func cloneRow(r row) row {
	b, _ := json.Marshal(r)
	var out row
	_ = json.Unmarshal(b, &out)
	return out
}

func writeRows(w http.ResponseWriter, status int, rows []row) {
	if rows == nil {
		rows = []row{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rows)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
