package dbtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/database"
	"project-tracker-backend/pkg/models"
)

// Variants lists the backends contract tests run against.
var Variants = []string{database.BackendLocal, database.BackendSQLite, database.BackendSupabase}

// Env is an opened backend plus handles for inspecting it behind the adapter.
type Env struct {
	Backend string
	DB      database.DatabaseInterface
	Fake    *FakeSupabase
	SQL     *database.SQLDatabase
	Local   *database.LocalDatabase

	localDir string
}

// Open returns a fresh, empty store of the given variant.
func Open(t testing.TB, backend string) *Env {
	t.Helper()
	ctx := context.Background()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &Env{Backend: backend}

	switch backend {
	case database.BackendLocal:
		env.localDir = t.TempDir()
		db, err := database.NewLocalDatabase(env.localDir, "test")
		if err != nil {
			t.Fatalf("open local store: %v", err)
		}
		env.DB, env.Local = db, db
	case database.BackendSQLite:
		db, err := database.NewSQLiteDatabase(ctx, database.DatabaseConfig{
			SQLitePath:   filepath.Join(t.TempDir(), "tracker.db"),
			QueryTimeout: 5 * time.Second,
			Logger:       quiet,
		})
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		env.DB, env.SQL = db, db
	case database.BackendSupabase:
		fake := NewFakeSupabase(t)
		db, err := database.NewSupabaseDatabase(database.DatabaseConfig{
			SupabaseURL:        fake.URL(),
			SupabaseAnonKey:    fake.AnonKey,
			SupabaseServiceKey: fake.ServiceKey,
			QueryTimeout:       5 * time.Second,
			Logger:             quiet,
		})
		if err != nil {
			t.Fatalf("open supabase store: %v", err)
		}
		env.DB, env.Fake = db, fake
	default:
		t.Fatalf("unknown backend %q", backend)
	}
	t.Cleanup(func() { _ = env.DB.Close() })
	return env
}

// NewPrincipal registers a user and returns it as an authenticated principal.
// The token is the user id, which is what FakeSupabase expects.
func (e *Env) NewPrincipal(t testing.TB, email string) access.Principal {
	t.Helper()
	user := &models.User{Email: email, Password: "correct horse battery", DisplayName: email}
	if err := e.DB.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return access.Principal{ID: user.ID, Email: user.Email, Token: user.ID}
}

// RawActivity reads every activity entry for projectID straight from the
// backing store, bypassing authorization. Entries survive project deletion,
// which the adapter API cannot show.
func (e *Env) RawActivity(t testing.TB, projectID string) []models.ActivityLog {
	t.Helper()
	var all []models.ActivityLog
	switch e.Backend {
	case database.BackendLocal:
		data, err := os.ReadFile(filepath.Join(e.localDir, "test.activity.json"))
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			t.Fatalf("read activity: %v", err)
		}
		if err := json.Unmarshal(data, &all); err != nil {
			t.Fatalf("decode activity: %v", err)
		}
	case database.BackendSQLite:
		rows, err := e.SQL.DB().Query(`SELECT id, project_id, task_id, user_id, action FROM activity_log`)
		if err != nil {
			t.Fatalf("query activity: %v", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var a models.ActivityLog
			var taskID, userID sql.NullString
			if err := rows.Scan(&a.ID, &a.ProjectID, &taskID, &userID, &a.Action); err != nil {
				t.Fatalf("scan activity: %v", err)
			}
			if taskID.Valid {
				a.TaskID = &taskID.String
			}
			if userID.Valid {
				a.UserID = &userID.String
			}
			all = append(all, a)
		}
	case database.BackendSupabase:
		data, _ := json.Marshal(e.Fake.Rows("activity_log"))
		if err := json.Unmarshal(data, &all); err != nil {
			t.Fatalf("decode activity: %v", err)
		}
	}
	var out []models.ActivityLog
	for _, a := range all {
		if a.ProjectID == projectID {
			out = append(out, a)
		}
	}
	return out
}
