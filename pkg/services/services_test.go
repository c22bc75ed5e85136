package services_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/apperr"
	"project-tracker-backend/pkg/database"
	"project-tracker-backend/pkg/database/dbtest"
	"project-tracker-backend/pkg/models"
	"project-tracker-backend/pkg/services"
)

type fixture struct {
	*dbtest.Env
	svc   *services.Services
	alice access.Principal
}

func forEachBackend(t *testing.T, fn func(t *testing.T, f *fixture)) {
	for _, backend := range dbtest.Variants {
		t.Run(backend, func(t *testing.T) {
			env := dbtest.Open(t, backend)
			f := &fixture{
				Env: env,
				svc: services.New(env.DB, slog.New(slog.NewTextHandler(io.Discard, nil))),
			}
			f.alice = env.NewPrincipal(t, "alice@example.com")
			fn(t, f)
		})
	}
}

func (f *fixture) project(t *testing.T, members ...string) *models.Project {
	t.Helper()
	p, err := f.svc.Projects.Create(context.Background(), f.alice, models.ProjectInput{Name: "Apollo", TeamMembers: members})
	require.NoError(t, err)
	return p
}

func (f *fixture) task(t *testing.T, projectID, name string, deps ...string) *models.Task {
	t.Helper()
	task, err := f.svc.Tasks.Create(context.Background(), f.alice, projectID, spec(name, deps...))
	require.NoError(t, err)
	return task
}

func spec(name string, deps ...string) models.TaskInput {
	return models.TaskInput{
		Name:         name,
		StartDate:    models.MustDate("2024-06-01"),
		EndDate:      models.MustDate("2024-06-30"),
		Dependencies: deps,
	}
}

func actions(entries []models.ActivityLog) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func TestProjectMutationsAreAudited(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		p := f.project(t)
		assert.Equal(t, models.ProjectActive, p.Status)

		name := "Apollo 11"
		updated, err := f.svc.Projects.Update(ctx, f.alice, p.ID, models.ProjectPatch{Name: &name})
		require.NoError(t, err)
		assert.Equal(t, name, updated.Name)

		entries, err := f.svc.Activity.List(ctx, f.alice, p.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{models.ActionProjectUpdated, models.ActionProjectCreated}, actions(entries))
		require.NotNil(t, entries[0].UserID)
		assert.Equal(t, f.alice.ID, *entries[0].UserID)
		assert.Contains(t, entries[0].Changes, "name")

		f.task(t, p.ID, "only")
		require.NoError(t, f.svc.Projects.Delete(ctx, f.alice, p.ID))
		_, err = f.svc.Projects.Get(ctx, f.alice, p.ID)
		assert.True(t, apperr.Is(err, apperr.KindNotFound))

		raw := f.RawActivity(t, p.ID)
		assert.Contains(t, actions(raw), models.ActionProjectDeleted)
		assert.Len(t, raw, 4)
	})
}

func TestProjectServiceDeniesStrangers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		stranger := f.NewPrincipal(t, "stranger@example.com")
		p := f.project(t)

		_, err := f.svc.Projects.Get(ctx, stranger, p.ID)
		assert.True(t, apperr.IsAccessDenied(err))
		_, err = f.svc.Tasks.Create(ctx, stranger, p.ID, spec("intruder"))
		assert.True(t, apperr.IsAccessDenied(err))
		assert.True(t, apperr.IsAccessDenied(f.svc.Projects.Delete(ctx, stranger, p.ID)))

		list, err := f.svc.Projects.List(ctx, stranger)
		require.NoError(t, err)
		assert.Empty(t, list)

		_, err = f.svc.Projects.Create(ctx, access.Principal{}, models.ProjectInput{Name: "anon"})
		assert.True(t, apperr.Is(err, apperr.KindAuthorization))
	})
}

func TestTaskDatesAreValidated(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		p := f.project(t)

		inverted := spec("inverted")
		inverted.EndDate = models.MustDate("2024-05-01")
		_, err := f.svc.Tasks.Create(ctx, f.alice, p.ID, inverted)
		assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)

		task := f.task(t, p.ID, "ok")
		end := models.MustDate("2024-01-01")
		_, err = f.svc.Tasks.Update(ctx, f.alice, task.ID, models.TaskPatch{EndDate: &end})
		assert.True(t, apperr.Is(err, apperr.KindValidation))

		stored, err := f.svc.Tasks.Get(ctx, f.alice, task.ID)
		require.NoError(t, err)
		assert.Equal(t, "2024-06-30", stored.EndDate.String(), "rejected update leaves the task unchanged")
	})
}

func TestProgressDrivesStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		p := f.project(t)
		task := f.task(t, p.ID, "progressive")
		assert.Equal(t, models.StatusNotStarted, task.Status)

		steps := []struct {
			progress int
			want     models.TaskStatus
			stored   int
		}{
			{1, models.StatusInProgress, 1},
			{99, models.StatusInProgress, 99},
			{100, models.StatusCompleted, 100},
			{99, models.StatusInProgress, 99},
			{0, models.StatusNotStarted, 0},
			{250, models.StatusCompleted, 100},
			{-3, models.StatusNotStarted, 0},
		}
		for _, step := range steps {
			got, err := f.svc.Tasks.UpdateProgress(ctx, f.alice, task.ID, step.progress)
			require.NoError(t, err)
			assert.Equal(t, step.want, got.Status, "progress %d", step.progress)
			assert.Equal(t, step.stored, got.Progress)
		}

		onHold := models.StatusOnHold
		_, err := f.svc.Tasks.Update(ctx, f.alice, task.ID, models.TaskPatch{Status: &onHold})
		require.NoError(t, err)
		got, err := f.svc.Tasks.UpdateProgress(ctx, f.alice, task.ID, 50)
		require.NoError(t, err)
		assert.Equal(t, models.StatusOnHold, got.Status)

		stored, err := f.svc.Tasks.Get(ctx, f.alice, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusOnHold, stored.Status)
		assert.Equal(t, 50, stored.Progress)

		entries, err := f.svc.Activity.List(ctx, f.alice, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ActionTaskProgress, entries[0].Action)
	})
}

func TestCanStart(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		p := f.project(t)
		a := f.task(t, p.ID, "a")
		b := f.task(t, p.ID, "b")
		c := f.task(t, p.ID, "c")

		free := f.task(t, p.ID, "free")
		single := f.task(t, p.ID, "single", a.ID)
		triple := f.task(t, p.ID, "triple", a.ID, b.ID, c.ID)

		check := func(task *models.Task, want bool) {
			t.Helper()
			ok, err := f.svc.Tasks.CanStart(ctx, f.alice, task.ID)
			require.NoError(t, err)
			assert.Equal(t, want, ok, task.Name)
		}
		check(free, true)
		check(single, false)
		check(triple, false)

		_, err := f.svc.Tasks.UpdateProgress(ctx, f.alice, a.ID, 100)
		require.NoError(t, err)
		check(single, true)
		check(triple, false)

		done := models.StatusDone
		_, err = f.svc.Tasks.Update(ctx, f.alice, b.ID, models.TaskPatch{Status: &done})
		require.NoError(t, err)
		check(triple, false)

		_, err = f.svc.Tasks.UpdateProgress(ctx, f.alice, c.ID, 100)
		require.NoError(t, err)
		check(triple, true)
	})
}

func TestDependencyRules(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		p := f.project(t)
		other := f.project(t)
		foreign := f.task(t, other.ID, "foreign")

		a := f.task(t, p.ID, "a")
		b := f.task(t, p.ID, "b", a.ID)

		deps := []string{b.ID}
		_, err := f.svc.Tasks.Update(ctx, f.alice, a.ID, models.TaskPatch{Dependencies: &deps})
		assert.True(t, apperr.Is(err, apperr.KindValidation), "cycle: %v", err)

		_, err = f.svc.Tasks.Create(ctx, f.alice, p.ID, spec("cross", foreign.ID))
		assert.True(t, apperr.Is(err, apperr.KindValidation), "cross-project: %v", err)

		// deleting a dependency unlinks it from its dependents
		require.NoError(t, f.svc.Tasks.Delete(ctx, f.alice, a.ID))
		got, err := f.svc.Tasks.Get(ctx, f.alice, b.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Dependencies)

		ok, err := f.svc.Tasks.CanStart(ctx, f.alice, b.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestImportPolicies(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		p := f.project(t)

		specs := []models.TaskInput{spec("1"), spec("2"), spec("3"), spec("4"), spec("5")}
		specs[2].EndDate = models.MustDate("2024-01-01")

		result, err := f.svc.Tasks.Import(ctx, f.alice, p.ID, specs)
		tasks, listErr := f.svc.Tasks.List(ctx, f.alice, p.ID)
		require.NoError(t, listErr)

		switch f.DB.ImportPolicy() {
		case database.ImportBestEffort:
			require.NoError(t, err)
			assert.Equal(t, database.ImportBestEffort, result.Policy)
			assert.Len(t, result.Created, 4)
			require.Len(t, result.Failed, 1)
			assert.Equal(t, 2, result.Failed[0].Index)
			assert.Equal(t, "3", result.Failed[0].Name)
			assert.Error(t, result.Err())
			assert.Len(t, tasks, 4)
		case database.ImportAtomic:
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
			require.NotNil(t, result)
			assert.Empty(t, result.Created)
			assert.Empty(t, tasks, "the project's task list is unchanged")
		}

		specs[2].EndDate = models.MustDate("2024-07-31")
		result, err = f.svc.Tasks.Import(ctx, f.alice, p.ID, specs)
		require.NoError(t, err)
		assert.Len(t, result.Created, 5)
		assert.Empty(t, result.Failed)
		assert.NoError(t, result.Err())
	})
}

func TestCustomFieldContract(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		p := f.project(t)

		_, err := f.svc.Fields.Create(ctx, f.alice, p.ID, models.CustomFieldInput{Name: "Size", FieldType: models.FieldSelect})
		assert.True(t, apperr.Is(err, apperr.KindValidation), "select without options")

		bad := "lots"
		_, err = f.svc.Fields.Create(ctx, f.alice, p.ID, models.CustomFieldInput{Name: "Cost", FieldType: models.FieldNumber, DefaultValue: &bad})
		assert.True(t, apperr.Is(err, apperr.KindValidation), "default must cast")

		cost, err := f.svc.Fields.Create(ctx, f.alice, p.ID, models.CustomFieldInput{Name: "Cost", FieldType: models.FieldNumber, Required: true})
		require.NoError(t, err)
		yes := "true"
		flag, err := f.svc.Fields.Create(ctx, f.alice, p.ID, models.CustomFieldInput{Name: "Billable", FieldType: models.FieldBoolean, DefaultValue: &yes})
		require.NoError(t, err)

		_, err = f.svc.Tasks.Create(ctx, f.alice, p.ID, spec("missing cost"))
		assert.True(t, apperr.Is(err, apperr.KindValidation), "required field")

		in := spec("costed")
		in.CustomFieldValues = map[string]any{cost.ID: "42"}
		task, err := f.svc.Tasks.Create(ctx, f.alice, p.ID, in)
		require.NoError(t, err)
		assert.Equal(t, 42.0, task.CustomFieldValues[cost.ID])
		assert.Equal(t, true, task.CustomFieldValues[flag.ID], "default fills the value")

		text := models.FieldText
		_, err = f.svc.Fields.Update(ctx, f.alice, cost.ID, models.CustomFieldPatch{FieldType: &text})
		assert.True(t, apperr.Is(err, apperr.KindValidation), "type change with existing values")

		required := false
		updated, err := f.svc.Fields.Update(ctx, f.alice, cost.ID, models.CustomFieldPatch{Required: &required})
		require.NoError(t, err)
		assert.False(t, updated.Required)

		require.NoError(t, f.svc.Fields.Delete(ctx, f.alice, cost.ID))
		stored, err := f.svc.Tasks.Get(ctx, f.alice, task.ID)
		require.NoError(t, err)
		assert.NotContains(t, stored.CustomFieldValues, cost.ID)
		assert.Contains(t, stored.CustomFieldValues, flag.ID)

		fields, err := f.svc.Fields.List(ctx, f.alice, p.ID)
		require.NoError(t, err)
		require.Len(t, fields, 1)
		assert.Equal(t, "Billable", fields[0].Name)

		entries, err := f.svc.Activity.List(ctx, f.alice, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ActionCustomFieldDeleted, entries[0].Action)
	})
}

func TestUserLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()

		_, err := f.svc.Users.Register(ctx, models.UserRegisterRequest{Email: "not-an-email", Password: "long enough"})
		assert.True(t, apperr.Is(err, apperr.KindValidation))
		_, err = f.svc.Users.Register(ctx, models.UserRegisterRequest{Email: "bob@example.com", Password: "short"})
		assert.True(t, apperr.Is(err, apperr.KindValidation))

		user, err := f.svc.Users.Register(ctx, models.UserRegisterRequest{Email: " Bob@Example.com ", Password: "long enough", DisplayName: "Bob"})
		require.NoError(t, err)
		assert.NotEmpty(t, user.ID)
		assert.Equal(t, "bob@example.com", user.Email)
		assert.Empty(t, user.Password)

		_, err = f.svc.Users.Register(ctx, models.UserRegisterRequest{Email: "bob@example.com", Password: "long enough"})
		assert.True(t, apperr.Is(err, apperr.KindDuplicate), "got %v", err)

		bob := access.Principal{ID: user.ID, Email: user.Email, Token: user.ID}
		assert.True(t, apperr.Is(f.svc.Users.Delete(ctx, f.alice, bob.ID), apperr.KindAuthorization))
		require.NoError(t, f.svc.Users.Delete(ctx, bob, bob.ID))
	})
}

type failingActivity struct {
	database.DatabaseInterface
}

func (failingActivity) AppendActivity(context.Context, access.Principal, *models.ActivityLog) error {
	return apperr.Unavailable("activity.append", errors.New("connection refused"))
}

func TestActivityFailureDoesNotFailMutation(t *testing.T) {
	env := dbtest.Open(t, database.BackendLocal)
	alice := env.NewPrincipal(t, "alice@example.com")

	var logs bytes.Buffer
	svc := services.New(failingActivity{env.DB}, slog.New(slog.NewTextHandler(&logs, nil)))

	p, err := svc.Projects.Create(context.Background(), alice, models.ProjectInput{Name: "quiet"})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "activity log append failed")

	entries, err := svc.Activity.List(context.Background(), alice, p.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type failingDelete struct {
	database.DatabaseInterface
}

func (failingDelete) DeleteProject(context.Context, access.Principal, string, *models.ActivityLog) error {
	return apperr.Unavailable("project.delete", errors.New("connection reset"))
}

func TestFailedProjectDeleteLeavesNoAuditEntry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		p := f.project(t)
		failing := services.New(failingDelete{f.DB}, slog.New(slog.NewTextHandler(io.Discard, nil)))

		err := failing.Projects.Delete(ctx, f.alice, p.ID)
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindBackendUnavailable))

		_, err = f.svc.Projects.Get(ctx, f.alice, p.ID)
		require.NoError(t, err)
		entries, err := f.svc.Activity.List(ctx, f.alice, p.ID)
		require.NoError(t, err)
		assert.NotContains(t, actions(entries), models.ActionProjectDeleted)

		require.NoError(t, f.svc.Projects.Delete(ctx, f.alice, p.ID))
		var deleted int
		for _, e := range f.RawActivity(t, p.ID) {
			if e.Action == models.ActionProjectDeleted {
				deleted++
			}
		}
		assert.Equal(t, 1, deleted)
	})
}

func TestCreateDerivesStatusFromProgress(t *testing.T) {
	cases := []struct {
		progress int
		status   models.TaskStatus
	}{
		{0, models.StatusNotStarted},
		{1, models.StatusInProgress},
		{50, models.StatusInProgress},
		{100, models.StatusCompleted},
	}
	forEachBackend(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		p := f.project(t)
		for _, tc := range cases {
			in := spec("created")
			in.Progress = tc.progress
			task, err := f.svc.Tasks.Create(ctx, f.alice, p.ID, in)
			require.NoError(t, err)
			assert.Equal(t, tc.status, task.Status, "create at %d%%", tc.progress)

			in = spec("imported")
			in.Progress = tc.progress
			result, err := f.svc.Tasks.Import(ctx, f.alice, p.ID, []models.TaskInput{in})
			require.NoError(t, err)
			require.Len(t, result.Created, 1)
			assert.Equal(t, tc.status, result.Created[0].Status, "import at %d%%", tc.progress)
		}

		explicit := spec("held")
		explicit.Progress = 40
		explicit.Status = models.StatusOnHold
		held, err := f.svc.Tasks.Create(ctx, f.alice, p.ID, explicit)
		require.NoError(t, err)
		assert.Equal(t, models.StatusOnHold, held.Status)

		finished := spec("finished")
		finished.Progress = 100
		dep, err := f.svc.Tasks.Create(ctx, f.alice, p.ID, finished)
		require.NoError(t, err)
		child := f.task(t, p.ID, "child", dep.ID)
		ok, err := f.svc.Tasks.CanStart(ctx, f.alice, child.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
