package database_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/apperr"
	"project-tracker-backend/pkg/database"
	"project-tracker-backend/pkg/database/dbtest"
	"project-tracker-backend/pkg/models"
)

func forEachBackend(t *testing.T, fn func(t *testing.T, env *dbtest.Env)) {
	for _, backend := range dbtest.Variants {
		t.Run(backend, func(t *testing.T) {
			fn(t, dbtest.Open(t, backend))
		})
	}
}

func newProject(name string, members ...string) *models.Project {
	p := &models.Project{Name: name, TeamMembers: members}
	p.Normalize()
	return p
}

func newTask(projectID, name string) *models.Task {
	t := &models.Task{
		ProjectID: projectID,
		Name:      name,
		StartDate: models.MustDate("2024-04-01"),
		EndDate:   models.MustDate("2024-04-10"),
	}
	t.Normalize()
	return t
}

func TestProjectVisibility(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *dbtest.Env) {
		ctx := context.Background()
		alice := env.NewPrincipal(t, "alice@example.com")
		bob := env.NewPrincipal(t, "bob@example.com")
		carol := env.NewPrincipal(t, "carol@example.com")

		p := newProject("Apollo", bob.Email)
		require.NoError(t, env.DB.CreateProject(ctx, alice, p))
		require.NotEmpty(t, p.ID)
		require.NotNil(t, p.OwnerID)
		assert.Equal(t, alice.ID, *p.OwnerID)

		got, err := env.DB.GetProject(ctx, bob, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "Apollo", got.Name)
		assert.Equal(t, []string{bob.Email}, got.TeamMembers)

		_, err = env.DB.GetProject(ctx, carol, p.ID)
		assert.True(t, apperr.Is(err, apperr.KindNotFound), "reads never reveal existence: %v", err)

		list, err := env.DB.ListProjects(ctx, carol)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestProjectListOrdering(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *dbtest.Env) {
		ctx := context.Background()
		alice := env.NewPrincipal(t, "alice@example.com")

		var ids []string
		for _, name := range []string{"one", "two", "three"} {
			p := newProject(name)
			require.NoError(t, env.DB.CreateProject(ctx, alice, p))
			ids = append(ids, p.ID)
		}
		first, err := env.DB.GetProject(ctx, alice, ids[0])
		require.NoError(t, err)
		first.Description = "touched"
		require.NoError(t, env.DB.UpdateProject(ctx, alice, first))

		list, err := env.DB.ListProjects(ctx, alice)
		require.NoError(t, err)
		var got []string
		for _, p := range list {
			got = append(got, p.ID)
		}
		if env.Backend == database.BackendLocal {
			assert.Equal(t, ids, got, "local lists in insertion order")
		} else {
			assert.Equal(t, []string{ids[0], ids[2], ids[1]}, got, "last_modified descending")
		}
	})
}

func TestAccessMatrix(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *dbtest.Env) {
		ctx := context.Background()
		owner := env.NewPrincipal(t, "owner@example.com")
		member := env.NewPrincipal(t, "member@example.com")
		stranger := env.NewPrincipal(t, "stranger@example.com")

		type op struct {
			name  string
			write bool
			run   func(p access.Principal, projectID string) error
		}
		ops := []op{
			{"read", false, func(p access.Principal, id string) error {
				_, err := env.DB.GetProject(ctx, p, id)
				return err
			}},
			{"create-child", true, func(p access.Principal, id string) error {
				return env.DB.CreateTask(ctx, p, newTask(id, "child"))
			}},
			{"update", true, func(p access.Principal, id string) error {
				current, err := env.DB.GetProject(ctx, owner, id)
				if err != nil {
					return err
				}
				current.Description = "edited by " + p.Email
				return env.DB.UpdateProject(ctx, p, current)
			}},
			{"delete", true, func(p access.Principal, id string) error {
				return env.DB.DeleteProject(ctx, p, id, nil)
			}},
		}

		for _, o := range ops {
			for _, who := range []struct {
				name      string
				principal access.Principal
				allowed   bool
			}{
				{"owner", owner, true},
				{"member", member, true},
				{"stranger", stranger, false},
			} {
				t.Run(o.name+"/"+who.name, func(t *testing.T) {
					p := newProject("matrix", member.ID)
					require.NoError(t, env.DB.CreateProject(ctx, owner, p))

					err := o.run(who.principal, p.ID)
					if who.allowed {
						assert.NoError(t, err)
						return
					}
					require.Error(t, err)
					assert.True(t, apperr.IsAccessDenied(err), "got %v", err)
					if env.Backend == database.BackendSQLite && o.write {
						assert.True(t, apperr.Is(err, apperr.KindAuthorization), "raw SQL reports denied writes explicitly")
					}
					_, err = env.DB.GetProject(ctx, owner, p.ID)
					assert.NoError(t, err, "denied operation must leave the project in place")
				})
			}
		}
	})
}

func TestUpdateCannotRemoveOwnAccess(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *dbtest.Env) {
		ctx := context.Background()
		owner := env.NewPrincipal(t, "owner@example.com")
		member := env.NewPrincipal(t, "member@example.com")

		p := newProject("exit", member.ID)
		require.NoError(t, env.DB.CreateProject(ctx, owner, p))

		mine, err := env.DB.GetProject(ctx, member, p.ID)
		require.NoError(t, err)
		mine.TeamMembers = []string{}
		err = env.DB.UpdateProject(ctx, member, mine)
		assert.True(t, apperr.Is(err, apperr.KindAuthorization), "got %v", err)

		still, err := env.DB.GetProject(ctx, member, p.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{member.ID}, still.TeamMembers)

		// the owner keeps access regardless of team membership
		ownerCopy, err := env.DB.GetProject(ctx, owner, p.ID)
		require.NoError(t, err)
		ownerCopy.TeamMembers = nil
		require.NoError(t, env.DB.UpdateProject(ctx, owner, ownerCopy))
	})
}

func TestLastWriteWins(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *dbtest.Env) {
		ctx := context.Background()
		alice := env.NewPrincipal(t, "alice@example.com")
		bob := env.NewPrincipal(t, "bob@example.com")

		p := newProject("race", bob.ID)
		require.NoError(t, env.DB.CreateProject(ctx, alice, p))

		aliceCopy, err := env.DB.GetProject(ctx, alice, p.ID)
		require.NoError(t, err)
		bobCopy, err := env.DB.GetProject(ctx, bob, p.ID)
		require.NoError(t, err)

		aliceCopy.Name = "alice's name"
		require.NoError(t, env.DB.UpdateProject(ctx, alice, aliceCopy))
		bobCopy.Name = "bob's name"
		require.NoError(t, env.DB.UpdateProject(ctx, bob, bobCopy), "stale writes are not rejected")

		got, err := env.DB.GetProject(ctx, alice, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "bob's name", got.Name)
	})
}

func TestDeleteProjectCascades(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *dbtest.Env) {
		ctx := context.Background()
		alice := env.NewPrincipal(t, "alice@example.com")

		p := newProject("cascade")
		require.NoError(t, env.DB.CreateProject(ctx, alice, p))
		field := &models.CustomField{ProjectID: p.ID, Name: "Risk", FieldType: models.FieldText}
		require.NoError(t, env.DB.CreateCustomField(ctx, alice, field))

		for _, name := range []string{"a", "b", "c"} {
			task := newTask(p.ID, name)
			require.NoError(t, env.DB.CreateTask(ctx, alice, task))
			require.NoError(t, env.DB.AppendActivity(ctx, alice, &models.ActivityLog{
				ProjectID: p.ID,
				TaskID:    models.StringPtr(task.ID),
				UserID:    models.StringPtr(alice.ID),
				Action:    models.ActionTaskCreated,
			}))
		}
		tasks, err := env.DB.ListTasks(ctx, alice, p.ID)
		require.NoError(t, err)
		require.Len(t, tasks, 3)

		audit := &models.ActivityLog{
			ProjectID: p.ID,
			UserID:    models.StringPtr(alice.ID),
			Action:    models.ActionProjectDeleted,
		}
		require.NoError(t, env.DB.DeleteProject(ctx, alice, p.ID, audit))

		_, err = env.DB.ListTasks(ctx, alice, p.ID)
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
		for _, task := range tasks {
			_, err := env.DB.GetTask(ctx, alice, task.ID)
			assert.True(t, apperr.Is(err, apperr.KindNotFound))
		}
		_, err = env.DB.GetCustomField(ctx, alice, field.ID)
		assert.True(t, apperr.Is(err, apperr.KindNotFound))

		entries := env.RawActivity(t, p.ID)
		require.Len(t, entries, 4, "activity outlives the project")
		deleted := 0
		for _, e := range entries {
			assert.Nil(t, e.TaskID)
			require.NotNil(t, e.UserID)
			if e.Action == models.ActionProjectDeleted {
				deleted++
			}
		}
		assert.Equal(t, 1, deleted)
	})
}

func TestDeleteProjectAuditOnlyOnSuccess(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *dbtest.Env) {
		ctx := context.Background()
		alice := env.NewPrincipal(t, "alice@example.com")
		mallory := env.NewPrincipal(t, "mallory@example.com")
		p := newProject("private")
		require.NoError(t, env.DB.CreateProject(ctx, alice, p))

		audit := &models.ActivityLog{
			ProjectID: p.ID,
			UserID:    models.StringPtr(mallory.ID),
			Action:    models.ActionProjectDeleted,
		}
		err := env.DB.DeleteProject(ctx, mallory, p.ID, audit)
		require.Error(t, err)
		assert.True(t, apperr.IsAccessDenied(err))
		assert.Empty(t, env.RawActivity(t, p.ID))

		_, err = env.DB.GetProject(ctx, alice, p.ID)
		require.NoError(t, err)
	})
}

func TestDeleteUserClearsReferences(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *dbtest.Env) {
		ctx := context.Background()
		owner := env.NewPrincipal(t, "owner@example.com")
		member := env.NewPrincipal(t, "member@example.com")
		assignee := env.NewPrincipal(t, "assignee@example.com")

		p := newProject("retained", member.ID)
		require.NoError(t, env.DB.CreateProject(ctx, owner, p))
		task := newTask(p.ID, "assigned")
		task.AssigneeID = models.StringPtr(assignee.ID)
		require.NoError(t, env.DB.CreateTask(ctx, owner, task))
		require.NoError(t, env.DB.AppendActivity(ctx, owner, &models.ActivityLog{
			ProjectID: p.ID, UserID: models.StringPtr(owner.ID), Action: models.ActionProjectCreated,
		}))

		require.NoError(t, env.DB.DeleteUser(ctx, owner.ID))
		got, err := env.DB.GetProject(ctx, member, p.ID)
		require.NoError(t, err, "project survives its owner")
		assert.Nil(t, got.OwnerID)

		require.NoError(t, env.DB.DeleteUser(ctx, assignee.ID))
		gotTask, err := env.DB.GetTask(ctx, member, task.ID)
		require.NoError(t, err, "task survives its assignee")
		assert.Nil(t, gotTask.AssigneeID)

		entries := env.RawActivity(t, p.ID)
		require.Len(t, entries, 1)
		assert.Nil(t, entries[0].UserID)

		err = env.DB.DeleteUser(ctx, owner.ID)
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *dbtest.Env) {
		ctx := context.Background()
		env.NewPrincipal(t, "dup@example.com")

		err := env.DB.CreateUser(ctx, &models.User{Email: "Dup@Example.com", Password: "another password"})
		assert.True(t, apperr.Is(err, apperr.KindDuplicate), "got %v", err)
	})
}

func TestCreateTasksIsAtomicOnServerBackends(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *dbtest.Env) {
		if env.DB.ImportPolicy() != database.ImportAtomic {
			t.Skip("best-effort backend")
		}
		ctx := context.Background()
		alice := env.NewPrincipal(t, "alice@example.com")
		p := newProject("batch")
		require.NoError(t, env.DB.CreateProject(ctx, alice, p))

		bad := newTask(p.ID, "inverted")
		bad.EndDate = models.MustDate("2024-03-01")
		batch := []*models.Task{newTask(p.ID, "1"), newTask(p.ID, "2"), bad, newTask(p.ID, "4")}

		err := env.DB.CreateTasks(ctx, alice, p.ID, batch)
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)

		tasks, err := env.DB.ListTasks(ctx, alice, p.ID)
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})
}

func TestActivityIsSelfAttributed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *dbtest.Env) {
		ctx := context.Background()
		alice := env.NewPrincipal(t, "alice@example.com")
		bob := env.NewPrincipal(t, "bob@example.com")
		p := newProject("audit", bob.ID)
		require.NoError(t, env.DB.CreateProject(ctx, alice, p))

		forged := &models.ActivityLog{ProjectID: p.ID, UserID: models.StringPtr(alice.ID), Action: "forged"}
		err := env.DB.AppendActivity(ctx, bob, forged)
		assert.True(t, apperr.IsAccessDenied(err), "got %v", err)

		for _, action := range []string{"first", "second"} {
			require.NoError(t, env.DB.AppendActivity(ctx, bob, &models.ActivityLog{
				ProjectID: p.ID, UserID: models.StringPtr(bob.ID), Action: action,
				Changes: map[string]any{"n": action},
			}))
		}
		entries, err := env.DB.ListActivity(ctx, alice, p.ID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "second", entries[0].Action, "newest first")
		assert.Equal(t, "first", entries[0+1].Action)
		assert.Equal(t, "first", entries[1].Changes["n"])
	})
}

func TestCustomFieldNamesAreUniquePerProject(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *dbtest.Env) {
		ctx := context.Background()
		alice := env.NewPrincipal(t, "alice@example.com")
		p := newProject("fields")
		require.NoError(t, env.DB.CreateProject(ctx, alice, p))

		def := "medium"
		first := &models.CustomField{ProjectID: p.ID, Name: "Priority", FieldType: models.FieldSelect,
			Options: []string{"low", "medium", "high"}, DefaultValue: &def}
		require.NoError(t, env.DB.CreateCustomField(ctx, alice, first))

		err := env.DB.CreateCustomField(ctx, alice, &models.CustomField{ProjectID: p.ID, Name: "priority", FieldType: models.FieldText})
		assert.True(t, apperr.Is(err, apperr.KindDuplicate), "got %v", err)

		fields, err := env.DB.ListCustomFields(ctx, alice, p.ID)
		require.NoError(t, err)
		require.Len(t, fields, 1)
		assert.Equal(t, []string{"low", "medium", "high"}, fields[0].Options)
		require.NotNil(t, fields[0].DefaultValue)
		assert.Equal(t, "medium", *fields[0].DefaultValue)
	})
}

func TestTaskRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *dbtest.Env) {
		ctx := context.Background()
		alice := env.NewPrincipal(t, "alice@example.com")
		p := newProject("roundtrip")
		require.NoError(t, env.DB.CreateProject(ctx, alice, p))

		dep := newTask(p.ID, "dep")
		require.NoError(t, env.DB.CreateTask(ctx, alice, dep))
		task := newTask(p.ID, "main")
		task.Dependencies = []string{dep.ID}
		task.CustomFieldValues = map[string]any{"f-1": "x", "f-2": 3.5}
		task.Progress = 40
		task.Status = models.StatusInProgress
		require.NoError(t, env.DB.CreateTask(ctx, alice, task))

		got, err := env.DB.GetTask(ctx, alice, task.ID)
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ProjectID)
		assert.Equal(t, []string{dep.ID}, got.Dependencies)
		assert.Equal(t, "x", got.CustomFieldValues["f-1"])
		assert.Equal(t, 3.5, got.CustomFieldValues["f-2"])
		assert.Equal(t, "2024-04-01", got.StartDate.String())
		assert.Equal(t, 40, got.Progress)
		assert.Equal(t, models.StatusInProgress, got.Status)

		got.Name = "renamed"
		require.NoError(t, env.DB.UpdateTask(ctx, alice, got))
		again, err := env.DB.GetTask(ctx, alice, task.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", again.Name)
		assert.False(t, again.LastModified.Before(got.CreatedAt))

		require.NoError(t, env.DB.DeleteTask(ctx, alice, dep.ID))
		_, err = env.DB.GetTask(ctx, alice, dep.ID)
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})
}

func TestCreateUserRollsBackOnFailedProfile(t *testing.T) {
	ctx := context.Background()
	env := dbtest.Open(t, database.BackendSQLite)
	_, err := env.SQL.DB().ExecContext(ctx, `DROP TABLE profiles`)
	require.NoError(t, err)

	user := &models.User{Email: "orphan@example.com", Password: "correct horse battery"}
	err = env.DB.CreateUser(ctx, user)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindTransaction), "got %v", err)

	var count int
	require.NoError(t, env.SQL.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE email = ?`, "orphan@example.com").Scan(&count))
	assert.Zero(t, count, "users row is rolled back with the profile")
}
