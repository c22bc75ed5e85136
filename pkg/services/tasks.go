package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/apperr"
	"project-tracker-backend/pkg/database"
	"project-tracker-backend/pkg/models"
)

type TaskService struct {
	db       database.DatabaseInterface
	activity *ActivityLogger
	logger   *slog.Logger
}

func NewTaskService(db database.DatabaseInterface, activity *ActivityLogger, logger *slog.Logger) *TaskService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskService{db: db, activity: activity, logger: logger}
}

func (s *TaskService) List(ctx context.Context, actor access.Principal, projectID string) ([]models.Task, error) {
	tasks, err := s.db.ListTasks(ctx, actor, projectID)
	if err != nil {
		return nil, apperr.Wrap("task.list", err)
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	return tasks, nil
}

func (s *TaskService) Get(ctx context.Context, actor access.Principal, id string) (*models.Task, error) {
	task, err := s.db.GetTask(ctx, actor, id)
	if err != nil {
		return nil, apperr.Wrap("task.get", err)
	}
	return task, nil
}

// projectState is what task writes are validated against.
type projectState struct {
	tasks  map[string]*models.Task
	fields []models.CustomField
}

func (s *TaskService) loadState(ctx context.Context, actor access.Principal, projectID string) (*projectState, error) {
	tasks, err := s.db.ListTasks(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}
	fields, err := s.db.ListCustomFields(ctx, actor, projectID)
	if err != nil {
		return nil, err
	}
	return &projectState{tasks: indexTasks(tasks), fields: fields}, nil
}

// prepare derives the status from progress unless the caller set one.
func (st *projectState) prepare(task *models.Task) error {
	explicit := task.Status != ""
	task.Normalize()
	if !explicit {
		task.Status = DeriveStatus(task.Progress, task.Status)
	}
	if err := task.Validate(); err != nil {
		return err
	}
	if err := validateDependencies(task, st.tasks); err != nil {
		return err
	}
	return applyFieldValues(task, st.fields, true)
}

func (s *TaskService) Create(ctx context.Context, actor access.Principal, projectID string, in models.TaskInput) (*models.Task, error) {
	st, err := s.loadState(ctx, actor, projectID)
	if err != nil {
		return nil, apperr.Wrap("task.create", err)
	}
	task := in.NewTask(projectID)
	if err := st.prepare(task); err != nil {
		return nil, apperr.Wrap("task.create", err)
	}
	if err := s.db.CreateTask(ctx, actor, task); err != nil {
		return nil, apperr.Wrap("task.create", err)
	}
	s.activity.Record(ctx, actor, projectID, models.StringPtr(task.ID), models.ActionTaskCreated, snapshot(task))
	return task, nil
}

// Update applies patch. A progress value in the patch is clamped and drives
// the status through DeriveStatus, after any explicit status in the patch.
func (s *TaskService) Update(ctx context.Context, actor access.Principal, id string, patch models.TaskPatch) (*models.Task, error) {
	task, err := s.db.GetTask(ctx, actor, id)
	if err != nil {
		return nil, apperr.Wrap("task.update", err)
	}
	before := task.Clone()

	patch.Apply(task)
	if patch.Progress != nil {
		task.Progress = models.ClampProgress(*patch.Progress)
		task.Status = DeriveStatus(task.Progress, task.Status)
	}
	task.Normalize()
	if err := task.Validate(); err != nil {
		return nil, apperr.Wrap("task.update", err)
	}
	if patch.Dependencies != nil || patch.CustomFieldValues != nil {
		st, err := s.loadState(ctx, actor, task.ProjectID)
		if err != nil {
			return nil, apperr.Wrap("task.update", err)
		}
		if err := validateDependencies(task, st.tasks); err != nil {
			return nil, apperr.Wrap("task.update", err)
		}
		if err := applyFieldValues(task, st.fields, patch.CustomFieldValues != nil); err != nil {
			return nil, apperr.Wrap("task.update", err)
		}
	}

	if err := s.db.UpdateTask(ctx, actor, task); err != nil {
		return nil, apperr.Wrap("task.update", err)
	}
	s.activity.Record(ctx, actor, task.ProjectID, models.StringPtr(task.ID), models.ActionTaskUpdated, diff(before, task))
	return task, nil
}

// UpdateProgress clamps progress to [0,100] and derives the status from it.
func (s *TaskService) UpdateProgress(ctx context.Context, actor access.Principal, id string, progress int) (*models.Task, error) {
	task, err := s.db.GetTask(ctx, actor, id)
	if err != nil {
		return nil, apperr.Wrap("task.progress", err)
	}
	oldProgress, oldStatus := task.Progress, task.Status
	task.Progress = models.ClampProgress(progress)
	task.Status = DeriveStatus(task.Progress, oldStatus)

	if err := s.db.UpdateTask(ctx, actor, task); err != nil {
		return nil, apperr.Wrap("task.progress", err)
	}
	s.activity.Record(ctx, actor, task.ProjectID, models.StringPtr(task.ID), models.ActionTaskProgress, map[string]any{
		"progress": map[string]any{"old": oldProgress, "new": task.Progress},
		"status":   map[string]any{"old": string(oldStatus), "new": string(task.Status)},
	})
	return task, nil
}

// Delete removes the task and drops it from the dependency lists of the
// remaining tasks of its project.
func (s *TaskService) Delete(ctx context.Context, actor access.Principal, id string) error {
	task, err := s.db.GetTask(ctx, actor, id)
	if err != nil {
		return apperr.Wrap("task.delete", err)
	}
	siblings, err := s.db.ListTasks(ctx, actor, task.ProjectID)
	if err != nil {
		return apperr.Wrap("task.delete", err)
	}
	for i := range siblings {
		dependent := &siblings[i]
		if dependent.ID == id || !slices.Contains(dependent.Dependencies, id) {
			continue
		}
		dependent.Dependencies = slices.DeleteFunc(dependent.Dependencies, func(dep string) bool { return dep == id })
		if err := s.db.UpdateTask(ctx, actor, dependent); err != nil {
			return apperr.Wrap("task.delete", err)
		}
	}
	if err := s.db.DeleteTask(ctx, actor, id); err != nil {
		return apperr.Wrap("task.delete", err)
	}
	s.activity.Record(ctx, actor, task.ProjectID, nil, models.ActionTaskDeleted, snapshot(task))
	return nil
}

// CanStart reports whether every dependency of the task is finished.
func (s *TaskService) CanStart(ctx context.Context, actor access.Principal, id string) (bool, error) {
	task, err := s.db.GetTask(ctx, actor, id)
	if err != nil {
		return false, apperr.Wrap("task.can_start", err)
	}
	if len(task.Dependencies) == 0 {
		return true, nil
	}
	siblings, err := s.db.ListTasks(ctx, actor, task.ProjectID)
	if err != nil {
		return false, apperr.Wrap("task.can_start", err)
	}
	return CanStartTask(task, lookupIn(indexTasks(siblings))), nil
}

// ImportFailure describes one rejected import item. Index is zero based.
type ImportFailure struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Error string `json:"error"`
	Err   error  `json:"-"`
}

// ImportResult reports the outcome of a bulk import. Under the best-effort
// policy Created may be shorter than the input; under the atomic policy it is
// either complete or empty.
type ImportResult struct {
	Policy  database.ImportPolicy `json:"policy"`
	Created []models.Task         `json:"created"`
	Failed  []ImportFailure       `json:"failed"`
}

// Err joins the per-item failures, or returns nil.
func (r *ImportResult) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("item %d (%s): %w", f.Index, f.Name, f.Err))
	}
	return errors.Join(errs...)
}

func (r *ImportResult) fail(i int, name string, err error) {
	r.Failed = append(r.Failed, ImportFailure{Index: i, Name: name, Error: apperrMessage(err), Err: err})
}

// Import creates the given tasks in one project using the backend's import policy.
func (s *TaskService) Import(ctx context.Context, actor access.Principal, projectID string, specs []models.TaskInput) (*ImportResult, error) {
	policy := s.db.ImportPolicy()
	result := &ImportResult{Policy: policy, Created: []models.Task{}, Failed: []ImportFailure{}}
	if len(specs) == 0 {
		return result, nil
	}
	st, err := s.loadState(ctx, actor, projectID)
	if err != nil {
		return nil, apperr.Wrap("task.import", err)
	}

	batch := make([]*models.Task, 0, len(specs))
	indices := make([]int, 0, len(specs))
	for i, in := range specs {
		task := in.NewTask(projectID)
		if err := st.prepare(task); err != nil {
			result.fail(i, in.Name, err)
			continue
		}
		batch = append(batch, task)
		indices = append(indices, i)
	}

	switch policy {
	case database.ImportAtomic:
		if len(result.Failed) > 0 {
			first := result.Failed[0]
			return result, &apperr.Error{
				Kind:  apperr.KindOf(first.Err),
				Op:    "task.import",
				Msg:   fmt.Sprintf("item %d (%s): %s; nothing was imported", first.Index, first.Name, first.Error),
				Cause: first.Err,
			}
		}
		if err := s.db.CreateTasks(ctx, actor, projectID, batch); err != nil {
			return result, apperr.Wrap("task.import", err)
		}
		for _, t := range batch {
			result.Created = append(result.Created, *t)
		}
	default:
		for j, t := range batch {
			if err := s.db.CreateTask(ctx, actor, t); err != nil {
				result.fail(indices[j], t.Name, err)
				continue
			}
			result.Created = append(result.Created, *t)
		}
		slices.SortFunc(result.Failed, func(a, b ImportFailure) int { return a.Index - b.Index })
	}

	if len(result.Failed) > 0 {
		s.logger.Warn("import skipped items", "project_id", projectID, "policy", policy, "failed", len(result.Failed))
	}
	if len(result.Created) > 0 {
		ids := make([]string, 0, len(result.Created))
		for _, t := range result.Created {
			ids = append(ids, t.ID)
		}
		s.activity.Record(ctx, actor, projectID, nil, models.ActionTasksImported, map[string]any{
			"policy":   string(policy),
			"count":    len(result.Created),
			"failed":   len(result.Failed),
			"task_ids": ids,
		})
	}
	return result, nil
}

func apperrMessage(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Message()
	}
	return err.Error()
}
