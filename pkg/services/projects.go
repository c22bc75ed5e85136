package services

import (
	"context"
	"log/slog"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/apperr"
	"project-tracker-backend/pkg/database"
	"project-tracker-backend/pkg/models"
)

type ProjectService struct {
	db       database.DatabaseInterface
	activity *ActivityLogger
	logger   *slog.Logger
}

func NewProjectService(db database.DatabaseInterface, activity *ActivityLogger, logger *slog.Logger) *ProjectService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProjectService{db: db, activity: activity, logger: logger}
}

func (s *ProjectService) List(ctx context.Context, actor access.Principal) ([]models.Project, error) {
	projects, err := s.db.ListProjects(ctx, actor)
	if err != nil {
		return nil, apperr.Wrap("project.list", err)
	}
	if projects == nil {
		projects = []models.Project{}
	}
	return projects, nil
}

func (s *ProjectService) Get(ctx context.Context, actor access.Principal, id string) (*models.Project, error) {
	project, err := s.db.GetProject(ctx, actor, id)
	if err != nil {
		return nil, apperr.Wrap("project.get", err)
	}
	return project, nil
}

// Create stores a new project owned by actor.
func (s *ProjectService) Create(ctx context.Context, actor access.Principal, in models.ProjectInput) (*models.Project, error) {
	if !actor.Authenticated() {
		return nil, apperr.Forbidden("project", "")
	}
	project := &models.Project{
		Name:        in.Name,
		Description: in.Description,
		Status:      in.Status,
		TeamMembers: in.TeamMembers,
	}
	project.Normalize()
	if err := project.Validate(); err != nil {
		return nil, apperr.Wrap("project.create", err)
	}
	if err := s.db.CreateProject(ctx, actor, project); err != nil {
		return nil, apperr.Wrap("project.create", err)
	}
	s.logger.Info("project created", "project_id", project.ID, "owner", actor.ID)
	s.activity.Record(ctx, actor, project.ID, nil, models.ActionProjectCreated, snapshot(project))
	return project, nil
}

// Update applies patch. Concurrent updates are last-write-wins.
func (s *ProjectService) Update(ctx context.Context, actor access.Principal, id string, patch models.ProjectPatch) (*models.Project, error) {
	project, err := s.db.GetProject(ctx, actor, id)
	if err != nil {
		return nil, apperr.Wrap("project.update", err)
	}
	before := *project
	before.TeamMembers = append([]string(nil), project.TeamMembers...)

	patch.Apply(project)
	project.Normalize()
	if err := project.Validate(); err != nil {
		return nil, apperr.Wrap("project.update", err)
	}
	if err := s.db.UpdateProject(ctx, actor, project); err != nil {
		return nil, apperr.Wrap("project.update", err)
	}
	s.activity.Record(ctx, actor, project.ID, nil, models.ActionProjectUpdated, diff(before, project))
	return project, nil
}

// Delete removes the project with its tasks and custom fields. The
// project_deleted entry is handed to the store so it is only kept when the
// delete succeeds; activity rows outlive the project.
func (s *ProjectService) Delete(ctx context.Context, actor access.Principal, id string) error {
	project, err := s.db.GetProject(ctx, actor, id)
	if err != nil {
		return apperr.Wrap("project.delete", err)
	}
	changes := snapshot(project)
	if tasks, err := s.db.ListTasks(ctx, actor, id); err == nil {
		changes["task_count"] = len(tasks)
	}
	audit := s.activity.Entry(actor, id, nil, models.ActionProjectDeleted, changes)
	if err := s.db.DeleteProject(ctx, actor, id, audit); err != nil {
		return apperr.Wrap("project.delete", err)
	}
	s.logger.Info("project deleted", "project_id", id, "actor", actor.ID)
	return nil
}
