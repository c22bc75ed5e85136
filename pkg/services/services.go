// Package services orchestrates multi-step operations on top of a storage
// backend: validation, progress-driven status, dependency rules, bulk import
// and the activity trail.
package services

import (
	"log/slog"

	"project-tracker-backend/pkg/database"
)

// Services bundles every service over one backend.
type Services struct {
	Projects *ProjectService
	Tasks    *TaskService
	Fields   *CustomFieldService
	Users    *UserService
	Activity *ActivityLogger
}

func New(db database.DatabaseInterface, logger *slog.Logger) *Services {
	if logger == nil {
		logger = slog.Default()
	}
	activity := NewActivityLogger(db, logger)
	return &Services{
		Projects: NewProjectService(db, activity, logger),
		Tasks:    NewTaskService(db, activity, logger),
		Fields:   NewCustomFieldService(db, activity, logger),
		Users:    NewUserService(db, logger),
		Activity: activity,
	}
}
