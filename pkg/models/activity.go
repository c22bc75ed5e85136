package models

import "time"

// Activity actions written by the services.
const (
	ActionProjectCreated     = "project_created"
	ActionProjectUpdated     = "project_updated"
	ActionProjectDeleted     = "project_deleted"
	ActionTaskCreated        = "task_created"
	ActionTaskUpdated        = "task_updated"
	ActionTaskProgress       = "task_progress_updated"
	ActionTaskDeleted        = "task_deleted"
	ActionTasksImported      = "tasks_imported"
	ActionCustomFieldCreated = "custom_field_created"
	ActionCustomFieldUpdated = "custom_field_updated"
	ActionCustomFieldDeleted = "custom_field_deleted"
)

// ActivityLog is a write-once audit entry. ProjectID is kept after the project
// is deleted; TaskID and UserID are cleared when their targets disappear.
type ActivityLog struct {
	ID        string         `json:"id" db:"id"`
	ProjectID string         `json:"project_id" db:"project_id"`
	TaskID    *string        `json:"task_id" db:"task_id"`
	UserID    *string        `json:"user_id" db:"user_id"`
	Action    string         `json:"action" db:"action"`
	Changes   map[string]any `json:"changes" db:"changes"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}
