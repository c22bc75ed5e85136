package models

import (
	"strings"
	"time"

	"project-tracker-backend/pkg/apperr"
)

// TaskType distinguishes plain work items from schedule markers.
type TaskType string

const (
	TaskTypeTask        TaskType = "task"
	TaskTypeMilestone   TaskType = "milestone"
	TaskTypeDeliverable TaskType = "deliverable"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeTask, TaskTypeMilestone, TaskTypeDeliverable:
		return true
	}
	return false
}

// TaskStatus is the workflow state of a task.
type TaskStatus string

const (
	StatusNotStarted TaskStatus = "not-started"
	StatusInProgress TaskStatus = "in-progress"
	StatusCompleted  TaskStatus = "completed"
	StatusDone       TaskStatus = "done" // terminal synonym of completed
	StatusOnHold     TaskStatus = "on-hold"
	StatusImpacted   TaskStatus = "impacted"
	StatusBlocked    TaskStatus = "blocked"
)

// TaskStatuses lists every accepted status.
var TaskStatuses = []TaskStatus{
	StatusNotStarted, StatusInProgress, StatusCompleted, StatusDone,
	StatusOnHold, StatusImpacted, StatusBlocked,
}

func (s TaskStatus) Valid() bool {
	for _, v := range TaskStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status counts as finished for dependency gating.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDone
}

// Task is a unit of work inside a project.
type Task struct {
	ID                string         `json:"id" db:"id"`
	ProjectID         string         `json:"project_id" db:"project_id"`
	Name              string         `json:"name" db:"name"`
	Description       string         `json:"description" db:"description"`
	TaskType          TaskType       `json:"task_type" db:"task_type"`
	Status            TaskStatus     `json:"status" db:"status"`
	StartDate         Date           `json:"start_date" db:"start_date"`
	EndDate           Date           `json:"end_date" db:"end_date"`
	AssigneeID        *string        `json:"assignee_id" db:"assignee_id"`
	Progress          int            `json:"progress" db:"progress"`
	Dependencies      []string       `json:"dependencies" db:"dependencies"`
	CustomFieldValues map[string]any `json:"custom_fields" db:"custom_fields"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
	LastModified      time.Time      `json:"last_modified" db:"last_modified"`
}

// TaskInput is a task specification as received from callers and import files.
type TaskInput struct {
	Name              string         `json:"name" yaml:"name"`
	Description       string         `json:"description" yaml:"description"`
	TaskType          TaskType       `json:"task_type" yaml:"task_type"`
	Status            TaskStatus     `json:"status" yaml:"status"`
	StartDate         Date           `json:"start_date" yaml:"start_date"`
	EndDate           Date           `json:"end_date" yaml:"end_date"`
	AssigneeID        *string        `json:"assignee_id" yaml:"assignee_id"`
	Progress          int            `json:"progress" yaml:"progress"`
	Dependencies      []string       `json:"dependencies" yaml:"dependencies"`
	CustomFieldValues map[string]any `json:"custom_fields" yaml:"custom_fields"`
}

// NewTask builds an unsaved task for projectID from the input.
func (in TaskInput) NewTask(projectID string) *Task {
	return &Task{
		ProjectID:         projectID,
		Name:              in.Name,
		Description:       in.Description,
		TaskType:          in.TaskType,
		Status:            in.Status,
		StartDate:         in.StartDate,
		EndDate:           in.EndDate,
		AssigneeID:        in.AssigneeID,
		Progress:          in.Progress,
		Dependencies:      append([]string(nil), in.Dependencies...),
		CustomFieldValues: copyValues(in.CustomFieldValues),
	}
}

// TaskPatch carries a partial task update; nil fields are left untouched.
// Progress is applied separately because it drives status derivation.
type TaskPatch struct {
	Name              *string         `json:"name"`
	Description       *string         `json:"description"`
	TaskType          *TaskType       `json:"task_type"`
	Status            *TaskStatus     `json:"status"`
	StartDate         *Date           `json:"start_date"`
	EndDate           *Date           `json:"end_date"`
	AssigneeID        *string         `json:"assignee_id"`
	ClearAssignee     bool            `json:"clear_assignee"`
	Progress          *int            `json:"progress"`
	Dependencies      *[]string       `json:"dependencies"`
	CustomFieldValues *map[string]any `json:"custom_fields"`
}

// Apply copies every set field except Progress onto task.
func (p TaskPatch) Apply(task *Task) {
	if p.Name != nil {
		task.Name = *p.Name
	}
	if p.Description != nil {
		task.Description = *p.Description
	}
	if p.TaskType != nil {
		task.TaskType = *p.TaskType
	}
	if p.Status != nil {
		task.Status = *p.Status
	}
	if p.StartDate != nil {
		task.StartDate = *p.StartDate
	}
	if p.EndDate != nil {
		task.EndDate = *p.EndDate
	}
	if p.ClearAssignee {
		task.AssigneeID = nil
	} else if p.AssigneeID != nil {
		task.AssigneeID = StringPtr(*p.AssigneeID)
	}
	if p.Dependencies != nil {
		task.Dependencies = append([]string(nil), (*p.Dependencies)...)
	}
	if p.CustomFieldValues != nil {
		task.CustomFieldValues = copyValues(*p.CustomFieldValues)
	}
}

// ClampProgress bounds a progress value to [0,100].
func ClampProgress(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}

// Normalize fills defaults, clamps progress and removes duplicate dependencies.
func (t *Task) Normalize() {
	t.Name = strings.TrimSpace(t.Name)
	if t.TaskType == "" {
		t.TaskType = TaskTypeTask
	}
	if t.Status == "" {
		t.Status = StatusNotStarted
	}
	t.Progress = ClampProgress(t.Progress)
	if t.Dependencies == nil {
		t.Dependencies = []string{}
	}
	t.Dependencies = dedupe(t.Dependencies)
	if t.CustomFieldValues == nil {
		t.CustomFieldValues = map[string]any{}
	}
	if t.EndDate.IsZero() && !t.StartDate.IsZero() {
		t.EndDate = t.StartDate
	}
}

// Validate enforces the task invariants, most importantly end_date >= start_date.
func (t *Task) Validate() error {
	if t.ProjectID == "" {
		return apperr.Validation("task", "project_id is required")
	}
	if t.Name == "" {
		return apperr.Validation("task", "name is required")
	}
	if !t.TaskType.Valid() {
		return apperr.Validation("task", "invalid task_type %q", t.TaskType)
	}
	if !t.Status.Valid() {
		return apperr.Validation("task", "invalid status %q", t.Status)
	}
	if t.StartDate.IsZero() || t.EndDate.IsZero() {
		return apperr.Validation("task", "start_date and end_date are required")
	}
	if t.EndDate.Before(t.StartDate) {
		return apperr.Validation("task", "end_date %s is before start_date %s", t.EndDate, t.StartDate)
	}
	if t.Progress < 0 || t.Progress > 100 {
		return apperr.Validation("task", "progress %d out of range [0,100]", t.Progress)
	}
	for _, dep := range t.Dependencies {
		if dep == "" {
			return apperr.Validation("task", "empty dependency id")
		}
		if t.ID != "" && dep == t.ID {
			return apperr.Validation("task", "task cannot depend on itself")
		}
	}
	return nil
}

// Clone returns a deep copy.
func (t Task) Clone() Task {
	c := t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.CustomFieldValues = copyValues(t.CustomFieldValues)
	if t.AssigneeID != nil {
		id := *t.AssigneeID
		c.AssigneeID = &id
	}
	return c
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func copyValues(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
