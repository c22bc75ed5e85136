package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/apperr"
	"project-tracker-backend/pkg/database"
	"project-tracker-backend/pkg/models"
)

// ActivityLogger appends audit entries as a side effect of mutations.
// Append failures are logged and swallowed: the business change has already
// been committed and is not rolled back.
type ActivityLogger struct {
	db     database.DatabaseInterface
	logger *slog.Logger
}

func NewActivityLogger(db database.DatabaseInterface, logger *slog.Logger) *ActivityLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityLogger{db: db, logger: logger}
}

// Entry builds an unsaved entry attributed to actor.
func (a *ActivityLogger) Entry(actor access.Principal, projectID string, taskID *string, action string, changes map[string]any) *models.ActivityLog {
	return &models.ActivityLog{
		ProjectID: projectID,
		TaskID:    taskID,
		UserID:    models.StringPtr(actor.ID),
		Action:    action,
		Changes:   changes,
	}
}

// Record writes one entry attributed to actor. It never returns an error.
func (a *ActivityLogger) Record(ctx context.Context, actor access.Principal, projectID string, taskID *string, action string, changes map[string]any) {
	entry := a.Entry(actor, projectID, taskID, action, changes)
	if err := a.db.AppendActivity(ctx, actor, entry); err != nil {
		a.logger.Warn("activity log append failed",
			"project_id", projectID,
			"action", action,
			"actor", actor.ID,
			"error", err)
	}
}

// List returns the project's entries, newest first.
func (a *ActivityLogger) List(ctx context.Context, actor access.Principal, projectID string) ([]models.ActivityLog, error) {
	entries, err := a.db.ListActivity(ctx, actor, projectID)
	if err != nil {
		return nil, apperr.Wrap("activity.list", err)
	}
	return entries, nil
}

// volatile keys are bookkeeping and never reported as changes.
var volatile = map[string]bool{"created_at": true, "last_modified": true}

// snapshot renders v through its JSON shape so payloads look the same in every backend.
func snapshot(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{}
	}
	for k := range volatile {
		delete(out, k)
	}
	return out
}

// diff returns {field: {"old": x, "new": y}} for every field that differs.
func diff(before, after any) map[string]any {
	old, cur := snapshot(before), snapshot(after)
	changes := map[string]any{}
	for k, nv := range cur {
		if ov, ok := old[k]; !ok || !reflect.DeepEqual(ov, nv) {
			changes[k] = map[string]any{"old": old[k], "new": nv}
		}
	}
	for k, ov := range old {
		if _, ok := cur[k]; !ok {
			changes[k] = map[string]any{"old": ov, "new": nil}
		}
	}
	return changes
}
