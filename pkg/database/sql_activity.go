package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/apperr"
	"project-tracker-backend/pkg/models"
)

// AppendActivity 只允许以调用者本人的身份写入
func (db *SQLDatabase) AppendActivity(ctx context.Context, actor access.Principal, entry *models.ActivityLog) error {
	return db.withTx(ctx, "activity.append", func(ctx context.Context, tx *sql.Tx) error {
		project, err := db.gate(tx).Authorize(ctx, actor, entry.ProjectID, access.Write)
		if err != nil {
			return err
		}
		if !access.CanWriteActivity(actor, project, entry) {
			return apperr.Forbidden("activity", entry.ProjectID)
		}
		return db.insertActivity(ctx, tx, entry)
	})
}

func (db *SQLDatabase) insertActivity(ctx context.Context, tx *sql.Tx, entry *models.ActivityLog) error {
	ensureID(&entry.ID)
	entry.Changes = nonNilMap(entry.Changes)
	entry.CreatedAt = db.clock.Now()
	changes, err := encodeJSON(entry.Changes)
	if err != nil {
		return err
	}
	_, err = db.exec(ctx, tx, `
		INSERT INTO activity_log (id, project_id, task_id, user_id, action, changes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ProjectID, nullString(entry.TaskID), nullString(entry.UserID),
		entry.Action, changes, formatTime(entry.CreatedAt))
	return err
}

// ListActivity 最新的在前
func (db *SQLDatabase) ListActivity(ctx context.Context, actor access.Principal, projectID string) ([]models.ActivityLog, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	if _, err := db.gate(db.db).Authorize(ctx, actor, projectID, access.Read); err != nil {
		return nil, err
	}
	return db.activityFor(ctx, projectID)
}

// activityFor 读取某项目的全部活动日志，不做授权
func (db *SQLDatabase) activityFor(ctx context.Context, projectID string) ([]models.ActivityLog, error) {
	rows, err := db.query(ctx, db.db, `
		SELECT id, project_id, task_id, user_id, action, changes, created_at
		FROM activity_log WHERE project_id = ?
		ORDER BY created_at DESC, id`, projectID)
	if err != nil {
		return nil, db.classify("activity.list", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []models.ActivityLog{}
	for rows.Next() {
		var e models.ActivityLog
		var taskID, userID sql.NullString
		var changes []byte
		if err := rows.Scan(&e.ID, &e.ProjectID, &taskID, &userID, &e.Action, &changes,
			scanTime{&e.CreatedAt}); err != nil {
			return nil, db.classify("activity.list", err)
		}
		e.TaskID = stringPtr(taskID)
		e.UserID = stringPtr(userID)
		e.Changes = map[string]any{}
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &e.Changes); err != nil {
				return nil, apperr.Internal("activity.list", fmt.Errorf("decode changes: %w", err))
			}
		}
		entries = append(entries, e)
	}
	return entries, db.classify("activity.list", rows.Err())
}
