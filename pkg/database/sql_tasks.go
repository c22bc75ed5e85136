package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/apperr"
	"project-tracker-backend/pkg/models"
)

const taskColumns = `id, project_id, name, description, task_type, status, start_date, end_date,
	assignee_id, progress, dependencies, custom_fields, created_at, last_modified`

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var assignee sql.NullString
	var deps, values []byte
	err := row.Scan(&t.ID, &t.ProjectID, &t.Name, &t.Description, &t.TaskType, &t.Status,
		&t.StartDate, &t.EndDate, &assignee, &t.Progress, &deps, &values,
		scanTime{&t.CreatedAt}, scanTime{&t.LastModified})
	if err != nil {
		return nil, err
	}
	t.AssigneeID = stringPtr(assignee)
	t.Dependencies = []string{}
	if len(deps) > 0 {
		if err := json.Unmarshal(deps, &t.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies: %w", err)
		}
	}
	t.CustomFieldValues = map[string]any{}
	if len(values) > 0 {
		if err := json.Unmarshal(values, &t.CustomFieldValues); err != nil {
			return nil, fmt.Errorf("decode custom fields: %w", err)
		}
	}
	return &t, nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", apperr.Validation("", "cannot encode value: %v", err)
	}
	return string(b), nil
}

func (db *SQLDatabase) loadTask(ctx context.Context, q querier, id string) (*models.Task, error) {
	t, err := scanTask(db.queryRow(ctx, q, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("task", id)
	}
	if err != nil {
		return nil, db.classify("task.load", err)
	}
	return t, nil
}

func (db *SQLDatabase) ListTasks(ctx context.Context, actor access.Principal, projectID string) ([]models.Task, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	if _, err := db.gate(db.db).Authorize(ctx, actor, projectID, access.Read); err != nil {
		return nil, err
	}
	rows, err := db.query(ctx, db.db,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, db.classify("task.list", err)
	}
	defer func() { _ = rows.Close() }()

	tasks := []models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, db.classify("task.list", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, db.classify("task.list", rows.Err())
}

// GetTask 无权访问时与不存在一样返回 NotFound
func (db *SQLDatabase) GetTask(ctx context.Context, actor access.Principal, id string) (*models.Task, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	t, err := db.loadTask(ctx, db.db, id)
	if err != nil {
		return nil, err
	}
	if _, err := db.gate(db.db).Authorize(ctx, actor, t.ProjectID, access.Read); err != nil {
		return nil, apperr.NotFound("task", id)
	}
	return t, nil
}

func (db *SQLDatabase) CreateTask(ctx context.Context, actor access.Principal, task *models.Task) error {
	return db.CreateTasks(ctx, actor, task.ProjectID, []*models.Task{task})
}

// CreateTasks 整批任务在一个事务中插入，任一失败则全部回滚
func (db *SQLDatabase) CreateTasks(ctx context.Context, actor access.Principal, projectID string, tasks []*models.Task) error {
	return db.withTx(ctx, "task.create", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := db.gate(tx).Authorize(ctx, actor, projectID, access.Write); err != nil {
			return err
		}
		for _, task := range tasks {
			ensureID(&task.ID)
			task.ProjectID = projectID
			task.Dependencies = nonNilStrings(task.Dependencies)
			task.CustomFieldValues = nonNilMap(task.CustomFieldValues)
			task.CreatedAt = db.clock.Now()
			task.LastModified = task.CreatedAt
			if err := db.insertTask(ctx, tx, task); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *SQLDatabase) insertTask(ctx context.Context, q querier, t *models.Task) error {
	deps, err := encodeJSON(t.Dependencies)
	if err != nil {
		return err
	}
	values, err := encodeJSON(t.CustomFieldValues)
	if err != nil {
		return err
	}
	_, err = db.exec(ctx, q, `
		INSERT INTO tasks (id, project_id, name, description, task_type, status, start_date, end_date,
			assignee_id, progress, dependencies, custom_fields, created_at, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Name, t.Description, string(t.TaskType), string(t.Status),
		t.StartDate, t.EndDate, nullString(t.AssigneeID), t.Progress, deps, values,
		formatTime(t.CreatedAt), formatTime(t.LastModified))
	return err
}

// UpdateTask 整行覆盖；任务不能移动到其他项目
func (db *SQLDatabase) UpdateTask(ctx context.Context, actor access.Principal, task *models.Task) error {
	return db.withTx(ctx, "task.update", func(ctx context.Context, tx *sql.Tx) error {
		current, err := db.loadTask(ctx, tx, task.ID)
		if err != nil {
			return err
		}
		if _, err := db.gate(tx).Authorize(ctx, actor, current.ProjectID, access.Write); err != nil {
			return err
		}
		task.ProjectID = current.ProjectID
		task.CreatedAt = current.CreatedAt
		task.Dependencies = nonNilStrings(task.Dependencies)
		task.CustomFieldValues = nonNilMap(task.CustomFieldValues)
		task.LastModified = db.clock.Now()

		deps, err := encodeJSON(task.Dependencies)
		if err != nil {
			return err
		}
		values, err := encodeJSON(task.CustomFieldValues)
		if err != nil {
			return err
		}
		_, err = db.exec(ctx, tx, `
			UPDATE tasks SET name = ?, description = ?, task_type = ?, status = ?, start_date = ?,
				end_date = ?, assignee_id = ?, progress = ?, dependencies = ?, custom_fields = ?,
				last_modified = ?
			WHERE id = ?`,
			task.Name, task.Description, string(task.TaskType), string(task.Status),
			task.StartDate, task.EndDate, nullString(task.AssigneeID), task.Progress, deps, values,
			formatTime(task.LastModified), task.ID)
		return err
	})
}

func (db *SQLDatabase) DeleteTask(ctx context.Context, actor access.Principal, id string) error {
	return db.withTx(ctx, "task.delete", func(ctx context.Context, tx *sql.Tx) error {
		current, err := db.loadTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := db.gate(tx).Authorize(ctx, actor, current.ProjectID, access.Write); err != nil {
			return err
		}
		_, err = db.exec(ctx, tx, `DELETE FROM tasks WHERE id = ?`, id)
		return err
	})
}
