package database

import (
	"context"
	"database/sql"
	"errors"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/apperr"
	"project-tracker-backend/pkg/models"
)

const projectColumns = `id, name, description, status, owner_id, created_at, last_modified`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	var p models.Project
	var owner sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Status, &owner,
		scanTime{&p.CreatedAt}, scanTime{&p.LastModified})
	if err != nil {
		return nil, err
	}
	p.OwnerID = stringPtr(owner)
	return &p, nil
}

// loadProject 不做授权地读取项目及其成员，仅供授权判断使用
func (db *SQLDatabase) loadProject(ctx context.Context, q querier, id string) (*models.Project, error) {
	p, err := scanProject(db.queryRow(ctx, q, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("project", id)
	}
	if err != nil {
		return nil, db.classify("project.load", err)
	}
	if p.TeamMembers, err = db.loadMembers(ctx, q, id); err != nil {
		return nil, err
	}
	return p, nil
}

func (db *SQLDatabase) loadMembers(ctx context.Context, q querier, projectID string) ([]string, error) {
	rows, err := db.query(ctx, q, `SELECT member FROM project_members WHERE project_id = ? ORDER BY position`, projectID)
	if err != nil {
		return nil, db.classify("project.members", err)
	}
	defer func() { _ = rows.Close() }()

	members := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, db.classify("project.members", err)
		}
		members = append(members, m)
	}
	return members, db.classify("project.members", rows.Err())
}

func (db *SQLDatabase) saveMembers(ctx context.Context, q querier, projectID string, members []string) error {
	if _, err := db.exec(ctx, q, `DELETE FROM project_members WHERE project_id = ?`, projectID); err != nil {
		return err
	}
	for i, m := range members {
		if _, err := db.exec(ctx, q,
			`INSERT INTO project_members (project_id, member, position) VALUES (?, ?, ?)`,
			projectID, m, i); err != nil {
			return err
		}
	}
	return nil
}

// ListProjects 先用 SQL 缩小候选范围，再由 access.CanAccessProject 做最终判断
func (db *SQLDatabase) ListProjects(ctx context.Context, actor access.Principal) ([]models.Project, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	email := actor.Email
	if email == "" {
		email = actor.ID
	}
	rows, err := db.query(ctx, db.db, `
		SELECT `+projectColumns+` FROM projects p
		WHERE p.owner_id = ?
		   OR EXISTS (
		       SELECT 1 FROM project_members m
		       WHERE m.project_id = p.id AND (lower(m.member) = lower(?) OR lower(m.member) = lower(?))
		   )
		ORDER BY p.last_modified DESC, p.id`, actor.ID, actor.ID, email)
	if err != nil {
		return nil, db.classify("project.list", err)
	}
	var projects []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			_ = rows.Close()
			return nil, db.classify("project.list", err)
		}
		projects = append(projects, *p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, db.classify("project.list", err)
	}
	_ = rows.Close()

	for i := range projects {
		if projects[i].TeamMembers, err = db.loadMembers(ctx, db.db, projects[i].ID); err != nil {
			return nil, err
		}
	}
	return access.Filter(actor, projects), nil
}

func (db *SQLDatabase) GetProject(ctx context.Context, actor access.Principal, id string) (*models.Project, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	return db.gate(db.db).Authorize(ctx, actor, id, access.Read)
}

func (db *SQLDatabase) CreateProject(ctx context.Context, actor access.Principal, project *models.Project) error {
	ensureID(&project.ID)
	project.OwnerID = models.StringPtr(actor.ID)
	project.TeamMembers = nonNilStrings(project.TeamMembers)
	project.CreatedAt = db.clock.Now()
	project.LastModified = project.CreatedAt

	return db.withTx(ctx, "project.create", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := db.exec(ctx, tx, `
			INSERT INTO projects (id, name, description, status, owner_id, created_at, last_modified)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			project.ID, project.Name, project.Description, string(project.Status),
			nullString(project.OwnerID), formatTime(project.CreatedAt), formatTime(project.LastModified)); err != nil {
			return err
		}
		return db.saveMembers(ctx, tx, project.ID, project.TeamMembers)
	})
}

// UpdateProject 授权基于更新前的行；更新后的行同样必须允许调用者访问
func (db *SQLDatabase) UpdateProject(ctx context.Context, actor access.Principal, project *models.Project) error {
	return db.withTx(ctx, "project.update", func(ctx context.Context, tx *sql.Tx) error {
		current, err := db.gate(tx).Authorize(ctx, actor, project.ID, access.Write)
		if err != nil {
			return err
		}
		project.OwnerID = current.OwnerID
		project.CreatedAt = current.CreatedAt
		project.TeamMembers = nonNilStrings(project.TeamMembers)
		if err := checkPostImage(actor, project); err != nil {
			return err
		}
		project.LastModified = db.clock.Now()

		if _, err := db.exec(ctx, tx, `
			UPDATE projects SET name = ?, description = ?, status = ?, last_modified = ?
			WHERE id = ?`,
			project.Name, project.Description, string(project.Status),
			formatTime(project.LastModified), project.ID); err != nil {
			return err
		}
		return db.saveMembers(ctx, tx, project.ID, project.TeamMembers)
	})
}

// DeleteProject 任务、自定义字段由外键级联删除；活动日志的 task_id 被置空。
// audit 与删除在同一事务内提交；audit 写入失败只回滚到保存点，不影响删除
func (db *SQLDatabase) DeleteProject(ctx context.Context, actor access.Principal, id string, audit *models.ActivityLog) error {
	return db.withTx(ctx, "project.delete", func(ctx context.Context, tx *sql.Tx) error {
		project, err := db.gate(tx).Authorize(ctx, actor, id, access.Write)
		if err != nil {
			return err
		}
		if audit != nil {
			if !access.CanWriteActivity(actor, project, audit) {
				return apperr.Forbidden("activity", id)
			}
			if err := db.auditInTx(ctx, tx, audit); err != nil {
				return err
			}
		}
		_, err = db.exec(ctx, tx, `DELETE FROM projects WHERE id = ?`, id)
		return err
	})
}

// auditInTx 在保存点内追加活动日志；只有保存点本身失败才返回错误
func (db *SQLDatabase) auditInTx(ctx context.Context, tx *sql.Tx, entry *models.ActivityLog) error {
	if _, err := tx.ExecContext(ctx, `SAVEPOINT audit_entry`); err != nil {
		return err
	}
	if err := db.insertActivity(ctx, tx, entry); err != nil {
		db.log.Warn("activity log append failed", "project_id", entry.ProjectID, "action", entry.Action, "error", err)
		_, err = tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT audit_entry`)
		return err
	}
	_, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT audit_entry`)
	return err
}
