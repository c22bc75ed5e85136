package database

import (
	"context"
	"database/sql"
	"strings"

	"project-tracker-backend/pkg/apperr"
	"project-tracker-backend/pkg/models"
)

// CreateUser 在一个事务中创建用户与其资料：两条语句要么都提交要么都回滚
func (db *SQLDatabase) CreateUser(ctx context.Context, user *models.User) error {
	hash, err := hashPassword(user.Password)
	if err != nil {
		return err
	}
	ensureID(&user.ID)
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.Password = ""
	user.CreatedAt = db.clock.Now()

	return db.withTx(ctx, "user.create", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := db.exec(ctx, tx,
			`INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
			user.ID, user.Email, hash, formatTime(user.CreatedAt)); err != nil {
			return err
		}
		_, err := db.exec(ctx, tx,
			`INSERT INTO profiles (user_id, display_name, created_at) VALUES (?, ?, ?)`,
			user.ID, user.DisplayName, formatTime(user.CreatedAt))
		return err
	})
}

// DeleteUser 删除用户；owner_id / assignee_id / user_id 由外键置空，不会级联删除项目或日志
func (db *SQLDatabase) DeleteUser(ctx context.Context, id string) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	res, err := db.exec(ctx, db.db, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return db.classify("user.delete", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("user", id)
	}
	return nil
}
