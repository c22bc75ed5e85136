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

const fieldColumns = `id, project_id, name, field_type, required, options, default_value, created_at`

func scanField(row rowScanner) (*models.CustomField, error) {
	var f models.CustomField
	var options []byte
	var def sql.NullString
	if err := row.Scan(&f.ID, &f.ProjectID, &f.Name, &f.FieldType, &f.Required, &options, &def,
		scanTime{&f.CreatedAt}); err != nil {
		return nil, err
	}
	f.Options = []string{}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &f.Options); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
	}
	f.DefaultValue = stringPtr(def)
	return &f, nil
}

func (db *SQLDatabase) loadField(ctx context.Context, q querier, id string) (*models.CustomField, error) {
	f, err := scanField(db.queryRow(ctx, q, `SELECT `+fieldColumns+` FROM custom_fields WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("custom_field", id)
	}
	if err != nil {
		return nil, db.classify("custom_field.load", err)
	}
	return f, nil
}

func (db *SQLDatabase) ListCustomFields(ctx context.Context, actor access.Principal, projectID string) ([]models.CustomField, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	if _, err := db.gate(db.db).Authorize(ctx, actor, projectID, access.Read); err != nil {
		return nil, err
	}
	rows, err := db.query(ctx, db.db,
		`SELECT `+fieldColumns+` FROM custom_fields WHERE project_id = ? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, db.classify("custom_field.list", err)
	}
	defer func() { _ = rows.Close() }()

	fields := []models.CustomField{}
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, db.classify("custom_field.list", err)
		}
		fields = append(fields, *f)
	}
	return fields, db.classify("custom_field.list", rows.Err())
}

func (db *SQLDatabase) GetCustomField(ctx context.Context, actor access.Principal, id string) (*models.CustomField, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	f, err := db.loadField(ctx, db.db, id)
	if err != nil {
		return nil, err
	}
	if _, err := db.gate(db.db).Authorize(ctx, actor, f.ProjectID, access.Read); err != nil {
		return nil, apperr.NotFound("custom_field", id)
	}
	return f, nil
}

func (db *SQLDatabase) CreateCustomField(ctx context.Context, actor access.Principal, field *models.CustomField) error {
	return db.withTx(ctx, "custom_field.create", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := db.gate(tx).Authorize(ctx, actor, field.ProjectID, access.Write); err != nil {
			return err
		}
		ensureID(&field.ID)
		field.Options = nonNilStrings(field.Options)
		field.CreatedAt = db.clock.Now()
		options, err := encodeJSON(field.Options)
		if err != nil {
			return err
		}
		_, err = db.exec(ctx, tx, `
			INSERT INTO custom_fields (id, project_id, name, field_type, required, options, default_value, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			field.ID, field.ProjectID, field.Name, string(field.FieldType), field.Required, options,
			nullableText(field.DefaultValue), formatTime(field.CreatedAt))
		return err
	})
}

func (db *SQLDatabase) UpdateCustomField(ctx context.Context, actor access.Principal, field *models.CustomField) error {
	return db.withTx(ctx, "custom_field.update", func(ctx context.Context, tx *sql.Tx) error {
		current, err := db.loadField(ctx, tx, field.ID)
		if err != nil {
			return err
		}
		if _, err := db.gate(tx).Authorize(ctx, actor, current.ProjectID, access.Write); err != nil {
			return err
		}
		field.ProjectID = current.ProjectID
		field.CreatedAt = current.CreatedAt
		field.Options = nonNilStrings(field.Options)
		options, err := encodeJSON(field.Options)
		if err != nil {
			return err
		}
		_, err = db.exec(ctx, tx, `
			UPDATE custom_fields SET name = ?, field_type = ?, required = ?, options = ?, default_value = ?
			WHERE id = ?`,
			field.Name, string(field.FieldType), field.Required, options, nullableText(field.DefaultValue), field.ID)
		return err
	})
}

func (db *SQLDatabase) DeleteCustomField(ctx context.Context, actor access.Principal, id string) error {
	return db.withTx(ctx, "custom_field.delete", func(ctx context.Context, tx *sql.Tx) error {
		current, err := db.loadField(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := db.gate(tx).Authorize(ctx, actor, current.ProjectID, access.Write); err != nil {
			return err
		}
		_, err = db.exec(ctx, tx, `DELETE FROM custom_fields WHERE id = ?`, id)
		return err
	})
}

// nullableText keeps an explicit empty default distinct from no default.
func nullableText(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
