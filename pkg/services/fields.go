package services

import (
	"context"
	"log/slog"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/apperr"
	"project-tracker-backend/pkg/database"
	"project-tracker-backend/pkg/models"
)

// CustomFieldService manages per-project field definitions and keeps task
// values consistent with them.
type CustomFieldService struct {
	db       database.DatabaseInterface
	activity *ActivityLogger
	logger   *slog.Logger
}

func NewCustomFieldService(db database.DatabaseInterface, activity *ActivityLogger, logger *slog.Logger) *CustomFieldService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CustomFieldService{db: db, activity: activity, logger: logger}
}

func (s *CustomFieldService) List(ctx context.Context, actor access.Principal, projectID string) ([]models.CustomField, error) {
	fields, err := s.db.ListCustomFields(ctx, actor, projectID)
	if err != nil {
		return nil, apperr.Wrap("custom_field.list", err)
	}
	return fields, nil
}

func (s *CustomFieldService) Get(ctx context.Context, actor access.Principal, id string) (*models.CustomField, error) {
	field, err := s.db.GetCustomField(ctx, actor, id)
	if err != nil {
		return nil, apperr.Wrap("custom_field.get", err)
	}
	return field, nil
}

func (s *CustomFieldService) Create(ctx context.Context, actor access.Principal, projectID string, in models.CustomFieldInput) (*models.CustomField, error) {
	field := &models.CustomField{
		ProjectID:    projectID,
		Name:         in.Name,
		FieldType:    in.FieldType,
		Required:     in.Required,
		Options:      in.Options,
		DefaultValue: in.DefaultValue,
	}
	field.Normalize()
	if err := field.Validate(); err != nil {
		return nil, apperr.Wrap("custom_field.create", err)
	}
	if err := s.db.CreateCustomField(ctx, actor, field); err != nil {
		return nil, apperr.Wrap("custom_field.create", err)
	}
	s.activity.Record(ctx, actor, projectID, nil, models.ActionCustomFieldCreated, snapshot(field))
	return field, nil
}

// Update rejects a field_type change while any task still holds a value for the field.
func (s *CustomFieldService) Update(ctx context.Context, actor access.Principal, id string, patch models.CustomFieldPatch) (*models.CustomField, error) {
	field, err := s.db.GetCustomField(ctx, actor, id)
	if err != nil {
		return nil, apperr.Wrap("custom_field.update", err)
	}
	before := *field
	patch.Apply(field)
	field.Normalize()
	if err := field.Validate(); err != nil {
		return nil, apperr.Wrap("custom_field.update", err)
	}

	if field.FieldType != before.FieldType {
		tasks, err := s.db.ListTasks(ctx, actor, field.ProjectID)
		if err != nil {
			return nil, apperr.Wrap("custom_field.update", err)
		}
		for _, t := range tasks {
			if _, ok := t.CustomFieldValues[field.ID]; ok {
				return nil, apperr.Validation("custom_field",
					"cannot change field_type of %q from %s to %s while tasks hold values",
					field.Name, before.FieldType, field.FieldType)
			}
		}
	}

	if err := s.db.UpdateCustomField(ctx, actor, field); err != nil {
		return nil, apperr.Wrap("custom_field.update", err)
	}
	s.activity.Record(ctx, actor, field.ProjectID, nil, models.ActionCustomFieldUpdated, diff(before, field))
	return field, nil
}

// Delete strips the field's values from every task before removing the definition.
func (s *CustomFieldService) Delete(ctx context.Context, actor access.Principal, id string) error {
	field, err := s.db.GetCustomField(ctx, actor, id)
	if err != nil {
		return apperr.Wrap("custom_field.delete", err)
	}
	tasks, err := s.db.ListTasks(ctx, actor, field.ProjectID)
	if err != nil {
		return apperr.Wrap("custom_field.delete", err)
	}
	for i := range tasks {
		t := &tasks[i]
		if _, ok := t.CustomFieldValues[field.ID]; !ok {
			continue
		}
		delete(t.CustomFieldValues, field.ID)
		if err := s.db.UpdateTask(ctx, actor, t); err != nil {
			return apperr.Wrap("custom_field.delete", err)
		}
	}
	if err := s.db.DeleteCustomField(ctx, actor, id); err != nil {
		return apperr.Wrap("custom_field.delete", err)
	}
	s.activity.Record(ctx, actor, field.ProjectID, nil, models.ActionCustomFieldDeleted, snapshot(field))
	return nil
}

// applyFieldValues casts every value on task to its field's type. With
// fillRequired, missing values are filled from defaults and a required field
// with neither value nor default is rejected.
func applyFieldValues(task *models.Task, fields []models.CustomField, fillRequired bool) error {
	byID := make(map[string]*models.CustomField, len(fields))
	for i := range fields {
		byID[fields[i].ID] = &fields[i]
	}
	values := make(map[string]any, len(task.CustomFieldValues))
	for id, raw := range task.CustomFieldValues {
		field, ok := byID[id]
		if !ok {
			return apperr.Validation("task", "unknown custom field %s", id)
		}
		v, err := field.CastValue(raw)
		if err != nil {
			return apperr.Validation("task", "custom field %q: %v", field.Name, err)
		}
		if v != nil {
			values[id] = v
		}
	}
	if fillRequired {
		for i := range fields {
			f := &fields[i]
			if _, ok := values[f.ID]; ok {
				continue
			}
			if def, ok := f.Default(); ok {
				values[f.ID] = def
				continue
			}
			if f.Required {
				return apperr.Validation("task", "custom field %q is required", f.Name)
			}
		}
	}
	task.CustomFieldValues = values
	return nil
}
