package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"project-tracker-backend/pkg/apperr"
)

// FieldType is the declared type of a custom field.
type FieldType string

const (
	FieldText    FieldType = "text"
	FieldNumber  FieldType = "number"
	FieldDate    FieldType = "date"
	FieldSelect  FieldType = "select"
	FieldBoolean FieldType = "boolean"
)

func (f FieldType) Valid() bool {
	switch f {
	case FieldText, FieldNumber, FieldDate, FieldSelect, FieldBoolean:
		return true
	}
	return false
}

// CustomField is a per-project task attribute. DefaultValue is stored as text
// whatever the field type and is checked against FieldType on every write.
type CustomField struct {
	ID           string    `json:"id" db:"id"`
	ProjectID    string    `json:"project_id" db:"project_id"`
	Name         string    `json:"name" db:"name"`
	FieldType    FieldType `json:"field_type" db:"field_type"`
	Required     bool      `json:"required" db:"required"`
	Options      []string  `json:"options" db:"options"`
	DefaultValue *string   `json:"default_value" db:"default_value"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

type CustomFieldInput struct {
	Name         string    `json:"name"`
	FieldType    FieldType `json:"field_type"`
	Required     bool      `json:"required"`
	Options      []string  `json:"options"`
	DefaultValue *string   `json:"default_value"`
}

type CustomFieldPatch struct {
	Name         *string    `json:"name"`
	FieldType    *FieldType `json:"field_type"`
	Required     *bool      `json:"required"`
	Options      *[]string  `json:"options"`
	DefaultValue *string    `json:"default_value"`
	ClearDefault bool       `json:"clear_default"`
}

func (p CustomFieldPatch) Apply(f *CustomField) {
	if p.Name != nil {
		f.Name = *p.Name
	}
	if p.FieldType != nil {
		f.FieldType = *p.FieldType
	}
	if p.Required != nil {
		f.Required = *p.Required
	}
	if p.Options != nil {
		f.Options = append([]string(nil), (*p.Options)...)
	}
	if p.ClearDefault {
		f.DefaultValue = nil
	} else if p.DefaultValue != nil {
		v := *p.DefaultValue
		f.DefaultValue = &v
	}
}

func (f *CustomField) Normalize() {
	f.Name = strings.TrimSpace(f.Name)
	opts := make([]string, 0, len(f.Options))
	for _, o := range f.Options {
		o = strings.TrimSpace(o)
		if o != "" && !slices.Contains(opts, o) {
			opts = append(opts, o)
		}
	}
	f.Options = opts
}

// Validate checks the definition itself, including that the default casts.
func (f *CustomField) Validate() error {
	if f.ProjectID == "" {
		return apperr.Validation("custom_field", "project_id is required")
	}
	if f.Name == "" {
		return apperr.Validation("custom_field", "name is required")
	}
	if !f.FieldType.Valid() {
		return apperr.Validation("custom_field", "invalid field_type %q", f.FieldType)
	}
	if f.FieldType == FieldSelect && len(f.Options) == 0 {
		return apperr.Validation("custom_field", "select field %q needs at least one option", f.Name)
	}
	if f.FieldType != FieldSelect && len(f.Options) > 0 {
		return apperr.Validation("custom_field", "options are only allowed on select fields")
	}
	if f.DefaultValue != nil {
		if _, err := f.ParseText(*f.DefaultValue); err != nil {
			return apperr.Validation("custom_field", "default_value: %v", err)
		}
	}
	return nil
}

// ParseText casts the textual form of a value to the field's Go type:
// float64 for number, bool for boolean, string for everything else.
func (f *CustomField) ParseText(s string) (any, error) {
	s = strings.TrimSpace(s)
	switch f.FieldType {
	case FieldNumber:
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", s)
		}
		return n, nil
	case FieldBoolean:
		switch strings.ToLower(s) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("%q is not true or false", s)
	case FieldDate:
		d, err := time.Parse(DateLayout, s)
		if err != nil {
			return nil, fmt.Errorf("%q is not a YYYY-MM-DD date", s)
		}
		return d.Format(DateLayout), nil
	case FieldSelect:
		if !slices.Contains(f.Options, s) {
			return nil, fmt.Errorf("%q is not one of %v", s, f.Options)
		}
		return s, nil
	default:
		return s, nil
	}
}

// CastValue accepts a decoded JSON value for this field and returns its canonical form.
func (f *CustomField) CastValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return f.ParseText(val)
	case bool:
		if f.FieldType == FieldBoolean {
			return val, nil
		}
		if f.FieldType == FieldText {
			return strconv.FormatBool(val), nil
		}
	case float64, float32, int, int64, int32, json.Number:
		if f.FieldType == FieldNumber || f.FieldType == FieldText {
			return f.ParseText(fmt.Sprint(val))
		}
	}
	return nil, fmt.Errorf("value %v does not fit field type %s", v, f.FieldType)
}

// Default returns the typed default, if any.
func (f *CustomField) Default() (any, bool) {
	if f.DefaultValue == nil {
		return nil, false
	}
	v, err := f.ParseText(*f.DefaultValue)
	if err != nil {
		return nil, false
	}
	return v, true
}
