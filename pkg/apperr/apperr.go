// Package apperr defines the error kinds shared by the storage adapters,
// the services and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error so callers can react without parsing messages.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindAuthorization
	KindDuplicate
	KindTransaction
	KindBackendUnavailable
)

// Code returns the machine readable code used in API responses.
func (k Kind) Code() string {
	switch k {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindNotFound:
		return "NOT_FOUND"
	case KindAuthorization:
		return "FORBIDDEN"
	case KindDuplicate:
		return "CONFLICT"
	case KindTransaction:
		return "TRANSACTION_FAILED"
	case KindBackendUnavailable:
		return "BACKEND_UNAVAILABLE"
	default:
		return "INTERNAL_SERVER_ERROR"
	}
}

// HTTPStatus maps a kind onto the status code the API answers with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthorization:
		return http.StatusForbidden
	case KindDuplicate:
		return http.StatusConflict
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) String() string {
	return k.Code()
}

// Error is the structured error returned by every layer below the HTTP handlers.
type Error struct {
	Kind   Kind
	Op     string // e.g. "task.update"
	Entity string // e.g. "task"
	ID     string
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	subject := strings.TrimSpace(e.Entity + " " + e.ID)
	if subject != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(subject)
	}
	if e.Msg != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Msg)
	}
	if e.Cause != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Message returns the innermost human readable message, without operation prefixes.
func (e *Error) Message() string {
	var inner *Error
	if e.Msg == "" && errors.As(e.Cause, &inner) {
		return inner.Message()
	}
	if e.Msg != "" {
		return e.Msg
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Kind.Code()
}

// Validation reports bad input such as inverted dates or a missing required field.
func Validation(entity, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Entity: entity, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports an id that does not resolve, or resolves to something the caller may not see.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id, Msg: "not found"}
}

// Forbidden reports an authenticated caller denied by the authorization gate.
func Forbidden(entity, id string) *Error {
	return &Error{Kind: KindAuthorization, Entity: entity, ID: id, Msg: "access denied"}
}

// Duplicate reports a unique constraint violation.
func Duplicate(entity, msg string, cause error) *Error {
	return &Error{Kind: KindDuplicate, Entity: entity, Msg: msg, Cause: cause}
}

// Transaction reports an aborted multi-statement write; nothing was committed.
func Transaction(op string, cause error) *Error {
	return &Error{Kind: KindTransaction, Op: op, Msg: "transaction rolled back", Cause: cause}
}

// Unavailable reports connection failures and timeouts against the backing store.
func Unavailable(op string, cause error) *Error {
	return &Error{Kind: KindBackendUnavailable, Op: op, Msg: "backend unavailable", Cause: cause}
}

// Internal wraps anything that does not fit another kind.
func Internal(op string, cause error) *Error {
	return &Error{Kind: KindInternal, Op: op, Cause: cause}
}

// Wrap adds operation context to err while keeping its kind. An error that
// already names op is returned as is.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Op == op {
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, Cause: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsAccessDenied is true for both denial shapes: hidden (not found) and explicit (forbidden).
func IsAccessDenied(err error) bool {
	k := KindOf(err)
	return err != nil && (k == KindNotFound || k == KindAuthorization)
}
