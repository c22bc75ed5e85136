package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfSurvivesWrapping(t *testing.T) {
	base := NotFound("task", "t-1")
	wrapped := Wrap("task.update", base)
	doubly := fmt.Errorf("handler: %w", wrapped)

	assert.Equal(t, KindNotFound, KindOf(doubly))
	assert.True(t, errors.Is(doubly, base))
	assert.Equal(t, "task.update: task t-1: not found", wrapped.Error())
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.False(t, Is(nil, KindInternal))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:         http.StatusBadRequest,
		KindNotFound:           http.StatusNotFound,
		KindAuthorization:      http.StatusForbidden,
		KindDuplicate:          http.StatusConflict,
		KindTransaction:        http.StatusInternalServerError,
		KindBackendUnavailable: http.StatusServiceUnavailable,
		KindInternal:           http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, kind.HTTPStatus(), kind.Code())
	}
}

func TestIsAccessDenied(t *testing.T) {
	assert.True(t, IsAccessDenied(NotFound("project", "p")))
	assert.True(t, IsAccessDenied(Wrap("project.delete", Forbidden("project", "p"))))
	assert.False(t, IsAccessDenied(Validation("task", "bad")))
	assert.False(t, IsAccessDenied(nil))
}

func TestMessageSkipsOperationPrefixes(t *testing.T) {
	err := Wrap("service", Wrap("adapter", Validation("task", "end_date before start_date")))
	var e *Error
	assert.True(t, errors.As(err, &e))
	assert.Equal(t, "end_date before start_date", e.Message())
}

func TestWrapSkipsRepeatedOperation(t *testing.T) {
	base := Unavailable("project.delete", errors.New("connection reset"))
	wrapped := Wrap("project.delete", base)

	assert.Same(t, base, wrapped)
	assert.Equal(t, "project.delete: backend unavailable: connection reset", wrapped.Error())

	again := Wrap("project.delete", Wrap("project.delete", NotFound("project", "p-1")))
	assert.Equal(t, "project.delete: project p-1: not found", again.Error())
}
