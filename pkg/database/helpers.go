package database

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/apperr"
	"project-tracker-backend/pkg/models"
)

// clock hands out strictly increasing UTC timestamps at microsecond precision,
// so last_modified ordering is total even for writes in the same instant.
type clock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(c.last) {
		now = c.last.Add(time.Microsecond)
	}
	c.last = now
	return now
}

func newID() string {
	return uuid.New().String()
}

func ensureID(id *string) {
	if *id == "" {
		*id = newID()
	}
}

// checkPostImage rejects updates that would leave the caller without access.
func checkPostImage(actor access.Principal, project *models.Project) error {
	if !access.CanAccessProject(actor, project) {
		return apperr.Forbidden("project", project.ID)
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// hashPassword 对明文密码做 bcrypt 哈希；输入一律视为明文
func hashPassword(password string) (string, error) {
	if password == "" {
		return "", nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", apperr.Validation("user", "cannot hash password: %v", err)
	}
	return string(hash), nil
}
