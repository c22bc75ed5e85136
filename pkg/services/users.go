package services

import (
	"context"
	"log/slog"
	"net/mail"
	"strings"

	"project-tracker-backend/pkg/access"
	"project-tracker-backend/pkg/apperr"
	"project-tracker-backend/pkg/database"
	"project-tracker-backend/pkg/models"
)

const minPasswordLength = 8

type UserService struct {
	db     database.DatabaseInterface
	logger *slog.Logger
}

func NewUserService(db database.DatabaseInterface, logger *slog.Logger) *UserService {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserService{db: db, logger: logger}
}

// Register creates a principal and its profile. The password is handed to the
// backend in clear; each backend hashes or forwards it itself.
func (s *UserService) Register(ctx context.Context, req models.UserRegisterRequest) (*models.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return nil, apperr.Validation("user", "invalid email address")
	}
	if len(req.Password) < minPasswordLength {
		return nil, apperr.Validation("user", "password must be at least %d characters", minPasswordLength)
	}
	user := &models.User{
		Email:       email,
		Password:    req.Password,
		DisplayName: strings.TrimSpace(req.DisplayName),
	}
	if err := s.db.CreateUser(ctx, user); err != nil {
		return nil, apperr.Wrap("user.register", err)
	}
	user.Password = ""
	s.logger.Info("user registered", "user_id", user.ID)
	return user, nil
}

// Delete removes the actor's own principal. Projects, tasks and activity that
// reference it are kept with the reference cleared.
func (s *UserService) Delete(ctx context.Context, actor access.Principal, id string) error {
	if !actor.Authenticated() || actor.ID != id {
		return apperr.Forbidden("user", id)
	}
	if err := s.db.DeleteUser(ctx, id); err != nil {
		return apperr.Wrap("user.delete", err)
	}
	s.logger.Info("user deleted", "user_id", id)
	return nil
}
