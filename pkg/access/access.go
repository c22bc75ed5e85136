// Package access holds the single authorization predicate every storage
// variant evaluates, either directly or through its declarative mirror.
package access

import (
	"context"
	"strings"

	"project-tracker-backend/pkg/apperr"
	"project-tracker-backend/pkg/models"
)

// Principal is an authenticated actor. Token is the bearer credential it
// authenticated with, forwarded to backends that evaluate policy themselves.
type Principal struct {
	ID    string
	Email string
	Token string
}

// Identifiers returns every value under which the principal may appear in team_members.
func (p Principal) Identifiers() []string {
	ids := []string{p.ID}
	if p.Email != "" {
		ids = append(ids, strings.ToLower(p.Email))
	}
	return ids
}

// Authenticated is false for the zero Principal.
func (p Principal) Authenticated() bool {
	return p.ID != ""
}

// CanAccessProject is true iff the principal owns the project or is listed in
// its team_members. Access is all-or-nothing: read, write and delete alike.
func CanAccessProject(p Principal, project *models.Project) bool {
	if project == nil || !p.Authenticated() {
		return false
	}
	return project.IsOwner(p.ID) || project.HasMember(p.Identifiers()...)
}

// CanWriteActivity additionally requires the entry to be attributed to the caller.
func CanWriteActivity(p Principal, project *models.Project, entry *models.ActivityLog) bool {
	if entry == nil || entry.UserID == nil || *entry.UserID != p.ID {
		return false
	}
	return CanAccessProject(p, project)
}

// ProjectLoader fetches a project without applying any authorization.
type ProjectLoader interface {
	LoadProject(ctx context.Context, id string) (*models.Project, error)
}

// ProjectLoaderFunc adapts a function to ProjectLoader.
type ProjectLoaderFunc func(ctx context.Context, id string) (*models.Project, error)

func (f ProjectLoaderFunc) LoadProject(ctx context.Context, id string) (*models.Project, error) {
	return f(ctx, id)
}

// Mode is the kind of access being requested.
type Mode int

const (
	Read Mode = iota
	Write
)

// Gate evaluates CanAccessProject against projects fetched through Projects.
// A denied read is reported as not found so existence does not leak. A denied
// write is reported as forbidden unless HideDenied is set.
type Gate struct {
	Projects   ProjectLoader
	HideDenied bool
}

// Authorize returns the project when p may access it in the given mode.
func (g Gate) Authorize(ctx context.Context, p Principal, projectID string, mode Mode) (*models.Project, error) {
	project, err := g.Projects.LoadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, apperr.NotFound("project", projectID)
	}
	if CanAccessProject(p, project) {
		return project, nil
	}
	if mode == Write && !g.HideDenied {
		return nil, apperr.Forbidden("project", projectID)
	}
	return nil, apperr.NotFound("project", projectID)
}

// Filter keeps the projects p may access, preserving order.
func Filter(p Principal, projects []models.Project) []models.Project {
	out := make([]models.Project, 0, len(projects))
	for i := range projects {
		if CanAccessProject(p, &projects[i]) {
			out = append(out, projects[i])
		}
	}
	return out
}
