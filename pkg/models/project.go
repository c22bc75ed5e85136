package models

import (
	"strings"
	"time"

	"project-tracker-backend/pkg/apperr"
)

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectArchived  ProjectStatus = "archived"
)

func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectActive, ProjectCompleted, ProjectArchived:
		return true
	}
	return false
}

// Project is the unit of ownership and authorization. Tasks and custom fields
// belong to exactly one project and are removed with it.
type Project struct {
	ID           string        `json:"id" db:"id"`
	Name         string        `json:"name" db:"name"`
	Description  string        `json:"description" db:"description"`
	Status       ProjectStatus `json:"status" db:"status"`
	OwnerID      *string       `json:"owner_id" db:"owner_id"` // nil once the owner is deleted
	TeamMembers  []string      `json:"team_members" db:"team_members"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	LastModified time.Time     `json:"last_modified" db:"last_modified"`
}

// ProjectInput is the writable subset of a project.
type ProjectInput struct {
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description" yaml:"description"`
	Status      ProjectStatus `json:"status" yaml:"status"`
	TeamMembers []string      `json:"team_members" yaml:"team_members"`
}

// ProjectPatch carries a partial update; nil fields are left untouched.
type ProjectPatch struct {
	Name        *string        `json:"name"`
	Description *string        `json:"description"`
	Status      *ProjectStatus `json:"status"`
	TeamMembers *[]string      `json:"team_members"`
}

// Apply copies the set fields of p onto project.
func (p ProjectPatch) Apply(project *Project) {
	if p.Name != nil {
		project.Name = *p.Name
	}
	if p.Description != nil {
		project.Description = *p.Description
	}
	if p.Status != nil {
		project.Status = *p.Status
	}
	if p.TeamMembers != nil {
		project.TeamMembers = NormalizeMembers(*p.TeamMembers)
	}
}

// Normalize fills defaults and canonicalises the team member set.
func (p *Project) Normalize() {
	p.Name = strings.TrimSpace(p.Name)
	if p.Status == "" {
		p.Status = ProjectActive
	}
	p.TeamMembers = NormalizeMembers(p.TeamMembers)
}

// Validate checks the invariants every backend relies on.
func (p *Project) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return apperr.Validation("project", "name is required")
	}
	if !p.Status.Valid() {
		return apperr.Validation("project", "invalid status %q", p.Status)
	}
	return nil
}

// IsOwner reports whether principalID owns the project.
func (p *Project) IsOwner(principalID string) bool {
	return principalID != "" && p.OwnerID != nil && *p.OwnerID == principalID
}

// HasMember reports whether any of the identifiers is listed in team_members.
func (p *Project) HasMember(identifiers ...string) bool {
	for _, member := range p.TeamMembers {
		for _, id := range identifiers {
			if id != "" && strings.EqualFold(member, id) {
				return true
			}
		}
	}
	return false
}

// NormalizeMembers trims, drops blanks and removes duplicates, keeping first-seen order.
func NormalizeMembers(members []string) []string {
	out := make([]string, 0, len(members))
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		m = strings.TrimSpace(m)
		key := strings.ToLower(m)
		if m == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
