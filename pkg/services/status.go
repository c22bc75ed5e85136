package services

import (
	"project-tracker-backend/pkg/apperr"
	"project-tracker-backend/pkg/models"
)

// DeriveStatus maps a progress value to a status. Progress strictly between
// 0 and 100 only moves not-started and completed tasks to in-progress; every
// other status (on-hold, impacted, ...) is kept.
func DeriveStatus(progress int, prior models.TaskStatus) models.TaskStatus {
	switch {
	case progress <= 0:
		return models.StatusNotStarted
	case progress >= 100:
		return models.StatusCompleted
	case prior == models.StatusNotStarted || prior == models.StatusCompleted:
		return models.StatusInProgress
	default:
		return prior
	}
}

// TaskLookup resolves a task id within one project.
type TaskLookup func(id string) (*models.Task, bool)

// CanStartTask is true when every dependency resolves to a finished task.
// A dependency that no longer resolves blocks the task.
func CanStartTask(task *models.Task, lookup TaskLookup) bool {
	for _, id := range task.Dependencies {
		dep, ok := lookup(id)
		if !ok || !dep.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func indexTasks(tasks []models.Task) map[string]*models.Task {
	byID := make(map[string]*models.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}
	return byID
}

func lookupIn(byID map[string]*models.Task) TaskLookup {
	return func(id string) (*models.Task, bool) {
		t, ok := byID[id]
		return t, ok
	}
}

// validateDependencies checks that every dependency of task is a task of the
// same project and that the resulting graph stays acyclic.
func validateDependencies(task *models.Task, byID map[string]*models.Task) error {
	for _, dep := range task.Dependencies {
		if task.ID != "" && dep == task.ID {
			return apperr.Validation("task", "task cannot depend on itself")
		}
		if _, ok := byID[dep]; !ok {
			return apperr.Validation("task", "dependency %s is not a task of this project", dep)
		}
	}
	return ensureNoCycle(task.ID, task.Dependencies, byID)
}

// ensureNoCycle walks the dependency chains reachable from deps and fails if
// any of them leads back to taskID.
func ensureNoCycle(taskID string, deps []string, byID map[string]*models.Task) error {
	if taskID == "" {
		return nil
	}
	stack := append([]string(nil), deps...)
	seen := map[string]bool{}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == taskID {
			return apperr.Validation("task", "dependency cycle detected")
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if t, ok := byID[cur]; ok {
			stack = append(stack, t.Dependencies...)
		}
	}
	return nil
}
