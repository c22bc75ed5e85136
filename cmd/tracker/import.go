package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"project-tracker-backend/pkg/database"
	"project-tracker-backend/pkg/models"
	"project-tracker-backend/pkg/services"
)

// importFile is the document form of an import; a bare task list is accepted too.
type importFile struct {
	Tasks []models.TaskInput `yaml:"tasks"`
}

// parseImportFile reads YAML (or JSON) task specifications.
func parseImportFile(data []byte) ([]models.TaskInput, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse import file: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("import file is empty")
	}

	var tasks []models.TaskInput
	switch doc := root.Content[0]; doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&tasks); err != nil {
			return nil, fmt.Errorf("parse import file: %w", err)
		}
	case yaml.MappingNode:
		var f importFile
		if err := doc.Decode(&f); err != nil {
			return nil, fmt.Errorf("parse import file: %w", err)
		}
		tasks = f.Tasks
	default:
		return nil, fmt.Errorf("import file must hold a task list or a tasks: key")
	}

	// Unquoted YAML dates decode as timestamps; custom field values expect text.
	for i := range tasks {
		for k, v := range tasks[i].CustomFieldValues {
			if t, ok := v.(time.Time); ok {
				tasks[i].CustomFieldValues[k] = t.Format(models.DateLayout)
			}
		}
	}
	return tasks, nil
}

func (a *app) importCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Bulk-create tasks from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return fmt.Errorf("--project is required")
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			specs, err := parseImportFile(data)
			if err != nil {
				return err
			}
			actor, err := a.principal()
			if err != nil {
				return err
			}

			return a.withStore(cmd.Context(), func(ctx context.Context, db database.DatabaseInterface, svc *services.Services) error {
				result, err := svc.Tasks.Import(ctx, actor, projectID, specs)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if a.jsonOutput() {
					return printJSON(out, result)
				}
				fmt.Fprintf(out, "policy %s: %d created, %d failed\n", result.Policy, len(result.Created), len(result.Failed))
				if len(result.Failed) > 0 {
					tw := table.NewWriter()
					tw.SetOutputMirror(out)
					tw.AppendHeader(table.Row{"#", "Name", "Error"})
					for _, f := range result.Failed {
						tw.AppendRow(table.Row{f.Index, f.Name, f.Error})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "target project id")
	return cmd
}
