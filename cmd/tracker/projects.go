package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"project-tracker-backend/pkg/database"
	"project-tracker-backend/pkg/services"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) projectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List the projects visible to the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := a.principal()
			if err != nil {
				return err
			}
			return a.withStore(cmd.Context(), func(ctx context.Context, db database.DatabaseInterface, svc *services.Services) error {
				projects, err := svc.Projects.List(ctx, actor)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if a.jsonOutput() {
					return printJSON(out, projects)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(out)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Owner", "Members", "Modified"})
				for _, p := range projects {
					owner := ""
					if p.OwnerID != nil {
						owner = *p.OwnerID
					}
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, owner, strings.Join(p.TeamMembers, ", "), p.LastModified.Format("2006-01-02 15:04")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func (a *app) activityCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show the activity log of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return fmt.Errorf("--project is required")
			}
			actor, err := a.principal()
			if err != nil {
				return err
			}
			return a.withStore(cmd.Context(), func(ctx context.Context, db database.DatabaseInterface, svc *services.Services) error {
				entries, err := svc.Activity.List(ctx, actor, projectID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if a.jsonOutput() {
					return printJSON(out, entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(out)
				tw.AppendHeader(table.Row{"When", "Action", "Task", "Actor", "Changes"})
				for _, e := range entries {
					task, actorID := "", ""
					if e.TaskID != nil {
						task = *e.TaskID
					}
					if e.UserID != nil {
						actorID = *e.UserID
					}
					changes, _ := json.Marshal(e.Changes)
					tw.AppendRow(table.Row{e.CreatedAt.Format("2006-01-02 15:04:05"), e.Action, task, actorID, string(changes)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	return cmd
}
