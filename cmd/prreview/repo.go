package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/adorevd/prreview/internal/models"
)

func repoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage monitored repositories",
	}
	cmd.AddCommand(repoAddCmd())
	cmd.AddCommand(repoRemoveCmd())
	cmd.AddCommand(repoListCmd())
	return cmd
}

func repoAddCmd() *cobra.Command {
	var organization, project, name, url string

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register a repository for webhook ingestion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]string{
				"id":           args[0],
				"organization": organization,
				"project":      project,
				"name":         name,
				"url":          url,
			}
			var repo models.Repository
			if err := apiRequest(http.MethodPost, "/repositories", req, &repo); err != nil {
				return err
			}
			fmt.Printf("registered repository %s\n", repo.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&organization, "organization", "", "Azure DevOps organization")
	cmd.Flags().StringVar(&project, "project", "", "Azure DevOps project")
	cmd.Flags().StringVar(&name, "name", "", "repository name")
	cmd.Flags().StringVar(&url, "url", "", "repository URL")
	return cmd
}

func repoRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Stop monitoring a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiRequest(http.MethodDelete, "/repositories/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("removed repository %s\n", args[0])
			return nil
		},
	}
}

func repoListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List monitored repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			var repos []models.Repository
			if err := apiRequest(http.MethodGet, "/repositories", nil, &repos); err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(repos)
			}

			if len(repos) == 0 {
				fmt.Println("No repositories registered.")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			if isatty.IsTerminal(os.Stdout.Fd()) {
				t.SetStyle(table.StyleLight)
			}
			t.AppendHeader(table.Row{"ID", "Organization", "Project", "Name", "Hook ID"})
			for _, r := range repos {
				t.AppendRow(table.Row{r.ID, r.Organization, r.Project, r.Name, r.HookID})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
