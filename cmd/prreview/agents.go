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

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect in-flight and recent review agents",
	}
	cmd.AddCommand(agentsListCmd())
	cmd.AddCommand(agentsShowCmd())
	return cmd
}

func agentsListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List running review agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			var agents []models.AgentRecord
			if err := apiRequest(http.MethodGet, "/agents", nil, &agents); err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(agents)
			}

			if len(agents) == 0 {
				fmt.Println("No agents running.")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			if isatty.IsTerminal(os.Stdout.Fd()) {
				t.SetStyle(table.StyleLight)
			}
			t.AppendHeader(table.Row{"Agent ID", "PR", "Repository", "Phase", "Status", "Started"})
			for _, a := range agents {
				t.AppendRow(table.Row{a.AgentID, a.PRID, a.RepositoryID, a.Phase, a.Status, a.StartedAt.Format("15:04:05")})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func agentsShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one agent's status and execution metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var detail map[string]any
			if err := apiRequest(http.MethodGet, "/agents/"+args[0], nil, &detail); err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(detail)
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			if isatty.IsTerminal(os.Stdout.Fd()) {
				t.SetStyle(table.StyleLight)
			}
			for _, k := range []string{"AgentID", "PRID", "RepositoryID", "Phase", "Status", "StartedAt", "Deadline", "EndedAt", "execution"} {
				if v, ok := detail[k]; ok {
					t.AppendRow(table.Row{k, v})
				}
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
