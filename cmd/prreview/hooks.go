package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/adorevd/prreview/internal/models"
)

func hooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Manage a repository's service hook subscription",
	}
	cmd.AddCommand(hooksRegisterCmd())
	cmd.AddCommand(hooksUnregisterCmd())
	cmd.AddCommand(hooksListCmd())
	return cmd
}

func hooksRegisterCmd() *cobra.Command {
	var webhookURL, eventType string

	cmd := &cobra.Command{
		Use:   "register <repository-id>",
		Short: "Register a service hook subscription for a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if webhookURL == "" {
				return fmt.Errorf("--url is required")
			}
			req := map[string]string{"webhook_url": webhookURL, "event_type": eventType}
			var reg models.ServiceHookRegistration
			if err := apiRequest(http.MethodPost, "/repositories/"+args[0]+"/hooks", req, &reg); err != nil {
				return err
			}
			fmt.Printf("registered hook %s for %s\n", reg.HookID, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&webhookURL, "url", "", "webhook delivery URL")
	cmd.Flags().StringVar(&eventType, "event-type", "git.pullrequest.created", "service hook event type")
	return cmd
}

func hooksUnregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <repository-id> <hook-id>",
		Short: "Remove a repository's service hook subscription",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiRequest(http.MethodDelete, "/repositories/"+args[0]+"/hooks/"+args[1], nil, nil); err != nil {
				return err
			}
			fmt.Printf("unregistered hook %s for %s\n", args[1], args[0])
			return nil
		},
	}
}

func hooksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <repository-id>",
		Short: "List a repository's registered service hooks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var hooks []models.ServiceHookRegistration
			if err := apiRequest(http.MethodGet, "/repositories/"+args[0]+"/hooks", nil, &hooks); err != nil {
				return err
			}
			if len(hooks) == 0 {
				fmt.Println("No hooks registered.")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			if isatty.IsTerminal(os.Stdout.Fd()) {
				t.SetStyle(table.StyleLight)
			}
			t.AppendHeader(table.Row{"Hook ID", "Event Type", "Webhook URL", "Registered"})
			for _, h := range hooks {
				t.AppendRow(table.Row{h.HookID, h.EventType, h.WebhookURL, h.RegisteredAt.Format("2006-01-02 15:04:05")})
			}
			t.Render()
			return nil
		},
	}
}
