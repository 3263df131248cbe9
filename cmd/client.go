package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/flowplane/flowplane/internal/model"
	"github.com/flowplane/flowplane/internal/workflow"
)

var serverURL string

func addServerFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "coordinator API base URL")
}

func apiClient() *resty.Client {
	return resty.New().SetBaseURL(serverURL)
}

func startCmd() *cobra.Command {
	var (
		file     string
		tenant   string
		trigger  string
		priority int
		idemKey  string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Submit a workflow run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			wf, err := workflow.LoadFile(file)
			if err != nil {
				return err
			}

			body := map[string]any{
				"workflow": wf,
				"tenantId": tenant,
				"priority": priority,
			}
			if trigger != "" {
				body["trigger"] = json.RawMessage(trigger)
			}
			if idemKey != "" {
				body["idempotencyKey"] = idemKey
			}

			var run model.Run
			resp, err := apiClient().R().
				SetBody(body).
				SetResult(&run).
				Post("/api/v1/runs")
			if err != nil {
				return err
			}
			if resp.IsError() {
				return fmt.Errorf("submit failed: %s: %s", resp.Status(), resp.Body())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s started (state %s)\n", run.ID, run.State)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "workflow definition file (YAML)")
	cmd.Flags().StringVar(&tenant, "tenant", "default", "tenant id")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger payload (JSON)")
	cmd.Flags().IntVar(&priority, "priority", 0, "run priority")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "submission idempotency key")
	_ = cmd.MarkFlagRequired("file")
	addServerFlag(cmd)
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's state and node states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var run model.Run
			resp, err := apiClient().R().
				SetResult(&run).
				Get("/api/v1/runs/" + args[0])
			if err != nil {
				return err
			}
			if resp.IsError() {
				return fmt.Errorf("status failed: %s: %s", resp.Status(), resp.Body())
			}

			fmt.Fprintf(cmd.OutOrStdout(), "run %s\n  workflow: %s v%d\n  state:    %s\n",
				run.ID, run.WorkflowID, run.WorkflowVersion, run.State)
			if run.FailureReason != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  reason:   %s\n", run.FailureReason)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "  nodes:")
			for id, state := range run.NodeStates {
				fmt.Fprintf(cmd.OutOrStdout(), "    %-20s %s\n", id, state)
			}
			return nil
		},
	}
	addServerFlag(cmd)
	return cmd
}

func cancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiClient().R().Post("/api/v1/runs/" + args[0] + "/cancel")
			if err != nil {
				return err
			}
			if resp.IsError() {
				return fmt.Errorf("cancel failed: %s: %s", resp.Status(), resp.Body())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s cancel requested\n", args[0])
			return nil
		},
	}
	addServerFlag(cmd)
	return cmd
}
