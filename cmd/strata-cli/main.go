// Strata CLI - Command-line interface for operating the Strata control plane
//
// The CLI talks to a running stratad instance over its HTTP API, so every
// action goes through the same validation, audit logging and idempotency
// handling as any other caller.
//
// Usage:
//   strata-cli status
//   strata-cli tickets list
//   strata-cli tickets approve --id tkt_123 --actor 0xabc...
//   strata-cli plans preview
//   strata-cli plans trigger --reason "quarterly drift"
//   strata-cli risk events
//   strata-cli ingest resync --from-block 1234567
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Version is set during build
	Version = "dev"

	// Global flags
	apiAddr string
	verbose bool

	httpClient = &http.Client{Timeout: 30 * time.Second}
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	rootCmd := &cobra.Command{
		Use:   "strata-cli",
		Short: "Strata CLI - operate the Strata fund control plane",
		Long: `Strata CLI provides operator commands for the Strata control plane:
approval tickets, rebalance plans, liquidity forecasts, risk status and
ingestion control. All commands go through the stratad HTTP API.`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.PersistentFlags().StringVar(&apiAddr, "api-addr", getEnv("STRATA_API_ADDR", "http://localhost:8080"), "stratad API base URL")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(ticketsCmd())
	rootCmd.AddCommand(plansCmd())
	rootCmd.AddCommand(forecastCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(ingestCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// statusCmd shows the fund projection at a glance.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current fund projection",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := apiGet("/v1/projection")
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

// ticketsCmd creates the approval ticket command group
func ticketsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "Approval ticket operations",
		Long:  "List, inspect and resolve approval tickets",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List open approval tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := apiGet("/v1/tickets")
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show one ticket with its approval records",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			out, err := apiGet("/v1/tickets/" + url.PathEscape(id))
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	showCmd.Flags().String("id", "", "Ticket ID (required)")
	showCmd.MarkFlagRequired("id")

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Show a ticket's audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			out, err := apiGet("/v1/tickets/" + url.PathEscape(id) + "/audit")
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	auditCmd.Flags().String("id", "", "Ticket ID (required)")
	auditCmd.MarkFlagRequired("id")

	cmd.AddCommand(listCmd, showCmd, auditCmd)
	cmd.AddCommand(ticketActionCmd("approve", "Record an approval on a ticket", false))
	cmd.AddCommand(ticketActionCmd("reject", "Reject a ticket", true))
	cmd.AddCommand(ticketActionCmd("cancel", "Cancel an open ticket", false))
	return cmd
}

// ticketActionCmd builds approve/reject/cancel, which share a shape.
func ticketActionCmd(action, short string, reasonRequired bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			actor, _ := cmd.Flags().GetString("actor")
			reason, _ := cmd.Flags().GetString("reason")

			out, err := apiPost("/v1/tickets/"+url.PathEscape(id)+"/"+action, map[string]interface{}{
				"actor":  actor,
				"reason": reason,
			})
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().String("id", "", "Ticket ID (required)")
	cmd.Flags().String("actor", "", "Approver address (required)")
	cmd.Flags().String("reason", "", "Reason for the action")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("actor")
	if reasonRequired {
		cmd.MarkFlagRequired("reason")
	}
	return cmd
}

// plansCmd creates the rebalance plan command group
func plansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Rebalance plan operations",
		Long:  "Preview, trigger, execute and roll back rebalance plans",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List rebalance plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			path := "/v1/plans"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			out, err := apiGet(path)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	listCmd.Flags().String("status", "", "Filter by plan status")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show one plan with its actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			out, err := apiGet("/v1/plans/" + url.PathEscape(id))
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	showCmd.Flags().String("id", "", "Plan ID (required)")
	showCmd.MarkFlagRequired("id")

	previewCmd := &cobra.Command{
		Use:   "preview",
		Short: "Simulate a rebalance plan without persisting it",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := apiPost("/v1/plans/preview", map[string]interface{}{})
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	triggerCmd := &cobra.Command{
		Use:   "trigger",
		Short: "Create a rebalance plan from the current drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			out, err := apiPost("/v1/plans", map[string]interface{}{"reason": reason})
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	triggerCmd.Flags().String("reason", "manual trigger", "Reason recorded on the plan")

	executeCmd := &cobra.Command{
		Use:   "execute",
		Short: "Execute an approved plan on chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			out, err := apiPost("/v1/plans/"+url.PathEscape(id)+"/execute", map[string]interface{}{})
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	executeCmd.Flags().String("id", "", "Plan ID (required)")
	executeCmd.MarkFlagRequired("id")

	rollbackCmd := &cobra.Command{
		Use:   "rollback",
		Short: "Create a compensating plan for an executed one",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			reason, _ := cmd.Flags().GetString("reason")
			out, err := apiPost("/v1/plans/"+url.PathEscape(id)+"/rollback", map[string]interface{}{"reason": reason})
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	rollbackCmd.Flags().String("id", "", "Plan ID (required)")
	rollbackCmd.Flags().String("reason", "manual rollback", "Reason recorded on the rollback plan")
	rollbackCmd.MarkFlagRequired("id")

	cmd.AddCommand(listCmd, showCmd, previewCmd, triggerCmd, executeCmd, rollbackCmd)
	return cmd
}

// forecastCmd shows the Monte Carlo liquidity forecasts.
func forecastCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forecast",
		Short: "Show liquidity forecasts for all horizons",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := apiGet("/v1/forecast")
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

// riskCmd creates the risk command group
func riskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Risk engine status and events",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest risk snapshot and pause state",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := apiGet("/v1/risk/status")
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	snapshotsCmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List recent risk snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			out, err := apiGet(fmt.Sprintf("/v1/risk/snapshots?limit=%d", limit))
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	snapshotsCmd.Flags().Int("limit", 10, "Maximum number of snapshots to return")

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "List open risk events",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := apiGet("/v1/risk/events")
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	resolveCmd := &cobra.Command{
		Use:   "resolve",
		Short: "Mark a risk event resolved",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			out, err := apiPost("/v1/risk/events/"+url.PathEscape(id)+"/resolve", map[string]interface{}{})
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	resolveCmd.Flags().String("id", "", "Risk event ID (required)")
	resolveCmd.MarkFlagRequired("id")

	cmd.AddCommand(statusCmd, snapshotsCmd, eventsCmd, resolveCmd)
	return cmd
}

// ingestCmd creates the ingestion command group
func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Event ingestion control",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether ingestion is halted",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := apiGet("/v1/ingest/status")
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}

	resyncCmd := &cobra.Command{
		Use:   "resync",
		Short: "Rewind checkpoints and clear a reorg halt",
		RunE: func(cmd *cobra.Command, args []string) error {
			fromBlock, _ := cmd.Flags().GetUint64("from-block")
			out, err := apiPost("/v1/ingest/resync", map[string]interface{}{"from_block": fromBlock})
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	resyncCmd.Flags().Uint64("from-block", 0, "Block to rescan from (required)")
	resyncCmd.MarkFlagRequired("from-block")

	cmd.AddCommand(statusCmd, resyncCmd)
	return cmd
}

// HTTP helpers

func apiGet(path string) (interface{}, error) {
	req, err := http.NewRequest(http.MethodGet, apiAddr+path, nil)
	if err != nil {
		return nil, err
	}
	return doRequest(req)
}

func apiPost(path string, body map[string]interface{}) (interface{}, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, apiAddr+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	// one key per invocation: a network retry cannot double-apply the action
	req.Header.Set("Idempotency-Key", uuid.NewString())
	return doRequest(req)
}

func doRequest(req *http.Request) (interface{}, error) {
	if verbose {
		fmt.Fprintf(os.Stderr, "> %s %s\n", req.Method, req.URL)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var out interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}

	if resp.StatusCode >= 400 {
		if m, ok := out.(map[string]interface{}); ok {
			if e, ok := m["error"].(map[string]interface{}); ok {
				return nil, fmt.Errorf("%s (%s)", e["message"], e["code"])
			}
		}
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return out, nil
}

// Helpers

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		return
	}
	fmt.Println(string(b))
}
