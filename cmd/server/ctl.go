package main

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/handler"
)

var (
	ctlAddr    string
	ctlUser    string
	ctlTimeout time.Duration
)

// ctlCmd groups the commands that talk to a running server over gRPC.
var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Call a running approvals service",
	Long:  "Initiate, decide, cancel, escalate and inspect approval requests through the gRPC API",
}

var ctlInitiateCmd = &cobra.Command{
	Use:   "initiate <workflow-id> <title>",
	Short: "Start a new approval request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		priority, _ := cmd.Flags().GetString("priority")
		amount, _ := cmd.Flags().GetString("amount")
		attrs, _ := cmd.Flags().GetStringToString("attr")
		return withClient(cmd, func(ctx context.Context, c *client.ApprovalsGRPCClient) (interface{}, error) {
			return c.Initiate(ctx, handler.InitiateRequest{
				WorkflowID: args[0],
				Title:      args[1],
				Category:   category,
				Priority:   priority,
				Amount:     amount,
				Attributes: attrs,
			})
		})
	},
}

var ctlDecideCmd = &cobra.Command{
	Use:   "decide <request-id> <approve|reject|abstain|delegate>",
	Short: "Submit a decision for the active stage",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		stage, _ := cmd.Flags().GetInt("stage")
		comment, _ := cmd.Flags().GetString("comment")
		delegateTo, _ := cmd.Flags().GetString("delegate-to")
		return withClient(cmd, func(ctx context.Context, c *client.ApprovalsGRPCClient) (interface{}, error) {
			return c.SubmitDecision(ctx, handler.DecisionRequest{
				RequestID:  args[0],
				StageIndex: stage,
				Outcome:    strings.ToUpper(args[1]),
				Comment:    comment,
				DelegateTo: delegateTo,
			})
		})
	},
}

var ctlCancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Cancel a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.ApprovalsGRPCClient) (interface{}, error) {
			return c.Cancel(ctx, args[0], "")
		})
	},
}

var ctlEscalateCmd = &cobra.Command{
	Use:   "escalate <request-id>",
	Short: "Escalate the active stage now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cause, _ := cmd.Flags().GetString("cause")
		return withClient(cmd, func(ctx context.Context, c *client.ApprovalsGRPCClient) (interface{}, error) {
			return c.Escalate(ctx, args[0], strings.ToUpper(cause), "")
		})
	},
}

var ctlStatusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "Show a request and its stages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.ApprovalsGRPCClient) (interface{}, error) {
			return c.QueryStatus(ctx, args[0])
		})
	},
}

var ctlHistoryCmd = &cobra.Command{
	Use:   "history <request-id>",
	Short: "Show decisions, escalations and the audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.ApprovalsGRPCClient) (interface{}, error) {
			return c.History(ctx, args[0])
		})
	},
}

var ctlPendingCmd = &cobra.Command{
	Use:   "pending [approver]",
	Short: "List stages waiting on an approver",
	Long:  "List open stages waiting on the approver; defaults to --user",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		approver := ""
		if len(args) == 1 {
			approver = args[0]
		}
		return withClient(cmd, func(ctx context.Context, c *client.ApprovalsGRPCClient) (interface{}, error) {
			return c.GetPendingApprovals(ctx, approver)
		})
	},
}

func init() {
	ctlCmd.PersistentFlags().StringVar(&ctlAddr, "addr", "localhost:9086", "gRPC address of the approvals service")
	ctlCmd.PersistentFlags().StringVarP(&ctlUser, "user", "u", "", "Caller identity sent as x-user-id")
	ctlCmd.PersistentFlags().DurationVar(&ctlTimeout, "timeout", 10*time.Second, "Per-call timeout")

	ctlInitiateCmd.Flags().StringP("category", "c", "", "Request category")
	ctlInitiateCmd.Flags().StringP("priority", "p", "", "LOW, NORMAL, HIGH or URGENT")
	ctlInitiateCmd.Flags().String("amount", "", "Decimal amount")
	ctlInitiateCmd.Flags().StringToString("attr", nil, "Extra attributes (key=value)")

	ctlDecideCmd.Flags().Int("stage", 0, "Stage index the decision targets")
	ctlDecideCmd.Flags().StringP("comment", "m", "", "Decision comment")
	ctlDecideCmd.Flags().String("delegate-to", "", "Delegate target for DELEGATE")

	ctlEscalateCmd.Flags().String("cause", "MANUAL", "Escalation cause")

	ctlCmd.AddCommand(ctlInitiateCmd)
	ctlCmd.AddCommand(ctlDecideCmd)
	ctlCmd.AddCommand(ctlCancelCmd)
	ctlCmd.AddCommand(ctlEscalateCmd)
	ctlCmd.AddCommand(ctlStatusCmd)
	ctlCmd.AddCommand(ctlHistoryCmd)
	ctlCmd.AddCommand(ctlPendingCmd)
}

// withClient dials the service, runs call and prints its result as JSON.
func withClient(cmd *cobra.Command, call func(context.Context, *client.ApprovalsGRPCClient) (interface{}, error)) error {
	var opts []grpc.DialOption
	if ctlUser != "" {
		opts = append(opts, client.WithUser(ctlUser))
	}
	c, err := client.NewApprovalsGRPCClient(ctlAddr, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), ctlTimeout)
	defer cancel()

	out, err := call(ctx, c)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
