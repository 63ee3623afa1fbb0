package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	invoice "github.com/rohithsiddi/invoice-processing-agent"
)

func newPendingCommand(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List checkpoints awaiting a review decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), root, func(a *app) error {
				checkpoints, err := a.store.ListPendingCheckpoints(cmd.Context())
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if root.jsonOut {
					if checkpoints == nil {
						checkpoints = []*invoice.Checkpoint{}
					}
					return writeJSON(w, checkpoints)
				}
				if len(checkpoints) == 0 {
					okColor.Fprintln(w, "No pending reviews")
					return nil
				}
				for _, c := range checkpoints {
					printCheckpoint(w, c)
				}
				return nil
			})
		},
	}
}

type decideFlags struct {
	reviewer string
	notes    string
}

func newDecideCommand(root *rootFlags) *cobra.Command {
	flags := &decideFlags{}

	cmd := &cobra.Command{
		Use:   "decide <checkpoint-id> ACCEPT|REJECT",
		Short: "Record a review decision and resume the run",
		Long: `Record a reviewer's decision on a pending checkpoint, then resume the paused
run from the stage after the pause point. ACCEPT continues to reconciliation;
REJECT hands the invoice off for manual processing.

Examples:
  invoicectl decide chk_01h... ACCEPT --reviewer alice@example.com
  invoicectl decide chk_01h... REJECT --reviewer bob@example.com --notes "duplicate"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision := strings.ToUpper(args[1])
			if decision != invoice.DecisionAccept && decision != invoice.DecisionReject {
				return fmt.Errorf("decision must be %s or %s, got %q", invoice.DecisionAccept, invoice.DecisionReject, args[1])
			}
			return withApp(cmd.Context(), root, func(a *app) error {
				engine, err := a.engine()
				if err != nil {
					return err
				}
				result, err := engine.SubmitDecision(cmd.Context(), args[0], decision, flags.reviewer, flags.notes)
				if errors.Is(err, invoice.ErrCheckpointAlreadyProcessed) {
					warnColor.Fprintf(cmd.ErrOrStderr(), "Checkpoint %s was already reviewed\n", args[0])
				}
				if err != nil {
					return err
				}
				run, err := engine.GetRunStatus(cmd.Context(), result.RecordID)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if root.jsonOut {
					return writeJSON(w, run)
				}
				printRun(w, run)
				if run.State == invoice.RunFailed {
					return errRunFailed
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&flags.reviewer, "reviewer", "r", "", "Reviewer id (required)")
	cmd.Flags().StringVar(&flags.notes, "notes", "", "Review notes")
	_ = cmd.MarkFlagRequired("reviewer")
	return cmd
}
