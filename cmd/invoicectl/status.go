package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	invoice "github.com/rohithsiddi/invoice-processing-agent"
)

func newStatusCommand(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <record-id>",
		Short: "Show the status of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), root, func(a *app) error {
				run, err := a.store.LoadRun(cmd.Context(), args[0])
				if errors.Is(err, invoice.ErrRunNotFound) {
					return fmt.Errorf("no run for record %s", args[0])
				}
				if err != nil {
					return err
				}
				if root.jsonOut {
					return writeJSON(cmd.OutOrStdout(), run)
				}
				printRun(cmd.OutOrStdout(), run)
				return nil
			})
		},
	}
}

type runsFlags struct {
	state string
	limit int
}

func newRunsCommand(root *rootFlags) *cobra.Command {
	flags := &runsFlags{}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), root, func(a *app) error {
				all, err := a.store.ListRuns(cmd.Context())
				if err != nil {
					return err
				}
				runs := make([]*invoice.RunStatus, 0, len(all))
				for _, run := range all {
					if flags.state != "" && string(run.State) != flags.state {
						continue
					}
					runs = append(runs, run)
					if flags.limit > 0 && len(runs) == flags.limit {
						break
					}
				}
				w := cmd.OutOrStdout()
				if root.jsonOut {
					return writeJSON(w, runs)
				}
				if len(runs) == 0 {
					dimColor.Fprintln(w, "No runs")
					return nil
				}
				for _, run := range runs {
					printRunRow(w, run)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&flags.state, "state", "", "Only show runs in this state (e.g. PAUSED_FOR_REVIEW)")
	cmd.Flags().IntVar(&flags.limit, "limit", 50, "Maximum number of runs to show (0 for all)")
	return cmd
}

func newHistoryCommand(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history <record-id>",
		Short: "Show the audit trail of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), root, func(a *app) error {
				entries, err := a.store.AuditHistory(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if root.jsonOut {
					if entries == nil {
						entries = []*invoice.AuditEntry{}
					}
					return writeJSON(w, entries)
				}
				if len(entries) == 0 {
					dimColor.Fprintf(w, "No audit entries for %s\n", args[0])
					return nil
				}
				for _, e := range entries {
					printAudit(w, e)
				}
				return nil
			})
		},
	}
}
