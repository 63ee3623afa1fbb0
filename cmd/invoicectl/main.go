// Command invoicectl drives invoices through the processing pipeline and
// lets reviewers resolve paused runs.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// errRunFailed makes the process exit non-zero without printing usage
var errRunFailed = errors.New("one or more runs failed")

type rootFlags struct {
	configDir string
	jsonOut   bool
	noColor   bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errRunFailed) {
			color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "invoicectl",
		Short: "Invoice processing pipeline",
		Long: `Run invoices through the processing pipeline, inspect runs and resolve
human review checkpoints.

Configuration is read from invoice.toml in the config directory, layered with
invoice.<env>.toml when INVOICE_ENV is set, then INVOICE_* environment
variables.

Examples:
  # Process one invoice
  invoicectl run ./inbox/acme.json

  # Process a directory of invoices, four at a time
  invoicectl batch ./inbox --concurrency 4

  # Review paused runs
  invoicectl pending
  invoicectl decide chk_01h... ACCEPT --reviewer alice@example.com`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.noColor {
				color.NoColor = true
			}
		},
		RunE: func(c *cobra.Command, _ []string) error {
			return c.Help()
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.configDir, "config-dir", "c", ".", "Directory holding invoice.toml")
	cmd.PersistentFlags().BoolVar(&flags.jsonOut, "json", false, "Output in JSON format")
	cmd.PersistentFlags().BoolVar(&flags.noColor, "no-color", false, "Disable colored output")

	cmd.AddCommand(newRunCommand(flags))
	cmd.AddCommand(newBatchCommand(flags))
	cmd.AddCommand(newStatusCommand(flags))
	cmd.AddCommand(newRunsCommand(flags))
	cmd.AddCommand(newPendingCommand(flags))
	cmd.AddCommand(newDecideCommand(flags))
	cmd.AddCommand(newHistoryCommand(flags))
	cmd.AddCommand(newMigrateCommand(flags))

	return cmd
}
