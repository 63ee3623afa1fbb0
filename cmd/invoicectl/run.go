package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	invoice "github.com/rohithsiddi/invoice-processing-agent"
)

type runFlags struct {
	timeout time.Duration
}

func newRunCommand(root *rootFlags) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Process one invoice",
		Long: `Run an invoice document through the pipeline until it completes, fails
or pauses for human review. Supported documents are pdf, png, jpg, jpeg
and json.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), root, func(a *app) error {
				return runOne(cmd, a, root, flags, args[0])
			})
		},
	}
	cmd.Flags().DurationVarP(&flags.timeout, "timeout", "t", 0, "Run timeout (e.g. 30s, 5m)")
	return cmd
}

func runOne(cmd *cobra.Command, a *app, root *rootFlags, flags *runFlags, path string) error {
	engine, err := a.engine()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(cmd.Context(), flags.timeout)
	defer cancel()

	result, err := engine.Run(ctx, path)
	if err != nil {
		return err
	}
	run, err := engine.GetRunStatus(ctx, result.RecordID)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if root.jsonOut {
		if err := writeJSON(w, run); err != nil {
			return err
		}
	} else {
		printRun(w, run)
	}
	if result.State == invoice.RunFailed {
		return errRunFailed
	}
	return nil
}

type batchFlags struct {
	runFlags
	concurrency int
}

type batchResult struct {
	Path   string             `json:"path"`
	Run    *invoice.RunStatus `json:"run,omitempty"`
	Error  string             `json:"error,omitempty"`
	failed bool
}

func newBatchCommand(root *rootFlags) *cobra.Command {
	flags := &batchFlags{}

	cmd := &cobra.Command{
		Use:   "batch <file-or-dir>...",
		Short: "Process many invoices concurrently",
		Long: `Run every given invoice through the pipeline. Directories are expanded to
the regular files they contain. Each invoice is an independent run; a failure
in one does not stop the others.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), root, func(a *app) error {
				return runBatch(cmd, a, root, flags, args)
			})
		},
	}
	cmd.Flags().IntVarP(&flags.concurrency, "concurrency", "n", 4, "Number of invoices processed at once")
	cmd.Flags().DurationVarP(&flags.timeout, "timeout", "t", 0, "Timeout for the whole batch")
	return cmd
}

func runBatch(cmd *cobra.Command, a *app, root *rootFlags, flags *batchFlags, args []string) error {
	paths, err := expandPaths(args)
	if err != nil {
		return err
	}
	engine, err := a.engine()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(cmd.Context(), flags.timeout)
	defer cancel()

	results := make([]batchResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(flags.concurrency, 1))
	for i, path := range paths {
		g.Go(func() error {
			results[i] = processOne(gctx, engine, path)
			// only cancellation stops the batch
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if root.jsonOut {
		if err := writeJSON(w, results); err != nil {
			return err
		}
	} else {
		counts := map[invoice.RunState]int{}
		for _, r := range results {
			if r.Run == nil {
				errColor.Fprintf(w, "%-32s %s\n", r.Path, r.Error)
				continue
			}
			counts[r.Run.State]++
			printRunRow(w, r.Run)
		}
		fmt.Fprintln(w)
		okColor.Fprintf(w, "%d completed", counts[invoice.RunCompleted])
		fmt.Fprint(w, ", ")
		warnColor.Fprintf(w, "%d paused", counts[invoice.RunPausedForReview])
		fmt.Fprint(w, ", ")
		errColor.Fprintf(w, "%d failed\n", len(results)-counts[invoice.RunCompleted]-counts[invoice.RunPausedForReview])
	}
	for _, r := range results {
		if r.failed {
			return errRunFailed
		}
	}
	return nil
}

func processOne(ctx context.Context, engine *invoice.Engine, path string) batchResult {
	out := batchResult{Path: path}
	result, err := engine.Run(ctx, path)
	if err != nil {
		out.Error = err.Error()
		out.failed = true
		return out
	}
	run, err := engine.GetRunStatus(ctx, result.RecordID)
	if err != nil {
		out.Error = err.Error()
		out.failed = true
		return out
	}
	out.Run = run
	out.failed = run.State == invoice.RunFailed
	return out
}

func expandPaths(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.Type().IsRegular() {
				paths = append(paths, filepath.Join(arg, entry.Name()))
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
