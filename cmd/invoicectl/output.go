package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	invoice "github.com/rohithsiddi/invoice-processing-agent"
)

var (
	labelColor = color.New(color.FgCyan)
	okColor    = color.New(color.FgGreen)
	warnColor  = color.New(color.FgYellow)
	errColor   = color.New(color.FgRed)
	dimColor   = color.New(color.Faint)
)

func stateColor(state invoice.RunState) *color.Color {
	switch state {
	case invoice.RunCompleted:
		return okColor
	case invoice.RunPausedForReview:
		return warnColor
	case invoice.RunFailed:
		return errColor
	default:
		return labelColor
	}
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("format output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printRun(w io.Writer, run *invoice.RunStatus) {
	labelColor.Fprintf(w, "Record:     ")
	fmt.Fprintln(w, run.RecordID)
	labelColor.Fprintf(w, "State:      ")
	stateColor(run.State).Fprintln(w, run.State)
	if run.RunStatus != "" {
		labelColor.Fprintf(w, "Status:     ")
		fmt.Fprintln(w, run.RunStatus)
	}
	if run.LastStage != "" {
		labelColor.Fprintf(w, "Last stage: ")
		fmt.Fprintln(w, run.LastStage)
	}
	if run.SourcePath != "" {
		labelColor.Fprintf(w, "Source:     ")
		fmt.Fprintln(w, run.SourcePath)
	}
	if run.CheckpointID != "" {
		labelColor.Fprintf(w, "Checkpoint: ")
		fmt.Fprintln(w, run.CheckpointID)
	}
	if run.PauseReason != "" {
		labelColor.Fprintf(w, "Reason:     ")
		warnColor.Fprintln(w, run.PauseReason)
	}
	if run.ReviewURL != "" {
		labelColor.Fprintf(w, "Review:     ")
		fmt.Fprintln(w, run.ReviewURL)
	}
	if run.ErrorInfo != nil {
		labelColor.Fprintf(w, "Error:      ")
		errColor.Fprintf(w, "%s %s: %s\n", run.ErrorInfo.Stage, run.ErrorInfo.Kind, run.ErrorInfo.Message)
	}
	if run.Error != "" {
		labelColor.Fprintf(w, "Error:      ")
		errColor.Fprintln(w, run.Error)
	}
	labelColor.Fprintf(w, "Duration:   ")
	fmt.Fprintln(w, run.Duration().Round(time.Millisecond))
}

func printRunRow(w io.Writer, run *invoice.RunStatus) {
	fmt.Fprintf(w, "%-32s ", run.RecordID)
	stateColor(run.State).Fprintf(w, "%-18s", run.State)
	fmt.Fprintf(w, " %-14s %s\n", run.LastStage, run.SourcePath)
}

func printCheckpoint(w io.Writer, c *invoice.Checkpoint) {
	warnColor.Fprintf(w, "%s", c.ID)
	fmt.Fprintf(w, "  record=%s stage=%s created=%s\n", c.RecordID, c.Stage, c.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  %s\n", c.PauseReason)
	dimColor.Fprintf(w, "  %s\n", c.ReviewURL)
}

func printAudit(w io.Writer, e *invoice.AuditEntry) {
	dimColor.Fprintf(w, "%s ", e.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "%-14s %-20s ", e.StageName, e.Action)
	c := okColor
	if e.Result != invoice.AuditSuccess {
		c = errColor
	}
	c.Fprintf(w, "%-8s", e.Result)
	if e.Attempt > 0 {
		fmt.Fprintf(w, " attempt=%d", e.Attempt)
	}
	if e.Duration > 0 {
		fmt.Fprintf(w, " took=%s", e.Duration.Round(time.Microsecond))
	}
	fmt.Fprintln(w)
}
