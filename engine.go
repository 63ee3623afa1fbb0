package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rohithsiddi/invoice-processing-agent/retry"
)

// EngineOptions configures a new Engine
type EngineOptions struct {
	Graph *Graph

	// Store provides any of Checkpoints, Audit and Runs left nil.
	Store       Store
	Checkpoints CheckpointStore
	Audit       AuditSink
	Runs        RunStore

	Logger    *slog.Logger
	Callbacks RunCallbacks

	RetryPolicies      map[string]retry.Policy
	DefaultRetryPolicy *retry.Policy

	// ReviewURLBase is used to build a review URL for checkpoints whose
	// record carries none.
	ReviewURLBase string

	// ReviewNotifier, when set, is told about every pause. Delivery
	// failures are logged and never affect the run.
	ReviewNotifier Notifier
	Reviewers      []string
}

// RunResult is the outcome of driving a run until it completes, fails or
// pauses.
type RunResult struct {
	RecordID     string
	State        RunState
	LastStage    string
	CheckpointID string
	Record       *Record
}

// Engine drives records through a Graph. It holds no lock across runs and no
// goroutine for paused runs: everything needed to resume lives in the
// checkpoint store.
type Engine struct {
	graph          *Graph
	runner         *StageRunner
	checkpoints    CheckpointStore
	audit          AuditSink
	runs           RunStore
	logger         *slog.Logger
	callbacks      RunCallbacks
	reviewURLBase  string
	reviewNotifier Notifier
	reviewers      []string
	background     sync.WaitGroup
}

// NewEngine creates a new Engine
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Graph == nil {
		return nil, fmt.Errorf("graph is required")
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Checkpoints == nil {
		opts.Checkpoints = opts.Store
	}
	if opts.Audit == nil {
		opts.Audit = opts.Store
	}
	if opts.Runs == nil {
		opts.Runs = opts.Store
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseRunCallbacks{}
	}
	if opts.ReviewURLBase == "" {
		opts.ReviewURLBase = DefaultReviewURLBase
	}
	runner := NewStageRunner(StageRunnerOptions{
		Audit:         opts.Audit,
		Logger:        opts.Logger,
		Policies:      opts.RetryPolicies,
		DefaultPolicy: opts.DefaultRetryPolicy,
	})
	return &Engine{
		graph:          opts.Graph,
		runner:         runner,
		checkpoints:    opts.Checkpoints,
		audit:          opts.Audit,
		runs:           opts.Runs,
		logger:         opts.Logger,
		callbacks:      opts.Callbacks,
		reviewURLBase:  strings.TrimRight(opts.ReviewURLBase, "/"),
		reviewNotifier: opts.ReviewNotifier,
		reviewers:      opts.Reviewers,
	}, nil
}

// DefaultReviewURLBase is the review UI location used when none is configured
const DefaultReviewURLBase = "http://localhost:8000/review"

// Graph returns the engine's stage graph
func (e *Engine) Graph() *Graph {
	return e.graph
}

// Run processes the source document synchronously until the run completes,
// fails or pauses for review.
func (e *Engine) Run(ctx context.Context, sourcePath string) (*RunResult, error) {
	return e.RunRecord(ctx, NewRecord(sourcePath, ""))
}

// RunRecord drives a prepared record from the entry stage. A record id is
// assigned if the record has none.
func (e *Engine) RunRecord(ctx context.Context, rec *Record) (*RunResult, error) {
	rec = rec.Clone()
	if rec.RecordID == "" {
		rec.RecordID = NewRecordID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := e.begin(ctx, rec); err != nil {
		return nil, err
	}
	return e.execute(ctx, rec, e.graph.Entry(), false)
}

// StartRun registers a run for the source document and processes it on its
// own goroutine. It returns the record id immediately. The run is detached
// from ctx cancellation; use Wait to wait for background runs.
func (e *Engine) StartRun(ctx context.Context, sourcePath string) (string, error) {
	rec := NewRecord(sourcePath, "")
	rec.RecordID = NewRecordID()
	if err := e.begin(ctx, rec); err != nil {
		return "", err
	}
	bg := context.WithoutCancel(ctx)
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		if _, err := e.execute(bg, rec, e.graph.Entry(), false); err != nil {
			e.logger.Error("background run failed", "record_id", rec.RecordID, "error", err)
		}
	}()
	return rec.RecordID, nil
}

// Wait blocks until all runs started with StartRun have stopped.
func (e *Engine) Wait() {
	e.background.Wait()
}

func (e *Engine) begin(ctx context.Context, rec *Record) error {
	now := time.Now().UTC()
	run := &RunStatus{
		RecordID:   rec.RecordID,
		State:      RunRunning,
		NextStage:  e.graph.Entry(),
		SourcePath: rec.SourcePath,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.runs.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to register run %s: %w", rec.RecordID, err)
	}
	return nil
}

// SubmitDecision records a reviewer's decision on a pending checkpoint and
// resumes the run. A checkpoint accepts exactly one decision; later calls
// fail with ErrCheckpointAlreadyProcessed and run nothing.
func (e *Engine) SubmitDecision(ctx context.Context, checkpointID, decision, reviewerID, notes string) (*RunResult, error) {
	decision = strings.ToUpper(strings.TrimSpace(decision))
	if decision != DecisionAccept && decision != DecisionReject {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	checkpoint, err := e.checkpoints.LoadCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", checkpointID, err)
	}
	if checkpoint.Status != CheckpointPending {
		return nil, fmt.Errorf("%w: checkpoint %s has status %s", ErrCheckpointAlreadyProcessed, checkpointID, checkpoint.Status)
	}
	_, err = e.checkpoints.UpdateCheckpoint(ctx, checkpointID, CheckpointPatch{
		ExpectStatus:  CheckpointPending,
		Status:        CheckpointReviewed,
		HumanDecision: decision,
		ReviewerID:    reviewerID,
		Notes:         notes,
		ReviewedAt:    time.Now().UTC(),
	})
	if errors.Is(err, ErrCheckpointStatusConflict) {
		return nil, fmt.Errorf("%w: checkpoint %s", ErrCheckpointAlreadyProcessed, checkpointID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record decision on checkpoint %s: %w", checkpointID, err)
	}

	entry := newAuditEntry(checkpoint.RecordID, checkpoint.Stage, "", "decision_submitted", AuditSuccess)
	entry.Details = map[string]any{
		"checkpoint_id": checkpointID,
		"decision":      decision,
		"reviewer_id":   reviewerID,
	}
	e.appendAudit(ctx, entry)

	return e.Resume(ctx, checkpointID)
}

// Resume continues a reviewed run at the stage after its pause point. It
// fails with *CheckpointNotReadyError unless the checkpoint is REVIEWED.
func (e *Engine) Resume(ctx context.Context, checkpointID string) (*RunResult, error) {
	checkpoint, err := e.checkpoints.LoadCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", checkpointID, err)
	}
	if checkpoint.Status != CheckpointReviewed {
		return nil, &CheckpointNotReadyError{CheckpointID: checkpointID, Status: checkpoint.Status}
	}
	rec, err := checkpoint.Record()
	if err != nil {
		return nil, fmt.Errorf("failed to restore checkpoint %s: %w", checkpointID, err)
	}
	rec.HumanDecision = checkpoint.HumanDecision
	rec.ReviewerID = checkpoint.ReviewerID
	rec.ReviewNotes = checkpoint.Notes

	next, _, err := e.graph.Next(checkpoint.Stage, rec)
	if err != nil {
		return nil, err
	}

	if _, err := e.checkpoints.UpdateCheckpoint(ctx, checkpointID, CheckpointPatch{
		ExpectStatus: CheckpointReviewed,
		Status:       CheckpointResumed,
		ResumedAt:    time.Now().UTC(),
	}); err != nil {
		if errors.Is(err, ErrCheckpointStatusConflict) {
			return nil, fmt.Errorf("%w: checkpoint %s was resumed concurrently", ErrCheckpointAlreadyProcessed, checkpointID)
		}
		return nil, fmt.Errorf("failed to mark checkpoint %s resumed: %w", checkpointID, err)
	}

	entry := newAuditEntry(rec.RecordID, checkpoint.Stage, "", "resume", AuditSuccess)
	entry.Details = map[string]any{
		"checkpoint_id": checkpointID,
		"decision":      checkpoint.HumanDecision,
		"next_stage":    next,
	}
	e.appendAudit(ctx, entry)

	e.logger.Info("resuming run",
		"record_id", rec.RecordID,
		"checkpoint_id", checkpointID,
		"decision", checkpoint.HumanDecision)
	return e.execute(ctx, rec, next, true)
}

// GetRunStatus returns the latest status of a run
func (e *Engine) GetRunStatus(ctx context.Context, recordID string) (*RunStatus, error) {
	return e.runs.LoadRun(ctx, recordID)
}

// ListRuns returns all known runs, newest first
func (e *Engine) ListRuns(ctx context.Context) ([]*RunStatus, error) {
	return e.runs.ListRuns(ctx)
}

// ListPendingCheckpoints returns the checkpoints awaiting review
func (e *Engine) ListPendingCheckpoints(ctx context.Context) ([]*Checkpoint, error) {
	return e.checkpoints.ListPendingCheckpoints(ctx)
}

// AuditHistory returns the audit trail of a record
func (e *Engine) AuditHistory(ctx context.Context, recordID string) ([]*AuditEntry, error) {
	return e.audit.AuditHistory(ctx, recordID)
}

// execute runs stages sequentially starting at current
func (e *Engine) execute(ctx context.Context, rec *Record, current string, resumed bool) (*RunResult, error) {
	logger := e.logger.With("record_id", rec.RecordID)
	startTime := time.Now()
	run := &RunStatus{
		RecordID:   rec.RecordID,
		State:      RunRunning,
		NextStage:  current,
		SourcePath: rec.SourcePath,
		StartedAt:  startTime.UTC(),
	}
	if prior, err := e.runs.LoadRun(ctx, rec.RecordID); err == nil {
		run.StartedAt = prior.StartedAt
		run.LastStage = prior.LastStage
		run.CheckpointID = prior.CheckpointID
	}

	e.callbacks.BeforeRun(ctx, &RunEvent{
		RecordID:  rec.RecordID,
		State:     RunRunning,
		Resumed:   resumed,
		StartTime: startTime,
		Record:    rec,
	})
	finish := func(result *RunResult, err error) (*RunResult, error) {
		endTime := time.Now()
		e.callbacks.AfterRun(ctx, &RunEvent{
			RecordID:  rec.RecordID,
			State:     result.State,
			Resumed:   resumed,
			StartTime: startTime,
			EndTime:   endTime,
			Duration:  endTime.Sub(startTime),
			Record:    result.Record,
			Error:     err,
		})
		return result, err
	}

	for current != "" {
		node, ok := e.graph.Node(current)
		if !ok {
			err := &RoutingError{Stage: current, Reason: "stage not found"}
			return finish(e.fail(ctx, run, rec, current, err))
		}
		run.NextStage = current
		e.saveRun(ctx, logger, run, rec)

		stageStart := time.Now()
		e.callbacks.BeforeStage(ctx, &StageEvent{
			RecordID:  rec.RecordID,
			StageName: current,
			Mode:      node.Stage.Mode(),
			StartTime: stageStart,
		})
		out, err := e.runner.Run(ctx, node.Stage, rec)
		stageEnd := time.Now()
		stageEvent := &StageEvent{
			RecordID:  rec.RecordID,
			StageName: current,
			Mode:      node.Stage.Mode(),
			StartTime: stageStart,
			EndTime:   stageEnd,
			Duration:  stageEnd.Sub(stageStart),
			Error:     err,
		}
		if out != nil {
			stageEvent.RunStatus = out.RunStatus
		}
		e.callbacks.AfterStage(ctx, stageEvent)
		if err != nil {
			return finish(e.fail(ctx, run, rec, current, err))
		}
		rec = out
		run.LastStage = current

		if rec.RunStatus == StatusError {
			if rec.ErrorInfo == nil {
				rec.ErrorInfo = &ErrorInfo{Stage: current, Kind: ErrorKindStageFailed, Message: "stage reported an error", Recoverable: true, Timestamp: time.Now().UTC()}
			}
			logger.Warn("run failed", "stage", current, "error", rec.ErrorInfo.Message)
			run.State = RunFailed
			run.NextStage = ""
			run.ErrorInfo = rec.ErrorInfo
			run.FinishedAt = time.Now().UTC()
			e.saveRun(ctx, logger, run, rec)
			return finish(e.result(run, rec), nil)
		}

		if e.graph.ShouldPause(current, rec) {
			result, err := e.pause(ctx, run, rec, current)
			if err != nil {
				return finish(e.fail(ctx, run, rec, current, err))
			}
			return finish(result, nil)
		}

		next, value, err := e.graph.Next(current, rec)
		if err != nil {
			return finish(e.fail(ctx, run, rec, current, err))
		}
		if value != "" {
			entry := newAuditEntry(rec.RecordID, current, ModeRouter, "route", AuditSuccess)
			entry.Details = map[string]any{"value": value, "next_stage": next}
			e.appendAudit(ctx, entry)
		}
		current = next
	}

	logger.Info("run completed", "run_status", rec.RunStatus)
	run.State = RunCompleted
	run.NextStage = ""
	run.FinishedAt = time.Now().UTC()
	e.saveRun(ctx, logger, run, rec)
	return finish(e.result(run, rec), nil)
}

// pause persists a checkpoint for the record and suspends the run
func (e *Engine) pause(ctx context.Context, run *RunStatus, rec *Record, stage string) (*RunResult, error) {
	if rec.CheckpointID == "" {
		rec.CheckpointID = NewCheckpointID()
	}
	if rec.ReviewURL == "" {
		rec.ReviewURL = e.reviewURLBase + "/" + rec.CheckpointID
	}
	next, _, err := e.graph.Next(stage, rec)
	if err != nil {
		return nil, err
	}
	snapshot, err := rec.Marshal()
	if err != nil {
		return nil, &CheckpointPersistenceError{RecordID: rec.RecordID, Err: err}
	}
	checkpoint := &Checkpoint{
		ID:          rec.CheckpointID,
		RecordID:    rec.RecordID,
		Stage:       stage,
		Snapshot:    snapshot,
		PauseReason: rec.PauseReason,
		ReviewURL:   rec.ReviewURL,
		Status:      CheckpointPending,
		CreatedAt:   time.Now().UTC(),
	}

	// A decision may arrive as soon as the checkpoint is visible, so the
	// paused state is written first. A failed insert turns it into FAILED.
	run.State = RunPausedForReview
	run.NextStage = next
	run.CheckpointID = checkpoint.ID
	run.ReviewURL = checkpoint.ReviewURL
	run.PauseReason = checkpoint.PauseReason
	e.saveRun(ctx, e.logger, run, rec)

	entry := newAuditEntry(rec.RecordID, stage, "", "pause", AuditSuccess)
	entry.Details = map[string]any{
		"checkpoint_id": checkpoint.ID,
		"pause_reason":  checkpoint.PauseReason,
		"review_url":    checkpoint.ReviewURL,
		"next_stage":    next,
	}
	e.appendAudit(ctx, entry)

	if err := e.checkpoints.SaveCheckpoint(ctx, checkpoint); err != nil {
		run.CheckpointID = ""
		run.ReviewURL = ""
		return nil, &CheckpointPersistenceError{RecordID: rec.RecordID, Err: err}
	}

	e.logger.Info("run paused for review",
		"record_id", rec.RecordID,
		"checkpoint_id", checkpoint.ID,
		"pause_reason", checkpoint.PauseReason)

	e.notifyReviewers(ctx, checkpoint)
	e.callbacks.OnPause(ctx, &PauseEvent{
		RecordID:     rec.RecordID,
		CheckpointID: checkpoint.ID,
		PauseReason:  checkpoint.PauseReason,
		ReviewURL:    checkpoint.ReviewURL,
	})
	return e.result(run, rec), nil
}

func (e *Engine) notifyReviewers(ctx context.Context, checkpoint *Checkpoint) {
	if e.reviewNotifier == nil || len(e.reviewers) == 0 {
		return
	}
	_, err := e.reviewNotifier.Notify(ctx, &Notification{
		Kind:       NotifyReviewRequired,
		Recipients: e.reviewers,
		Subject:    fmt.Sprintf("Invoice %s requires review", checkpoint.RecordID),
		Payload: map[string]any{
			"checkpoint_id": checkpoint.ID,
			"record_id":     checkpoint.RecordID,
			"pause_reason":  checkpoint.PauseReason,
			"review_url":    checkpoint.ReviewURL,
		},
		IdempotencyKey: IdempotencyKey(checkpoint.RecordID, checkpoint.Stage, checkpoint.ID),
	})
	if err != nil {
		e.logger.Warn("failed to notify reviewers",
			"record_id", checkpoint.RecordID,
			"checkpoint_id", checkpoint.ID,
			"error", err)
	}
}

// fail marks the run FAILED, records the failure as durably as possible and
// returns the error for propagation.
func (e *Engine) fail(ctx context.Context, run *RunStatus, rec *Record, stage string, cause error) (*RunResult, error) {
	e.logger.Error("run failed", "record_id", rec.RecordID, "stage", stage, "error", cause)

	run.State = RunFailed
	run.NextStage = ""
	run.Error = cause.Error()
	run.ErrorInfo = ClassifyError(stage, cause)
	run.FinishedAt = time.Now().UTC()
	persistErr := e.persistRun(ctx, run, rec)

	entry := newAuditEntry(rec.RecordID, stage, "", "error_persist", AuditSuccess)
	entry.Details = map[string]any{
		"error":      cause.Error(),
		"error_kind": ErrorKind(cause),
	}
	if persistErr != nil {
		entry.Result = AuditFailed
		entry.Details["persist_error"] = persistErr.Error()
	}
	e.appendAudit(ctx, entry)

	return e.result(run, rec), fmt.Errorf("run %s failed at %s: %w", rec.RecordID, stage, cause)
}

func (e *Engine) result(run *RunStatus, rec *Record) *RunResult {
	return &RunResult{
		RecordID:     rec.RecordID,
		State:        run.State,
		LastStage:    run.LastStage,
		CheckpointID: run.CheckpointID,
		Record:       rec,
	}
}

func (e *Engine) persistRun(ctx context.Context, run *RunStatus, rec *Record) error {
	run.RunStatus = rec.RunStatus
	run.UpdatedAt = time.Now().UTC()
	snapshot, err := rec.Marshal()
	if err != nil {
		return err
	}
	run.Snapshot = snapshot
	// The caller's context may be the reason the run failed.
	return e.runs.SaveRun(context.WithoutCancel(ctx), run)
}

func (e *Engine) saveRun(ctx context.Context, logger *slog.Logger, run *RunStatus, rec *Record) {
	if err := e.persistRun(ctx, run, rec); err != nil {
		logger.Error("failed to save run status", "record_id", run.RecordID, "error", err)
	}
}

func (e *Engine) appendAudit(ctx context.Context, entry *AuditEntry) {
	if err := e.audit.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Error("failed to append audit entry",
			"record_id", entry.RecordID,
			"action", entry.Action,
			"error", err)
	}
}
