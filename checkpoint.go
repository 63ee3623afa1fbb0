package invoice

import (
	"context"
	"encoding/json"
	"time"
)

// CheckpointStatus is the review state of a checkpoint
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "PENDING"
	CheckpointReviewed CheckpointStatus = "REVIEWED"
	CheckpointResumed  CheckpointStatus = "RESUMED"
)

// Checkpoint is a durable snapshot of a run paused for human review
type Checkpoint struct {
	ID            string           `json:"id"`
	RecordID      string           `json:"record_id"`
	Stage         string           `json:"stage"`
	Snapshot      json.RawMessage  `json:"snapshot"`
	PauseReason   string           `json:"pause_reason"`
	ReviewURL     string           `json:"review_url"`
	Status        CheckpointStatus `json:"status"`
	HumanDecision string           `json:"human_decision,omitempty"`
	ReviewerID    string           `json:"reviewer_id,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	ReviewedAt    time.Time        `json:"reviewed_at,omitzero"`
	ResumedAt     time.Time        `json:"resumed_at,omitzero"`
}

// Record restores the record snapshot held by the checkpoint.
func (c *Checkpoint) Record() (*Record, error) {
	return UnmarshalRecord(c.Snapshot)
}

// CheckpointPatch is a conditional update of a checkpoint. The update is only
// applied when the stored status equals ExpectStatus.
type CheckpointPatch struct {
	ExpectStatus  CheckpointStatus
	Status        CheckpointStatus
	HumanDecision string
	ReviewerID    string
	Notes         string
	ReviewedAt    time.Time
	ResumedAt     time.Time
}

// Apply writes the patch fields onto c. The caller is responsible for the
// status comparison.
func (p CheckpointPatch) Apply(c *Checkpoint) {
	if p.Status != "" {
		c.Status = p.Status
	}
	if p.HumanDecision != "" {
		c.HumanDecision = p.HumanDecision
	}
	if p.ReviewerID != "" {
		c.ReviewerID = p.ReviewerID
	}
	if p.Notes != "" {
		c.Notes = p.Notes
	}
	if !p.ReviewedAt.IsZero() {
		c.ReviewedAt = p.ReviewedAt
	}
	if !p.ResumedAt.IsZero() {
		c.ResumedAt = p.ResumedAt
	}
}

// CheckpointStore persists checkpoints. Implementations enforce that at most
// one PENDING checkpoint exists per record.
type CheckpointStore interface {
	// SaveCheckpoint inserts a new checkpoint. It fails with
	// ErrPendingCheckpointExists when the record already has a pending one.
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LoadCheckpoint returns the checkpoint or ErrCheckpointNotFound.
	LoadCheckpoint(ctx context.Context, id string) (*Checkpoint, error)

	// UpdateCheckpoint applies the patch if the stored status matches
	// patch.ExpectStatus, else fails with ErrCheckpointStatusConflict.
	UpdateCheckpoint(ctx context.Context, id string, patch CheckpointPatch) (*Checkpoint, error)

	// ListPendingCheckpoints returns every checkpoint awaiting review,
	// oldest first.
	ListPendingCheckpoints(ctx context.Context) ([]*Checkpoint, error)
}
