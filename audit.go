package invoice

import (
	"context"
	"time"
)

// Audit results
const (
	AuditSuccess = "success"
	AuditFailed  = "failed"
)

// AuditEntry records the outcome of one stage attempt, or an engine event
// such as a pause or resume.
type AuditEntry struct {
	ID        string         `json:"id"`
	RecordID  string         `json:"record_id"`
	StageName string         `json:"stage_name"`
	StageMode StageMode      `json:"stage_mode,omitempty"`
	Action    string         `json:"action"`
	Result    string         `json:"result"`
	Attempt   int            `json:"attempt,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Duration  time.Duration  `json:"duration"`
}

// AuditSink is an append-only log of stage executions.
type AuditSink interface {
	// AppendAudit appends an entry. Entries are never updated or deleted.
	AppendAudit(ctx context.Context, entry *AuditEntry) error

	// AuditHistory returns the entries for a record in append order.
	AuditHistory(ctx context.Context, recordID string) ([]*AuditEntry, error)
}

// NullAuditSink discards every entry.
type NullAuditSink struct{}

func NewNullAuditSink() *NullAuditSink {
	return &NullAuditSink{}
}

func (s *NullAuditSink) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	return nil
}

func (s *NullAuditSink) AuditHistory(ctx context.Context, recordID string) ([]*AuditEntry, error) {
	return nil, nil
}

func newAuditEntry(recordID, stage string, mode StageMode, action, result string) *AuditEntry {
	return &AuditEntry{
		ID:        NewAuditID(),
		RecordID:  recordID,
		StageName: stage,
		StageMode: mode,
		Action:    action,
		Result:    result,
		Timestamp: time.Now().UTC(),
	}
}
