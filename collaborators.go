package invoice

import "context"

// Extractor turns a source document into invoice fields.
type Extractor interface {
	// Extract returns the raw text of the document and an extraction
	// confidence between 0 and 1.
	Extract(ctx context.Context, sourcePath, sourceKind string) (string, float64, error)

	// Parse structures the raw text into fields.
	Parse(ctx context.Context, rawText string) (*Fields, error)
}

// Classifier assigns a document category.
type Classifier interface {
	Classify(ctx context.Context, fields *Fields) (string, error)
}

// Enricher looks up vendor master data. An unknown vendor yields empty
// reference info, not an error.
type Enricher interface {
	Enrich(ctx context.Context, vendorName string) (*ReferenceInfo, error)
}

// Retriever finds reference documents an invoice may be matched against.
type Retriever interface {
	RetrieveCandidates(ctx context.Context, ref *ReferenceInfo, fields *Fields) ([]Candidate, error)
}

// Matcher scores an invoice against one candidate. It must be a pure
// function of its inputs.
type Matcher interface {
	ComputeMatch(fields *Fields, candidate *Candidate) (float64, *MatchEvidence)
	Threshold() float64
}

// LedgerBuilder produces balanced journal entries for an invoice.
type LedgerBuilder interface {
	BuildLedgerEntries(fields *Fields, candidate *Candidate) ([]LedgerEntry, error)
}

// Poster books an invoice in the external accounting system. Repeated calls
// with the same idempotency key must return the same transaction id.
type Poster interface {
	Post(ctx context.Context, idempotencyKey string, fields *Fields, entries []LedgerEntry) (string, error)
}

// Notification kinds
const (
	NotifySuccess        = "SUCCESS"
	NotifyRejected       = "REJECTED"
	NotifyApprovalNeeded = "APPROVAL_NEEDED"
	NotifyManualHandoff  = "MANUAL_HANDOFF"
	NotifyReviewRequired = "REVIEW_REQUIRED"
	NotifyInfo           = "INFO"
)

// Notification is a message for one or more recipients.
type Notification struct {
	Kind           string         `json:"kind"`
	Recipients     []string       `json:"recipients"`
	Subject        string         `json:"subject"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// Notifier delivers notifications and returns one delivery id per recipient.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) ([]string, error)
}
