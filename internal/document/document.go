// Package document owns the per-document processing lifecycle: the model,
// its PostgreSQL store, and the state machine that turns an inbound callback
// into an idempotent, at-most-once transition.
package document

import (
	"context"
	"time"
)

// State is a document's position in the processing lifecycle.
type State string

const (
	StateDraft      State = "draft"
	StateProcessing State = "processing"
	StateProcessed  State = "processed"
	StateError      State = "error"
)

// Document is a CV document tracked through extraction. It is created by the
// upstream submission flow; this service only advances its state.
type Document struct {
	ID          int64
	SubjectID   string
	SubjectName string
	State       State

	// BatchToken groups documents processed one-at-a-time as an ordered
	// batch; empty for standalone documents.
	BatchToken string
	BatchOrder int

	LastCallbackStatus string
	LastCallbackAt     time.Time
	JobID              string

	// RawResponse is the verbatim callback payload, kept for audit.
	RawResponse   string
	StatusMessage string

	// StartTimeEpoch is the Unix timestamp at which processing began, used
	// for duration metrics. Zero when unknown.
	StartTimeEpoch float64

	EmployeeID int64
	CreatedBy  int64
	CreatedAt  time.Time
}

// Callback carries the normalized data of one inbound notification into the
// state machine.
type Callback struct {
	StatusRaw   string
	MappedState State
	BatchToken  string
	BatchOrder  int
	JobID       string

	// RawResponse is the verbatim request body, stored as the audit copy.
	RawResponse string

	// RawData is the extracted-data map forwarded to the normalize applier.
	RawData map[string]any
}

// Store is the persistence boundary of the document lifecycle.
type Store interface {
	// FindLatestBySubject returns the most recently created document for a
	// subject, or nil when none exists.
	FindLatestBySubject(ctx context.Context, subjectID string) (*Document, error)

	// State re-reads the current state of a document.
	State(ctx context.Context, id int64) (State, error)

	// ApplyTransition durably writes the document's new state, callback
	// bookkeeping, batch fields and audit copy.
	ApplyTransition(ctx context.Context, doc *Document) error

	// Demote moves a document to the error state with a status message.
	Demote(ctx context.Context, id int64, message string) error

	// NextPending returns the first pending batch member after the given
	// order, or nil when the batch is exhausted.
	NextPending(ctx context.Context, batchToken string, afterOrder int) (*Document, error)

	// CountSiblings counts other documents sharing a batch token.
	CountSiblings(ctx context.Context, batchToken string, excludeID int64) (int, error)
}
