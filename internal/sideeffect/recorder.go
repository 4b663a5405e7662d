// Package sideeffect records the bookkeeping that follows a committed state
// transition: import metrics and a user notification. Every operation
// returns its error to the caller, which logs it; nothing here can undo an
// already-persisted transition.
package sideeffect

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode"

	"cvflow/internal/document"
	"cvflow/pkg/kafka"
	"cvflow/pkg/metrics"
	"cvflow/pkg/postgres"
)

// Publisher is the Kafka producer surface used for notifications.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// JobProfile carries the optional timing/quality figures a callback may
// report.
type JobProfile struct {
	StartTimeEpoch    float64
	PDFPages          int
	PDFTextLength     int
	CompletenessRatio *float64
	ProcessingMethod  string
}

// NotificationEvent is the structured event emitted to the document's
// creator when processing finishes.
type NotificationEvent struct {
	Type           string `json:"type"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	State          string `json:"state"`
	DocumentID     int64  `json:"document_id"`
	Mode           string `json:"mode"` // "single" or "batch"
	BatchToken     string `json:"batch_token,omitempty"`
	IsLast         bool   `json:"is_last"`
	NextDispatched bool   `json:"next_dispatched"`
	RecipientID    int64  `json:"recipient_id"`
}

// Recorder performs the best-effort side effects of a callback.
type Recorder struct {
	db       *postgres.Client
	store    document.Store
	producer Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(db *postgres.Client, store document.Store, producer Publisher, m *metrics.Metrics) *Recorder {
	return &Recorder{
		db:       db,
		store:    store,
		producer: producer,
		metrics:  m,
		logger:   slog.Default().With("component", "sideeffect-recorder"),
	}
}

// RecordMetrics computes the processing duration and persists an
// import-metrics row, also feeding the Prometheus collectors. The duration
// prefers the document's start timestamp, falls back to the one supplied in
// the callback, defaults to now, and is never negative.
func (r *Recorder) RecordMetrics(ctx context.Context, doc *document.Document, finalState document.State, profile JobProfile) error {
	start := doc.StartTimeEpoch
	if start == 0 {
		start = profile.StartTimeEpoch
	}
	now := float64(time.Now().UnixNano()) / 1e9
	if start == 0 {
		start = now
	}
	duration := math.Max(now-start, 0)

	success := finalState == document.StateProcessed

	var ratio sql.NullFloat64
	if profile.CompletenessRatio != nil {
		ratio = sql.NullFloat64{Float64: math.Round(*profile.CompletenessRatio*100) / 100, Valid: true}
	}

	_, err := r.db.DB.ExecContext(ctx,
		`INSERT INTO import_metrics
		 (document_id, subject_id, employee_id, created_by, duration_seconds,
		  success, pdf_pages, pdf_text_length, completeness_ratio,
		  processing_method, recorded_at)
		 VALUES ($1, $2, NULLIF($3, 0), NULLIF($4, 0), $5, $6, NULLIF($7, 0), NULLIF($8, 0), $9, NULLIF($10, ''), now())`,
		doc.ID, doc.SubjectID, doc.EmployeeID, doc.CreatedBy, duration,
		success, profile.PDFPages, profile.PDFTextLength, ratio,
		profile.ProcessingMethod,
	)
	if err != nil {
		return fmt.Errorf("inserting import metric for document %d: %w", doc.ID, err)
	}

	if r.metrics != nil {
		r.metrics.ProcessingDuration.Observe(duration)
		result := "error"
		if success {
			result = "processed"
		}
		r.metrics.DocumentsProcessedTotal.WithLabelValues(result).Inc()
	}

	r.logger.Info("import metric recorded",
		"document_id", doc.ID,
		"duration_seconds", duration,
		"success", success,
	)
	return nil
}

// StageTypoCandidates extracts candidate words from the raw extraction data
// and upserts them into the typo staging catalog. It returns the number of
// candidates staged.
func (r *Recorder) StageTypoCandidates(ctx context.Context, doc *document.Document, rawData map[string]any) (int, error) {
	candidates := extractCandidates(rawData)
	for _, word := range candidates {
		_, err := r.db.DB.ExecContext(ctx,
			`INSERT INTO typo_catalog (typo, subject_id, sample, seen_count, last_seen_at)
			 VALUES ($1, $2, $1, 1, now())
			 ON CONFLICT (typo) DO UPDATE
			 SET seen_count = typo_catalog.seen_count + 1, last_seen_at = now()`,
			word, doc.SubjectID,
		)
		if err != nil {
			return 0, fmt.Errorf("upserting typo candidate %q: %w", word, err)
		}
	}
	return len(candidates), nil
}

// Notify emits a structured completion event to the document's creator.
// Wording distinguishes a standalone document from a batch member, and a
// batch member from the batch's last completion.
func (r *Recorder) Notify(ctx context.Context, doc *document.Document, finalState document.State, nextDispatched bool) error {
	if doc.CreatedBy == 0 {
		if r.metrics != nil {
			r.metrics.NotificationsTotal.WithLabelValues("skipped").Inc()
		}
		return nil
	}

	name := doc.SubjectName
	if name == "" {
		name = doc.SubjectID
	}

	var message string
	switch finalState {
	case document.StateProcessed:
		message = fmt.Sprintf("The CV of %s has been processed successfully.", name)
	case document.StateError:
		message = fmt.Sprintf("An error occurred while processing the CV of %s.", name)
	default:
		message = fmt.Sprintf("The CV of %s changed state to: %s", name, finalState)
	}

	mode := "single"
	isLast := true
	if doc.BatchToken != "" {
		siblings, err := r.store.CountSiblings(ctx, doc.BatchToken, doc.ID)
		if err != nil {
			return fmt.Errorf("counting batch siblings: %w", err)
		}
		if siblings > 0 {
			mode = "batch"
			isLast = !nextDispatched
			if isLast {
				message = fmt.Sprintf("Batch completed: %s", doc.BatchToken)
			}
		}
	}

	event := kafka.Event{
		Key: doc.SubjectID,
		Value: NotificationEvent{
			Type:           "cv_import_done",
			Title:          "CV import",
			Message:        message,
			State:          string(finalState),
			DocumentID:     doc.ID,
			Mode:           mode,
			BatchToken:     doc.BatchToken,
			IsLast:         isLast,
			NextDispatched: nextDispatched,
			RecipientID:    doc.CreatedBy,
		},
	}
	if err := r.producer.Publish(ctx, event); err != nil {
		if r.metrics != nil {
			r.metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		}
		return fmt.Errorf("publishing notification for document %d: %w", doc.ID, err)
	}

	if r.metrics != nil {
		r.metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	}
	r.logger.Info("completion notification sent",
		"document_id", doc.ID,
		"recipient_id", doc.CreatedBy,
		"mode", mode,
		"is_last", isLast,
	)
	return nil
}

// extractCandidates pulls distinct lowercase words of four letters or more
// out of the string values of the raw extraction map, capped at 50.
func extractCandidates(rawData map[string]any) []string {
	const maxCandidates = 50
	seen := make(map[string]struct{})
	var out []string
	for _, v := range rawData {
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, word := range strings.FieldsFunc(s, func(r rune) bool {
			return !unicode.IsLetter(r)
		}) {
			if len([]rune(word)) < 4 {
				continue
			}
			word = strings.ToLower(word)
			if _, dup := seen[word]; dup {
				continue
			}
			seen[word] = struct{}{}
			out = append(out, word)
			if len(out) >= maxCandidates {
				return out
			}
		}
	}
	return out
}
