// Package batch chains the processing of ordered document batches: when a
// batch member completes for the first time, the next pending member is
// handed to the automation worker through Kafka.
package batch

import (
	"context"
	"log/slog"
	"time"

	"cvflow/internal/document"
	"cvflow/pkg/kafka"
	"cvflow/pkg/metrics"
)

// Publisher is the Kafka producer surface the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// DispatchEvent is the Kafka message asking the worker to process the next
// batch member.
type DispatchEvent struct {
	DocumentID int64     `json:"document_id"`
	SubjectID  string    `json:"subject_id"`
	BatchToken string    `json:"batch_token"`
	BatchOrder int       `json:"batch_order"`
	QueuedAt   time.Time `json:"queued_at"`
}

// Dispatcher triggers next-in-batch processing. Dispatch is best-effort: a
// failure is logged and never alters the completed document or the callback
// response.
type Dispatcher struct {
	store    document.Store
	producer Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store document.Store, producer Publisher, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		store:    store,
		producer: producer,
		metrics:  m,
		logger:   slog.Default().With("component", "batch-dispatcher"),
	}
}

// MaybeDispatchNext fires only on a genuine first-time completion of a batch
// member: finalState is processed, previousState was not, and the document
// carries a batch token. It reports whether a next member was dispatched.
func (d *Dispatcher) MaybeDispatchNext(ctx context.Context, doc *document.Document, previousState, finalState document.State) bool {
	if finalState != document.StateProcessed ||
		previousState == document.StateProcessed ||
		doc.BatchToken == "" {
		return false
	}

	next, err := d.store.NextPending(ctx, doc.BatchToken, doc.BatchOrder)
	if err != nil {
		d.logger.Warn("failed to look up next batch member",
			"batch_token", doc.BatchToken,
			"after_order", doc.BatchOrder,
			"error", err,
		)
		d.observe("failed")
		return false
	}
	if next == nil {
		d.logger.Info("batch exhausted",
			"batch_token", doc.BatchToken,
			"last_order", doc.BatchOrder,
		)
		d.observe("exhausted")
		return false
	}

	event := kafka.Event{
		Key: doc.BatchToken,
		Value: DispatchEvent{
			DocumentID: next.ID,
			SubjectID:  next.SubjectID,
			BatchToken: next.BatchToken,
			BatchOrder: next.BatchOrder,
			QueuedAt:   time.Now().UTC(),
		},
	}
	if err := d.producer.Publish(ctx, event); err != nil {
		d.logger.Warn("failed to dispatch next batch member",
			"batch_token", doc.BatchToken,
			"next_document_id", next.ID,
			"error", err,
		)
		d.observe("failed")
		return false
	}

	d.logger.Info("next batch member dispatched",
		"batch_token", doc.BatchToken,
		"next_document_id", next.ID,
		"next_order", next.BatchOrder,
	)
	d.observe("dispatched")
	return true
}

func (d *Dispatcher) observe(status string) {
	if d.metrics != nil {
		d.metrics.BatchDispatchesTotal.WithLabelValues(status).Inc()
	}
}
