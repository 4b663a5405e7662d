package callback

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"cvflow/internal/document"
	"cvflow/internal/sideeffect"
	apperrors "cvflow/pkg/errors"
	"cvflow/pkg/logger"
)

// DocumentFinder resolves the callback's subject.
type DocumentFinder interface {
	FindLatestBySubject(ctx context.Context, subjectID string) (*document.Document, error)
}

// TransitionApplier is the state-machine surface the ingestor drives.
type TransitionApplier interface {
	Apply(ctx context.Context, doc *document.Document, cb document.Callback) (document.TransitionResult, error)
}

// NextDispatcher chains batch processing after a first-time completion.
type NextDispatcher interface {
	MaybeDispatchNext(ctx context.Context, doc *document.Document, previousState, finalState document.State) bool
}

// SideEffects records metrics, typo staging and the user notification.
// Every method is best-effort from the ingestor's point of view.
type SideEffects interface {
	RecordMetrics(ctx context.Context, doc *document.Document, finalState document.State, profile sideeffect.JobProfile) error
	StageTypoCandidates(ctx context.Context, doc *document.Document, rawData map[string]any) (int, error)
	Notify(ctx context.Context, doc *document.Document, finalState document.State, nextDispatched bool) error
}

// Request is one inbound callback: the raw body plus the headers the worker
// may use as field fallbacks.
type Request struct {
	Body   []byte
	Header http.Header
}

// Ingestor orchestrates a callback end to end. Gating failures (payload,
// subject) return an AppError; side-effect failures are logged and never
// surface.
type Ingestor struct {
	store      DocumentFinder
	machine    TransitionApplier
	dispatcher NextDispatcher
	recorder   SideEffects
	logger     *slog.Logger
}

// NewIngestor creates an Ingestor.
func NewIngestor(store DocumentFinder, machine TransitionApplier, dispatcher NextDispatcher, recorder SideEffects) *Ingestor {
	return &Ingestor{
		store:      store,
		machine:    machine,
		dispatcher: dispatcher,
		recorder:   recorder,
		logger:     slog.Default().With("component", "callback-ingestor"),
	}
}

// Ingest parses and normalizes the notification, resolves its subject,
// applies the state transition, and runs dispatch plus side effects on a
// genuine first-time result.
func (i *Ingestor) Ingest(ctx context.Context, req *Request) (*Response, error) {
	log := logger.FromContext(ctx)

	// A malformed body is treated as an empty payload, not a hard error.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(req.Body, &fields); err != nil {
		fields = nil
	}
	if len(fields) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalidPayload, http.StatusBadRequest, "No data received")
	}

	var payload Payload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return nil, apperrors.New(apperrors.ErrInvalidPayload, http.StatusBadRequest, "No data received")
	}

	statusRaw := NormalizeStatus(payload.Status)
	if statusRaw == "" {
		statusRaw = NormalizeStatus(req.Header.Get(HeaderJobStatus))
	}
	if statusRaw == "" && payload.Result != nil {
		if *payload.Result {
			statusRaw = "success"
		} else {
			statusRaw = "failed"
		}
	}
	mappedState := MapState(statusRaw)

	batchToken := payload.BatchToken
	if batchToken == "" {
		batchToken = req.Header.Get(HeaderJobBatch)
	}
	batchOrder := payload.BatchOrder
	if batchOrder == 0 {
		if n, err := strconv.Atoi(req.Header.Get(HeaderJobOrder)); err == nil {
			batchOrder = n
		}
	}
	jobID := payload.JobID
	if jobID == "" {
		jobID = req.Header.Get(HeaderJobID)
	}

	if payload.SubjectID == "" {
		log.Warn("callback missing subject identifier")
		return nil, apperrors.New(apperrors.ErrInvalidPayload, http.StatusBadRequest, "Missing subject_id")
	}

	doc, err := i.store.FindLatestBySubject(ctx, payload.SubjectID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		log.Warn("no document found for callback subject",
			"subject_id", payload.SubjectID,
		)
		return nil, apperrors.Newf(apperrors.ErrDocumentNotFound, http.StatusNotFound,
			"Document not found for subject: %s", payload.SubjectID)
	}

	log.Info("processing callback",
		"subject_id", payload.SubjectID,
		"document_id", doc.ID,
		"status_raw", statusRaw,
		"mapped_state", mappedState,
	)

	res, err := i.machine.Apply(ctx, doc, document.Callback{
		StatusRaw:   statusRaw,
		MappedState: mappedState,
		BatchToken:  batchToken,
		BatchOrder:  batchOrder,
		JobID:       jobID,
		RawResponse: string(req.Body),
		RawData:     payload.RawExtractedData,
	})
	if err != nil {
		return nil, err
	}

	if res.Duplicate {
		return &Response{
			Status:      "success",
			Message:     "Duplicate processed callback ignored",
			SubjectID:   payload.SubjectID,
			SubjectName: payload.SubjectName,
			State:       string(res.FinalState),
			Duplicate:   true,
			JobID:       jobID,
		}, nil
	}

	if n, err := i.recorder.StageTypoCandidates(ctx, doc, payload.RawExtractedData); err != nil {
		log.Warn("typo staging failed", "document_id", doc.ID, "error", err)
	} else if n > 0 {
		log.Info("typo candidates staged", "document_id", doc.ID, "candidates", n)
	}

	if err := i.recorder.RecordMetrics(ctx, doc, res.FinalState, jobProfile(&payload)); err != nil {
		log.Warn("metric recording failed", "document_id", doc.ID, "error", err)
	}

	dispatched := i.dispatcher.MaybeDispatchNext(ctx, doc, res.PreviousState, res.FinalState)

	if err := i.recorder.Notify(ctx, doc, res.FinalState, dispatched); err != nil {
		log.Warn("completion notification failed", "document_id", doc.ID, "error", err)
	}

	log.Info("callback processed",
		"subject_id", payload.SubjectID,
		"document_id", doc.ID,
		"state", res.FinalState,
		"previous_state", res.PreviousState,
		"batch_token", doc.BatchToken,
		"next_dispatched", dispatched,
	)

	return &Response{
		Status:            "success",
		Message:           "Callback processed successfully",
		SubjectID:         payload.SubjectID,
		SubjectName:       payload.SubjectName,
		State:             string(res.FinalState),
		NextDispatched:    dispatched,
		JobID:             jobID,
		NormalizedApplied: res.NormalizedApplied,
		NormalizedError:   res.NormalizedError,
		ProcessingMethod:  payload.ProcessingMethod,
	}, nil
}

// jobProfile pulls the optional timing/quality figures out of a payload.
func jobProfile(p *Payload) sideeffect.JobProfile {
	profile := sideeffect.JobProfile{
		StartTimeEpoch:   p.StartTimeEpoch,
		ProcessingMethod: p.ProcessingMethod,
	}
	if p.ProfilingPre != nil {
		profile.PDFPages = intField(p.ProfilingPre, "pdf_pages")
		profile.PDFTextLength = intField(p.ProfilingPre, "pdf_text_length")
		if ratio, ok := floatField(p.ProfilingPre, "completeness_ratio"); ok {
			profile.CompletenessRatio = &ratio
		}
	}
	return profile
}

func intField(m map[string]any, key string) int {
	if f, ok := m[key].(float64); ok {
		return int(f)
	}
	return 0
}

func floatField(m map[string]any, key string) (float64, bool) {
	f, ok := m[key].(float64)
	return f, ok
}
