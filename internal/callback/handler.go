package callback

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"

	"cvflow/internal/admission"
	apperrors "cvflow/pkg/errors"
	"cvflow/pkg/logger"
	"cvflow/pkg/metrics"
)

// maxBodySize caps callback bodies; extraction payloads stay well under it.
const maxBodySize = 10 << 20

// Handler exposes the callback endpoints over HTTP.
type Handler struct {
	ingestor *Ingestor
	stats    admission.StatsStore
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(ingestor *Ingestor, stats admission.StatsStore, m *metrics.Metrics) *Handler {
	return &Handler{
		ingestor: ingestor,
		stats:    stats,
		metrics:  m,
		logger:   slog.Default().With("component", "callback-handler"),
	}
}

// Receive handles POST /api/v1/callback. Any panic below this point is
// converted into a 500 carrying the message, with a stack trace in the logs,
// so the endpoint never leaks an unhandled fault as a connection reset.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic while processing callback",
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			h.observe("error")
			h.writeJSON(w, http.StatusInternalServerError, map[string]any{
				"status":  "error",
				"message": "Internal error",
			})
		}
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.observe("bad_request")
		h.writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	resp, err := h.ingestor.Ingest(ctx, &Request{Body: body, Header: r.Header})
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		if status >= http.StatusInternalServerError {
			log.Error("callback processing failed", "error", err)
		} else {
			log.Warn("callback rejected", "status", status, "error", err)
		}
		h.observe(outcomeForStatus(status))
		h.writeJSON(w, status, map[string]any{
			"status":  "error",
			"message": errorMessage(err),
		})
		return
	}

	if resp.Duplicate {
		h.observe("duplicate")
	} else {
		h.observe("success")
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Ping handles GET /api/v1/callback/test: a liveness probe for the worker's
// configuration, with no side effects.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "callback endpoint is working",
		"test":    true,
	})
}

// Debug handles POST /api/v1/callback/debug: it echoes the structure of the
// received payload for troubleshooting worker integrations. It never mutates
// state.
func (h *Handler) Debug(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		data = nil
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}

	var payload Payload
	_ = json.Unmarshal(body, &payload)

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "debug_success",
		"message":       "Debug callback received",
		"received_keys": keys,
		"data_sample": map[string]any{
			"subject_id":         payload.SubjectID,
			"subject_name":       payload.SubjectName,
			"status":             payload.Status,
			"has_extracted_data": len(payload.RawExtractedData) > 0,
		},
	})
}

// AdmissionStats handles GET /api/v1/admission/stats: the per-client
// admission counters, read-only.
func (h *Handler) AdmissionStats(w http.ResponseWriter, r *http.Request) {
	summary, err := h.stats.Summary(r.Context())
	if err != nil {
		h.logger.Error("failed to read admission stats", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to read admission stats")
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// Health handles GET /health for simple probes.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) observe(outcome string) {
	if h.metrics != nil {
		h.metrics.CallbacksTotal.WithLabelValues(outcome).Inc()
	}
}

func outcomeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "error"
	}
}

// errorMessage prefers the AppError message so internal error chains are not
// echoed verbatim to the caller.
func errorMessage(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "Internal error: " + err.Error()
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"status": "error", "message": message})
}
