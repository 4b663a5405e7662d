// Package callback receives job-completion notifications from the external
// automation worker and drives them through admission, authorization, the
// document state machine, batch dispatch, and side-effect recording.
package callback

import (
	"strings"

	"cvflow/internal/document"
)

// Header names consumed from the worker's callback requests. All are
// fallbacks to the corresponding body fields.
const (
	HeaderToken     = "X-Callback-Token"
	HeaderJobStatus = "X-Job-Status"
	HeaderJobBatch  = "X-Job-Batch"
	HeaderJobOrder  = "X-Job-Order"
	HeaderJobID     = "X-Job-Id"
)

// Payload is the untrusted callback body. Unknown fields are not dropped:
// the verbatim request body is stored on the document for audit.
type Payload struct {
	SubjectID        string         `json:"subject_id"`
	SubjectName      string         `json:"subject_name"`
	Status           string         `json:"status"`
	Result           *bool          `json:"result"`
	BatchToken       string         `json:"batch_token"`
	BatchOrder       int            `json:"batch_order"`
	JobID            string         `json:"job_id"`
	StartTimeEpoch   float64        `json:"start_time_epoch"`
	ProcessingMethod string         `json:"processing_method"`
	RawExtractedData map[string]any `json:"raw_extracted_data"`
	ProfilingPre     map[string]any `json:"profiling_pre"`
	ProfilingPost    map[string]any `json:"profiling_post"`
}

// Response is the 200 envelope returned after a callback is processed.
type Response struct {
	Status            string `json:"status"`
	Message           string `json:"message"`
	SubjectID         string `json:"subject_id"`
	SubjectName       string `json:"subject_name,omitempty"`
	State             string `json:"state"`
	Duplicate         bool   `json:"duplicate"`
	NextDispatched    bool   `json:"next_dispatched"`
	JobID             string `json:"job_id,omitempty"`
	NormalizedApplied bool   `json:"normalized_applied"`
	NormalizedError   string `json:"normalized_error,omitempty"`
	ProcessingMethod  string `json:"processing_method,omitempty"`
}

var successStatuses = map[string]struct{}{
	"ok": {}, "done": {}, "success": {}, "processed": {},
}

var errorStatuses = map[string]struct{}{
	"fail": {}, "failed": {}, "error": {},
}

// NormalizeStatus lowercases and trims a raw status string.
func NormalizeStatus(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// MapState maps a normalized status to a document state: success synonyms
// become processed, failure synonyms become error, anything else keeps the
// document processing.
func MapState(statusRaw string) document.State {
	if _, ok := successStatuses[statusRaw]; ok {
		return document.StateProcessed
	}
	if _, ok := errorStatuses[statusRaw]; ok {
		return document.StateError
	}
	return document.StateProcessing
}
