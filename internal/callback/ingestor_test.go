package callback

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"cvflow/internal/document"
	"cvflow/internal/sideeffect"
	apperrors "cvflow/pkg/errors"
)

type fakeFinder struct {
	doc     *document.Document
	err     error
	lookups int
}

func (f *fakeFinder) FindLatestBySubject(context.Context, string) (*document.Document, error) {
	f.lookups++
	return f.doc, f.err
}

type fakeMachine struct {
	res   document.TransitionResult
	err   error
	calls int
	last  document.Callback
}

func (f *fakeMachine) Apply(_ context.Context, _ *document.Document, cb document.Callback) (document.TransitionResult, error) {
	f.calls++
	f.last = cb
	return f.res, f.err
}

type fakeDispatcher struct {
	dispatched bool
	calls      int
}

func (f *fakeDispatcher) MaybeDispatchNext(context.Context, *document.Document, document.State, document.State) bool {
	f.calls++
	return f.dispatched
}

type fakeRecorder struct {
	metricCalls int
	typoCalls   int
	notifyCalls int
	typoErr     error
	metricErr   error
	notifyErr   error
	lastProfile sideeffect.JobProfile
	lastNext    bool
}

func (f *fakeRecorder) RecordMetrics(_ context.Context, _ *document.Document, _ document.State, profile sideeffect.JobProfile) error {
	f.metricCalls++
	f.lastProfile = profile
	return f.metricErr
}

func (f *fakeRecorder) StageTypoCandidates(context.Context, *document.Document, map[string]any) (int, error) {
	f.typoCalls++
	return 0, f.typoErr
}

func (f *fakeRecorder) Notify(_ context.Context, _ *document.Document, _ document.State, nextDispatched bool) error {
	f.notifyCalls++
	f.lastNext = nextDispatched
	return f.notifyErr
}

func newTestIngestor(finder *fakeFinder, machine *fakeMachine, dispatcher *fakeDispatcher, recorder *fakeRecorder) *Ingestor {
	return NewIngestor(finder, machine, dispatcher, recorder)
}

func request(body string) *Request {
	return &Request{Body: []byte(body), Header: http.Header{}}
}

func TestIngest_EmptyBodyRejected(t *testing.T) {
	for _, body := range []string{"", "{}", "not json", "null"} {
		finder := &fakeFinder{}
		ing := newTestIngestor(finder, &fakeMachine{}, &fakeDispatcher{}, &fakeRecorder{})

		_, err := ing.Ingest(context.Background(), request(body))
		if err == nil {
			t.Fatalf("body %q: expected error", body)
		}
		if code := apperrors.HTTPStatusCode(err); code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, code)
		}
		if finder.lookups != 0 {
			t.Fatalf("body %q: rejected payload must not hit the store", body)
		}
	}
}

func TestIngest_MissingSubjectRejectedBeforeLookup(t *testing.T) {
	finder := &fakeFinder{}
	ing := newTestIngestor(finder, &fakeMachine{}, &fakeDispatcher{}, &fakeRecorder{})

	_, err := ing.Ingest(context.Background(), request(`{"status":"success"}`))
	if code := apperrors.HTTPStatusCode(err); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%v)", code, err)
	}
	if finder.lookups != 0 {
		t.Fatal("missing subject must not trigger a lookup")
	}
}

func TestIngest_UnknownSubject404(t *testing.T) {
	ing := newTestIngestor(&fakeFinder{doc: nil}, &fakeMachine{}, &fakeDispatcher{}, &fakeRecorder{})

	_, err := ing.Ingest(context.Background(), request(`{"subject_id":"999","status":"done"}`))
	if code := apperrors.HTTPStatusCode(err); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%v)", code, err)
	}
	if !errors.Is(err, apperrors.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestIngest_SuccessfulCallback(t *testing.T) {
	finder := &fakeFinder{doc: &document.Document{ID: 3, SubjectID: "12345"}}
	machine := &fakeMachine{res: document.TransitionResult{
		PreviousState:     document.StateProcessing,
		FinalState:        document.StateProcessed,
		NormalizedApplied: true,
	}}
	dispatcher := &fakeDispatcher{dispatched: true}
	recorder := &fakeRecorder{}
	ing := newTestIngestor(finder, machine, dispatcher, recorder)

	resp, err := ing.Ingest(context.Background(), request(
		`{"subject_id":"12345","subject_name":"Jane","status":"Done","batch_token":"B1","batch_order":2,"job_id":"j-1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Status != "success" || resp.State != "processed" {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
	if !resp.NextDispatched || !resp.NormalizedApplied || resp.Duplicate {
		t.Fatalf("unexpected flags: %+v", resp)
	}
	if machine.last.StatusRaw != "done" || machine.last.MappedState != document.StateProcessed {
		t.Fatalf("status not normalized: %+v", machine.last)
	}
	if machine.last.BatchToken != "B1" || machine.last.BatchOrder != 2 || machine.last.JobID != "j-1" {
		t.Fatalf("batch fields not forwarded: %+v", machine.last)
	}
	if recorder.metricCalls != 1 || recorder.typoCalls != 1 || recorder.notifyCalls != 1 {
		t.Fatalf("expected all side effects once: %+v", recorder)
	}
	if !recorder.lastNext {
		t.Fatal("notify must see the dispatch outcome")
	}
}

func TestIngest_DuplicateSkipsSideEffects(t *testing.T) {
	finder := &fakeFinder{doc: &document.Document{ID: 3, SubjectID: "12345"}}
	machine := &fakeMachine{res: document.TransitionResult{
		PreviousState: document.StateProcessed,
		FinalState:    document.StateProcessed,
		Duplicate:     true,
	}}
	dispatcher := &fakeDispatcher{}
	recorder := &fakeRecorder{}
	ing := newTestIngestor(finder, machine, dispatcher, recorder)

	resp, err := ing.Ingest(context.Background(), request(`{"subject_id":"12345","status":"success"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !resp.Duplicate {
		t.Fatal("expected duplicate envelope")
	}
	if dispatcher.calls != 0 {
		t.Fatal("duplicate must not dispatch")
	}
	if recorder.metricCalls != 0 || recorder.typoCalls != 0 || recorder.notifyCalls != 0 {
		t.Fatalf("duplicate must not run side effects: %+v", recorder)
	}
}

func TestIngest_SideEffectFailuresDoNotSurface(t *testing.T) {
	finder := &fakeFinder{doc: &document.Document{ID: 3, SubjectID: "12345"}}
	machine := &fakeMachine{res: document.TransitionResult{
		PreviousState: document.StateProcessing,
		FinalState:    document.StateProcessed,
	}}
	recorder := &fakeRecorder{
		typoErr:   errors.New("typo store down"),
		metricErr: errors.New("metrics table gone"),
		notifyErr: errors.New("broker unreachable"),
	}
	ing := newTestIngestor(finder, machine, &fakeDispatcher{}, recorder)

	resp, err := ing.Ingest(context.Background(), request(`{"subject_id":"12345","status":"success"}`))
	if err != nil {
		t.Fatalf("side-effect failures must not surface: %v", err)
	}
	if resp.Status != "success" {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
}

func TestIngest_ResultBoolMapsStatus(t *testing.T) {
	cases := []struct {
		body   string
		status string
		state  document.State
	}{
		{`{"subject_id":"1","result":true}`, "success", document.StateProcessed},
		{`{"subject_id":"1","result":false}`, "failed", document.StateError},
	}
	for _, tc := range cases {
		machine := &fakeMachine{res: document.TransitionResult{FinalState: tc.state}}
		ing := newTestIngestor(&fakeFinder{doc: &document.Document{ID: 1}}, machine, &fakeDispatcher{}, &fakeRecorder{})

		if _, err := ing.Ingest(context.Background(), request(tc.body)); err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.body, err)
		}
		if machine.last.StatusRaw != tc.status || machine.last.MappedState != tc.state {
			t.Fatalf("%s: got status %q state %v", tc.body, machine.last.StatusRaw, machine.last.MappedState)
		}
	}
}

func TestIngest_HeaderFallbacks(t *testing.T) {
	machine := &fakeMachine{res: document.TransitionResult{FinalState: document.StateProcessed}}
	ing := newTestIngestor(&fakeFinder{doc: &document.Document{ID: 1}}, machine, &fakeDispatcher{}, &fakeRecorder{})

	req := request(`{"subject_id":"1"}`)
	req.Header.Set(HeaderJobStatus, "OK")
	req.Header.Set(HeaderJobBatch, "B7")
	req.Header.Set(HeaderJobOrder, "3")
	req.Header.Set(HeaderJobID, "job-42")

	if _, err := ing.Ingest(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if machine.last.StatusRaw != "ok" {
		t.Fatalf("header status fallback missing: %q", machine.last.StatusRaw)
	}
	if machine.last.BatchToken != "B7" || machine.last.BatchOrder != 3 || machine.last.JobID != "job-42" {
		t.Fatalf("header batch fallbacks missing: %+v", machine.last)
	}
}

func TestIngest_BodyFieldsWinOverHeaders(t *testing.T) {
	machine := &fakeMachine{res: document.TransitionResult{FinalState: document.StateProcessed}}
	ing := newTestIngestor(&fakeFinder{doc: &document.Document{ID: 1}}, machine, &fakeDispatcher{}, &fakeRecorder{})

	req := request(`{"subject_id":"1","status":"done","batch_token":"body"}`)
	req.Header.Set(HeaderJobStatus, "failed")
	req.Header.Set(HeaderJobBatch, "header")

	if _, err := ing.Ingest(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if machine.last.StatusRaw != "done" || machine.last.BatchToken != "body" {
		t.Fatalf("body fields must win: %+v", machine.last)
	}
}

func TestIngest_ProfileExtraction(t *testing.T) {
	machine := &fakeMachine{res: document.TransitionResult{FinalState: document.StateProcessed}}
	recorder := &fakeRecorder{}
	ing := newTestIngestor(&fakeFinder{doc: &document.Document{ID: 1}}, machine, &fakeDispatcher{}, recorder)

	body := `{"subject_id":"1","status":"done","start_time_epoch":1724800000.5,` +
		`"processing_method":"ocr","profiling_pre":{"pdf_pages":4,"pdf_text_length":9000,"completeness_ratio":0.875}}`
	if _, err := ing.Ingest(context.Background(), request(body)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p := recorder.lastProfile
	if p.StartTimeEpoch != 1724800000.5 || p.ProcessingMethod != "ocr" {
		t.Fatalf("timing fields not forwarded: %+v", p)
	}
	if p.PDFPages != 4 || p.PDFTextLength != 9000 {
		t.Fatalf("profiling ints not forwarded: %+v", p)
	}
	if p.CompletenessRatio == nil || *p.CompletenessRatio != 0.875 {
		t.Fatalf("ratio not forwarded: %+v", p)
	}
}

func TestMapState(t *testing.T) {
	cases := map[string]document.State{
		"ok":        document.StateProcessed,
		"done":      document.StateProcessed,
		"success":   document.StateProcessed,
		"processed": document.StateProcessed,
		"fail":      document.StateError,
		"failed":    document.StateError,
		"error":     document.StateError,
		"running":   document.StateProcessing,
		"":          document.StateProcessing,
	}
	for raw, want := range cases {
		if got := MapState(raw); got != want {
			t.Errorf("MapState(%q) = %v, want %v", raw, got, want)
		}
	}
}
