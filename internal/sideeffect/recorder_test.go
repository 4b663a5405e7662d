package sideeffect

import (
	"context"
	"errors"
	"testing"

	"cvflow/internal/document"
	"cvflow/pkg/kafka"
)

type fakeStore struct {
	siblings int
	err      error
}

func (f *fakeStore) FindLatestBySubject(context.Context, string) (*document.Document, error) {
	return nil, errors.New("not used")
}

func (f *fakeStore) State(context.Context, int64) (document.State, error) {
	return "", errors.New("not used")
}

func (f *fakeStore) ApplyTransition(context.Context, *document.Document) error {
	return errors.New("not used")
}

func (f *fakeStore) Demote(context.Context, int64, string) error {
	return errors.New("not used")
}

func (f *fakeStore) NextPending(context.Context, string, int) (*document.Document, error) {
	return nil, nil
}

func (f *fakeStore) CountSiblings(context.Context, string, int64) (int, error) {
	return f.siblings, f.err
}

type capturingPublisher struct {
	events []kafka.Event
	err    error
}

func (p *capturingPublisher) Publish(_ context.Context, event kafka.Event) error {
	p.events = append(p.events, event)
	return p.err
}

func notification(t *testing.T, p *capturingPublisher) NotificationEvent {
	t.Helper()
	if len(p.events) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(p.events))
	}
	event, ok := p.events[0].Value.(NotificationEvent)
	if !ok {
		t.Fatalf("unexpected event value type %T", p.events[0].Value)
	}
	return event
}

func TestNotify_SkippedWithoutCreator(t *testing.T) {
	publisher := &capturingPublisher{}
	r := NewRecorder(nil, &fakeStore{}, publisher, nil)

	doc := &document.Document{ID: 7, SubjectID: "12345"}
	if err := r.Notify(context.Background(), doc, document.StateProcessed, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(publisher.events) != 0 {
		t.Fatal("notification without a creator must be skipped")
	}
}

func TestNotify_SingleDocumentSuccess(t *testing.T) {
	publisher := &capturingPublisher{}
	r := NewRecorder(nil, &fakeStore{}, publisher, nil)

	doc := &document.Document{ID: 7, SubjectID: "12345", SubjectName: "Jane Doe", CreatedBy: 42}
	if err := r.Notify(context.Background(), doc, document.StateProcessed, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event := notification(t, publisher)
	if event.Mode != "single" || !event.IsLast {
		t.Fatalf("standalone document got batch semantics: %+v", event)
	}
	if event.Message != "The CV of Jane Doe has been processed successfully." {
		t.Fatalf("unexpected wording: %q", event.Message)
	}
	if event.RecipientID != 42 {
		t.Fatalf("wrong recipient: %d", event.RecipientID)
	}
}

func TestNotify_ErrorWordingFallsBackToSubjectID(t *testing.T) {
	publisher := &capturingPublisher{}
	r := NewRecorder(nil, &fakeStore{}, publisher, nil)

	doc := &document.Document{ID: 7, SubjectID: "12345", CreatedBy: 42}
	if err := r.Notify(context.Background(), doc, document.StateError, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event := notification(t, publisher)
	if event.Message != "An error occurred while processing the CV of 12345." {
		t.Fatalf("unexpected wording: %q", event.Message)
	}
}

func TestNotify_BatchMemberInProgress(t *testing.T) {
	publisher := &capturingPublisher{}
	r := NewRecorder(nil, &fakeStore{siblings: 2}, publisher, nil)

	doc := &document.Document{ID: 7, SubjectID: "12345", SubjectName: "Jane", BatchToken: "B1", CreatedBy: 42}
	if err := r.Notify(context.Background(), doc, document.StateProcessed, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event := notification(t, publisher)
	if event.Mode != "batch" || event.IsLast {
		t.Fatalf("dispatched batch member must not be last: %+v", event)
	}
	if !event.NextDispatched {
		t.Fatal("dispatch flag must be forwarded")
	}
	if event.Message != "The CV of Jane has been processed successfully." {
		t.Fatalf("unexpected wording: %q", event.Message)
	}
}

func TestNotify_LastBatchMember(t *testing.T) {
	publisher := &capturingPublisher{}
	r := NewRecorder(nil, &fakeStore{siblings: 2}, publisher, nil)

	doc := &document.Document{ID: 7, SubjectID: "12345", BatchToken: "B1", CreatedBy: 42}
	if err := r.Notify(context.Background(), doc, document.StateProcessed, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event := notification(t, publisher)
	if event.Mode != "batch" || !event.IsLast {
		t.Fatalf("undispatched batch member must be last: %+v", event)
	}
	if event.Message != "Batch completed: B1" {
		t.Fatalf("unexpected wording: %q", event.Message)
	}
}

func TestNotify_SoleBatchMemberIsSingle(t *testing.T) {
	publisher := &capturingPublisher{}
	r := NewRecorder(nil, &fakeStore{siblings: 0}, publisher, nil)

	doc := &document.Document{ID: 7, SubjectID: "12345", BatchToken: "B1", CreatedBy: 42}
	if err := r.Notify(context.Background(), doc, document.StateProcessed, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if event := notification(t, publisher); event.Mode != "single" {
		t.Fatalf("a batch of one is a single document: %+v", event)
	}
}

func TestNotify_SiblingLookupFailure(t *testing.T) {
	publisher := &capturingPublisher{}
	r := NewRecorder(nil, &fakeStore{err: errors.New("db gone")}, publisher, nil)

	doc := &document.Document{ID: 7, SubjectID: "12345", BatchToken: "B1", CreatedBy: 42}
	if err := r.Notify(context.Background(), doc, document.StateProcessed, false); err == nil {
		t.Fatal("expected error")
	}
	if len(publisher.events) != 0 {
		t.Fatal("failed lookup must not publish")
	}
}

func TestNotify_PublishFailure(t *testing.T) {
	publisher := &capturingPublisher{err: errors.New("broker unreachable")}
	r := NewRecorder(nil, &fakeStore{}, publisher, nil)

	doc := &document.Document{ID: 7, SubjectID: "12345", CreatedBy: 42}
	if err := r.Notify(context.Background(), doc, document.StateProcessed, false); err == nil {
		t.Fatal("expected error")
	}
}

func TestStageTypoCandidates_EmptyData(t *testing.T) {
	r := NewRecorder(nil, &fakeStore{}, &capturingPublisher{}, nil)

	n, err := r.StageTypoCandidates(context.Background(), &document.Document{ID: 7}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no candidates, got %d", n)
	}
}

func TestExtractCandidates(t *testing.T) {
	got := extractCandidates(map[string]any{
		"summary": "Senior engineer with strong backgruond in Go, go and SQL",
		"pages":   3,
		"email":   "jane@example.com",
	})

	want := map[string]bool{
		"senior": false, "engineer": false, "with": false,
		"strong": false, "backgruond": false,
		"jane": false, "example": false,
	}
	for _, w := range got {
		if _, ok := want[w]; !ok {
			t.Errorf("unexpected candidate %q", w)
			continue
		}
		want[w] = true
	}
	for w, seen := range want {
		if !seen {
			t.Errorf("missing candidate %q", w)
		}
	}
}

func TestExtractCandidates_DedupAndCase(t *testing.T) {
	got := extractCandidates(map[string]any{
		"a": "Python PYTHON python",
	})
	if len(got) != 1 || got[0] != "python" {
		t.Fatalf("expected deduplicated lowercase candidate, got %v", got)
	}
}

func TestExtractCandidates_Cap(t *testing.T) {
	long := ""
	for i := 0; i < 60; i++ {
		long += string(rune('a'+i%26)) + "bcdefgh" + string(rune('a'+i/26)) + string(rune('a'+i%26)) + " "
	}
	got := extractCandidates(map[string]any{"blob": long})
	if len(got) > 50 {
		t.Fatalf("candidate list must be capped at 50, got %d", len(got))
	}
}
