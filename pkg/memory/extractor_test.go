package memory

import (
	"context"
	"testing"

	"github.com/homieagent/homie/pkg/providers"
)

type stubExtractorProvider struct {
	responses []string
	calls     int
}

func (s *stubExtractorProvider) Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return &providers.LLMResponse{Content: s.responses[idx]}, nil
}

func (s *stubExtractorProvider) GetDefaultModel() string { return "stub-model" }

type recordingEventSink struct {
	events []ExtractedEvent
}

func (r *recordingEventSink) AddEvent(chatID, kind, subject string, triggerAtMs int64, recurrence string, nowMs int64) error {
	r.events = append(r.events, ExtractedEvent{Kind: kind, Subject: subject, TriggerAtMs: triggerAtMs, Recurrence: recurrence})
	return nil
}

func openTestStoreForExtractor(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestExtractCandidates_EmptyForSmallTalk(t *testing.T) {
	provider := &stubExtractorProvider{responses: []string{`{"facts": [], "events": []}`}}
	backend := providers.NewBackend(provider, "model", "fast-model")
	ex := NewExtractor(backend, openTestStoreForExtractor(t), nil)

	result, err := ex.ExtractCandidates(context.Background(), "hey", "hi there", true, 1000)
	if err != nil {
		t.Fatalf("ExtractCandidates: %v", err)
	}
	if len(result.Facts) != 0 || len(result.Events) != 0 {
		t.Errorf("expected empty arrays for small talk, got %+v", result)
	}
}

func TestExtractCandidates_DropsEventsOutsideDM(t *testing.T) {
	provider := &stubExtractorProvider{responses: []string{
		`{"facts": [], "events": [{"kind": "reminder", "subject": "x", "triggerAtMs": 5000, "recurrence": ""}]}`,
	}}
	backend := providers.NewBackend(provider, "model", "fast-model")
	ex := NewExtractor(backend, openTestStoreForExtractor(t), nil)

	result, err := ex.ExtractCandidates(context.Background(), "remind me to do x", "ok", false, 1000)
	if err != nil {
		t.Fatalf("ExtractCandidates: %v", err)
	}
	if len(result.Events) != 0 {
		t.Error("expected events to be dropped for non-DM messages")
	}
}

func TestExtractCandidates_DropsEventsOutsideTriggerWindow(t *testing.T) {
	provider := &stubExtractorProvider{responses: []string{
		`{"facts": [], "events": [{"kind": "reminder", "subject": "x", "triggerAtMs": 999999999999, "recurrence": ""}]}`,
	}}
	backend := providers.NewBackend(provider, "model", "fast-model")
	ex := NewExtractor(backend, openTestStoreForExtractor(t), nil)

	result, err := ex.ExtractCandidates(context.Background(), "remind me to do x", "ok", true, 1000)
	if err != nil {
		t.Fatalf("ExtractCandidates: %v", err)
	}
	if len(result.Events) != 0 {
		t.Error("expected event beyond the 366-day window to be dropped")
	}
}

func TestReconcileAndApply_FallsBackToAddAllOnParseFailure(t *testing.T) {
	store := openTestStoreForExtractor(t)
	provider := &stubExtractorProvider{responses: []string{"not json at all"}}
	backend := providers.NewBackend(provider, "model", "fast-model")
	ex := NewExtractor(backend, store, nil)

	person, err := store.TrackPerson("telegram", "u1", "Alice", 1000)
	if err != nil {
		t.Fatalf("TrackPerson: %v", err)
	}
	if _, err := store.AddFact(Fact{PersonID: person.ID, Content: "likes tea", Category: CategoryPreference}, 1000); err != nil {
		t.Fatalf("AddFact: %v", err)
	}

	ex.ReconcileAndApply(context.Background(), person.ID, []ExtractedCandidate{{Content: "new fact", Category: "biographical"}}, 2000)

	facts, err := store.FactsForPerson(person.ID, 10)
	if err != nil {
		t.Fatalf("FactsForPerson: %v", err)
	}
	if len(facts) != 2 {
		t.Errorf("expected fallback-to-add-all to leave 2 facts, got %d", len(facts))
	}
}

func TestRunBackground_PersistsAcceptedEventsViaSink(t *testing.T) {
	store := openTestStoreForExtractor(t)
	provider := &stubExtractorProvider{responses: []string{
		`{"facts": [], "events": [{"kind": "reminder", "subject": "call", "triggerAtMs": 5000, "recurrence": ""}]}`,
	}}
	backend := providers.NewBackend(provider, "model", "fast-model")
	sink := &recordingEventSink{}
	ex := NewExtractor(backend, store, sink)

	ex.RunBackground(context.Background(), "person:telegram:u1", "telegram:u1", "remind me to call", "ok", true, 1000)

	if len(sink.events) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(sink.events))
	}
	if sink.events[0].Subject != "call" {
		t.Errorf("expected subject 'call', got %q", sink.events[0].Subject)
	}
}
