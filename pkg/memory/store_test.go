package memory

import "testing"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordObservation_IncrementsSampleAndConversationCount(t *testing.T) {
	s := openTestStore(t)
	p, err := s.TrackPerson("cli", "u1", "Alex", 1)
	if err != nil {
		t.Fatalf("tracking person: %v", err)
	}

	if err := s.RecordObservation(p.ID, 10, 20, 2); err != nil {
		t.Fatalf("recording observation: %v", err)
	}
	if err := s.RecordObservation(p.ID, 30, 40, 3); err != nil {
		t.Fatalf("recording observation: %v", err)
	}

	got, err := s.GetPerson(p.ID)
	if err != nil {
		t.Fatalf("getting person: %v", err)
	}
	if got.SampleCount != 2 {
		t.Errorf("expected sampleCount 2, got %d", got.SampleCount)
	}
	if got.ConversationCount != 2 {
		t.Errorf("expected conversationCount 2, got %d", got.ConversationCount)
	}
	if got.AvgUserLen <= 0 || got.AvgReplyLen <= 0 {
		t.Errorf("expected positive running averages, got user=%v reply=%v", got.AvgUserLen, got.AvgReplyLen)
	}
}

func TestUpdateRelationshipScore_IsMonotone(t *testing.T) {
	s := openTestStore(t)
	p, err := s.TrackPerson("cli", "u1", "Alex", 1)
	if err != nil {
		t.Fatalf("tracking person: %v", err)
	}

	if err := s.UpdateRelationshipScore(p.ID, 0.8); err != nil {
		t.Fatalf("updating score: %v", err)
	}
	if err := s.UpdateRelationshipScore(p.ID, 0.2); err != nil {
		t.Fatalf("updating score: %v", err)
	}

	got, err := s.GetPerson(p.ID)
	if err != nil {
		t.Fatalf("getting person: %v", err)
	}
	if got.RelationshipScore != 0.8 {
		t.Errorf("expected relationship score to stay at its high-water mark 0.8, got %v", got.RelationshipScore)
	}
}

func TestTrustTierOf_AdvancesAsObservationsAccumulate(t *testing.T) {
	s := openTestStore(t)
	p, err := s.TrackPerson("cli", "u1", "Alex", 1)
	if err != nil {
		t.Fatalf("tracking person: %v", err)
	}
	if tier := TrustTierOf(p); tier != TierNewContact {
		t.Fatalf("expected a freshly tracked person to start new_contact, got %s", tier)
	}

	for i := 0; i < 20; i++ {
		if err := s.RecordObservation(p.ID, 10, 10, int64(i)); err != nil {
			t.Fatalf("recording observation: %v", err)
		}
	}
	if err := s.UpdateRelationshipScore(p.ID, 0.5); err != nil {
		t.Fatalf("updating score: %v", err)
	}

	got, err := s.GetPerson(p.ID)
	if err != nil {
		t.Fatalf("getting person: %v", err)
	}
	if tier := TrustTierOf(got); tier != TierEstablished {
		t.Errorf("expected established tier after 20 observations and score 0.5, got %s", tier)
	}
}
