package feedback

import "testing"

type fakeLessons struct {
	calls []string
}

func (f *fakeLessons) AddLesson(kind, category, content string, confidence float64) error {
	f.calls = append(f.calls, kind)
	return nil
}

type fakeScorer struct {
	personID string
	score    float64
	calls    int
}

func (f *fakeScorer) UpdateRelationshipScore(personID string, score float64) error {
	f.personID = personID
	f.score = score
	f.calls++
	return nil
}

func openTestTracker(t *testing.T, lessons LessonWriter, scorer RelationshipScorer) *Tracker {
	t.Helper()
	tr, err := Open(":memory:", Options{
		FinalizeAfterMs:  1000,
		SuccessThreshold: 0.5,
		FailureThreshold: 0.1,
		Lessons:          lessons,
		Scorer:           scorer,
	})
	if err != nil {
		t.Fatalf("opening tracker: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestFinalizeDue_FeedsScoreIntoRelationshipScorer(t *testing.T) {
	scorer := &fakeScorer{}
	tr := openTestTracker(t, &fakeLessons{}, scorer)

	if err := tr.ObserveSend("ref1", "cli:local", "person:cli:u1", 1000); err != nil {
		t.Fatalf("observing send: %v", err)
	}
	if err := tr.ObserveReply("ref1", 1100); err != nil {
		t.Fatalf("observing reply: %v", err)
	}

	if err := tr.FinalizeDue(2000); err != nil {
		t.Fatalf("finalizing: %v", err)
	}

	if scorer.calls != 1 {
		t.Fatalf("expected exactly one relationship-score update, got %d", scorer.calls)
	}
	if scorer.personID != "person:cli:u1" {
		t.Errorf("expected score update for person:cli:u1, got %s", scorer.personID)
	}
	if scorer.score <= 0 {
		t.Errorf("expected a positive score for a replied-to message, got %v", scorer.score)
	}
}

func TestFinalizeDue_SkipsRelationshipScoreForEmptyPersonID(t *testing.T) {
	scorer := &fakeScorer{}
	tr := openTestTracker(t, &fakeLessons{}, scorer)

	if err := tr.ObserveSend("ref1", "signal:group:g1", "", 1000); err != nil {
		t.Fatalf("observing send: %v", err)
	}
	if err := tr.FinalizeDue(2000); err != nil {
		t.Fatalf("finalizing: %v", err)
	}

	if scorer.calls != 0 {
		t.Errorf("expected no relationship-score update for a group send with no person id, got %d calls", scorer.calls)
	}
}
