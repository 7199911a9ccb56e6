package proactive

import "testing"

func openTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening scheduler: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddEvent_IdempotentWithinFiveMinutes(t *testing.T) {
	s := openTestScheduler(t)

	id1, err := s.AddEvent(Event{ChatID: "c1", Kind: "reminder", Subject: "call mom", TriggerAtMs: 1_000_000, CreatedAtMs: 1})
	if err != nil {
		t.Fatalf("AddEvent: %v", err)
	}

	id2, err := s.AddEvent(Event{ChatID: "c1", Kind: "reminder", Subject: "call mom", TriggerAtMs: 1_000_000 + 4*60*1000, CreatedAtMs: 2})
	if err != nil {
		t.Fatalf("AddEvent (near-duplicate): %v", err)
	}

	if id1 != id2 {
		t.Errorf("expected idempotent event, got distinct ids %d and %d", id1, id2)
	}
}

func TestClaimPendingEvents_AtMostOneClaimPerEvent(t *testing.T) {
	s := openTestScheduler(t)

	if _, err := s.AddEvent(Event{ChatID: "c1", Kind: "reminder", Subject: "x", TriggerAtMs: 100, CreatedAtMs: 1}); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}

	claimed1, err := s.ClaimPendingEvents(ClaimParams{NowMs: 200, WindowMs: 0, Limit: 10, LeaseMs: 10000, ClaimID: "worker-a"})
	if err != nil {
		t.Fatalf("ClaimPendingEvents (worker-a): %v", err)
	}
	if len(claimed1) != 1 {
		t.Fatalf("expected worker-a to claim 1 event, got %d", len(claimed1))
	}

	claimed2, err := s.ClaimPendingEvents(ClaimParams{NowMs: 201, WindowMs: 0, Limit: 10, LeaseMs: 10000, ClaimID: "worker-b"})
	if err != nil {
		t.Fatalf("ClaimPendingEvents (worker-b): %v", err)
	}
	if len(claimed2) != 0 {
		t.Errorf("expected worker-b to claim 0 events while lease is held, got %d", len(claimed2))
	}
}

func TestClaimPendingEvents_ExpiredLeaseIsReclaimable(t *testing.T) {
	s := openTestScheduler(t)

	if _, err := s.AddEvent(Event{ChatID: "c1", Kind: "reminder", Subject: "x", TriggerAtMs: 100, CreatedAtMs: 1}); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}

	if _, err := s.ClaimPendingEvents(ClaimParams{NowMs: 200, WindowMs: 0, Limit: 10, LeaseMs: 1000, ClaimID: "worker-a"}); err != nil {
		t.Fatalf("ClaimPendingEvents (worker-a): %v", err)
	}

	claimed, err := s.ClaimPendingEvents(ClaimParams{NowMs: 2000, WindowMs: 0, Limit: 10, LeaseMs: 1000, ClaimID: "worker-b"})
	if err != nil {
		t.Fatalf("ClaimPendingEvents (worker-b, after expiry): %v", err)
	}
	if len(claimed) != 1 {
		t.Errorf("expected worker-b to reclaim expired lease, got %d events", len(claimed))
	}
}

func TestMarkDelivered_NeverReclaimedAfterDelivery(t *testing.T) {
	s := openTestScheduler(t)

	id, err := s.AddEvent(Event{ChatID: "c1", Kind: "reminder", Subject: "x", TriggerAtMs: 100, CreatedAtMs: 1})
	if err != nil {
		t.Fatalf("AddEvent: %v", err)
	}

	claimed, err := s.ClaimPendingEvents(ClaimParams{NowMs: 200, WindowMs: 0, Limit: 10, LeaseMs: 10000, ClaimID: "worker-a"})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimPendingEvents: %v %v", claimed, err)
	}

	if err := s.MarkDelivered(id, "worker-a", 300); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	claimedAgain, err := s.ClaimPendingEvents(ClaimParams{NowMs: 400, WindowMs: 0, Limit: 10, LeaseMs: 10000, ClaimID: "worker-b"})
	if err != nil {
		t.Fatalf("ClaimPendingEvents (after delivery): %v", err)
	}
	if len(claimedAgain) != 0 {
		t.Errorf("expected delivered event never to be reclaimed, got %d", len(claimedAgain))
	}
}

func TestMarkDelivered_YearlyRecurrenceReinserts(t *testing.T) {
	s := openTestScheduler(t)

	id, err := s.AddEvent(Event{ChatID: "c1", Kind: "birthday", Subject: "alice", TriggerAtMs: 1000, Recurrence: RecurrenceYearly, CreatedAtMs: 1})
	if err != nil {
		t.Fatalf("AddEvent: %v", err)
	}

	if _, err := s.ClaimPendingEvents(ClaimParams{NowMs: 1000, WindowMs: 0, Limit: 10, LeaseMs: 10000, ClaimID: "worker-a"}); err != nil {
		t.Fatalf("ClaimPendingEvents: %v", err)
	}
	if err := s.MarkDelivered(id, "worker-a", 1000); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	const yearMs = 365 * 24 * 60 * 60 * 1000
	claimed, err := s.ClaimPendingEvents(ClaimParams{NowMs: 1000 + yearMs, WindowMs: 0, Limit: 10, LeaseMs: 10000, ClaimID: "worker-b"})
	if err != nil {
		t.Fatalf("ClaimPendingEvents (next year): %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected reinserted yearly event to be claimable, got %d", len(claimed))
	}
	if claimed[0].Subject != "alice" {
		t.Errorf("expected reinserted event to preserve subject, got %q", claimed[0].Subject)
	}
}

func TestDeferEvent_AdvancesTriggerAndClearsClaim(t *testing.T) {
	s := openTestScheduler(t)

	id, err := s.AddEvent(Event{ChatID: "c1", Kind: "reminder", Subject: "x", TriggerAtMs: 100, CreatedAtMs: 1})
	if err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if _, err := s.ClaimPendingEvents(ClaimParams{NowMs: 100, WindowMs: 0, Limit: 10, LeaseMs: 10000, ClaimID: "worker-a"}); err != nil {
		t.Fatalf("ClaimPendingEvents: %v", err)
	}

	if err := s.DeferEvent(id, "worker-a", 5000); err != nil {
		t.Fatalf("DeferEvent: %v", err)
	}

	claimed, err := s.ClaimPendingEvents(ClaimParams{NowMs: 4000, WindowMs: 0, Limit: 10, LeaseMs: 10000, ClaimID: "worker-b"})
	if err != nil {
		t.Fatalf("ClaimPendingEvents (before deferred trigger): %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("expected no claimable events before deferred trigger time, got %d", len(claimed))
	}

	claimed, err = s.ClaimPendingEvents(ClaimParams{NowMs: 5000, WindowMs: 0, Limit: 10, LeaseMs: 10000, ClaimID: "worker-b"})
	if err != nil {
		t.Fatalf("ClaimPendingEvents (at deferred trigger): %v", err)
	}
	if len(claimed) != 1 {
		t.Errorf("expected 1 claimable event at deferred trigger time, got %d", len(claimed))
	}
}
