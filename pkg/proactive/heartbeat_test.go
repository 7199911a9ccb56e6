package proactive

import (
	"context"
	"testing"

	"github.com/homieagent/homie/pkg/memory"
	"github.com/homieagent/homie/pkg/outbound"
)

func openTestLedger(t *testing.T) *outbound.Ledger {
	t.Helper()
	l, err := outbound.Open(":memory:")
	if err != nil {
		t.Fatalf("opening ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestHeartbeatLoop_SafetyGateBlocksNonCriticalForNewContact(t *testing.T) {
	if isSafeForTier("checkin", memory.TierNewContact) {
		t.Error("expected non-critical event to be unsafe for new_contact tier")
	}
	if !isSafeForTier("reminder", memory.TierNewContact) {
		t.Error("expected reminder to always be safe regardless of tier")
	}
}

func TestHeartbeatLoop_SkipRollIsStableAcrossCalls(t *testing.T) {
	h := &HeartbeatLoop{cfg: Config{SkipRate: 0.5}}

	first := h.skipRoll(42, 1_000_000)
	second := h.skipRoll(42, 1_000_000)
	if first != second {
		t.Error("expected skipRoll to be stable for the same event/bucket")
	}
}

func TestHeartbeatLoop_SkipRollNeverSkipsAtZeroRate(t *testing.T) {
	h := &HeartbeatLoop{cfg: Config{SkipRate: 0}}
	if h.skipRoll(1, 1) {
		t.Error("expected skipRoll to never skip when SkipRate is 0")
	}
}

func TestHeartbeatLoop_SuppressesWhenBelowMinInterval(t *testing.T) {
	s := openTestScheduler(t)
	l := openTestLedger(t)

	const dayMs = 24 * 60 * 60 * 1000
	h := NewHeartbeatLoop(s, l, Config{DM: TierConfig{}}, nil, nil)

	if err := s.LogProactiveSend("c1", nil, false, false, 1000); err != nil {
		t.Fatalf("LogProactiveSend: %v", err)
	}

	decision := h.shouldSuppressOutreach(Event{ChatID: "c1", Kind: "checkin"}, memory.TierCloseFriend, false, 1000+dayMs, TierConfig{})
	if !decision.suppress {
		t.Error("expected suppression: close_friend minimum interval is 5 days")
	}
}

func TestHeartbeatLoop_ReminderNeverSuppressedByMinInterval(t *testing.T) {
	s := openTestScheduler(t)
	l := openTestLedger(t)
	h := NewHeartbeatLoop(s, l, Config{}, nil, nil)

	if err := s.LogProactiveSend("c1", nil, false, false, 1000); err != nil {
		t.Fatalf("LogProactiveSend: %v", err)
	}

	decision := h.shouldSuppressOutreach(Event{ChatID: "c1", Kind: "reminder"}, memory.TierCloseFriend, false, 1001, TierConfig{})
	if decision.suppress {
		t.Error("expected reminders to never be suppressed by minimum interval")
	}
}

func TestHeartbeatLoop_Tick_NewContactCheckInDefers14Days(t *testing.T) {
	s := openTestScheduler(t)
	l := openTestLedger(t)

	const nowMs = 1_000_000
	id, err := s.AddEvent(Event{ChatID: "cli:friend", Kind: "check_in", Subject: "x", TriggerAtMs: nowMs, CreatedAtMs: nowMs})
	if err != nil {
		t.Fatalf("AddEvent: %v", err)
	}

	handlerCalled := false
	handler := func(ctx context.Context, e Event, tier memory.TrustTier) (bool, error) {
		handlerCalled = true
		return true, nil
	}
	resolve := func(chatID string) (memory.TrustTier, bool) { return memory.TierNewContact, true }

	h := NewHeartbeatLoop(s, l, Config{Enabled: true, HeartbeatIntervalMs: 1000}, resolve, handler)
	if _, err := s.ClaimPendingEvents(ClaimParams{NowMs: nowMs, WindowMs: 0, Limit: 10, LeaseMs: 1000, ClaimID: "claim-1"}); err != nil {
		t.Fatalf("ClaimPendingEvents: %v", err)
	}
	h.processEvent(context.Background(), Event{ID: id, ChatID: "cli:friend", Kind: "check_in", TriggerAtMs: nowMs}, "claim-1", nowMs)

	if handlerCalled {
		t.Error("expected safety gate to block new_contact check_in before reaching the handler")
	}

	const fourteenDaysMs = 14 * 24 * 60 * 60 * 1000

	notYet, err := s.ClaimPendingEvents(ClaimParams{NowMs: nowMs + fourteenDaysMs - 1, WindowMs: 0, Limit: 10, LeaseMs: 1000, ClaimID: "claim-2"})
	if err != nil {
		t.Fatalf("ClaimPendingEvents: %v", err)
	}
	if len(notYet) != 0 {
		t.Error("expected the event to stay deferred until the full 14 days have elapsed")
	}

	events, err := s.ClaimPendingEvents(ClaimParams{NowMs: nowMs + fourteenDaysMs, WindowMs: 0, Limit: 10, LeaseMs: 1000, ClaimID: "claim-3"})
	if err != nil {
		t.Fatalf("ClaimPendingEvents: %v", err)
	}
	if len(events) != 1 || events[0].ID != id {
		t.Fatalf("expected the deferred event to become claimable again exactly 14 days later, got %+v", events)
	}
}

func TestHeartbeatLoop_Tick_DeliversDueEvent(t *testing.T) {
	s := openTestScheduler(t)
	l := openTestLedger(t)

	if _, err := s.AddEvent(Event{ChatID: "c1", Kind: "reminder", Subject: "x", TriggerAtMs: 100, CreatedAtMs: 1}); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}

	delivered := false
	handler := func(ctx context.Context, e Event, tier memory.TrustTier) (bool, error) {
		delivered = true
		return true, nil
	}

	h := NewHeartbeatLoop(s, l, Config{Enabled: true, HeartbeatIntervalMs: 1000}, nil, handler)
	h.tick(context.Background())

	if !delivered {
		t.Error("expected due event to be delivered on tick")
	}
}
