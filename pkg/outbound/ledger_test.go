package outbound

import "testing"

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordSendAndOnIncomingReply_ByRefKey(t *testing.T) {
	l := openTestLedger(t)
	id, err := l.RecordSend(RecordSendParams{ChatID: "c1", Text: "hi", MessageType: Reactive, SentAtMs: 100, RefKey: "r1"})
	if err != nil {
		t.Fatalf("record send: %v", err)
	}
	if id == 0 {
		t.Fatal("expected nonzero id")
	}

	if err := l.OnIncomingReply(OnIncomingReplyParams{ChatID: "c1", RefKey: "r1"}); err != nil {
		t.Fatalf("on incoming reply: %v", err)
	}

	rows, err := l.ListUnansweredInWindow(ListUnansweredParams{MinSentAtMs: 0, MaxSentAtMs: 1000, Limit: 10})
	if err != nil {
		t.Fatalf("list unanswered: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no unanswered rows after reply, got %d", len(rows))
	}
}

func TestListUnansweredInWindow_ExcludesAnswered(t *testing.T) {
	l := openTestLedger(t)
	l.RecordSend(RecordSendParams{ChatID: "c1", Text: "a", MessageType: Reactive, SentAtMs: 100, RefKey: "a"})
	l.RecordSend(RecordSendParams{ChatID: "c1", Text: "b", MessageType: Reactive, SentAtMs: 200, RefKey: "b"})
	l.OnIncomingReply(OnIncomingReplyParams{ChatID: "c1", RefKey: "a"})

	rows, err := l.ListUnansweredInWindow(ListUnansweredParams{MinSentAtMs: 0, MaxSentAtMs: 1000, Limit: 10})
	if err != nil {
		t.Fatalf("list unanswered: %v", err)
	}
	if len(rows) != 1 || rows[0].RefKey != "b" {
		t.Errorf("expected only 'b' unanswered, got %+v", rows)
	}
}
