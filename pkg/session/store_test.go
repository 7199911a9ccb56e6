package session

import "testing"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendMessage_AssignsIncreasingIDs(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.AppendMessage(Message{ChatID: "c1", Role: RoleUser, Content: "hi", CreatedAtMs: 1})
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	id2, err := s.AppendMessage(Message{ChatID: "c1", Role: RoleAssistant, Content: "yo", CreatedAtMs: 2})
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if id2 <= id1 {
		t.Errorf("expected increasing ids, got %d then %d", id1, id2)
	}
}

func TestGetMessages_ReturnsAscendingOrder(t *testing.T) {
	s := openTestStore(t)
	s.AppendMessage(Message{ChatID: "c1", Role: RoleUser, Content: "one", CreatedAtMs: 1})
	s.AppendMessage(Message{ChatID: "c1", Role: RoleAssistant, Content: "two", CreatedAtMs: 2})
	s.AppendMessage(Message{ChatID: "c1", Role: RoleUser, Content: "three", CreatedAtMs: 3})

	msgs, err := s.GetMessages("c1", 2)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Errorf("expected last-2-in-order [two,three], got [%s,%s]", msgs[0].Content, msgs[1].Content)
	}
}

func TestCompactIfNeeded_SkipsWhenUnderMessageFloor(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		s.AppendMessage(Message{ChatID: "c1", Role: RoleUser, Content: "msg", CreatedAtMs: int64(i)})
	}

	compacted, err := s.CompactIfNeeded("c1", CompactOptions{
		MaxTokens: 10, Force: true,
		Summarize: func(string) (string, error) { return "summary", nil },
	})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if compacted {
		t.Error("expected no compaction under the 8-message floor")
	}
}

func TestCompactIfNeeded_ReplacesPrefixWithTwoSystemRows(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 12; i++ {
		s.AppendMessage(Message{ChatID: "c1", Role: RoleUser, Content: "padding message content here", CreatedAtMs: int64(i)})
	}

	compacted, err := s.CompactIfNeeded("c1", CompactOptions{
		MaxTokens: 100, Force: true, PersonaReminder: "be yourself",
		Summarize: func(string) (string, error) { return "summary text", nil },
	})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if !compacted {
		t.Fatal("expected compaction to occur")
	}

	msgs, err := s.GetMessages("c1", 1000)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}

	var systemRows int
	for _, m := range msgs {
		if m.Role == RoleSystem {
			systemRows++
		}
	}
	if systemRows != 2 {
		t.Errorf("expected exactly 2 system rows after compaction, got %d", systemRows)
	}
}

func TestCompactIfNeeded_AbortsOnSummarizeFailure(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 12; i++ {
		s.AppendMessage(Message{ChatID: "c1", Role: RoleUser, Content: "padding message content here", CreatedAtMs: int64(i)})
	}

	before, _ := s.GetMessages("c1", 1000)

	compacted, err := s.CompactIfNeeded("c1", CompactOptions{
		MaxTokens: 100, Force: true,
		Summarize: func(string) (string, error) { return "", nil },
	})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if compacted {
		t.Error("expected no compaction when summarize returns empty")
	}

	after, _ := s.GetMessages("c1", 1000)
	if len(after) != len(before) {
		t.Errorf("expected no mutation on aborted compaction, before=%d after=%d", len(before), len(after))
	}
}
