package behavior

import "testing"

func TestDecidePreDraft_Burst(t *testing.T) {
	e := New(Config{GroupMaxChars: 600, DMMaxChars: 1200}, nil)
	now := int64(100_000)
	in := PreDraftInput{
		NowMs:    now,
		IsGroup:  true,
		AuthorID: "u1",
		Text:     "ok",
		Prior: []RecentMessage{
			{AuthorID: "u1", Text: "hey", TimestampMs: now - 2000},
			{AuthorID: "u1", Text: "you there", TimestampMs: now - 1000},
		},
	}
	got := e.DecidePreDraft(nil, in)
	if got.Kind != DecisionSilence || got.Reason != "wait_burst" {
		t.Fatalf("expected wait_burst silence, got %+v", got)
	}
}

func TestDecidePreDraft_RapidDialogue(t *testing.T) {
	e := New(Config{GroupMaxChars: 600, DMMaxChars: 1200}, nil)
	now := int64(100_000)
	in := PreDraftInput{
		NowMs:   now,
		IsGroup: true,
		Text:    "lol same",
		Prior: []RecentMessage{
			{AuthorID: "u1", Text: "hey", TimestampMs: now - 2000},
			{AuthorID: "u2", Text: "what's up", TimestampMs: now - 1000},
		},
	}
	got := e.DecidePreDraft(nil, in)
	if got.Kind != DecisionSilence || got.Reason != "rapid_dialogue" {
		t.Fatalf("expected rapid_dialogue silence, got %+v", got)
	}
}

func TestDecidePreDraft_Continuation(t *testing.T) {
	e := New(Config{GroupMaxChars: 600, DMMaxChars: 1200}, nil)
	in := PreDraftInput{NowMs: 1000, IsGroup: false, Text: "so anyway and"}
	got := e.DecidePreDraft(nil, in)
	if got.Kind != DecisionSilence || got.Reason != "wait_continuation" {
		t.Fatalf("expected wait_continuation silence, got %+v", got)
	}
}

func TestDecidePreDraft_DMSendsByDefault(t *testing.T) {
	e := New(Config{GroupMaxChars: 600, DMMaxChars: 1200}, nil)
	in := PreDraftInput{NowMs: 1000, IsGroup: false, Text: "hey what's up"}
	got := e.DecidePreDraft(nil, in)
	if got.Kind != DecisionSend {
		t.Fatalf("expected send, got %+v", got)
	}
}

func TestDecidePreDraft_GroupWithNoBackendDefaultsToSend(t *testing.T) {
	e := New(Config{GroupMaxChars: 600, DMMaxChars: 1200}, nil)
	in := PreDraftInput{NowMs: 1000, IsGroup: true, Text: "thats wild"}
	got := e.DecidePreDraft(nil, in)
	if got.Kind != DecisionSend {
		t.Fatalf("expected send when no backend configured, got %+v", got)
	}
}

func TestDecidePreDraft_SleepWindowSilencesNonCommands(t *testing.T) {
	e := New(Config{
		Sleep:         SleepConfig{Enabled: true, Timezone: "UTC", StartLocal: "23:00", EndLocal: "07:00"},
		GroupMaxChars: 600, DMMaxChars: 1200,
	}, nil)
	// 1970-01-01T02:00:00Z = 7_200_000 ms, within the wrap-around sleep window.
	in := PreDraftInput{NowMs: 7_200_000, IsGroup: false, Text: "hey"}
	got := e.DecidePreDraft(nil, in)
	if got.Kind != DecisionSilence || got.Reason != "sleep" {
		t.Fatalf("expected sleep silence, got %+v", got)
	}

	cmdIn := PreDraftInput{NowMs: 7_200_000, IsGroup: false, Text: "/model"}
	got = e.DecidePreDraft(nil, cmdIn)
	if got.Kind == DecisionSilence && got.Reason == "sleep" {
		t.Fatalf("commands must bypass sleep window, got %+v", got)
	}
}

func TestPostDraftSlopCheck(t *testing.T) {
	e := New(Config{GroupMaxChars: 20, DMMaxChars: 20}, nil)

	clean := e.PostDraftSlopCheck("yo what's good", false)
	if clean.IsSlop {
		t.Fatalf("expected clean reply, got violations %v", clean.Violations)
	}

	slop := e.PostDraftSlopCheck("I'd be happy to help with that!", false)
	if !slop.IsSlop {
		t.Fatalf("expected assistant-phrasing violation")
	}

	long := e.PostDraftSlopCheck("this message is definitely too long for the configured cap", false)
	if !long.IsSlop {
		t.Fatalf("expected excessive_length violation")
	}

	dashes := e.PostDraftSlopCheck("well--actually--maybe--sure", false)
	if !dashes.IsSlop {
		t.Fatalf("expected em_dash_overuse violation")
	}
}
