package providers

import (
	"context"
	"errors"
	"testing"
)

type stubProvider struct {
	resp  *LLMResponse
	err   error
	model string
}

func (s *stubProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (s *stubProvider) GetDefaultModel() string { return s.model }

func TestFallbackProvider_ChatUsesFallbackOnPrimaryError(t *testing.T) {
	primary := &stubProvider{err: errors.New("primary down")}
	fallback := &stubProvider{resp: &LLMResponse{Content: "from fallback"}}

	p := NewFallbackProvider(primary, fallback, "primary-model", "fallback-model")

	resp, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, "primary-model", nil)
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if resp.Content != "from fallback" {
		t.Errorf("expected fallback response, got %q", resp.Content)
	}
}

func TestFallbackProvider_ChatReturnsErrorWhenBothFail(t *testing.T) {
	primary := &stubProvider{err: errors.New("primary down")}
	fallback := &stubProvider{err: errors.New("fallback down")}

	p := NewFallbackProvider(primary, fallback, "primary-model", "fallback-model")

	if _, err := p.Chat(context.Background(), nil, nil, "primary-model", nil); err == nil {
		t.Fatal("expected error when both providers fail")
	}
}

func TestFallbackProvider_ChatPrefersPrimaryOnSuccess(t *testing.T) {
	primary := &stubProvider{resp: &LLMResponse{Content: "from primary"}}
	fallback := &stubProvider{resp: &LLMResponse{Content: "from fallback"}}

	p := NewFallbackProvider(primary, fallback, "primary-model", "fallback-model")

	resp, err := p.Chat(context.Background(), nil, nil, "primary-model", nil)
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if resp.Content != "from primary" {
		t.Errorf("expected primary response, got %q", resp.Content)
	}
}

func TestBackend_ModelForRole(t *testing.T) {
	provider := &stubProvider{resp: &LLMResponse{Content: "ok"}, model: "provider-default"}
	b := NewBackend(provider, "configured-default", "configured-fast")

	if got := b.modelFor(RoleDefault); got != "configured-default" {
		t.Errorf("RoleDefault: expected configured-default, got %s", got)
	}
	if got := b.modelFor(RoleFast); got != "configured-fast" {
		t.Errorf("RoleFast: expected configured-fast, got %s", got)
	}
}

func TestBackend_CompleteReturnsTextAndModelID(t *testing.T) {
	provider := &stubProvider{resp: &LLMResponse{Content: "hello there"}}
	b := NewBackend(provider, "configured-default", "configured-fast")

	result, err := b.Complete(context.Background(), CompleteParams{Role: RoleDefault, Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if result.Text != "hello there" {
		t.Errorf("expected text %q, got %q", "hello there", result.Text)
	}
	if result.ModelID != "configured-default" {
		t.Errorf("expected modelId configured-default, got %s", result.ModelID)
	}
	if result.Steps != 1 {
		t.Errorf("expected 1 step with no tool calls, got %d", result.Steps)
	}
}

type toolCallingStub struct {
	calls int
}

func (s *toolCallingStub) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	s.calls++
	if s.calls == 1 {
		return &LLMResponse{ToolCalls: []ToolCall{{ID: "call-1", Name: "lookup", Arguments: map[string]interface{}{"q": "weather"}}}}, nil
	}
	return &LLMResponse{Content: "it's sunny"}, nil
}

func (s *toolCallingStub) GetDefaultModel() string { return "stub-model" }

func TestBackend_CompleteExecutesToolCallsAndLoops(t *testing.T) {
	provider := &toolCallingStub{}
	b := NewBackend(provider, "configured-default", "configured-fast")

	var executed []string
	result, err := b.Complete(context.Background(), CompleteParams{
		Role:     RoleDefault,
		MaxSteps: 4,
		Messages: []Message{{Role: "user", Content: "what's the weather"}},
		Executor: func(ctx context.Context, name string, args map[string]interface{}) (string, bool) {
			executed = append(executed, name)
			return "sunny, 72F", false
		},
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if result.Text != "it's sunny" {
		t.Errorf("expected final text %q, got %q", "it's sunny", result.Text)
	}
	if result.Steps != 2 {
		t.Errorf("expected 2 steps, got %d", result.Steps)
	}
	if len(executed) != 1 || executed[0] != "lookup" {
		t.Errorf("expected lookup tool to be executed once, got %v", executed)
	}
}

func TestBackend_CompleteStopsAtMaxSteps(t *testing.T) {
	provider := &toolCallingStub{}
	b := NewBackend(provider, "configured-default", "configured-fast")

	result, err := b.Complete(context.Background(), CompleteParams{
		Role:     RoleDefault,
		MaxSteps: 1,
		Messages: []Message{{Role: "user", Content: "what's the weather"}},
		Executor: func(ctx context.Context, name string, args map[string]interface{}) (string, bool) {
			t.Fatal("executor should not run when MaxSteps is exhausted on the first response")
			return "", false
		},
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if result.Steps != 1 {
		t.Errorf("expected loop to stop at MaxSteps=1, got %d steps", result.Steps)
	}
}
