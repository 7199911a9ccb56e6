// Package providers implements the LLM backend contract: complete(params)
// streaming text/tool-call completions, with concrete adapters for
// Anthropic and OpenAI-compatible backends plus a primary/fallback
// composition.
package providers

import "context"

// Message is one turn of a chat-style completion request.
type Message struct {
	Role       string // system | user | assistant | tool
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is a model-issued tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
	Function  *FunctionCall
}

// FunctionCall carries the raw, unparsed arguments string some backends
// return instead of a structured map.
type FunctionCall struct {
	Name      string
	Arguments string
}

// ToolDefinition describes a callable tool to the backend.
type ToolDefinition struct {
	Type     string
	Function ToolFunctionDef
}

// ToolFunctionDef is the JSON-schema shape of one tool.
type ToolFunctionDef struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// UsageInfo carries token accounting for a completion.
type UsageInfo struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// LLMResponse is the result of a non-streaming Chat call.
type LLMResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *UsageInfo
}

// StreamCallback receives incremental text as a streaming completion
// progresses.
type StreamCallback func(delta string)

// ToolExecutor runs one model-issued tool call and returns the text fed
// back to the model as that call's tool_result, plus whether the call
// failed.
type ToolExecutor func(ctx context.Context, name string, args map[string]interface{}) (result string, isError bool)

// ToolCallObserver and ToolResultObserver let a caller (the streaming
// variant of handleIncomingMessage) surface tool_call/tool_result events
// as the completion loop executes them.
type ToolCallObserver func(name string, args map[string]interface{})
type ToolResultObserver func(name, result string)

// LLMProvider is the narrow capability every concrete backend
// implements: a single request/response chat call.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error)
	GetDefaultModel() string
}

// StreamingProvider is implemented by backends that can stream text
// deltas as they are produced.
type StreamingProvider interface {
	ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}, onContent StreamCallback) (*LLMResponse, error)
}

// Role selects which configured model a completion should use: the
// primary "default" model for turn drafting, or "fast" for the
// behavior-engine's engagement gate and memory extraction passes.
type Role string

const (
	RoleDefault Role = "default"
	RoleFast    Role = "fast"
)

// CompleteParams is the engine-facing request shape named in Section 6's
// external interfaces.
type CompleteParams struct {
	Role     Role
	MaxSteps int
	Messages []Message
	Tools    []ToolDefinition
	Stream   StreamCallback

	// Executor runs a tool call issued by the model. If nil, any tool
	// calls in a response are left unexecuted and the loop stops after
	// the first step (the response's text, if any, is still returned).
	Executor     ToolExecutor
	OnToolCall   ToolCallObserver
	OnToolResult ToolResultObserver
}

// CompleteResult is the engine-facing response shape.
type CompleteResult struct {
	Text    string
	Steps   int
	Usage   *UsageInfo
	ModelID string
}

// Backend resolves a Role to a concrete model and provider, exposing the
// single `complete` entry point the turn engine calls.
type Backend struct {
	provider     LLMProvider
	defaultModel string
	fastModel    string
}

// NewBackend wires a provider (itself possibly a FallbackProvider) to the
// default/fast model names from configuration.
func NewBackend(provider LLMProvider, defaultModel, fastModel string) *Backend {
	return &Backend{provider: provider, defaultModel: defaultModel, fastModel: fastModel}
}

func (b *Backend) modelFor(role Role) string {
	if role == RoleFast && b.fastModel != "" {
		return b.fastModel
	}
	if b.defaultModel != "" {
		return b.defaultModel
	}
	return b.provider.GetDefaultModel()
}

// Complete implements the spec's complete(params) contract. When the
// model issues tool calls and params.Executor is set, Complete runs
// them and feeds their results back as a new turn, repeating until the
// model stops calling tools or params.MaxSteps is exhausted — this is
// the tool_call/tool_result iteration the streaming observer in section
// 4.7 step 7 demultiplexes.
func (b *Backend) Complete(ctx context.Context, params CompleteParams) (CompleteResult, error) {
	model := b.modelFor(params.Role)
	options := map[string]interface{}{"max_tokens": 4096, "temperature": 0.7}

	maxSteps := params.MaxSteps
	if maxSteps < 1 {
		maxSteps = 1
	}

	messages := params.Messages
	var usage *UsageInfo
	var resp *LLMResponse
	var err error

	for step := 1; ; step++ {
		if params.Stream != nil {
			if sp, ok := b.provider.(StreamingProvider); ok {
				resp, err = sp.ChatStream(ctx, messages, params.Tools, model, options, params.Stream)
			} else {
				resp, err = b.provider.Chat(ctx, messages, params.Tools, model, options)
				if err == nil && resp.Content != "" {
					params.Stream(resp.Content)
				}
			}
		} else {
			resp, err = b.provider.Chat(ctx, messages, params.Tools, model, options)
		}
		if err != nil {
			return CompleteResult{}, err
		}
		usage = accumulateUsage(usage, resp.Usage)

		if len(resp.ToolCalls) == 0 || params.Executor == nil || step >= maxSteps {
			return CompleteResult{Text: resp.Content, Steps: step, Usage: usage, ModelID: model}, nil
		}

		messages = append(messages, Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			name := tc.Name
			if name == "" && tc.Function != nil {
				name = tc.Function.Name
			}
			if params.OnToolCall != nil {
				params.OnToolCall(name, tc.Arguments)
			}
			result, isError := params.Executor(ctx, name, tc.Arguments)
			if params.OnToolResult != nil {
				params.OnToolResult(name, result)
			}
			messages = append(messages, Message{Role: "tool", Content: result, ToolCallID: tc.ID})
			_ = isError
		}
	}
}

func accumulateUsage(total, delta *UsageInfo) *UsageInfo {
	if delta == nil {
		return total
	}
	if total == nil {
		cp := *delta
		return &cp
	}
	total.PromptTokens += delta.PromptTokens
	total.CompletionTokens += delta.CompletionTokens
	total.TotalTokens += delta.TotalTokens
	return total
}
