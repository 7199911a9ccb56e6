// Package tools defines the Tool contract the engine offers to the LLM
// backend during a turn, plus the registry and tier model that gates
// which tools a given turn may see.
package tools

import (
	"context"
	"sync"

	"github.com/homieagent/homie/pkg/providers"
)

// Tier classifies a tool by the trust level required to expose it. Every
// turn for a non-operator sees only TierSafe tools; operators can unlock
// the rest via config.
type Tier string

const (
	TierSafe       Tier = "safe"
	TierRestricted Tier = "restricted"
	TierDangerous  Tier = "dangerous"
)

// ToolResult is what a Tool.Execute call hands back to the engine's
// completion loop.
type ToolResult struct {
	ForLLM  string // text fed back to the model as the tool_result content
	Silent  bool   // true if the user should never see this result directly
	IsError bool
	Err     error
}

// ErrorResult is the common-case constructor for a failed tool call.
func ErrorResult(msg string) *ToolResult {
	return &ToolResult{ForLLM: msg, IsError: true}
}

// SilentResult wraps a successful result that carries no user-facing
// content of its own.
func SilentResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM, Silent: true}
}

// Tool is the capability-set interface every tool implements.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Tier() Tier
	Execute(ctx context.Context, args map[string]interface{}) *ToolResult
}

// Registry holds the set of tools known to the process. Tools are
// registered once at startup; Definitions filters by name on every
// turn, never by mutating the registry itself.
type Registry struct {
	mu    sync.Mutex
	tools map[string]Tool
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any prior tool registered under the
// same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool registered under name, if any.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns every registered tool in registration order.
func (r *Registry) All() []Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Tool, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.tools[n])
	}
	return out
}

// Execute runs the named tool, returning an error ToolResult if it is
// not registered rather than failing the whole turn.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *ToolResult {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult("unknown tool: " + name)
	}
	return t.Execute(ctx, args)
}

// Definitions returns the provider-facing tool definitions for every
// registered tool whose name is present (and true) in allowed. Order
// matches registration order for prompt-cache stability.
func (r *Registry) Definitions(allowed map[string]bool) []providers.ToolDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()
	var defs []providers.ToolDefinition
	for _, n := range r.order {
		if !allowed[n] {
			continue
		}
		t := r.tools[n]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionDef{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}
