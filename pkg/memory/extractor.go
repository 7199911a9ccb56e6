package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/homieagent/homie/pkg/logger"
	"github.com/homieagent/homie/pkg/providers"
)

// thinkTagRe strips <think>...</think> reasoning blocks some models emit
// ahead of their actual JSON answer.
var thinkTagRe = regexp.MustCompile(`(?s)<think>.*?</think>\s*`)

// ExtractedCandidate is one Pass 1 candidate fact.
type ExtractedCandidate struct {
	Content  string `json:"content"`
	Category string `json:"category"`
}

// ExtractedEvent is one Pass 1 candidate proactive event.
type ExtractedEvent struct {
	Kind        string `json:"kind"`
	Subject     string `json:"subject"`
	TriggerAtMs int64  `json:"triggerAtMs"`
	Recurrence  string `json:"recurrence"`
}

type extractionResult struct {
	Facts  []ExtractedCandidate `json:"facts"`
	Events []ExtractedEvent     `json:"events"`
}

// ReconcileAction is one Pass 2 instruction against the person's
// existing fact set.
type ReconcileAction struct {
	Type        string `json:"type"` // add | update | delete | none
	ExistingIdx int    `json:"existingIdx"`
	Content     string `json:"content"`
}

type reconciliationResult struct {
	Actions []ReconcileAction `json:"actions"`
}

// EventSink persists proactive events extracted from a conversation.
// Scoped narrowly to avoid a direct dependency on pkg/proactive's
// Scheduler type.
type EventSink interface {
	AddEvent(chatID, kind, subject string, triggerAtMs int64, recurrence string, nowMs int64) error
}

// Extractor runs the off-critical-path, two-pass extraction and
// reconciliation pipeline described for MemoryExtractor.
type Extractor struct {
	backend *providers.Backend
	store   *Store
	events  EventSink
}

// NewExtractor wires a completion backend, the memory store it
// reconciles facts against, and the sink extracted events are persisted
// to.
func NewExtractor(backend *providers.Backend, store *Store, events EventSink) *Extractor {
	return &Extractor{backend: backend, store: store, events: events}
}

const extractionPrompt = `You extract durable facts and scheduled events from one conversation turn. Never attribute the assistant's own statements to the user as facts.

Return ONLY JSON of this shape:
{"facts": [{"content": "...", "category": "preference|personal|plan|professional|relationship|misc"}], "events": [{"kind": "reminder|birthday|checkin", "subject": "...", "triggerAtMs": 0, "recurrence": "" }]}

Return empty arrays for small talk, greetings, or messages with no durable content.
Only include an event if the user explicitly asked to be reminded or scheduled something with a clear time.

USER MESSAGE:
%s

ASSISTANT REPLY:
%s`

// ExtractCandidates runs Pass 1. isDM gates whether extracted events are
// accepted at all (events are DM-only); nowMs bounds accepted
// triggerAtMs to [now-5min, now+366d].
func (ex *Extractor) ExtractCandidates(ctx context.Context, userMsg, assistantMsg string, isDM bool, nowMs int64) (extractionResult, error) {
	var out extractionResult
	if strings.TrimSpace(userMsg) == "" {
		return out, nil
	}

	prompt := fmt.Sprintf(extractionPrompt, userMsg, truncate(assistantMsg, 2000))

	result, err := ex.backend.Complete(ctx, providers.CompleteParams{
		Role:     providers.RoleFast,
		MaxSteps: 2,
		Messages: []providers.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return out, fmt.Errorf("extraction completion: %w", err)
	}

	if err := parseJSONLoose(result.Text, &out); err != nil {
		return out, fmt.Errorf("parsing extraction result: %w", err)
	}

	if !isDM {
		out.Events = nil
		return out, nil
	}

	const fiveMinMs = 5 * 60 * 1000
	const year366Ms = 366 * 24 * 60 * 60 * 1000
	filtered := out.Events[:0]
	for _, e := range out.Events {
		if e.TriggerAtMs < nowMs-fiveMinMs || e.TriggerAtMs > nowMs+year366Ms {
			continue
		}
		filtered = append(filtered, e)
	}
	out.Events = filtered

	return out, nil
}

const reconciliationPrompt = `You manage a person's fact store. New candidate facts were extracted from a conversation. Existing facts about this person are listed below with sequential indices.

Decide one action per candidate:
- "add": candidate is new information, keep it as-is
- "update": candidate supersedes an existing fact (give existingIdx)
- "delete": an existing fact is now obsolete because of the candidate (give existingIdx, content may be empty)
- "none": candidate duplicates an existing fact, no action needed

Return ONLY JSON: {"actions": [{"type": "add|update|delete|none", "existingIdx": 0, "content": "..."}]}

EXISTING FACTS:
%s

CANDIDATE FACTS:
%s`

// ReconcileAndApply runs Pass 2 against up to 30 existing facts for
// personID and applies the resulting actions. On parse failure, every
// candidate is added as-is. Any error here is swallowed by the caller
// per the invariant that extraction failures never log a lesson.
func (ex *Extractor) ReconcileAndApply(ctx context.Context, personID string, candidates []ExtractedCandidate, nowMs int64) {
	if len(candidates) == 0 {
		return
	}

	joined := make([]string, 0, len(candidates))
	for _, c := range candidates {
		joined = append(joined, c.Content)
	}
	existing, err := ex.store.HybridSearchFacts(strings.Join(joined, " "), 30, DefaultRetrievalConfig, nowMs)
	if err != nil {
		logger.WarnCF(component, "reconciliation search failed, adding all candidates", map[string]interface{}{"error": err.Error()})
		ex.addAll(candidates, personID, nowMs)
		return
	}
	ownFacts := existing[:0]
	for _, f := range existing {
		if f.PersonID == personID {
			ownFacts = append(ownFacts, f)
		}
	}
	existing = ownFacts
	if len(existing) == 0 {
		ex.addAll(candidates, personID, nowMs)
		return
	}

	var existingLines []string
	for i, f := range existing {
		existingLines = append(existingLines, fmt.Sprintf("[%d] %s", i, f.Content))
	}
	var candidateLines []string
	for _, c := range candidates {
		candidateLines = append(candidateLines, fmt.Sprintf("- %s (%s)", c.Content, c.Category))
	}

	prompt := fmt.Sprintf(reconciliationPrompt, strings.Join(existingLines, "\n"), strings.Join(candidateLines, "\n"))

	result, err := ex.backend.Complete(ctx, providers.CompleteParams{
		Role:     providers.RoleFast,
		MaxSteps: 2,
		Messages: []providers.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		logger.WarnCF(component, "reconciliation completion failed, adding all candidates", map[string]interface{}{"error": err.Error()})
		ex.addAll(candidates, personID, nowMs)
		return
	}

	var rec reconciliationResult
	if err := parseJSONLoose(result.Text, &rec); err != nil {
		logger.WarnCF(component, "reconciliation parse failed, adding all candidates", map[string]interface{}{"error": err.Error()})
		ex.addAll(candidates, personID, nowMs)
		return
	}

	for i, action := range rec.Actions {
		category := ""
		if i < len(candidates) {
			category = candidates[i].Category
		}
		switch action.Type {
		case "add":
			content := action.Content
			if content == "" && i < len(candidates) {
				content = candidates[i].Content
			}
			if _, err := ex.store.AddFact(Fact{PersonID: personID, Content: content, Category: FactCategory(category)}, nowMs); err != nil {
				logger.WarnCF(component, "failed to add reconciled fact", map[string]interface{}{"error": err.Error()})
			}
		case "update":
			if action.ExistingIdx < 0 || action.ExistingIdx >= len(existing) {
				continue
			}
			if err := ex.store.UpdateFact(existing[action.ExistingIdx].ID, action.Content); err != nil {
				logger.WarnCF(component, "failed to update reconciled fact", map[string]interface{}{"error": err.Error()})
			}
		case "delete":
			if action.ExistingIdx < 0 || action.ExistingIdx >= len(existing) {
				continue
			}
			if err := ex.store.DeleteFact(existing[action.ExistingIdx].ID); err != nil {
				logger.WarnCF(component, "failed to delete reconciled fact", map[string]interface{}{"error": err.Error()})
			}
		case "none":
			// no-op
		}
	}
}

func (ex *Extractor) addAll(candidates []ExtractedCandidate, personID string, nowMs int64) {
	for _, c := range candidates {
		if _, err := ex.store.AddFact(Fact{PersonID: personID, Content: c.Content, Category: FactCategory(c.Category)}, nowMs); err != nil {
			logger.WarnCF(component, "failed to add candidate fact", map[string]interface{}{"error": err.Error()})
		}
	}
}

// RunBackground runs both passes and persists any accepted events,
// swallowing all errors — this is the engine's background post-turn
// hook and must never surface to the caller or mutate the session.
func (ex *Extractor) RunBackground(ctx context.Context, personID, chatID, userMsg, assistantMsg string, isDM bool, nowMs int64) {
	defer func() {
		if r := recover(); r != nil {
			logger.WarnCF(component, "extraction panicked, discarding", map[string]interface{}{"recover": fmt.Sprintf("%v", r)})
		}
	}()

	candidates, err := ex.ExtractCandidates(ctx, userMsg, assistantMsg, isDM, nowMs)
	if err != nil {
		logger.WarnCF(component, "extraction pass failed", map[string]interface{}{"error": err.Error()})
		return
	}

	if len(candidates.Facts) > 0 {
		ex.ReconcileAndApply(ctx, personID, candidates.Facts, nowMs)
	}

	if ex.events != nil {
		for _, e := range candidates.Events {
			if err := ex.events.AddEvent(chatID, e.Kind, e.Subject, e.TriggerAtMs, e.Recurrence, nowMs); err != nil {
				logger.WarnCF(component, "failed to persist extracted event", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// parseJSONLoose strips think-tags and markdown fences before
// unmarshaling, the same tolerant pattern applied throughout this
// codebase's LLM-facing JSON parsing.
func parseJSONLoose(raw string, out interface{}) error {
	content := strings.TrimSpace(raw)
	content = thinkTagRe.ReplaceAllString(content, "")
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("parse json: %w (response: %s)", err, truncate(content, 200))
	}
	return nil
}

func truncate(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}
