// Package behavior implements the stateless pre-draft engagement gate
// and post-draft slop filter consulted once or twice per turn by the
// engine.
package behavior

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/homieagent/homie/pkg/logger"
	"github.com/homieagent/homie/pkg/providers"
)

const component = "behavior"

// DecisionKind tags the variant carried by a PreDraftDecision.
type DecisionKind string

const (
	DecisionSend    DecisionKind = "send"
	DecisionSilence DecisionKind = "silence"
	DecisionReact   DecisionKind = "react"
)

// PreDraftDecision is the result of DecidePreDraft.
type PreDraftDecision struct {
	Kind   DecisionKind
	Reason string
	Emoji  string
}

// RecentMessage is a narrow view onto a session row, enough for velocity
// and engagement-gate reasoning without behavior depending on pkg/session.
type RecentMessage struct {
	AuthorID    string
	Text        string
	TimestampMs int64
}

// SleepConfig mirrors config.SleepConfig.
type SleepConfig struct {
	Enabled    bool
	Timezone   string
	StartLocal string
	EndLocal   string
}

// Config configures one Engine instance.
type Config struct {
	Sleep            SleepConfig
	VelocityWindowMs int64
	GroupMaxChars    int
	DMMaxChars       int
}

// Engine is the BehaviorEngine: a stateless policy object, safe for
// concurrent use across chats.
type Engine struct {
	cfg      Config
	location *time.Location
	backend  *providers.Backend
}

// New builds an Engine. backend may be nil, in which case the group
// engagement gate always falls back to "send".
func New(cfg Config, backend *providers.Backend) *Engine {
	if cfg.VelocityWindowMs == 0 {
		cfg.VelocityWindowMs = 120_000
	}
	loc := time.UTC
	if cfg.Sleep.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Sleep.Timezone); err == nil {
			loc = l
		} else {
			logger.WarnCF(component, "invalid sleep timezone, defaulting to UTC", map[string]interface{}{"timezone": cfg.Sleep.Timezone, "error": err.Error()})
		}
	}
	return &Engine{cfg: cfg, location: loc, backend: backend}
}

var continuationRe = regexp.MustCompile(`(?i)(\band\s*$|\.\.\.\s*$|…\s*$|\balso,\s*$)`)

// PreDraftInput is everything DecidePreDraft needs, gathered by the
// engine from the session window before the gate runs.
type PreDraftInput struct {
	NowMs      int64
	IsGroup    bool
	Mentioned  bool
	IsOperator bool
	AuthorID   string
	Text       string
	// Prior is recent user messages in the velocity window, ascending,
	// excluding the current turn's text.
	Prior []RecentMessage
	// GateHistory is the last <=12 messages of any role for the group
	// engagement gate, ascending.
	GateHistory []RecentMessage
}

type velocitySnapshot struct {
	count           int
	uniqueAuthors   int
	avgGapMs        float64
	isBurst         bool
	isRapidDialogue bool
	isContinuation  bool
}

func (e *Engine) velocity(in PreDraftInput) velocitySnapshot {
	combined := make([]RecentMessage, 0, len(in.Prior)+1)
	combined = append(combined, in.Prior...)
	combined = append(combined, RecentMessage{AuthorID: in.AuthorID, Text: in.Text, TimestampMs: in.NowMs})

	var windowed []RecentMessage
	for _, m := range combined {
		if in.NowMs-m.TimestampMs <= e.cfg.VelocityWindowMs {
			windowed = append(windowed, m)
		}
	}

	authors := map[string]bool{}
	var gapSum float64
	gapCount := 0
	for i, m := range windowed {
		authors[m.AuthorID] = true
		if i > 0 {
			gapSum += float64(m.TimestampMs - windowed[i-1].TimestampMs)
			gapCount++
		}
	}
	avgGap := 0.0
	if gapCount > 0 {
		avgGap = gapSum / float64(gapCount)
	}

	return velocitySnapshot{
		count:           len(windowed),
		uniqueAuthors:   len(authors),
		avgGapMs:        avgGap,
		isBurst:         len(windowed) >= 3 && avgGap < 20_000,
		isRapidDialogue: len(authors) >= 2 && avgGap < 15_000,
		isContinuation:  continuationRe.MatchString(strings.ToLower(strings.TrimSpace(in.Text))),
	}
}

// SleepActive reports whether nowMs falls inside the configured sleep
// window. Exported for the heartbeat loop's suppression policy.
func (e *Engine) SleepActive(nowMs int64) bool {
	return e.sleepActive(nowMs)
}

func (e *Engine) sleepActive(nowMs int64) bool {
	if !e.cfg.Sleep.Enabled {
		return false
	}
	start, okStart := parseClock(e.cfg.Sleep.StartLocal)
	end, okEnd := parseClock(e.cfg.Sleep.EndLocal)
	if !okStart || !okEnd {
		return false
	}

	now := time.UnixMilli(nowMs).In(e.location)
	minutesNow := now.Hour()*60 + now.Minute()

	if start <= end {
		return minutesNow >= start && minutesNow < end
	}
	// Window wraps past midnight (e.g. 23:00 -> 07:00).
	return minutesNow >= start || minutesNow < end
}

func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// DecidePreDraft runs the sleep/velocity/engagement-gate policy chain
// described for the BehaviorEngine's pre-draft decision.
func (e *Engine) DecidePreDraft(ctx context.Context, in PreDraftInput) PreDraftDecision {
	if e.sleepActive(in.NowMs) && !strings.HasPrefix(strings.TrimSpace(in.Text), "/") {
		return PreDraftDecision{Kind: DecisionSilence, Reason: "sleep"}
	}

	v := e.velocity(in)

	if in.IsGroup && v.isRapidDialogue {
		return PreDraftDecision{Kind: DecisionSilence, Reason: "rapid_dialogue"}
	}
	if in.IsGroup && v.isBurst {
		return PreDraftDecision{Kind: DecisionSilence, Reason: "wait_burst"}
	}
	if v.isContinuation {
		return PreDraftDecision{Kind: DecisionSilence, Reason: "wait_continuation"}
	}

	if in.IsGroup {
		return e.engagementGate(ctx, in)
	}
	return PreDraftDecision{Kind: DecisionSend}
}

type gateDecision struct {
	Action string `json:"action"`
	Emoji  string `json:"emoji"`
	Reason string `json:"reason"`
}

const engagementGatePrompt = `You decide whether a friend persona should respond in a group chat. Given the recent conversation and the newest message, decide one of:
- "send": worth a text reply
- "react": a short emoji reaction is enough
- "silence": not worth responding to

Return ONLY JSON: {"action": "send|react|silence", "emoji": "", "reason": ""}

RECENT MESSAGES:
%s

NEWEST MESSAGE:
%s`

func (e *Engine) engagementGate(ctx context.Context, in PreDraftInput) PreDraftDecision {
	if e.backend == nil {
		return PreDraftDecision{Kind: DecisionSend}
	}

	var history strings.Builder
	for _, m := range in.GateHistory {
		history.WriteString(m.AuthorID)
		history.WriteString(": ")
		history.WriteString(m.Text)
		history.WriteString("\n")
	}

	result, err := e.backend.Complete(ctx, providers.CompleteParams{
		Role:     providers.RoleFast,
		MaxSteps: 1,
		Messages: []providers.Message{{Role: "user", Content: formatGatePrompt(history.String(), in.Text)}},
	})
	if err != nil {
		logger.WarnCF(component, "engagement gate completion failed, defaulting to send", map[string]interface{}{"error": err.Error()})
		return PreDraftDecision{Kind: DecisionSend}
	}

	var gd gateDecision
	if err := parseGateJSON(result.Text, &gd); err != nil {
		logger.DebugCF(component, "engagement gate parse failed, defaulting to send", map[string]interface{}{"error": err.Error()})
		return PreDraftDecision{Kind: DecisionSend}
	}

	switch gd.Action {
	case "react":
		if gd.Emoji == "" {
			return PreDraftDecision{Kind: DecisionSend}
		}
		return PreDraftDecision{Kind: DecisionReact, Emoji: gd.Emoji, Reason: gd.Reason}
	case "silence":
		reason := gd.Reason
		if reason == "" {
			reason = "engagement_gate"
		}
		return PreDraftDecision{Kind: DecisionSilence, Reason: reason}
	default:
		return PreDraftDecision{Kind: DecisionSend}
	}
}

// SlopResult is the result of PostDraftSlopCheck.
type SlopResult struct {
	IsSlop     bool
	Violations []string
}

var slopPhrases = []string{
	"i'd be happy to", "as an ai", "i'm just an ai", "i'm an ai",
	"let me know if", "feel free to", "is there anything else",
	"i don't have personal experiences", "happy to help",
	"i'm here to help", "as a language model",
}

var emojiRe = regexp.MustCompile(`[\x{1F300}-\x{1FAFF}\x{2600}-\x{27BF}]`)

// PostDraftSlopCheck flags assistant-y phrasing, em-dash overuse, emoji
// in prose, and excessive length against the configured per-target cap.
func (e *Engine) PostDraftSlopCheck(text string, isGroup bool) SlopResult {
	var violations []string
	lower := strings.ToLower(text)

	for _, p := range slopPhrases {
		if strings.Contains(lower, p) {
			violations = append(violations, "assistant_phrasing")
			break
		}
	}

	if strings.Count(text, "--") >= 3 {
		violations = append(violations, "em_dash_overuse")
	}

	if emojiRe.MatchString(text) {
		violations = append(violations, "emoji_in_prose")
	}

	limit := e.cfg.DMMaxChars
	if isGroup {
		limit = e.cfg.GroupMaxChars
	}
	if limit > 0 && len([]rune(text)) > limit {
		violations = append(violations, "excessive_length")
	}

	return SlopResult{IsSlop: len(violations) > 0, Violations: violations}
}
