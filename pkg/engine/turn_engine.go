package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/homieagent/homie/pkg/behavior"
	"github.com/homieagent/homie/pkg/bus"
	"github.com/homieagent/homie/pkg/config"
	"github.com/homieagent/homie/pkg/feedback"
	"github.com/homieagent/homie/pkg/lifecycle"
	"github.com/homieagent/homie/pkg/lock"
	"github.com/homieagent/homie/pkg/logger"
	"github.com/homieagent/homie/pkg/memory"
	"github.com/homieagent/homie/pkg/outbound"
	"github.com/homieagent/homie/pkg/proactive"
	"github.com/homieagent/homie/pkg/providers"
	"github.com/homieagent/homie/pkg/session"
	"github.com/homieagent/homie/pkg/telemetry"
	"github.com/homieagent/homie/pkg/accumulator"
	"github.com/homieagent/homie/pkg/tools"
)

const component = "engine"

const defaultSessionMaxTokens = 6000

// Deps is every collaborator the turn engine needs. Wiring lives in
// cmd/homie/main.go; the engine itself never constructs a dependency.
type Deps struct {
	Bus         *bus.MessageBus
	Lock        *lock.PerKeyLock
	Accumulator *accumulator.MessageAccumulator
	Sessions    *session.Store
	Memory      *memory.Store
	Outbound    *outbound.Ledger
	Feedback    *feedback.Tracker
	Scheduler   *proactive.Scheduler
	Extractor   *memory.Extractor
	Behavior    *behavior.Engine
	Backend     *providers.Backend
	Telemetry   *telemetry.Tracker
	Tools       *tools.Registry
	Lifecycle   *lifecycle.Lifecycle
	Config      *config.Config

	// Identity is the system-role persona prompt, always the first
	// message of every completion.
	Identity string
	// PersonaReminder is the short reminder CompactIfNeeded re-inserts
	// after summarizing a session's oldest prefix.
	PersonaReminder string
}

// Engine is the per-process turn state machine described in section 4.7:
// one HandleIncomingMessage call per inbound message, serialized per
// chat by deps.Lock so a chat's turns never interleave.
type Engine struct {
	deps   Deps
	dedupe *dedupeCache
}

// New constructs a turn engine. The dedupe cache's 5-minute TTL matches
// the window channel adapters are expected to retry delivery within.
func New(deps Deps) *Engine {
	return &Engine{
		deps:   deps,
		dedupe: newDedupeCache(5*time.Minute, 10_000),
	}
}

// Drain waits for background work (memory extraction, feedback
// finalization) spawned off completed turns to finish, for a clean
// shutdown.
func (e *Engine) Drain() error {
	if e.deps.Lifecycle == nil {
		return nil
	}
	return e.deps.Lifecycle.Drain()
}

// HandleIncomingMessage runs the non-streaming variant of the per-turn
// state machine (steps 1-11 of section 4.7) and returns the single
// OutgoingAction the caller should publish.
func (e *Engine) HandleIncomingMessage(ctx context.Context, msg bus.IncomingMessage) bus.OutgoingAction {
	action := e.handleTurn(ctx, msg)
	action.ChatID = msg.ChatID
	return action
}

// HandleIncomingMessageStream is the streaming variant: the same state
// machine, but the drafting completion is observed over events as it
// runs. events is owned by the caller; this call never closes it.
func (e *Engine) HandleIncomingMessageStream(ctx context.Context, msg bus.IncomingMessage, events chan<- bus.StreamEvent) bus.OutgoingAction {
	ctx = withStreamSink(ctx, events)
	if events != nil {
		events <- bus.StreamEvent{Kind: bus.EventPhase, Phase: "drafting"}
	}
	action := e.handleTurn(ctx, msg)
	action.ChatID = msg.ChatID
	if events != nil {
		events <- bus.StreamEvent{Kind: bus.EventDone}
	}
	return action
}

// handleTurn implements steps 1-2: dedupe, then debounce, then hands off
// to the per-chat serialized body.
func (e *Engine) handleTurn(ctx context.Context, msg bus.IncomingMessage) bus.OutgoingAction {
	nowMs := time.Now().UnixMilli()

	dedupeKey := msg.Channel + ":" + msg.ChatID + ":" + msg.MessageID
	if e.dedupe.CheckAndSet(dedupeKey, nowMs) {
		return bus.Silence("duplicate_message")
	}

	debounceMs := e.deps.Accumulator.PushAndGetDebounceMs(msg, nowMs)
	if debounceMs > 0 {
		if !sleepCancellable(ctx, time.Duration(debounceMs)*time.Millisecond) {
			return bus.Silence("aborted")
		}
	}

	var result bus.OutgoingAction
	if err := e.deps.Lock.RunExclusive(msg.ChatID, func() error {
		result = e.runTurnLocked(ctx, msg.ChatID)
		return nil
	}); err != nil {
		logger.ErrorCF(component, "turn lock failed", map[string]interface{}{"error": err.Error(), "chatId": msg.ChatID})
		return bus.Silence("turn_error")
	}
	return result
}

// runTurnLocked implements steps 2-11 under the per-chat lock: drain the
// accumulator, persist the combined user turn, run the pre-draft gate,
// draft a reply, and emit it. Every failure from here on converts to a
// silence action; the user's turn is already durably persisted by then.
func (e *Engine) runTurnLocked(ctx context.Context, chatID string) bus.OutgoingAction {
	start := time.Now()

	drained := e.deps.Accumulator.Drain(chatID)
	if len(drained) == 0 {
		// A sibling turn already serialized ahead of us and drained
		// everything buffered for this chat; nothing left to do.
		return bus.Silence("coalesced_into_earlier_turn")
	}
	combinedText, head := combineBuffered(drained)
	nowMs := time.Now().UnixMilli()

	prior, gateHistory := e.buildBehaviorHistory(chatID)

	if err := e.persistUserTurn(head, combinedText, nowMs); err != nil {
		logger.ErrorCF(component, "failed to persist user turn", map[string]interface{}{"error": err.Error(), "chatId": chatID})
		e.recordTurn(chatID, "silence", "turn_error", start, nowMs)
		return bus.Silence("turn_error")
	}

	e.markIncomingReply(head.ChatID, nowMs)

	personID := e.trackPersonIfDM(head, nowMs)

	predraft := e.deps.Behavior.DecidePreDraft(ctx, behavior.PreDraftInput{
		NowMs:       nowMs,
		IsGroup:     head.IsGroup,
		Mentioned:   head.Mentioned,
		IsOperator:  head.IsOperator,
		AuthorID:    head.AuthorID,
		Text:        combinedText,
		Prior:       prior,
		GateHistory: gateHistory,
	})

	switch predraft.Kind {
	case behavior.DecisionSilence:
		e.logSilenceLesson(predraft.Reason)
		e.recordTurn(chatID, "silence", predraft.Reason, start, nowMs)
		return bus.Silence(predraft.Reason)
	case behavior.DecisionReact:
		e.appendReactionRow(chatID, predraft.Emoji, nowMs)
		e.logReactionEpisode(head, combinedText, predraft.Emoji, personID, nowMs)
		e.recordTurn(chatID, "react", predraft.Reason, start, nowMs)
		return bus.React(predraft.Emoji, head.AuthorID, head.TimestampMs)
	}

	draft, err := e.draftReply(ctx, head, combinedText, personID, nowMs)
	if err != nil {
		logger.WarnCF(component, "draft failed", map[string]interface{}{"error": err.Error(), "chatId": chatID})
		e.recordTurn(chatID, "silence", "turn_error", start, nowMs)
		return bus.Silence("turn_error")
	}

	// Step 8: a strictly newer message may have been pushed onto the
	// accumulator while the completion above was in flight. Discard this
	// draft rather than answer a question that's already been superseded.
	if e.deps.Accumulator.HasBuffered(chatID) {
		e.recordTurn(chatID, "silence", "stale_discard", start, nowMs)
		return bus.Silence("stale_discard")
	}

	if strings.TrimSpace(draft) == "" {
		e.recordTurn(chatID, "silence", "empty_output", start, nowMs)
		return bus.Silence("empty_output")
	}

	e.applySendDelay(ctx, draft, head.IsGroup)

	action := e.persistAndEmit(head, personID, draft, nowMs)
	e.recordTurn(chatID, string(action.Kind), "", start, nowMs)
	return action
}

func (e *Engine) persistUserTurn(head bus.IncomingMessage, combinedText string, nowMs int64) error {
	_, err := e.deps.Sessions.AppendMessage(session.Message{
		ChatID:          head.ChatID,
		Role:            session.RoleUser,
		Content:         combinedText,
		CreatedAtMs:     nowMs,
		AuthorID:        head.AuthorID,
		AuthorName:      head.AuthorDisplayName,
		SourceMessageID: head.MessageID,
	})
	return err
}

// markIncomingReply treats any incoming message as an answer to whatever
// the agent last sent in that chat, closing the loop the proactive
// scheduler's follow-up scan and the feedback tracker both depend on.
func (e *Engine) markIncomingReply(chatID string, nowMs int64) {
	if e.deps.Outbound == nil {
		return
	}
	if err := e.deps.Outbound.OnIncomingReply(outbound.OnIncomingReplyParams{ChatID: chatID, TimestampMs: nowMs}); err != nil {
		logger.WarnCF(component, "failed to mark incoming reply", map[string]interface{}{"error": err.Error(), "chatId": chatID})
		return
	}
	if e.deps.Feedback == nil {
		return
	}
	refKey, ok, err := e.deps.Outbound.LastRefKeyForChat(chatID, nowMs)
	if err != nil || !ok {
		return
	}
	if err := e.deps.Feedback.ObserveReply(refKey, nowMs); err != nil {
		logger.WarnCF(component, "failed to observe reply for feedback", map[string]interface{}{"error": err.Error(), "chatId": chatID})
	}
}

func (e *Engine) trackPersonIfDM(head bus.IncomingMessage, nowMs int64) string {
	if head.IsGroup || e.deps.Memory == nil {
		return ""
	}
	person, err := e.deps.Memory.TrackPerson(head.Channel, head.AuthorID, head.AuthorDisplayName, nowMs)
	if err != nil {
		logger.WarnCF(component, "failed to track person", map[string]interface{}{"error": err.Error()})
		return ""
	}
	return person.ID
}

func (e *Engine) buildBehaviorHistory(chatID string) (prior, gateHistory []behavior.RecentMessage) {
	msgs, err := e.deps.Sessions.GetMessages(chatID, 12)
	if err != nil {
		logger.WarnCF(component, "failed to load behavior history", map[string]interface{}{"error": err.Error()})
		return nil, nil
	}
	for _, m := range msgs {
		if m.Role == session.RoleSystem {
			continue
		}
		rm := behavior.RecentMessage{AuthorID: m.AuthorID, Text: m.Content, TimestampMs: m.CreatedAtMs}
		gateHistory = append(gateHistory, rm)
		if m.Role == session.RoleUser {
			prior = append(prior, rm)
		}
	}
	return prior, gateHistory
}

func (e *Engine) logSilenceLesson(reason string) {
	if e.deps.Memory == nil {
		return
	}
	if err := e.deps.Memory.AddLesson("observation", "silence_decision", reason, 0); err != nil {
		logger.WarnCF(component, "failed to log silence lesson", map[string]interface{}{"error": err.Error()})
	}
}

func (e *Engine) appendReactionRow(chatID, emoji string, nowMs int64) {
	if _, err := e.deps.Sessions.AppendMessage(session.Message{
		ChatID:      chatID,
		Role:        session.RoleAssistant,
		Content:     fmt.Sprintf("[REACTION] %s", emoji),
		CreatedAtMs: nowMs,
	}); err != nil {
		logger.WarnCF(component, "failed to append reaction row", map[string]interface{}{"error": err.Error()})
	}
}

func (e *Engine) logReactionEpisode(head bus.IncomingMessage, combinedText, emoji, personID string, nowMs int64) {
	if e.deps.Memory == nil {
		return
	}
	if _, err := e.deps.Memory.AddEpisode(memory.Episode{
		ChatID:    head.ChatID,
		PersonID:  personID,
		IsGroup:   head.IsGroup,
		Content:   fmt.Sprintf("USER: %s\nFRIEND: [REACTION] %s", combinedText, emoji),
		Extracted: true,
	}, nowMs); err != nil {
		logger.WarnCF(component, "failed to log reaction episode", map[string]interface{}{"error": err.Error()})
	}
}

// draftReply implements steps 5, 6, 7, 9, and 11: prompt assembly,
// completion, post-draft slop regeneration, and one context-overflow
// recovery retry.
func (e *Engine) draftReply(ctx context.Context, head bus.IncomingMessage, combinedText, personID string, nowMs int64) (string, error) {
	text, err := e.completeOnce(ctx, head, combinedText, personID, nowMs, nil)
	if err != nil {
		if !isContextOverflow(err) {
			return "", err
		}
		if cerr := e.forceCompact(head.ChatID); cerr != nil {
			return "", cerr
		}
		text, err = e.completeOnce(ctx, head, combinedText, personID, nowMs, nil)
		if err != nil {
			return "", err
		}
	}

	slop := e.deps.Behavior.PostDraftSlopCheck(text, head.IsGroup)
	if slop.IsSlop {
		if regenerated, rerr := e.regenerate(ctx, head, combinedText, personID, nowMs, slop.Violations); rerr == nil && strings.TrimSpace(regenerated) != "" {
			text = regenerated
		}
	}

	if head.IsGroup {
		text = collapseNewlines(text)
	}
	return text, nil
}

func (e *Engine) completeOnce(ctx context.Context, head bus.IncomingMessage, combinedText, personID string, nowMs int64, extra []providers.Message) (string, error) {
	prompt, err := e.buildPrompt(head.ChatID, combinedText, personID, nowMs)
	if err != nil {
		return "", err
	}
	prompt = append(prompt, extra...)

	toolDefs := e.selectTools(head)
	params := providers.CompleteParams{
		Role:     providers.RoleDefault,
		MaxSteps: 4,
		Messages: prompt,
		Tools:    toolDefs,
	}
	if len(toolDefs) > 0 && e.deps.Tools != nil {
		params.Executor = func(ctx context.Context, name string, args map[string]interface{}) (string, bool) {
			res := e.deps.Tools.Execute(ctx, name, args)
			return res.ForLLM, res.IsError
		}
	}
	if sink, ok := streamSinkFromContext(ctx); ok {
		params.Stream = func(delta string) {
			sink <- bus.StreamEvent{Kind: bus.EventTextDelta, Text: delta}
		}
		params.OnToolCall = func(name string, args map[string]interface{}) {
			sink <- bus.StreamEvent{Kind: bus.EventToolCall, Tool: name, ToolArgs: args}
		}
		params.OnToolResult = func(name, result string) {
			sink <- bus.StreamEvent{Kind: bus.EventToolResult, Tool: name, ToolResult: result}
		}
	}

	result, err := e.deps.Backend.Complete(ctx, params)
	if err != nil {
		return "", err
	}
	if e.deps.Telemetry != nil && result.Usage != nil {
		if terr := e.deps.Telemetry.RecordLLMCall(telemetry.LLMCallEvent{
			ChatID:       head.ChatID,
			Role:         string(providers.RoleDefault),
			Model:        result.ModelID,
			InputTokens:  result.Usage.PromptTokens,
			OutputTokens: result.Usage.CompletionTokens,
			CreatedAtMs:  nowMs,
		}); terr != nil {
			logger.WarnCF(component, "failed to record llm call telemetry", map[string]interface{}{"error": terr.Error()})
		}
	}
	return result.Text, nil
}

const regeneratePromptFmt = "Your previous reply had these issues: %s. Rewrite it, correcting them. Reply with ONLY the corrected message text, nothing else."

func (e *Engine) regenerate(ctx context.Context, head bus.IncomingMessage, combinedText, personID string, nowMs int64, violations []string) (string, error) {
	instruction := providers.Message{Role: "system", Content: fmt.Sprintf(regeneratePromptFmt, strings.Join(violations, ", "))}
	return e.completeOnce(ctx, head, combinedText, personID, nowMs, []providers.Message{instruction})
}

func (e *Engine) forceCompact(chatID string) error {
	if e.deps.Sessions == nil {
		return nil
	}
	_, err := e.deps.Sessions.CompactIfNeeded(chatID, session.CompactOptions{
		MaxTokens:       defaultSessionMaxTokens,
		PersonaReminder: e.deps.PersonaReminder,
		Force:           true,
		Summarize: func(formattedPrefix string) (string, error) {
			result, cerr := e.deps.Backend.Complete(context.Background(), providers.CompleteParams{
				Role:     providers.RoleFast,
				MaxSteps: 1,
				Messages: []providers.Message{{Role: "user", Content: "Summarize this conversation prefix concisely, in a few sentences:\n" + formattedPrefix}},
			})
			if cerr != nil {
				return "", cerr
			}
			return result.Text, nil
		},
	})
	return err
}

// selectTools implements the tool-tier gate of step 6: safe tools are
// always offered, restricted/dangerous tiers require both an operator
// author and an explicit config opt-in, and any message that looks like
// a prompt-injection attempt gets no tools at all.
func (e *Engine) selectTools(head bus.IncomingMessage) []providers.ToolDefinition {
	if e.deps.Tools == nil {
		return nil
	}
	if looksLikeInjection(head.Text) {
		return nil
	}

	cfg := e.deps.Config.Tools
	allowed := map[string]bool{}
	for _, t := range e.deps.Tools.All() {
		switch t.Tier() {
		case tools.TierSafe:
			allowed[t.Name()] = true
		case tools.TierRestricted:
			if head.IsOperator && tierAllows(cfg.Restricted, t.Name()) {
				allowed[t.Name()] = true
			}
		case tools.TierDangerous:
			if head.IsOperator && tierAllows(cfg.Dangerous, t.Name()) {
				allowed[t.Name()] = true
			}
		}
	}
	return e.deps.Tools.Definitions(allowed)
}

func tierAllows(cfg config.ToolTierConfig, name string) bool {
	if !cfg.EnabledForOperator {
		return false
	}
	if cfg.AllowAll {
		return true
	}
	for _, n := range cfg.Allowlist {
		if n == name {
			return true
		}
	}
	return false
}

// persistAndEmit implements step 10: append the assistant row, record
// the send against every downstream ledger, and kick off background
// memory extraction.
func (e *Engine) persistAndEmit(head bus.IncomingMessage, personID, text string, nowMs int64) bus.OutgoingAction {
	if _, err := e.deps.Sessions.AppendMessage(session.Message{
		ChatID:      head.ChatID,
		Role:        session.RoleAssistant,
		Content:     text,
		CreatedAtMs: nowMs,
	}); err != nil {
		logger.WarnCF(component, "failed to persist assistant turn", map[string]interface{}{"error": err.Error()})
	}

	refKey := refKeyFor(head.Channel, head.ChatID)
	if e.deps.Outbound != nil {
		if _, err := e.deps.Outbound.RecordSend(outbound.RecordSendParams{
			ChatID:               head.ChatID,
			Text:                 text,
			MessageType:          outbound.Reactive,
			SentAtMs:             nowMs,
			RefKey:               refKey,
			PrimaryChannelUserID: head.AuthorID,
			IsGroup:              head.IsGroup,
		}); err != nil {
			logger.WarnCF(component, "failed to record outbound send", map[string]interface{}{"error": err.Error()})
		}
	}
	if e.deps.Feedback != nil {
		if err := e.deps.Feedback.ObserveSend(refKey, head.ChatID, personID, nowMs); err != nil {
			logger.WarnCF(component, "failed to observe send for feedback", map[string]interface{}{"error": err.Error()})
		}
	}
	if e.deps.Memory != nil {
		if _, err := e.deps.Memory.AddEpisode(memory.Episode{
			ChatID:   head.ChatID,
			PersonID: personID,
			IsGroup:  head.IsGroup,
			Content:  fmt.Sprintf("USER: %s\nFRIEND: %s", head.Text, text),
		}, nowMs); err != nil {
			logger.WarnCF(component, "failed to log episode", map[string]interface{}{"error": err.Error()})
		}
		if personID != "" {
			if err := e.deps.Memory.RecordObservation(personID, len(head.Text), len(text), nowMs); err != nil {
				logger.WarnCF(component, "failed to record observation counters", map[string]interface{}{"error": err.Error()})
			}
		}
	}

	if e.deps.Extractor != nil && e.deps.Lifecycle != nil {
		userText, assistantText, isDM := head.Text, text, !head.IsGroup
		e.deps.Lifecycle.Go("memory-extraction", func(ctx context.Context) error {
			e.deps.Extractor.RunBackground(ctx, personID, head.ChatID, userText, assistantText, isDM, nowMs)
			return nil
		})
	}

	action := bus.SendText(text)
	action.ChatID = head.ChatID
	return action
}

// applySendDelay implements the deterministic, length-scaled pre-send
// pause described in the external interfaces section: disabled whenever
// maxDelayMs is non-positive, otherwise linear between min and max over
// a few hundred characters of reply length.
func (e *Engine) applySendDelay(ctx context.Context, text string, isGroup bool) {
	cfg := e.deps.Config.Behavior
	if cfg.MaxDelayMs <= 0 {
		return
	}
	minMs, maxMs := cfg.MinDelayMs, cfg.MaxDelayMs
	if maxMs < minMs {
		maxMs = minMs
	}
	const scaleChars = 400
	frac := float64(len(text)) / float64(scaleChars)
	if frac > 1 {
		frac = 1
	}
	delayMs := minMs + int(frac*float64(maxMs-minMs))
	sleepCancellable(ctx, time.Duration(delayMs)*time.Millisecond)
}

// HandleProactiveEvent implements proactive.Handler: draft and send one
// agent-initiated message for a due event, serialized through the same
// per-chat lock as reactive turns so the two families of turns never
// race on the same session.
func (e *Engine) HandleProactiveEvent(ctx context.Context, ev proactive.Event, tier memory.TrustTier) (bool, error) {
	var sent bool
	var runErr error
	if err := e.deps.Lock.RunExclusive(ev.ChatID, func() error {
		sent, runErr = e.runProactiveLocked(ctx, ev)
		return nil
	}); err != nil {
		return false, err
	}
	return sent, runErr
}

func (e *Engine) runProactiveLocked(ctx context.Context, ev proactive.Event) (bool, error) {
	nowMs := time.Now().UnixMilli()
	isGroup := isGroupChat(ev.ChatID)
	channel := channelFromChatID(ev.ChatID)

	personID := ""
	if !isGroup && e.deps.Memory != nil {
		if channelUserID, ok := dmChannelUserID(ev.ChatID); ok {
			if person, err := e.deps.Memory.TrackPerson(channel, channelUserID, "", nowMs); err == nil {
				personID = person.ID
			}
		}
	}

	prompt, err := e.buildPrompt(ev.ChatID, ev.Subject, personID, nowMs)
	if err != nil {
		return false, err
	}
	instruction := providers.Message{
		Role: "system",
		Content: fmt.Sprintf("You are initiating contact on your own; this is not a reply. "+
			"Reason: %s (%s). Write one short, natural message that fits this context. "+
			"Reply with ONLY the message text.", ev.Kind, ev.Subject),
	}
	prompt = append(prompt, instruction)

	result, err := e.deps.Backend.Complete(ctx, providers.CompleteParams{Role: providers.RoleDefault, MaxSteps: 2, Messages: prompt})
	if err != nil {
		return false, err
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return false, nil
	}

	slop := e.deps.Behavior.PostDraftSlopCheck(text, isGroup)
	if slop.IsSlop {
		// Refuse rather than risk an off-persona unsolicited message; on a
		// false return the heartbeat loop defers a reminder or birthday by
		// 30 minutes and marks any other event delivered.
		return false, nil
	}
	if isGroup {
		text = collapseNewlines(text)
	}

	e.persistAndEmitProactive(ev, personID, channel, text, isGroup, nowMs)
	return true, nil
}

func (e *Engine) persistAndEmitProactive(ev proactive.Event, personID, channel, text string, isGroup bool, nowMs int64) {
	if _, err := e.deps.Sessions.AppendMessage(session.Message{
		ChatID:      ev.ChatID,
		Role:        session.RoleAssistant,
		Content:     text,
		CreatedAtMs: nowMs,
	}); err != nil {
		logger.WarnCF(component, "failed to persist proactive turn", map[string]interface{}{"error": err.Error()})
	}

	refKey := refKeyFor(channel, ev.ChatID)
	if e.deps.Outbound != nil {
		if _, err := e.deps.Outbound.RecordSend(outbound.RecordSendParams{
			ChatID:      ev.ChatID,
			Text:        text,
			MessageType: outbound.Proactive,
			SentAtMs:    nowMs,
			RefKey:      refKey,
			IsGroup:     isGroup,
		}); err != nil {
			logger.WarnCF(component, "failed to record proactive send", map[string]interface{}{"error": err.Error()})
		}
	}
	if e.deps.Feedback != nil {
		if err := e.deps.Feedback.ObserveSend(refKey, ev.ChatID, personID, nowMs); err != nil {
			logger.WarnCF(component, "failed to observe proactive send for feedback", map[string]interface{}{"error": err.Error()})
		}
	}
	if e.deps.Memory != nil {
		if _, err := e.deps.Memory.AddEpisode(memory.Episode{
			ChatID:   ev.ChatID,
			PersonID: personID,
			IsGroup:  isGroup,
			Content:  fmt.Sprintf("FRIEND (proactive %s): %s", ev.Kind, text),
		}, nowMs); err != nil {
			logger.WarnCF(component, "failed to log proactive episode", map[string]interface{}{"error": err.Error()})
		}
	}

	if e.deps.Bus != nil {
		action := bus.SendText(text)
		action.ChatID = ev.ChatID
		e.deps.Bus.PublishOutbound(channel, action)
	}
}

func (e *Engine) recordTurn(chatID, outcome, reason string, start time.Time, nowMs int64) {
	if e.deps.Telemetry == nil {
		return
	}
	if err := e.deps.Telemetry.RecordTurn(telemetry.TurnEvent{
		ChatID:      chatID,
		Outcome:     outcome,
		Reason:      reason,
		DurationMs:  time.Since(start).Milliseconds(),
		CreatedAtMs: nowMs,
	}); err != nil {
		logger.WarnCF(component, "failed to record turn telemetry", map[string]interface{}{"error": err.Error()})
	}
}

// combineBuffered folds a debounced burst into one logical turn: every
// message but the last is prefixed in arrival order, the last one is the
// "head" whose metadata (author, attachments, mention flag) drives
// gating for the whole turn.
func combineBuffered(msgs []bus.IncomingMessage) (string, bus.IncomingMessage) {
	head := msgs[len(msgs)-1]
	if len(msgs) == 1 {
		return head.Text, head
	}
	var b strings.Builder
	for _, m := range msgs[:len(msgs)-1] {
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	b.WriteString(head.Text)
	return b.String(), head
}

func refKeyFor(channel, chatID string) string {
	return channel + ":" + chatID + ":" + uuid.New().String()
}

func channelFromChatID(chatID string) string {
	switch {
	case strings.HasPrefix(chatID, "cli:"):
		return "cli"
	case strings.HasPrefix(chatID, "signal:"):
		return "signal"
	case strings.HasPrefix(chatID, "tg:"):
		return "telegram"
	default:
		return ""
	}
}

func isGroupChat(chatID string) bool {
	if strings.HasPrefix(chatID, "signal:group:") {
		return true
	}
	if rest, ok := strings.CutPrefix(chatID, "tg:"); ok {
		return strings.HasPrefix(rest, "-")
	}
	return false
}

// dmChannelUserID extracts the per-channel user identifier embedded in a
// DM chatId, for the rare proactive event whose event-author person
// record hasn't been tracked from a reactive turn yet.
func dmChannelUserID(chatID string) (string, bool) {
	switch {
	case strings.HasPrefix(chatID, "cli:"):
		return strings.TrimPrefix(chatID, "cli:"), true
	case strings.HasPrefix(chatID, "signal:dm:"):
		return strings.TrimPrefix(chatID, "signal:dm:"), true
	case strings.HasPrefix(chatID, "tg:"):
		return strings.TrimPrefix(chatID, "tg:"), true
	default:
		return "", false
	}
}

func sleepCancellable(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

var multiNewlineRe = regexp.MustCompile(`\n{2,}`)

func collapseNewlines(s string) string {
	return multiNewlineRe.ReplaceAllString(s, " ")
}

// injectionPatterns flags the crude jailbreak phrasing and fake role
// markers seen in prompt-injection attempts; a hit disables tool access
// for the turn entirely rather than trying to sanitize the text.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all )?previous instructions`),
	regexp.MustCompile(`(?i)disregard (all )?(prior|previous) instructions`),
	regexp.MustCompile(`<\|?system\|?>`),
	regexp.MustCompile(`(?i)<<SYS>>`),
	regexp.MustCompile(`(?i)you are now`),
}

// spoofedScriptRe flags combining-mark and fullwidth-form characters
// sometimes used to visually disguise injected instructions.
var spoofedScriptRe = regexp.MustCompile(`[\x{0300}-\x{036F}\x{FF00}-\x{FFEF}]`)

func looksLikeInjection(text string) bool {
	for _, re := range injectionPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return spoofedScriptRe.MatchString(text)
}

type streamSinkKey struct{}

func withStreamSink(ctx context.Context, sink chan<- bus.StreamEvent) context.Context {
	if sink == nil {
		return ctx
	}
	return context.WithValue(ctx, streamSinkKey{}, sink)
}

func streamSinkFromContext(ctx context.Context) (chan<- bus.StreamEvent, bool) {
	sink, ok := ctx.Value(streamSinkKey{}).(chan<- bus.StreamEvent)
	return sink, ok
}
