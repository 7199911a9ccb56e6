package engine

import (
	"fmt"
	"strings"

	"github.com/homieagent/homie/pkg/logger"
	"github.com/homieagent/homie/pkg/memory"
	"github.com/homieagent/homie/pkg/providers"
	"github.com/homieagent/homie/pkg/session"
)

// buildPrompt assembles the full message list for a turn: identity
// system message, external-data blocks (memory, session notes), then
// conversation history. No step here ever lets raw user text or tool
// output reach the system role.
func (e *Engine) buildPrompt(chatID, currentText, personID string, nowMs int64) ([]providers.Message, error) {
	var messages []providers.Message
	messages = append(messages, providers.Message{Role: "system", Content: e.deps.Identity})

	if e.deps.Config.Memory.Enabled && e.deps.Memory != nil {
		if block := e.buildMemoryExternalBlock(chatID, currentText, personID, nowMs); block != "" {
			messages = append(messages, providers.Message{Role: "user", Content: block})
		}
	}

	if block := e.buildSessionNotesBlock(chatID); block != "" {
		messages = append(messages, providers.Message{Role: "user", Content: block})
	}

	history, err := e.conversationHistory(chatID)
	if err != nil {
		return nil, err
	}
	messages = append(messages, history...)

	return messages, nil
}

func (e *Engine) retrievalConfig() memory.RetrievalConfig {
	r := e.deps.Config.Memory.Retrieval
	cfg := memory.DefaultRetrievalConfig
	if r.RRFK > 0 {
		cfg.RRFK = r.RRFK
	}
	if r.FTSWeight > 0 {
		cfg.FTSWeight = r.FTSWeight
	}
	if r.VecWeight > 0 {
		cfg.VecWeight = r.VecWeight
	}
	if r.RecencyWeight > 0 {
		cfg.RecencyWeight = r.RecencyWeight
	}
	if e.deps.Config.Memory.Decay.HalfLifeDays > 0 {
		cfg.HalfLifeDays = float64(e.deps.Config.Memory.Decay.HalfLifeDays)
	}
	return cfg
}

func (e *Engine) buildMemoryExternalBlock(chatID, currentText, personID string, nowMs int64) string {
	cfg := e.retrievalConfig()

	facts, err := e.deps.Memory.HybridSearchFacts(currentText, 8, cfg, nowMs)
	if err != nil {
		logger.WarnCF(component, "memory fact search failed", map[string]interface{}{"error": err.Error()})
	}
	episodes, err := e.deps.Memory.HybridSearchEpisodes(currentText, 5, cfg, nowMs)
	if err != nil {
		logger.WarnCF(component, "memory episode search failed", map[string]interface{}{"error": err.Error()})
	}

	var personCapsule, styleCapsule string
	if personID != "" {
		if p, err := e.deps.Memory.GetPerson(personID); err == nil {
			personCapsule = p.Capsule
			styleCapsule = p.PublicStyleCapsule
		}
	}

	var groupCapsule string
	if isGroupChat(chatID) {
		if gc, err := e.deps.Memory.GetGroupCapsule(chatID); err == nil {
			groupCapsule = gc
		}
	}

	if len(facts) == 0 && len(episodes) == 0 && personCapsule == "" && styleCapsule == "" && groupCapsule == "" {
		return ""
	}

	var b strings.Builder
	b.WriteString("<external title=\"memory_context\">\n")
	if personCapsule != "" {
		fmt.Fprintf(&b, "person_capsule: %s\n", escapeExternal(personCapsule))
	}
	if styleCapsule != "" {
		fmt.Fprintf(&b, "person_style: %s\n", escapeExternal(styleCapsule))
	}
	if groupCapsule != "" {
		fmt.Fprintf(&b, "group_capsule: %s\n", escapeExternal(groupCapsule))
	}
	for _, f := range facts {
		fmt.Fprintf(&b, "fact[%s]: %s\n", f.Category, escapeExternal(f.Content))
	}
	for _, ep := range episodes {
		fmt.Fprintf(&b, "episode: %s\n", escapeExternal(ep.Content))
	}
	b.WriteString("</external>")
	return b.String()
}

func (e *Engine) buildSessionNotesBlock(chatID string) string {
	msgs, err := e.deps.Sessions.GetMessages(chatID, 200)
	if err != nil {
		logger.WarnCF(component, "loading session notes failed", map[string]interface{}{"error": err.Error()})
		return ""
	}

	var notes []string
	for _, m := range msgs {
		if m.Role == session.RoleSystem {
			notes = append(notes, escapeExternal(m.Content))
		}
	}
	if len(notes) == 0 {
		return ""
	}
	return "<external title=\"session_notes\">\n" + strings.Join(notes, "\n---\n") + "\n</external>"
}

// conversationHistory translates recent session rows to provider
// messages, excluding stored system rows — those are folded into the
// session_notes external block above instead.
func (e *Engine) conversationHistory(chatID string) ([]providers.Message, error) {
	msgs, err := e.deps.Sessions.GetMessages(chatID, 40)
	if err != nil {
		return nil, fmt.Errorf("loading conversation history: %w", err)
	}
	var out []providers.Message
	for _, m := range msgs {
		if m.Role == session.RoleSystem {
			continue
		}
		out = append(out, providers.Message{Role: string(m.Role), Content: m.Content})
	}
	return out, nil
}

// escapeExternal prevents content wrapped in an <external> envelope from
// breaking out of it or spoofing a trusted system block.
func escapeExternal(s string) string {
	s = strings.ReplaceAll(s, "</external>", "&lt;/external&gt;")
	s = strings.ReplaceAll(s, "<system>", "&lt;system&gt;")
	return s
}
