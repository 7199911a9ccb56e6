package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/homieagent/homie/pkg/logger"
	"github.com/homieagent/homie/pkg/providers"
)

// ConsolidationConfig configures ConsolidationLoop.
type ConsolidationConfig struct {
	IntervalMs int64
	Limit      int
	LeaseMs    int64
}

// DefaultConsolidationConfig ticks often enough that a busy group's
// capsule stays current without burning fast-model calls on every
// episode insert.
var DefaultConsolidationConfig = ConsolidationConfig{
	IntervalMs: 10 * 60 * 1000,
	Limit:      20,
	LeaseMs:    5 * 60 * 1000,
}

// ConsolidationLoop periodically claims group_capsule_dirty and
// public_style_dirty rows and regenerates the corresponding capsule with
// a fast-model completion, mirroring the ProactiveScheduler's
// claim-lease-release pattern (Section 9: "memory dirty-queue claims
// mirror the ProactiveScheduler's claim pattern").
type ConsolidationLoop struct {
	store   *Store
	backend *providers.Backend
	cfg     ConsolidationConfig
}

// NewConsolidationLoop wires a memory store and completion backend into
// a consolidation loop using cfg (zero value falls back to
// DefaultConsolidationConfig's timing).
func NewConsolidationLoop(store *Store, backend *providers.Backend, cfg ConsolidationConfig) *ConsolidationLoop {
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = DefaultConsolidationConfig.IntervalMs
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultConsolidationConfig.Limit
	}
	if cfg.LeaseMs <= 0 {
		cfg.LeaseMs = DefaultConsolidationConfig.LeaseMs
	}
	return &ConsolidationLoop{store: store, backend: backend, cfg: cfg}
}

// Run ticks every cfg.IntervalMs until ctx is cancelled.
func (c *ConsolidationLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(c.cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick claims and processes one round of dirty group capsules and
// public-style capsules. Exported so callers (and tests) can drive a
// single pass deterministically instead of waiting on the ticker.
func (c *ConsolidationLoop) Tick(ctx context.Context) {
	nowMs := time.Now().UnixMilli()
	claimID := newConsolidationClaimID()

	chatIDs, err := c.store.ClaimDirtyGroupCapsules(ClaimDirtyGroupCapsulesParams{
		NowMs: nowMs, Limit: c.cfg.Limit, LeaseMs: c.cfg.LeaseMs, ClaimID: claimID,
	})
	if err != nil {
		logger.WarnCF(component, "failed to claim dirty group capsules", map[string]interface{}{"error": err.Error()})
	}
	for _, chatID := range chatIDs {
		c.consolidateGroupCapsule(ctx, chatID, claimID, nowMs)
	}

	personIDs, err := c.store.ClaimDirtyPublicStyles(ClaimDirtyPublicStylesParams{
		NowMs: nowMs, Limit: c.cfg.Limit, LeaseMs: c.cfg.LeaseMs, ClaimID: claimID,
	})
	if err != nil {
		logger.WarnCF(component, "failed to claim dirty public styles", map[string]interface{}{"error": err.Error()})
	}
	for _, personID := range personIDs {
		c.consolidatePublicStyle(ctx, personID, claimID, nowMs)
	}
}

const groupCapsulePrompt = `Summarize this group chat's recent activity into a short capsule (2-4 sentences): who participates, what topics recur, the group's tone. Write plainly, no preamble.

RECENT MESSAGES:
%s`

func (c *ConsolidationLoop) consolidateGroupCapsule(ctx context.Context, chatID, claimID string, nowMs int64) {
	episodes, err := c.store.RecentEpisodesForChat(chatID, 40)
	if err != nil {
		logger.WarnCF(component, "failed to load episodes for group capsule", map[string]interface{}{"error": err.Error(), "chatId": chatID})
		_ = c.store.ReleaseDirtyGroupCapsuleClaim(chatID, claimID)
		return
	}
	if len(episodes) == 0 {
		_ = c.store.ClearDirtyGroupCapsule(chatID, claimID, nowMs)
		return
	}

	prompt := fmt.Sprintf(groupCapsulePrompt, joinEpisodeContent(episodes))
	result, err := c.backend.Complete(ctx, providers.CompleteParams{
		Role:     providers.RoleFast,
		MaxSteps: 1,
		Messages: []providers.Message{{Role: "user", Content: prompt}},
	})
	if err != nil || strings.TrimSpace(result.Text) == "" {
		if err != nil {
			logger.WarnCF(component, "group capsule completion failed", map[string]interface{}{"error": err.Error(), "chatId": chatID})
		}
		_ = c.store.ReleaseDirtyGroupCapsuleClaim(chatID, claimID)
		return
	}

	if err := c.store.SetGroupCapsule(chatID, strings.TrimSpace(result.Text), nowMs); err != nil {
		logger.WarnCF(component, "failed to persist group capsule", map[string]interface{}{"error": err.Error(), "chatId": chatID})
		_ = c.store.ReleaseDirtyGroupCapsuleClaim(chatID, claimID)
		return
	}
	_ = c.store.ClearDirtyGroupCapsule(chatID, claimID, nowMs)
}

const publicStylePrompt = `Describe this person's conversational style in one or two short sentences (tone, typical message length, what they tend to talk about). No preamble, no "the user"; write it as a style note for someone matching their tone.

RECENT MESSAGES:
%s`

func (c *ConsolidationLoop) consolidatePublicStyle(ctx context.Context, personID, claimID string, nowMs int64) {
	episodes, err := c.store.RecentEpisodesForPerson(personID, 30)
	if err != nil {
		logger.WarnCF(component, "failed to load episodes for public style", map[string]interface{}{"error": err.Error(), "personId": personID})
		_ = c.store.ReleaseDirtyPublicStyleClaim(personID, claimID)
		return
	}
	if len(episodes) == 0 {
		_ = c.store.ClearDirtyPublicStyle(personID, claimID, nowMs)
		return
	}

	prompt := fmt.Sprintf(publicStylePrompt, joinEpisodeContent(episodes))
	result, err := c.backend.Complete(ctx, providers.CompleteParams{
		Role:     providers.RoleFast,
		MaxSteps: 1,
		Messages: []providers.Message{{Role: "user", Content: prompt}},
	})
	if err != nil || strings.TrimSpace(result.Text) == "" {
		if err != nil {
			logger.WarnCF(component, "public style completion failed", map[string]interface{}{"error": err.Error(), "personId": personID})
		}
		_ = c.store.ReleaseDirtyPublicStyleClaim(personID, claimID)
		return
	}

	if err := c.store.SetPublicStyleCapsule(personID, strings.TrimSpace(result.Text), nowMs); err != nil {
		logger.WarnCF(component, "failed to persist public style capsule", map[string]interface{}{"error": err.Error(), "personId": personID})
		_ = c.store.ReleaseDirtyPublicStyleClaim(personID, claimID)
		return
	}
	_ = c.store.ClearDirtyPublicStyle(personID, claimID, nowMs)
}

func joinEpisodeContent(episodes []Episode) string {
	var b strings.Builder
	for _, e := range episodes {
		b.WriteString(e.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func newConsolidationClaimID() string {
	return "consolidate-" + time.Now().Format("20060102T150405.000000000")
}
