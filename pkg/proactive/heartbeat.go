package proactive

import (
	"context"
	"hash/fnv"
	"math"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/time/rate"

	"github.com/homieagent/homie/pkg/logger"
	"github.com/homieagent/homie/pkg/memory"
	"github.com/homieagent/homie/pkg/outbound"
)

// sendPacing caps how fast a single tick delivers claimed events, so a
// backlog of simultaneously-due events doesn't fire all at once.
const sendPacing = 2 // events per second

// newContactDeferMs is how far out a non-critical event for a
// new_contact person is pushed by the safety gate (scenario F): the
// event is retried in 14 days, not released to busy-reclaim every tick.
const newContactDeferMs = 14 * 24 * 60 * 60 * 1000

// TierConfig bounds proactive outreach for one trust tier.
type TierConfig struct {
	MaxPerDay           int
	MaxPerWeek          int
	CooldownAfterUserMs int64
	PauseAfterIgnored   int
}

// Config configures the heartbeat loop.
type Config struct {
	Enabled             bool
	HeartbeatIntervalMs int64
	SkipRate            float64
	SleepCheck          func(nowMs int64) bool
	DM                  TierConfig
	Group               TierConfig
}

// minIntervalByTier implements the per-tier minimum interval since last
// send named in the spec's suppression policy.
var minIntervalByTier = map[memory.TrustTier]time.Duration{
	memory.TierCloseFriend:  5 * 24 * time.Hour,
	memory.TierEstablished:  14 * 24 * time.Hour,
	memory.TierGettingToKnow: 30 * 24 * time.Hour,
	memory.TierNewContact:   60 * 24 * time.Hour,
}

// Handler delivers a claimed event to a chat and reports whether the
// agent actually sent something (a handler may refuse to send).
type Handler func(ctx context.Context, e Event, tier memory.TrustTier) (sent bool, err error)

// TrustTierResolver resolves the trust tier for a DM chat. Group chats
// are always treated as no-tier (trust gating is DM-only per spec).
type TrustTierResolver func(chatID string) (memory.TrustTier, bool)

// HeartbeatLoop periodically claims due proactive events and, subject to
// a suppression policy, delivers them.
type HeartbeatLoop struct {
	scheduler *Scheduler
	ledger    *outbound.Ledger
	cfg       Config
	resolve   TrustTierResolver
	handle    Handler
	ticking   atomic.Bool
	limiter   *rate.Limiter
}

// NewHeartbeatLoop wires a scheduler, ledger, trust-tier resolver and
// delivery handler together.
func NewHeartbeatLoop(scheduler *Scheduler, ledger *outbound.Ledger, cfg Config, resolve TrustTierResolver, handle Handler) *HeartbeatLoop {
	return &HeartbeatLoop{
		scheduler: scheduler, ledger: ledger, cfg: cfg, resolve: resolve, handle: handle,
		limiter: rate.NewLimiter(rate.Limit(sendPacing), sendPacing),
	}
}

// Run ticks every HeartbeatIntervalMs until ctx is cancelled. Overlap is
// prevented: a slow tick causes the next timer fire to be skipped rather
// than queued.
func (h *HeartbeatLoop) Run(ctx context.Context) {
	if !h.cfg.Enabled {
		return
	}
	interval := time.Duration(h.cfg.HeartbeatIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.ticking.CompareAndSwap(false, true) {
				continue
			}
			h.tick(ctx)
			h.ticking.Store(false)
		}
	}
}

func (h *HeartbeatLoop) tick(ctx context.Context) {
	nowMs := time.Now().UnixMilli()

	if h.cfg.SleepCheck != nil && h.cfg.SleepCheck(nowMs) {
		return
	}

	claimID := newClaimID()
	events, err := h.scheduler.ClaimPendingEvents(ClaimParams{
		NowMs: nowMs, WindowMs: 0, Limit: 50, LeaseMs: 10 * 60 * 1000, ClaimID: claimID,
	})
	if err != nil {
		logger.WarnCF(component, "failed to claim pending events", map[string]interface{}{"error": err.Error()})
		return
	}

	for _, e := range events {
		h.processEvent(ctx, e, claimID, nowMs)
	}

	h.scanFollowUpCandidates(ctx, nowMs)
}

func (h *HeartbeatLoop) processEvent(ctx context.Context, e Event, claimID string, nowMs int64) {
	tier, isDM := memory.TierNewContact, false
	if h.resolve != nil {
		if t, ok := h.resolve(e.ChatID); ok {
			tier, isDM = t, true
		}
	}

	if isDM && !isSafeForTier(e.Kind, tier) {
		if err := h.scheduler.DeferEvent(e.ID, claimID, nowMs+newContactDeferMs); err != nil {
			logger.WarnCF(component, "failed to defer safety-gated claim", map[string]interface{}{"error": err.Error()})
		}
		return
	}

	tierCfg := h.cfg.DM
	isGroup := !isDM

	decision := h.shouldSuppressOutreach(e, tier, isGroup, nowMs, tierCfg)
	if decision.suppress {
		if decision.nextAttemptAtMs > 0 {
			_ = h.scheduler.DeferEvent(e.ID, claimID, decision.nextAttemptAtMs)
		} else {
			_ = h.scheduler.ReleaseClaim(e.ID, claimID)
		}
		return
	}

	if !isCritical(e.Kind) && h.skipRoll(e.ID, nowMs) {
		_ = h.scheduler.ReleaseClaim(e.ID, claimID)
		return
	}

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			_ = h.scheduler.ReleaseClaim(e.ID, claimID)
			return
		}
	}

	sent, err := h.handle(ctx, e, tier)
	if err != nil {
		logger.WarnCF(component, "proactive handler failed", map[string]interface{}{"error": err.Error(), "eventId": e.ID})
		_ = h.scheduler.ReleaseClaim(e.ID, claimID)
		return
	}

	if sent {
		_ = h.scheduler.MarkDelivered(e.ID, claimID, nowMs)
		_ = h.scheduler.LogProactiveSend(e.ChatID, &e.ID, isGroup, false, nowMs)
		return
	}

	// Handler refused to send.
	if isCritical(e.Kind) {
		_ = h.scheduler.DeferEvent(e.ID, claimID, nowMs+30*60*1000)
		return
	}
	_ = h.scheduler.MarkDelivered(e.ID, claimID, nowMs)
}

type suppressionDecision struct {
	suppress        bool
	nextAttemptAtMs int64
}

// shouldSuppressOutreach implements the ordered suppression checks from
// the spec's HeartbeatLoop section.
func (h *HeartbeatLoop) shouldSuppressOutreach(e Event, tier memory.TrustTier, isGroup bool, nowMs int64, tierCfg TierConfig) suppressionDecision {
	if isCritical(e.Kind) {
		return suppressionDecision{}
	}

	if minInterval, ok := minIntervalByTier[tier]; ok && !isGroup {
		if lastMs, found, err := h.scheduler.LastSendMsForChat(e.ChatID); err == nil && found {
			if nowMs-lastMs < int64(minInterval/time.Millisecond) {
				return suppressionDecision{suppress: true, nextAttemptAtMs: lastMs + int64(minInterval/time.Millisecond)}
			}
		}
	}

	if tierCfg.CooldownAfterUserMs > 0 {
		if lastMs, found, err := h.scheduler.LastSendMsForChat(e.ChatID); err == nil && found {
			if nowMs-lastMs < tierCfg.CooldownAfterUserMs {
				return suppressionDecision{suppress: true}
			}
		}
	}

	dayAgo := nowMs - 24*60*60*1000
	weekAgo := nowMs - 7*24*60*60*1000

	if tierCfg.MaxPerDay > 0 {
		if n, err := h.scheduler.CountRecentSendsForScope(isGroup, dayAgo); err == nil && n >= tierCfg.MaxPerDay {
			return suppressionDecision{suppress: true}
		}
	}
	if tierCfg.MaxPerWeek > 0 {
		if n, err := h.scheduler.CountRecentSendsForScope(isGroup, weekAgo); err == nil && n >= tierCfg.MaxPerWeek {
			return suppressionDecision{suppress: true}
		}
	}
	if isGroup {
		if tierCfg.MaxPerDay > 0 {
			if n, err := h.scheduler.CountRecentSendsForChat(e.ChatID, dayAgo); err == nil && n >= tierCfg.MaxPerDay {
				return suppressionDecision{suppress: true}
			}
		}
		if tierCfg.MaxPerWeek > 0 {
			if n, err := h.scheduler.CountRecentSendsForChat(e.ChatID, weekAgo); err == nil && n >= tierCfg.MaxPerWeek {
				return suppressionDecision{suppress: true}
			}
		}
	}

	consecutiveIgnored, err := h.scheduler.CountIgnoredRecent(e.ChatID, nowMs-30*24*60*60*1000)
	if err == nil {
		if tierCfg.PauseAfterIgnored > 0 && consecutiveIgnored >= tierCfg.PauseAfterIgnored {
			return suppressionDecision{suppress: true}
		}
		if consecutiveIgnored > 0 {
			lastMs, found, lastErr := h.scheduler.LastSendMsForChat(e.ChatID)
			if lastErr == nil && found {
				backoff := time.Duration(math.Pow(2, float64(consecutiveIgnored))) * time.Hour
				if backoff > 7*24*time.Hour {
					backoff = 7 * 24 * time.Hour
				}
				if nowMs-lastMs < int64(backoff/time.Millisecond) {
					return suppressionDecision{suppress: true, nextAttemptAtMs: lastMs + int64(backoff/time.Millisecond)}
				}
			}
		}
	}

	return suppressionDecision{}
}

// skipRoll implements the stable anti-predictability skip: FNV-1a over
// eventId and a 6-hour time bucket, compared against skipRate.
func (h *HeartbeatLoop) skipRoll(eventID int64, nowMs int64) bool {
	if h.cfg.SkipRate <= 0 {
		return false
	}
	const sixHoursMs = 6 * 60 * 60 * 1000
	bucket := nowMs / sixHoursMs

	hasher := fnv.New32a()
	hasher.Write([]byte{
		byte(eventID), byte(eventID >> 8), byte(eventID >> 16), byte(eventID >> 24),
		byte(eventID >> 32), byte(eventID >> 40), byte(eventID >> 48), byte(eventID >> 56),
		byte(bucket), byte(bucket >> 8), byte(bucket >> 16), byte(bucket >> 24),
	})
	roll := float64(hasher.Sum32()%10000) / 10000
	return roll < h.cfg.SkipRate
}

func isCritical(kind string) bool {
	return kind == "reminder" || kind == "birthday"
}

func isSafeForTier(kind string, tier memory.TrustTier) bool {
	switch tier {
	case memory.TierNewContact:
		return isCritical(kind)
	case memory.TierGettingToKnow:
		return true
	default:
		return true
	}
}

// scanFollowUpCandidates synthesizes a virtual follow-up event for DMs
// with an unanswered send 3-7 days old and fewer than 2 currently
// outstanding, subject to the same suppression rules.
func (h *HeartbeatLoop) scanFollowUpCandidates(ctx context.Context, nowMs int64) {
	const threeDaysMs = 3 * 24 * 60 * 60 * 1000
	const sevenDaysMs = 7 * 24 * 60 * 60 * 1000

	rows, err := h.ledger.ListUnansweredInWindow(outbound.ListUnansweredParams{
		MinSentAtMs: nowMs - sevenDaysMs,
		MaxSentAtMs: nowMs - threeDaysMs,
		Limit:       200,
	})
	if err != nil {
		logger.WarnCF(component, "failed to scan follow-up candidates", map[string]interface{}{"error": err.Error()})
		return
	}

	seen := map[string]int{}
	for _, r := range rows {
		if r.IsGroup {
			continue
		}
		seen[r.ChatID]++
	}

	for chatID, count := range seen {
		if count >= 2 {
			continue
		}
		tier, isDM := memory.TierNewContact, false
		if h.resolve != nil {
			if t, ok := h.resolve(chatID); ok {
				tier, isDM = t, true
			}
		}
		if !isDM {
			continue
		}
		virtual := Event{ID: -1, ChatID: chatID, Kind: "follow_up_candidate", Subject: "", TriggerAtMs: nowMs}
		decision := h.shouldSuppressOutreach(virtual, tier, false, nowMs, h.cfg.DM)
		if decision.suppress {
			continue
		}
		if _, err := h.handle(ctx, virtual, tier); err != nil {
			logger.WarnCF(component, "follow-up handler failed", map[string]interface{}{"error": err.Error(), "chatId": chatID})
		}
	}
}

func newClaimID() string {
	return "claim-" + time.Now().Format("20060102T150405.000000000")
}

// ParseRecurrence reports whether expr is a valid cron-style expression
// according to gronx. Nothing computes a next due time from such an
// expression: MarkDelivered reschedules only RecurrenceYearly events.
func ParseRecurrence(expr string) bool {
	return gronx.IsValid(expr)
}
