// Command homie runs the agent process: it loads configuration, opens
// every domain's sqlite store, wires the turn engine and proactive
// heartbeat loop, and starts whichever channel adapters are enabled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"

	"github.com/homieagent/homie/pkg/accumulator"
	adaptercli "github.com/homieagent/homie/pkg/adapters/cli"
	adaptersignal "github.com/homieagent/homie/pkg/adapters/signal"
	adaptertelegram "github.com/homieagent/homie/pkg/adapters/telegram"
	"github.com/homieagent/homie/pkg/behavior"
	"github.com/homieagent/homie/pkg/bus"
	"github.com/homieagent/homie/pkg/config"
	"github.com/homieagent/homie/pkg/engine"
	"github.com/homieagent/homie/pkg/feedback"
	"github.com/homieagent/homie/pkg/identity"
	"github.com/homieagent/homie/pkg/lifecycle"
	"github.com/homieagent/homie/pkg/lock"
	"github.com/homieagent/homie/pkg/logger"
	"github.com/homieagent/homie/pkg/memory"
	"github.com/homieagent/homie/pkg/outbound"
	"github.com/homieagent/homie/pkg/proactive"
	"github.com/homieagent/homie/pkg/providers"
	"github.com/homieagent/homie/pkg/session"
	"github.com/homieagent/homie/pkg/telemetry"
	"github.com/homieagent/homie/pkg/tools"
)

const component = "main"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "homie:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := "./homie.toml"
	if v := os.Getenv("HOMIE_CONFIG"); v != "" {
		configPath = v
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger.Configure(os.Stderr, zerolog.InfoLevel, false)

	persona, err := identity.Load(cfg.Paths.IdentityDir)
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}

	lc := lifecycle.New(context.Background())

	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	lc.RegisterCloser(stores.close)

	backend, err := buildBackend(cfg)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	registry.Register(tools.NewThinkTool())
	if cfg.Memory.Enabled && stores.memory != nil {
		registry.Register(tools.NewMemorySearchTool(stores.memory, memory.DefaultRetrievalConfig))
	}

	var extractor *memory.Extractor
	if cfg.Memory.Enabled && stores.memory != nil {
		extractor = memory.NewExtractor(backend, stores.memory, proactive.ExtractorSink{Scheduler: stores.scheduler})
	}

	var feedbackTracker *feedback.Tracker
	if cfg.Memory.Feedback.Enabled && stores.memory != nil {
		feedbackTracker, err = feedback.Open(filepath.Join(cfg.Paths.DataDir, "feedback.db"), feedback.Options{
			FinalizeAfterMs:  cfg.Memory.Feedback.FinalizeAfterMs,
			SuccessThreshold: cfg.Memory.Feedback.SuccessThreshold,
			FailureThreshold: cfg.Memory.Feedback.FailureThreshold,
			Lessons:          stores.memory,
			Scorer:           stores.memory,
		})
		if err != nil {
			return fmt.Errorf("opening feedback tracker: %w", err)
		}
		lc.RegisterCloser(feedbackTracker.Close)
	}

	msgBus := bus.NewMessageBus(256)

	behaviorEngine := behavior.New(behavior.Config{
		Sleep: behavior.SleepConfig{
			Enabled:    cfg.Behavior.Sleep.Enabled,
			Timezone:   cfg.Behavior.Sleep.Timezone,
			StartLocal: cfg.Behavior.Sleep.StartLocal,
			EndLocal:   cfg.Behavior.Sleep.EndLocal,
		},
		VelocityWindowMs: 5 * 60 * 1000,
		GroupMaxChars:    cfg.Behavior.GroupMaxChars,
		DMMaxChars:       cfg.Behavior.DMMaxChars,
	}, backend)

	turnEngine := engine.New(engine.Deps{
		Bus:             msgBus,
		Lock:            lock.NewPerKeyLock(),
		Accumulator:     accumulator.New(int64(cfg.Behavior.DebounceMs)),
		Sessions:        stores.sessions,
		Memory:          stores.memory,
		Outbound:        stores.outbound,
		Feedback:        feedbackTracker,
		Scheduler:       stores.scheduler,
		Extractor:       extractor,
		Behavior:        behaviorEngine,
		Backend:         backend,
		Telemetry:       stores.telemetry,
		Tools:           registry,
		Lifecycle:       lc,
		Config:          cfg,
		Identity:        persona.Identity,
		PersonaReminder: persona.PersonaReminder,
	})

	if cfg.Proactive.Enabled && stores.scheduler != nil && stores.outbound != nil {
		heartbeat := proactive.NewHeartbeatLoop(stores.scheduler, stores.outbound, proactive.Config{
			Enabled:             cfg.Proactive.Enabled,
			HeartbeatIntervalMs: cfg.Proactive.HeartbeatIntervalMs,
			SkipRate:            cfg.Proactive.SkipRate,
			SleepCheck:          behaviorEngine.SleepActive,
			DM: proactive.TierConfig{
				MaxPerDay:           cfg.Proactive.DM.MaxPerDay,
				MaxPerWeek:          cfg.Proactive.DM.MaxPerWeek,
				CooldownAfterUserMs: cfg.Proactive.DM.CooldownAfterUserMs,
				PauseAfterIgnored:   cfg.Proactive.DM.PauseAfterIgnored,
			},
			Group: proactive.TierConfig{
				MaxPerDay:           cfg.Proactive.Group.MaxPerDay,
				MaxPerWeek:          cfg.Proactive.Group.MaxPerWeek,
				CooldownAfterUserMs: cfg.Proactive.Group.CooldownAfterUserMs,
				PauseAfterIgnored:   cfg.Proactive.Group.PauseAfterIgnored,
			},
		}, trustTierResolver(stores.memory), turnEngine.HandleProactiveEvent)
		lc.Go("heartbeat", func(ctx context.Context) error {
			heartbeat.Run(ctx)
			return nil
		})
	}

	if feedbackTracker != nil {
		lc.Go("feedback-finalize", func(ctx context.Context) error {
			runFeedbackFinalizeLoop(ctx, feedbackTracker)
			return nil
		})
	}

	if cfg.Memory.Enabled && cfg.Memory.Capsule.Enabled && stores.memory != nil {
		consolidation := memory.NewConsolidationLoop(stores.memory, backend, memory.DefaultConsolidationConfig)
		lc.Go("memory-consolidation", func(ctx context.Context) error {
			consolidation.Run(ctx)
			return nil
		})
	}

	streamRenderers, err := startAdapters(lc, cfg, msgBus)
	if err != nil {
		return err
	}

	lc.Go("inbound-dispatch", func(ctx context.Context) error {
		dispatchInbound(ctx, msgBus, turnEngine, streamRenderers)
		return nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.InfoCF(component, "shutting down", nil)
	if err := turnEngine.Drain(); err != nil {
		logger.WarnCF(component, "drain did not complete cleanly", map[string]interface{}{"error": err.Error()})
	}
	return lc.Shutdown(30 * time.Second)
}

// dispatchInbound pulls every inbound message off the bus and runs it
// through the turn engine, publishing the resulting action back to its
// channel. One goroutine per message so a slow chat's lock wait never
// blocks another chat's turn. Channels with an entry in streamRenderers
// get the streaming variant of the turn, with text deltas throttled
// through a bus.StreamNotifier into that channel's live renderer; every
// other channel takes the plain request/response path.
func dispatchInbound(ctx context.Context, msgBus *bus.MessageBus, turnEngine *engine.Engine, streamRenderers map[string]func(string)) {
	inbound := msgBus.ConsumeInbound()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			go func(m bus.IncomingMessage) {
				var action bus.OutgoingAction
				if render, ok := streamRenderers[m.Channel]; ok {
					action = runStreamingTurn(ctx, turnEngine, m, render)
				} else {
					action = turnEngine.HandleIncomingMessage(ctx, m)
				}
				msgBus.PublishOutbound(m.Channel, action)
			}(msg)
		}
	}
}

// runStreamingTurn drains the engine's StreamEvent channel for one turn,
// folding phase changes, tool calls, and text deltas through a throttled
// bus.StreamNotifier so a slow completion renders progressively ("drafting...",
// "using recall_memory...", then the reply text) instead of going silent
// until done.
func runStreamingTurn(ctx context.Context, turnEngine *engine.Engine, msg bus.IncomingMessage, render func(string)) bus.OutgoingAction {
	events := make(chan bus.StreamEvent, 16)
	notifier := bus.NewStreamNotifier(400*time.Millisecond, render)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range events {
			notifier.Observe(ev)
		}
	}()

	action := turnEngine.HandleIncomingMessageStream(ctx, msg, events)
	close(events)
	<-drained
	notifier.Flush()
	return action
}

// runFeedbackFinalizeLoop periodically scores outbound sends that have
// sat past the finalize window and writes the resulting lesson, mirroring
// the heartbeat loop's own tick-claim-process shape.
func runFeedbackFinalizeLoop(ctx context.Context, tracker *feedback.Tracker) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tracker.FinalizeDue(time.Now().UnixMilli()); err != nil {
				logger.WarnCF(component, "feedback finalize pass failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func trustTierResolver(store *memory.Store) proactive.TrustTierResolver {
	return func(chatID string) (memory.TrustTier, bool) {
		if store == nil {
			return "", false
		}
		channel, channelUserID, ok := dmIdentity(chatID)
		if !ok {
			return "", false
		}
		person, err := store.GetPerson(memory.PersonID(channel, channelUserID))
		if err != nil {
			return "", false
		}
		return memory.TrustTierOf(person), true
	}
}

// dmIdentity splits a DM chatId into its channel name and channel-scoped
// user id, mirroring the chatId formats in Section 6. Group chatIds
// return ok=false: trust tiers only apply to DMs.
func dmIdentity(chatID string) (channel, channelUserID string, ok bool) {
	switch {
	case strings.HasPrefix(chatID, "cli:"):
		return "cli", strings.TrimPrefix(chatID, "cli:"), true
	case strings.HasPrefix(chatID, "signal:dm:"):
		return "signal", strings.TrimPrefix(chatID, "signal:dm:"), true
	case strings.HasPrefix(chatID, "tg:"):
		rest := strings.TrimPrefix(chatID, "tg:")
		if strings.HasPrefix(rest, "-") {
			return "", "", false
		}
		return "telegram", rest, true
	default:
		return "", "", false
	}
}

func buildBackend(cfg *config.Config) (*providers.Backend, error) {
	var primary providers.LLMProvider
	switch cfg.Model.Provider.Kind {
	case "openai-compatible":
		if cfg.Secrets.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("model.provider.kind is openai-compatible but HOMIE_OPENAI_API_KEY is unset")
		}
		primary = providers.NewOpenAIProvider(cfg.Secrets.OpenAIAPIKey, cfg.Secrets.OpenAIBaseURL, cfg.Model.Models.Default)
	default:
		if cfg.Secrets.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("HOMIE_ANTHROPIC_API_KEY is unset")
		}
		primary = providers.NewClaudeProvider(cfg.Secrets.AnthropicAPIKey)
	}

	var backendProvider providers.LLMProvider = primary
	if cfg.Secrets.OpenAIAPIKey != "" && cfg.Model.Provider.Kind != "openai-compatible" {
		fallback := providers.NewOpenAIProvider(cfg.Secrets.OpenAIAPIKey, cfg.Secrets.OpenAIBaseURL, cfg.Model.Models.Default)
		backendProvider = providers.NewFallbackProvider(primary, fallback, cfg.Model.Models.Default, cfg.Model.Models.Default)
	}

	return providers.NewBackend(backendProvider, cfg.Model.Models.Default, cfg.Model.Models.Fast), nil
}

type stores struct {
	sessions  *session.Store
	memory    *memory.Store
	outbound  *outbound.Ledger
	scheduler *proactive.Scheduler
	telemetry *telemetry.Tracker
}

func openStores(cfg *config.Config) (*stores, error) {
	dataDir := cfg.Paths.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", dataDir, err)
	}

	sessions, err := session.Open(filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}

	var memStore *memory.Store
	if cfg.Memory.Enabled {
		var embedder memory.Embedder
		if cfg.Secrets.OpenAIAPIKey != "" {
			embedder = chromem.NewEmbeddingFuncOpenAI(cfg.Secrets.OpenAIAPIKey, chromem.EmbeddingModelOpenAI("text-embedding-3-small"))
		}
		memStore, err = memory.Open(filepath.Join(dataDir, "memory.db"), embedder)
		if err != nil {
			return nil, fmt.Errorf("opening memory store: %w", err)
		}
	}

	outboundLedger, err := outbound.Open(filepath.Join(dataDir, "outbound.db"))
	if err != nil {
		return nil, fmt.Errorf("opening outbound ledger: %w", err)
	}

	scheduler, err := proactive.Open(filepath.Join(dataDir, "proactive.db"))
	if err != nil {
		return nil, fmt.Errorf("opening proactive scheduler: %w", err)
	}

	var telemetryTracker *telemetry.Tracker
	if cfg.Telemetry.Enabled {
		telemetryTracker, err = telemetry.Open(filepath.Join(dataDir, "telemetry.db"))
		if err != nil {
			return nil, fmt.Errorf("opening telemetry tracker: %w", err)
		}
	}

	return &stores{
		sessions:  sessions,
		memory:    memStore,
		outbound:  outboundLedger,
		scheduler: scheduler,
		telemetry: telemetryTracker,
	}, nil
}

func (s *stores) close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(s.sessions.Close())
	if s.memory != nil {
		record(s.memory.Close())
	}
	record(s.outbound.Close())
	record(s.scheduler.Close())
	if s.telemetry != nil {
		record(s.telemetry.Close())
	}
	return firstErr
}

// startAdapters starts every enabled channel adapter and returns a
// channel-name -> renderer map for dispatchInbound's streaming path. Only
// the CLI adapter registers one today: it is the one channel where a
// live-typing render is actually worth the terminal escape codes, and the
// one adapter available without an external bot token to test it with.
func startAdapters(lc *lifecycle.Lifecycle, cfg *config.Config, msgBus *bus.MessageBus) (map[string]func(string), error) {
	streamRenderers := make(map[string]func(string))

	if cfg.Channels.CLI.Enabled {
		slot := cfg.Channels.CLI.Slot
		if slot == "" {
			slot = "local"
		}
		cliAdapter, err := adaptercli.New(slot, msgBus)
		if err != nil {
			return nil, fmt.Errorf("creating cli adapter: %w", err)
		}
		lc.Go("cli-adapter", cliAdapter.Run)
		streamRenderers["cli"] = cliAdapter.RenderStreamDelta
	}

	if cfg.Channels.Telegram.Enabled {
		if cfg.Secrets.TelegramBotToken == "" {
			return nil, fmt.Errorf("channels.telegram.enabled is true but HOMIE_TELEGRAM_BOT_TOKEN is unset")
		}
		tgAdapter, err := adaptertelegram.New(cfg.Secrets.TelegramBotToken, msgBus)
		if err != nil {
			return nil, fmt.Errorf("creating telegram adapter: %w", err)
		}
		lc.Go("telegram-adapter", tgAdapter.Run)
		lc.RegisterStopper(tgAdapter.Stop)
	}

	if cfg.Channels.Signal.Enabled {
		if cfg.Channels.Signal.Endpoint == "" {
			return nil, fmt.Errorf("channels.signal.enabled is true but channels.signal.endpoint is unset")
		}
		sigAdapter := adaptersignal.New(cfg.Channels.Signal.Endpoint, signalNumber(cfg), msgBus)
		lc.Go("signal-adapter", sigAdapter.Run)
	}

	return streamRenderers, nil
}

func signalNumber(cfg *config.Config) string {
	return os.Getenv("HOMIE_SIGNAL_NUMBER")
}
