// Package config loads Homie's declarative TOML configuration and layers
// environment-provided secrets on top of it.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"
)

type ModelProviderConfig struct {
	Kind string `mapstructure:"kind"` // anthropic | openai-compatible | claude-code | codex-cli | mpp
}

type ModelsConfig struct {
	Default string `mapstructure:"default"`
	Fast    string `mapstructure:"fast"`
}

type ModelConfig struct {
	Provider ModelProviderConfig `mapstructure:"provider"`
	Models   ModelsConfig        `mapstructure:"models"`
}

type SleepConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Timezone   string `mapstructure:"timezone"`
	StartLocal string `mapstructure:"startLocal"`
	EndLocal   string `mapstructure:"endLocal"`
}

type BehaviorConfig struct {
	Sleep         SleepConfig `mapstructure:"sleep"`
	GroupMaxChars int         `mapstructure:"groupMaxChars"`
	DMMaxChars    int         `mapstructure:"dmMaxChars"`
	MinDelayMs    int         `mapstructure:"minDelayMs"`
	MaxDelayMs    int         `mapstructure:"maxDelayMs"`
	DebounceMs    int         `mapstructure:"debounceMs"`
}

type ProactiveTierConfig struct {
	MaxPerDay           int   `mapstructure:"maxPerDay"`
	MaxPerWeek          int   `mapstructure:"maxPerWeek"`
	CooldownAfterUserMs int64 `mapstructure:"cooldownAfterUserMs"`
	PauseAfterIgnored   int   `mapstructure:"pauseAfterIgnored"`
}

type ProactiveConfig struct {
	Enabled             bool                `mapstructure:"enabled"`
	HeartbeatIntervalMs int64               `mapstructure:"heartbeatIntervalMs"`
	SkipRate            float64             `mapstructure:"skipRate"`
	DM                  ProactiveTierConfig `mapstructure:"dm"`
	Group               ProactiveTierConfig `mapstructure:"group"`
}

type CapsuleConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	MaxTokens int `mapstructure:"maxTokens"`
}

type DecayConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	HalfLifeDays int  `mapstructure:"halfLifeDays"`
}

type RetrievalConfig struct {
	RRFK           int     `mapstructure:"rrfK"`
	FTSWeight      float64 `mapstructure:"ftsWeight"`
	VecWeight      float64 `mapstructure:"vecWeight"`
	RecencyWeight  float64 `mapstructure:"recencyWeight"`
}

type MemoryFeedbackConfig struct {
	Enabled          bool  `mapstructure:"enabled"`
	FinalizeAfterMs  int64 `mapstructure:"finalizeAfterMs"`
	SuccessThreshold float64 `mapstructure:"successThreshold"`
	FailureThreshold float64 `mapstructure:"failureThreshold"`
}

type MemoryConfig struct {
	Enabled           bool                 `mapstructure:"enabled"`
	ContextBudgetTokens int                `mapstructure:"contextBudgetTokens"`
	Capsule           CapsuleConfig        `mapstructure:"capsule"`
	Decay             DecayConfig          `mapstructure:"decay"`
	Retrieval         RetrievalConfig      `mapstructure:"retrieval"`
	Feedback          MemoryFeedbackConfig `mapstructure:"feedback"`
}

type ToolTierConfig struct {
	EnabledForOperator bool     `mapstructure:"enabledForOperator"`
	AllowAll           bool     `mapstructure:"allowAll"`
	Allowlist          []string `mapstructure:"allowlist"`
}

type ToolsConfig struct {
	Restricted ToolTierConfig `mapstructure:"restricted"`
	Dangerous  ToolTierConfig `mapstructure:"dangerous"`
}

type PathsConfig struct {
	ProjectDir  string `mapstructure:"projectDir"`
	IdentityDir string `mapstructure:"identityDir"`
	SkillsDir   string `mapstructure:"skillsDir"`
	DataDir     string `mapstructure:"dataDir"`
}

type TelegramChannelConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type SignalChannelConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

type CLIChannelConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Slot    string `mapstructure:"slot"`
}

type ChannelsConfig struct {
	CLI      CLIChannelConfig      `mapstructure:"cli"`
	Telegram TelegramChannelConfig `mapstructure:"telegram"`
	Signal   SignalChannelConfig   `mapstructure:"signal"`
}

type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Config is the fully resolved, process-wide configuration struct. It is
// built once at startup and passed explicitly through constructors; core
// packages never reach into a global config instance.
type Config struct {
	Model     ModelConfig     `mapstructure:"model"`
	Behavior  BehaviorConfig  `mapstructure:"behavior"`
	Proactive ProactiveConfig `mapstructure:"proactive"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	Secrets Secrets
}

// Secrets holds credentials sourced only from the environment, never from
// the TOML file on disk.
type Secrets struct {
	AnthropicAPIKey  string `env:"HOMIE_ANTHROPIC_API_KEY"`
	OpenAIAPIKey     string `env:"HOMIE_OPENAI_API_KEY"`
	OpenAIBaseURL    string `env:"HOMIE_OPENAI_BASE_URL"`
	TelegramBotToken string `env:"HOMIE_TELEGRAM_BOT_TOKEN"`
	SignalAuthToken  string `env:"HOMIE_SIGNAL_AUTH_TOKEN"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("behavior.groupMaxChars", 600)
	v.SetDefault("behavior.dmMaxChars", 1200)
	v.SetDefault("behavior.minDelayMs", 500)
	v.SetDefault("behavior.maxDelayMs", 10_000)
	v.SetDefault("behavior.debounceMs", 3_000)
	v.SetDefault("behavior.sleep.enabled", false)

	v.SetDefault("proactive.enabled", true)
	v.SetDefault("proactive.heartbeatIntervalMs", int64(5*time.Minute/time.Millisecond))
	v.SetDefault("proactive.skipRate", 0.15)
	v.SetDefault("proactive.dm.maxPerDay", 3)
	v.SetDefault("proactive.dm.maxPerWeek", 10)
	v.SetDefault("proactive.dm.cooldownAfterUserMs", int64(30*time.Minute/time.Millisecond))
	v.SetDefault("proactive.dm.pauseAfterIgnored", 3)
	v.SetDefault("proactive.group.maxPerDay", 1)
	v.SetDefault("proactive.group.maxPerWeek", 3)
	v.SetDefault("proactive.group.cooldownAfterUserMs", int64(time.Hour/time.Millisecond))
	v.SetDefault("proactive.group.pauseAfterIgnored", 2)

	v.SetDefault("memory.enabled", true)
	v.SetDefault("memory.contextBudgetTokens", 2000)
	v.SetDefault("memory.capsule.enabled", true)
	v.SetDefault("memory.capsule.maxTokens", 300)
	v.SetDefault("memory.decay.enabled", true)
	v.SetDefault("memory.decay.halfLifeDays", 30)
	v.SetDefault("memory.retrieval.rrfK", 60)
	v.SetDefault("memory.retrieval.ftsWeight", 0.6)
	v.SetDefault("memory.retrieval.vecWeight", 0.4)
	v.SetDefault("memory.retrieval.recencyWeight", 0.2)
	v.SetDefault("memory.feedback.enabled", true)
	v.SetDefault("memory.feedback.finalizeAfterMs", int64(60*time.Second/time.Millisecond))
	v.SetDefault("memory.feedback.successThreshold", 0.6)
	v.SetDefault("memory.feedback.failureThreshold", 0.3)

	v.SetDefault("paths.projectDir", ".")
	v.SetDefault("paths.identityDir", "./identity")
	v.SetDefault("paths.skillsDir", "./skills")
	v.SetDefault("paths.dataDir", "./data")

	v.SetDefault("channels.cli.enabled", true)
	v.SetDefault("channels.cli.slot", "local")

	v.SetDefault("telemetry.enabled", true)
}

// Load reads TOML configuration from path, overlays environment-provided
// secrets, and returns the resolved Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	var secrets Secrets
	if err := env.Parse(&secrets); err != nil {
		return nil, fmt.Errorf("parsing secret env vars: %w", err)
	}
	cfg.Secrets = secrets

	return &cfg, nil
}
