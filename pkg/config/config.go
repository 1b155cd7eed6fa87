// Package config loads picoclaw-core's runtime configuration from environment
// variables via struct tags, layered over built-in defaults, mirroring the
// nested Agents/Providers/Tools shape used across the picoclaw lineage.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// ProviderConfig holds credentials and endpoint overrides for one LLM provider.
type ProviderConfig struct {
	Name       string                 `env:"NAME"`
	APIKey     string                 `env:"API_KEY"`
	APIBase    string                 `env:"API_BASE"`
	Model      string                 `env:"MODEL"`
	AuthMethod string                 `env:"AUTH_METHOD"` // "api_key" (default), "oauth", or "token"
	Routing    map[string]interface{} `env:"-"`           // per-model routing hints, e.g. OpenRouter provider order
}

// AgentDefaults carries the loop-bound and budget defaults shared by every
// chat unless a per-chat override exists.
type AgentDefaults struct {
	MaxTokens            int    `env:"MAX_TOKENS" envDefault:"4096"`
	MaxToolIterations    int    `env:"MAX_TOOL_ITERATIONS" envDefault:"8"`
	MaxHistoryMessages   int    `env:"MAX_HISTORY_MESSAGES" envDefault:"50"`
	MaxSessionMessages   int    `env:"MAX_SESSION_MESSAGES" envDefault:"60"`
	CompactKeepRecent    int    `env:"COMPACT_KEEP_RECENT" envDefault:"10"`
	MemoryTokenBudget    int    `env:"MEMORY_TOKEN_BUDGET" envDefault:"1500"`
	TurnTimeoutSeconds   int    `env:"TURN_TIMEOUT_SECONDS" envDefault:"120"`
	LLMTimeoutSeconds    int    `env:"LLM_TIMEOUT_SECONDS" envDefault:"90"`
	ToolTimeoutSeconds   int    `env:"TOOL_TIMEOUT_SECONDS" envDefault:"30"`
	MaxParallelToolCalls int    `env:"MAX_PARALLEL_TOOL_CALLS" envDefault:"4"`
	WorkingDirIsolation  string `env:"WORKING_DIR_ISOLATION" envDefault:"chat"`
	Timezone             string `env:"TIMEZONE" envDefault:"UTC"`
	Model                string `env:"MODEL" envDefault:"claude-sonnet-4-20250514"`
}

// AgentsConfig groups agent-loop configuration.
type AgentsConfig struct {
	Defaults AgentDefaults `envPrefix:"DEFAULTS_"`
}

// EmbeddingConfig configures the optional semantic-memory embedding backend.
type EmbeddingConfig struct {
	Enabled  bool   `env:"ENABLED" envDefault:"false"`
	Provider string `env:"PROVIDER"`
	APIKey   string `env:"API_KEY"`
	BaseURL  string `env:"BASE_URL"`
	Model    string `env:"MODEL"`
}

// ProvidersConfig groups every configured LLM backend plus the embedding one.
// Each LLM backend field maps to one entry in CreateProvider's dispatch
// table; Embedding is read by the embedding store, not by CreateProvider.
type ProvidersConfig struct {
	Anthropic  ProviderConfig  `envPrefix:"ANTHROPIC_"`
	OpenAI     ProviderConfig  `envPrefix:"OPENAI_"`
	Gemini     ProviderConfig  `envPrefix:"GEMINI_"`
	Groq       ProviderConfig  `envPrefix:"GROQ_"`
	Modal      ProviderConfig  `envPrefix:"MODAL_"`
	OpenRouter ProviderConfig  `envPrefix:"OPENROUTER_"`
	VLLM       ProviderConfig  `envPrefix:"VLLM_"`
	Zhipu      ProviderConfig  `envPrefix:"ZHIPU_"`
	Embedding  EmbeddingConfig `envPrefix:"EMBEDDING_"`
}

// ToolsConfig configures the tool registry's allow/deny risk gate and the
// web_search tool. SubagentMaxDepth is parsed but no code reads it.
type ToolsConfig struct {
	AllowList        []string      `env:"ALLOW_LIST" envSeparator:","`
	DenyList         []string      `env:"DENY_LIST" envSeparator:","`
	SubagentMaxDepth int           `env:"SUBAGENT_MAX_DEPTH" envDefault:"2"`
	Web              WebToolConfig `envPrefix:"WEB_"`
}

// WebToolConfig configures the built-in web_search tool. This is an
// external-collaborator tool implementation per spec.md §1 (out of core
// scope beyond the Tool interface it satisfies), kept minimal.
type WebToolConfig struct {
	Search WebSearchConfig `envPrefix:"SEARCH_"`
}

// WebSearchConfig holds the web_search tool's provider key and result cap.
type WebSearchConfig struct {
	APIKey     string `env:"API_KEY"`
	MaxResults int    `env:"MAX_RESULTS" envDefault:"5"`
}

// TelegramConfig configures the Telegram long-polling chat adapter.
type TelegramConfig struct {
	Enabled   bool     `env:"ENABLED" envDefault:"false"`
	Token     string   `env:"TOKEN"`
	AllowFrom []string `env:"ALLOW_FROM" envSeparator:","`
}

// DiscordConfig configures the Discord gateway chat adapter.
type DiscordConfig struct {
	Enabled   bool     `env:"ENABLED" envDefault:"false"`
	Token     string   `env:"TOKEN"`
	AllowFrom []string `env:"ALLOW_FROM" envSeparator:","`
}

// SlackConfig configures the Slack Socket Mode chat adapter.
type SlackConfig struct {
	Enabled   bool     `env:"ENABLED" envDefault:"false"`
	BotToken  string   `env:"BOT_TOKEN"`
	AppToken  string   `env:"APP_TOKEN"`
	AllowFrom []string `env:"ALLOW_FROM" envSeparator:","`
}

// WhatsAppConfig configures the WhatsApp-bridge websocket chat adapter.
type WhatsAppConfig struct {
	Enabled   bool     `env:"ENABLED" envDefault:"false"`
	BridgeURL string   `env:"BRIDGE_URL"`
	AllowFrom []string `env:"ALLOW_FROM" envSeparator:","`
}

// LarkConfig configures the Lark/Feishu chat adapter.
type LarkConfig struct {
	Enabled   bool     `env:"ENABLED" envDefault:"false"`
	AppID     string   `env:"APP_ID"`
	AppSecret string   `env:"APP_SECRET"`
	AllowFrom []string `env:"ALLOW_FROM" envSeparator:","`
}

// DingTalkConfig configures the DingTalk stream-mode chatbot adapter.
type DingTalkConfig struct {
	Enabled      bool     `env:"ENABLED" envDefault:"false"`
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	AllowFrom    []string `env:"ALLOW_FROM" envSeparator:","`
}

// QQConfig configures the QQ-bot chat adapter.
type QQConfig struct {
	Enabled   bool     `env:"ENABLED" envDefault:"false"`
	AppID     string   `env:"APP_ID"`
	Token     string   `env:"TOKEN"`
	AllowFrom []string `env:"ALLOW_FROM" envSeparator:","`
}

// ChannelsConfig groups every chat adapter's configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `envPrefix:"TELEGRAM_"`
	Discord  DiscordConfig  `envPrefix:"DISCORD_"`
	Slack    SlackConfig    `envPrefix:"SLACK_"`
	WhatsApp WhatsAppConfig `envPrefix:"WHATSAPP_"`
	Lark     LarkConfig     `envPrefix:"LARK_"`
	DingTalk DingTalkConfig `envPrefix:"DINGTALK_"`
	QQ       QQConfig       `envPrefix:"QQ_"`
}

// StoreConfig configures the persisted state layout.
type StoreConfig struct {
	DataDir       string `env:"DATA_DIR" envDefault:"./data"`
	DBFile        string `env:"DB_FILE" envDefault:"picoclaw.db"`
	LogRetainDays int    `env:"LOG_RETAIN_DAYS" envDefault:"30"`
}

// WorkspacePath returns the root directory under which everything
// file-backed lives: the memory files (groups/), skills/, and runtime
// logs, alongside the Store's own sqlite file.
func (c *Config) WorkspacePath() string {
	return c.Store.DataDir
}

// DBPath returns the full path to the Store's single sqlite file.
func (c *Config) DBPath() string {
	return filepath.Join(c.Store.DataDir, c.Store.DBFile)
}

// ModelPrice is the per-million-token price pair used by the Usage
// component to estimate cost from a provider's reported token counts.
type ModelPrice struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPriceTable is a small, illustrative price table keyed by model id.
// Unknown models estimate cost as zero rather than guessing.
var DefaultPriceTable = map[string]ModelPrice{
	"claude-sonnet-4-20250514": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
	"claude-opus-4-20250514":   {InputPerMillion: 15.0, OutputPerMillion: 75.0},
	"claude-haiku-4-20250514":  {InputPerMillion: 0.8, OutputPerMillion: 4.0},
	"gpt-4o":                   {InputPerMillion: 2.5, OutputPerMillion: 10.0},
	"gpt-4o-mini":              {InputPerMillion: 0.15, OutputPerMillion: 0.6},
}

// SchedulerConfig configures the Scheduler's poll cadence and authorization.
type SchedulerConfig struct {
	PollIntervalSeconds int      `env:"POLL_INTERVAL_SECONDS" envDefault:"30"`
	ControlChatIDs      []string `env:"CONTROL_CHAT_IDS" envSeparator:","`
}

// ReflectorConfig configures the background memory-reflection actor.
type ReflectorConfig struct {
	TickIntervalSeconds int `env:"TICK_INTERVAL_SECONDS" envDefault:"300"`
}

// HTTPConfig holds listener settings for an HTTP/SSE UI transport. This
// module contains no such transport, and no code reads these fields.
type HTTPConfig struct {
	Enabled bool   `env:"ENABLED" envDefault:"true"`
	Addr    string `env:"ADDR" envDefault:":8089"`
}

// Config is the root configuration object, assembled from PICOCLAW_-prefixed
// environment variables.
type Config struct {
	Agents    AgentsConfig    `envPrefix:"AGENTS_"`
	Providers ProvidersConfig `envPrefix:"PROVIDERS_"`
	Channels  ChannelsConfig  `envPrefix:"CHANNELS_"`
	Tools     ToolsConfig     `envPrefix:"TOOLS_"`
	Store     StoreConfig     `envPrefix:"STORE_"`
	Scheduler SchedulerConfig `envPrefix:"SCHEDULER_"`
	Reflector ReflectorConfig `envPrefix:"REFLECTOR_"`
	HTTP      HTTPConfig      `envPrefix:"HTTP_"`
}

// Load parses Config from the environment, with the PICOCLAW_ prefix applied
// to every field path.
func Load() (*Config, error) {
	cfg := &Config{}
	opts := env.Options{Prefix: "PICOCLAW_"}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns a Config populated with the same defaults Load
// would produce from an empty environment, for tests and callers that
// don't need environment-driven overrides.
func DefaultConfig() *Config {
	cfg := &Config{}
	opts := env.Options{Prefix: "PICOCLAW_"}
	_ = env.ParseWithOptions(cfg, opts)
	return cfg
}
