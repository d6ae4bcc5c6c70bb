package config

import (
	"sync/atomic"
	"time"
)

// Config is the root configuration for the Clara gateway. It is plain data;
// hot reload goes through Live so values can be copied freely.
type Config struct {
	Gateway      GatewayConfig      `json:"gateway"`
	ToolSecurity ToolSecurityConfig `json:"tool_security"`
	Memory       MemoryConfig       `json:"memory"`
	Providers    ProvidersConfig    `json:"providers"`
	Channels     ChannelsConfig     `json:"channels"`
	Identity     IdentityConfig     `json:"identity,omitempty"`
	Database     DatabaseConfig     `json:"database,omitempty"`
	Redis        RedisConfig        `json:"redis,omitempty"`
	Telemetry    TelemetryConfig    `json:"telemetry,omitempty"`
	Personality  PersonalityConfig  `json:"personality,omitempty"`
}

// GatewayConfig tunes the turn pipeline.
type GatewayConfig struct {
	MaxToolIterations    int      `json:"max_tool_iterations,omitempty"`    // default 10
	MaxToolResultChars   int      `json:"max_tool_result_chars,omitempty"`  // default 6000
	AutoContinueEnabled  *bool    `json:"auto_continue,omitempty"`          // default true (nil = enabled)
	AutoContinueMax      int      `json:"auto_continue_max,omitempty"`      // default 2
	ActiveChannelTimeout string   `json:"active_channel_timeout,omitempty"` // duration, default "30m"
	MaxHistoryMessages   int      `json:"max_history_messages,omitempty"`   // default 50
	HistoryCharBudget    int      `json:"history_char_budget,omitempty"`    // default 200000
	RateLimitRPM         int      `json:"rate_limit_rpm,omitempty"`         // per-sender, 0 = disabled
	StopPhrases          []string `json:"stop_phrases,omitempty"`
	MaxAttachmentChars   int      `json:"max_attachment_chars,omitempty"` // inline cap, default 16000
}

// ActiveTimeout parses ActiveChannelTimeout with the 30-minute default.
func (g GatewayConfig) ActiveTimeout() time.Duration {
	if g.ActiveChannelTimeout != "" {
		if d, err := time.ParseDuration(g.ActiveChannelTimeout); err == nil && d > 0 {
			return d
		}
	}
	return 30 * time.Minute
}

// AutoContinue reports whether the auto-continue heuristic is enabled.
func (g GatewayConfig) AutoContinue() bool {
	return g.AutoContinueEnabled == nil || *g.AutoContinueEnabled
}

// ToolSecurityConfig is the tool policy evaluated per tool name.
// Patterns are exact names or a prefix terminated by '*'.
type ToolSecurityConfig struct {
	DefaultMode         string   `json:"default_mode,omitempty"` // "allow" (default), "block", "approve"
	AllowList           []string `json:"allow_list,omitempty"`
	BlockList           []string `json:"block_list,omitempty"`
	ApprovalRequired    []string `json:"approval_required,omitempty"`
	MaxExecutionSeconds int      `json:"max_execution_seconds,omitempty"` // default 60
	LogAllCalls         *bool    `json:"log_all_calls,omitempty"`         // default true
}

func (t ToolSecurityConfig) ExecutionTimeout() time.Duration {
	if t.MaxExecutionSeconds > 0 {
		return time.Duration(t.MaxExecutionSeconds) * time.Second
	}
	return 60 * time.Second
}

func (t ToolSecurityConfig) AuditEnabled() bool {
	return t.LogAllCalls == nil || *t.LogAllCalls
}

// MemoryConfig configures the semantic memory plane.
type MemoryConfig struct {
	Enabled   *bool           `json:"enabled,omitempty"` // default true
	Embedding EmbeddingConfig `json:"embedding,omitempty"`
	MaxTopics int             `json:"max_topics,omitempty"` // recurring topics cap, default 3
}

func (m MemoryConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// EmbeddingConfig selects the embedding model. Dimensions must match the
// vector index (1536).
type EmbeddingConfig struct {
	Model      string `json:"model,omitempty"`      // default "text-embedding-3-small"
	Dimensions int    `json:"dimensions,omitempty"` // default 1536
}

func (e EmbeddingConfig) ModelName() string {
	if e.Model != "" {
		return e.Model
	}
	return "text-embedding-3-small"
}

func (e EmbeddingConfig) Dims() int {
	if e.Dimensions > 0 {
		return e.Dimensions
	}
	return 1536
}

// ProvidersConfig holds LLM vendor credentials and the tier → model table.
type ProvidersConfig struct {
	Anthropic ProviderSpec `json:"anthropic,omitempty"`
	OpenAI    ProviderSpec `json:"openai,omitempty"`
	Default   string       `json:"default,omitempty"` // provider name for the default tier
	Tiers     TiersConfig  `json:"tiers,omitempty"`
}

// ProviderSpec is one vendor's connection settings. APIKey comes from env only.
type ProviderSpec struct {
	APIKey  string `json:"-"`
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"` // default model for this vendor
}

// TiersConfig maps tier labels to model names (provider-qualified as
// "provider/model", or a bare model on the default provider).
type TiersConfig struct {
	High string `json:"high,omitempty"`
	Mid  string `json:"mid,omitempty"`
	Low  string `json:"low,omitempty"`
}

// ChannelsConfig enables and scopes the chat adapters.
type ChannelsConfig struct {
	CLI      CLIChannelConfig      `json:"cli,omitempty"`
	Discord  DiscordChannelConfig  `json:"discord,omitempty"`
	Telegram TelegramChannelConfig `json:"telegram,omitempty"`
}

type CLIChannelConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

type DiscordChannelConfig struct {
	Enabled         bool     `json:"enabled,omitempty"`
	Token           string   `json:"-"` // env CLARA_DISCORD_TOKEN only
	AllowedChannels []string `json:"allowed_channels,omitempty"` // empty = allow all
	AllowedGuilds   []string `json:"allowed_guilds,omitempty"`
}

type TelegramChannelConfig struct {
	Enabled      bool     `json:"enabled,omitempty"`
	Token        string   `json:"-"` // env CLARA_TELEGRAM_TOKEN only
	AllowedChats []string `json:"allowed_chats,omitempty"`
}

// IdentityConfig declares config-time platform links: each entry attaches From
// (a prefixed id) to the canonical user that To resolves to, tagged "config".
type IdentityConfig struct {
	Links []IdentityLink `json:"links,omitempty"`
}

type IdentityLink struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DatabaseConfig selects the persistence backends. PostgresDSN is a secret and
// comes from env CLARA_POSTGRES_DSN only; when empty the gateway runs in
// standalone mode on SQLite and the memory plane is disabled.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"` // default "~/.clara/clara.db"
}

// RedisConfig configures the embedding/search cache. Addr from env
// CLARA_REDIS_ADDR; empty disables caching (remote calls only).
type RedisConfig struct {
	Addr     string `json:"-"`
	Password string `json:"-"`
	DB       int    `json:"db,omitempty"`
}

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`     // e.g. "localhost:4318"
	Protocol    string `json:"protocol,omitempty"`     // "http" (default) or "grpc"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"` // default "clara-gateway"
}

// PersonalityConfig is the always-first system prompt.
type PersonalityConfig struct {
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// Live is the hot-reloadable configuration handle. Readers take a Snapshot
// per turn; the fsnotify watcher swaps in freshly loaded files atomically.
type Live struct {
	p atomic.Pointer[Config]
}

func NewLive(c *Config) *Live {
	l := &Live{}
	l.p.Store(c)
	return l
}

// Snapshot returns a copy of the current configuration.
func (l *Live) Snapshot() Config { return *l.p.Load() }

// Replace publishes a new configuration for subsequent snapshots.
func (l *Live) Replace(c *Config) { l.p.Store(c) }
