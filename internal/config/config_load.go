package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			MaxToolIterations:  10,
			MaxToolResultChars: 6000,
			AutoContinueMax:    2,
			MaxHistoryMessages: 50,
			HistoryCharBudget:  200_000,
			RateLimitRPM:       20,
			MaxAttachmentChars: 16_000,
			StopPhrases:        []string{"stop responding", "be quiet", "go away"},
		},
		ToolSecurity: ToolSecurityConfig{
			DefaultMode:         "allow",
			MaxExecutionSeconds: 60,
		},
		Providers: ProvidersConfig{
			Default: "anthropic",
			Tiers: TiersConfig{
				High: "claude-opus-4-20250514",
				Mid:  "claude-sonnet-4-20250514",
				Low:  "claude-3-5-haiku-20241022",
			},
		},
		Channels: ChannelsConfig{
			CLI: CLIChannelConfig{Enabled: true},
		},
		Database: DatabaseConfig{
			SQLitePath: "~/.clara/clara.db",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Secrets (DSNs, tokens, API keys) are env-only and never persisted to file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CLARA_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("CLARA_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("CLARA_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CLARA_REDIS_ADDR", &c.Redis.Addr)
	envStr("CLARA_REDIS_PASSWORD", &c.Redis.Password)
	envStr("CLARA_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("CLARA_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)

	if v := os.Getenv("CLARA_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
}

// ExpandHome expands a leading "~/" to the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// Watch reloads the config file into live on change and invokes onReload.
// Returns a stop function. Errors during reload keep the previous config.
func Watch(path string, live *Live, onReload func()) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				fresh, err := Load(path)
				if err != nil {
					slog.Warn("config reload failed, keeping previous", "error", err)
					continue
				}
				live.Replace(fresh)
				slog.Info("config reloaded", "path", path)
				if onReload != nil {
					onReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
