// Package config defines the daemon configuration and loads it from YAML
// with environment variable expansion.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/presence"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/settings"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/store"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport/discord"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport/telegram"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport/whatsapp"
)

// Transport kinds.
const (
	TransportTelegram = "telegram"
	TransportWhatsApp = "whatsapp"
	TransportDiscord  = "discord"
)

// LLM providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// ProviderKeyNames maps providers to the conventional API key variable.
var ProviderKeyNames = map[string]string{
	ProviderOpenAI:    "OPENAI_API_KEY",
	ProviderAnthropic: "ANTHROPIC_API_KEY",
}

// ProviderKeyName returns the API key variable for a provider, or
// ECHOCLAW_LLM_API_KEY for unknown ones.
func ProviderKeyName(provider string) string {
	if name, ok := ProviderKeyNames[strings.ToLower(provider)]; ok {
		return name
	}
	return "ECHOCLAW_LLM_API_KEY"
}

// Config is the complete daemon configuration.
type Config struct {
	// Name is shown in logs and the version banner.
	Name string `yaml:"name"`

	Logging   LoggingConfig   `yaml:"logging"`
	Database  store.Config    `yaml:"database"`
	Transport TransportConfig `yaml:"transport"`
	LLM       LLMConfig       `yaml:"llm"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	AutoMode  AutoModeConfig  `yaml:"automode"`
	Presence  presence.Config `yaml:"presence"`

	// Settings is the global overlay applied on top of the built-in
	// defaults, keyed like persona and chat overrides.
	Settings settings.Overrides `yaml:"settings"`

	// Stickers seeds the sticker catalog at startup.
	Stickers []StickerPackConfig `yaml:"stickers"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// TransportConfig selects and configures the messaging platform.
type TransportConfig struct {
	// Kind is telegram, whatsapp or discord.
	Kind string `yaml:"kind"`

	Telegram telegram.Config `yaml:"telegram"`
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Discord  discord.Config  `yaml:"discord"`
}

// LLMConfig configures the text generation provider.
type LLMConfig struct {
	// Provider is openai (any OpenAI-compatible endpoint) or anthropic.
	Provider string `yaml:"provider"`

	// Model is the default model name. A model_name setting overrides it.
	Model string `yaml:"model"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKey is the provider key. Prefer ${VAR} references or the vault.
	APIKey string `yaml:"api_key"`

	// Timeout bounds one generation request.
	Timeout time.Duration `yaml:"timeout"`
}

// GatewayConfig configures the operator HTTP API.
type GatewayConfig struct {
	// Enabled starts the HTTP API with the daemon.
	Enabled bool `yaml:"enabled"`

	// Address is the listen address.
	Address string `yaml:"address"`

	// Token, when set, is required as a bearer token on /api routes.
	Token string `yaml:"token"`
}

// AutoModeConfig configures the worker registry.
type AutoModeConfig struct {
	// Autostart lists chats whose workers start with the daemon.
	Autostart []int64 `yaml:"autostart"`

	// ShutdownGrace bounds how long shutdown waits for workers.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// TransportTimeout bounds each transport call made by a worker.
	TransportTimeout time.Duration `yaml:"transport_timeout"`
}

// StickerPackConfig declares a catalog pack and its stickers.
type StickerPackConfig struct {
	Name     string          `yaml:"name"`
	Title    string          `yaml:"title"`
	Disabled bool            `yaml:"disabled"`
	Stickers []StickerConfig `yaml:"stickers"`
}

// StickerConfig declares one sticker. Each platform uses its own address.
type StickerConfig struct {
	Codename       string `yaml:"codename"`
	Description    string `yaml:"description"`
	TelegramFileID string `yaml:"telegram_file_id"`
	DiscordID      string `yaml:"discord_id"`
	Path           string `yaml:"path"`
}

// Catalog converts the pack's stickers to store entries.
func (p StickerPackConfig) Catalog() []store.Sticker {
	out := make([]store.Sticker, 0, len(p.Stickers))
	for _, s := range p.Stickers {
		out = append(out, store.Sticker{
			Codename:       s.Codename,
			Pack:           p.Name,
			Description:    s.Description,
			TelegramFileID: s.TelegramFileID,
			DiscordID:      s.DiscordID,
			Path:           s.Path,
		})
	}
	return out
}

// DefaultConfig returns the configuration used for absent keys.
func DefaultConfig() *Config {
	return &Config{
		Name: "EchoClaw",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Database: store.DefaultConfig(),
		Transport: TransportConfig{
			Kind:     TransportTelegram,
			Telegram: telegram.DefaultConfig(),
			WhatsApp: whatsapp.DefaultConfig(),
		},
		LLM: LLMConfig{
			Provider: ProviderOpenAI,
			Model:    settings.Defaults().ModelName,
			Timeout:  2 * time.Minute,
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Address: "127.0.0.1:8095",
		},
		AutoMode: AutoModeConfig{
			ShutdownGrace:    15 * time.Second,
			TransportTimeout: 30 * time.Second,
		},
		Presence: presence.DefaultConfig(),
	}
}

// GlobalOverrides returns the settings overlay with the LLM default model
// filled in when no model_name is configured.
func (c *Config) GlobalOverrides() settings.Overrides {
	o := c.Settings.Clone()
	if o == nil {
		o = settings.Overrides{}
	}
	if _, ok := o["model_name"]; !ok && c.LLM.Model != "" {
		o["model_name"] = c.LLM.Model
	}
	return o
}

// Validate checks structural consistency. Credentials are not checked here
// because they may come from the vault or keyring later.
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport.Kind {
	case TransportTelegram, TransportWhatsApp, TransportDiscord:
	default:
		errs = append(errs, fmt.Errorf("transport.kind: unknown transport %q", c.Transport.Kind))
	}

	switch strings.ToLower(c.LLM.Provider) {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		errs = append(errs, fmt.Errorf("llm.provider: unknown provider %q", c.LLM.Provider))
	}
	if c.LLM.Timeout < 0 {
		errs = append(errs, errors.New("llm.timeout: must not be negative"))
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: expected text or json, got %q", c.Logging.Format))
	}

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path: required"))
	}
	if c.Gateway.Enabled && c.Gateway.Address == "" {
		errs = append(errs, errors.New("gateway.address: required when the gateway is enabled"))
	}
	if c.AutoMode.ShutdownGrace < 0 || c.AutoMode.TransportTimeout < 0 {
		errs = append(errs, errors.New("automode: durations must not be negative"))
	}

	if _, rejected := settings.Sanitize(c.Settings); len(rejected) > 0 {
		errs = append(errs, fmt.Errorf("settings: invalid keys %s", strings.Join(rejected, ", ")))
	}

	seen := make(map[string]bool)
	for _, p := range c.Stickers {
		if p.Name == "" {
			errs = append(errs, errors.New("stickers: pack without name"))
		}
		for _, s := range p.Stickers {
			if s.Codename == "" {
				errs = append(errs, fmt.Errorf("stickers: pack %q has a sticker without codename", p.Name))
				continue
			}
			if seen[s.Codename] {
				errs = append(errs, fmt.Errorf("stickers: duplicate codename %q", s.Codename))
			}
			seen[s.Codename] = true
		}
	}

	return errors.Join(errs...)
}
