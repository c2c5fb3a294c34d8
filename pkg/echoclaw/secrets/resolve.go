package secrets

import (
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/config"
)

// Secret names shared by the vault and the keyring.
const (
	LLMAPIKey     = "llm_api_key"
	TelegramToken = "telegram_token"
	DiscordToken  = "discord_token"
	GatewayToken  = "gateway_token"
)

// EnvVaultPassword unlocks the vault without a prompt.
const EnvVaultPassword = "ECHOCLAW_VAULT_PASSWORD"

// Names lists every known secret name.
func Names() []string {
	return []string{LLMAPIKey, TelegramToken, DiscordToken, GatewayToken}
}

// Source reports where a resolved secret came from.
type Source string

const (
	SourceVault   Source = "vault"
	SourceKeyring Source = "keyring"
	SourceConfig  Source = "config" // config file or environment
	SourceNone    Source = "none"
)

type step struct {
	src Source
	get func(name string) string
}

// OpenVault returns the unlocked vault at path, or nil when there is none
// or it cannot be unlocked. The password comes from EnvVaultPassword or,
// when interactive and stdin is a terminal, from a prompt.
func OpenVault(path string, interactive bool, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	v := NewVault(path)
	if !v.Exists() {
		return nil
	}
	if pass := os.Getenv(EnvVaultPassword); pass != "" {
		if err := v.Unlock(pass); err != nil {
			logger.Warn("secrets: vault unlock via environment failed", "path", path, "error", err)
		} else {
			logger.Info("secrets: vault unlocked", "path", path, "via", EnvVaultPassword)
			return v
		}
	}
	if !interactive || !term.IsTerminal(int(os.Stdin.Fd())) {
		logger.Info("secrets: vault present but locked, using keyring and config", "path", path)
		return nil
	}
	pass, err := ReadPassword("Vault password: ")
	if err != nil {
		logger.Warn("secrets: reading vault password failed", "error", err)
		return nil
	}
	if err := v.Unlock(pass); err != nil {
		logger.Warn("secrets: vault unlock failed", "error", err)
		return nil
	}
	return v
}

// Resolve fills the credentials of cfg in priority order: vault, OS
// keyring, then the value already in cfg (file or environment). vault and
// ring may be nil. It returns the source of each secret.
func Resolve(cfg *config.Config, vault *Vault, ring *Keyring, logger *slog.Logger) map[string]Source {
	if logger == nil {
		logger = slog.Default()
	}
	var chain []step
	if vault != nil && vault.IsUnlocked() {
		chain = append(chain, step{SourceVault, func(name string) string {
			v, err := vault.Get(name)
			if err != nil {
				logger.Warn("secrets: vault read failed", "name", name, "error", err)
			}
			return v
		}})
	}
	if ring != nil {
		chain = append(chain, step{SourceKeyring, ring.Get})
	}

	targets := map[string]*string{
		LLMAPIKey:     &cfg.LLM.APIKey,
		TelegramToken: &cfg.Transport.Telegram.Token,
		DiscordToken:  &cfg.Transport.Discord.Token,
		GatewayToken:  &cfg.Gateway.Token,
	}

	sources := make(map[string]Source, len(targets))
	for name, dst := range targets {
		sources[name] = SourceNone
		if *dst != "" && !config.IsEnvReference(*dst) {
			sources[name] = SourceConfig
		}
		for _, st := range chain {
			if v := st.get(name); v != "" {
				*dst = v
				sources[name] = st.src
				break
			}
		}
		if sources[name] != SourceNone {
			logger.Debug("secrets: resolved", "name", name, "source", sources[name])
		}
	}
	return sources
}
