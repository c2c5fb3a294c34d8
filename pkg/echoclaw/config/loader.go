package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted for secrets left empty in the file.
const (
	EnvLLMAPIKey     = "ECHOCLAW_LLM_API_KEY"
	EnvTelegramToken = "TELEGRAM_BOT_TOKEN"
	EnvDiscordToken  = "DISCORD_BOT_TOKEN"
	EnvGatewayToken  = "ECHOCLAW_GATEWAY_TOKEN"
)

// envPattern matches ${VAR}, ${VAR:-default}, ${VAR:?message} and bare
// $VAR references. Groups: 1 name, 2 modifier, 3 modifier value, 4 bare name.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadFile reads, expands and validates a YAML config file. .env and
// .env.local are loaded first without overriding the environment.
func LoadFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded, err := ExpandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}
	resolveSecrets(cfg)
	resolveRelativePaths(cfg, filepath.Dir(path))
	checkFilePermissions(path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse overlays YAML onto DefaultConfig. It does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path with owner-only permissions. Secrets equal to an
// environment variable are written back as references, and the previous
// file is kept as path.bak.
func Save(cfg *Config, path string) error {
	out := *cfg
	out.LLM.APIKey = sanitizeSecret(cfg.LLM.APIKey, ProviderKeyName(cfg.LLM.Provider), EnvLLMAPIKey)
	out.Transport.Telegram.Token = sanitizeSecret(cfg.Transport.Telegram.Token, EnvTelegramToken)
	out.Transport.Discord.Token = sanitizeSecret(cfg.Transport.Discord.Token, EnvDiscordToken)
	out.Gateway.Token = sanitizeSecret(cfg.Gateway.Token, EnvGatewayToken)

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("refusing to write unparseable config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindFile returns the first existing config file among the standard
// locations, or "".
func FindFile() string {
	candidates := []string{"echoclaw.yaml", "echoclaw.yml", "config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".echoclaw", "echoclaw.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// DefaultPath is where setup writes a new config.
func DefaultPath() string {
	return "echoclaw.yaml"
}

// AuditSecrets warns about credentials written in plain text.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	check := func(field, value, env string) {
		if looksLikeSecret(value) {
			logger.Warn("config: credential appears to be hardcoded",
				"field", field, "hint", "use ${"+env+"} or the vault")
		}
	}
	check("llm.api_key", cfg.LLM.APIKey, ProviderKeyName(cfg.LLM.Provider))
	check("transport.telegram.token", cfg.Transport.Telegram.Token, EnvTelegramToken)
	check("transport.discord.token", cfg.Transport.Discord.Token, EnvDiscordToken)
}

// ExpandEnv replaces environment references in input. Unset ${VAR} and
// $VAR references are kept verbatim, ${VAR:-default} falls back to default
// and an unset ${VAR:?message} is an error.
func ExpandEnv(input string) (string, error) {
	var missing error
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envPattern.FindStringSubmatch(match)
		name, modifier, value, bare := m[1], m[2], m[3], m[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if missing == nil {
				if value == "" {
					value = "required environment variable not set"
				}
				missing = fmt.Errorf("%s: %s", name, value)
			}
			return ""
		}
		return match
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// IsEnvReference reports whether s is an unexpanded variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

// ---------- Internal ----------

func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// resolveSecrets fills empty or unresolved credentials from the environment.
func resolveSecrets(cfg *Config) {
	fill := func(dst *string, envs ...string) {
		if *dst != "" && !IsEnvReference(*dst) {
			return
		}
		for _, env := range envs {
			if v := os.Getenv(env); v != "" {
				*dst = v
				return
			}
		}
		*dst = ""
	}
	fill(&cfg.LLM.APIKey, EnvLLMAPIKey, ProviderKeyName(cfg.LLM.Provider))
	fill(&cfg.Transport.Telegram.Token, EnvTelegramToken)
	fill(&cfg.Transport.Discord.Token, EnvDiscordToken)
	fill(&cfg.Gateway.Token, EnvGatewayToken)
}

// resolveRelativePaths anchors relative file paths at the config
// directory.
func resolveRelativePaths(cfg *Config, dir string) {
	cfg.Database.Path = resolvePath(cfg.Database.Path, dir)
	cfg.Transport.WhatsApp.SessionDir = resolvePath(cfg.Transport.WhatsApp.SessionDir, dir)
	cfg.Transport.WhatsApp.DatabasePath = resolvePath(cfg.Transport.WhatsApp.DatabasePath, dir)
	for i := range cfg.Stickers {
		for j := range cfg.Stickers[i].Stickers {
			s := &cfg.Stickers[i].Stickers[j]
			s.Path = resolvePath(s.Path, dir)
		}
	}
}

func resolvePath(path, dir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func sanitizeSecret(value string, envs ...string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	for _, env := range envs {
		if os.Getenv(env) == value {
			return "${" + env + "}"
		}
	}
	return value
}

func looksLikeSecret(s string) bool {
	if s == "" || IsEnvReference(s) {
		return false
	}
	return strings.HasPrefix(s, "sk-") || len(s) > 20
}

func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config: file is readable by others",
			"path", path,
			"mode", fmt.Sprintf("%04o", mode),
			"fix", "chmod 600 "+path,
		)
	}
}
