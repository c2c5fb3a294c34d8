package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearSecretEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{EnvLLMAPIKey, EnvTelegramToken, EnvDiscordToken, EnvGatewayToken, "OPENAI_API_KEY", "ANTHROPIC_API_KEY"} {
		t.Setenv(env, "")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("ECHO_SET", "value")
	os.Unsetenv("ECHO_UNSET")

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"braced", "a: ${ECHO_SET}", "a: value", false},
		{"bare", "a: $ECHO_SET", "a: value", false},
		{"unset kept", "a: ${ECHO_UNSET}", "a: ${ECHO_UNSET}", false},
		{"default used", "a: ${ECHO_UNSET:-fallback}", "a: fallback", false},
		{"default ignored", "a: ${ECHO_SET:-fallback}", "a: value", false},
		{"required set", "a: ${ECHO_SET:?needed}", "a: value", false},
		{"required missing", "a: ${ECHO_UNSET:?token needed}", "", true},
		{"lowercase bare untouched", "a: $lower", "a: $lower", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandEnv(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !strings.Contains(err.Error(), "ECHO_UNSET") {
					t.Errorf("expected variable name in error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
transport:
  kind: discord
llm:
  provider: anthropic
  timeout: 90s
settings:
  temperature: 0.5
  auto_mode_check_interval: 20
automode:
  autostart: [42, -100]
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Transport.Kind != TransportDiscord {
		t.Errorf("expected discord, got %q", cfg.Transport.Kind)
	}
	if cfg.LLM.Timeout != 90*time.Second {
		t.Errorf("expected 90s timeout, got %v", cfg.LLM.Timeout)
	}
	if cfg.Database.Path == "" || cfg.Gateway.Address == "" {
		t.Error("expected defaults to survive the overlay")
	}
	if cfg.Transport.Telegram.PollTimeout != 50 {
		t.Errorf("expected default poll timeout, got %d", cfg.Transport.Telegram.PollTimeout)
	}
	if !cfg.Presence.Enabled {
		t.Error("expected presence enabled by default")
	}
	if len(cfg.AutoMode.Autostart) != 2 || cfg.AutoMode.Autostart[1] != -100 {
		t.Errorf("expected autostart [42 -100], got %v", cfg.AutoMode.Autostart)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	clearSecretEnv(t)
	t.Setenv(EnvTelegramToken, "123:abc")
	t.Setenv("OPENAI_API_KEY", "sk-from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "echoclaw.yaml")
	data := `
database:
  path: data/echo.db
llm:
  api_key: ${OPENAI_API_KEY}
gateway:
  token: ${ECHOCLAW_GATEWAY_TOKEN}
stickers:
  - name: cats
    stickers:
      - codename: cat_wave
        path: stickers/wave.webp
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.LLM.APIKey != "sk-from-env" {
		t.Errorf("expected expanded api key, got %q", cfg.LLM.APIKey)
	}
	if cfg.Transport.Telegram.Token != "123:abc" {
		t.Errorf("expected token from environment, got %q", cfg.Transport.Telegram.Token)
	}
	if cfg.Gateway.Token != "" {
		t.Errorf("expected unresolved reference to be cleared, got %q", cfg.Gateway.Token)
	}
	if want := filepath.Join(dir, "data", "echo.db"); cfg.Database.Path != want {
		t.Errorf("expected %s, got %s", want, cfg.Database.Path)
	}
	if want := filepath.Join(dir, "stickers", "wave.webp"); cfg.Stickers[0].Stickers[0].Path != want {
		t.Errorf("expected %s, got %s", want, cfg.Stickers[0].Stickers[0].Path)
	}
	cat := cfg.Stickers[0].Catalog()
	if len(cat) != 1 || cat[0].Pack != "cats" || cat[0].Codename != "cat_wave" {
		t.Errorf("unexpected catalog %+v", cat)
	}
}

func TestLoadFileErrors(t *testing.T) {
	clearSecretEnv(t)
	dir := t.TempDir()

	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	required := filepath.Join(dir, "required.yaml")
	os.Unsetenv("ECHO_REQUIRED_TOKEN")
	os.WriteFile(required, []byte("gateway:\n  token: ${ECHO_REQUIRED_TOKEN:?set the gateway token}\n"), 0o600)
	if _, err := LoadFile(required); err == nil || !strings.Contains(err.Error(), "set the gateway token") {
		t.Errorf("expected required variable error, got %v", err)
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	os.WriteFile(invalid, []byte("transport:\n  kind: carrier_pigeon\n"), 0o600)
	if _, err := LoadFile(invalid); err == nil || !strings.Contains(err.Error(), "carrier_pigeon") {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"provider", func(c *Config) { c.LLM.Provider = "oracle" }, "llm.provider"},
		{"format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"database", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"gateway", func(c *Config) { c.Gateway.Address = "" }, "gateway.address"},
		{"settings", func(c *Config) { c.Settings = map[string]any{"typo_skip": 3.0} }, "typo_skip"},
		{"sticker codename", func(c *Config) {
			c.Stickers = []StickerPackConfig{{Name: "p", Stickers: []StickerConfig{{Codename: "a"}, {Codename: "a"}}}}
		}, "duplicate codename"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSave(t *testing.T) {
	clearSecretEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-secret")

	path := filepath.Join(t.TempDir(), "conf", "echoclaw.yaml")
	cfg := DefaultConfig()
	cfg.LLM.Provider = ProviderAnthropic
	cfg.LLM.APIKey = "sk-ant-secret"
	cfg.Transport.Telegram.Token = "plain-token"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "sk-ant-secret") {
		t.Error("expected api key to be written as a reference")
	}
	if !strings.Contains(string(data), "${ANTHROPIC_API_KEY}") {
		t.Errorf("expected env reference in saved config:\n%s", data)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600, got %04o", info.Mode().Perm())
	}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("expected backup file, got %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("reloading saved config: %v", err)
	}
	if loaded.LLM.APIKey != "sk-ant-secret" || loaded.Transport.Telegram.Token != "plain-token" {
		t.Errorf("unexpected reloaded secrets: %q %q", loaded.LLM.APIKey, loaded.Transport.Telegram.Token)
	}
}

func TestGlobalOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.Model = "gpt-4o-mini"
	if got := cfg.GlobalOverrides()["model_name"]; got != "gpt-4o-mini" {
		t.Errorf("expected llm model as default, got %v", got)
	}

	cfg.Settings = map[string]any{"model_name": "explicit"}
	if got := cfg.GlobalOverrides()["model_name"]; got != "explicit" {
		t.Errorf("expected explicit model_name to win, got %v", got)
	}
	if _, ok := cfg.Settings["temperature"]; ok {
		t.Error("expected GlobalOverrides not to mutate the config")
	}
}
