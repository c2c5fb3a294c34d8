package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/config"
)

// cheapVault uses minimal Argon2 costs so tests stay fast.
func cheapVault(t *testing.T) *Vault {
	t.Helper()
	v := NewVault(filepath.Join(t.TempDir(), "test.vault"))
	v.kdf = kdfParams{Time: 1, Memory: 64, Threads: 1}
	return v
}

func TestVaultLifecycle(t *testing.T) {
	v := cheapVault(t)
	if v.Exists() {
		t.Fatal("expected no vault file yet")
	}
	if err := v.Create("hunter2"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := v.Create("again"); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}

	if err := v.Set(LLMAPIKey, "sk-secret"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := v.Set("__verify__", "x"); err == nil {
		t.Error("expected reserved name to be rejected")
	}

	raw, _ := os.ReadFile(v.Path())
	if strings.Contains(string(raw), "sk-secret") {
		t.Error("expected secret to be encrypted on disk")
	}
	info, _ := os.Stat(v.Path())
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600, got %04o", info.Mode().Perm())
	}

	v.Lock()
	if _, err := v.Get(LLMAPIKey); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}

	reopened := NewVault(v.Path())
	if err := reopened.Unlock("wrong"); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("expected ErrWrongPassword, got %v", err)
	}
	if err := reopened.Unlock("hunter2"); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	got, err := reopened.Get(LLMAPIKey)
	if err != nil || got != "sk-secret" {
		t.Errorf("expected sk-secret, got %q (%v)", got, err)
	}
	if got, _ := reopened.Get("missing"); got != "" {
		t.Errorf("expected empty value for missing secret, got %q", got)
	}

	keys, _ := reopened.Keys()
	if len(keys) != 1 || keys[0] != LLMAPIKey {
		t.Errorf("expected [%s], got %v", LLMAPIKey, keys)
	}

	if err := reopened.Delete(LLMAPIKey); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if keys, _ := reopened.Keys(); len(keys) != 0 {
		t.Errorf("expected no keys after delete, got %v", keys)
	}
}

func TestVaultChangePassword(t *testing.T) {
	v := cheapVault(t)
	if err := v.Create("old"); err != nil {
		t.Fatal(err)
	}
	v.Set(TelegramToken, "123:abc")
	if err := v.ChangePassword("new"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	r := NewVault(v.Path())
	if err := r.Unlock("old"); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("expected old password to fail, got %v", err)
	}
	if err := r.Unlock("new"); err != nil {
		t.Fatalf("Unlock with new password failed: %v", err)
	}
	if got, _ := r.Get(TelegramToken); got != "123:abc" {
		t.Errorf("expected token to survive re-encryption, got %q", got)
	}
}

func TestKeyring(t *testing.T) {
	keyring.MockInit()
	k := NewKeyring()

	if !k.Available() {
		t.Fatal("expected mock keyring to be available")
	}
	if got := k.Get(DiscordToken); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
	if err := k.Set(DiscordToken, "disc"); err != nil {
		t.Fatal(err)
	}
	if got := k.Get(DiscordToken); got != "disc" {
		t.Errorf("expected disc, got %q", got)
	}
	if err := k.Delete(DiscordToken); err != nil {
		t.Errorf("Delete failed: %v", err)
	}
	if err := k.Delete(DiscordToken); err != nil {
		t.Errorf("expected deleting a missing secret to succeed, got %v", err)
	}
}

func TestResolvePriority(t *testing.T) {
	keyring.MockInit()
	ring := NewKeyring()
	ring.Set(LLMAPIKey, "from-keyring")
	ring.Set(TelegramToken, "tg-keyring")

	v := cheapVault(t)
	if err := v.Create("pw"); err != nil {
		t.Fatal(err)
	}
	v.Set(LLMAPIKey, "from-vault")

	cfg := config.DefaultConfig()
	cfg.LLM.APIKey = "from-config"
	cfg.Transport.Telegram.Token = ""
	cfg.Transport.Discord.Token = "disc-config"
	cfg.Gateway.Token = "${UNRESOLVED}"

	sources := Resolve(cfg, v, ring, nil)

	tests := []struct {
		name   string
		got    string
		want   string
		source Source
	}{
		{LLMAPIKey, cfg.LLM.APIKey, "from-vault", SourceVault},
		{TelegramToken, cfg.Transport.Telegram.Token, "tg-keyring", SourceKeyring},
		{DiscordToken, cfg.Transport.Discord.Token, "disc-config", SourceConfig},
		{GatewayToken, cfg.Gateway.Token, "${UNRESOLVED}", SourceNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, tt.got)
			}
			if sources[tt.name] != tt.source {
				t.Errorf("expected source %s, got %s", tt.source, sources[tt.name])
			}
		})
	}
}

func TestResolveWithoutVault(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LLM.APIKey = "only-config"
	sources := Resolve(cfg, nil, nil, nil)
	if cfg.LLM.APIKey != "only-config" || sources[LLMAPIKey] != SourceConfig {
		t.Errorf("expected config value to stand, got %q from %s", cfg.LLM.APIKey, sources[LLMAPIKey])
	}
}

func TestOpenVaultFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "env.vault")

	if v := OpenVault(path, false, nil); v != nil {
		t.Error("expected nil for a missing vault")
	}

	seed := NewVault(path)
	seed.kdf = kdfParams{Time: 1, Memory: 64, Threads: 1}
	if err := seed.Create("env-pass"); err != nil {
		t.Fatal(err)
	}

	t.Setenv(EnvVaultPassword, "wrong")
	if v := OpenVault(path, false, nil); v != nil {
		t.Error("expected nil with a wrong password")
	}
	t.Setenv(EnvVaultPassword, "env-pass")
	v := OpenVault(path, false, nil)
	if v == nil || !v.IsUnlocked() {
		t.Fatal("expected vault unlocked via environment")
	}
}
