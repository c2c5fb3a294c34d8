package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/automode"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/config"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/control"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/llm"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/llm/anthropic"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/llm/openai"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/presence"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/secrets"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/settings"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/store"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport/discord"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport/telegram"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport/whatsapp"
)

// platform is a transport with a connection lifecycle.
type platform interface {
	transport.Transport
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
		Long: `Start EchoClaw as a daemon: connect the configured transport, start the
auto-mode workers listed under automode.autostart and serve the control API.

Examples:
  echoclaw serve
  echoclaw serve --config ./echoclaw.yaml
  echoclaw serve --transport whatsapp`,
		RunE: runServe,
	}
	cmd.Flags().String("transport", "", "override transport.kind (telegram, whatsapp, discord)")
	cmd.Flags().Bool("no-gateway", false, "do not start the control API")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if kind, _ := cmd.Flags().GetString("transport"); kind != "" {
		cfg.Transport.Kind = kind
	}
	if off, _ := cmd.Flags().GetBool("no-gateway"); off {
		cfg.Gateway.Enabled = false
	}

	logger := newLogger(cmd, cfg.Logging)
	slog.SetDefault(logger)

	// ── Resolve secrets ──
	// Audit the raw values before the vault and keyring fill them in.
	config.AuditSecrets(cfg, logger)
	vault := secrets.OpenVault(vaultPath(cmd), true, logger)
	secrets.Resolve(cfg, vault, secrets.NewKeyring(), logger)
	if vault != nil {
		vault.Lock()
	}
	if err := checkCredentials(cfg); err != nil {
		return err
	}

	// ── Storage ──
	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := seedStickers(ctx, st, cfg.Stickers, logger); err != nil {
		return err
	}

	// ── Transport and generator ──
	tr, err := newPlatform(cfg, st, logger)
	if err != nil {
		return err
	}
	gen, err := newGenerator(cfg.LLM, logger)
	if err != nil {
		return err
	}

	resolver := settings.NewResolver(st, cfg.GlobalOverrides(), logger)
	engine := automode.NewEngine(automode.Deps{
		Settings:         resolver,
		Personas:         st,
		Chats:            st,
		Transport:        tr,
		Generator:        gen,
		Logger:           logger,
		TransportTimeout: cfg.AutoMode.TransportTimeout,
	})

	if err := tr.Connect(ctx); err != nil {
		return fmt.Errorf("connecting %s: %w", tr.Name(), err)
	}
	defer func() {
		if err := tr.Disconnect(); err != nil {
			logger.Warn("transport disconnect failed", "error", err)
		}
	}()

	// Workers outlive the signal context so Shutdown can stop them in order.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	registry := automode.NewRegistry(workerCtx, engine.NewWorker, logger)

	// ── Presence ──
	if setter, ok := tr.(transport.PresenceSetter); ok && cfg.Presence.Enabled {
		keeper := presence.New(setter, cfg.Presence, logger)
		if err := keeper.Start(ctx); err != nil {
			logger.Warn("presence keeper not started", "error", err)
		} else {
			defer keeper.Stop()
		}
	}

	// ── Auto-start ──
	for _, chat := range cfg.AutoMode.Autostart {
		if _, err := registry.Start(chat); err != nil {
			logger.Error("autostart failed", "chat", chat, "error", err)
		}
	}

	// ── Control API ──
	var srv *http.Server
	if cfg.Gateway.Enabled {
		svc := control.New(control.Deps{
			Engine:   engine,
			Registry: registry,
			Resolver: resolver,
			Store:    st,
			Logger:   logger,
		})
		router := control.NewRouter(svc, control.RouterConfig{
			Token: cfg.Gateway.Token,
			Health: func() map[string]bool {
				pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				return map[string]bool{
					"transport": tr.IsConnected(),
					"database":  st.Ping(pctx) == nil,
				}
			},
		}, logger)
		srv = control.Server(cfg.Gateway.Address, router)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("control API stopped", "error", err)
				stop()
			}
		}()
		logger.Info("control API listening", "address", cfg.Gateway.Address, "auth", cfg.Gateway.Token != "")
	}

	logger.Info("EchoClaw running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"transport", tr.Name(),
		"provider", cfg.LLM.Provider,
		"autostart", len(cfg.AutoMode.Autostart),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping...")

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("control API shutdown failed", "error", err)
		}
		cancel()
	}
	if !registry.Shutdown(cfg.AutoMode.ShutdownGrace) {
		logger.Warn("workers still running after grace period", "grace", cfg.AutoMode.ShutdownGrace)
	}
	logger.Info("shutdown complete")
	return nil
}

// resolveConfig loads the config file and offers the setup wizard on a
// terminal when none exists.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, path, err := loadConfig(cmd)
	if err != nil || path != "" {
		return cfg, err
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, errors.New("no configuration file found; run 'echoclaw setup' first")
	}

	runSetupNow := true
	err = huh.NewConfirm().
		Title("No configuration file found. Run the setup wizard now?").
		Affirmative("Yes").
		Negative("No").
		Value(&runSetupNow).
		Run()
	if err != nil {
		return nil, err
	}
	if !runSetupNow {
		return nil, errors.New("configuration required; run 'echoclaw setup'")
	}
	if err := runInteractiveSetup(cmd); err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}

	cfg, path, err = loadConfig(cmd)
	if err == nil && path == "" {
		err = errors.New("setup finished but no configuration file was found")
	}
	return cfg, err
}

// checkCredentials fails fast on missing tokens.
func checkCredentials(cfg *config.Config) error {
	var errs []error
	if cfg.LLM.APIKey == "" {
		errs = append(errs, fmt.Errorf("llm.api_key is empty (set %s, the vault secret %q or the keyring entry)",
			config.ProviderKeyName(cfg.LLM.Provider), secrets.LLMAPIKey))
	}
	switch cfg.Transport.Kind {
	case config.TransportTelegram:
		if cfg.Transport.Telegram.Token == "" {
			errs = append(errs, fmt.Errorf("transport.telegram.token is empty (set %s or the vault secret %q)",
				config.EnvTelegramToken, secrets.TelegramToken))
		}
	case config.TransportDiscord:
		if cfg.Transport.Discord.Token == "" {
			errs = append(errs, fmt.Errorf("transport.discord.token is empty (set %s or the vault secret %q)",
				config.EnvDiscordToken, secrets.DiscordToken))
		}
	}
	return errors.Join(errs...)
}

// seedStickers loads the configured sticker catalog into the store.
func seedStickers(ctx context.Context, st *store.Store, packs []config.StickerPackConfig, logger *slog.Logger) error {
	n := 0
	for _, p := range packs {
		if err := st.UpsertPack(ctx, p.Name, p.Title, !p.Disabled); err != nil {
			return fmt.Errorf("seeding sticker pack %s: %w", p.Name, err)
		}
		for _, s := range p.Catalog() {
			if err := st.UpsertSticker(ctx, s); err != nil {
				return fmt.Errorf("seeding sticker %s: %w", s.Codename, err)
			}
			n++
		}
	}
	if n > 0 {
		logger.Info("sticker catalog loaded", "packs", len(packs), "stickers", n)
	}
	return nil
}

func newPlatform(cfg *config.Config, st *store.Store, logger *slog.Logger) (platform, error) {
	switch cfg.Transport.Kind {
	case config.TransportTelegram:
		return telegram.New(cfg.Transport.Telegram, st, logger), nil
	case config.TransportWhatsApp:
		wa := whatsapp.New(cfg.Transport.WhatsApp, st, logger)
		wa.SetQROutput(os.Stdout)
		return wa, nil
	case config.TransportDiscord:
		return discord.New(cfg.Transport.Discord, st, logger), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
}

func newGenerator(cfg config.LLMConfig, logger *slog.Logger) (llm.Generator, error) {
	var (
		gen llm.Generator
		err error
	)
	switch cfg.Provider {
	case config.ProviderOpenAI:
		gen, err = openai.New(openai.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL}, logger)
	case config.ProviderAnthropic:
		gen, err = anthropic.New(anthropic.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL}, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return llm.WithTimeout(gen, cfg.Timeout), nil
}
