package commands

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/config"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/secrets"
)

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard that writes echoclaw.yaml: transport, LLM
provider, control API and where credentials are kept. Credentials go to the
encrypted vault or the OS keyring; the config file only holds ${VAR}
references.

Examples:
  echoclaw setup
  echoclaw setup --config ~/.echoclaw/echoclaw.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInteractiveSetup(cmd)
		},
	}
}

// Where setup stores credentials.
const (
	storeVault   = "vault"
	storeKeyring = "keyring"
	storeEnv     = "env"
)

func runInteractiveSetup(cmd *cobra.Command) error {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}

	cfg, err := loadOrDefault(path)
	if err != nil {
		return err
	}

	var (
		token     string
		apiKey    string
		storage   = storeVault
		autostart = joinChats(cfg.AutoMode.Autostart)
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("EchoClaw setup").
				Description("Answers chats in a persona's voice. Settings are written to "+path+"."),
			huh.NewInput().
				Title("Instance name").
				Value(&cfg.Name),
			huh.NewSelect[string]().
				Title("Messaging platform").
				Options(
					huh.NewOption("Telegram (bot)", config.TransportTelegram),
					huh.NewOption("WhatsApp (linked device, QR login)", config.TransportWhatsApp),
					huh.NewOption("Discord (bot)", config.TransportDiscord),
				).
				Value(&cfg.Transport.Kind),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Bot token").
				Description("From @BotFather or the Discord developer portal.").
				EchoMode(huh.EchoModePassword).
				Value(&token),
		).WithHideFunc(func() bool { return cfg.Transport.Kind == config.TransportWhatsApp }),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("LLM provider").
				Options(
					huh.NewOption("OpenAI or any OpenAI-compatible endpoint", config.ProviderOpenAI),
					huh.NewOption("Anthropic", config.ProviderAnthropic),
				).
				Value(&cfg.LLM.Provider),
			huh.NewInput().
				Title("Model").
				Value(&cfg.LLM.Model).
				Validate(required("model")),
			huh.NewInput().
				Title("Base URL").
				Description("Leave empty for the provider's default endpoint.").
				Value(&cfg.LLM.BaseURL),
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Where should credentials be stored?").
				Options(
					huh.NewOption("Encrypted vault file", storeVault),
					huh.NewOption("OS keyring", storeKeyring),
					huh.NewOption("Environment variables (I'll export them)", storeEnv),
				).
				Value(&storage),
			huh.NewInput().
				Title("Control API address").
				Value(&cfg.Gateway.Address).
				Validate(func(s string) error {
					_, _, err := net.SplitHostPort(s)
					return err
				}),
			huh.NewInput().
				Title("Auto-start chats").
				Description("Comma-separated chat ids whose auto-mode starts with the daemon.").
				Value(&autostart).
				Validate(func(s string) error {
					_, err := splitChats(s)
					return err
				}),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	chats, _ := splitChats(autostart)
	cfg.AutoMode.Autostart = chats

	creds := map[string]string{secrets.LLMAPIKey: strings.TrimSpace(apiKey)}
	switch cfg.Transport.Kind {
	case config.TransportTelegram:
		creds[secrets.TelegramToken] = strings.TrimSpace(token)
	case config.TransportDiscord:
		creds[secrets.DiscordToken] = strings.TrimSpace(token)
	}

	// The file only carries references; the values live elsewhere.
	cfg.LLM.APIKey = "${" + config.ProviderKeyName(cfg.LLM.Provider) + "}"
	cfg.Transport.Telegram.Token = "${" + config.EnvTelegramToken + "}"
	cfg.Transport.Discord.Token = "${" + config.EnvDiscordToken + "}"

	if err := storeCredentials(cmd, storage, creds); err != nil {
		return err
	}
	if err := config.Save(cfg, path); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nConfiguration written to %s\n", path)
	if storage == storeEnv {
		fmt.Fprintf(out, "Export these before 'echoclaw serve':\n  %s\n", config.ProviderKeyName(cfg.LLM.Provider))
		switch cfg.Transport.Kind {
		case config.TransportTelegram:
			fmt.Fprintf(out, "  %s\n", config.EnvTelegramToken)
		case config.TransportDiscord:
			fmt.Fprintf(out, "  %s\n", config.EnvDiscordToken)
		}
	}
	fmt.Fprintln(out, "Next: 'echoclaw serve', then 'echoclaw persona create' and 'echoclaw chat bind'.")
	return nil
}

func loadOrDefault(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("existing config at %s: %w", path, err)
	}
	return cfg, nil
}

// storeCredentials writes the non-empty credentials to the chosen store.
func storeCredentials(cmd *cobra.Command, storage string, creds map[string]string) error {
	switch storage {
	case storeKeyring:
		ring := secrets.NewKeyring()
		for name, value := range creds {
			if value == "" {
				continue
			}
			if err := ring.Set(name, value); err != nil {
				return fmt.Errorf("keyring: %w", err)
			}
		}
		return nil

	case storeVault:
		v := secrets.NewVault(vaultPath(cmd))
		if v.Exists() {
			var pass string
			err := huh.NewInput().
				Title("Vault password").
				EchoMode(huh.EchoModePassword).
				Value(&pass).
				Run()
			if err != nil {
				return err
			}
			if err := v.Unlock(pass); err != nil {
				return err
			}
		} else {
			pass, err := askNewPassword()
			if err != nil {
				return err
			}
			if err := v.EnsureDir(); err != nil {
				return err
			}
			if err := v.Create(pass); err != nil {
				return err
			}
		}
		defer v.Lock()
		for name, value := range creds {
			if value == "" {
				continue
			}
			if err := v.Set(name, value); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Credentials stored in %s. Set %s to start the daemon unattended.\n",
			v.Path(), secrets.EnvVaultPassword)
		return nil
	}
	return nil
}

func askNewPassword() (string, error) {
	var pass, confirm string
	err := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("New vault password").
			EchoMode(huh.EchoModePassword).
			Value(&pass).
			Validate(func(s string) error {
				if len(s) < 8 {
					return errors.New("at least 8 characters")
				}
				return nil
			}),
		huh.NewInput().
			Title("Repeat password").
			EchoMode(huh.EchoModePassword).
			Value(&confirm).
			Validate(func(s string) error {
				if s != pass {
					return errors.New("passwords do not match")
				}
				return nil
			}),
	)).Run()
	return pass, err
}

func required(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

func splitChats(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		chat, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q", part)
		}
		out = append(out, chat)
	}
	return out, nil
}

func joinChats(chats []int64) string {
	parts := make([]string, len(chats))
	for i, c := range chats {
		parts[i] = strconv.FormatInt(c, 10)
	}
	return strings.Join(parts, ", ")
}
