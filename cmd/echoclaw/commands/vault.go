package commands

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/secrets"
)

func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the encrypted secrets vault",
		Long: fmt.Sprintf(`Store credentials in an encrypted vault file (Argon2id + AES-256-GCM) or
in the OS keyring instead of the config file. The daemon reads the vault
password from %s or prompts for it.

Known secrets: %v

Examples:
  echoclaw vault init
  echoclaw vault set llm_api_key
  echoclaw vault set telegram_token --keyring
  echoclaw vault get llm_api_key
  echoclaw vault delete discord_token`, secrets.EnvVaultPassword, secrets.Names()),
	}
	cmd.AddCommand(
		newVaultInitCmd(),
		newVaultSetCmd(),
		newVaultGetCmd(),
		newVaultDeleteCmd(),
		newVaultListCmd(),
	)
	return cmd
}

func newVaultInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := secrets.NewVault(vaultPath(cmd))
			if v.Exists() {
				return fmt.Errorf("%w at %s", secrets.ErrExists, v.Path())
			}
			pass, err := newPassword()
			if err != nil {
				return err
			}
			if err := v.EnsureDir(); err != nil {
				return err
			}
			if err := v.Create(pass); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Vault created at %s\n", v.Path())
			return nil
		},
	}
}

func newVaultSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret (prompts when value is omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !slices.Contains(secrets.Names(), name) {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %q is not a secret the daemon reads\n", name)
			}
			value := ""
			if len(args) == 2 {
				value = args[1]
			} else {
				var err error
				if value, err = secrets.ReadPassword(fmt.Sprintf("Value for %s (hidden): ", name)); err != nil {
					return err
				}
			}
			if value == "" {
				return errors.New("empty value")
			}

			if useKeyring, _ := cmd.Flags().GetBool("keyring"); useKeyring {
				ring := secrets.NewKeyring()
				if err := ring.Set(name, value); err != nil {
					return fmt.Errorf("keyring: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored %s in the OS keyring\n", name)
				return nil
			}

			v, err := unlockVault(cmd)
			if err != nil {
				return err
			}
			defer v.Lock()
			if err := v.Set(name, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s in %s\n", name, v.Path())
			return nil
		},
	}
	cmd.Flags().Bool("keyring", false, "store in the OS keyring instead of the vault")
	return cmd
}

func newVaultGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Print a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value string
			if useKeyring, _ := cmd.Flags().GetBool("keyring"); useKeyring {
				value = secrets.NewKeyring().Get(args[0])
			} else {
				v, err := unlockVault(cmd)
				if err != nil {
					return err
				}
				defer v.Lock()
				if value, err = v.Get(args[0]); err != nil {
					return err
				}
			}
			if value == "" {
				return fmt.Errorf("secret %q not found", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
	cmd.Flags().Bool("keyring", false, "read from the OS keyring instead of the vault")
	return cmd
}

func newVaultDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if useKeyring, _ := cmd.Flags().GetBool("keyring"); useKeyring {
				return secrets.NewKeyring().Delete(args[0])
			}
			v, err := unlockVault(cmd)
			if err != nil {
				return err
			}
			defer v.Lock()
			return v.Delete(args[0])
		},
	}
	cmd.Flags().Bool("keyring", false, "delete from the OS keyring instead of the vault")
	return cmd
}

func newVaultListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored secret names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := unlockVault(cmd)
			if err != nil {
				return err
			}
			defer v.Lock()
			keys, err := v.Keys()
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
}

// unlockVault opens the vault with the environment password or a prompt.
func unlockVault(cmd *cobra.Command) (*secrets.Vault, error) {
	v := secrets.NewVault(vaultPath(cmd))
	if !v.Exists() {
		return nil, fmt.Errorf("no vault at %s; run 'echoclaw vault init'", v.Path())
	}
	pass := os.Getenv(secrets.EnvVaultPassword)
	if pass == "" {
		var err error
		if pass, err = secrets.ReadPassword("Vault password: "); err != nil {
			return nil, err
		}
	}
	if err := v.Unlock(pass); err != nil {
		return nil, err
	}
	return v, nil
}

// newPassword prompts for a new master password twice.
func newPassword() (string, error) {
	pass, err := secrets.ReadPassword("New vault password: ")
	if err != nil {
		return "", err
	}
	if len(pass) < 8 {
		return "", errors.New("vault password must be at least 8 characters")
	}
	confirm, err := secrets.ReadPassword("Repeat password: ")
	if err != nil {
		return "", err
	}
	if pass != confirm {
		return "", errors.New("passwords do not match")
	}
	return pass, nil
}
