package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/settings"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Configure and drive chats on a running daemon",
		Long: `Bind personas, edit per-chat settings and control auto-mode through the
control API. Chat ids are the daemon's numeric chat ids.

Examples:
  echoclaw chat bind 123456 <persona-id>
  echoclaw chat settings 123456
  echoclaw chat settings 123456 temperature=0.8 enable_stickers=false --persona-default
  echoclaw chat reset 123456
  echoclaw chat start 123456`,
	}
	addGatewayFlags(cmd)
	cmd.AddCommand(
		newChatBindCmd(),
		newChatSettingsCmd(),
		newChatResetCmd(),
		newChatNoteCmd(),
		newChatAutoModeCmd("start", "Start auto-mode for a chat"),
		newChatAutoModeCmd("stop", "Stop auto-mode for a chat"),
		newChatStatusCmd(),
	)
	return cmd
}

func newChatBindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bind <chat> <persona-id>",
		Short: "Bind a persona to a chat",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := parseChat(args[0])
			if err != nil {
				return err
			}
			c, err := newGatewayClient(cmd)
			if err != nil {
				return err
			}
			body := map[string]string{"persona": args[1]}
			if err := c.do(cmd.Context(), "PUT", chatPath(chat, "persona"), body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Chat %d now speaks as %s\n", chat, args[1])
			return nil
		},
	}
}

func newChatSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings <chat> [key=value ...]",
		Short: "Show or change a chat's effective settings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := parseChat(args[0])
			if err != nil {
				return err
			}
			c, err := newGatewayClient(cmd)
			if err != nil {
				return err
			}
			personaID, _ := cmd.Flags().GetString("persona")

			var view map[string]any
			if len(args) == 1 {
				path := chatPath(chat, "settings")
				if personaID != "" {
					path += "?persona=" + personaID
				}
				if err := c.do(cmd.Context(), "GET", path, nil, &view); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), view)
			}

			overrides, err := parseOverrides(args[1:])
			if err != nil {
				return err
			}
			also, _ := cmd.Flags().GetBool("persona-default")
			body := map[string]any{
				"persona":                     personaID,
				"overrides":                   overrides,
				"also_update_persona_default": also,
			}
			if err := c.do(cmd.Context(), "PUT", chatPath(chat, "settings"), body, &view); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
	cmd.Flags().String("persona", "", "persona id (default: the chat's bound persona)")
	cmd.Flags().Bool("persona-default", false, "also store the values as the persona's defaults")
	return cmd
}

func newChatResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <chat>",
		Short: "Drop a chat's setting overrides",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := parseChat(args[0])
			if err != nil {
				return err
			}
			c, err := newGatewayClient(cmd)
			if err != nil {
				return err
			}
			path := chatPath(chat, "settings")
			if personaID, _ := cmd.Flags().GetString("persona"); personaID != "" {
				path += "?persona=" + personaID
			}
			if err := c.do(cmd.Context(), "DELETE", path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Chat %d settings reset\n", chat)
			return nil
		},
	}
	cmd.Flags().String("persona", "", "persona id (default: the chat's bound persona)")
	return cmd
}

func newChatNoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "note <chat> <text>",
		Short: "Set the note the persona keeps about a chat",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := parseChat(args[0])
			if err != nil {
				return err
			}
			c, err := newGatewayClient(cmd)
			if err != nil {
				return err
			}
			body := map[string]string{"note": strings.Join(args[1:], " ")}
			return c.do(cmd.Context(), "PUT", chatPath(chat, "note"), body, nil)
		},
	}
}

func newChatAutoModeCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <chat>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := parseChat(args[0])
			if err != nil {
				return err
			}
			c, err := newGatewayClient(cmd)
			if err != nil {
				return err
			}
			var resp map[string]any
			if err := c.do(cmd.Context(), "POST", chatPath(chat, "automode/"+action), nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newChatStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [chat]",
		Short: "Show auto-mode status for one chat or all workers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newGatewayClient(cmd)
			if err != nil {
				return err
			}
			path := "/api/automode"
			if len(args) == 1 {
				chat, err := parseChat(args[0])
				if err != nil {
					return err
				}
				path = chatPath(chat, "automode")
			}
			var resp map[string]any
			if err := c.do(cmd.Context(), "GET", path, nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

// ---------- Helpers ----------

func parseChat(s string) (int64, error) {
	chat, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q", s)
	}
	return chat, nil
}

func chatPath(chat int64, suffix string) string {
	return fmt.Sprintf("/api/chats/%d/%s", chat, suffix)
}

// parseOverrides turns key=value arguments into overrides. Values parse as
// number, then bool, then string.
func parseOverrides(args []string) (settings.Overrides, error) {
	o := settings.Overrides{}
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		if !settings.Known(key) {
			return nil, fmt.Errorf("unknown setting %q", key)
		}
		o[key] = parseValue(strings.TrimSpace(raw))
	}
	return o, nil
}

func parseValue(raw string) any {
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}
