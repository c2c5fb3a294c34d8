package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/control"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/persona"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/store"
)

func newPersonaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persona",
		Short: "Manage personas on a running daemon",
		Long: `Create, inspect and edit personas through the control API.

Examples:
  echoclaw persona list
  echoclaw persona create --name Alice --personality "cheerful student" --packs cats
  echoclaw persona show <id>
  echoclaw persona memory <id>`,
	}
	addGatewayFlags(cmd)
	cmd.AddCommand(
		newPersonaListCmd(),
		newPersonaCreateCmd(),
		newPersonaShowCmd(),
		newPersonaMemoryCmd(),
	)
	return cmd
}

func newPersonaListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List personas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newGatewayClient(cmd)
			if err != nil {
				return err
			}
			var resp struct {
				Personas []store.PersonaSummary `json:"personas"`
			}
			if err := c.do(cmd.Context(), "GET", "/api/personas", nil, &resp); err != nil {
				return err
			}
			if len(resp.Personas) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No personas yet. Create one with 'echoclaw persona create'.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tMEMORIES\tUPDATED")
			for _, p := range resp.Personas {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", p.ID, p.Name, p.Memories, p.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func newPersonaCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a persona",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, err := personaInputFromFlags(cmd)
			if err != nil {
				return err
			}
			c, err := newGatewayClient(cmd)
			if err != nil {
				return err
			}
			var p persona.Persona
			if err := c.do(cmd.Context(), "POST", "/api/personas", in, &p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created persona %s (%s)\n", p.Name, p.ID)
			return nil
		},
	}
	personaFlags(cmd)
	return cmd
}

func newPersonaShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a persona, or update it when field flags are given",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newGatewayClient(cmd)
			if err != nil {
				return err
			}
			var p persona.Persona
			if in, err := personaInputFromFlags(cmd); err != nil {
				return err
			} else if hasPersonaFields(in) {
				err = c.do(cmd.Context(), "PUT", "/api/personas/"+args[0], in, &p)
				if err != nil {
					return err
				}
			} else if err := c.do(cmd.Context(), "GET", "/api/personas/"+args[0], nil, &p); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
	personaFlags(cmd)
	return cmd
}

func newPersonaMemoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "memory <id>",
		Short: "Print a persona's long-term memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newGatewayClient(cmd)
			if err != nil {
				return err
			}
			var p persona.Persona
			if err := c.do(cmd.Context(), "GET", "/api/personas/"+args[0], nil, &p); err != nil {
				return err
			}
			if len(p.Memory) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s has no memories yet.\n", p.Name)
				return nil
			}
			for _, m := range p.Memory {
				fmt.Fprintf(cmd.OutOrStdout(), "- %s\n", m.Text)
			}
			return nil
		},
	}
}

func personaFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "display name")
	cmd.Flags().String("personality", "", "personality description")
	cmd.Flags().String("personality-file", "", "read the personality from a file")
	cmd.Flags().String("command-prompt", "", "instructions for replies (default: built-in)")
	cmd.Flags().String("memory-prompt", "", "instructions for memory summaries (default: built-in)")
	cmd.Flags().StringSlice("packs", nil, "enabled sticker packs")
}

func hasPersonaFields(in control.PersonaInput) bool {
	return in.Name != nil || in.Personality != nil || in.CommandPrompt != nil ||
		in.MemoryUpdatePrompt != nil || in.StickerPacks != nil
}

// personaInputFromFlags returns an input with only the flags that were set.
func personaInputFromFlags(cmd *cobra.Command) (control.PersonaInput, error) {
	var in control.PersonaInput
	str := func(flag string) *string {
		if !cmd.Flags().Changed(flag) {
			return nil
		}
		v, _ := cmd.Flags().GetString(flag)
		return &v
	}
	in.Name = str("name")
	in.Personality = str("personality")
	in.CommandPrompt = str("command-prompt")
	in.MemoryUpdatePrompt = str("memory-prompt")

	if path := str("personality-file"); path != nil {
		raw, err := os.ReadFile(*path)
		if err != nil {
			return in, fmt.Errorf("reading personality: %w", err)
		}
		text := strings.TrimSpace(string(raw))
		in.Personality = &text
	}
	if cmd.Flags().Changed("packs") {
		packs, _ := cmd.Flags().GetStringSlice("packs")
		in.StickerPacks = &packs
	}
	return in, nil
}
