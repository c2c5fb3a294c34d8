package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/control"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/persona"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/store"
)

const consoleHelp = `Commands:
  /use <chat>            select the chat the other commands act on
  /status                auto-mode status of the selected chat (or all, with no chat)
  /start | /stop         start or stop auto-mode
  /generate              draft a reply without sending it
  /send <text>           compose and send text with human pacing (plain lines do the same)
  /memory                summarize recent history into the persona's memory
  /settings [k=v ...]    show or change the chat's settings
  /reset                 drop the chat's setting overrides
  /bind <persona-id>     bind a persona to the chat
  /personas              list personas
  /help                  this text
  /quit                  leave`

func newConsoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console [chat]",
		Short: "Interactive console against a running daemon",
		Long: `Opens a line-editing console connected to the daemon's control API.
Select a chat with /use and drive it by hand: draft, send, update memory,
and start or stop auto-mode.

Examples:
  echoclaw console
  echoclaw console 123456`,
		Args: cobra.MaximumNArgs(1),
		RunE: runConsole,
	}
	addGatewayFlags(cmd)
	return cmd
}

type console struct {
	client *gatewayClient
	out    io.Writer
	chat   int64
	hasCh  bool
}

func runConsole(cmd *cobra.Command, args []string) error {
	client, err := newGatewayClient(cmd)
	if err != nil {
		return err
	}
	c := &console{client: client, out: cmd.OutOrStdout()}
	if len(args) == 1 {
		if c.chat, err = parseChat(args[0]); err != nil {
			return err
		}
		c.hasCh = true
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.prompt(),
		HistoryFile:     consoleHistoryFile(),
		AutoComplete:    consoleCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintf(c.out, "Connected to %s. Type /help for commands.\n", client.base)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		quit, err := c.exec(ctx, line)
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
		rl.SetPrompt(c.prompt())
	}
}

func (c *console) prompt() string {
	if !c.hasCh {
		return "echoclaw> "
	}
	return fmt.Sprintf("echoclaw[%d]> ", c.chat)
}

// exec runs one console line. It reports whether the console should exit.
func (c *console) exec(ctx context.Context, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		return false, c.send(ctx, line)
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "quit", "exit":
		return true, nil
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
		return false, nil
	case "use":
		chat, err := parseChat(rest)
		if err != nil {
			return false, err
		}
		c.chat, c.hasCh = chat, true
		return false, nil
	case "personas":
		return false, c.personas(ctx)
	case "status":
		if !c.hasCh {
			return false, c.show(ctx, "GET", "/api/automode", nil)
		}
		return false, c.show(ctx, "GET", chatPath(c.chat, "automode"), nil)
	}

	if !c.hasCh {
		return false, errors.New("no chat selected; use /use <chat>")
	}
	switch name {
	case "start", "stop":
		return false, c.show(ctx, "POST", chatPath(c.chat, "automode/"+name), nil)
	case "generate":
		return false, c.generate(ctx)
	case "send":
		return false, c.send(ctx, rest)
	case "memory":
		var entry persona.MemoryEntry
		if err := c.client.do(ctx, "POST", chatPath(c.chat, "memory"), nil, &entry); err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "memory + %s\n", entry.Text)
		return false, nil
	case "settings":
		if rest == "" {
			return false, c.show(ctx, "GET", chatPath(c.chat, "settings"), nil)
		}
		overrides, err := parseOverrides(strings.Fields(rest))
		if err != nil {
			return false, err
		}
		return false, c.show(ctx, "PUT", chatPath(c.chat, "settings"), map[string]any{"overrides": overrides})
	case "reset":
		if err := c.client.do(ctx, "DELETE", chatPath(c.chat, "settings"), nil, nil); err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, "settings reset")
		return false, nil
	case "bind":
		if rest == "" {
			return false, errors.New("usage: /bind <persona-id>")
		}
		return false, c.show(ctx, "PUT", chatPath(c.chat, "persona"), map[string]string{"persona": rest})
	}
	return false, fmt.Errorf("unknown command /%s (try /help)", name)
}

func (c *console) show(ctx context.Context, method, path string, body any) error {
	var resp any
	if err := c.client.do(ctx, method, path, body, &resp); err != nil {
		return err
	}
	return printJSON(c.out, resp)
}

func (c *console) generate(ctx context.Context) error {
	var d control.Draft
	if err := c.client.do(ctx, "POST", chatPath(c.chat, "generate"), nil, &d); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "draft: %s\n", d.Text)
	for _, a := range d.Actions {
		switch a.Kind {
		case "text":
			if a.ReplyTo != 0 {
				fmt.Fprintf(c.out, "  text (reply to %d): %s\n", a.ReplyTo, a.Text)
			} else {
				fmt.Fprintf(c.out, "  text: %s\n", a.Text)
			}
		case "sticker":
			fmt.Fprintf(c.out, "  sticker: %s\n", a.Sticker)
		case "reaction":
			fmt.Fprintf(c.out, "  reaction %s on %d\n", a.Emoji, a.MessageID)
		}
	}
	return nil
}

func (c *console) send(ctx context.Context, text string) error {
	if !c.hasCh {
		return errors.New("no chat selected; use /use <chat>")
	}
	if text == "" {
		return errors.New("usage: /send <text>")
	}
	var res struct {
		Sent    int `json:"sent"`
		Skipped int `json:"skipped"`
		Dropped int `json:"dropped"`
	}
	if err := c.client.do(ctx, "POST", chatPath(c.chat, "send"), map[string]string{"text": text}, &res); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "sent %d, skipped %d, dropped %d\n", res.Sent, res.Skipped, res.Dropped)
	return nil
}

func (c *console) personas(ctx context.Context) error {
	var resp struct {
		Personas []store.PersonaSummary `json:"personas"`
	}
	if err := c.client.do(ctx, "GET", "/api/personas", nil, &resp); err != nil {
		return err
	}
	for _, p := range resp.Personas {
		fmt.Fprintf(c.out, "%s  %s (%d memories)\n", p.ID, p.Name, p.Memories)
	}
	return nil
}

func consoleCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("/use"),
		readline.PcItem("/status"),
		readline.PcItem("/start"),
		readline.PcItem("/stop"),
		readline.PcItem("/generate"),
		readline.PcItem("/send"),
		readline.PcItem("/memory"),
		readline.PcItem("/settings"),
		readline.PcItem("/reset"),
		readline.PcItem("/bind"),
		readline.PcItem("/personas"),
		readline.PcItem("/help"),
		readline.PcItem("/quit"),
	)
}

func consoleHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(home, ".echoclaw")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ""
	}
	return filepath.Join(dir, "console_history")
}
