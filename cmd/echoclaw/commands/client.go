package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// gatewayClient talks to a running daemon's control API.
type gatewayClient struct {
	base  string
	token string
	http  *http.Client
}

// newGatewayClient builds a client from --gateway/--token or the config's
// gateway section.
func newGatewayClient(cmd *cobra.Command) (*gatewayClient, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	base, _ := cmd.Flags().GetString("gateway")
	if base == "" {
		base = cfg.Gateway.Address
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = cfg.Gateway.Token
	}
	return &gatewayClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		// Manual sends pace like a person typing and can take a while.
		http: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// addGatewayFlags registers the connection flags on a command tree.
func addGatewayFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("gateway", "", "control API address (default: gateway.address from config)")
	cmd.PersistentFlags().String("token", "", "control API bearer token (default: gateway.token from config)")
}

// do sends a JSON request and decodes the JSON response into out (which
// may be nil).
func (c *gatewayClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting daemon at %s (is 'echoclaw serve' running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// printJSON writes v indented.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
