package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseOverrides(t *testing.T) {
	o, err := parseOverrides([]string{"temperature=0.8", "enable_stickers=false", "model_name=gpt-4o", "num_messages_to_fetch=1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o["temperature"] != 0.8 {
		t.Errorf("expected 0.8, got %v", o["temperature"])
	}
	if o["enable_stickers"] != false {
		t.Errorf("expected false, got %v", o["enable_stickers"])
	}
	if o["model_name"] != "gpt-4o" {
		t.Errorf("expected gpt-4o, got %v", o["model_name"])
	}
	if o["num_messages_to_fetch"] != 1.0 {
		t.Errorf("expected numeric 1, got %v (%T)", o["num_messages_to_fetch"], o["num_messages_to_fetch"])
	}

	for _, bad := range []string{"temperature", "=1", "bogus_key=1"} {
		if _, err := parseOverrides([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestSplitChats(t *testing.T) {
	tests := []struct {
		in      string
		want    []int64
		wantErr bool
	}{
		{"", nil, false},
		{"1, -1002, 3", []int64{1, -1002, 3}, false},
		{"1,,2", []int64{1, 2}, false},
		{"abc", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := splitChats(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
	if joinChats([]int64{1, -2}) != "1, -2" {
		t.Errorf("unexpected join: %q", joinChats([]int64{1, -2}))
	}
}

type recorded struct {
	method, path, auth string
	body               map[string]any
}

func fakeGateway(t *testing.T) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization")}
		json.NewDecoder(r.Body).Decode(&rec.body)
		calls = append(calls, rec)

		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/send"):
			w.Write([]byte(`{"sent":2,"skipped":0,"dropped":0}`))
		case strings.HasSuffix(r.URL.Path, "/generate"):
			w.Write([]byte(`{"text":"hey {split} there","actions":[{"kind":"text","text":"hey"},{"kind":"text","text":"there"}]}`))
		case strings.HasSuffix(r.URL.Path, "/memory"):
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"automode: no persona bound to chat"}`))
		default:
			w.Write([]byte(`{}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestConsoleExec(t *testing.T) {
	srv, calls := fakeGateway(t)
	var out bytes.Buffer
	c := &console{
		client: &gatewayClient{base: srv.URL, token: "tok", http: srv.Client()},
		out:    &out,
	}
	ctx := context.Background()

	if _, err := c.exec(ctx, "hello"); err == nil {
		t.Error("expected an error sending without a chat")
	}
	if _, err := c.exec(ctx, "/use 42"); err != nil || c.chat != 42 {
		t.Fatalf("expected chat 42, got %d (%v)", c.chat, err)
	}
	if c.prompt() != "echoclaw[42]> " {
		t.Errorf("unexpected prompt %q", c.prompt())
	}

	if _, err := c.exec(ctx, "good morning"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !strings.Contains(out.String(), "sent 2") {
		t.Errorf("expected send summary, got %q", out.String())
	}

	if _, err := c.exec(ctx, "/generate"); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if !strings.Contains(out.String(), "text: there") {
		t.Errorf("expected drafted actions, got %q", out.String())
	}

	_, err := c.exec(ctx, "/memory")
	if err == nil || !strings.Contains(err.Error(), "no persona") || !strings.Contains(err.Error(), "409") {
		t.Errorf("expected API error surfaced, got %v", err)
	}

	if _, err := c.exec(ctx, "/settings temperature=0.3"); err != nil {
		t.Fatalf("settings failed: %v", err)
	}
	if _, err := c.exec(ctx, "/nope"); err == nil {
		t.Error("expected unknown command error")
	}
	if quit, _ := c.exec(ctx, "/quit"); !quit {
		t.Error("expected /quit to exit")
	}

	want := []struct{ method, path string }{
		{"POST", "/api/chats/42/send"},
		{"POST", "/api/chats/42/generate"},
		{"POST", "/api/chats/42/memory"},
		{"PUT", "/api/chats/42/settings"},
	}
	if len(*calls) != len(want) {
		t.Fatalf("expected %d calls, got %d: %+v", len(want), len(*calls), *calls)
	}
	for i, w := range want {
		got := (*calls)[i]
		if got.method != w.method || got.path != w.path {
			t.Errorf("call %d: expected %s %s, got %s %s", i, w.method, w.path, got.method, got.path)
		}
		if got.auth != "Bearer tok" {
			t.Errorf("call %d: expected bearer token, got %q", i, got.auth)
		}
	}
	if (*calls)[0].body["text"] != "good morning" {
		t.Errorf("expected send body text, got %v", (*calls)[0].body)
	}
	if o, _ := (*calls)[3].body["overrides"].(map[string]any); o["temperature"] != 0.3 {
		t.Errorf("expected temperature override, got %v", (*calls)[3].body)
	}
}
