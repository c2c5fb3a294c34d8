package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/automode"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/compose"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/llm"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/settings"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/store"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport"
)

const testToken = "s3cret"

// ---------- fakes ----------

type fakeTransport struct {
	mu   sync.Mutex
	msgs []transport.Message
	sent []string
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) receive(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, transport.Message{
		ID: int64(len(f.msgs) + 1), Role: transport.RoleCounterpart,
		SenderID: "bob", SenderName: "Bob", At: time.Now(), Text: text,
	})
}

func (f *fakeTransport) sentOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) RecentMessages(_ context.Context, _ int64, limit int) ([]transport.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.msgs
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]transport.Message(nil), msgs...), nil
}

func (f *fakeTransport) SendText(_ context.Context, _ int64, text string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, "text:"+text)
	return nil
}

func (f *fakeTransport) SendSticker(_ context.Context, _ int64, codename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, "sticker:"+codename)
	return nil
}

func (f *fakeTransport) SendReaction(_ context.Context, _ int64, id int64, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, fmt.Sprintf("react:%d:%s", id, emoji))
	return nil
}

func (f *fakeTransport) ChatInfo(context.Context, int64) (transport.ChatInfo, error) {
	return transport.ChatInfo{Name: "Bob"}, nil
}

type fakeGen struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (g *fakeGen) Generate(context.Context, llm.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.reply, g.err
}

// ---------- harness ----------

type harness struct {
	t      *testing.T
	store  *store.Store
	tr     *fakeTransport
	gen    *fakeGen
	reg    *automode.Registry
	server *httptest.Server
}

// fastGlobals removes pacing so manual sends return immediately.
var fastGlobals = settings.Overrides{
	"typing_delay_ms_min":        0.0,
	"typing_delay_ms_max":        0.0,
	"base_thinking_delay_s_min":  0.0,
	"base_thinking_delay_s_max":  0.0,
	"reaction_delay_s_min":       0.0,
	"reaction_delay_s_max":       0.0,
	"sticker_choosing_delay_min": 0.0,
	"sticker_choosing_delay_max": 0.0,
	"auto_mode_check_interval":   0.05,
	"typo_substitution":          0.0,
	"typo_transposition":         0.0,
	"typo_skip":                  0.0,
	"lowercase_after_period":     0.0,
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "control.db")})
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}

	h := &harness{t: t, store: st, tr: &fakeTransport{}, gen: &fakeGen{reply: "hello there"}}
	resolver := settings.NewResolver(st, fastGlobals, nil)
	eng := automode.NewEngine(automode.Deps{
		Settings:  resolver,
		Personas:  st,
		Chats:     st,
		Transport: h.tr,
		Generator: h.gen,
		Composer:  compose.New(nil, nil),
	})
	h.reg = automode.NewRegistry(context.Background(), eng.NewWorker, nil)
	svc := New(Deps{Engine: eng, Registry: h.reg, Resolver: resolver, Store: st})
	h.server = httptest.NewServer(NewRouter(svc, RouterConfig{Token: testToken}, nil))

	t.Cleanup(func() {
		h.server.Close()
		h.reg.Shutdown(2 * time.Second)
		st.Close()
	})
	return h
}

func (h *harness) do(method, path string, body any) (int, map[string]any) {
	h.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			h.t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.server.URL+path, rd)
	if err != nil {
		h.t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp.StatusCode, out
}

func (h *harness) createPersona(name string) string {
	h.t.Helper()
	code, body := h.do("POST", "/api/personas", map[string]any{"name": name, "personality": "friendly"})
	if code != http.StatusCreated {
		h.t.Fatalf("expected 201 creating persona, got %d: %v", code, body)
	}
	return body["id"].(string)
}

// ---------- tests ----------

func TestHealthAndAuth(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from /health, got %d", resp.StatusCode)
	}

	resp, err = http.Get(h.server.URL + "/api/automode")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", resp.StatusCode)
	}

	if code, _ := h.do("GET", "/api/automode", nil); code != http.StatusOK {
		t.Errorf("expected 200 with token, got %d", code)
	}

	resp, err = http.Get(h.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from /metrics, got %d", resp.StatusCode)
	}
}

func TestPersonaCRUD(t *testing.T) {
	h := newHarness(t)
	id := h.createPersona("Alice")

	code, body := h.do("GET", "/api/personas/"+id, nil)
	if code != http.StatusOK || body["name"] != "Alice" {
		t.Fatalf("expected Alice, got %d %v", code, body)
	}
	if body["command_prompt"] == "" {
		t.Error("expected default command prompt")
	}

	code, body = h.do("PUT", "/api/personas/"+id, map[string]any{"name": "Alicia", "sticker_packs": []string{"cats"}})
	if code != http.StatusOK || body["name"] != "Alicia" {
		t.Errorf("expected rename, got %d %v", code, body)
	}
	if body["personality"] != "friendly" {
		t.Errorf("expected untouched personality, got %v", body["personality"])
	}

	code, body = h.do("GET", "/api/personas", nil)
	if list, _ := body["personas"].([]any); code != http.StatusOK || len(list) != 1 {
		t.Errorf("expected one persona, got %d %v", code, body)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing", "GET", "/api/personas/nope", nil, http.StatusNotFound},
		{"no name", "POST", "/api/personas", map[string]any{"personality": "x"}, http.StatusBadRequest},
		{"bad defaults", "POST", "/api/personas", map[string]any{"name": "B", "defaults": map[string]any{"bogus": 1}}, http.StatusBadRequest},
		{"unknown field", "POST", "/api/personas", map[string]any{"name": "B", "colour": "red"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, body := h.do(tt.method, tt.path, tt.body); code != tt.want {
				t.Errorf("expected %d, got %d: %v", tt.want, code, body)
			}
		})
	}
}

func TestSettingsLayers(t *testing.T) {
	h := newHarness(t)
	const chat = "/api/chats/7"

	code, _ := h.do("PUT", chat+"/settings", map[string]any{"overrides": map[string]any{"temperature": 0.5}})
	if code != http.StatusConflict {
		t.Errorf("expected 409 without a bound persona, got %d", code)
	}

	id := h.createPersona("Alice")
	if code, body := h.do("PUT", chat+"/persona", map[string]any{"persona": id}); code != http.StatusOK {
		t.Fatalf("bind failed: %d %v", code, body)
	}
	if code, _ := h.do("PUT", chat+"/persona", map[string]any{"persona": "ghost"}); code != http.StatusNotFound {
		t.Errorf("expected 404 binding a missing persona, got %d", code)
	}

	code, body := h.do("PUT", chat+"/settings", map[string]any{
		"overrides":       map[string]any{"temperature": 0.5},
		"also_update_persona_default": true,
	})
	if code != http.StatusOK {
		t.Fatalf("save failed: %d %v", code, body)
	}
	eff := body["effective"].(map[string]any)
	if eff["temperature"] != 0.5 {
		t.Errorf("expected effective temperature 0.5, got %v", eff["temperature"])
	}
	if defaults := body["persona_defaults"].(map[string]any); defaults["temperature"] != 0.5 {
		t.Errorf("expected persona default 0.5, got %v", defaults)
	}

	code, _ = h.do("PUT", chat+"/settings", map[string]any{"overrides": map[string]any{"temperature": 0.9, "bogus": true}})
	if code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown key, got %d", code)
	}
	_, body = h.do("GET", chat+"/settings", nil)
	if eff := body["effective"].(map[string]any); eff["temperature"] != 0.5 {
		t.Errorf("expected rejected request to change nothing, got %v", eff["temperature"])
	}

	for _, bad := range []map[string]any{
		{"auto_mode_check_interval": 1e11},
		{"max_message_length": 0},
		{"num_messages_to_fetch": 0},
	} {
		if code, _ := h.do("PUT", chat+"/settings", map[string]any{"overrides": bad}); code != http.StatusBadRequest {
			t.Errorf("expected 400 for %v, got %d", bad, code)
		}
	}

	code, _ = h.do("PUT", chat+"/settings", map[string]any{
		"persona":                     "ghost",
		"overrides":                   map[string]any{"temperature": 0.1},
		"also_update_persona_default": true,
	})
	if code != http.StatusNotFound {
		t.Errorf("expected 404 saving defaults of a missing persona, got %d", code)
	}
	if _, body = h.do("GET", chat+"/settings?persona=ghost", nil); body["chat_overrides"] != nil {
		t.Errorf("expected failed save to leave no chat overrides, got %v", body["chat_overrides"])
	}

	if code, _ := h.do("DELETE", chat+"/settings", nil); code != http.StatusNoContent {
		t.Errorf("expected 204 from reset, got %d", code)
	}
	_, body = h.do("GET", chat+"/settings", nil)
	if eff := body["effective"].(map[string]any); eff["temperature"] != 0.5 {
		t.Errorf("expected persona default to survive chat reset, got %v", eff["temperature"])
	}

	if code, _ := h.do("PUT", chat+"/note", map[string]any{"note": "  likes jazz "}); code != http.StatusNoContent {
		t.Errorf("expected 204 saving note, got %d", code)
	}
	if _, body = h.do("GET", chat+"/settings", nil); body["note"] != "likes jazz" {
		t.Errorf("expected trimmed note, got %v", body["note"])
	}

	if code, _ := h.do("GET", "/api/chats/abc/settings", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad chat id, got %d", code)
	}
}

func TestGenerateAndSend(t *testing.T) {
	h := newHarness(t)
	const chat = "/api/chats/9"

	if code, _ := h.do("POST", chat+"/generate", nil); code != http.StatusConflict {
		t.Errorf("expected 409 generating without persona, got %d", code)
	}

	id := h.createPersona("Alice")
	h.do("PUT", chat+"/persona", map[string]any{"persona": id})

	if code, _ := h.do("POST", chat+"/generate", nil); code != http.StatusBadGateway {
		t.Errorf("expected 502 on an empty chat, got %d", code)
	}

	h.tr.receive("hi there")
	code, body := h.do("POST", chat+"/generate", nil)
	if code != http.StatusOK {
		t.Fatalf("generate failed: %d %v", code, body)
	}
	if body["text"] != "hello there" {
		t.Errorf("expected draft text, got %v", body["text"])
	}
	actions, _ := body["actions"].([]any)
	if len(actions) != 1 || actions[0].(map[string]any)["kind"] != "text" {
		t.Errorf("expected one text action, got %v", body["actions"])
	}
	if ops := h.tr.sentOps(); len(ops) != 0 {
		t.Errorf("expected generate to send nothing, got %v", ops)
	}

	code, body = h.do("POST", chat+"/send", map[string]any{"text": "see you"})
	if code != http.StatusOK || body["sent"] != 1.0 {
		t.Fatalf("send failed: %d %v", code, body)
	}
	if ops := h.tr.sentOps(); len(ops) != 1 || ops[0] != "text:see you" {
		t.Errorf("expected one sent text, got %v", ops)
	}

	if code, _ := h.do("POST", chat+"/send", map[string]any{"text": "   "}); code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for blank text, got %d", code)
	}

	if code, _ := h.do("POST", "/api/chats/10/send", map[string]any{"text": "no persona"}); code != http.StatusOK {
		t.Errorf("expected send without persona to use global settings, got %d", code)
	}
}

func TestUpdateMemory(t *testing.T) {
	h := newHarness(t)
	id := h.createPersona("Alice")
	h.do("PUT", "/api/chats/3/persona", map[string]any{"persona": id})
	h.tr.receive("remember I like tea")
	h.gen.reply = "Bob likes tea."

	code, body := h.do("POST", "/api/chats/3/memory", nil)
	if code != http.StatusOK {
		t.Fatalf("memory update failed: %d %v", code, body)
	}
	if !strings.Contains(body["text"].(string), "Bob likes tea.") {
		t.Errorf("expected summary in entry, got %v", body["text"])
	}

	p, err := h.store.GetPersona(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Memory) != 1 {
		t.Errorf("expected one stored memory, got %d", len(p.Memory))
	}

	h.gen.err = errors.New("boom")
	if code, _ := h.do("POST", "/api/chats/3/memory", nil); code != http.StatusInternalServerError {
		t.Errorf("expected 500 on a generic generator failure, got %d", code)
	}
}

func TestAutoModeLifecycle(t *testing.T) {
	h := newHarness(t)
	const chat = "/api/chats/5/automode"

	code, body := h.do("POST", chat+"/start", nil)
	if code != http.StatusCreated || body["started"] != true {
		t.Fatalf("expected 201 started, got %d %v", code, body)
	}
	if code, body := h.do("POST", chat+"/start", nil); code != http.StatusOK || body["started"] != false {
		t.Errorf("expected idempotent start, got %d %v", code, body)
	}

	_, body = h.do("GET", "/api/automode", nil)
	if workers, _ := body["workers"].([]any); len(workers) != 1 {
		t.Errorf("expected one worker listed, got %v", body)
	}

	if code, body := h.do("POST", chat+"/stop", nil); code != http.StatusOK || body["stopping"] != true {
		t.Errorf("expected stop to signal, got %d %v", code, body)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		_, body = h.do("GET", chat, nil)
		if body["status"] == string(automode.StatusInactive) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker did not stop, status %v", body["status"])
		}
		time.Sleep(20 * time.Millisecond)
	}

	h.reg.Shutdown(time.Second)
	if code, _ := h.do("POST", chat+"/start", nil); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after shutdown, got %d", code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", store.ErrNotFound), http.StatusNotFound},
		{automode.ErrNoPersona, http.StatusConflict},
		{fmt.Errorf("%w: bogus", ErrInvalidSettings), http.StatusBadRequest},
		{compose.ErrNothingToSend, http.StatusUnprocessableEntity},
		{automode.ErrClosed, http.StatusServiceUnavailable},
		{llm.NewError("openai", 503, "overloaded", nil), http.StatusBadGateway},
		{transport.HardError("send", "flood", nil), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v): expected %d, got %d", tt.err, tt.want, got)
		}
	}
}
