package store

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/persona"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/settings"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_Migrates(t *testing.T) {
	s := openTestStore(t)
	v, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("expected schema version %d, got %d", len(migrations), v)
	}

	// Reopening applies nothing new.
	path := s.Path()
	s.Close()
	s2, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	v2, _ := s2.SchemaVersion(context.Background())
	if v2 != v {
		t.Errorf("expected version %d after reopen, got %d", v, v2)
	}
}

func TestPersona_CRUD(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	p := persona.New("Alice", "cheerful student")
	p.StickerPacks = []string{"cats"}
	p.Defaults = settings.Overrides{"temperature": 0.7}
	p.Memory = []persona.MemoryEntry{{At: time.Now(), Text: "met Bob"}}
	if err := s.CreatePersona(ctx, p); err != nil {
		t.Fatalf("CreatePersona failed: %v", err)
	}

	got, err := s.GetPersona(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPersona failed: %v", err)
	}
	if got.Name != "Alice" || got.Personality != "cheerful student" {
		t.Errorf("unexpected persona: %+v", got)
	}
	if !slices.Contains(got.StickerPacks, "cats") {
		t.Error("expected sticker pack cats")
	}
	if got.Defaults["temperature"] != 0.7 {
		t.Errorf("expected temperature default 0.7, got %v", got.Defaults["temperature"])
	}
	if len(got.Memory) != 1 || got.Memory[0].Text != "met Bob" {
		t.Errorf("unexpected memory: %+v", got.Memory)
	}

	if err := s.AppendMemory(ctx, p.ID, persona.MemoryEntry{At: time.Now(), Text: "second"}); err != nil {
		t.Fatalf("AppendMemory failed: %v", err)
	}
	got, _ = s.GetPersona(ctx, p.ID)
	if len(got.Memory) != 2 || got.Memory[1].Text != "second" {
		t.Errorf("expected appended entry last, got %+v", got.Memory)
	}

	list, err := s.ListPersonas(ctx)
	if err != nil {
		t.Fatalf("ListPersonas failed: %v", err)
	}
	if len(list) != 1 || list[0].Memories != 2 {
		t.Errorf("unexpected listing: %+v", list)
	}

	if err := s.DeletePersona(ctx, p.ID); err != nil {
		t.Fatalf("DeletePersona failed: %v", err)
	}
	if _, err := s.GetPersona(ctx, p.ID); !errors.Is(err, persona.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.AppendMemory(ctx, p.ID, persona.MemoryEntry{At: time.Now(), Text: "x"}); !errors.Is(err, persona.ErrNotFound) {
		t.Errorf("expected ErrNotFound appending to deleted persona, got %v", err)
	}
}

func TestChatSettings_SourceAndResolver(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	p := persona.New("Alice", "")
	if err := s.CreatePersona(ctx, p); err != nil {
		t.Fatalf("CreatePersona failed: %v", err)
	}
	if err := s.BindPersona(ctx, 42, "missing"); !errors.Is(err, persona.ErrNotFound) {
		t.Errorf("expected ErrNotFound binding missing persona, got %v", err)
	}
	if err := s.BindPersona(ctx, 42, p.ID); err != nil {
		t.Fatalf("BindPersona failed: %v", err)
	}
	if err := s.SaveSettings(ctx, 42, p.ID, settings.Overrides{"auto_mode_check_interval": 5, "model_name": "persona-model"}, true); err != nil {
		t.Fatalf("SaveSettings with persona default failed: %v", err)
	}
	if err := s.SaveSettings(ctx, 42, p.ID, settings.Overrides{"auto_mode_check_interval": 9}, false); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}
	if err := s.SaveChatNote(ctx, 42, p.ID, "they like cats"); err != nil {
		t.Fatalf("SaveChatNote failed: %v", err)
	}

	r := settings.NewResolver(s, settings.Overrides{"model_name": "global-model"}, nil)
	got, id, err := r.Resolve(ctx, 42)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if id != p.ID {
		t.Errorf("expected persona %s, got %s", p.ID, id)
	}
	if got.CheckInterval != 9*time.Second {
		t.Errorf("expected chat override 9s, got %v", got.CheckInterval)
	}
	if got.ModelName != "persona-model" {
		t.Errorf("expected persona model, got %q", got.ModelName)
	}

	note, _ := s.ChatNote(ctx, 42, p.ID)
	if note != "they like cats" {
		t.Errorf("expected note, got %q", note)
	}

	if err := s.ResetChatOverrides(ctx, 42, p.ID); err != nil {
		t.Fatalf("ResetChatOverrides failed: %v", err)
	}
	got, _, _ = r.Resolve(ctx, 42)
	if got.CheckInterval != 5*time.Second {
		t.Errorf("expected persona default 5s after reset, got %v", got.CheckInterval)
	}
	note, _ = s.ChatNote(ctx, 42, p.ID)
	if note != "they like cats" {
		t.Errorf("expected note to survive reset, got %q", note)
	}

	if err := s.UnbindPersona(ctx, 42); err != nil {
		t.Fatalf("UnbindPersona failed: %v", err)
	}
	if bound, _ := s.BoundPersona(ctx, 42); bound != "" {
		t.Errorf("expected no binding, got %q", bound)
	}
}

func TestSaveSettingsIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	err := s.SaveSettings(ctx, 7, "ghost", settings.Overrides{"temperature": 0.3}, true)
	if !errors.Is(err, persona.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown persona, got %v", err)
	}
	if o, err := s.ChatOverrides(ctx, 7, "ghost"); err != nil || len(o) != 0 {
		t.Errorf("expected no chat overrides after failed save, got %v (%v)", o, err)
	}

	p := persona.New("Bea", "")
	if err := s.CreatePersona(ctx, p); err != nil {
		t.Fatalf("CreatePersona failed: %v", err)
	}
	if err := s.SaveSettings(ctx, 7, p.ID, settings.Overrides{"temperature": 0.3}, true); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}
	if err := s.SaveSettings(ctx, 7, p.ID, settings.Overrides{"model_name": "m2"}, true); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}
	chat, _ := s.ChatOverrides(ctx, 7, p.ID)
	defaults, _ := s.PersonaDefaults(ctx, p.ID)
	for name, layer := range map[string]settings.Overrides{"chat": chat, "persona": defaults} {
		if layer["temperature"] != 0.3 || layer["model_name"] != "m2" {
			t.Errorf("expected %s layer to merge both saves, got %v", name, layer)
		}
	}
}

func TestChatDirectory(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	dm, err := s.ChatID(ctx, "whatsapp", "5511999@s.whatsapp.net", false, "Bob")
	if err != nil {
		t.Fatalf("ChatID failed: %v", err)
	}
	group, err := s.ChatID(ctx, "whatsapp", "1203@g.us", true, "Friends")
	if err != nil {
		t.Fatalf("ChatID failed: %v", err)
	}
	if dm <= 0 {
		t.Errorf("expected positive direct chat id, got %d", dm)
	}
	if group >= 0 {
		t.Errorf("expected negative group chat id, got %d", group)
	}

	again, _ := s.ChatID(ctx, "whatsapp", "5511999@s.whatsapp.net", false, "")
	if again != dm {
		t.Errorf("expected stable id %d, got %d", dm, again)
	}

	e, err := s.ChatAddress(ctx, "whatsapp", group)
	if err != nil {
		t.Fatalf("ChatAddress failed: %v", err)
	}
	if e.Address != "1203@g.us" || e.Name != "Friends" || !e.IsGroup {
		t.Errorf("unexpected entry: %+v", e)
	}
	if _, err := s.ChatAddress(ctx, "whatsapp", -dm); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for sign mismatch, got %v", err)
	}
	e, _ = s.ChatAddress(ctx, "whatsapp", dm)
	if e.Name != "Bob" {
		t.Errorf("expected name kept when re-registered without one, got %q", e.Name)
	}
}

func TestStickers(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.UpsertPack(ctx, "cats", "Cats", true); err != nil {
		t.Fatalf("UpsertPack failed: %v", err)
	}
	if err := s.UpsertPack(ctx, "dogs", "Dogs", false); err != nil {
		t.Fatalf("UpsertPack failed: %v", err)
	}
	for _, st := range []Sticker{
		{Codename: "cat_smile", Pack: "cats", Description: "smiling cat", TelegramFileID: "tg1"},
		{Codename: "cat_cry", Pack: "cats"},
		{Codename: "dog_wave", Pack: "dogs"},
	} {
		if err := s.UpsertSticker(ctx, st); err != nil {
			t.Fatalf("UpsertSticker failed: %v", err)
		}
	}

	list, err := s.StickersForPacks(ctx, []string{"cats", "dogs"})
	if err != nil {
		t.Fatalf("StickersForPacks failed: %v", err)
	}
	if len(list) != 2 || list[0].Codename != "cat_cry" || list[1].Codename != "cat_smile" {
		t.Errorf("expected the two enabled cat stickers, got %+v", list)
	}
	if list[1].Line() != "cat_smile - smiling cat" {
		t.Errorf("unexpected line %q", list[1].Line())
	}

	st, err := s.GetSticker(ctx, "cat_smile")
	if err != nil || st.TelegramFileID != "tg1" {
		t.Errorf("unexpected sticker %+v, err %v", st, err)
	}
	if _, err := s.GetSticker(ctx, "dog_wave"); !errors.Is(err, ErrStickerDisabled) {
		t.Errorf("expected ErrStickerDisabled, got %v", err)
	}
	if _, err := s.GetSticker(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if code, err := s.StickerCodename(ctx, "telegram", "tg1"); err != nil || code != "cat_smile" {
		t.Errorf("expected reverse lookup to cat_smile, got %q %v", code, err)
	}
	if _, err := s.StickerCodename(ctx, "discord", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for an empty id, got %v", err)
	}

	packs, _ := s.ListPacks(ctx)
	if len(packs) != 2 || packs[0].Count != 2 || packs[1].Enabled {
		t.Errorf("unexpected packs %+v", packs)
	}
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var ids []int64
	for i, text := range []string{"one", "two", "three", "four"} {
		role := transport.RoleCounterpart
		if i%2 == 1 {
			role = transport.RoleSelf
		}
		id, err := s.AppendMessage(ctx, "telegram", 7, string(rune('a'+i)), transport.Message{
			Role: role, SenderID: "u", SenderName: "Bob", At: base.Add(time.Duration(i) * time.Minute), Text: text,
		})
		if err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
		ids = append(ids, id)
	}

	dup, err := s.AppendMessage(ctx, "telegram", 7, "a", transport.Message{Role: transport.RoleCounterpart, At: base, Text: "dup"})
	if err != nil {
		t.Fatalf("duplicate AppendMessage failed: %v", err)
	}
	if dup != ids[0] {
		t.Errorf("expected duplicate to return %d, got %d", ids[0], dup)
	}

	if err := s.SetReaction(ctx, ids[2], "u", "👍"); err != nil {
		t.Fatalf("SetReaction failed: %v", err)
	}

	msgs, err := s.RecentMessages(ctx, "telegram", 7, 3)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "two" || msgs[2].Text != "four" {
		t.Errorf("expected oldest-first window two..four, got %q..%q", msgs[0].Text, msgs[2].Text)
	}
	if len(msgs[1].Reactions) != 1 || msgs[1].Reactions[0].Emoji != "👍" {
		t.Errorf("expected reaction on three, got %+v", msgs[1].Reactions)
	}
	if !msgs[0].At.Equal(base.Add(time.Minute)) {
		t.Errorf("expected timestamp preserved, got %v", msgs[0].At)
	}

	ref, err := s.NativeMessage(ctx, "telegram", 7, ids[1])
	if err != nil || ref.NativeID != "b" || ref.Role != transport.RoleSelf {
		t.Errorf("unexpected ref %+v, err %v", ref, err)
	}
	if _, err := s.NativeMessage(ctx, "telegram", 8, ids[1]); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other chat, got %v", err)
	}

	if err := s.SetReaction(ctx, ids[2], "u", ""); err != nil {
		t.Fatalf("SetReaction remove failed: %v", err)
	}
	msgs, _ = s.RecentMessages(ctx, "telegram", 7, 2)
	if len(msgs[0].Reactions) != 0 {
		t.Errorf("expected reaction removed, got %+v", msgs[0].Reactions)
	}
}
