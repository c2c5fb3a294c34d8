package telegram

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/store"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport"
)

type fakeBot struct {
	self     tgbotapi.User
	nextID   int
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Params
	actions  []string
	sendErr  error
	chat     tgbotapi.Chat
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	f.sent = append(f.sent, c)
	f.nextID++
	msg := tgbotapi.Message{
		MessageID: f.nextID,
		From:      &f.self,
		Date:      int(time.Now().Unix()),
	}
	switch cfg := c.(type) {
	case tgbotapi.MessageConfig:
		msg.Chat = &tgbotapi.Chat{ID: cfg.ChatID}
		msg.Text = cfg.Text
	case tgbotapi.StickerConfig:
		msg.Chat = &tgbotapi.Chat{ID: cfg.ChatID}
		msg.Sticker = &tgbotapi.Sticker{FileID: "sent-variant"}
	}
	return msg, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	if a, ok := c.(tgbotapi.ChatActionConfig); ok {
		f.actions = append(f.actions, a.Action)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	params["endpoint"] = endpoint
	f.requests = append(f.requests, params)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error) {
	return f.chat, nil
}

func newTestTelegram(t *testing.T) (*Telegram, *fakeBot, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "tg.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	if err := st.UpsertPack(ctx, "cats", "Cats", true); err != nil {
		t.Fatalf("UpsertPack failed: %v", err)
	}
	for _, s := range []store.Sticker{
		{Codename: "cat_smile", Pack: "cats", TelegramFileID: "tg1"},
		{Codename: "cat_discord", Pack: "cats", DiscordID: "555"},
	} {
		if err := st.UpsertSticker(ctx, s); err != nil {
			t.Fatalf("UpsertSticker failed: %v", err)
		}
	}

	bot := &fakeBot{self: tgbotapi.User{ID: 1, FirstName: "Bot"}, nextID: 100}
	tg := New(Config{}, st, nil)
	tg.api = bot
	tg.self = bot.self
	return tg, bot, st
}

func inbound(id int, chat int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: id,
		From:      &tgbotapi.User{ID: 2, FirstName: "Ana", LastName: "Lima"},
		Chat:      &tgbotapi.Chat{ID: chat, Type: "private"},
		Date:      int(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Unix()) + id,
		Text:      text,
	}
}

func TestInboundAndOutboundAreLogged(t *testing.T) {
	ctx := context.Background()
	tg, bot, _ := newTestTelegram(t)

	tg.handleMessage(ctx, inbound(10, 42, "hi"))
	sticker := inbound(11, 42, "")
	sticker.Sticker = &tgbotapi.Sticker{FileID: "tg1", Emoji: "😺"}
	tg.handleMessage(ctx, sticker)

	msgs, err := tg.RecentMessages(ctx, 42, 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "hi" || msgs[0].SenderName != "Ana Lima" || msgs[0].Role != transport.RoleCounterpart {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].Media != transport.MediaSticker || msgs[1].Sticker != "cat_smile" {
		t.Errorf("expected recognized sticker, got %+v", msgs[1])
	}

	if err := tg.SendText(ctx, 42, "hello", msgs[0].ID); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	cfg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("expected MessageConfig, got %T", bot.sent[0])
	}
	if cfg.ReplyToMessageID != 10 || !cfg.AllowSendingWithoutReply {
		t.Errorf("expected reply to native message 10, got %+v", cfg.BaseChat)
	}

	msgs, _ = tg.RecentMessages(ctx, 42, 10)
	last := msgs[len(msgs)-1]
	if last.Role != transport.RoleSelf || last.Text != "hello" {
		t.Errorf("expected own message logged, got %+v", last)
	}
}

func TestSendStickerLogsCodename(t *testing.T) {
	ctx := context.Background()
	tg, _, _ := newTestTelegram(t)

	if err := tg.SendSticker(ctx, 42, "cat_smile"); err != nil {
		t.Fatalf("SendSticker failed: %v", err)
	}
	msgs, _ := tg.RecentMessages(ctx, 42, 10)
	if len(msgs) != 1 || msgs[0].Sticker != "cat_smile" {
		t.Errorf("expected logged sticker cat_smile, got %+v", msgs)
	}

	for _, code := range []string{"cat_discord", "missing"} {
		err := tg.SendSticker(ctx, 42, code)
		if !transport.IsSoft(err) || !errors.Is(err, transport.ErrStickerUnavailable) {
			t.Errorf("%s: expected soft sticker error, got %v", code, err)
		}
	}
}

func TestSendReaction(t *testing.T) {
	ctx := context.Background()
	tg, bot, _ := newTestTelegram(t)

	tg.handleMessage(ctx, inbound(10, 42, "hi"))
	msgs, _ := tg.RecentMessages(ctx, 42, 10)

	if err := tg.SendReaction(ctx, 42, msgs[0].ID, "🔥"); err != nil {
		t.Fatalf("SendReaction failed: %v", err)
	}
	if len(bot.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(bot.requests))
	}
	p := bot.requests[0]
	if p["endpoint"] != "setMessageReaction" || p["message_id"] != "10" || p["chat_id"] != "42" {
		t.Errorf("unexpected params: %v", p)
	}
	if p["reaction"] != `[{"emoji":"🔥","type":"emoji"}]` {
		t.Errorf("unexpected reaction payload: %s", p["reaction"])
	}

	msgs, _ = tg.RecentMessages(ctx, 42, 10)
	if len(msgs[0].Reactions) != 1 || msgs[0].Reactions[0].SenderID != "1" {
		t.Errorf("expected own reaction logged, got %+v", msgs[0].Reactions)
	}

	err := tg.SendReaction(ctx, 42, 9999, "🔥")
	if !transport.IsSoft(err) || !errors.Is(err, transport.ErrUnknownMessage) {
		t.Errorf("expected soft unknown message, got %v", err)
	}
}

func TestAllowedChats(t *testing.T) {
	ctx := context.Background()
	tg, _, _ := newTestTelegram(t)
	tg.cfg.AllowedChats = []int64{7}

	tg.handleMessage(ctx, inbound(10, 42, "hi"))
	msgs, _ := tg.RecentMessages(ctx, 42, 10)
	if len(msgs) != 0 {
		t.Errorf("expected filtered chat to stay empty, got %d", len(msgs))
	}
}

func TestChatInfoAndIndicators(t *testing.T) {
	ctx := context.Background()
	tg, bot, _ := newTestTelegram(t)

	bot.chat = tgbotapi.Chat{ID: 42, Type: "private", FirstName: "Ana"}
	info, err := tg.ChatInfo(ctx, 42)
	if err != nil || info.Name != "Ana" || info.IsGroup {
		t.Errorf("unexpected info %+v (%v)", info, err)
	}
	bot.chat = tgbotapi.Chat{ID: -5, Type: "supergroup", Title: "Friends"}
	info, _ = tg.ChatInfo(ctx, -5)
	if info.Name != "Friends" || !info.IsGroup {
		t.Errorf("unexpected info %+v", info)
	}

	_ = tg.Typing(ctx, 42)
	_ = tg.ChoosingSticker(ctx, 42)
	if len(bot.actions) != 2 || bot.actions[0] != tgbotapi.ChatTyping || bot.actions[1] != tgbotapi.ChatChooseSticker {
		t.Errorf("unexpected chat actions: %v", bot.actions)
	}
}

func TestCallHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := call(ctx, func() (int, error) { return 1, nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	apiErr := func(code int, msg string, retry int) error {
		return &tgbotapi.Error{Code: code, Message: msg, ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: retry}}
	}

	tests := []struct {
		name       string
		err        error
		soft       bool
		retryAfter time.Duration
	}{
		{"react target gone", apiErr(400, "Bad Request: message to react not found", 0), true, 0},
		{"invalid reaction", apiErr(400, "Bad Request: REACTION_INVALID", 0), true, 0},
		{"no rights", apiErr(400, "Bad Request: not enough rights to send stickers", 0), true, 0},
		{"blocked", apiErr(403, "Forbidden: bot was blocked by the user", 0), true, 0},
		{"other bad request", apiErr(400, "Bad Request: chat not found", 0), false, 0},
		{"rate limited", apiErr(429, "Too Many Requests: retry after 7", 7), false, 7 * time.Second},
		{"unauthorized", apiErr(401, "Unauthorized", 0), false, 0},
		{"network", errors.New("dial tcp: refused"), false, 0},
		{"timeout", context.DeadlineExceeded, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("send text", tt.err)
			if transport.IsSoft(err) != tt.soft {
				t.Errorf("expected soft=%v, got %v", tt.soft, err)
			}
			var te *transport.Error
			if !errors.As(err, &te) {
				t.Fatalf("expected *transport.Error, got %T", err)
			}
			if te.RetryAfter != tt.retryAfter {
				t.Errorf("expected retry after %v, got %v", tt.retryAfter, te.RetryAfter)
			}
		})
	}
}
