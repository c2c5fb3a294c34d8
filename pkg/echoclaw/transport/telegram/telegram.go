// Package telegram implements the conversation transport for Telegram using
// the Bot API (go-telegram-bot-api).
//
// Bots cannot page back through a chat, so every message seen on the update
// stream, and every message the bot sends, is recorded in the store's
// history log. Log row ids are the message ids the model sees. Chat ids are
// Telegram's own: negative for groups.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/metrics"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/store"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport"
)

const name = "telegram"

// maxMessageLength is the Bot API text ceiling.
const maxMessageLength = 4096

// Config holds Telegram transport configuration.
type Config struct {
	// Token is the Telegram Bot API token (from @BotFather).
	Token string `yaml:"token"`

	// AllowedChats restricts which chats are recorded. Empty means all.
	AllowedChats []int64 `yaml:"allowed_chats"`

	// APIEndpoint overrides the Bot API URL format.
	APIEndpoint string `yaml:"api_endpoint"`

	// PollTimeout is the long-polling timeout in seconds.
	PollTimeout int `yaml:"poll_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		APIEndpoint: tgbotapi.APIEndpoint,
		PollTimeout: 50,
	}
}

// Log is the history log and sticker catalog the transport records into.
type Log interface {
	AppendMessage(ctx context.Context, tr string, chat int64, nativeID string, m transport.Message) (int64, error)
	MessageID(ctx context.Context, tr string, chat int64, nativeID string) (int64, error)
	NativeMessage(ctx context.Context, tr string, chat, id int64) (store.MessageRef, error)
	SetReaction(ctx context.Context, messageID int64, senderID, emoji string) error
	RecentMessages(ctx context.Context, tr string, chat int64, limit int) ([]transport.Message, error)
	GetSticker(ctx context.Context, codename string) (store.Sticker, error)
	StickerCodename(ctx context.Context, platform, id string) (string, error)
}

// botAPI is the part of *tgbotapi.BotAPI the transport uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
}

// Telegram implements transport.Transport, transport.Indicator and
// transport.Limiter.
type Telegram struct {
	cfg    Config
	log    Log
	logger *slog.Logger

	mu     sync.RWMutex
	bot    *tgbotapi.BotAPI
	api    botAPI
	self   tgbotapi.User
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connected atomic.Bool
	lastMsg   atomic.Value // time.Time
}

// New creates a Telegram transport.
func New(cfg Config, log Log, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 50
	}
	return &Telegram{
		cfg:    cfg,
		log:    log,
		logger: logger.With("component", "telegram"),
	}
}

// Name returns "telegram".
func (t *Telegram) Name() string { return name }

// Connect verifies the token and starts long polling.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}
	if t.connected.Load() {
		return nil
	}

	_ = tgbotapi.SetLogger(botLogger{t.logger})
	client := &http.Client{Timeout: time.Duration(t.cfg.PollTimeout+10) * time.Second}
	bot, err := tgbotapi.NewBotAPIWithClient(t.cfg.Token, t.cfg.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("telegram: failed to verify token: %w", err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.bot, t.api, t.self, t.cancel = bot, bot, bot.Self, cancel
	t.mu.Unlock()
	t.connected.Store(true)
	t.logger.Info("telegram: connected", "bot", bot.Self.UserName, "id", bot.Self.ID)

	updates := bot.GetUpdatesChan(tgbotapi.UpdateConfig{
		Timeout:        t.cfg.PollTimeout,
		AllowedUpdates: []string{"message", "edited_message"},
	})
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.pollLoop(pollCtx, updates)
	}()
	return nil
}

// Disconnect stops polling.
func (t *Telegram) Disconnect() error {
	t.mu.Lock()
	bot, cancel := t.bot, t.cancel
	t.bot, t.api, t.cancel = nil, nil, nil
	t.mu.Unlock()

	if bot == nil {
		return nil
	}
	t.connected.Store(false)
	bot.StopReceivingUpdates()
	cancel()
	t.wg.Wait()
	t.logger.Info("telegram: disconnected")
	return nil
}

// IsConnected reports whether polling is running.
func (t *Telegram) IsConnected() bool { return t.connected.Load() }

// LastMessageAt returns when the last inbound message was recorded.
func (t *Telegram) LastMessageAt() time.Time {
	if v := t.lastMsg.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

// MaxTextLength returns the Bot API text ceiling.
func (t *Telegram) MaxTextLength() int { return maxMessageLength }

func (t *Telegram) client(op string) (botAPI, tgbotapi.User, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.api == nil {
		return nil, tgbotapi.User{}, transport.HardError(op, "disconnected", transport.ErrDisconnected)
	}
	return t.api, t.self, nil
}

// ---------- Polling ----------

func (t *Telegram) pollLoop(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Message != nil {
				t.handleMessage(ctx, u.Message)
			}
			if u.EditedMessage != nil {
				t.logger.Debug("telegram: edit ignored", "chat", u.EditedMessage.Chat.ID, "message", u.EditedMessage.MessageID)
			}
		}
	}
}

func (t *Telegram) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || msg.From == nil {
		return
	}
	if len(t.cfg.AllowedChats) > 0 && !containsInt64(t.cfg.AllowedChats, msg.Chat.ID) {
		return
	}
	_, self, err := t.client("record")
	if err != nil {
		return
	}
	role := transport.RoleCounterpart
	if msg.From.ID == self.ID {
		role = transport.RoleSelf
	}
	if _, err := t.record(ctx, msg, role, ""); err != nil {
		t.logger.Warn("telegram: failed to record message", "chat", msg.Chat.ID, "error", err)
		return
	}
	if role == transport.RoleCounterpart {
		t.lastMsg.Store(time.Now())
		metrics.InboundMessages.WithLabelValues(name).Inc()
		t.logger.Debug("telegram: message received", "chat", msg.Chat.ID, "from", msg.From.ID)
	}
}

// record appends a Bot API message to the history log. codename names the
// catalog sticker of an outgoing sticker message.
func (t *Telegram) record(ctx context.Context, msg *tgbotapi.Message, role transport.Role, codename string) (int64, error) {
	m := transport.Message{
		Role: role,
		At:   msg.Time(),
		Text: msg.Text,
	}
	if m.Text == "" {
		m.Text = msg.Caption
	}
	if msg.From != nil {
		m.SenderID = strconv.FormatInt(msg.From.ID, 10)
		m.SenderName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}
	if msg.ReplyToMessage != nil {
		id, err := t.log.MessageID(ctx, name, msg.Chat.ID, strconv.Itoa(msg.ReplyToMessage.MessageID))
		if err == nil {
			m.ReplyTo = id
		}
	}

	switch {
	case msg.Sticker != nil:
		m.Media = transport.MediaSticker
		if codename != "" {
			m.Sticker = codename
		} else if code, err := t.log.StickerCodename(ctx, name, msg.Sticker.FileID); err == nil {
			m.Sticker = code
		} else if m.Text == "" {
			m.Text = msg.Sticker.Emoji
		}
	case len(msg.Photo) > 0:
		m.Media = transport.MediaPhoto
	case msg.Video != nil, msg.VideoNote != nil, msg.Animation != nil:
		m.Media = transport.MediaVideo
	case msg.Voice != nil, msg.Audio != nil:
		m.Media = transport.MediaAudio
	case msg.Document != nil:
		m.Media = transport.MediaDocument
	}

	return t.log.AppendMessage(ctx, name, msg.Chat.ID, strconv.Itoa(msg.MessageID), m)
}

// ---------- Transport ----------

// RecentMessages returns the latest logged messages of the chat.
func (t *Telegram) RecentMessages(ctx context.Context, chat int64, limit int) ([]transport.Message, error) {
	msgs, err := t.log.RecentMessages(ctx, name, chat, limit)
	if err != nil {
		return nil, transport.HardError("history", "history log unavailable", err)
	}
	return msgs, nil
}

// SendText sends text, as a reply when replyTo is set.
func (t *Telegram) SendText(ctx context.Context, chat int64, text string, replyTo int64) error {
	const op = "send text"
	api, _, err := t.client(op)
	if err != nil {
		return err
	}
	cfg := tgbotapi.NewMessage(chat, text)
	if replyTo != 0 {
		ref, err := t.resolve(ctx, op, chat, replyTo)
		if err != nil {
			return err
		}
		cfg.ReplyToMessageID, _ = strconv.Atoi(ref.NativeID)
		cfg.AllowSendingWithoutReply = true
	}
	sent, err := call(ctx, func() (tgbotapi.Message, error) { return api.Send(cfg) })
	if err != nil {
		return classify(op, err)
	}
	t.recordSent(ctx, &sent, "")
	return nil
}

// SendSticker sends a catalog sticker by its Telegram file id.
func (t *Telegram) SendSticker(ctx context.Context, chat int64, codename string) error {
	const op = "send sticker"
	api, _, err := t.client(op)
	if err != nil {
		return err
	}
	st, err := t.log.GetSticker(ctx, codename)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrStickerDisabled):
		return transport.SoftError(op, "sticker "+codename+" unavailable", transport.ErrStickerUnavailable)
	case err != nil:
		return transport.HardError(op, "catalog lookup failed", err)
	case st.TelegramFileID == "":
		return transport.SoftError(op, "sticker "+codename+" has no telegram file id", transport.ErrStickerUnavailable)
	}

	cfg := tgbotapi.NewSticker(chat, tgbotapi.FileID(st.TelegramFileID))
	sent, err := call(ctx, func() (tgbotapi.Message, error) { return api.Send(cfg) })
	if err != nil {
		return classify(op, err)
	}
	t.recordSent(ctx, &sent, codename)
	return nil
}

// SendReaction sets the bot's reaction on a logged message.
func (t *Telegram) SendReaction(ctx context.Context, chat int64, messageID int64, emoji string) error {
	const op = "react"
	api, self, err := t.client(op)
	if err != nil {
		return err
	}
	ref, err := t.resolve(ctx, op, chat, messageID)
	if err != nil {
		return err
	}

	reaction, _ := json.Marshal([]map[string]string{{"type": "emoji", "emoji": emoji}})
	params := tgbotapi.Params{
		"message_id": ref.NativeID,
		"reaction":   string(reaction),
	}
	params.AddNonZero64("chat_id", chat)
	if _, err := call(ctx, func() (*tgbotapi.APIResponse, error) { return api.MakeRequest("setMessageReaction", params) }); err != nil {
		return classify(op, err)
	}

	if err := t.log.SetReaction(ctx, messageID, strconv.FormatInt(self.ID, 10), emoji); err != nil {
		t.logger.Warn("telegram: failed to record reaction", "chat", chat, "message", messageID, "error", err)
	}
	return nil
}

// ChatInfo returns the chat title, or the user's name for private chats.
func (t *Telegram) ChatInfo(ctx context.Context, chat int64) (transport.ChatInfo, error) {
	const op = "chat info"
	api, _, err := t.client(op)
	if err != nil {
		return transport.ChatInfo{}, err
	}
	c, err := call(ctx, func() (tgbotapi.Chat, error) {
		return api.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: chat}})
	})
	if err != nil {
		return transport.ChatInfo{}, classify(op, err)
	}
	info := transport.ChatInfo{Name: c.Title, IsGroup: !c.IsPrivate()}
	if c.IsPrivate() {
		info.Name = strings.TrimSpace(c.FirstName + " " + c.LastName)
		if info.Name == "" {
			info.Name = c.UserName
		}
	}
	return info, nil
}

// ---------- Indicator ----------

// Typing sends the "typing" chat action.
func (t *Telegram) Typing(ctx context.Context, chat int64) error {
	return t.chatAction(ctx, chat, tgbotapi.ChatTyping)
}

// ChoosingSticker sends the "choose_sticker" chat action.
func (t *Telegram) ChoosingSticker(ctx context.Context, chat int64) error {
	return t.chatAction(ctx, chat, tgbotapi.ChatChooseSticker)
}

func (t *Telegram) chatAction(ctx context.Context, chat int64, action string) error {
	api, _, err := t.client("chat action")
	if err != nil {
		return err
	}
	_, err = call(ctx, func() (*tgbotapi.APIResponse, error) {
		return api.Request(tgbotapi.NewChatAction(chat, action))
	})
	return err
}

// ---------- Helpers ----------

// resolve maps a log id to the native message, as a soft error when the
// model referenced a message that is not in the log.
func (t *Telegram) resolve(ctx context.Context, op string, chat, id int64) (store.MessageRef, error) {
	ref, err := t.log.NativeMessage(ctx, name, chat, id)
	if errors.Is(err, store.ErrNotFound) {
		return ref, transport.SoftError(op, fmt.Sprintf("message %d not found", id), transport.ErrUnknownMessage)
	}
	if err != nil {
		return ref, transport.HardError(op, "history log unavailable", err)
	}
	return ref, nil
}

func (t *Telegram) recordSent(ctx context.Context, sent *tgbotapi.Message, codename string) {
	if sent.Chat == nil {
		return
	}
	if _, err := t.record(ctx, sent, transport.RoleSelf, codename); err != nil {
		t.logger.Warn("telegram: failed to record sent message", "chat", sent.Chat.ID, "error", err)
	}
}

// call runs a blocking Bot API request, giving up when ctx ends first.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// softReasons are 400/403 descriptions that only affect one action.
var softReasons = []string{
	"message to react not found",
	"reaction_invalid",
	"not enough rights",
	"bot was blocked",
	"message to reply not found",
	"wrong file identifier",
}

// classify maps Bot API failures onto transport severities.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return transport.HardError(op, "timeout", err)
	}

	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return transport.HardError(op, "request failed", err)
	}
	switch apiErr.Code {
	case http.StatusTooManyRequests:
		return &transport.Error{
			Op:         op,
			Severity:   transport.Hard,
			Reason:     "rate limited",
			RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second,
			Err:        err,
		}
	case http.StatusBadRequest, http.StatusForbidden:
		desc := strings.ToLower(apiErr.Message)
		for _, r := range softReasons {
			if strings.Contains(desc, r) {
				return transport.SoftError(op, r, err)
			}
		}
	case http.StatusUnauthorized:
		return transport.HardError(op, "unauthorized", err)
	}
	return transport.HardError(op, "api error", err)
}

func containsInt64(list []int64, v int64) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// botLogger routes the library's log lines to slog.
type botLogger struct{ l *slog.Logger }

func (b botLogger) Println(v ...interface{}) {
	b.l.Warn("telegram: " + strings.TrimSpace(fmt.Sprintln(v...)))
}

func (b botLogger) Printf(format string, v ...interface{}) {
	b.l.Debug("telegram: " + fmt.Sprintf(format, v...))
}

var (
	_ transport.Transport = (*Telegram)(nil)
	_ transport.Indicator = (*Telegram)(nil)
	_ transport.Limiter   = (*Telegram)(nil)
)
