// Package discord implements the conversation transport for Discord using
// discordgo.
//
// Discord keeps chat history server side, so messages are read straight from
// the channel API and their snowflakes are the ids the model sees. Chat ids
// are channel snowflakes: positive for direct messages, negated for guild
// channels.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/metrics"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/store"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport"
)

// maxHistory is the API page limit of ChannelMessages.
const maxHistory = 100

// maxMessageLength is Discord's per-message character ceiling.
const maxMessageLength = 2000

// Config holds Discord transport configuration.
type Config struct {
	// Token is the bot token.
	Token string `yaml:"token"`

	// AllowedGuilds restricts which guilds are counted as inbound traffic.
	// Empty means all.
	AllowedGuilds []string `yaml:"allowed_guilds"`
}

// Stickers resolves catalog stickers.
type Stickers interface {
	GetSticker(ctx context.Context, codename string) (store.Sticker, error)
	StickerCodename(ctx context.Context, platform, id string) (string, error)
}

// api is the part of *discordgo.Session the transport uses.
type api interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	UpdateStatusComplex(usd discordgo.UpdateStatusData) error
}

// Discord implements transport.Transport, transport.Indicator,
// transport.PresenceSetter and transport.Limiter.
type Discord struct {
	cfg      Config
	logger   *slog.Logger
	stickers Stickers

	mu      sync.RWMutex
	session *discordgo.Session
	api     api
	selfID  string

	connected atomic.Bool
	lastMsg   atomic.Value // time.Time
}

// New creates a Discord transport.
func New(cfg Config, stickers Stickers, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		stickers: stickers,
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the gateway connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessageReactions
	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	user := session.State.User
	d.mu.Lock()
	d.session = session
	d.api = session
	d.selfID = user.ID
	d.mu.Unlock()
	d.connected.Store(true)

	d.logger.Info("discord: connected", "user", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the gateway connection.
func (d *Discord) Disconnect() error {
	d.mu.Lock()
	session := d.session
	d.session, d.api = nil, nil
	d.mu.Unlock()

	d.connected.Store(false)
	if session != nil {
		if err := session.Close(); err != nil {
			return fmt.Errorf("discord: closing gateway: %w", err)
		}
	}
	d.logger.Info("discord: disconnected")
	return nil
}

// IsConnected reports whether the gateway is open.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// LastMessageAt returns when the last inbound message was seen.
func (d *Discord) LastMessageAt() time.Time {
	if v := d.lastMsg.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

// MaxTextLength returns Discord's message ceiling.
func (d *Discord) MaxTextLength() int { return maxMessageLength }

func (d *Discord) client(op string) (api, string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.api == nil {
		return nil, "", transport.HardError(op, "disconnected", transport.ErrDisconnected)
	}
	return d.api, d.selfID, nil
}

// ---------- Transport ----------

// RecentMessages reads the latest messages of the channel, oldest first.
func (d *Discord) RecentMessages(ctx context.Context, chat int64, limit int) ([]transport.Message, error) {
	c, self, err := d.client("history")
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}

	raw, err := c.ChannelMessages(channelOf(chat), limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify("history", err)
	}

	counterpart := ""
	if !transport.IsGroup(chat) {
		for _, m := range raw {
			if m.Author != nil && m.Author.ID != self {
				counterpart = m.Author.ID
				break
			}
		}
	}

	out := make([]transport.Message, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		if msg, ok := d.convert(ctx, raw[i], self, counterpart); ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// convert maps a Discord message. System messages (joins, pins) are skipped.
func (d *Discord) convert(ctx context.Context, m *discordgo.Message, self, counterpart string) (transport.Message, bool) {
	if m.Type != discordgo.MessageTypeDefault && m.Type != discordgo.MessageTypeReply {
		return transport.Message{}, false
	}
	id, err := strconv.ParseInt(m.ID, 10, 64)
	if err != nil || m.Author == nil {
		return transport.Message{}, false
	}

	msg := transport.Message{
		ID:         id,
		Role:       transport.RoleCounterpart,
		SenderID:   m.Author.ID,
		SenderName: displayName(m.Author),
		At:         m.Timestamp,
		Text:       m.Content,
	}
	if m.Author.ID == self {
		msg.Role = transport.RoleSelf
	}
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		msg.ReplyTo, _ = strconv.ParseInt(m.MessageReference.MessageID, 10, 64)
	}

	switch {
	case len(m.StickerItems) > 0:
		msg.Media = transport.MediaSticker
		if d.stickers != nil {
			if code, err := d.stickers.StickerCodename(ctx, "discord", m.StickerItems[0].ID); err == nil {
				msg.Sticker = code
			}
		}
	case len(m.Attachments) > 0:
		msg.Media = inferMediaType(m.Attachments[0].ContentType)
	}

	for _, r := range m.Reactions {
		if r.Emoji == nil || r.Emoji.ID != "" {
			continue // custom guild emoji are not in the model's vocabulary
		}
		others := r.Count
		if r.Me {
			msg.Reactions = append(msg.Reactions, transport.Reaction{SenderID: self, Emoji: r.Emoji.Name})
			others--
		}
		if others > 0 && counterpart != "" {
			msg.Reactions = append(msg.Reactions, transport.Reaction{SenderID: counterpart, Emoji: r.Emoji.Name})
		}
	}
	return msg, true
}

// SendText sends text, as a reply when replyTo is set.
func (d *Discord) SendText(ctx context.Context, chat int64, text string, replyTo int64) error {
	c, _, err := d.client("send text")
	if err != nil {
		return err
	}
	channel := channelOf(chat)
	send := &discordgo.MessageSend{Content: text}
	if replyTo != 0 {
		failIfMissing := false
		send.Reference = &discordgo.MessageReference{
			MessageID:       strconv.FormatInt(replyTo, 10),
			ChannelID:       channel,
			FailIfNotExists: &failIfMissing,
		}
	}
	if _, err := c.ChannelMessageSendComplex(channel, send, discordgo.WithContext(ctx)); err != nil {
		return classify("send text", err)
	}
	return nil
}

// SendSticker sends a catalog sticker by its Discord sticker id.
func (d *Discord) SendSticker(ctx context.Context, chat int64, codename string) error {
	c, _, err := d.client("send sticker")
	if err != nil {
		return err
	}
	st, err := d.sticker(ctx, codename)
	if err != nil {
		return err
	}
	send := &discordgo.MessageSend{StickerIDs: []string{st.DiscordID}}
	if _, err := c.ChannelMessageSendComplex(channelOf(chat), send, discordgo.WithContext(ctx)); err != nil {
		return classify("send sticker", err)
	}
	return nil
}

func (d *Discord) sticker(ctx context.Context, codename string) (store.Sticker, error) {
	if d.stickers == nil {
		return store.Sticker{}, transport.SoftError("send sticker", "no sticker catalog", transport.ErrStickerUnavailable)
	}
	st, err := d.stickers.GetSticker(ctx, codename)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrStickerDisabled):
		return st, transport.SoftError("send sticker", "sticker "+codename+" unavailable", transport.ErrStickerUnavailable)
	case err != nil:
		return st, transport.HardError("send sticker", "catalog lookup failed", err)
	case st.DiscordID == "":
		return st, transport.SoftError("send sticker", "sticker "+codename+" has no discord id", transport.ErrStickerUnavailable)
	}
	return st, nil
}

// SendReaction reacts to a message with a unicode emoji.
func (d *Discord) SendReaction(ctx context.Context, chat int64, messageID int64, emoji string) error {
	c, _, err := d.client("react")
	if err != nil {
		return err
	}
	err = c.MessageReactionAdd(channelOf(chat), strconv.FormatInt(messageID, 10), emoji, discordgo.WithContext(ctx))
	if err != nil {
		return classify("react", err)
	}
	return nil
}

// ChatInfo names the channel: the other user for direct messages, the
// channel name otherwise.
func (d *Discord) ChatInfo(ctx context.Context, chat int64) (transport.ChatInfo, error) {
	c, _, err := d.client("chat info")
	if err != nil {
		return transport.ChatInfo{}, err
	}
	ch, err := c.Channel(channelOf(chat), discordgo.WithContext(ctx))
	if err != nil {
		return transport.ChatInfo{}, classify("chat info", err)
	}
	info := transport.ChatInfo{Name: ch.Name, IsGroup: ch.Type != discordgo.ChannelTypeDM}
	if ch.Type == discordgo.ChannelTypeDM && len(ch.Recipients) > 0 {
		info.Name = displayName(ch.Recipients[0])
	}
	return info, nil
}

// ---------- Indicator / presence ----------

// Typing shows the typing indicator.
func (d *Discord) Typing(ctx context.Context, chat int64) error {
	c, _, err := d.client("typing")
	if err != nil {
		return err
	}
	return c.ChannelTyping(channelOf(chat), discordgo.WithContext(ctx))
}

// ChoosingSticker shows the typing indicator; Discord has no sticker hint.
func (d *Discord) ChoosingSticker(ctx context.Context, chat int64) error {
	return d.Typing(ctx, chat)
}

// SetOnline marks the account online.
func (d *Discord) SetOnline(ctx context.Context) error {
	c, _, err := d.client("presence")
	if err != nil {
		return err
	}
	return c.UpdateStatusComplex(discordgo.UpdateStatusData{Status: "online"})
}

// ---------- Event handlers ----------

// onMessageCreate only tracks inbound traffic; the scheduler reads history
// from the API.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	if len(d.cfg.AllowedGuilds) > 0 && m.GuildID != "" && !contains(d.cfg.AllowedGuilds, m.GuildID) {
		return
	}
	d.lastMsg.Store(time.Now())
	metrics.InboundMessages.WithLabelValues("discord").Inc()
	d.logger.Debug("discord: message received", "channel", m.ChannelID, "guild", m.GuildID, "from", m.Author.ID)
}

// ---------- Helpers ----------

// ChatID maps a channel to a chat id.
func ChatID(channelID string, guild bool) (int64, error) {
	id, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("discord: bad channel id %q: %w", channelID, err)
	}
	if guild {
		id = -id
	}
	return id, nil
}

func channelOf(chat int64) string {
	if chat < 0 {
		chat = -chat
	}
	return strconv.FormatInt(chat, 10)
}

func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// inferMediaType maps attachment MIME types to media kinds.
func inferMediaType(contentType string) transport.MediaKind {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return transport.MediaPhoto
	case strings.HasPrefix(ct, "audio/"):
		return transport.MediaAudio
	case strings.HasPrefix(ct, "video/"):
		return transport.MediaVideo
	default:
		return transport.MediaDocument
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// classify maps Discord API failures onto transport severities.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return transport.HardError(op, "timeout", err)
	}

	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return transport.HardError(op, "request failed", err)
	}
	if rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeUnknownMessage:
			return transport.SoftError(op, "message not found", errors.Join(transport.ErrUnknownMessage, err))
		case discordgo.ErrCodeUnknownEmoji:
			return transport.SoftError(op, "invalid emoji", err)
		case discordgo.ErrCodeMissingPermissions:
			return transport.SoftError(op, "missing permissions", err)
		case discordgo.ErrCodeCannotSendMessagesToThisUser:
			return transport.SoftError(op, "recipient does not accept messages", err)
		}
	}
	if rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusTooManyRequests:
			te := &transport.Error{Op: op, Severity: transport.Hard, Reason: "rate limited", Err: err}
			if secs, perr := strconv.ParseFloat(rest.Response.Header.Get("Retry-After"), 64); perr == nil {
				te.RetryAfter = time.Duration(secs * float64(time.Second))
			}
			return te
		case http.StatusUnauthorized:
			return transport.HardError(op, "unauthorized", err)
		}
	}
	return transport.HardError(op, "api error", err)
}

var (
	_ transport.Transport      = (*Discord)(nil)
	_ transport.Indicator      = (*Discord)(nil)
	_ transport.PresenceSetter = (*Discord)(nil)
	_ transport.Limiter        = (*Discord)(nil)
)
