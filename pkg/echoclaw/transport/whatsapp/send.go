package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/store"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport"
)

// RecentMessages returns the latest logged messages of the chat.
func (w *WhatsApp) RecentMessages(ctx context.Context, chat int64, limit int) ([]transport.Message, error) {
	msgs, err := w.log.RecentMessages(ctx, name, chat, limit)
	if err != nil {
		return nil, transport.HardError("history", "history log unavailable", err)
	}
	return msgs, nil
}

// SendText sends text, quoting replyTo when set.
func (w *WhatsApp) SendText(ctx context.Context, chat int64, text string, replyTo int64) error {
	const op = "send text"
	api, self, err := w.conn(op)
	if err != nil {
		return err
	}
	jid, err := w.address(ctx, op, chat)
	if err != nil {
		return err
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	if replyTo != 0 {
		ref, err := w.resolve(ctx, op, chat, replyTo)
		if err != nil {
			return err
		}
		msg = &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String(ref.NativeID),
				Participant:   proto.String(ref.SenderID),
				QuotedMessage: &waE2E.Message{Conversation: proto.String(ref.Text)},
			},
		}}
	}

	resp, err := api.SendMessage(ctx, jid, msg)
	if err != nil {
		return classify(op, err)
	}
	w.recordSent(ctx, chat, resp, transport.Message{
		Role:     transport.RoleSelf,
		SenderID: self.String(),
		Text:     text,
		ReplyTo:  replyTo,
	})
	return nil
}

// SendSticker uploads the catalog sticker's file and sends it.
func (w *WhatsApp) SendSticker(ctx context.Context, chat int64, codename string) error {
	const op = "send sticker"
	api, self, err := w.conn(op)
	if err != nil {
		return err
	}
	jid, err := w.address(ctx, op, chat)
	if err != nil {
		return err
	}

	st, err := w.log.GetSticker(ctx, codename)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrStickerDisabled):
		return transport.SoftError(op, "sticker "+codename+" unavailable", transport.ErrStickerUnavailable)
	case err != nil:
		return transport.HardError(op, "catalog lookup failed", err)
	case st.Path == "":
		return transport.SoftError(op, "sticker "+codename+" has no file", transport.ErrStickerUnavailable)
	}
	data, err := os.ReadFile(st.Path)
	if err != nil {
		return transport.SoftError(op, "sticker file unreadable", errors.Join(transport.ErrStickerUnavailable, err))
	}

	up, err := api.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return classify(op, fmt.Errorf("uploading sticker: %w", err))
	}
	msg := &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
		Mimetype:      proto.String("image/webp"),
	}}
	resp, err := api.SendMessage(ctx, jid, msg)
	if err != nil {
		return classify(op, err)
	}
	w.recordSent(ctx, chat, resp, transport.Message{
		Role:     transport.RoleSelf,
		SenderID: self.String(),
		Media:    transport.MediaSticker,
		Sticker:  codename,
	})
	return nil
}

// SendReaction reacts to a logged message.
func (w *WhatsApp) SendReaction(ctx context.Context, chat int64, messageID int64, emoji string) error {
	const op = "react"
	api, self, err := w.conn(op)
	if err != nil {
		return err
	}
	jid, err := w.address(ctx, op, chat)
	if err != nil {
		return err
	}
	ref, err := w.resolve(ctx, op, chat, messageID)
	if err != nil {
		return err
	}
	sender, err := types.ParseJID(ref.SenderID)
	if err != nil {
		return transport.SoftError(op, "unknown sender of message", err)
	}

	msg := api.BuildReaction(jid, sender, types.MessageID(ref.NativeID), emoji)
	if _, err := api.SendMessage(ctx, jid, msg); err != nil {
		return classify(op, err)
	}
	if err := w.log.SetReaction(ctx, messageID, self.String(), emoji); err != nil {
		w.logger.Warn("whatsapp: failed to record reaction", "chat", chat, "error", err)
	}
	return nil
}

// ChatInfo returns the group subject or the contact's name.
func (w *WhatsApp) ChatInfo(ctx context.Context, chat int64) (transport.ChatInfo, error) {
	const op = "chat info"
	api, _, err := w.conn(op)
	if err != nil {
		return transport.ChatInfo{}, err
	}
	entry, err := w.log.ChatAddress(ctx, name, chat)
	if err != nil {
		return transport.ChatInfo{}, chatError(op, chat, err)
	}
	info := transport.ChatInfo{Name: entry.Name, IsGroup: entry.IsGroup}
	jid, err := types.ParseJID(entry.Address)
	if err != nil {
		return info, nil
	}

	if entry.IsGroup {
		if g, err := api.GetGroupInfo(ctx, jid); err == nil && g.Name != "" {
			info.Name = g.Name
		}
		return info, nil
	}
	w.mu.RLock()
	contact := w.contact
	w.mu.RUnlock()
	if contact != nil {
		if n := contact(ctx, jid); n != "" {
			info.Name = n
		}
	}
	return info, nil
}

// ---------- Indicator / presence ----------

// Typing shows the composing indicator.
func (w *WhatsApp) Typing(ctx context.Context, chat int64) error {
	api, _, err := w.conn("typing")
	if err != nil {
		return err
	}
	jid, err := w.address(ctx, "typing", chat)
	if err != nil {
		return err
	}
	return api.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// ChoosingSticker shows the composing indicator; WhatsApp has no sticker
// hint.
func (w *WhatsApp) ChoosingSticker(ctx context.Context, chat int64) error {
	return w.Typing(ctx, chat)
}

// SetOnline marks the account available.
func (w *WhatsApp) SetOnline(ctx context.Context) error {
	api, _, err := w.conn("presence")
	if err != nil {
		return err
	}
	return api.SendPresence(ctx, types.PresenceAvailable)
}

// ---------- Helpers ----------

func (w *WhatsApp) address(ctx context.Context, op string, chat int64) (types.JID, error) {
	entry, err := w.log.ChatAddress(ctx, name, chat)
	if err != nil {
		return types.JID{}, chatError(op, chat, err)
	}
	jid, err := types.ParseJID(entry.Address)
	if err != nil {
		return types.JID{}, transport.HardError(op, "bad chat address", err)
	}
	return jid, nil
}

func (w *WhatsApp) resolve(ctx context.Context, op string, chat, id int64) (store.MessageRef, error) {
	ref, err := w.log.NativeMessage(ctx, name, chat, id)
	if errors.Is(err, store.ErrNotFound) {
		return ref, transport.SoftError(op, fmt.Sprintf("message %d not found", id), transport.ErrUnknownMessage)
	}
	if err != nil {
		return ref, transport.HardError(op, "history log unavailable", err)
	}
	return ref, nil
}

func (w *WhatsApp) recordSent(ctx context.Context, chat int64, resp whatsmeow.SendResponse, m transport.Message) {
	m.At = resp.Timestamp
	if _, err := w.log.AppendMessage(ctx, name, chat, string(resp.ID), m); err != nil {
		w.logger.Warn("whatsapp: failed to record sent message", "chat", chat, "error", err)
	}
}

func chatError(op string, chat int64, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return transport.HardError(op, fmt.Sprintf("chat %d unknown", chat), transport.ErrUnknownChat)
	}
	return transport.HardError(op, "chat directory unavailable", err)
}

// classify maps whatsmeow failures onto transport severities. WhatsApp
// gives no per-message rejection codes, so everything is hard.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, whatsmeow.ErrNotConnected), errors.Is(err, whatsmeow.ErrNotLoggedIn):
		return transport.HardError(op, "disconnected", errors.Join(transport.ErrDisconnected, err))
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return transport.HardError(op, "timeout", err)
	}
	return transport.HardError(op, "send failed", err)
}

var (
	_ transport.Transport      = (*WhatsApp)(nil)
	_ transport.Indicator      = (*WhatsApp)(nil)
	_ transport.PresenceSetter = (*WhatsApp)(nil)
)
