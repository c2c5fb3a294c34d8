package whatsapp

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/metrics"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport"
)

// handleEvent is the whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessage(w.ctx, evt)

	case *events.Connected:
		w.mu.RLock()
		wa := w.wa
		w.mu.RUnlock()
		if wa != nil {
			w.bind(wa)
		}
		w.setState(StateConnected)
		w.logger.Info("whatsapp: connected")

	case *events.Disconnected:
		w.setState(StateDisconnected)
		w.logger.Warn("whatsapp: disconnected, waiting for auto-reconnect")

	case *events.StreamReplaced:
		w.setState(StateDisconnected)
		w.logger.Error("whatsapp: stream replaced, another client connected")

	case *events.LoggedOut:
		w.setState(StateLoggedOut)
		w.logger.Error("whatsapp: logged out", "reason", evt.Reason.String(), "on_connect", evt.OnConnect)

	case *events.TemporaryBan:
		w.setState(StateDisconnected)
		w.logger.Error("whatsapp: temporary ban", "code", evt.Code.String(), "expire", evt.Expire)

	case *events.PairSuccess:
		w.logger.Info("whatsapp: paired", "jid", evt.ID.String())
	}
}

// handleMessage records a message event: a reaction updates the reacted
// message, anything else is appended to the chat's log.
func (w *WhatsApp) handleMessage(ctx context.Context, evt *events.Message) {
	if evt == nil || evt.Message == nil || evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	if evt.Info.IsGroup && !w.cfg.RespondToGroups {
		return
	}

	_, self, err := w.conn("record")
	if err != nil {
		return
	}

	chatJID := w.resolveLID(ctx, evt.Info.Chat)
	chatName := ""
	if !evt.Info.IsGroup && !evt.Info.IsFromMe {
		chatName = evt.Info.PushName
	}
	chat, err := w.log.ChatID(ctx, name, chatJID.String(), evt.Info.IsGroup, chatName)
	if err != nil {
		w.logger.Warn("whatsapp: failed to register chat", "jid", chatJID.String(), "error", err)
		return
	}

	sender := w.resolveLID(ctx, evt.Info.Sender).String()
	if evt.Info.IsFromMe {
		sender = self.String()
	}

	if r := evt.Message.GetReactionMessage(); r != nil {
		w.recordReaction(ctx, chat, sender, r)
		return
	}

	m, ok := convert(evt.Message)
	if !ok {
		return
	}
	m.Role = transport.RoleCounterpart
	if evt.Info.IsFromMe {
		m.Role = transport.RoleSelf
	}
	m.SenderID = sender
	m.SenderName = evt.Info.PushName
	m.At = evt.Info.Timestamp
	if stanza := quotedID(evt.Message); stanza != "" {
		if id, err := w.log.MessageID(ctx, name, chat, stanza); err == nil {
			m.ReplyTo = id
		}
	}

	if _, err := w.log.AppendMessage(ctx, name, chat, string(evt.Info.ID), m); err != nil {
		w.logger.Warn("whatsapp: failed to record message", "chat", chat, "error", err)
		return
	}
	if evt.Info.IsFromMe {
		return
	}

	w.lastMsg.Store(time.Now())
	metrics.InboundMessages.WithLabelValues(name).Inc()
	w.logger.Debug("whatsapp: message received", "chat", chat, "from", sender)

	if w.cfg.AutoRead {
		if api, _, err := w.conn("mark read"); err == nil {
			go func() {
				_ = api.MarkRead(ctx, []types.MessageID{evt.Info.ID}, time.Now(), evt.Info.Chat, evt.Info.Sender)
			}()
		}
	}
}

func (w *WhatsApp) recordReaction(ctx context.Context, chat int64, sender string, r *waE2E.ReactionMessage) {
	id, err := w.log.MessageID(ctx, name, chat, r.GetKey().GetID())
	if err != nil {
		w.logger.Debug("whatsapp: reaction on unknown message", "chat", chat, "message", r.GetKey().GetID())
		return
	}
	if err := w.log.SetReaction(ctx, id, sender, r.GetText()); err != nil {
		w.logger.Warn("whatsapp: failed to record reaction", "chat", chat, "error", err)
	}
}

// resolveLID maps a linked-identity JID to the phone JID when known.
func (w *WhatsApp) resolveLID(ctx context.Context, jid types.JID) types.JID {
	jid = jid.ToNonAD()
	if jid.Server != types.HiddenUserServer {
		return jid
	}
	w.mu.RLock()
	wa := w.wa
	w.mu.RUnlock()
	if wa == nil || wa.Store == nil {
		return jid
	}
	if alt, err := wa.Store.GetAltJID(ctx, jid); err == nil && !alt.IsEmpty() {
		return alt.ToNonAD()
	}
	return jid
}

// convert extracts text and media kind. Protocol and unsupported messages
// are skipped.
func convert(msg *waE2E.Message) (transport.Message, bool) {
	var m transport.Message
	switch {
	case msg.Conversation != nil:
		m.Text = msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		m.Text = msg.GetExtendedTextMessage().GetText()
	case msg.ImageMessage != nil:
		m.Media = transport.MediaPhoto
		m.Text = msg.GetImageMessage().GetCaption()
	case msg.VideoMessage != nil:
		m.Media = transport.MediaVideo
		m.Text = msg.GetVideoMessage().GetCaption()
	case msg.AudioMessage != nil:
		m.Media = transport.MediaAudio
	case msg.DocumentMessage != nil:
		m.Media = transport.MediaDocument
		m.Text = msg.GetDocumentMessage().GetCaption()
	case msg.StickerMessage != nil:
		m.Media = transport.MediaSticker
	default:
		return m, false
	}
	return m, true
}

// quotedID returns the stanza id a message replies to.
func quotedID(msg *waE2E.Message) string {
	var ci *waE2E.ContextInfo
	switch {
	case msg.ExtendedTextMessage != nil:
		ci = msg.GetExtendedTextMessage().GetContextInfo()
	case msg.ImageMessage != nil:
		ci = msg.GetImageMessage().GetContextInfo()
	case msg.VideoMessage != nil:
		ci = msg.GetVideoMessage().GetContextInfo()
	case msg.AudioMessage != nil:
		ci = msg.GetAudioMessage().GetContextInfo()
	case msg.DocumentMessage != nil:
		ci = msg.GetDocumentMessage().GetContextInfo()
	case msg.StickerMessage != nil:
		ci = msg.GetStickerMessage().GetContextInfo()
	}
	return ci.GetStanzaID()
}
