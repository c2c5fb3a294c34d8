package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/compose"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/llm"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/settings"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport"
)

// MergeWindow is how close consecutive messages of one sender must be to be
// shown as a single turn.
const MergeWindow = 270 * time.Second

const stampLayout = "2006-01-02 15:04:05"

type block struct {
	role   llm.Role
	sender string
	at     time.Time
	text   string
}

// History renders chat messages (oldest first) as model turns. Counterpart
// messages, and every message in groups, carry an (ID: n) tag the model can
// use in answer() and react(). A reaction is shown as a react(id)[emoji]
// line in front of the reactor's next message. Consecutive messages of one
// sender within MergeWindow are joined with the split marker.
func History(msgs []transport.Message, isGroup bool, s settings.Settings) []llm.Message {
	var (
		blocks  []block
		pending = make(map[string][]string)
	)
	for _, m := range msgs {
		for _, r := range m.Reactions {
			line := fmt.Sprintf("react(%d)[%s]", m.ID, r.Emoji)
			if !contains(pending[r.SenderID], line) {
				pending[r.SenderID] = append(pending[r.SenderID], line)
			}
		}

		role := llm.RoleUser
		if m.Role == transport.RoleSelf {
			role = llm.RoleModel
		}

		reacts := pending[m.SenderID]
		delete(pending, m.SenderID)

		content := messageContent(m, s)
		if content == "" && len(reacts) == 0 {
			continue
		}

		reply := ""
		if m.ReplyTo != 0 {
			reply = fmt.Sprintf("answer(%d)\n", m.ReplyTo)
		}
		idTag := ""
		if role == llm.RoleUser || isGroup {
			idTag = fmt.Sprintf("(ID: %d)\n", m.ID)
		}
		nick := ""
		if isGroup && role == llm.RoleUser && m.SenderName != "" {
			nick = "<nick:" + m.SenderName + "> "
		}

		if n := len(blocks); n > 0 && len(reacts) == 0 {
			last := &blocks[n-1]
			if last.role == role && last.sender == m.SenderID && m.At.Sub(last.at) < MergeWindow {
				last.text += "\n" + compose.SplitMarker + "\n" + strings.TrimSpace(reply+idTag+content)
				last.at = m.At
				continue
			}
		}

		var b strings.Builder
		if len(reacts) > 0 {
			b.WriteString(strings.Join(reacts, "\n"))
			b.WriteByte('\n')
		}
		b.WriteString(reply)
		b.WriteString(idTag)
		b.WriteString("[" + m.At.Format(stampLayout) + "]\n")
		b.WriteString(nick)
		b.WriteString(content)

		blocks = append(blocks, block{
			role:   role,
			sender: m.SenderID,
			at:     m.At,
			text:   strings.TrimSpace(b.String()),
		})
	}

	out := make([]llm.Message, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, llm.Message{Role: b.role, Text: b.text})
	}
	return out
}

// messageContent is the text of a message plus a placeholder for media the
// persona is allowed to notice.
func messageContent(m transport.Message, s settings.Settings) string {
	text := strings.TrimSpace(m.Text)
	if m.Media == transport.MediaSticker {
		if text != "" {
			return text
		}
		if m.Sticker != "" {
			return "sticker(" + m.Sticker + ")"
		}
		return "[Sticker]"
	}
	ph := placeholder(m.Media, s)
	switch {
	case ph == "":
		return text
	case text == "":
		return ph
	default:
		return text + "\n" + ph
	}
}

func placeholder(kind transport.MediaKind, s settings.Settings) string {
	switch kind {
	case transport.MediaPhoto:
		if s.CanSeePhotos {
			return "[Photo]"
		}
	case transport.MediaVideo:
		if s.CanSeeVideos {
			return "[Video]"
		}
	case transport.MediaAudio:
		if s.CanSeeAudio {
			return "[Voice message]"
		}
	case transport.MediaDocument:
		if s.CanSeeFiles {
			return "[File]"
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
