// Package compose turns a raw generated utterance into an ordered list of
// send actions: reactions first, then text chunks and stickers in the order
// they appear.
package compose

import "fmt"

// Kind tags a send action.
type Kind int

const (
	KindText Kind = iota
	KindSticker
	KindReaction
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindSticker:
		return "sticker"
	case KindReaction:
		return "reaction"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Action is one atomic outbound operation.
type Action struct {
	Kind Kind

	// Text and ReplyTo are set for KindText. ReplyTo is 0 when the text is
	// not a reply.
	Text    string
	ReplyTo int64

	// Sticker is the sticker codename for KindSticker.
	Sticker string

	// MessageID and Emoji are set for KindReaction.
	MessageID int64
	Emoji     string
}

// Text builds a text action.
func Text(content string) Action { return Action{Kind: KindText, Text: content} }

// Reply builds a text action answering message id.
func Reply(content string, id int64) Action {
	return Action{Kind: KindText, Text: content, ReplyTo: id}
}

// Sticker builds a sticker action.
func Sticker(codename string) Action { return Action{Kind: KindSticker, Sticker: codename} }

// Reaction builds a reaction action.
func Reaction(messageID int64, emoji string) Action {
	return Action{Kind: KindReaction, MessageID: messageID, Emoji: emoji}
}

func (a Action) String() string {
	switch a.Kind {
	case KindText:
		if a.ReplyTo != 0 {
			return fmt.Sprintf("text(reply=%d, %q)", a.ReplyTo, a.Text)
		}
		return fmt.Sprintf("text(%q)", a.Text)
	case KindSticker:
		return fmt.Sprintf("sticker(%s)", a.Sticker)
	case KindReaction:
		return fmt.Sprintf("react(%d)[%s]", a.MessageID, a.Emoji)
	}
	return a.Kind.String()
}
