package models

import (
	"fmt"
	"strings"
	"time"
)

type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindVideo MessageKind = "video"
	MessageKindFile  MessageKind = "file"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindVideo, MessageKindFile:
		return true
	}
	return false
}

// MediaRef points at an uploaded blob.
type MediaRef struct {
	URL      string      `json:"mediaUrl"`
	Path     string      `json:"-"`
	FileName string      `json:"fileName"`
	FileSize int64       `json:"fileSize"`
	Kind     MessageKind `json:"mediaType"`
}

// Message is an immutable log entry. Only Read changes after creation.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	ReceiverID     string      `json:"receiverId"`
	Kind           MessageKind `json:"kind"`
	Content        string      `json:"content,omitempty"`
	Media          *MediaRef   `json:"media,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	Read           bool        `json:"read"`
}

// Body is the payload of a message being sent: TextBody or MediaBody.
type Body interface {
	body()
}

type TextBody struct {
	Text string
}

type MediaBody struct {
	Ref MediaRef
}

func (TextBody) body()  {}
func (MediaBody) body() {}

// ApplyBody fills the kind-specific fields of m from b.
// Text is trimmed; an empty text yields ErrEmptyMessage.
func ApplyBody(m *Message, b Body) error {
	switch b := b.(type) {
	case TextBody:
		text := strings.TrimSpace(b.Text)
		if text == "" {
			return ErrEmptyMessage
		}
		m.Kind = MessageKindText
		m.Content = text
		m.Media = nil
	case MediaBody:
		if b.Ref.URL == "" || b.Ref.Kind == MessageKindText || !b.Ref.Kind.Valid() {
			return fmt.Errorf("invalid media reference %q", b.Ref.FileName)
		}
		ref := b.Ref
		m.Kind = ref.Kind
		m.Content = ""
		m.Media = &ref
	case nil:
		return ErrEmptyMessage
	default:
		return fmt.Errorf("unsupported message body %T", b)
	}
	return nil
}

// Preview returns the ledger preview of a message: the text itself, or a
// label for media kinds.
func Preview(m Message) string {
	switch m.Kind {
	case MessageKindText:
		return m.Content
	case MessageKindImage:
		return "Photo"
	case MessageKindVideo:
		return "Video"
	case MessageKindFile:
		return "File"
	}
	return ""
}
