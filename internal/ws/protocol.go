package ws

import (
	"time"

	"pairchat/internal/models"
)

type ClientMessageType string

const (
	ClientMessageTypeOpen          ClientMessageType = "open"
	ClientMessageTypeClose         ClientMessageType = "close"
	ClientMessageTypeSend          ClientMessageType = "send"
	ClientMessageTypeLoadOlder     ClientMessageType = "loadOlder"
	ClientMessageTypeRead          ClientMessageType = "read"
	ClientMessageTypeWatchPresence ClientMessageType = "watchPresence"
)

// ClientMessage is a request from the browser. Which fields are used
// depends on Type.
type ClientMessage struct {
	Type      ClientMessageType `json:"type"`
	RequestID string            `json:"requestId,omitempty"`
	PartnerID string            `json:"partnerId,omitempty"`
	Content   string            `json:"content,omitempty"`
	// Before is the creation time of the oldest message the client holds.
	Before  time.Time `json:"before,omitzero"`
	UserIDs []string  `json:"userIds,omitempty"`
}

type ServerMessageType string

const (
	ServerMessageTypeMessages       ServerMessageType = "messages"
	ServerMessageTypeOlder          ServerMessageType = "older"
	ServerMessageTypeConversations  ServerMessageType = "conversations"
	ServerMessageTypePresence       ServerMessageType = "presence"
	ServerMessageTypeSent           ServerMessageType = "sent"
	ServerMessageTypeUploadProgress ServerMessageType = "uploadProgress"
	ServerMessageTypeError          ServerMessageType = "error"
)

// Message is a stored message plus its rendered HTML for text messages.
type Message struct {
	models.Message
	HTML string `json:"html,omitempty"`
}

type ServerMessage struct {
	Type           ServerMessageType         `json:"type"`
	RequestID      string                    `json:"requestId,omitempty"`
	ConversationID string                    `json:"conversationId,omitempty"`
	Messages       []Message                 `json:"messages,omitempty"`
	Message        *Message                  `json:"message,omitempty"`
	Conversations  []models.ConversationView `json:"conversations,omitempty"`
	Presence       map[string]bool           `json:"presence,omitempty"`
	Progress       float64                   `json:"progress,omitempty"`
	Warning        string                    `json:"warning,omitempty"`
	Error          string                    `json:"error,omitempty"`
}
