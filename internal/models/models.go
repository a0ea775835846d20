package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrEmptyMessage        = errors.New("message is empty")
	ErrInvalidParticipants = errors.New("invalid conversation participants")
	// ErrUnavailable marks transient store failures that are worth retrying.
	ErrUnavailable = errors.New("store unavailable")
)

// User represents a user profile. IsOnline is a denormalized copy of the
// presence record and may lag behind it.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	PhotoURL    string    `json:"photoUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	LastActive  time.Time `json:"lastActive"`
	IsOnline    bool      `json:"isOnline"`
}

type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceOffline PresenceState = "offline"
)

// Presence is the last known connectivity state of a user.
type Presence struct {
	UserID        string        `json:"userId"`
	State         PresenceState `json:"state"`
	LastChangedAt time.Time     `json:"lastChangedAt"`
}

func (p Presence) Online() bool {
	return p.State == PresenceOnline
}

// Conversation is the ledger entry of a pairwise conversation.
// ID is the conversation key of the two participants.
type Conversation struct {
	ID                  string         `json:"id"`
	Participants        [2]string      `json:"participants"`
	LastMessagePreview  string         `json:"lastMessagePreview"`
	LastMessageAt       time.Time      `json:"lastMessageAt"`
	LastMessageSenderID string         `json:"lastMessageSenderId"`
	UnreadCount         map[string]int `json:"unreadCount"`
	CreatedAt           time.Time      `json:"createdAt"`
}

func (c Conversation) HasParticipant(userID string) bool {
	return c.Participants[0] == userID || c.Participants[1] == userID
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

func (c Conversation) HasMessages() bool {
	return !c.LastMessageAt.IsZero()
}

// ConversationSummary is a ledger entry as seen by one of its participants.
type ConversationSummary struct {
	Conversation
	Unread int `json:"unread"`
}

// LedgerPatch is a merge-update of a ledger entry. The store applies it
// inside one write transaction and stamps LastMessageAt with its own clock.
type LedgerPatch struct {
	Participants [2]string
	Preview      string
	SenderID     string
	Increment    map[string]int
	Reset        []string
}

// ConversationView is one row of a user's conversation list: the partner,
// the ledger entry (zero except ID when nothing was sent yet) and presence.
type ConversationView struct {
	Conversation ConversationSummary `json:"conversation"`
	Partner      User                `json:"partner"`
	Online       bool                `json:"online"`
}

// PushSubscription is a browser web push endpoint registered by a user.
type PushSubscription struct {
	UserID   string `json:"-"`
	Endpoint string `json:"endpoint"`
	Auth     string `json:"auth"`
	P256dh   string `json:"p256dh"`
}
