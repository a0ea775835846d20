// Package ledger keeps one summary row per conversation: last message
// preview, its time and sender, and an unread counter per participant.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"pairchat/internal/chatkey"
	"pairchat/internal/live"
	"pairchat/internal/models"
	"pairchat/internal/retry"
)

type Store interface {
	MergeConversation(ctx context.Context, id string, patch models.LedgerPatch) (models.Conversation, error)
	ResetUnread(ctx context.Context, id, userID string) (bool, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	ConversationsForUser(ctx context.Context, userID string) ([]models.Conversation, error)
}

type Ledger struct {
	store  Store
	broker *live.Broker
	retry  retry.Policy
}

func New(store Store, broker *live.Broker) *Ledger {
	return &Ledger{
		store:  store,
		broker: broker,
		retry:  retry.DefaultPolicy,
	}
}

// UpsertAfterSend records a message sent from senderID to receiverID.
// The receiver's counter is incremented by the store, not from a value
// read here, so concurrent sends are all counted.
func (l *Ledger) UpsertAfterSend(ctx context.Context, senderID, receiverID, preview string) error {
	if !chatkey.Valid(senderID) || !chatkey.Valid(receiverID) || senderID == receiverID {
		return models.ErrInvalidParticipants
	}
	id := chatkey.Key(senderID, receiverID)
	a, b, _ := chatkey.Participants(id)

	patch := models.LedgerPatch{
		Participants: [2]string{a, b},
		Preview:      preview,
		SenderID:     senderID,
		Increment:    map[string]int{receiverID: 1},
		Reset:        []string{senderID},
	}
	return retry.Do(ctx, l.retry, func() error {
		_, err := l.store.MergeConversation(ctx, id, patch)
		return err
	})
}

// MarkRead clears the unread counter of userID. Clearing an already zero
// counter or a conversation that has no ledger row yet does nothing.
func (l *Ledger) MarkRead(ctx context.Context, userID, conversationID string) error {
	if !chatkey.Contains(conversationID, userID) {
		return fmt.Errorf("user %s in conversation %s: %w", userID, conversationID, models.ErrPermissionDenied)
	}
	return retry.Do(ctx, l.retry, func() error {
		_, err := l.store.ResetUnread(ctx, conversationID, userID)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return err
	})
}

// ForUser returns the user's conversations with the user's own unread
// count, most recent first.
func (l *Ledger) ForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	conversations, err := l.store.ConversationsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]models.ConversationSummary, 0, len(conversations))
	for _, c := range conversations {
		summaries = append(summaries, models.ConversationSummary{
			Conversation: c,
			Unread:       c.UnreadCount[userID],
		})
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastMessageAt.After(summaries[j].LastMessageAt)
	})
	return summaries, nil
}

// SubscribeForUser delivers ForUser results now and after every ledger
// change that touches the user.
func (l *Ledger) SubscribeForUser(ctx context.Context, userID string, onChange func([]models.ConversationSummary)) *live.Subscription {
	return live.Watch(ctx, l.broker, []string{live.LedgerTopic(userID)},
		func(ctx context.Context) ([]models.ConversationSummary, error) {
			return l.ForUser(ctx, userID)
		},
		onChange,
	)
}

func (l *Ledger) Get(ctx context.Context, conversationID string) (models.Conversation, error) {
	return l.store.GetConversation(ctx, conversationID)
}
