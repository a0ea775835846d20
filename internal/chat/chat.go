package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pairchat/internal/chatkey"
	"pairchat/internal/live"
	"pairchat/internal/metrics"
	"pairchat/internal/models"
	"pairchat/internal/retry"
)

// ErrLedgerNotUpdated is returned together with a stored message when the
// conversation summary could not be refreshed after the write. The message
// itself is durable.
var ErrLedgerNotUpdated = errors.New("conversation ledger not updated")

// ErrMissingCursor is returned by LoadOlder when the cursor message has no
// creation time.
var ErrMissingCursor = errors.New("missing cursor message")

const (
	DefaultPageSize = 20
	readBatchSize   = 256
)

type Store interface {
	AppendMessage(ctx context.Context, message models.Message) (models.Message, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	MessagesBefore(ctx context.Context, conversationID string, before int64, limit int) ([]models.Message, error)
	MarkMessagesRead(ctx context.Context, conversationID, readerID string, batchSize int) (int, error)
}

type LedgerUpdater interface {
	UpsertAfterSend(ctx context.Context, senderID, receiverID, preview string) error
}

// Notifier hears about every stored message. It must not block.
type Notifier interface {
	MessageAppended(ctx context.Context, message models.Message)
}

type Config struct {
	Store    Store
	Broker   *live.Broker
	Ledger   LedgerUpdater
	Notifier Notifier
	Metrics  *metrics.Metrics
}

// Channel is the message log of pairwise conversations.
type Channel struct {
	store    Store
	broker   *live.Broker
	ledger   LedgerUpdater
	notifier Notifier
	metrics  *metrics.Metrics
	retry    retry.Policy
}

func New(config Config) *Channel {
	return &Channel{
		store:    config.Store,
		broker:   config.Broker,
		ledger:   config.Ledger,
		notifier: config.Notifier,
		metrics:  config.Metrics,
		retry:    retry.DefaultPolicy,
	}
}

func conversationID(u1, u2 string) (string, error) {
	if !chatkey.Valid(u1) || !chatkey.Valid(u2) || u1 == u2 {
		return "", models.ErrInvalidParticipants
	}
	return chatkey.Key(u1, u2), nil
}

// Append stores a message from senderID to receiverID and refreshes the
// conversation summary of both participants.
func (c *Channel) Append(ctx context.Context, senderID, receiverID string, body models.Body) (models.Message, error) {
	convID, err := conversationID(senderID, receiverID)
	if err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		ConversationID: convID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
	}
	if err := models.ApplyBody(&msg, body); err != nil {
		return models.Message{}, err
	}

	var stored models.Message
	err = retry.Do(ctx, c.retry, func() error {
		var err error
		stored, err = c.store.AppendMessage(ctx, msg)
		return err
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to append message: %w", err)
	}
	c.metrics.MessageAppended(string(stored.Kind))

	if c.notifier != nil {
		c.notifier.MessageAppended(ctx, stored)
	}

	if c.ledger == nil {
		return stored, nil
	}
	if err := c.ledger.UpsertAfterSend(ctx, senderID, receiverID, models.Preview(stored)); err != nil {
		slog.Error("ledger update after send failed",
			"conversation_id", convID,
			"message_id", stored.ID,
			"error", err)
		c.metrics.LedgerUpsertFailed()
		return stored, fmt.Errorf("%w: %w", ErrLedgerNotUpdated, err)
	}
	return stored, nil
}

// Subscribe delivers the latest pageSize messages of the conversation,
// oldest first, now and after every change to the log.
func (c *Channel) Subscribe(ctx context.Context, u1, u2 string, pageSize int, onChange func([]models.Message)) (*live.Subscription, error) {
	convID, err := conversationID(u1, u2)
	if err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return live.Watch(ctx, c.broker, []string{live.MessagesTopic(convID)},
		func(ctx context.Context) ([]models.Message, error) {
			return c.store.RecentMessages(ctx, convID, pageSize)
		},
		onChange,
	), nil
}

// LoadOlder returns up to pageSize messages created strictly before
// before, oldest first. An empty result means the start of the log. The
// latest page comes from Subscribe, so before must carry a creation time.
func (c *Channel) LoadOlder(ctx context.Context, u1, u2 string, before models.Message, pageSize int) ([]models.Message, error) {
	convID, err := conversationID(u1, u2)
	if err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if before.CreatedAt.IsZero() {
		return nil, ErrMissingCursor
	}
	return c.store.MessagesBefore(ctx, convID, before.CreatedAt.UnixNano(), pageSize)
}

// MarkRead flags every unread message addressed to readerID as read and
// returns how many were changed. It is safe to call again after a
// partial failure.
func (c *Channel) MarkRead(ctx context.Context, u1, u2, readerID string) (int, error) {
	convID, err := conversationID(u1, u2)
	if err != nil {
		return 0, err
	}
	if readerID != u1 && readerID != u2 {
		return 0, models.ErrPermissionDenied
	}

	total := 0
	err = retry.Do(ctx, c.retry, func() error {
		n, err := c.store.MarkMessagesRead(ctx, convID, readerID, readBatchSize)
		total += n
		return err
	})
	c.metrics.MessagesRead(total)
	return total, err
}
