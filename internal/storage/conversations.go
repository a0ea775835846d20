package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"go.etcd.io/bbolt"

	"pairchat/internal/live"
	"pairchat/internal/models"
)

func conversationFromDB(c *DBConversation) models.Conversation {
	unread := make(map[string]int, len(c.UnreadCount))
	maps.Copy(unread, c.UnreadCount)
	return models.Conversation{
		ID:                  c.ID,
		Participants:        c.Participants,
		LastMessagePreview:  c.LastMessagePreview,
		LastMessageAt:       fromNanos(c.LastMessageAt),
		LastMessageSenderID: c.LastMessageSenderID,
		UnreadCount:         unread,
		CreatedAt:           fromNanos(c.CreatedAt),
	}
}

func getConversation(tx *bbolt.Tx, id string) (*DBConversation, error) {
	data := tx.Bucket(bucketConversations).Get([]byte(id))
	if data == nil {
		return nil, models.ErrNotFound
	}
	var dbConv DBConversation
	if err := dbConv.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	if dbConv.UnreadCount == nil {
		dbConv.UnreadCount = make(map[string]int)
	}
	return &dbConv, nil
}

func putConversation(tx *bbolt.Tx, c *DBConversation) error {
	data, err := c.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketConversations).Put(c.Key(), data)
}

// MergeConversation applies patch to the ledger entry id, creating it on
// first use. Counter increments are applied to the stored value inside the
// write transaction, so concurrent senders never lose an update.
func (s *BboltStorage) MergeConversation(ctx context.Context, id string, patch models.LedgerPatch) (models.Conversation, error) {
	var result models.Conversation
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		ts, err := s.stamp(tx)
		if err != nil {
			return err
		}

		dbConv, err := getConversation(tx, id)
		if errors.Is(err, models.ErrNotFound) {
			dbConv = &DBConversation{
				ID:           id,
				Participants: patch.Participants,
				UnreadCount:  make(map[string]int),
				CreatedAt:    ts,
			}
			for _, p := range patch.Participants {
				if err := indexConversation(tx, p, id); err != nil {
					return err
				}
			}
		} else if err != nil {
			return err
		}

		if patch.SenderID != "" {
			dbConv.LastMessagePreview = patch.Preview
			dbConv.LastMessageSenderID = patch.SenderID
			dbConv.LastMessageAt = ts
		}
		for userID, delta := range patch.Increment {
			n := dbConv.UnreadCount[userID] + delta
			if n < 0 {
				n = 0
			}
			dbConv.UnreadCount[userID] = n
		}
		for _, userID := range patch.Reset {
			dbConv.UnreadCount[userID] = 0
		}

		result = conversationFromDB(dbConv)
		return putConversation(tx, dbConv)
	})
	if err != nil {
		return models.Conversation{}, err
	}

	s.publisher.Publish(live.LedgerTopic(result.Participants[0]), live.LedgerTopic(result.Participants[1]))
	return result, nil
}

// ResetUnread sets the unread counter of userID to zero. changed is false
// when there was nothing to reset, in which case nothing is written.
func (s *BboltStorage) ResetUnread(ctx context.Context, id, userID string) (changed bool, err error) {
	var participants [2]string
	err = s.update(ctx, func(tx *bbolt.Tx) error {
		dbConv, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		participants = dbConv.Participants
		if dbConv.UnreadCount[userID] == 0 {
			return nil
		}
		dbConv.UnreadCount[userID] = 0
		changed = true
		return putConversation(tx, dbConv)
	})
	if err == nil && changed {
		s.publisher.Publish(live.LedgerTopic(participants[0]), live.LedgerTopic(participants[1]))
	}
	return changed, err
}

func (s *BboltStorage) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		dbConv, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		conv = conversationFromDB(dbConv)
		return nil
	})
	return conv, err
}

// ConversationsForUser returns every ledger entry userID takes part in.
func (s *BboltStorage) ConversationsForUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	var conversations []models.Conversation
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketUserConversations).Bucket([]byte(userID))
		if index == nil {
			return nil
		}
		return index.ForEach(func(k, _ []byte) error {
			dbConv, err := getConversation(tx, string(k))
			if err != nil {
				return err
			}
			conversations = append(conversations, conversationFromDB(dbConv))
			return nil
		})
	})
	return conversations, err
}

func indexConversation(tx *bbolt.Tx, userID, conversationID string) error {
	index, err := tx.Bucket(bucketUserConversations).CreateBucketIfNotExists([]byte(userID))
	if err != nil {
		return fmt.Errorf("failed to create conversation index: %w", err)
	}
	return index.Put([]byte(conversationID), []byte{})
}
