package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"pairchat/internal/live"
	"pairchat/internal/models"
)

func messageToDB(m models.Message) *DBMessage {
	dbMessage := &DBMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Kind:           string(m.Kind),
		Content:        m.Content,
		CreatedAt:      toNanos(m.CreatedAt),
		Read:           m.Read,
	}
	if m.Media != nil {
		dbMessage.Media = &DBMedia{
			URL:      m.Media.URL,
			Path:     m.Media.Path,
			FileName: m.Media.FileName,
			FileSize: m.Media.FileSize,
			Kind:     string(m.Media.Kind),
		}
	}
	return dbMessage
}

func messageFromDB(m *DBMessage) models.Message {
	msg := models.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Kind:           models.MessageKind(m.Kind),
		Content:        m.Content,
		CreatedAt:      fromNanos(m.CreatedAt),
		Read:           m.Read,
	}
	if m.Media != nil {
		msg.Media = &models.MediaRef{
			URL:      m.Media.URL,
			Path:     m.Media.Path,
			FileName: m.Media.FileName,
			FileSize: m.Media.FileSize,
			Kind:     models.MessageKind(m.Media.Kind),
		}
	}
	return msg
}

// AppendMessage writes a new message to its conversation log. The store
// assigns ID, CreatedAt and Read=false. The record is written in a single
// transaction, so it is either fully present or absent.
func (s *BboltStorage) AppendMessage(ctx context.Context, message models.Message) (models.Message, error) {
	switch {
	case message.ConversationID == "":
		return models.Message{}, errors.New("message missing conversationID")
	case message.SenderID == "" || message.ReceiverID == "":
		return models.Message{}, errors.New("message missing participants")
	case !message.Kind.Valid():
		return models.Message{}, fmt.Errorf("message has invalid kind %q", message.Kind)
	}

	err := s.update(ctx, func(tx *bbolt.Tx) error {
		chatBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(message.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create chat bucket: %w", err)
		}

		ts, err := s.stamp(tx)
		if err != nil {
			return err
		}
		message.ID = uuid.NewString()
		message.CreatedAt = fromNanos(ts)
		message.Read = false

		dbMessage := messageToDB(message)
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := chatBucket.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}

	s.publisher.Publish(live.MessagesTopic(message.ConversationID))
	return message, nil
}

// RecentMessages returns up to limit latest messages, oldest first.
func (s *BboltStorage) RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	return s.messagesBackward(ctx, conversationID, nil, limit)
}

// MessagesBefore returns up to limit messages created strictly before
// before (Unix nanoseconds), oldest first.
func (s *BboltStorage) MessagesBefore(ctx context.Context, conversationID string, before int64, limit int) ([]models.Message, error) {
	return s.messagesBackward(ctx, conversationID, timeKey(before), limit)
}

func (s *BboltStorage) messagesBackward(ctx context.Context, conversationID string, upper []byte, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return []models.Message{}, nil
	}

	messages := make([]models.Message, 0, limit)
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if chatBucket == nil {
			return nil // No messages for this chat
		}

		c := chatBucket.Cursor()
		var k, v []byte
		if upper == nil {
			k, v = c.Last()
		} else {
			// Seek lands on the first key >= upper; everything before it is older.
			k, v = c.Seek(upper)
			if k == nil {
				k, v = c.Last()
			}
			if k != nil && bytes.Compare(k, upper) >= 0 {
				k, v = c.Prev()
			}
		}

		for ; k != nil && len(messages) < limit; k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, messageFromDB(&dbMsg))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MarkMessagesRead flips unread messages addressed to readerID, at most
// batchSize per transaction. A failure between batches leaves the earlier
// batches committed; calling again finishes the job.
//
// A finished pass records the newest key it saw as the reader's read mark.
// Messages only get newer keys and never become unread again, so the next
// pass starts after the mark instead of at the head of the log.
func (s *BboltStorage) MarkMessagesRead(ctx context.Context, conversationID, readerID string, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 256
	}

	markKey := readMarkKey(conversationID, readerID)
	total := 0
	var resume []byte
	for {
		marked := 0
		done := false
		err := s.update(ctx, func(tx *bbolt.Tx) error {
			chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
			if chatBucket == nil {
				done = true
				return nil
			}
			marks := tx.Bucket(bucketReadMarks)
			mark := marks.Get(markKey)

			c := chatBucket.Cursor()
			var k, v []byte
			switch {
			case resume != nil:
				k, v = c.Seek(resume)
			case mark != nil:
				k, v = c.Seek(mark)
				if k != nil && bytes.Equal(k, mark) {
					k, v = c.Next()
				}
			default:
				k, v = c.First()
			}

			type change struct {
				key  []byte
				data []byte
			}
			var changes []change
			var scanned []byte
			for ; k != nil; k, v = c.Next() {
				if len(changes) == batchSize {
					resume = append([]byte(nil), k...)
					break
				}
				scanned = k
				var dbMsg DBMessage
				if err := dbMsg.UnmarshalBinary(v); err != nil {
					return err
				}
				if dbMsg.ReceiverID != readerID || dbMsg.Read {
					continue
				}
				dbMsg.Read = true
				data, err := dbMsg.MarshalBinary()
				if err != nil {
					return err
				}
				changes = append(changes, change{key: append([]byte(nil), k...), data: data})
			}
			if k == nil {
				done = true
				if scanned != nil {
					if err := marks.Put(markKey, append([]byte(nil), scanned...)); err != nil {
						return err
					}
				}
			}

			// Writing while iterating would invalidate the cursor.
			for _, ch := range changes {
				if err := chatBucket.Put(ch.key, ch.data); err != nil {
					return err
				}
			}
			marked = len(changes)
			return nil
		})
		if err != nil {
			if total > 0 {
				s.publisher.Publish(live.MessagesTopic(conversationID))
			}
			return total, err
		}

		total += marked
		if done {
			break
		}
	}

	if total > 0 {
		s.publisher.Publish(live.MessagesTopic(conversationID))
	}
	return total, nil
}

func readMarkKey(conversationID, readerID string) []byte {
	return []byte(conversationID + "/" + readerID)
}
