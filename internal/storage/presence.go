package storage

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"pairchat/internal/live"
	"pairchat/internal/models"
)

// SetPresence writes the presence record of a user and refreshes the
// IsOnline copy on the user profile, if there is one.
func (s *BboltStorage) SetPresence(ctx context.Context, p models.Presence) error {
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		dbPresence := &DBPresence{
			UserID:        p.UserID,
			State:         string(p.State),
			LastChangedAt: toNanos(p.LastChangedAt),
		}
		data, err := dbPresence.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketPresence).Put(dbPresence.Key(), data); err != nil {
			return err
		}

		users := tx.Bucket(bucketUsers)
		userData := users.Get([]byte(p.UserID))
		if userData == nil {
			return nil
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(userData); err != nil {
			return fmt.Errorf("failed to unmarshal user: %w", err)
		}
		dbUser.IsOnline = p.Online()
		if p.Online() {
			dbUser.LastActive = toNanos(p.LastChangedAt)
		}
		newData, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return users.Put(dbUser.Key(), newData)
	})
	if err == nil {
		s.publisher.Publish(live.PresenceTopic(p.UserID), live.UsersTopic)
	}
	return err
}

// GetPresence returns ErrNotFound for users that never connected.
func (s *BboltStorage) GetPresence(ctx context.Context, userID string) (models.Presence, error) {
	var p models.Presence
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPresence).Get([]byte(userID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbPresence DBPresence
		if err := dbPresence.UnmarshalBinary(data); err != nil {
			return err
		}
		p = models.Presence{
			UserID:        dbPresence.UserID,
			State:         models.PresenceState(dbPresence.State),
			LastChangedAt: fromNanos(dbPresence.LastChangedAt),
		}
		return nil
	})
	return p, err
}

// ResetPresence marks every online record offline and returns the ids it
// changed. Sessions do not outlive the process, so at startup any online
// record is left over from an unclean exit.
func (s *BboltStorage) ResetPresence(ctx context.Context) ([]string, error) {
	var reset []string
	now := s.now()
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		reset = reset[:0]
		presence := tx.Bucket(bucketPresence)
		users := tx.Bucket(bucketUsers)
		var stale []DBPresence
		err := presence.ForEach(func(_, v []byte) error {
			var dbPresence DBPresence
			if err := dbPresence.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbPresence.State == string(models.PresenceOnline) {
				stale = append(stale, dbPresence)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, dbPresence := range stale {
			dbPresence.State = string(models.PresenceOffline)
			dbPresence.LastChangedAt = toNanos(now)
			data, err := dbPresence.MarshalBinary()
			if err != nil {
				return err
			}
			if err := presence.Put(dbPresence.Key(), data); err != nil {
				return err
			}
			reset = append(reset, dbPresence.UserID)

			userData := users.Get([]byte(dbPresence.UserID))
			if userData == nil {
				continue
			}
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(userData); err != nil {
				return fmt.Errorf("failed to unmarshal user: %w", err)
			}
			dbUser.IsOnline = false
			newData, err := dbUser.MarshalBinary()
			if err != nil {
				return err
			}
			if err := users.Put(dbUser.Key(), newData); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(reset) > 0 {
		topics := make([]string, 0, len(reset)+1)
		for _, id := range reset {
			topics = append(topics, live.PresenceTopic(id))
		}
		s.publisher.Publish(append(topics, live.UsersTopic)...)
	}
	return reset, nil
}
