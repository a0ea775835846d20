package storage

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"pairchat/internal/models"
)

// AddPushSubscription stores a browser push endpoint for a user.
// Subscribing the same endpoint again replaces it.
func (s *BboltStorage) AddPushSubscription(ctx context.Context, sub models.PushSubscription) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		userBucket, err := tx.Bucket(bucketPushSubscriptions).CreateBucketIfNotExists([]byte(sub.UserID))
		if err != nil {
			return fmt.Errorf("failed to create push bucket: %w", err)
		}
		dbSub := &DBPushSubscription{
			UserID:   sub.UserID,
			Endpoint: sub.Endpoint,
			Auth:     sub.Auth,
			P256dh:   sub.P256dh,
		}
		data, err := dbSub.MarshalBinary()
		if err != nil {
			return err
		}
		return userBucket.Put(dbSub.Key(), data)
	})
}

func (s *BboltStorage) RemovePushSubscription(ctx context.Context, userID, endpoint string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketPushSubscriptions).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.Delete([]byte(endpoint))
	})
}

func (s *BboltStorage) PushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketPushSubscriptions).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.ForEach(func(k, v []byte) error {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, models.PushSubscription{
				UserID:   dbSub.UserID,
				Endpoint: dbSub.Endpoint,
				Auth:     dbSub.Auth,
				P256dh:   dbSub.P256dh,
			})
			return nil
		})
	})
	return subs, err
}
