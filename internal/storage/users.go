package storage

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"pairchat/internal/live"
	"pairchat/internal/models"
)

func userToDB(u models.User) *DBUser {
	return &DBUser{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		PhotoURL:    u.PhotoURL,
		CreatedAt:   toNanos(u.CreatedAt),
		LastActive:  toNanos(u.LastActive),
		IsOnline:    u.IsOnline,
	}
}

func userFromDB(u *DBUser) models.User {
	return models.User{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		PhotoURL:    u.PhotoURL,
		CreatedAt:   fromNanos(u.CreatedAt),
		LastActive:  fromNanos(u.LastActive),
		IsOnline:    u.IsOnline,
	}
}

// CreateUser stores a new profile. If the profile already exists it is
// returned unchanged and created is false.
func (s *BboltStorage) CreateUser(ctx context.Context, user models.User) (stored models.User, created bool, err error) {
	err = s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if data := b.Get([]byte(user.ID)); data != nil {
			var existing DBUser
			if err := existing.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal user: %w", err)
			}
			stored = userFromDB(&existing)
			return nil
		}

		ts, err := s.stamp(tx)
		if err != nil {
			return err
		}
		dbUser := userToDB(user)
		dbUser.CreatedAt = ts
		dbUser.LastActive = ts
		if p := tx.Bucket(bucketPresence).Get([]byte(user.ID)); p != nil {
			var presence DBPresence
			if err := presence.UnmarshalBinary(p); err == nil {
				dbUser.IsOnline = presence.State == string(models.PresenceOnline)
			}
		}

		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		if err := b.Put(dbUser.Key(), data); err != nil {
			return err
		}
		stored = userFromDB(dbUser)
		created = true
		return nil
	})
	if err == nil && created {
		s.publisher.Publish(live.UsersTopic)
	}
	return stored, created, err
}

// UpdateUser applies fn to the stored profile. ID and CreatedAt are kept.
func (s *BboltStorage) UpdateUser(ctx context.Context, id string, fn func(*models.User)) (models.User, error) {
	var result models.User
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal user: %w", err)
		}

		user := userFromDB(&dbUser)
		fn(&user)
		user.ID = dbUser.ID
		user.CreatedAt = fromNanos(dbUser.CreatedAt)

		updated := userToDB(user)
		newData, err := updated.MarshalBinary()
		if err != nil {
			return err
		}
		result = user
		return b.Put(updated.Key(), newData)
	})
	if err == nil {
		s.publisher.Publish(live.UsersTopic)
	}
	return result, err
}

func (s *BboltStorage) GetUser(ctx context.Context, id string) (models.User, error) {
	var user models.User
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = userFromDB(&dbUser)
		return nil
	})
	return user, err
}

// ListUsers returns every stored profile.
func (s *BboltStorage) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, userFromDB(&dbUser))
			return nil
		})
	})
	return users, err
}
