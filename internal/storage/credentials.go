package storage

import (
	"context"

	"go.etcd.io/bbolt"

	"pairchat/internal/auth"
)

// UpsertCredentials stores new or updated account credentials.
func (s *BboltStorage) UpsertCredentials(ctx context.Context, credentials auth.Credentials) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		dbCreds := &DBCredentials{
			UserID:              credentials.UserID,
			Email:               credentials.Email,
			DisplayName:         credentials.DisplayName,
			PasswordHash:        credentials.PasswordHash,
			FailedLoginAttempts: credentials.FailedLoginAttempts,
			LastAttemptTime:     credentials.LastAttemptTime,
		}

		data, err := dbCreds.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbCreds.Key(), data)
	})
}

// ListCredentials returns all account credentials stored in the database.
func (s *BboltStorage) ListCredentials(ctx context.Context) ([]auth.Credentials, error) {
	var credentials []auth.Credentials
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		return b.ForEach(func(k, v []byte) error {
			var dbCreds DBCredentials
			if err := dbCreds.UnmarshalBinary(v); err != nil {
				return err
			}
			credentials = append(credentials, auth.Credentials{
				UserID:              dbCreds.UserID,
				Email:               dbCreds.Email,
				DisplayName:         dbCreds.DisplayName,
				PasswordHash:        dbCreds.PasswordHash,
				FailedLoginAttempts: dbCreds.FailedLoginAttempts,
				LastAttemptTime:     dbCreds.LastAttemptTime,
			})
			return nil
		})
	})
	return credentials, err
}

func (s *BboltStorage) UpsertToken(ctx context.Context, userID string, tokenHash string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		dbToken := &DBToken{
			UserID: userID,
			Token:  tokenHash,
		}
		data, err := dbToken.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbToken.Key(), data)
	})
}

func (s *BboltStorage) DeleteToken(ctx context.Context, tokenHash string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(tokenHash))
	})
}

// ListTokens maps token hashes to user ids.
func (s *BboltStorage) ListTokens(ctx context.Context) (map[string]string, error) {
	tokens := make(map[string]string)
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		return b.ForEach(func(k, v []byte) error {
			var dbToken DBToken
			if err := dbToken.UnmarshalBinary(v); err != nil {
				return err
			}
			tokens[dbToken.Token] = dbToken.UserID
			return nil
		})
	})
	return tokens, err
}
