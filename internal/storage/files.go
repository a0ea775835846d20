package storage

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"pairchat/internal/models"
)

// FileMetadata describes an uploaded blob. ID is the blob path.
type FileMetadata struct {
	ID             string `msgpack:"id"`
	Name           string `msgpack:"name"`
	MimeType       string `msgpack:"mimeType"`
	Kind           string `msgpack:"kind"`
	Size           int64  `msgpack:"size"`
	CreatedAt      int64  `msgpack:"createdAt"`
	UserID         string `msgpack:"userId"`
	ConversationID string `msgpack:"conversationId"`
}

func (f *FileMetadata) Key() []byte {
	return []byte(f.ID)
}

func (f *FileMetadata) MarshalBinary() (data []byte, err error) {
	type alias FileMetadata
	return msgpack.Marshal((*alias)(f))
}

func (f *FileMetadata) UnmarshalBinary(data []byte) error {
	type alias FileMetadata
	return msgpack.Unmarshal(data, (*alias)(f))
}

func (s *BboltStorage) UpsertFileMetadata(ctx context.Context, meta FileMetadata) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		data, err := meta.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal file metadata: %w", err)
		}
		return b.Put(meta.Key(), data)
	})
}

func (s *BboltStorage) GetFileMetadata(ctx context.Context, id string) (FileMetadata, error) {
	var meta FileMetadata
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("file metadata for %s: %w", id, models.ErrNotFound)
		}
		return meta.UnmarshalBinary(data)
	})
	return meta, err
}
