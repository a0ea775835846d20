package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"pairchat/internal/models"
)

var (
	bucketUsers             = []byte("users")
	bucketCredentials       = []byte("credentials")
	bucketTokens            = []byte("tokens")
	bucketConversations     = []byte("conversations")
	bucketUserConversations = []byte("user_conversations")
	bucketMessages          = []byte("messages")
	bucketPresence          = []byte("presence")
	bucketFiles             = []byte("files")
	bucketPushSubscriptions = []byte("push_subscriptions")
	bucketMeta              = []byte("meta")
	bucketReadMarks         = []byte("read_marks")

	keyClock = []byte("clock")
)

// Publisher is told which topics changed after every committed write.
type Publisher interface {
	Publish(topics ...string)
}

type nopPublisher struct{}

func (nopPublisher) Publish(...string) {}

type Option func(*BboltStorage)

func WithPublisher(p Publisher) Option {
	return func(s *BboltStorage) {
		s.publisher = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *BboltStorage) {
		s.now = now
	}
}

// BboltStorage is the document store: users, ledger entries, message logs,
// presence records and file metadata. Writes are serialized by bbolt, which
// makes every read-modify-write inside one Update an atomic store-side
// operation.
type BboltStorage struct {
	db        *bbolt.DB
	publisher Publisher
	now       func() time.Time
}

func NewBboltStorage(path string, opts ...Option) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketCredentials,
			bucketTokens,
			bucketConversations,
			bucketUserConversations,
			bucketMessages,
			bucketPresence,
			bucketFiles,
			bucketPushSubscriptions,
			bucketMeta,
			bucketReadMarks,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	s := &BboltStorage{
		db:        db,
		publisher: nopPublisher{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// stamp returns the next store timestamp. Timestamps are strictly
// increasing across the whole store, even if the wall clock steps back,
// so they double as a total order for message logs.
func (s *BboltStorage) stamp(tx *bbolt.Tx) (int64, error) {
	meta := tx.Bucket(bucketMeta)
	var last int64
	if v := meta.Get(keyClock); len(v) == 8 {
		last = int64(binary.BigEndian.Uint64(v))
	}
	ts := s.now().UnixNano()
	if ts <= last {
		ts = last + 1
	}
	if err := meta.Put(keyClock, timeKey(ts)); err != nil {
		return 0, err
	}
	return ts, nil
}

func (s *BboltStorage) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrapErr(s.db.Update(fn))
}

func (s *BboltStorage) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrapErr(s.db.View(fn))
}

// wrapErr marks failures of the database itself as transient.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, bbolt.ErrTimeout) || errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return fmt.Errorf("%w: %v", models.ErrUnavailable, err)
	}
	return err
}
