package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"pairchat/internal/live"
	"pairchat/internal/models"
	"pairchat/internal/retry"
	"pairchat/internal/session"
)

type Store interface {
	SetPresence(ctx context.Context, p models.Presence) error
	GetPresence(ctx context.Context, userID string) (models.Presence, error)
	ResetPresence(ctx context.Context) ([]string, error)
}

// Tracker keeps presence records in step with client sessions.
//
// A user is online while at least one of their sessions is alive. The
// offline transition is driven only by the session end hook; there is no
// heartbeat.
type Tracker struct {
	store  Store
	broker *live.Broker
	retry  retry.Policy
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]map[string]func() // userID -> sessionID -> unregister hook
}

func NewTracker(store Store, broker *live.Broker) *Tracker {
	return &Tracker{
		store:    store,
		broker:   broker,
		retry:    retry.DefaultPolicy,
		now:      time.Now,
		sessions: make(map[string]map[string]func()),
	}
}

// Reset marks offline every user the store still lists as online. Call it
// once at startup, before any session is initialized.
func (t *Tracker) Reset(ctx context.Context) error {
	ids, err := t.store.ResetPresence(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset presence: %w", err)
	}
	if len(ids) > 0 {
		slog.Info("reset stale presence", "users", len(ids))
	}
	return nil
}

// Initialize marks the session's user online and arranges for the record
// to flip offline when the session ends without a sign-off.
func (t *Tracker) Initialize(ctx context.Context, sess *session.Session) error {
	userID := sess.UserID()

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.write(ctx, userID, models.PresenceOnline); err != nil {
		return fmt.Errorf("failed to mark %s online: %w", userID, err)
	}

	unregister, ok := sess.OnEnd("presence", func(ctx context.Context) error {
		return t.release(ctx, sess)
	})
	if !ok {
		// The connection is already gone.
		if len(t.sessions[userID]) == 0 {
			_ = t.write(ctx, userID, models.PresenceOffline)
		}
		return session.ErrEnded
	}

	active, ok := t.sessions[userID]
	if !ok {
		active = make(map[string]func())
		t.sessions[userID] = active
	}
	active[sess.ID()] = unregister
	return nil
}

// SignOff is the explicit sign-off of a session. The user goes offline
// right away unless another session of theirs is still connected.
func (t *Tracker) SignOff(ctx context.Context, sess *session.Session) error {
	t.mu.Lock()
	unregister, ok := t.sessions[sess.UserID()][sess.ID()]
	t.mu.Unlock()
	if ok {
		unregister()
	}
	return t.release(ctx, sess)
}

func (t *Tracker) release(ctx context.Context, sess *session.Session) error {
	userID := sess.UserID()

	t.mu.Lock()
	defer t.mu.Unlock()

	active, ok := t.sessions[userID]
	if !ok {
		return nil
	}
	if _, ok := active[sess.ID()]; !ok {
		return nil
	}
	delete(active, sess.ID())
	if len(active) > 0 {
		return nil
	}
	delete(t.sessions, userID)
	return t.write(ctx, userID, models.PresenceOffline)
}

func (t *Tracker) write(ctx context.Context, userID string, state models.PresenceState) error {
	p := models.Presence{
		UserID:        userID,
		State:         state,
		LastChangedAt: t.now(),
	}
	return retry.Do(ctx, t.retry, func() error {
		return t.store.SetPresence(ctx, p)
	})
}

// Get returns the presence record of a user. Users that never connected
// are reported offline with a zero LastChangedAt.
func (t *Tracker) Get(ctx context.Context, userID string) (models.Presence, error) {
	p, err := t.store.GetPresence(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return models.Presence{UserID: userID, State: models.PresenceOffline}, nil
	}
	return p, err
}

// Subscribe watches the presence of every id in userIDs, one live
// subscription per id, and calls onChange with the merged online map after
// each change. The first call happens once every id has been read.
// Stopping the returned group releases all underlying subscriptions.
func (t *Tracker) Subscribe(ctx context.Context, userIDs []string, onChange func(map[string]bool)) *live.Group {
	group := &live.Group{}

	var mu sync.Mutex
	state := make(map[string]bool, len(userIDs))
	loaded := make(map[string]bool, len(userIDs))

	ids := uniq(userIDs)
	for _, id := range ids {
		group.Add(live.Watch(ctx, t.broker, []string{live.PresenceTopic(id)},
			func(ctx context.Context) (bool, error) {
				p, err := t.Get(ctx, id)
				if err != nil {
					return false, err
				}
				return p.Online(), nil
			},
			func(online bool) {
				mu.Lock()
				defer mu.Unlock()
				state[id] = online
				loaded[id] = true
				if len(loaded) < len(ids) {
					return
				}
				onChange(maps.Clone(state))
			},
		))
	}
	return group
}

func uniq(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
