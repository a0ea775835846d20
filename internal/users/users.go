// Package users is the user directory: profiles created on first sign-in,
// profile edits and activity pings, with a read cache in front of the store.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/c-pro/geche"

	"pairchat/internal/auth"
	"pairchat/internal/chatkey"
	"pairchat/internal/content"
	"pairchat/internal/live"
	"pairchat/internal/models"
)

const (
	DefaultCacheTTL = 5 * time.Minute
	listKey         = "all"
)

type Store interface {
	CreateUser(ctx context.Context, user models.User) (models.User, bool, error)
	UpdateUser(ctx context.Context, id string, fn func(*models.User)) (models.User, error)
	GetUser(ctx context.Context, id string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
}

// ProfileUpdate holds the fields a user may change. Nil means unchanged.
type ProfileUpdate struct {
	DisplayName *string `json:"displayName,omitempty"`
	PhotoURL    *string `json:"photoUrl,omitempty"`
}

type Directory struct {
	store    Store
	broker   *live.Broker
	list     geche.Geche[string, []models.User]
	profiles geche.Geche[string, models.User]
	now      func() time.Time
}

// NewDirectory builds a directory whose caches expire after ttl. The
// cache cleanup goroutines stop with ctx.
func NewDirectory(ctx context.Context, store Store, broker *live.Broker, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Directory{
		store:    store,
		broker:   broker,
		list:     geche.NewMapTTLCache[string, []models.User](ctx, ttl, ttl),
		profiles: geche.NewMapTTLCache[string, models.User](ctx, ttl, ttl),
		now:      time.Now,
	}
}

// Invalidate drops cached entries. With no ids only the list is dropped.
func (d *Directory) Invalidate(ids ...string) {
	_ = d.list.Del(listKey)
	for _, id := range ids {
		_ = d.profiles.Del(id)
	}
}

// EnsureProfile returns the profile of an authenticated identity, creating
// it on first sign-in.
func (d *Directory) EnsureProfile(ctx context.Context, id auth.Identity) (models.User, error) {
	if !chatkey.Valid(id.UserID) {
		return models.User{}, fmt.Errorf("user id %q: %w", id.UserID, models.ErrInvalidParticipants)
	}

	name, err := content.NormalizeDisplayName(id.DisplayName)
	if err != nil {
		// Fall back to the mailbox name rather than refusing the sign-in.
		name, _, _ = strings.Cut(id.Email, "@")
	}

	user, created, err := d.store.CreateUser(ctx, models.User{
		ID:          id.UserID,
		DisplayName: name,
		Email:       id.Email,
	})
	if err != nil {
		return models.User{}, fmt.Errorf("failed to create profile: %w", err)
	}
	if created {
		slog.Info("user profile created", "user_id", user.ID)
		d.Invalidate(user.ID)
	}
	return user, nil
}

func (d *Directory) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (models.User, error) {
	var name string
	if upd.DisplayName != nil {
		var err error
		if name, err = content.NormalizeDisplayName(*upd.DisplayName); err != nil {
			return models.User{}, err
		}
	}

	user, err := d.store.UpdateUser(ctx, userID, func(u *models.User) {
		if upd.DisplayName != nil {
			u.DisplayName = name
		}
		if upd.PhotoURL != nil {
			u.PhotoURL = strings.TrimSpace(*upd.PhotoURL)
		}
	})
	if err != nil {
		return models.User{}, err
	}
	d.Invalidate(userID)
	return user, nil
}

// Touch records user activity.
func (d *Directory) Touch(ctx context.Context, userID string) error {
	now := d.now()
	_, err := d.store.UpdateUser(ctx, userID, func(u *models.User) {
		u.LastActive = now
	})
	if err != nil {
		return err
	}
	d.Invalidate(userID)
	return nil
}

func (d *Directory) Get(ctx context.Context, userID string) (models.User, error) {
	if u, err := d.profiles.Get(userID); err == nil {
		return u, nil
	}
	u, err := d.store.GetUser(ctx, userID)
	if err != nil {
		return models.User{}, err
	}
	d.profiles.Set(userID, u)
	return u, nil
}

// List returns every profile, oldest account first.
func (d *Directory) List(ctx context.Context) ([]models.User, error) {
	if list, err := d.list.Get(listKey); err == nil {
		return slices.Clone(list), nil
	}
	list, err := d.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(list, func(a, b models.User) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	d.list.Set(listKey, list)
	return slices.Clone(list), nil
}

// Subscribe delivers the directory now and after every profile change.
func (d *Directory) Subscribe(ctx context.Context, onChange func([]models.User)) *live.Subscription {
	return live.Watch(ctx, d.broker, []string{live.UsersTopic},
		func(ctx context.Context) ([]models.User, error) {
			// Writers publish after commit, so anything cached may be stale.
			d.Invalidate()
			return d.List(ctx)
		},
		onChange,
	)
}

// Name resolves a display name, falling back to the id.
func (d *Directory) Name(ctx context.Context, userID string) string {
	u, err := d.Get(ctx, userID)
	if err != nil || u.DisplayName == "" {
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			slog.Warn("failed to resolve user name", "user_id", userID, "error", err)
		}
		return userID
	}
	return u.DisplayName
}
