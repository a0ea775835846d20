package ranker

import (
	"context"
	"slices"
	"sync"
	"time"

	"pairchat/internal/live"
	"pairchat/internal/models"
)

const DefaultSendSettleDelay = 1500 * time.Millisecond

type LedgerSource interface {
	SubscribeForUser(ctx context.Context, userID string, onChange func([]models.ConversationSummary)) *live.Subscription
}

type UserSource interface {
	Subscribe(ctx context.Context, onChange func([]models.User)) *live.Subscription
}

type PresenceSource interface {
	Subscribe(ctx context.Context, userIDs []string, onChange func(map[string]bool)) *live.Group
}

type FeedConfig struct {
	SelfID          string
	Ledger          LedgerSource
	Users           UserSource
	Presence        PresenceSource
	SendSettleDelay time.Duration
	// OnChange receives the full ranked list after every change. Calls are
	// serialized. It must not call back into the Feed synchronously.
	OnChange func([]models.ConversationView)
}

// Feed keeps one user's conversation list ranked while the ledger, the
// user directory and partner presence change underneath it.
type Feed struct {
	cfg FeedConfig
	ctx context.Context

	emitMu sync.Mutex

	mu            sync.Mutex
	users         []models.User
	conversations []models.ConversationSummary
	online        map[string]bool
	haveUsers     bool
	haveLedger    bool
	selected      string
	sending       int
	stopped       bool

	presence     *live.Group
	presenceIDs  []string
	presenceGen  int
	subs         live.Group
	settleTimers map[*time.Timer]struct{}
}

func NewFeed(cfg FeedConfig) *Feed {
	if cfg.SendSettleDelay <= 0 {
		cfg.SendSettleDelay = DefaultSendSettleDelay
	}
	return &Feed{
		cfg:          cfg,
		online:       make(map[string]bool),
		settleTimers: make(map[*time.Timer]struct{}),
	}
}

// Start opens the underlying subscriptions. The first ranked list is
// delivered once both the directory and the ledger have been read.
func (f *Feed) Start(ctx context.Context) {
	f.ctx = ctx
	f.subs.Add(f.cfg.Ledger.SubscribeForUser(ctx, f.cfg.SelfID, f.onLedger))
	f.subs.Add(f.cfg.Users.Subscribe(ctx, f.onUsers))
}

func (f *Feed) onLedger(conversations []models.ConversationSummary) {
	f.mu.Lock()
	f.conversations = conversations
	f.haveLedger = true
	f.mu.Unlock()
	f.emit()
}

func (f *Feed) onUsers(users []models.User) {
	ids := make([]string, 0, len(users))
	for _, u := range users {
		if u.ID != f.cfg.SelfID {
			ids = append(ids, u.ID)
		}
	}
	slices.Sort(ids)

	f.mu.Lock()
	f.users = users
	f.haveUsers = true
	var old *live.Group
	resubscribe := !f.stopped && !slices.Equal(ids, f.presenceIDs)
	if resubscribe {
		old = f.presence
		f.presence = nil
		f.presenceIDs = ids
		f.presenceGen++
	}
	gen := f.presenceGen
	f.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	if resubscribe && len(ids) > 0 {
		group := f.cfg.Presence.Subscribe(f.ctx, ids, func(online map[string]bool) {
			f.onPresence(gen, online)
		})
		f.mu.Lock()
		if f.stopped || gen != f.presenceGen {
			f.mu.Unlock()
			group.Stop()
			return
		}
		f.presence = group
		f.mu.Unlock()
	}
	f.emit()
}

func (f *Feed) onPresence(gen int, online map[string]bool) {
	f.mu.Lock()
	if gen != f.presenceGen {
		f.mu.Unlock()
		return
	}
	f.online = online
	f.mu.Unlock()
	f.emit()
}

// Select marks conversationID as the one open in the UI. An empty id
// clears the selection.
func (f *Feed) Select(conversationID string) {
	f.mu.Lock()
	f.selected = conversationID
	f.mu.Unlock()
	f.emit()
}

// BeginSend pins the selected conversation while a send is in flight.
// The pin is held until SendSettleDelay after done is called, so the list
// does not reorder under the user right after the message lands.
func (f *Feed) BeginSend() (done func()) {
	f.mu.Lock()
	f.sending++
	f.mu.Unlock()
	f.emit()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.stopped {
				return
			}
			var timer *time.Timer
			timer = time.AfterFunc(f.cfg.SendSettleDelay, func() {
				f.mu.Lock()
				delete(f.settleTimers, timer)
				f.sending--
				f.mu.Unlock()
				f.emit()
			})
			f.settleTimers[timer] = struct{}{}
		})
	}
}

// Snapshot returns the current ranked list.
func (f *Feed) Snapshot() []models.ConversationView {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rankLocked()
}

func (f *Feed) rankLocked() []models.ConversationView {
	views := BuildViews(f.cfg.SelfID, f.users, f.conversations, f.online)
	return Rank(views, f.cfg.SelfID, f.selected, f.sending > 0)
}

func (f *Feed) emit() {
	f.emitMu.Lock()
	defer f.emitMu.Unlock()

	f.mu.Lock()
	if f.stopped || !f.haveUsers || !f.haveLedger {
		f.mu.Unlock()
		return
	}
	ranked := f.rankLocked()
	f.mu.Unlock()

	if f.cfg.OnChange != nil {
		f.cfg.OnChange(ranked)
	}
}

// Stop releases every subscription. No OnChange call starts after Stop
// returns.
func (f *Feed) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	presence := f.presence
	f.presence = nil
	for timer := range f.settleTimers {
		timer.Stop()
	}
	f.settleTimers = nil
	f.mu.Unlock()

	f.subs.Stop()
	if presence != nil {
		presence.Stop()
	}

	// Wait for an emit that was already running.
	f.emitMu.Lock()
	defer f.emitMu.Unlock()
}
