// Package live turns store change notifications into live queries.
//
// The store publishes topic names after every committed write. A live
// query registers for a set of topics, runs its query once immediately and
// again after every notification, and hands the full result to its
// callback. Notifications that arrive while a query is running are
// coalesced into a single re-run, so a subscriber always converges on the
// latest snapshot without seeing every intermediate state.
package live

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"pairchat/internal/metrics"
)

func MessagesTopic(conversationID string) string { return "messages/" + conversationID }
func LedgerTopic(userID string) string           { return "ledger/" + userID }
func PresenceTopic(userID string) string         { return "presence/" + userID }

const UsersTopic = "users"

type Broker struct {
	mu      sync.RWMutex
	topics  map[string]map[*watcher]struct{}
	metrics *metrics.Metrics
}

type watcher struct {
	signal chan struct{}
}

func NewBroker(m *metrics.Metrics) *Broker {
	return &Broker{
		topics:  make(map[string]map[*watcher]struct{}),
		metrics: m,
	}
}

// Publish wakes every watcher registered for any of the topics.
// It never blocks on a slow subscriber.
func (b *Broker) Publish(topics ...string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, topic := range topics {
		for w := range b.topics[topic] {
			select {
			case w.signal <- struct{}{}:
			default:
				// A wake-up is already pending.
			}
		}
	}
}

// Subscribers returns the number of watchers registered for topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Broker) add(w *watcher, topics []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		set, ok := b.topics[topic]
		if !ok {
			set = make(map[*watcher]struct{})
			b.topics[topic] = set
		}
		set[w] = struct{}{}
	}
}

func (b *Broker) remove(w *watcher, topics []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		set := b.topics[topic]
		delete(set, w)
		if len(set) == 0 {
			delete(b.topics, topic)
		}
	}
}

// Canceler is anything that can be stopped: a Subscription or a Group.
type Canceler interface {
	Stop()
}

// Subscription is the handle of a running live query.
type Subscription struct {
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
}

// Cancel ends the subscription without waiting for its goroutine. No new
// callback starts once Cancel returns. Use it from inside the
// subscription's own callback.
func (s *Subscription) Cancel() {
	s.stopped.Store(true)
	s.cancel()
}

// Stop cancels the subscription and waits for its goroutine to exit, so a
// callback running elsewhere has finished once Stop returns. Calling Stop
// from the subscription's own callback deadlocks; use Cancel there.
func (s *Subscription) Stop() {
	s.Cancel()
	<-s.done
}

// Done is closed when the subscription goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Watch starts a live query over topics. The subscription ends when ctx is
// canceled or Stop is called.
func Watch[T any](
	ctx context.Context,
	b *Broker,
	topics []string,
	query func(context.Context) (T, error),
	onChange func(T),
) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w := &watcher{signal: make(chan struct{}, 1)}

	// Register before the first query so no write can slip in between.
	b.add(w, topics)
	b.metrics.SubscriptionOpened()

	go func() {
		defer close(s.done)
		defer b.metrics.SubscriptionClosed()
		defer b.remove(w, topics)

		for {
			v, err := query(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				slog.Warn("live query failed", "topics", topics, "error", err)
			} else if !s.deliver(func() { onChange(v) }) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-w.signal:
			}
		}
	}()

	return s
}

func (s *Subscription) deliver(fn func()) bool {
	if s.stopped.Load() {
		return false
	}
	fn()
	return true
}

// Group stops several subscriptions together.
type Group struct {
	mu   sync.Mutex
	subs []Canceler
}

func (g *Group) Add(c Canceler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, c)
}

func (g *Group) Stop() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, s := range subs {
		s.Stop()
	}
}
