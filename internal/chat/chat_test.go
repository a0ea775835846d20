package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"pairchat/internal/ledger"
	"pairchat/internal/live"
	"pairchat/internal/metrics"
	"pairchat/internal/models"
	"pairchat/internal/storage"
)

type failingLedger struct{}

func (failingLedger) UpsertAfterSend(context.Context, string, string, string) error {
	return errors.New("ledger down")
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []models.Message
}

func (n *recordingNotifier) MessageAppended(_ context.Context, m models.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, m)
}

type fixture struct {
	channel *Channel
	store   *storage.BboltStorage
	broker  *live.Broker
	ledger  *ledger.Ledger
	reg     *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	broker := live.NewBroker(nil)
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "chat.db"), storage.WithPublisher(broker))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	l := ledger.New(store, broker)
	return &fixture{
		channel: New(Config{Store: store, Broker: broker, Ledger: l, Metrics: m}),
		store:   store,
		broker:  broker,
		ledger:  l,
		reg:     reg,
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func TestChannel_AppendText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.channel.Append(ctx, "bob", "alice", models.TextBody{Text: "  hello  "})
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	require.Equal(t, "alice_bob", msg.ConversationID)
	require.Equal(t, models.MessageKindText, msg.Kind)
	require.Equal(t, "hello", msg.Content)
	require.False(t, msg.Read)
	require.False(t, msg.CreatedAt.IsZero())

	c, err := f.ledger.Get(ctx, "alice_bob")
	require.NoError(t, err)
	require.Equal(t, "hello", c.LastMessagePreview)
	require.Equal(t, 1, c.UnreadCount["alice"])
}

func TestChannel_AppendRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := f.channel.Append(ctx, "bob", "alice", models.TextBody{Text: text})
		require.ErrorIs(t, err, models.ErrEmptyMessage)
	}
	_, err := f.channel.Append(ctx, "bob", "alice", nil)
	require.ErrorIs(t, err, models.ErrEmptyMessage)

	_, err = f.channel.Append(ctx, "bob", "bob", models.TextBody{Text: "me"})
	require.ErrorIs(t, err, models.ErrInvalidParticipants)
	_, err = f.channel.Append(ctx, "", "bob", models.TextBody{Text: "x"})
	require.ErrorIs(t, err, models.ErrInvalidParticipants)

	msgs, err := f.store.RecentMessages(ctx, "alice_bob", 10)
	require.NoError(t, err)
	require.Empty(t, msgs, "rejected sends write nothing")

	_, err = f.ledger.Get(ctx, "alice_bob")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestChannel_AppendMedia(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ref := models.MediaRef{
		URL:      "/files/conversations/alice_bob/1_cat.png",
		Path:     "conversations/alice_bob/1_cat.png",
		FileName: "cat.png",
		FileSize: 1024,
		Kind:     models.MessageKindImage,
	}
	msg, err := f.channel.Append(ctx, "alice", "bob", models.MediaBody{Ref: ref})
	require.NoError(t, err)
	require.Equal(t, models.MessageKindImage, msg.Kind)
	require.Equal(t, &ref, msg.Media)

	c, err := f.ledger.Get(ctx, "alice_bob")
	require.NoError(t, err)
	require.Equal(t, "Photo", c.LastMessagePreview)
}

func TestChannel_LedgerFailure(t *testing.T) {
	f := newFixture(t)
	f.channel.ledger = failingLedger{}
	ctx := context.Background()

	msg, err := f.channel.Append(ctx, "bob", "alice", models.TextBody{Text: "hi"})
	require.ErrorIs(t, err, ErrLedgerNotUpdated)
	require.NotEmpty(t, msg.ID, "the message is returned even though the ledger failed")

	msgs, err := f.store.RecentMessages(ctx, "alice_bob", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, float64(1), counterValue(t, f.reg, "pairchat_ledger_upsert_failures_total"))
}

func TestChannel_Notifier(t *testing.T) {
	f := newFixture(t)
	n := &recordingNotifier{}
	f.channel.notifier = n

	_, err := f.channel.Append(context.Background(), "bob", "alice", models.TextBody{Text: "hi"})
	require.NoError(t, err)
	require.Len(t, n.messages, 1)
	require.Equal(t, "alice", n.messages[0].ReceiverID)
}

func TestChannel_LoadOlder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var sent []models.Message
	for i := 0; i < 30; i++ {
		m, err := f.channel.Append(ctx, "alice", "bob", models.TextBody{Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		sent = append(sent, m)
	}

	older, err := f.channel.LoadOlder(ctx, "bob", "alice", sent[10], 5)
	require.NoError(t, err)
	require.Len(t, older, 5)
	for i, m := range older {
		require.Equal(t, sent[5+i].ID, m.ID)
	}

	older, err = f.channel.LoadOlder(ctx, "alice", "bob", sent[0], 5)
	require.NoError(t, err)
	require.Empty(t, older)

	_, err = f.channel.LoadOlder(ctx, "alice", "alice", sent[0], 5)
	require.ErrorIs(t, err, models.ErrInvalidParticipants)

	older, err = f.channel.LoadOlder(ctx, "alice", "bob", models.Message{}, 5)
	require.ErrorIs(t, err, ErrMissingCursor)
	require.Empty(t, older)
}

func TestChannel_Subscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pages := make(chan []models.Message, 16)
	sub, err := f.channel.Subscribe(ctx, "alice", "bob", 3, func(m []models.Message) {
		pages <- m
	})
	require.NoError(t, err)
	defer sub.Stop()

	waitFor := func(cond func([]models.Message) bool) []models.Message {
		t.Helper()
		deadline := time.After(time.Second)
		for {
			select {
			case p := <-pages:
				if cond(p) {
					return p
				}
			case <-deadline:
				t.Fatal("timeout waiting for page")
				return nil
			}
		}
	}

	waitFor(func(p []models.Message) bool { return len(p) == 0 })

	for i := 0; i < 5; i++ {
		_, err := f.channel.Append(ctx, "alice", "bob", models.TextBody{Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
	page := waitFor(func(p []models.Message) bool { return len(p) == 3 && p[2].Content == "m4" })
	require.Equal(t, "m2", page[0].Content)
	require.Equal(t, "m3", page[1].Content)

	// Read flag changes re-deliver the page.
	n, err := f.channel.MarkRead(ctx, "alice", "bob", "bob")
	require.NoError(t, err)
	require.Equal(t, 5, n)
	waitFor(func(p []models.Message) bool {
		for _, m := range p {
			if !m.Read {
				return false
			}
		}
		return len(p) == 3
	})

	_, err = f.channel.Subscribe(ctx, "alice", "", 3, func([]models.Message) {})
	require.ErrorIs(t, err, models.ErrInvalidParticipants)
}

func TestChannel_MarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.channel.Append(ctx, "alice", "bob", models.TextBody{Text: "to bob"})
		require.NoError(t, err)
	}
	_, err := f.channel.Append(ctx, "bob", "alice", models.TextBody{Text: "to alice"})
	require.NoError(t, err)

	n, err := f.channel.MarkRead(ctx, "alice", "bob", "bob")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = f.channel.MarkRead(ctx, "alice", "bob", "bob")
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = f.channel.MarkRead(ctx, "alice", "bob", "carol")
	require.ErrorIs(t, err, models.ErrPermissionDenied)

	msgs, err := f.store.RecentMessages(ctx, "alice_bob", 10)
	require.NoError(t, err)
	for _, m := range msgs {
		require.Equal(t, m.ReceiverID == "bob", m.Read)
	}
}
