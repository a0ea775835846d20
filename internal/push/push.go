// Package push notifies offline receivers of new messages through browser
// web push.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	webpush "github.com/SherClockHolmes/webpush-go"

	"pairchat/internal/metrics"
	"pairchat/internal/models"
)

const (
	defaultQueueSize = 256
	defaultTTL       = 60 * 60 * 24
)

type Store interface {
	AddPushSubscription(ctx context.Context, sub models.PushSubscription) error
	RemovePushSubscription(ctx context.Context, userID, endpoint string) error
	PushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error)
}

type PresenceReader interface {
	Get(ctx context.Context, userID string) (models.Presence, error)
}

type NameResolver interface {
	Name(ctx context.Context, userID string) string
}

// SendFunc delivers one notification. It matches
// webpush.SendNotificationWithContext.
type SendFunc func(ctx context.Context, message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int
}

// Enabled reports whether VAPID keys are configured.
func (c Config) Enabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// Payload is the JSON document the service worker receives.
type Payload struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
}

type Notifier struct {
	cfg      Config
	store    Store
	presence PresenceReader
	names    NameResolver
	metrics  *metrics.Metrics
	send     SendFunc
	queue    chan models.Message
}

func NewNotifier(cfg Config, store Store, presence PresenceReader, names NameResolver, m *metrics.Metrics) *Notifier {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return &Notifier{
		cfg:      cfg,
		store:    store,
		presence: presence,
		names:    names,
		metrics:  m,
		send:     webpush.SendNotificationWithContext,
		queue:    make(chan models.Message, defaultQueueSize),
	}
}

// Subscribe registers a browser endpoint for userID.
func (n *Notifier) Subscribe(ctx context.Context, sub models.PushSubscription) error {
	u, err := url.Parse(sub.Endpoint)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("invalid push endpoint %q", sub.Endpoint)
	}
	if sub.Auth == "" || sub.P256dh == "" {
		return errors.New("push subscription keys are missing")
	}
	return n.store.AddPushSubscription(ctx, sub)
}

func (n *Notifier) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	return n.store.RemovePushSubscription(ctx, userID, endpoint)
}

// MessageAppended queues a notification for the receiver of m. It never
// blocks; when the queue is full the notification is dropped.
func (n *Notifier) MessageAppended(_ context.Context, m models.Message) {
	if !n.cfg.Enabled() {
		return
	}
	select {
	case n.queue <- m:
	default:
		n.metrics.Push("dropped")
		slog.Warn("push queue full, notification dropped", "message_id", m.ID)
	}
}

// Run delivers queued notifications until ctx is canceled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-n.queue:
			n.deliver(ctx, m)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, m models.Message) {
	p, err := n.presence.Get(ctx, m.ReceiverID)
	if err != nil {
		slog.Warn("failed to read receiver presence", "user_id", m.ReceiverID, "error", err)
		return
	}
	if p.Online() {
		return
	}

	subs, err := n.store.PushSubscriptions(ctx, m.ReceiverID)
	if err != nil {
		slog.Error("failed to load push subscriptions", "user_id", m.ReceiverID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(Payload{
		Title:          n.names.Name(ctx, m.SenderID),
		Body:           models.Preview(m),
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
	})
	if err != nil {
		slog.Error("failed to encode push payload", "error", err)
		return
	}

	for _, sub := range subs {
		n.sendOne(ctx, sub, payload)
	}
}

func (n *Notifier) sendOne(ctx context.Context, sub models.PushSubscription, payload []byte) {
	resp, err := n.send(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		Subscriber:      n.cfg.Subscriber,
		VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
		TTL:             n.cfg.TTL,
	})
	if err != nil {
		n.metrics.Push("error")
		slog.Warn("push delivery failed", "user_id", sub.UserID, "error", err)
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		n.metrics.Push("gone")
		if err := n.store.RemovePushSubscription(ctx, sub.UserID, sub.Endpoint); err != nil {
			slog.Warn("failed to drop expired push subscription", "user_id", sub.UserID, "error", err)
		}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		n.metrics.Push("sent")
	default:
		n.metrics.Push("error")
		slog.Warn("push service rejected notification", "user_id", sub.UserID, "status", resp.StatusCode)
	}
}

// GenerateKeys returns a new VAPID key pair.
func GenerateKeys() (privateKey, publicKey string, err error) {
	return webpush.GenerateVAPIDKeys()
}
