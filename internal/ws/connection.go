package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"pairchat/internal/chat"
	"pairchat/internal/chatkey"
	"pairchat/internal/live"
	"pairchat/internal/models"
	"pairchat/internal/ranker"
	"pairchat/internal/session"
)

const outboxSize = 256

var (
	errRateLimited    = errors.New("sending too fast, slow down")
	errUnknownMessage = errors.New("unknown message type")
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// outbound is a queued frame. Frames produced by a subscription carry the
// generation of that subscription; gen 0 frames are always written.
type outbound struct {
	msg ServerMessage
	gen uint64
}

// Connection is one websocket client session. All client requests and
// all writes to the socket are handled by a single loop; subscriptions
// only queue messages for it.
type Connection struct {
	ws      wsConnection
	hub     *Hub
	userID  string
	session *session.Session
	feed    *ranker.Feed

	fromClient chan ClientMessage
	fromServer chan outbound
	readNeeded chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once

	// Owned by mainLoop. The generations grow every time the matching
	// subscription is replaced or stopped.
	partnerID   string
	messages    *live.Subscription
	messagesGen uint64
	presence    *live.Group
	presenceGen uint64
}

func NewConnection(hub *Hub, ws wsConnection, userID string) *Connection {
	c := &Connection{
		ws:         ws,
		hub:        hub,
		userID:     userID,
		session:    session.New(userID),
		fromClient: make(chan ClientMessage),
		fromServer: make(chan outbound, outboxSize),
		readNeeded: make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
	c.feed = ranker.NewFeed(ranker.FeedConfig{
		SelfID:          userID,
		Ledger:          hub.cfg.Ledger,
		Users:           hub.cfg.Users,
		Presence:        hub.cfg.Presence,
		SendSettleDelay: hub.cfg.SendSettleDelay,
		OnChange: func(views []models.ConversationView) {
			c.push(ServerMessage{Type: ServerMessageTypeConversations, Conversations: views})
		},
	})
	return c
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.hub.cfg.Presence.Initialize(ctx, c.session); err != nil {
		c.session.End(context.Background())
		_ = c.ws.Close()
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.hub.register(c)
	defer func() {
		c.feed.Stop()
		c.stopMessages()
		c.stopPresence()
		c.hub.unregister(c)
		// Runs the presence hook unless the session signed off.
		c.session.End(context.Background())
	}()

	if err := c.hub.cfg.Users.Touch(ctx, c.userID); err != nil {
		slog.Warn("failed to record user activity", "user_id", c.userID, "error", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	c.feed.Start(gCtx)

	g.Go(func() error {
		return c.pumpMessages(gCtx)
	})
	g.Go(func() error {
		return c.mainLoop(gCtx)
	})
	g.Go(func() error {
		select {
		case <-gCtx.Done():
		case <-c.closed:
		}
		// Unblocks ReadJSON.
		_ = c.ws.Close()
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil || c.isClosed() || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// push queues msg for the client. A client that does not keep up gets
// disconnected.
func (c *Connection) push(msg ServerMessage) {
	c.enqueue(outbound{msg: msg})
}

func (c *Connection) enqueue(out outbound) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.fromServer <- out:
	default:
		slog.Warn("client outbox is full, disconnecting", "user_id", c.userID, "session_id", c.session.ID())
		c.close()
	}
}

func (c *Connection) pushError(requestID string, err error) {
	c.push(ServerMessage{
		Type:      ServerMessageTypeError,
		RequestID: requestID,
		Error:     errorText(err),
	})
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	pongWait := c.hub.cfg.PongWait
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.fromClient:
			c.processClientMessage(ctx, msg)
		case out := <-c.fromServer:
			if c.stale(out) {
				continue
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
				return err
			}
			if err := c.ws.WriteJSON(out.msg); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
				return err
			}
		case <-c.readNeeded:
			if c.partnerID != "" {
				c.markRead(ctx, c.partnerID)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// stale reports whether out was produced by a subscription that has been
// replaced since. A page of the previous conversation must not reach the
// client after it switched.
func (c *Connection) stale(out outbound) bool {
	if out.gen == 0 {
		return false
	}
	switch out.msg.Type {
	case ServerMessageTypeMessages:
		return out.gen != c.messagesGen
	case ServerMessageTypePresence:
		return out.gen != c.presenceGen
	}
	return false
}

func (c *Connection) processClientMessage(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case ClientMessageTypeOpen:
		c.open(ctx, msg)
	case ClientMessageTypeClose:
		c.stopMessages()
		c.partnerID = ""
		c.feed.Select("")
	case ClientMessageTypeSend:
		c.send(ctx, msg)
	case ClientMessageTypeLoadOlder:
		c.loadOlder(ctx, msg)
	case ClientMessageTypeRead:
		partnerID := msg.PartnerID
		if partnerID == "" {
			partnerID = c.partnerID
		}
		c.markRead(ctx, partnerID)
	case ClientMessageTypeWatchPresence:
		c.watchPresence(ctx, msg)
	default:
		c.pushError(msg.RequestID, fmt.Errorf("%w %q", errUnknownMessage, msg.Type))
	}
}

// open switches the connection to the conversation with msg.PartnerID.
// While it stays open, incoming messages are marked read as they arrive.
func (c *Connection) open(ctx context.Context, msg ClientMessage) {
	partnerID := msg.PartnerID
	convID := chatkey.Key(c.userID, partnerID)

	c.stopMessages()
	c.partnerID = ""
	gen := c.messagesGen

	sub, err := c.hub.cfg.Chat.Subscribe(ctx, c.userID, partnerID, c.hub.cfg.PageSize, func(ms []models.Message) {
		c.enqueue(outbound{
			gen: gen,
			msg: ServerMessage{
				Type:           ServerMessageTypeMessages,
				ConversationID: convID,
				Messages:       c.hub.renderAll(ms),
			},
		})
		if hasUnread(ms, c.userID) {
			select {
			case c.readNeeded <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		c.pushError(msg.RequestID, err)
		return
	}
	c.messages = sub
	c.partnerID = partnerID
	c.feed.Select(convID)
}

func (c *Connection) send(ctx context.Context, msg ClientMessage) {
	if !c.hub.cfg.Limiter.Allow(c.userID, c.hub.now()) {
		c.hub.cfg.Metrics.SendThrottled()
		c.pushError(msg.RequestID, errRateLimited)
		return
	}

	done := c.feed.BeginSend()
	defer done()

	m, err := c.hub.cfg.Chat.Append(ctx, c.userID, msg.PartnerID, models.TextBody{Text: msg.Content})
	reply := ServerMessage{
		Type:           ServerMessageTypeSent,
		RequestID:      msg.RequestID,
		ConversationID: m.ConversationID,
	}
	switch {
	case errors.Is(err, chat.ErrLedgerNotUpdated):
		reply.Warning = "message sent, conversation list may be out of date"
	case err != nil:
		c.pushError(msg.RequestID, err)
		return
	}
	rendered := c.hub.render(m)
	reply.Message = &rendered
	c.push(reply)
}

func (c *Connection) loadOlder(ctx context.Context, msg ClientMessage) {
	partnerID := msg.PartnerID
	if partnerID == "" {
		partnerID = c.partnerID
	}
	ms, err := c.hub.cfg.Chat.LoadOlder(ctx, c.userID, partnerID, models.Message{CreatedAt: msg.Before}, c.hub.cfg.PageSize)
	if err != nil {
		c.pushError(msg.RequestID, err)
		return
	}
	c.push(ServerMessage{
		Type:           ServerMessageTypeOlder,
		RequestID:      msg.RequestID,
		ConversationID: chatkey.Key(c.userID, partnerID),
		Messages:       c.hub.renderAll(ms),
	})
}

// markRead flags the partner's messages read and clears the ledger
// counter. The ledger is cleared even when no message changed, since
// another session may have marked them already.
func (c *Connection) markRead(ctx context.Context, partnerID string) {
	if _, err := c.hub.cfg.Chat.MarkRead(ctx, c.userID, partnerID, c.userID); err != nil {
		slog.Error("failed to mark messages read", "user_id", c.userID, "partner_id", partnerID, "error", err)
		c.pushError("", err)
		return
	}
	if err := c.hub.cfg.Ledger.MarkRead(ctx, c.userID, chatkey.Key(c.userID, partnerID)); err != nil {
		slog.Error("failed to clear unread counter", "user_id", c.userID, "partner_id", partnerID, "error", err)
	}
}

func (c *Connection) watchPresence(ctx context.Context, msg ClientMessage) {
	c.stopPresence()
	if len(msg.UserIDs) == 0 {
		return
	}
	gen := c.presenceGen
	c.presence = c.hub.cfg.Presence.Subscribe(ctx, msg.UserIDs, func(online map[string]bool) {
		c.enqueue(outbound{
			gen: gen,
			msg: ServerMessage{Type: ServerMessageTypePresence, RequestID: msg.RequestID, Presence: online},
		})
	})
}

func (c *Connection) stopMessages() {
	c.messagesGen++
	if c.messages != nil {
		c.messages.Stop()
		c.messages = nil
	}
}

func (c *Connection) stopPresence() {
	c.presenceGen++
	if c.presence != nil {
		c.presence.Stop()
		c.presence = nil
	}
}

func hasUnread(ms []models.Message, readerID string) bool {
	for _, m := range ms {
		if m.ReceiverID == readerID && !m.Read {
			return true
		}
	}
	return false
}

// errorText turns an error into something safe to show the client.
func errorText(err error) string {
	switch {
	case errors.Is(err, errRateLimited), errors.Is(err, errUnknownMessage):
		return err.Error()
	case errors.Is(err, models.ErrEmptyMessage):
		return "message is empty"
	case errors.Is(err, chat.ErrMissingCursor):
		return "loadOlder needs the creation time of the oldest loaded message"
	case errors.Is(err, models.ErrInvalidParticipants):
		return "invalid conversation"
	case errors.Is(err, models.ErrPermissionDenied):
		return "permission denied"
	case errors.Is(err, models.ErrNotFound):
		return "not found"
	case errors.Is(err, models.ErrUnavailable):
		return "service temporarily unavailable"
	}
	slog.Error("request failed", "error", err)
	return "internal error"
}
