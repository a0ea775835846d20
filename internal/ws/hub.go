package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pairchat/internal/chat"
	"pairchat/internal/content"
	"pairchat/internal/ledger"
	"pairchat/internal/metrics"
	"pairchat/internal/models"
	"pairchat/internal/presence"
	"pairchat/internal/ratelimit"
	"pairchat/internal/users"
)

const (
	defaultPongWait  = 60 * time.Second
	defaultWriteWait = 10 * time.Second
)

type Config struct {
	Chat            *chat.Channel
	Ledger          *ledger.Ledger
	Presence        *presence.Tracker
	Users           *users.Directory
	Limiter         *ratelimit.Limiter
	Metrics         *metrics.Metrics
	PageSize        int
	SendSettleDelay time.Duration

	// A client that answers no ping within PongWait is disconnected.
	// PingPeriod must be shorter than PongWait.
	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration
}

// Hub tracks the open connections of every user and carries the services
// a connection works with.
type Hub struct {
	cfg Config
	now func() time.Time

	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
	active      sync.WaitGroup
}

func NewHub(cfg Config) *Hub {
	if cfg.PageSize <= 0 {
		cfg.PageSize = chat.DefaultPageSize
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	return &Hub{
		cfg:         cfg,
		now:         time.Now,
		connections: make(map[string]map[*Connection]struct{}),
	}
}

// Serve runs a connection for userID until it closes or ctx is canceled.
func (h *Hub) Serve(ctx context.Context, conn wsConnection, userID string) error {
	h.active.Add(1)
	defer h.active.Done()
	return NewConnection(h, conn, userID).Handle(ctx)
}

// Wait blocks until every connection has finished its cleanup or ctx is
// done. Connections only stop once the context they were served with is
// canceled.
func (h *Hub) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.connections[c.userID]
	if !ok {
		conns = make(map[*Connection]struct{})
		h.connections[c.userID] = conns
	}
	conns[c] = struct{}{}
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.connections[c.userID]
	if !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.connections, c.userID)
	}
}

func (h *Hub) userConnections(userID string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Connection, 0, len(h.connections[userID]))
	for c := range h.connections[userID] {
		conns = append(conns, c)
	}
	return conns
}

// Connected reports how many connections userID has open.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID])
}

// Notify queues msg on every connection of userID.
func (h *Hub) Notify(userID string, msg ServerMessage) {
	for _, c := range h.userConnections(userID) {
		c.push(msg)
	}
}

// UploadProgress reports upload progress to the uploader's connections.
func (h *Hub) UploadProgress(userID, uploadID string, progress float64) {
	h.Notify(userID, ServerMessage{
		Type:      ServerMessageTypeUploadProgress,
		RequestID: uploadID,
		Progress:  progress,
	})
}

// BeginSend pins the selected conversation in every conversation list
// userID has open. Used for sends that do not go through the socket.
func (h *Hub) BeginSend(userID string) (done func()) {
	conns := h.userConnections(userID)
	dones := make([]func(), 0, len(conns))
	for _, c := range conns {
		dones = append(dones, c.feed.BeginSend())
	}
	return func() {
		for _, d := range dones {
			d()
		}
	}
}

// SignOff ends every connection of userID as an explicit sign-off.
func (h *Hub) SignOff(ctx context.Context, userID string) {
	for _, c := range h.userConnections(userID) {
		if err := h.cfg.Presence.SignOff(ctx, c.session); err != nil {
			slog.Error("failed to sign off session", "user_id", userID, "session_id", c.session.ID(), "error", err)
		}
		c.close()
	}
}

func (h *Hub) render(m models.Message) Message {
	out := Message{Message: m}
	if m.Kind != models.MessageKindText {
		return out
	}
	html, err := content.RenderMarkdown(m.Content)
	if err != nil {
		slog.Warn("failed to render message", "message_id", m.ID, "error", err)
		out.HTML = content.Escape(m.Content)
		return out
	}
	out.HTML = html
	return out
}

func (h *Hub) renderAll(ms []models.Message) []Message {
	out := make([]Message, len(ms))
	for i, m := range ms {
		out[i] = h.render(m)
	}
	return out
}
