// Package realtime streams assessments to moderator dashboards over
// WebSocket. Clients send a Subscription as JSON at any time to narrow the
// feed; until then they receive every assessment.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/karmaguard/internal/metrics"
	"github.com/mbd888/karmaguard/internal/risk"
)

// MaxClients is the default connection limit.
const MaxClients = 1000

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
	readLimit  = 4 << 10
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// EventAssessment is the only event type on the feed.
const EventAssessment = "assessment"

// Event is one feed message.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      Summary   `json:"data"`
}

// Summary is the subset of an assessment a dashboard renders. Feature
// vectors stay out of the feed.
type Summary struct {
	ID            string      `json:"id"`
	UserID        string      `json:"user_id"`
	FraudScore    float64     `json:"fraud_score"`
	Status        risk.Status `json:"status"`
	Rules         []string    `json:"rules"`
	PolicyVersion string      `json:"policy_version,omitempty"`
	EvaluatedAt   time.Time   `json:"evaluated_at"`
}

// Summarize projects an assessment onto the feed shape.
func Summarize(a *risk.Assessment) Summary {
	s := Summary{
		ID:            a.ID,
		UserID:        a.UserID,
		FraudScore:    a.FraudScore,
		Status:        a.Status,
		Rules:         []string{},
		PolicyVersion: a.PolicyVersion,
		EvaluatedAt:   a.EvaluatedAt,
	}
	for _, f := range a.SuspiciousActivities {
		if !slices.Contains(s.Rules, f.Rule) {
			s.Rules = append(s.Rules, f.Rule)
		}
	}
	return s
}

// Subscription narrows what a client receives. Empty fields match all.
type Subscription struct {
	Statuses      []risk.Status `json:"statuses"`
	UserIDs       []string      `json:"user_ids"`
	MinFraudScore float64       `json:"min_fraud_score"`
}

// Matches reports whether s passes the subscription.
func (sub Subscription) Matches(s *Summary) bool {
	if len(sub.Statuses) > 0 && !slices.Contains(sub.Statuses, s.Status) {
		return false
	}
	if len(sub.UserIDs) > 0 && !slices.Contains(sub.UserIDs, s.UserID) {
		return false
	}
	return s.FraudScore >= sub.MinFraudScore
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (c *client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// Hub fans assessments out to connected clients. Run must be started
// before clients connect.
type Hub struct {
	clients    map[*client]struct{}
	broadcast  chan *Event
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	dropped      atomic.Int64
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins accepts browser upgrades from the listed origins in
// addition to the serving host. "*" accepts any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = checkOrigin(origins)
	}
}

// WithMaxClients overrides the connection limit.
func WithMaxClients(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// NewHub creates a hub.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
		maxClients: MaxClients,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(nil),
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if origin == "http://"+r.Host || origin == "https://"+r.Host {
			return true
		}
		return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}

// Run owns the client set until ctx is cancelled, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.LiveFeedClients.Set(0)
			h.logger.Info("live feed stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			metrics.LiveFeedClients.Set(float64(n))
			h.logger.Debug("live feed client connected", "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.LiveFeedClients.Set(float64(n))
			h.logger.Debug("live feed client disconnected", "clients", n)

		case ev := <-h.broadcast:
			h.totalEvents.Add(1)
			h.fanOut(ev)
		}
	}
}

func (h *Hub) fanOut(ev *Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("live feed event not serializable", "error", err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(&ev.Data) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		if _, ok := h.clients[c]; ok {
			close(c.send)
			delete(h.clients, c)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.LiveFeedClients.Set(float64(n))
	h.logger.Warn("dropped slow live feed clients", "count", len(slow))
}

// Observe queues a for broadcast. A full queue drops the event.
func (h *Hub) Observe(_ context.Context, a *risk.Assessment) {
	ev := &Event{Type: EventAssessment, Timestamp: time.Now().UTC(), Data: Summarize(a)}
	select {
	case h.broadcast <- ev:
	default:
		h.dropped.Add(1)
	}
}

// Stats reports feed counters.
type Stats struct {
	Clients       int   `json:"clients"`
	TotalClients  int64 `json:"total_clients"`
	TotalEvents   int64 `json:"total_events"`
	DroppedEvents int64 `json:"dropped_events"`
}

// Stats returns a snapshot of feed counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		Clients:       n,
		TotalClients:  h.totalClients.Load(),
		TotalEvents:   h.totalEvents.Load(),
		DroppedEvents: h.dropped.Load(),
	}
}

// ServeHTTP upgrades the request and attaches the connection to the feed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("live feed upgrade failed", "error", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump applies subscription updates until the peer goes away.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("live feed read error", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
