// Package hub is the server end of the push channel. It relays chat events
// between the websocket sessions of connected users and persists messages on
// the way through.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/store"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	sendBuffer   = 64
	maxFrameSize = 64 << 10
)

// ErrInvalidMessage is returned for sends missing a recipient or content.
var ErrInvalidMessage = errors.New("message needs a recipient and content")

// Store is the persistence the hub writes through.
type Store interface {
	InsertMessage(m *store.Message) (bool, error)
	MarkMessageRead(id, reader string) (*store.Message, error)
	MarkDelivered(id string) error
	SetOnline(id string, online bool, at time.Time) error
}

// Invalidator drops memoized reads affected by a write.
type Invalidator interface {
	MessageWritten(ctx context.Context, senderID, recipientID string)
	PresenceChanged(ctx context.Context, user string)
}

// Options tunes the per-session inbound rate limit.
type Options struct {
	RateLimit   float64 // events per second, 0 disables limiting
	RateBurst   int
	CheckOrigin func(r *http.Request) bool
}

// Hub tracks every open session per user.
type Hub struct {
	store    Store
	inval    Invalidator
	opts     Options
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]map[*session]struct{}
	closed   bool

	// presenceMu orders presence announcements; taken before mu.
	presenceMu sync.Mutex
}

type session struct {
	user      string
	ws        *websocket.Conn
	send      chan []byte
	limiter   *rate.Limiter
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a hub. inval may be nil.
func New(st Store, inval Invalidator, opts Options, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	check := opts.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	return &Hub{
		store:    st,
		inval:    inval,
		opts:     opts,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: check},
		sessions: make(map[string]map[*session]struct{}),
	}
}

// ServeHTTP upgrades the request. The caller identifies itself with the
// user query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(r.URL.Query().Get("user"))
	if user == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s := &session{
		user: user,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	if h.opts.RateLimit > 0 {
		burst := h.opts.RateBurst
		if burst <= 0 {
			burst = int(h.opts.RateLimit)
		}
		s.limiter = rate.NewLimiter(rate.Limit(h.opts.RateLimit), max(burst, 1))
	}

	if !h.register(s) {
		_ = ws.Close()
		return
	}
	go h.writePump(s)
	h.readPump(s)
}

// register adds s and announces the user when it is their first session.
func (h *Hub) register(s *session) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	set, ok := h.sessions[s.user]
	if !ok {
		set = make(map[*session]struct{})
		h.sessions[s.user] = set
	}
	set[s] = struct{}{}
	first := len(set) == 1
	h.mu.Unlock()

	metrics.HubSessions.Inc()
	h.logger.Info("session opened", zap.String("user", s.user), zap.Bool("first", first))
	if first {
		h.announce(s.user, true)
	}
	return true
}

// unregister removes s and announces the user offline when it was their
// last session.
func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	set, ok := h.sessions[s.user]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, present := set[s]; !present {
		h.mu.Unlock()
		return
	}
	delete(set, s)
	last := len(set) == 0
	if last {
		delete(h.sessions, s.user)
	}
	h.mu.Unlock()

	s.close()
	metrics.HubSessions.Dec()
	h.logger.Info("session closed", zap.String("user", s.user), zap.Bool("last", last))
	if last {
		h.announce(s.user, false)
	}
}

// announce records and broadcasts a presence change for user. A change
// overtaken by a later connect or disconnect no longer matches the session
// set and is skipped; the later change announces itself.
func (h *Hub) announce(user string, online bool) {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	if h.Online(user) != online {
		h.logger.Debug("stale presence change skipped", zap.String("user", user), zap.Bool("online", online))
		return
	}
	if err := h.store.SetOnline(user, online, time.Now()); err != nil {
		h.logger.Warn("record presence failed", zap.String("user", user), zap.Error(err))
	}
	if h.inval != nil {
		h.inval.PresenceChanged(context.Background(), user)
	}
	event := protocol.EventUserOffline
	if online {
		event = protocol.EventUserOnline
	}
	h.broadcast(event, protocol.UserPresence{UserID: user}, user)
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.ws.Close()
	})
}

// Online reports whether user has at least one open session.
func (h *Hub) Online(user string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[user]) > 0
}

// OnlineUsers lists users with an open session.
func (h *Hub) OnlineUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := make([]string, 0, len(h.sessions))
	for u := range h.sessions {
		users = append(users, u)
	}
	return users
}

// Close disconnects every session and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*session
	for _, set := range h.sessions {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.Unlock()
	for _, s := range all {
		s.close()
	}
}

// SendTo queues an event on every session of user.
func (h *Hub) SendTo(user, event string, payload any) {
	frame, ok := h.frame(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions[user] {
		h.enqueue(s, frame)
	}
}

func (h *Hub) sendSession(s *session, event string, payload any) {
	frame, ok := h.frame(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.enqueue(s, frame)
}

// broadcast queues an event on every session except those of skip.
func (h *Hub) broadcast(event string, payload any, skip string) {
	frame, ok := h.frame(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for user, set := range h.sessions {
		if user == skip {
			continue
		}
		for s := range set {
			h.enqueue(s, frame)
		}
	}
}

func (h *Hub) frame(event string, payload any) ([]byte, bool) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		h.logger.Error("encode event failed", zap.String("event", event), zap.Error(err))
		return nil, false
	}
	frame, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("encode frame failed", zap.String("event", event), zap.Error(err))
		return nil, false
	}
	return frame, true
}

// enqueue must be called with h.mu held for reading.
func (h *Hub) enqueue(s *session, frame []byte) {
	select {
	case <-s.done:
	case s.send <- frame:
	default:
		// Frames are never skipped; a session that cannot keep up is closed.
		h.logger.Warn("session send buffer full, disconnecting", zap.String("user", s.user))
		metrics.HubOverflows.Inc()
		s.close()
	}
}

func (h *Hub) readPump(s *session) {
	defer h.unregister(s)

	s.ws.SetReadLimit(maxFrameSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env protocol.Envelope
		if err := s.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("session read failed", zap.String("user", s.user), zap.Error(err))
			}
			return
		}
		h.handle(s, env)
	}
}

func (h *Hub) writePump(s *session) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case frame := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (h *Hub) sessionCount(user string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[user])
}
