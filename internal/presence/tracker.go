// Package presence tracks which peers are online and which are typing.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/status"
)

// DefaultTypingWindow is how long a typing_start stays valid without a
// refresh or stop.
const DefaultTypingWindow = 5 * time.Second

// UserRecord is presence embedded in an unrelated payload, such as the peer
// of a conversation. A nil IsOnline carries no opinion.
type UserRecord struct {
	ID       string
	IsOnline *bool
	LastSeen time.Time
}

// Tracker merges push-channel presence with presence embedded in fetched
// records. Live push state outranks embedded flags; neither decays with time.
type Tracker struct {
	window time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	live     map[string]bool
	embedded map[string]bool
	lastSeen map[string]time.Time
	typing   map[string]time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithTypingWindow sets how long a typing_start lasts.
func WithTypingWindow(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.window = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		window: DefaultTypingWindow,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.resetLocked()
	return t
}

func (t *Tracker) resetLocked() {
	t.live = make(map[string]bool)
	t.embedded = make(map[string]bool)
	t.lastSeen = make(map[string]time.Time)
	t.typing = make(map[string]time.Time)
}

// IsOnline consults the live set first, then the embedded flag. No data
// means offline.
func (t *Tracker) IsOnline(user string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.live[user]; ok {
		return v
	}
	return t.embedded[user]
}

// Online lists every user currently considered online.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for u, v := range t.live {
		seen[u] = struct{}{}
		if v {
			out = append(out, u)
		}
	}
	for u, v := range t.embedded {
		if _, ok := seen[u]; !ok && v {
			out = append(out, u)
		}
	}
	return out
}

// LastSeen returns when user was last observed online, if ever.
func (t *Tracker) LastSeen(user string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.lastSeen[user]
	return ts, ok
}

func (t *Tracker) OnPeerOnline(user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live[user] = true
	t.lastSeen[user] = t.now()
}

func (t *Tracker) OnPeerOffline(user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live[user] = false
	t.lastSeen[user] = t.now()
	delete(t.typing, user)
}

// MergeFromPayload records an embedded presence flag. It never overrides
// live push state.
func (t *Tracker) MergeFromPayload(rec UserRecord) {
	if rec.ID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec.IsOnline != nil {
		t.embedded[rec.ID] = *rec.IsOnline
	}
	if rec.LastSeen.After(t.lastSeen[rec.ID]) {
		t.lastSeen[rec.ID] = rec.LastSeen
	}
}

// OnTypingStart sets or refreshes user's typing deadline.
func (t *Tracker) OnTypingStart(user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typing[user] = t.now().Add(t.window)
}

func (t *Tracker) OnTypingStop(user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.typing, user)
}

// IsTyping reports whether user's typing deadline is still ahead.
func (t *Tracker) IsTyping(user string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline, ok := t.typing[user]
	if !ok {
		return false
	}
	if !t.now().Before(deadline) {
		delete(t.typing, user)
		return false
	}
	return true
}

// Reset forgets everything. Called on logout.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

// forgetLive drops push-derived state when the channel goes down, since
// offline events for that period will never arrive.
func (t *Tracker) forgetLive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live = make(map[string]bool)
	t.typing = make(map[string]time.Time)
}

// Run feeds push events from b into the tracker until ctx is done.
func (t *Tracker) Run(ctx context.Context, b *bus.Bus) {
	push, unsubPush := b.Subscribe(bus.PushPrefix, 256)
	defer unsubPush()
	conn, unsubConn := b.Subscribe(bus.ConnStatusChanged, 16)
	defer unsubConn()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-conn:
			if !ok {
				return
			}
			if ch, ok := evt.Payload.(status.StatusChange); ok && ch.From == status.Connected {
				t.logger.Debug("push channel lost, clearing live presence")
				t.forgetLive()
			}
		case evt, ok := <-push:
			if !ok {
				return
			}
			env, ok := evt.Payload.(protocol.Envelope)
			if !ok {
				continue
			}
			t.handle(env)
		}
	}
}

func (t *Tracker) handle(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventUserOnline, protocol.EventUserOffline:
		var p protocol.UserPresence
		if err := env.Decode(&p); err != nil || p.UserID == "" {
			t.logger.Debug("bad presence event", zap.Error(err))
			return
		}
		if env.Event == protocol.EventUserOnline {
			t.OnPeerOnline(p.UserID)
		} else {
			t.OnPeerOffline(p.UserID)
		}
	case protocol.EventTypingStart, protocol.EventTypingStop:
		var p protocol.Typing
		if err := env.Decode(&p); err != nil || p.SenderID == "" {
			t.logger.Debug("bad typing event", zap.Error(err))
			return
		}
		if env.Event == protocol.EventTypingStart {
			t.OnTypingStart(p.SenderID)
		} else {
			t.OnTypingStop(p.SenderID)
		}
	case protocol.EventNewMessage:
		// A delivered message ends the sender's burst.
		var p protocol.NewMessage
		if err := env.Decode(&p); err == nil {
			t.OnTypingStop(p.Message.SenderID)
		}
	}
}
