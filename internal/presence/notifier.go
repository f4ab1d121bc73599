package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/protocol"
)

// DefaultTypingIdle is the pause after which the notifier emits typing_stop.
const DefaultTypingIdle = 3 * time.Second

const emitTimeout = 5 * time.Second

// Emitter sends an event on the push channel.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Notifier is the sending side of typing indicators. It emits typing_start
// once per burst of keystrokes and typing_stop after the input goes idle.
type Notifier struct {
	self   string
	emit   Emitter
	idle   time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	bursts map[string]*burst
}

type burst struct {
	timer *time.Timer
}

// NewNotifier creates a notifier for self. idle <= 0 uses DefaultTypingIdle.
func NewNotifier(self string, emit Emitter, idle time.Duration, logger *zap.Logger) *Notifier {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		self:   self,
		emit:   emit,
		idle:   idle,
		logger: logger,
		bursts: make(map[string]*burst),
	}
}

// Keystroke records input addressed to peer.
func (n *Notifier) Keystroke(ctx context.Context, peer string) {
	n.mu.Lock()
	if b, ok := n.bursts[peer]; ok && b.timer.Stop() {
		b.timer.Reset(n.idle)
		n.mu.Unlock()
		return
	}
	b := &burst{}
	b.timer = time.AfterFunc(n.idle, func() { n.expire(peer, b) })
	n.bursts[peer] = b
	n.mu.Unlock()

	n.send(ctx, protocol.EventTypingStart, peer)
}

func (n *Notifier) expire(peer string, b *burst) {
	n.mu.Lock()
	if n.bursts[peer] != b {
		n.mu.Unlock()
		return
	}
	delete(n.bursts, peer)
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	n.send(ctx, protocol.EventTypingStop, peer)
}

// Flush emits typing_stop now if a burst is open, e.g. when the message is
// sent.
func (n *Notifier) Flush(ctx context.Context, peer string) {
	if n.drop(peer) {
		n.send(ctx, protocol.EventTypingStop, peer)
	}
}

// Cancel drops the pending stop timer without emitting, e.g. when the view
// for peer is closed.
func (n *Notifier) Cancel(peer string) {
	n.drop(peer)
}

// Reset cancels every pending timer.
func (n *Notifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for peer, b := range n.bursts {
		b.timer.Stop()
		delete(n.bursts, peer)
	}
}

// Active reports whether a burst to peer is open.
func (n *Notifier) Active(peer string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.bursts[peer]
	return ok
}

func (n *Notifier) drop(peer string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.bursts[peer]
	if !ok {
		return false
	}
	b.timer.Stop()
	delete(n.bursts, peer)
	return true
}

func (n *Notifier) send(ctx context.Context, event, peer string) {
	err := n.emit.Emit(ctx, event, protocol.Typing{SenderID: n.self, RecipientID: peer})
	if err != nil {
		n.logger.Debug("typing emit failed", zap.String("event", event), zap.String("peer", peer), zap.Error(err))
	}
}
