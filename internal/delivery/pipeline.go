// Package delivery owns the client-side lifecycle of chat messages: the
// optimistic slot, the dual push/persistence dispatch, reconciliation of
// echoes, retries and read receipts.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/protocol"
)

// DefaultAckTimeout bounds how long a send waits for the push channel.
const DefaultAckTimeout = 30 * time.Second

var (
	ErrAckTimeout   = errors.New("no acknowledgement from push channel")
	ErrReset        = errors.New("session reset")
	ErrNotFound     = errors.New("message not found")
	ErrNotRetryable = errors.New("only failed messages can be retried")
	ErrEmpty        = errors.New("message content is empty")
)

// RejectedError is the outcome of a send the push channel refused.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "rejected: " + e.Reason }

// Emitter sends an event on the push channel.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Persister is the REST side of delivery.
type Persister interface {
	SendMessage(ctx context.Context, msg protocol.SendMessage) (protocol.Message, error)
	MarkConversationRead(ctx context.Context, peer string) ([]string, error)
}

// Update is the payload of bus.MessageUpserted and bus.MessageFailed.
type Update struct {
	Peer    string
	Message Message
}

// Options configures a Pipeline.
type Options struct {
	AckTimeout time.Duration
	Now        func() time.Time
	NewID      func() string
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	self   string
	push   Emitter
	api    Persister
	bus    *bus.Bus
	opts   Options
	logger *zap.Logger
	audit  *zap.Logger

	mu      sync.Mutex
	threads map[string]Thread
	pending map[string]*ack
	inbox   map[string]string // durable id -> peer
}

// ack is the one-shot future for a send's push acknowledgement.
type ack struct {
	peer  string
	done  chan struct{}
	err   error
	timer *time.Timer
}

// New creates a pipeline for the local user self. b may be nil.
func New(self string, push Emitter, api Persister, b *bus.Bus, opts Options, logger *zap.Logger) *Pipeline {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		self:    self,
		push:    push,
		api:     api,
		bus:     b,
		opts:    opts,
		logger:  logger,
		audit:   logging.Audit(logger),
		threads: make(map[string]Thread),
		pending: make(map[string]*ack),
		inbox:   make(map[string]string),
	}
}

// Self returns the local user id.
func (p *Pipeline) Self() string { return p.self }

// Thread returns a snapshot of the conversation with peer.
func (p *Pipeline) Thread(peer string) Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threadLocked(peer)
}

func (p *Pipeline) threadLocked(peer string) Thread {
	t, ok := p.threads[peer]
	if !ok {
		t = Thread{Self: p.self, Peer: peer}
	}
	return t
}

// apply runs e against peer's thread and returns the slot identified by id
// afterwards, if any.
func (p *Pipeline) apply(peer string, e Event, id string) (Message, bool) {
	p.mu.Lock()
	t := Apply(p.threadLocked(peer), e)
	p.threads[peer] = t
	for _, m := range t.Messages {
		if m.ID != "" {
			p.inbox[m.ID] = peer
		}
	}
	p.mu.Unlock()
	if id == "" {
		return Message{}, false
	}
	return t.Find(id)
}

func (p *Pipeline) publish(kind, peer string, m Message) {
	if p.bus != nil {
		p.bus.Emit(kind, Update{Peer: peer, Message: m})
	}
}

func (p *Pipeline) applyAndPublish(peer string, e Event, id string) {
	m, ok := p.apply(peer, e, id)
	if !ok {
		return
	}
	kind := bus.MessageUpserted
	if m.Status == protocol.StatusFailed {
		kind = bus.MessageFailed
	}
	p.publish(kind, peer, m)
}

// Send renders an optimistic message to peer and dispatches it over the push
// channel and the persistence API concurrently. It returns the optimistic
// slot at once; use Await for the acknowledgement.
func (p *Pipeline) Send(ctx context.Context, peer, content, kind string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmpty
	}
	if peer == "" {
		return Message{}, fmt.Errorf("send: %w", ErrNotFound)
	}
	if kind == "" {
		kind = protocol.KindText
	}
	m := p.newMessage(peer, content, kind)
	created, _ := p.apply(peer, Created{Message: m}, m.CorrelationID)
	p.publish(bus.MessageUpserted, peer, created)
	p.dispatch(ctx, peer, created)
	return created, nil
}

func (p *Pipeline) newMessage(peer, content, kind string) Message {
	return Message{
		CorrelationID: p.opts.NewID(),
		SenderID:      p.self,
		RecipientID:   peer,
		Content:       content,
		Kind:          kind,
		Status:        protocol.StatusPending,
		CreatedAt:     p.opts.Now(),
	}
}

// dispatch registers the ack future and starts both deliveries. Neither
// is tied to ctx's cancellation.
func (p *Pipeline) dispatch(ctx context.Context, peer string, m Message) {
	ctx = context.WithoutCancel(ctx)
	corr := m.CorrelationID

	a := &ack{peer: peer, done: make(chan struct{})}
	p.mu.Lock()
	p.pending[corr] = a
	a.timer = time.AfterFunc(p.opts.AckTimeout, func() { p.timeout(corr) })
	p.mu.Unlock()

	payload := protocol.SendMessage{
		SenderID:      p.self,
		RecipientID:   peer,
		Content:       m.Content,
		Kind:          m.Kind,
		CorrelationID: corr,
	}

	go func() {
		if err := p.push.Emit(ctx, protocol.EventSendMessage, payload); err != nil {
			p.logger.Warn("push emit failed", zap.String("correlation_id", corr), zap.Error(err))
			p.reject(corr, fmt.Errorf("emit: %w", err))
		}
	}()

	go func() {
		durable, err := p.api.SendMessage(ctx, payload)
		if err != nil {
			metrics.DeliveryOutcomes.WithLabelValues("persist_failed").Inc()
			p.audit.Warn("persistence failed",
				zap.String("correlation_id", corr),
				zap.String("peer", peer),
				zap.Error(err),
			)
			return
		}
		metrics.DeliveryOutcomes.WithLabelValues("persisted").Inc()
		// The slot is gone after a Reset; the result belongs to the old session.
		if _, ok := p.locate(corr); !ok {
			return
		}
		p.applyAndPublish(peer, Persisted{CorrelationID: corr, Message: durable}, corr)
	}()
}

// settle resolves the future for corr exactly once. It reports whether this
// call did so.
func (p *Pipeline) settle(corr string, err error) (*ack, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.pending[corr]
	if !ok {
		return nil, false
	}
	delete(p.pending, corr)
	a.timer.Stop()
	a.err = err
	close(a.done)
	return a, true
}

func (p *Pipeline) reject(corr string, err error) {
	a, ok := p.settle(corr, err)
	if !ok {
		return
	}
	metrics.DeliveryOutcomes.WithLabelValues("rejected").Inc()
	p.applyAndPublish(a.peer, Rejected{CorrelationID: corr}, corr)
}

func (p *Pipeline) timeout(corr string) {
	a, ok := p.settle(corr, ErrAckTimeout)
	if !ok {
		return
	}
	metrics.DeliveryOutcomes.WithLabelValues("timeout").Inc()
	p.logger.Warn("send timed out", zap.String("correlation_id", corr), zap.Duration("after", p.opts.AckTimeout))
	p.applyAndPublish(a.peer, TimedOut{CorrelationID: corr}, corr)
}

// locate finds the thread holding the slot with correlation id corr.
func (p *Pipeline) locate(corr string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for peer, t := range p.threads {
		if t.byCorrelation(corr) >= 0 {
			return peer, true
		}
	}
	return "", false
}

// Await blocks until the push channel settles the send identified by corr.
// A send that already settled, or is unknown, returns ErrNotFound.
func (p *Pipeline) Await(ctx context.Context, corr string) error {
	p.mu.Lock()
	a, ok := p.pending[corr]
	p.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns how many sends are waiting for an acknowledgement.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Retry re-sends a failed message under a new correlation id in the same
// slot.
func (p *Pipeline) Retry(ctx context.Context, corr string) (Message, error) {
	peer, ok := p.locate(corr)
	if !ok {
		return Message{}, fmt.Errorf("retry %s: %w", corr, ErrNotFound)
	}
	old, _ := p.Thread(peer).Find(corr)
	if old.Status != protocol.StatusFailed {
		return Message{}, fmt.Errorf("retry %s: %w", corr, ErrNotRetryable)
	}

	m := p.newMessage(peer, old.Content, old.Kind)
	fresh, _ := p.apply(peer, Retried{Previous: corr, Message: m}, m.CorrelationID)
	p.publish(bus.MessageUpserted, peer, fresh)
	p.dispatch(ctx, peer, fresh)
	return fresh, nil
}

// MarkRead marks a received message read and sends the receipt.
func (p *Pipeline) MarkRead(ctx context.Context, messageID string) error {
	p.mu.Lock()
	peer, ok := p.inbox[messageID]
	var m Message
	if ok {
		m, ok = p.threads[peer].Find(messageID)
	}
	p.mu.Unlock()
	if !ok || m.RecipientID != p.self {
		return fmt.Errorf("mark read %s: %w", messageID, ErrNotFound)
	}

	p.applyAndPublish(peer, LocalRead{MessageID: messageID}, messageID)
	if err := p.push.Emit(ctx, protocol.EventMarkRead, protocol.MarkRead{MessageID: messageID, ReaderID: p.self}); err != nil {
		return fmt.Errorf("mark read %s: %w", messageID, err)
	}
	return nil
}

// MarkConversationRead flips every unread message from peer and zeroes the
// counter locally, then asks the server to do the same for messages not
// loaded here. If the REST call fails, receipts for the loaded messages go
// out over the push channel instead.
func (p *Pipeline) MarkConversationRead(ctx context.Context, peer string) error {
	p.mu.Lock()
	before := p.threadLocked(peer)
	p.mu.Unlock()

	var ids []string
	for _, m := range before.Messages {
		if m.SenderID == peer && !m.Read && m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	p.apply(peer, ConversationRead{}, "")
	if p.bus != nil {
		p.bus.Emit(bus.ThreadRead, peer)
	}

	_, err := p.api.MarkConversationRead(ctx, peer)
	if err == nil {
		return nil
	}
	p.audit.Warn("mark conversation read failed, falling back to receipts",
		zap.String("peer", peer), zap.Int("loaded", len(ids)), zap.Error(err))
	var errs []error
	for _, id := range ids {
		if eerr := p.push.Emit(ctx, protocol.EventMarkRead, protocol.MarkRead{MessageID: id, ReaderID: p.self}); eerr != nil {
			errs = append(errs, eerr)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("mark conversation read %s: %w", peer, errors.Join(append([]error{err}, errs...)...))
	}
	return nil
}

// Load merges fetched history for peer. unread, when non-nil, replaces the
// counter.
func (p *Pipeline) Load(peer string, history []protocol.Message, unread *int) Thread {
	p.apply(peer, Loaded{Messages: history, Unread: unread}, "")
	return p.Thread(peer)
}

// Reset drops every thread and fails every outstanding send with ErrReset.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[string]*ack)
	p.threads = make(map[string]Thread)
	p.inbox = make(map[string]string)
	p.mu.Unlock()

	for _, a := range pending {
		a.timer.Stop()
		a.err = ErrReset
		close(a.done)
	}
}

// Handle applies a single push frame. It is registered with the push
// client's frame handlers so acks and inbound messages are never dropped.
func (p *Pipeline) Handle(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventMessageSent:
		var ev protocol.MessageSent
		if err := env.Decode(&ev); err != nil {
			p.logger.Warn("bad ack", zap.Error(err))
			return
		}
		p.acked(ev)

	case protocol.EventMessageErr:
		var ev protocol.MessageError
		if err := env.Decode(&ev); err != nil {
			p.logger.Warn("bad message error", zap.Error(err))
			return
		}
		p.reject(ev.CorrelationID, &RejectedError{Reason: ev.Error})

	case protocol.EventNewMessage:
		var ev protocol.NewMessage
		if err := env.Decode(&ev); err != nil {
			p.logger.Warn("bad new_message", zap.Error(err))
			return
		}
		peer := ev.Message.SenderID
		if peer == p.self {
			peer = ev.Message.RecipientID
		} else if ev.Message.RecipientID != p.self {
			return
		}
		p.applyAndPublish(peer, Inbound{Message: ev.Message}, ev.Message.ID)

	case protocol.EventMessageRead:
		var ev protocol.MessageRead
		if err := env.Decode(&ev); err != nil {
			p.logger.Warn("bad message_read", zap.Error(err))
			return
		}
		p.mu.Lock()
		peer, ok := p.inbox[ev.MessageID]
		p.mu.Unlock()
		if !ok {
			p.logger.Debug("receipt for unknown message", zap.String("id", ev.MessageID))
			return
		}
		p.applyAndPublish(peer, Receipt{MessageID: ev.MessageID}, ev.MessageID)
	}
}

func (p *Pipeline) acked(ev protocol.MessageSent) {
	a, ok := p.settle(ev.CorrelationID, nil)
	peer := ""
	if ok {
		peer = a.peer
		metrics.DeliveryOutcomes.WithLabelValues("acked").Inc()
	} else {
		// Late ack after a timeout or a duplicate; still worth applying.
		if peer, ok = p.locate(ev.CorrelationID); !ok {
			return
		}
	}
	p.applyAndPublish(peer, Acked{CorrelationID: ev.CorrelationID, Message: ev.Message}, ev.CorrelationID)
}
