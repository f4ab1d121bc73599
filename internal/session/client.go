package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/apiclient"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/cache"
	"github.com/matheus3301/chatsync/internal/coalesce"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/push"
	"github.com/matheus3301/chatsync/internal/status"
)

// ErrRunning is returned by Start on a session that is already started.
var ErrRunning = errors.New("session already running")

// Session is one signed-in user's client state. Every shared structure
// (cache, presence, message threads) is owned here and reset on Logout.
type Session struct {
	User     string
	Bus      *bus.Bus
	Cache    *cache.Memory
	API      *apiclient.Client
	Push     *push.Client
	Presence *presence.Tracker
	Typing   *presence.Notifier
	Delivery *delivery.Pipeline

	coalescer *coalesce.Coalescer
	logger    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open builds a session from client configuration. Nothing connects until
// Start.
func Open(cfg config.Client, logger *zap.Logger) (*Session, error) {
	if err := ValidateUserID(cfg.UserID); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("user", cfg.UserID))

	b := bus.New()
	mem := cache.NewMemory(cache.WithStaleGrace(cfg.StaleGrace.Duration))
	co := coalesce.New(
		coalesce.NewHTTPTransport(cfg.APIURL, apiclient.Header(cfg.UserID)),
		mem,
		coalesce.Options{Window: cfg.BatchWindow.Duration, StaleGrace: cfg.StaleGrace.Duration, ReadThrough: true},
		logger.Named("coalesce"),
	)
	tracker := presence.NewTracker(
		presence.WithTypingWindow(cfg.TypingWindow.Duration),
		presence.WithLogger(logger.Named("presence")),
	)
	api := apiclient.New(co, apiclient.DefaultTTLs, tracker)
	pc := push.New(push.Config{
		URL:            cfg.PushURL,
		UserID:         cfg.UserID,
		ReconnectDelay: cfg.ReconnectDelay.Duration,
	}, b, status.NewMachine(b), logger.Named("push"))

	s := &Session{
		User:      cfg.UserID,
		Bus:       b,
		Cache:     mem,
		API:       api,
		Push:      pc,
		Presence:  tracker,
		Typing:    presence.NewNotifier(cfg.UserID, pc, cfg.TypingIdle.Duration, logger.Named("typing")),
		Delivery:  delivery.New(cfg.UserID, pc, api, b, delivery.Options{AckTimeout: cfg.AckTimeout.Duration}, logger.Named("delivery")),
		coalescer: co,
		logger:    logger,
	}
	pc.OnFrame(s.Delivery.Handle)
	pc.OnFrame(s.invalidate)
	return s, nil
}

// Start connects the push channel and the event consumers. They stop when
// ctx is done or on Close/Logout.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.spawn(func() { s.Presence.Run(ctx, s.Bus) })
	s.spawn(func() { cache.RunSweeper(ctx, s.Cache, cache.DefaultSweepInterval, s.logger.Named("cache")) })
	s.spawn(func() {
		if err := s.Push.Run(ctx); err != nil {
			s.logger.Error("push client stopped", zap.Error(err))
		}
	})
	s.logger.Info("session started")
	return nil
}

func (s *Session) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// invalidate drops cached conversation reads when the push channel reports
// a change to them.
func (s *Session) invalidate(env protocol.Envelope) {
	if env.Event != protocol.EventNewMessage {
		return
	}
	var nm protocol.NewMessage
	if err := env.Decode(&nm); err != nil {
		return
	}
	peer := nm.Message.SenderID
	if peer == s.User {
		peer = nm.Message.RecipientID
	}
	s.API.MessageChanged(context.Background(), peer)
}

// Close stops the background work. State is kept.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("session stopped")
}

// Logout stops the session and forgets everything it learned, so a later
// session for another user starts clean.
func (s *Session) Logout(ctx context.Context) error {
	s.Close()
	s.Typing.Reset()
	s.Delivery.Reset()
	s.Presence.Reset()
	if err := s.Cache.Clear(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	s.logger.Info("session logged out")
	return nil
}

// OpenThread loads the newest page of history with peer into the delivery
// pipeline and returns the merged thread.
func (s *Session) OpenThread(ctx context.Context, peer string, limit int) (delivery.Thread, error) {
	hist, err := s.API.History(ctx, peer, 0, limit)
	if err != nil {
		return delivery.Thread{}, err
	}
	msgs := slices.Clone(hist.Messages)
	slices.Reverse(msgs)

	var unread *int
	convs, err := s.API.ListConversations(ctx, 0, 0)
	if err != nil {
		s.logger.Warn("conversation list unavailable", zap.Error(err))
	} else {
		for _, c := range convs.Conversations {
			if c.PeerID == peer {
				n := c.UnreadCount
				unread = &n
				break
			}
		}
	}
	return s.Delivery.Load(peer, msgs, unread), nil
}

// CloseThread is called when the view of peer goes away. Pending typing
// stops are dropped; in-flight sends keep going.
func (s *Session) CloseThread(peer string) {
	s.Typing.Cancel(peer)
}

// Send ends any typing burst to peer and hands the message to the delivery
// pipeline.
func (s *Session) Send(ctx context.Context, peer, content string) (delivery.Message, error) {
	s.Typing.Flush(ctx, peer)
	return s.Delivery.Send(ctx, peer, content, protocol.KindText)
}

// Dispatches returns how many REST calls the session has made.
func (s *Session) Dispatches() uint64 { return s.coalescer.Dispatches() }
