// Package push is the client end of the websocket push channel. Inbound
// frames go first to the registered frame handlers, synchronously and in
// order, then to the bus as bus.PushPrefix + event name with the
// protocol.Envelope as payload. The bus may drop events for slow
// subscribers; handlers never miss a frame.
package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/protocol"
	"github.com/matheus3301/chatsync/internal/status"
)

// ErrDisconnected is returned by Emit while no socket is open.
var ErrDisconnected = errors.New("push channel disconnected")

const (
	DefaultReconnectDelay = 2 * time.Second
	writeTimeout          = 10 * time.Second
)

// Config locates the hub.
type Config struct {
	URL            string // ws:// or wss:// endpoint of the hub
	UserID         string
	ReconnectDelay time.Duration
}

// Handler receives an inbound frame. It runs on the read loop, so a slow
// handler slows reading from the socket rather than losing frames.
type Handler func(protocol.Envelope)

// Client holds at most one live socket and re-dials it until its context is
// cancelled.
type Client struct {
	cfg     Config
	bus     *bus.Bus
	state   *status.Machine
	logger  *zap.Logger
	dialer  *websocket.Dialer
	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers []Handler
}

// New creates a client. It does not dial until Run is called.
func New(cfg Config, b *bus.Bus, state *status.Machine, logger *zap.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if state == nil {
		state = status.NewMachine(b)
	}
	return &Client{
		cfg:    cfg,
		bus:    b,
		state:  state,
		logger: logger,
		dialer: websocket.DefaultDialer,
	}
}

// OnFrame registers h for every inbound frame.
func (c *Client) OnFrame(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *Client) frameHandlers() []Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

// State returns the connection state machine.
func (c *Client) State() *status.Machine { return c.state }

// Run dials the hub and pumps inbound frames onto the bus, reconnecting after
// every drop. It returns when ctx is done.
func (c *Client) Run(ctx context.Context) error {
	if c.state.Current() == status.Closed {
		_ = c.state.Transition(status.Idle)
	}
	defer func() {
		c.drop()
		_ = c.state.Transition(status.Closed)
	}()

	for {
		_ = c.state.Transition(status.Connecting)
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("push dial failed", zap.Error(err))
		} else {
			c.setConn(conn)
			_ = c.state.Transition(status.Connected)
			c.logger.Info("push connected", zap.String("user", c.cfg.UserID))

			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			err = c.readLoop(conn)
			stop()
			c.drop()
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("push connection lost", zap.Error(err))
		}

		_ = c.state.Transition(status.Reconnecting)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse push url: %w", err)
	}
	q := u.Query()
	q.Set("user", c.cfg.UserID)
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		if env.Event == "" {
			c.logger.Debug("push frame without event")
			continue
		}
		for _, h := range c.frameHandlers() {
			h(env)
		}
		c.bus.Emit(bus.PushPrefix+env.Event, env)
	}
}

// Emit sends one event. It fails fast with ErrDisconnected when no socket is
// open.
func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Connected reports whether a socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) drop() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
