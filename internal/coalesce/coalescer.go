package coalesce

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/cache"
	"github.com/matheus3301/chatsync/internal/metrics"
)

const (
	// DefaultWindow is how long a read waits for identical reads to join it.
	DefaultWindow = 25 * time.Millisecond
	// DefaultStaleGrace is how far past expiry a cached body may be served
	// when the live call fails.
	DefaultStaleGrace = time.Hour
)

// Options configures a Coalescer.
type Options struct {
	Window     time.Duration
	StaleGrace time.Duration
	// ReadThrough answers reads from fresh cache entries without dispatching.
	ReadThrough bool
}

// Coalescer batches reads by signature. It is safe for concurrent use.
type Coalescer struct {
	transport Transport
	cache     cache.Store
	opts      Options
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string]*batch
	armed   bool

	dispatches atomic.Uint64
}

type batch struct {
	req     Request
	sig     string
	ctx     context.Context
	callers int
	done    chan struct{}
	resp    Response
	err     error
}

// New creates a coalescer. store may be nil, which disables caching and the
// stale fallback.
func New(t Transport, store cache.Store, opts Options, logger *zap.Logger) *Coalescer {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.StaleGrace <= 0 {
		opts.StaleGrace = DefaultStaleGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coalescer{
		transport: t,
		cache:     store,
		opts:      opts,
		logger:    logger,
		pending:   make(map[string]*batch),
	}
}

// Dispatches returns how many transport calls have been made.
func (c *Coalescer) Dispatches() uint64 { return c.dispatches.Load() }

// Dispatch sends req. Reads join the current window; writes go out at once.
// Non-2xx responses are returned as *StatusError.
func (c *Coalescer) Dispatch(ctx context.Context, req Request) (Response, error) {
	if !req.IsRead() {
		return c.write(ctx, req)
	}

	sig := req.Signature()
	if c.opts.ReadThrough && c.cache != nil {
		if body, ok := c.cache.Get(ctx, sig); ok {
			return Response{Status: http.StatusOK, Body: body, FromCache: true}, nil
		}
	}

	b := c.join(ctx, sig, req)
	select {
	case <-b.done:
		if b.err != nil {
			return Response{}, b.err
		}
		return b.resp.clone(), nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// join adds the caller to the pending batch for sig, opening a window if
// none is armed.
func (c *Coalescer) join(ctx context.Context, sig string, req Request) *batch {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.pending[sig]; ok {
		b.callers++
		return b
	}
	b := &batch{
		req:     req,
		sig:     sig,
		ctx:     context.WithoutCancel(ctx),
		callers: 1,
		done:    make(chan struct{}),
	}
	c.pending[sig] = b
	if !c.armed {
		c.armed = true
		time.AfterFunc(c.opts.Window, c.flush)
	}
	return b
}

// flush detaches the whole window under the lock, so calls arriving while
// the detached batches run open a fresh window.
func (c *Coalescer) flush() {
	c.mu.Lock()
	batches := c.pending
	c.pending = make(map[string]*batch)
	c.armed = false
	c.mu.Unlock()

	for _, b := range batches {
		go c.run(b)
	}
}

func (c *Coalescer) run(b *batch) {
	defer close(b.done)

	c.dispatches.Add(1)
	metrics.CoalescedDispatches.WithLabelValues("read").Inc()
	metrics.CoalescedCallers.Add(float64(b.callers))
	if b.callers > 1 {
		c.logger.Debug("coalesced read", zap.String("sig", b.sig), zap.Int("callers", b.callers))
	}

	resp, err := c.transport.Do(b.ctx, b.req)
	if err == nil && isSuccess(resp.Status) {
		if c.cache != nil && b.req.TTL > 0 {
			if cerr := c.cache.Set(b.ctx, b.sig, resp.Body, b.req.TTL, b.req.Tags...); cerr != nil {
				c.logger.Warn("cache write failed", zap.String("sig", b.sig), zap.Error(cerr))
			}
		}
		b.resp = resp
		return
	}
	if err == nil {
		err = &StatusError{Status: resp.Status, Body: resp.Body}
		// Client errors are answers, not outages.
		if resp.Status < 500 {
			b.err = err
			return
		}
	}
	if stale, ok := c.stale(b.ctx, b.sig); ok {
		c.logger.Info("serving stale response", zap.String("sig", b.sig), zap.Error(err))
		metrics.StaleServed.Inc()
		b.resp = Response{Status: http.StatusOK, Body: stale, FromCache: true}
		return
	}
	b.err = err
}

func (c *Coalescer) stale(ctx context.Context, sig string) ([]byte, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.GetStale(ctx, sig, c.opts.StaleGrace)
}

func (c *Coalescer) write(ctx context.Context, req Request) (Response, error) {
	c.dispatches.Add(1)
	metrics.CoalescedDispatches.WithLabelValues("write").Inc()

	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if !isSuccess(resp.Status) {
		return Response{}, &StatusError{Status: resp.Status, Body: resp.Body}
	}
	return resp, nil
}

// Invalidate drops cached reads carrying any of tags.
func (c *Coalescer) Invalidate(ctx context.Context, tags ...string) {
	if c.cache == nil {
		return
	}
	for _, tag := range tags {
		if _, err := c.cache.InvalidateByTag(ctx, tag); err != nil {
			c.logger.Warn("invalidate failed", zap.String("tag", tag), zap.Error(err))
		}
	}
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }
