// Package daemon wires chatsyncd together with fx.
package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/cache"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/hub"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/store"
)

// Params holds the resolved server configuration passed to the fx module.
type Params struct {
	Config *config.Config
	// Logger overrides the file logger, mainly for tests.
	Logger *zap.Logger
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideLock,
			provideStore,
			provideCache,
			provideMemo,
			provideHub,
			provideHandler,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func dataDir(p Params) string {
	return session.ServerDir(p.Config.Server.DataDir)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(session.ServerLogPath(dataDir(p)), "chatsyncd")
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	dir := dataDir(p)
	logger.Info("acquiring data dir lock", zap.String("dir", dir))
	l, err := lock.Acquire(dir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is only opened by the
// process that owns the data directory.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.ServerDBPath(dataDir(p))
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideCache picks Redis when a URL is configured and the in-process store
// otherwise.
func provideCache(p Params, logger *zap.Logger) (cache.Store, error) {
	srv := p.Config.Server
	if srv.RedisURL == "" {
		logger.Info("cache backend: memory")
		return cache.NewMemory(cache.WithStaleGrace(srv.StaleGrace.Duration)), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := cache.DialRedis(ctx, srv.RedisURL, srv.CachePrefix, cache.WithRedisStaleGrace(srv.StaleGrace.Duration))
	if err != nil {
		return nil, err
	}
	logger.Info("cache backend: redis", zap.String("prefix", srv.CachePrefix))
	return r, nil
}

func provideMemo(p Params, c cache.Store, logger *zap.Logger) *api.Memo {
	srv := p.Config.Server
	return api.NewMemo(c, api.TTLs{
		List:   srv.ListTTL.Duration,
		Detail: srv.DetailTTL.Duration,
		Stats:  srv.StatsTTL.Duration,
	}, logger.Named("memo"))
}

func provideHub(p Params, db *store.DB, memo *api.Memo, logger *zap.Logger) *hub.Hub {
	return hub.New(db, memo, hub.Options{
		RateLimit: p.Config.Server.RateLimit,
		RateBurst: p.Config.Server.RateBurst,
	}, logger.Named("hub"))
}

func provideHandler(db *store.DB, h *hub.Hub, memo *api.Memo, logger *zap.Logger) *api.Handler {
	return api.NewHandler(db, h, memo, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *Server, h *hub.Hub, c cache.Store, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := srv.Listen(); err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			go cache.RunSweeper(sweepCtx, c, p.Config.Server.SweepInterval.Duration, logger.Named("cache"))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopSweep()
			h.Close()
			srv.Stop(ctx)
			if r, ok := c.(*cache.Redis); ok {
				if err := r.Close(); err != nil {
					logger.Warn("error closing redis", zap.Error(err))
				}
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
