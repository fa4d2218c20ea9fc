package offchat

import (
	"context"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/offchat/offchat/bus"
	"github.com/offchat/offchat/cache"
	"github.com/offchat/offchat/config"
	"github.com/offchat/offchat/connectivity"
	"github.com/offchat/offchat/coordinator"
	"github.com/offchat/offchat/lock"
	"github.com/offchat/offchat/logging"
	"github.com/offchat/offchat/queue"
	"github.com/offchat/offchat/retry"
	"github.com/offchat/offchat/store"
	"github.com/offchat/offchat/transport"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config config.Config
}

// Module returns the fx module composing the offline messaging coordinator.
// The embedding application must provide a transport.Sender and a
// connectivity.Environment in its own graph.
func Module(p Params) fx.Option {
	return fx.Module("offchat",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideAdapter,
			provideStore,
			provideQueue,
			provideCache,
			provideScheduler,
			provideMonitor,
			provideCoordinator,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	logPath := filepath.Join(p.Config.StorageDir, "offchat.log")
	return logging.New(logPath, zap.String("user", p.Config.UserID))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring storage lock", zap.String("dir", p.Config.StorageDir))
	l, err := lock.Acquire(p.Config.StorageDir)
	if err != nil {
		return nil, err
	}
	logger.Info("storage lock acquired")
	return l, nil
}

func provideAdapter(p Params, _ *lock.Lock, logger *zap.Logger) (*store.SQLiteAdapter, error) {
	dbPath := filepath.Join(p.Config.StorageDir, "state.db")
	adapter, err := store.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	adapter.QuotaBytes = p.Config.QuotaBytes
	logger.Info("state store opened", zap.String("path", dbPath))
	return adapter, nil
}

func provideStore(p Params, adapter *store.SQLiteAdapter, logger *zap.Logger) *store.Store {
	return store.New(adapter, p.Config.PersistDebounce.Std(), logger)
}

func provideQueue(p Params, logger *zap.Logger) *queue.Queue {
	return queue.New(p.Config.MaxQueueSize, logger)
}

func provideCache(p Params, logger *zap.Logger) *cache.Cache {
	return cache.New(p.Config.MaxCacheSize, logger)
}

func provideScheduler(logger *zap.Logger) *retry.Scheduler {
	return retry.NewScheduler(logger)
}

func provideMonitor(env connectivity.Environment, b *bus.Bus, logger *zap.Logger) *connectivity.Monitor {
	return connectivity.NewMonitor(env, b, logger)
}

func provideCoordinator(
	p Params,
	q *queue.Queue,
	c *cache.Cache,
	st *store.Store,
	monitor *connectivity.Monitor,
	scheduler *retry.Scheduler,
	sender transport.Sender,
	b *bus.Bus,
	logger *zap.Logger,
) *coordinator.Coordinator {
	return coordinator.New(coordinator.Options{
		Queue:     q,
		Cache:     c,
		Store:     st,
		Monitor:   monitor,
		Scheduler: scheduler,
		Sender:    sender,
		Bus:       b,
		Logger:    logger,
		Policy: retry.Policy{
			BaseDelay:  p.Config.RetryBaseDelay.Std(),
			MaxDelay:   p.Config.RetryMaxDelay.Std(),
			MaxRetries: p.Config.MaxRetries,
			Jitter:     p.Config.RetryJitter,
		},
		DrainGap:  p.Config.DrainGap.Std(),
		TypingTTL: p.Config.TypingTTL.Std(),
		UserID:    p.Config.UserID,
		UserName:  p.Config.UserName,
	})
}

func registerLifecycle(
	lc fx.Lifecycle,
	coord *coordinator.Coordinator,
	st *store.Store,
	adapter *store.SQLiteAdapter,
	lk *lock.Lock,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return coord.Start(ctx)
		},
		OnStop: func(_ context.Context) error {
			if err := coord.Cleanup(); err != nil {
				logger.Warn("cleanup reported an error", zap.Error(err))
			}
			if err := st.Close(); err != nil {
				logger.Warn("store close reported an error", zap.Error(err))
			}
			if err := adapter.Close(); err != nil {
				logger.Warn("error closing state db", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing storage lock", zap.Error(err))
			}
			return nil
		},
	})
}
