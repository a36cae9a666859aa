package daemon

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/sripadam-prasannakumar/swapchat/internal/archive"
	"github.com/sripadam-prasannakumar/swapchat/internal/bus"
	"github.com/sripadam-prasannakumar/swapchat/internal/call"
	"github.com/sripadam-prasannakumar/swapchat/internal/chat"
	"github.com/sripadam-prasannakumar/swapchat/internal/config"
	"github.com/sripadam-prasannakumar/swapchat/internal/kv"
	"github.com/sripadam-prasannakumar/swapchat/internal/lock"
	"github.com/sripadam-prasannakumar/swapchat/internal/logging"
	"github.com/sripadam-prasannakumar/swapchat/internal/roster"
	"github.com/sripadam-prasannakumar/swapchat/internal/rtc"
	"github.com/sripadam-prasannakumar/swapchat/internal/session"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	Config  *config.Config
}

// Module returns the fx module for the client daemon, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideArchive,
			provideMirror,
			provideMediaStack,
			provideChatManager,
			provideCallManager,
			provideRoster,
		),
		fx.Invoke(registerLifecycle),
	)
}

// mediaStack bundles the two halves of the platform media layer so fx can
// provide them from one constructor.
type mediaStack struct {
	factory rtc.Factory
	capture rtc.Capture
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (kv.Store, error) {
	switch p.Config.Store.Backend {
	case "memory":
		logger.Warn("using in-process store, peers on other hosts will not see this client")
		return kv.NewMemory(), nil
	case "redis", "":
		s, err := kv.NewRedis(context.Background(), p.Config.Store.Addr, p.Config.Store.Prefix, logger)
		if err != nil {
			return nil, fmt.Errorf("connect store: %w", err)
		}
		logger.Info("shared store connected",
			zap.String("addr", p.Config.Store.Addr),
			zap.String("prefix", p.Config.Store.Prefix))
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", p.Config.Store.Backend)
	}
}

func provideArchive(p Params, logger *zap.Logger) (*archive.DB, error) {
	dbPath := session.ArchiveDBPath(p.Profile)
	db, err := archive.Open(dbPath)
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
	logger.Info("archive initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMirror(db *archive.DB, store kv.Store, logger *zap.Logger) *archive.Mirror {
	return archive.NewMirror(db, store, logger)
}

func provideMediaStack(p Params, logger *zap.Logger) *mediaStack {
	factory, capture := rtc.NewStack(rtc.Config{STUNServers: p.Config.Call.STUNServers}, logger)
	return &mediaStack{factory: factory, capture: capture}
}

func provideChatManager(p Params, store kv.Store, b *bus.Bus, logger *zap.Logger) *chat.Manager {
	return chat.NewManager(p.Config.UserID, store, b, logger)
}

func provideCallManager(p Params, store kv.Store, b *bus.Bus, media *mediaStack, logger *zap.Logger) *call.Manager {
	return call.NewManager(p.Config.UserID, store, b, media.factory, media.capture, logger)
}

func provideRoster(p Params, store kv.Store, b *bus.Bus, logger *zap.Logger) *roster.Roster {
	return roster.New(p.Config.UserID, store, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, store kv.Store, mirror *archive.Mirror, db *archive.DB, chats *chat.Manager, calls *call.Manager, r *roster.Roster, lk *lock.Lock, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := r.Announce(ctx, p.Config.DisplayName); err != nil {
				logger.Warn("presence announce failed", zap.Error(err))
			}
			logger.Info("daemon started",
				zap.String("profile", p.Profile),
				zap.String("user", p.Config.UserID))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Presence goes first, while the store connection is still up.
			if err := r.Withdraw(ctx); err != nil {
				logger.Warn("presence withdraw failed", zap.Error(err))
			}
			calls.Close()
			if err := chats.Close(ctx); err != nil {
				logger.Warn("closing conversations", zap.Error(err))
			}
			r.Close()
			mirror.Close()
			if err := store.Close(); err != nil {
				logger.Warn("closing store", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("closing archive", zap.Error(err))
			}
			b.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
