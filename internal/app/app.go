package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/metermint/creditledger/internal/allocator"
	"github.com/metermint/creditledger/internal/cache"
	"github.com/metermint/creditledger/internal/capcheck"
	"github.com/metermint/creditledger/internal/config"
	"github.com/metermint/creditledger/internal/db"
	ledgerhttp "github.com/metermint/creditledger/internal/http"
	"github.com/metermint/creditledger/internal/ledger"
	"github.com/metermint/creditledger/internal/metering"
	"github.com/metermint/creditledger/internal/models"
	"github.com/metermint/creditledger/internal/outbox"
	"github.com/metermint/creditledger/internal/pricing"
	"github.com/metermint/creditledger/internal/security"
)

// shutdownTimeout bounds graceful HTTP shutdown on exit.
const shutdownTimeout = 10 * time.Second

// Options holds CLI-level inputs for the server process.
type Options struct {
	ConfigPath string
}

// Migrate opens the database and runs migrations.
func Migrate(cfg Options) error {
	loaded, errLoad := config.Load(config.ResolveConfigPath(cfg.ConfigPath))
	if errLoad != nil {
		return errLoad
	}
	conn, errOpen := db.Open(loaded.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the ledger service and blocks until ctx is cancelled.
func RunServer(ctx context.Context, cfg Options) error {
	loaded, errLoad := config.Load(config.ResolveConfigPath(cfg.ConfigPath))
	if errLoad != nil {
		return errLoad
	}
	config.SetupLogging(loaded.Logging)

	conn, errOpen := db.Open(loaded.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if errAdmin := ensureBootstrapAdmin(conn, loaded.Admin); errAdmin != nil {
		return errAdmin
	}

	store := ledger.NewStore(conn)

	var rdb *redis.Client
	if loaded.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     loaded.Redis.Addr,
			Password: loaded.Redis.Password,
			DB:       loaded.Redis.DB,
		})
		if errPing := rdb.Ping(ctx).Err(); errPing != nil {
			log.WithError(errPing).Warn("redis unreachable, balance reads fall back to database")
		}
	}
	creditCache := cache.New(rdb, store)
	store.SetInvalidator(creditCache.Invalidate)

	snapshot := pricing.NewRuleSnapshot(conn)
	if errSnapshot := snapshot.Start(ctx); errSnapshot != nil {
		return errSnapshot
	}
	engine := pricing.NewEngine(snapshot)

	enforcer := capcheck.NewEnforcer(store)
	gateway := metering.NewGateway(store, engine, enforcer)

	alloc := allocator.New(store, engine)
	alloc.Start(ctx)

	dispatcher := outbox.NewDispatcher(conn, outbox.LogSink{})
	dispatcher.Start(ctx)

	router := ledgerhttp.NewRouter(ledgerhttp.Deps{
		DB:        conn,
		Store:     store,
		Cache:     creditCache,
		Gateway:   gateway,
		Allocator: alloc,
		Snapshot:  snapshot,
		Auth:      loaded.Auth,
	})

	server := &http.Server{
		Addr:    loaded.Server.Listen,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("listen", loaded.Server.Listen).Info("credit ledger listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			return errShutdown
		}
		return nil
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	}
}

// ensureBootstrapAdmin creates the configured administrator if missing.
func ensureBootstrapAdmin(conn *gorm.DB, cfg config.AdminConfig) error {
	if cfg.Username == "" || cfg.Password == "" {
		return nil
	}
	var count int64
	if errCount := conn.Model(&models.Admin{}).Where("username = ?", cfg.Username).Count(&count).Error; errCount != nil {
		return errCount
	}
	if count > 0 {
		return nil
	}
	hash, errHash := security.HashPassword(cfg.Password)
	if errHash != nil {
		return errHash
	}
	admin := &models.Admin{
		Username: cfg.Username,
		Password: hash,
		Active:   true,
	}
	if errCreate := conn.Create(admin).Error; errCreate != nil {
		return errCreate
	}
	log.WithField("username", cfg.Username).Info("bootstrap admin created")
	return nil
}
