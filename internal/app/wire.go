package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ultramaker/mmbot/internal/archive"
	s3blob "github.com/ultramaker/mmbot/internal/blob/s3"
	"github.com/ultramaker/mmbot/internal/cache/redis"
	"github.com/ultramaker/mmbot/internal/config"
	"github.com/ultramaker/mmbot/internal/domain"
	"github.com/ultramaker/mmbot/internal/notify"
	"github.com/ultramaker/mmbot/internal/store/postgres"
)

// Dependencies bundles the infrastructure every mode draws from. Fields stay
// nil for modes that do not need them; the engine and coordinator treat nil
// stores and a nil bus as disabled persistence.
type Dependencies struct {
	OrderStore    domain.OrderStore
	PositionStore domain.PositionStore
	FillStore     domain.FillStore
	AuditStore    domain.AuditStore

	PriceCache  domain.PriceCache
	SignalBus   domain.SignalBus
	LockManager domain.LockManager

	Archiver *archive.Archiver
	Notifier *notify.Notifier
}

// needsPostgres reports whether the mode persists state.
func needsPostgres(mode string) bool {
	return mode == "trade" || mode == "monitor"
}

// needsRedis reports whether the mode publishes or locks through Redis.
func needsRedis(mode string) bool {
	return mode == "trade" || mode == "monitor"
}

// Wire constructs the concrete infrastructure for the configured mode and
// returns it with a cleanup function to run on shutdown.
func Wire(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.OrderStore = postgres.NewOrderStore(pool)
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.FillStore = postgres.NewFillStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	if needsRedis(cfg.Mode) {
		redisClient, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
	}

	if cfg.Archive.Enabled && deps.FillStore != nil {
		s3Client, err := s3blob.New(ctx, cfg.S3)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = archive.New(cfg.Archive, deps.FillStore, deps.OrderStore, s3Client, logger)
	}

	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscord(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
