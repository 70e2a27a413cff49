// Package bootstrap turns configuration into the concrete stores,
// transports and workers the binaries run with.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Limen/server/internal/config"
	"github.com/BrandonDHaskell/Limen/server/internal/db"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store/memory"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store/postgres"
	"github.com/BrandonDHaskell/Limen/server/internal/limen/store/sqlite"
	"github.com/BrandonDHaskell/Limen/server/internal/notify"
	"github.com/BrandonDHaskell/Limen/server/internal/pubsub"
	"github.com/BrandonDHaskell/Limen/server/internal/ratelimit"
)

// OpenStore opens the configured backend. The returned func releases it.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Backend, func(), error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), func() {}, nil

	case "sqlite":
		sqlDB, err := db.OpenSQLite(ctx, db.Config{Path: cfg.SQLitePath})
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		writer := db.NewWorker(sqlDB)
		closeFn := func() {
			writer.Close()
			_ = sqlDB.Close()
		}
		return sqlite.New(sqlDB, writer), closeFn, nil

	case "postgres":
		pool, err := db.ConnectPostgres(ctx, db.PostgresConfig{
			DSN:      cfg.PostgresDSN,
			MaxConns: int32(cfg.MaxConns),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return postgres.New(pool), pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func pubsubConfig(cfg config.PubSubConfig) pubsub.Config {
	return pubsub.Config{
		URL:      cfg.URL,
		Username: cfg.Username,
		Password: cfg.Password,
		TLS:      cfg.TLS,
		CAFile:   cfg.CAFile,
		Timeout:  cfg.Timeout,
	}
}

// NewPublisher returns the server-side transport for OPEN commands.
func NewPublisher(cfg config.PubSubConfig) (pubsub.Publisher, error) {
	switch cfg.Driver {
	case "mqtt":
		return pubsub.NewMQTTPublisher(pubsubConfig(cfg))
	case "nats":
		return pubsub.NewNATSPublisher(pubsubConfig(cfg))
	case "memory":
		return pubsub.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown pubsub driver %q", cfg.Driver)
	}
}

// NewSubscriber returns the door-side transport. The memory bus only works
// within one process, so it is rejected here.
func NewSubscriber(cfg config.PubSubConfig) (pubsub.Subscriber, error) {
	switch cfg.Driver {
	case "mqtt":
		return pubsub.NewMQTTSubscriber(pubsubConfig(cfg))
	case "nats":
		return pubsub.NewNATSSubscriber(pubsubConfig(cfg))
	default:
		return nil, fmt.Errorf("pubsub driver %q cannot be used by a door agent", cfg.Driver)
	}
}

// NewMailer returns the configured delivery channel for verification codes.
func NewMailer(cfg config.MailConfig, logger *zap.Logger) (notify.Mailer, error) {
	switch cfg.Driver {
	case "dev":
		return notify.NewDevMailer(logger), nil
	case "smtp":
		return notify.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.From, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPTLS), nil
	case "mailersend":
		return notify.NewMailerSendMailer(cfg.MailerSendKey, cfg.FromName, cfg.From)
	default:
		return nil, fmt.Errorf("unknown mail driver %q", cfg.Driver)
	}
}

// OpenRedis connects and pings. Callers fall back to in-process
// implementations when it fails.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewQueue returns the mail queue. Redis is used when configured and
// reachable; otherwise messages stay in process.
func NewQueue(ctx context.Context, cfg config.QueueConfig, logger *zap.Logger) (notify.Queue, func()) {
	if cfg.Driver == "redis" {
		client, err := OpenRedis(ctx, cfg.RedisURL)
		if err == nil {
			return notify.NewRedisQueue(client, cfg.Name), func() { _ = client.Close() }
		}
		logger.Warn("redis unavailable, falling back to in-memory mail queue", zap.Error(err))
	}
	return notify.NewMemoryQueue(256), func() {}
}

// NewLimiter returns the attempt limiter for the binding endpoints, with
// the same Redis fallback as NewQueue.
func NewLimiter(ctx context.Context, cfg config.RateLimitConfig, logger *zap.Logger) (ratelimit.Limiter, func()) {
	if cfg.Limit <= 0 {
		return ratelimit.Noop{}, func() {}
	}
	if cfg.Driver == "redis" {
		client, err := OpenRedis(ctx, cfg.RedisURL)
		if err == nil {
			return ratelimit.NewRedis(client, cfg.Limit, cfg.Window), func() { _ = client.Close() }
		}
		logger.Warn("redis unavailable, falling back to in-memory rate limits", zap.Error(err))
	}
	return ratelimit.NewInMemory(cfg.Limit, cfg.Window), func() {}
}
