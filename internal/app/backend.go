package app

import (
	"context"
	"fmt"
	"io"

	"github.com/MrSnakeDoc/shelf/internal/config"
	"github.com/MrSnakeDoc/shelf/internal/feed"
	"github.com/MrSnakeDoc/shelf/internal/feed/hub"
	"github.com/MrSnakeDoc/shelf/internal/httpserver/deps"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/reconciler"
	"github.com/MrSnakeDoc/shelf/internal/redis"
	redisstore "github.com/MrSnakeDoc/shelf/internal/store/redis"
	"github.com/MrSnakeDoc/shelf/internal/store/sqlite"
	"github.com/MrSnakeDoc/shelf/internal/utils"
)

// gateway is what both storage backends provide.
type gateway interface {
	reconciler.Gateway
	deps.Backend
}

// backend bundles the selected storage, its change feed and what must be
// closed on shutdown.
type backend struct {
	name    string
	store   gateway
	feed    feed.Source
	closers []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

func (b *backend) Close(log logger.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		utils.MustClose(b.closers[i].c, b.closers[i].name, log)
	}
}

func openBackend(ctx context.Context, cfg *config.Config, log logger.Logger) (*backend, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		// Initialize Redis early - fail fast if unavailable
		log.Infof("Connecting to Redis at %s", cfg.RedisAddr)
		client, err := redis.New(ctx, redis.ConnectOptions{
			Addr:           cfg.RedisAddr,
			User:           cfg.RedisUser,
			Password:       cfg.RedisPassword,
			RedisDB:        cfg.RedisDB,
			ClientName:     "shelf",
			DialTimeout:    cfg.RedisDT,
			ReadTimeout:    cfg.RedisRT,
			WriteTimeout:   cfg.RedisWT,
			PoolSize:       cfg.RedisPoolSize,
			ConnectTimeout: cfg.RedisConnectTimeout,
			RetryInterval:  cfg.RedisRetryInterval,
			MaxWait:        cfg.RedisMaxWait,
			PingTimeout:    cfg.RedisPingTimeout,
			WarnThreshold:  cfg.RedisWarnThreshold,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		log.Info("Redis initialized successfully")
		return &backend{
			name:    config.BackendRedis,
			store:   redisstore.NewStore(client),
			feed:    redisstore.NewFeed(client, log),
			closers: []namedCloser{{name: "redis", c: client}},
		}, nil

	case config.BackendSQLite:
		// SQLite has no notifications of its own; committed writes go through the hub.
		h := hub.New(log, cfg.HubBufferEvents)
		store, err := sqlite.Open(cfg.SQLitePath, h)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite at %s: %w", cfg.SQLitePath, err)
		}
		log.Info("SQLite initialized successfully", logger.String("path", cfg.SQLitePath))
		return &backend{
			name:    config.BackendSQLite,
			store:   store,
			feed:    h,
			closers: []namedCloser{{name: "sqlite", c: store}},
		}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
