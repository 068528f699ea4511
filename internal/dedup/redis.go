package dedup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 3 * time.Second

// Redis is a Cache shared by every replica. Keys expire natively after the
// TTL. Redis failures are logged and treated as "not seen".
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

func NewRedis(cfg RedisConfig, logger *slog.Logger) *Redis {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "chatbridge:seen:"
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		logger: logger,
	}
}

// Ping checks connectivity at startup.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) HasSeen(ctx context.Context, id string) bool {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	n, err := r.client.Exists(ctx, r.prefix+id).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.logger.Warn("dedup lookup failed", "id", id, "err", err)
		return false
	}
	return n > 0
}

func (r *Redis) MarkSeen(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := r.client.Set(ctx, r.prefix+id, 1, r.ttl).Err(); err != nil {
		r.logger.Warn("dedup mark failed", "id", id, "err", err)
	}
}

// MarkIfUnseen sets the key only if it is absent. On a Redis error the id
// counts as unseen.
func (r *Redis) MarkIfUnseen(ctx context.Context, id string) bool {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	set, err := r.client.SetNX(ctx, r.prefix+id, 1, r.ttl).Result()
	if err != nil {
		r.logger.Warn("dedup mark failed", "id", id, "err", err)
		return false
	}
	return !set
}

func (r *Redis) Close() error {
	return r.client.Close()
}
