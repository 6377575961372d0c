package attempts

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL — время жизни счётчика без обновлений.
const DefaultTTL = 24 * time.Hour

// KeyPrefix — префикс ключей в Redis.
const KeyPrefix = "txpipe:attempts:"

// RedisConfig — параметры подключения к Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// TTL — время жизни счётчика. Продлевается при каждом Incr.
	TTL time.Duration
}

// Redis — счётчик попыток в Redis, общий для всех реплик воркера.
type Redis struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedis создаёт клиент Redis и проверяет соединение.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	return NewRedisFromClient(rdb, cfg.TTL), nil
}

// NewRedisFromClient оборачивает готовый клиент.
func NewRedisFromClient(rdb redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

// Incr атомарно увеличивает счётчик и продлевает его TTL.
func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	k := KeyPrefix + key

	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, r.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr %s: %w", k, err)
	}

	return incr.Val(), nil
}

// Reset удаляет счётчик.
func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, KeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("reset %s: %w", KeyPrefix+key, err)
	}
	return nil
}

// Close закрывает клиент Redis.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
