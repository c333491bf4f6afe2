package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/simexchange/trustgate/internal/config"
	"github.com/simexchange/trustgate/internal/ratelimit"
)

const banKeyPrefix = "trustgate:ban:"

type RedisClient struct {
	Client *redis.Client
}

func NewRedisClient(cfg config.RedisConfig) (*RedisClient, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{Client: rdb}, nil
}

func banKey(principal string) string {
	return banKeyPrefix + principal
}

// MirrorBan writes the ban record with a TTL matching its expiry so the
// key self-destructs when the ban lapses.
func (r *RedisClient) MirrorBan(ctx context.Context, rec *ratelimit.BanRecord) error {
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.Client.Set(ctx, banKey(rec.Principal), raw, ttl).Err()
}

func (r *RedisClient) LookupBan(ctx context.Context, principal string) (*ratelimit.BanRecord, error) {
	raw, err := r.Client.Get(ctx, banKey(principal)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec ratelimit.BanRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RedisClient) PurgeBan(ctx context.Context, principal string) error {
	return r.Client.Del(ctx, banKey(principal)).Err()
}

// GetDailyUsage returns today's action count and traded volume for a
// principal.
func (r *RedisClient) GetDailyUsage(ctx context.Context, principal string) (int, float64, error) {
	today := time.Now().UTC().Format("2006-01-02")
	keyVol := fmt.Sprintf("usage:%s:%s:volume", principal, today)
	keyCount := fmt.Sprintf("usage:%s:%s:count", principal, today)

	pipe := r.Client.Pipeline()
	volCmd := pipe.Get(ctx, keyVol)
	countCmd := pipe.Get(ctx, keyCount)
	_, err := pipe.Exec(ctx)

	if err != nil && err != redis.Nil {
		return 0, 0, err
	}

	vol, _ := volCmd.Float64()
	count, _ := countCmd.Int()

	return count, vol, nil
}

func (r *RedisClient) AddDailyUsage(ctx context.Context, principal string, actions int, volume float64) error {
	today := time.Now().UTC().Format("2006-01-02")
	keyVol := fmt.Sprintf("usage:%s:%s:volume", principal, today)
	keyCount := fmt.Sprintf("usage:%s:%s:count", principal, today)

	pipe := r.Client.Pipeline()
	pipe.IncrByFloat(ctx, keyVol, volume)
	pipe.IncrBy(ctx, keyCount, int64(actions))

	// 2 days is safe across the day boundary
	pipe.Expire(ctx, keyVol, 48*time.Hour)
	pipe.Expire(ctx, keyCount, 48*time.Hour)

	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisClient) Close() error {
	return r.Client.Close()
}
