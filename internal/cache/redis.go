package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/IliaW/enrich-worker/config"
	"github.com/IliaW/enrich-worker/internal"
	"github.com/IliaW/enrich-worker/internal/model"
	"github.com/redis/go-redis/v9"
)

type RedisClient struct {
	client *redis.Client
	cfg    *config.CacheConfig
}

func NewRedisClient(cacheConfig *config.CacheConfig) *RedisClient {
	slog.Info("connecting to redis...")
	rdb := redis.NewClient(&redis.Options{
		Addr:     cacheConfig.RedisAddr,
		Password: cacheConfig.RedisPassword,
		DB:       cacheConfig.RedisDb,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("connection to the redis is failed.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	slog.Info("connected to redis!")

	return &RedisClient{
		client: rdb,
		cfg:    cacheConfig,
	}
}

func (rc *RedisClient) GetFinding(key string) (*model.Finding, bool) {
	body, err := rc.client.Get(context.Background(), internal.HashKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("failed to get finding from cache.", slog.String("key", key),
				slog.String("err", err.Error()))
		}
		return nil, false
	}
	var finding model.Finding
	if err := json.Unmarshal(body, &finding); err != nil {
		slog.Error("failed to unmarshal cached finding.", slog.String("key", key),
			slog.String("err", err.Error()))
		return nil, false
	}

	return &finding, true
}

func (rc *RedisClient) SaveFinding(key string, finding *model.Finding, force bool) {
	ttl := rc.cfg.TtlForFinding
	if force {
		ttl = time.Minute
	}

	body, err := json.Marshal(finding)
	if err != nil {
		slog.Error("failed to marshal finding.", slog.String("err", err.Error()))
		return
	}
	hashedKey := internal.HashKey(key)
	if err := rc.client.Set(context.Background(), hashedKey, body, ttl).Err(); err != nil {
		slog.Error("failed to save finding to cache.", slog.String("key", hashedKey),
			slog.String("err", err.Error()))
		return
	}
	slog.Debug("finding saved to cache.", slog.String("key", hashedKey))
}

func (rc *RedisClient) Close() {
	slog.Info("closing redis connection.")
	if err := rc.client.Close(); err != nil {
		slog.Error("failed to close redis connection.", slog.String("err", err.Error()))
	}
}
