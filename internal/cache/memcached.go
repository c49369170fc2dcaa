package cache

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/IliaW/enrich-worker/config"
	"github.com/IliaW/enrich-worker/internal"
	"github.com/IliaW/enrich-worker/internal/model"
	"github.com/bradfitz/gomemcache/memcache"
)

type MemcachedClient struct {
	client *memcache.Client
	cfg    *config.CacheConfig
}

func NewMemcachedClient(cacheConfig *config.CacheConfig) *MemcachedClient {
	slog.Info("connecting to memcached...")
	ss := new(memcache.ServerList)
	err := ss.SetServers(cacheConfig.Servers...)
	if err != nil {
		slog.Error("failed to set memcached servers.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c := &MemcachedClient{
		client: memcache.NewFromSelector(ss),
		cfg:    cacheConfig,
	}
	slog.Info("pinging the memcached.")
	err = c.client.Ping()
	if err != nil {
		slog.Error("connection to the memcached is failed.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	slog.Info("connected to memcached!")

	return c
}

func (mc *MemcachedClient) GetFinding(key string) (*model.Finding, bool) {
	item, err := mc.client.Get(internal.HashKey(key))
	if err != nil {
		if !errors.Is(err, memcache.ErrCacheMiss) {
			slog.Warn("failed to get finding from cache.", slog.String("key", key),
				slog.String("err", err.Error()))
		}
		return nil, false
	}
	var finding model.Finding
	if err := json.Unmarshal(item.Value, &finding); err != nil {
		slog.Error("failed to unmarshal cached finding.", slog.String("key", key),
			slog.String("err", err.Error()))
		return nil, false
	}

	return &finding, true
}

func (mc *MemcachedClient) SaveFinding(key string, finding *model.Finding, force bool) {
	ttl := mc.cfg.TtlForFinding
	if force {
		ttl = time.Minute
	}

	hashedKey := internal.HashKey(key)
	if err := mc.set(hashedKey, finding, int32(ttl.Seconds())); err != nil {
		slog.Error("failed to save finding to cache.", slog.String("key", hashedKey),
			slog.String("err", err.Error()))
		return
	}
	slog.Debug("finding saved to cache.", slog.String("key", hashedKey))
}

func (mc *MemcachedClient) Close() {
	slog.Info("closing memcached connection.")
	err := mc.client.Close()
	if err != nil {
		slog.Error("failed to close memcached connection.", slog.String("err", err.Error()))
	}
}

func (mc *MemcachedClient) set(key string, value any, expiration int32) error {
	byteValue, err := json.Marshal(value)
	if err != nil {
		return err
	}
	item := &memcache.Item{
		Key:        key,
		Value:      byteValue,
		Expiration: expiration,
	}

	return mc.client.Set(item)
}
