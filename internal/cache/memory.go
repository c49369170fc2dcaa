package cache

import (
	"log/slog"
	"time"

	"github.com/IliaW/enrich-worker/config"
	"github.com/IliaW/enrich-worker/internal/model"
	gocache "github.com/patrickmn/go-cache"
)

// InMemoryClient keeps findings in process memory. Used for local runs and
// tests where no shared cache is available.
type InMemoryClient struct {
	client *gocache.Cache
	cfg    *config.CacheConfig
}

func NewInMemoryClient(cacheConfig *config.CacheConfig) *InMemoryClient {
	return &InMemoryClient{
		client: gocache.New(cacheConfig.TtlForFinding, cacheConfig.CleanupInterval),
		cfg:    cacheConfig,
	}
}

func (c *InMemoryClient) GetFinding(key string) (*model.Finding, bool) {
	value, ok := c.client.Get(key)
	if !ok {
		return nil, false
	}
	finding, ok := value.(*model.Finding)
	if !ok {
		return nil, false
	}

	return finding, true
}

func (c *InMemoryClient) SaveFinding(key string, finding *model.Finding, force bool) {
	if force {
		c.client.Set(key, finding, time.Minute)
		return
	}
	c.client.Set(key, finding, gocache.DefaultExpiration)
}

func (c *InMemoryClient) Close() {
	slog.Debug("in-memory cache closed.")
}
