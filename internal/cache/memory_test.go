package cache

import (
	"testing"
	"time"

	"github.com/IliaW/enrich-worker/config"
	"github.com/IliaW/enrich-worker/internal/model"
	"github.com/stretchr/testify/require"
)

func testCacheConfig(ttl time.Duration) *config.CacheConfig {
	return &config.CacheConfig{
		Backend:         "memory",
		TtlForFinding:   ttl,
		CleanupInterval: time.Minute,
	}
}

func TestInMemoryClient_SaveAndGet(t *testing.T) {
	c := NewInMemoryClient(testCacheConfig(time.Minute))
	defer c.Close()

	_, ok := c.GetFinding("acme corp|ontario")
	require.False(t, ok)

	finding := &model.Finding{Subject: "acme corp", SourceName: "registry"}
	c.SaveFinding("acme corp|ontario", finding, false)

	got, ok := c.GetFinding("acme corp|ontario")
	require.True(t, ok)
	require.Equal(t, finding, got)
}

func TestInMemoryClient_ExpiresAfterTtl(t *testing.T) {
	c := NewInMemoryClient(testCacheConfig(30 * time.Millisecond))
	defer c.Close()

	c.SaveFinding("acme corp|ontario", &model.Finding{Subject: "acme corp"}, false)
	_, ok := c.GetFinding("acme corp|ontario")
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = c.GetFinding("acme corp|ontario")
	require.False(t, ok)
}
