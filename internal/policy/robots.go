package policy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

// robotsCache fetches and caches parsed robots.txt rules per host. A host
// is fetched at most once per TTL even under concurrent callers: lookups
// for the same host are collapsed into a single in-flight fetch, and a
// failed fetch is cached as "no rules" until the entry expires. Per RFC
// 9309 a missing or unreachable robots.txt imposes no restrictions.
type robotsCache struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration

	mu      sync.RWMutex
	entries map[string]robotsEntry
	group   singleflight.Group
}

type robotsEntry struct {
	fetchedAt time.Time
	rules     *robotstxt.RobotsData
}

func newRobotsCache(userAgent string, ttl time.Duration, transport *http.Transport) *robotsCache {
	client := &http.Client{Timeout: 10 * time.Second}
	if transport != nil {
		client.Transport = transport
	}

	return &robotsCache{
		client:    client,
		userAgent: userAgent,
		ttl:       ttl,
		entries:   make(map[string]robotsEntry),
	}
}

// allowed reports whether the target URL is permitted for the configured
// user agent. Fetch failures allow the URL.
func (rc *robotsCache) allowed(ctx context.Context, target *url.URL) bool {
	host := strings.ToLower(target.Host)
	if host == "" {
		return false
	}

	rc.mu.RLock()
	entry, ok := rc.entries[host]
	rc.mu.RUnlock()
	if !ok || time.Since(entry.fetchedAt) >= rc.ttl {
		entry = rc.fetchOnce(ctx, host, target.Scheme)
	}
	if entry.rules == nil {
		return true
	}

	group := entry.rules.FindGroup(rc.userAgent)
	if group == nil {
		group = entry.rules.FindGroup("*")
		if group == nil {
			return true
		}
	}

	return group.Test(target.Path)
}

// fetchOnce collapses concurrent fetches for the same host into one
// request and caches the result, including failures.
func (rc *robotsCache) fetchOnce(ctx context.Context, host, scheme string) robotsEntry {
	result, _, _ := rc.group.Do(host, func() (any, error) {
		rc.mu.RLock()
		cached, ok := rc.entries[host]
		rc.mu.RUnlock()
		if ok && time.Since(cached.fetchedAt) < rc.ttl {
			return cached, nil
		}

		entry := robotsEntry{fetchedAt: time.Now()}
		rules, err := rc.fetch(ctx, host, scheme)
		if err != nil {
			slog.Warn("robots.txt fetch failed. allowing access.", slog.String("host", host),
				slog.String("err", err.Error()))
		} else {
			entry.rules = rules
		}

		rc.mu.Lock()
		rc.entries[host] = entry
		rc.mu.Unlock()

		return entry, nil
	})

	return result.(robotsEntry)
}

func (rc *robotsCache) fetch(ctx context.Context, host, scheme string) (*robotstxt.RobotsData, error) {
	if scheme == "" {
		scheme = "https"
	}
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if rc.userAgent != "" {
		req.Header.Set("User-Agent", rc.userAgent)
	}

	resp, err := rc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("robots.txt returned status %d", resp.StatusCode)
	}

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	return data, nil
}
