package policy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/IliaW/enrich-worker/config"
	"golang.org/x/time/rate"
)

// ErrFetchNotAllowed is returned when the crawl policy denies a URL.
// Callers must treat it as a hard stop for that URL, not as a retryable
// failure, and must not count it against the circuit breaker.
var ErrFetchNotAllowed = errors.New("fetch not allowed by crawl policy")

// hostState tracks pacing for one host. All fields are guarded by mu.
// The limiter is set once at creation and never replaced.
type hostState struct {
	mu                sync.Mutex
	lastRequestAt     time.Time
	consecutiveErrors int
	currentDelay      time.Duration
	limiter           *rate.Limiter
}

// Engine owns all politeness state: per-host request pacing, cached
// robots.txt rules, trap heuristics and the seen-URL set. One instance is
// shared by every component that performs outbound fetches, so per-host
// backoff learned by one lookup protects the host from all of them.
type Engine struct {
	cfg    *config.PolitenessConfig
	robots *robotsCache

	mu    sync.Mutex
	hosts map[string]*hostState

	seenMu sync.Mutex
	seen   map[string]struct{}

	allowedSchemes map[string]struct{}
	allowedHosts   map[string]struct{}
	blockedHosts   map[string]struct{}
}

func NewEngine(cfg *config.PolitenessConfig, userAgent string, transport *http.Transport) *Engine {
	e := &Engine{
		cfg:            cfg,
		robots:         newRobotsCache(userAgent, cfg.RobotsTtl, transport),
		hosts:          make(map[string]*hostState),
		seen:           make(map[string]struct{}),
		allowedSchemes: hostSet(cfg.AllowedSchemes),
		allowedHosts:   hostSet(cfg.AllowedHosts),
		blockedHosts:   hostSet(cfg.BlockedHosts),
	}
	if len(e.allowedSchemes) == 0 {
		e.allowedSchemes = hostSet([]string{"http", "https"})
	}

	return e
}

// CanFetch reports whether the URL may be fetched right now: the scheme
// must be allowed, the host must pass the allow/deny lists, the URL must
// not look like a trap, and the host's robots.txt must permit it.
func (e *Engine) CanFetch(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if _, ok := e.allowedSchemes[strings.ToLower(u.Scheme)]; !ok {
		return false
	}
	host := strings.ToLower(u.Host)
	if host == "" {
		return false
	}
	if _, ok := e.blockedHosts[host]; ok {
		return false
	}
	if len(e.allowedHosts) > 0 {
		if _, ok := e.allowedHosts[host]; !ok {
			return false
		}
	}
	if e.IsTrap(rawURL) {
		slog.Debug("url flagged as a crawler trap.", slog.String("url", rawURL))
		return false
	}
	if e.cfg.RespectRobots && !e.robots.allowed(ctx, u) {
		slog.Debug("url disallowed by robots.txt.", slog.String("url", rawURL))
		return false
	}

	return true
}

// WaitForRateLimit blocks until at least the host's current delay has
// passed since the previous request to it, then records the new request
// time. The first request to a host never blocks. Concurrent callers are
// spaced strictly: each one reserves its own slot before sleeping, and no
// lock is held while sleeping.
func (e *Engine) WaitForRateLimit(ctx context.Context, host string) error {
	hs := e.host(host)

	hs.mu.Lock()
	now := time.Now()
	next := now
	if !hs.lastRequestAt.IsZero() {
		next = hs.lastRequestAt.Add(hs.currentDelay)
		if next.Before(now) {
			next = now
		}
	}
	hs.lastRequestAt = next
	limiter := hs.limiter
	hs.mu.Unlock()

	if wait := time.Until(next); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	return nil
}

// RecordSuccess resets the host's backoff to the configured minimum.
func (e *Engine) RecordSuccess(host string) {
	hs := e.host(host)
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.consecutiveErrors = 0
	hs.currentDelay = e.cfg.MinDelay
}

// RecordError grows the host's delay exponentially up to the configured
// maximum.
func (e *Engine) RecordError(host string) {
	hs := e.host(host)
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.consecutiveErrors++
	delay := time.Duration(float64(hs.currentDelay) * e.cfg.BackoffFactor)
	if delay <= 0 || delay > e.cfg.MaxDelay {
		delay = e.cfg.MaxDelay
	}
	hs.currentDelay = delay
}

// MarkSeen canonicalizes the URL and records it in the seen set. It
// returns true when the canonical form was already present, i.e. the URL
// is a duplicate of an earlier fetch in this session.
func (e *Engine) MarkSeen(rawURL string) bool {
	canonical := Canonicalize(rawURL)
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	if _, ok := e.seen[canonical]; ok {
		return true
	}
	e.seen[canonical] = struct{}{}

	return false
}

func (e *Engine) host(host string) *hostState {
	key := strings.ToLower(host)
	e.mu.Lock()
	defer e.mu.Unlock()
	hs, ok := e.hosts[key]
	if !ok {
		hs = &hostState{currentDelay: e.cfg.MinDelay}
		if e.cfg.RateRequests > 0 && e.cfg.RateWindow > 0 {
			interval := e.cfg.RateWindow / time.Duration(e.cfg.RateRequests)
			hs.limiter = rate.NewLimiter(rate.Every(interval), e.cfg.RateRequests)
		}
		e.hosts[key] = hs
	}

	return hs
}

func hostSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}

	return set
}
