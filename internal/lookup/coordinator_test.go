package lookup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IliaW/enrich-worker/config"
	"github.com/IliaW/enrich-worker/internal/model"
	"github.com/IliaW/enrich-worker/internal/policy"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	fn    func(call int, subject string) (*model.Finding, error)
}

func (s *fakeSource) Lookup(ctx context.Context, subject, qualifier string) (*model.Finding, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fn != nil {
		return s.fn(call, subject)
	}

	return &model.Finding{Subject: subject, SourceName: "fake"}, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*model.Finding
	saves   int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]*model.Finding)}
}

func (c *fakeCache) GetFinding(key string) (*model.Finding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	finding, ok := c.entries[key]

	return finding, ok
}

func (c *fakeCache) SaveFinding(key string, finding *model.Finding, force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = finding
	c.saves++
}

func (c *fakeCache) Close() {}

func testLookupConfig(concurrency, maxRetries int) *config.LookupConfig {
	return &config.LookupConfig{
		Concurrency:   concurrency,
		MaxRetries:    maxRetries,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 20 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func makeRequests(n int) []model.LookupRequest {
	requests := make([]model.LookupRequest, n)
	for i := range requests {
		requests[i] = model.LookupRequest{
			Key:      "org-" + string(rune('a'+i)) + "|ontario",
			Task:     model.EnrichTask{Name: "org-" + string(rune('a'+i)), Province: "ontario"},
			Position: i,
		}
	}

	return requests
}

func TestRun_ReturnsOutcomesInPositionOrder(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fn: func(call int, subject string) (*model.Finding, error) {
		// Uneven completion times so finish order differs from submit order.
		time.Sleep(time.Duration(call%4) * 5 * time.Millisecond)
		return &model.Finding{Subject: subject}, nil
	}}
	c := NewCoordinator(src, newFakeCache(), NewCircuitBreaker(5, time.Minute), testLookupConfig(4, 0))

	requests := makeRequests(12)
	outcomes := c.Run(context.Background(), requests)

	require.Len(t, outcomes, len(requests))
	for i, outcome := range outcomes {
		require.Equal(t, i, outcome.Request.Position)
		require.Equal(t, model.LookupSucceeded, outcome.Status)
	}
}

func TestRun_CacheHitShortCircuits(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	cached := newFakeCache()
	cachedFinding := &model.Finding{Subject: "acme corp", SourceName: "registry"}
	cached.entries["acme corp|ontario"] = cachedFinding

	c := NewCoordinator(src, cached, NewCircuitBreaker(5, time.Minute), testLookupConfig(2, 2))
	outcomes := c.Run(context.Background(), []model.LookupRequest{{
		Key:  "acme corp|ontario",
		Task: model.EnrichTask{Name: "acme corp", Province: "ontario"},
	}})

	require.Equal(t, model.LookupCacheHit, outcomes[0].Status)
	require.Equal(t, cachedFinding, outcomes[0].Finding)
	require.Zero(t, src.callCount(), "cache hit must not call the source")
	require.EqualValues(t, 1, c.Metrics().Summarize().CacheHits)
}

func TestRun_ForceBypassesCache(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	cached := newFakeCache()
	cached.entries["acme corp|ontario"] = &model.Finding{Subject: "stale"}

	c := NewCoordinator(src, cached, NewCircuitBreaker(5, time.Minute), testLookupConfig(2, 0))
	outcomes := c.Run(context.Background(), []model.LookupRequest{{
		Key:  "acme corp|ontario",
		Task: model.EnrichTask{Name: "acme corp", Province: "ontario", Force: true},
	}})

	require.Equal(t, model.LookupSucceeded, outcomes[0].Status)
	require.Equal(t, 1, src.callCount())
}

func TestRun_ParallelDispatch(t *testing.T) {
	t.Parallel()
	src := &fakeSource{delay: 50 * time.Millisecond}
	c := NewCoordinator(src, newFakeCache(), NewCircuitBreaker(5, time.Minute), testLookupConfig(4, 0))

	start := time.Now()
	outcomes := c.Run(context.Background(), makeRequests(8))
	elapsed := time.Since(start)

	require.Len(t, outcomes, 8)
	require.GreaterOrEqual(t, elapsed, 90*time.Millisecond,
		"8 lookups at concurrency 4 need at least two rounds")
	require.Less(t, elapsed, 250*time.Millisecond,
		"8 lookups at concurrency 4 must not run serially")
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fn: func(call int, subject string) (*model.Finding, error) {
		if call <= 2 {
			return nil, errors.New("connection reset")
		}
		return &model.Finding{Subject: subject}, nil
	}}
	c := NewCoordinator(src, newFakeCache(), NewCircuitBreaker(5, time.Minute), testLookupConfig(1, 2))

	outcomes := c.Run(context.Background(), makeRequests(1))

	require.Equal(t, model.LookupSucceeded, outcomes[0].Status)
	require.Equal(t, 2, outcomes[0].Retries)
	require.Equal(t, 3, outcomes[0].Attempts)
	require.EqualValues(t, 2, c.Metrics().Retries())
	require.EqualValues(t, 0, c.Metrics().CircuitRejections())
}

func TestRun_ExhaustedRetriesIsNotFatal(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fn: func(call int, subject string) (*model.Finding, error) {
		return nil, errors.New("connection reset")
	}}
	c := NewCoordinator(src, newFakeCache(), NewCircuitBreaker(10, time.Minute), testLookupConfig(2, 1))

	outcomes := c.Run(context.Background(), makeRequests(2))

	require.Len(t, outcomes, 2)
	for _, outcome := range outcomes {
		require.Equal(t, model.LookupFailed, outcome.Status)
		require.EqualError(t, outcome.Err, "connection reset")
		require.Equal(t, 2, outcome.Attempts)
	}
}

func TestRun_CircuitOpensAfterThreshold(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fn: func(call int, subject string) (*model.Finding, error) {
		return nil, errors.New("host down")
	}}
	c := NewCoordinator(src, newFakeCache(), NewCircuitBreaker(2, time.Minute), testLookupConfig(1, 0))

	outcomes := c.Run(context.Background(), makeRequests(4))

	require.Equal(t, 2, src.callCount(), "source calls must stop at the failure threshold")
	var rejected int
	for _, outcome := range outcomes {
		if outcome.Status == model.LookupRejected {
			rejected++
			require.ErrorIs(t, outcome.Err, ErrLookupPaused)
			require.Zero(t, outcome.Attempts)
		}
	}
	require.Equal(t, 2, rejected)
	require.EqualValues(t, 2, c.Metrics().CircuitRejections())
}

func TestRun_PermanentErrorNotRetried(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fn: func(call int, subject string) (*model.Finding, error) {
		return nil, model.Permanent(errors.New("404 not found"))
	}}
	c := NewCoordinator(src, newFakeCache(), NewCircuitBreaker(5, time.Minute), testLookupConfig(1, 3))

	outcomes := c.Run(context.Background(), makeRequests(1))

	require.Equal(t, model.LookupFailed, outcomes[0].Status)
	require.Equal(t, 1, src.callCount())
	require.Zero(t, outcomes[0].Retries)
}

func TestRun_PolicyDenialSkipsBreakerAndRetry(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fn: func(call int, subject string) (*model.Finding, error) {
		return nil, policy.ErrFetchNotAllowed
	}}
	// Threshold 1: a single breaker failure would reject everything after
	// the first request.
	c := NewCoordinator(src, newFakeCache(), NewCircuitBreaker(1, time.Minute), testLookupConfig(1, 3))

	outcomes := c.Run(context.Background(), makeRequests(2))

	require.Equal(t, 2, src.callCount(), "policy denials must not open the breaker")
	for _, outcome := range outcomes {
		require.Equal(t, model.LookupFailed, outcome.Status)
		require.ErrorIs(t, outcome.Err, policy.ErrFetchNotAllowed)
		require.Equal(t, 1, outcome.Attempts)
	}
}

func TestRun_SuccessIsCached(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	cached := newFakeCache()
	c := NewCoordinator(src, cached, NewCircuitBreaker(5, time.Minute), testLookupConfig(1, 0))

	c.Run(context.Background(), makeRequests(1))
	outcomes := c.Run(context.Background(), makeRequests(1))

	require.Equal(t, 1, src.callCount(), "second run should be served from cache")
	require.Equal(t, model.LookupCacheHit, outcomes[0].Status)
	require.Equal(t, 1, cached.saves)
}

func TestRun_CancellationReturnsCanceledOutcomes(t *testing.T) {
	t.Parallel()
	src := &fakeSource{delay: 80 * time.Millisecond}
	c := NewCoordinator(src, newFakeCache(), NewCircuitBreaker(5, time.Minute), testLookupConfig(1, 0))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	outcomes := c.Run(ctx, makeRequests(3))

	require.Len(t, outcomes, 3, "every request must resolve to an outcome")
	var canceled int
	for i, outcome := range outcomes {
		require.Equal(t, i, outcome.Request.Position)
		if outcome.Status == model.LookupCanceled {
			canceled++
			require.ErrorIs(t, outcome.Err, context.Canceled)
		}
	}
	require.GreaterOrEqual(t, canceled, 1, "queued requests should cancel instead of waiting")
}
