package lookup

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/IliaW/enrich-worker/config"
	"github.com/IliaW/enrich-worker/internal/cache"
	"github.com/IliaW/enrich-worker/internal/model"
	"github.com/IliaW/enrich-worker/internal/policy"
	"golang.org/x/sync/semaphore"
)

// ErrLookupPaused marks outcomes rejected because the circuit breaker was
// open when the request reached the front of the queue.
var ErrLookupPaused = errors.New("lookups paused: circuit breaker is open")

// Source is one information source the coordinator can query. The subject
// is the organisation name and the qualifier narrows it down (usually a
// province or country). Implementations run their own politeness checks
// before touching the network.
type Source interface {
	Lookup(ctx context.Context, subject, qualifier string) (*model.Finding, error)
}

// Coordinator runs batches of lookup requests with bounded concurrency,
// wiring every request through the cache, the circuit breaker and the
// retry loop. A single Coordinator must not run two batches at once;
// the breaker and cache may be shared between coordinators.
type Coordinator struct {
	source  Source
	cache   cache.CachedClient
	breaker *CircuitBreaker
	cfg     *config.LookupConfig
	sem     *semaphore.Weighted
	metrics *Metrics
}

func NewCoordinator(src Source, cachedClient cache.CachedClient, breaker *CircuitBreaker,
	cfg *config.LookupConfig) *Coordinator {
	return &Coordinator{
		source:  src,
		cache:   cachedClient,
		breaker: breaker,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		metrics: NewMetrics(),
	}
}

// Run blocks until every request has resolved to an outcome and returns the
// outcomes sorted by position, one per request. The batch itself never
// fails: cancellation and lookup errors surface inside the outcomes.
func (c *Coordinator) Run(ctx context.Context, requests []model.LookupRequest) []model.LookupOutcome {
	c.metrics = NewMetrics()
	outcomes := make([]model.LookupOutcome, len(requests))
	wg := &sync.WaitGroup{}
	for i, req := range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = c.lookup(ctx, req)
		}()
	}
	wg.Wait()
	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].Request.Position < outcomes[j].Request.Position
	})

	return outcomes
}

// Metrics returns the counters of the most recent batch.
func (c *Coordinator) Metrics() *Metrics {
	return c.metrics
}

func (c *Coordinator) lookup(ctx context.Context, req model.LookupRequest) model.LookupOutcome {
	submittedAt := time.Now()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return model.LookupOutcome{Request: req, Status: model.LookupCanceled, Err: ctx.Err()}
	}
	defer c.sem.Release(1)

	outcome := model.LookupOutcome{Request: req, QueueWait: time.Since(submittedAt)}
	c.metrics.AddQueueWait(outcome.QueueWait)

	select {
	case <-ctx.Done():
		outcome.Status = model.LookupCanceled
		outcome.Err = ctx.Err()
		return outcome
	default:
	}

	if !req.Task.Force {
		if finding, ok := c.cache.GetFinding(req.Key); ok {
			slog.Debug("lookup served from cache.", slog.String("key", req.Key))
			c.metrics.AddCacheHit()
			outcome.Status = model.LookupCacheHit
			outcome.Finding = finding
			return outcome
		}
	}
	c.metrics.AddCacheMiss()

	if !c.breaker.Allow() {
		slog.Warn("lookup rejected. circuit breaker is open.", slog.String("key", req.Key))
		c.metrics.AddCircuitRejection()
		outcome.Status = model.LookupRejected
		outcome.Err = ErrLookupPaused
		return outcome
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries+1; attempt++ {
		finding, err := c.source.Lookup(ctx, req.Task.Name, req.Task.Province)
		outcome.Attempts++
		if err == nil {
			c.breaker.RecordSuccess()
			c.cache.SaveFinding(req.Key, finding, req.Task.Force)
			outcome.Status = model.LookupSucceeded
			outcome.Finding = finding
			return outcome
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			outcome.Status = model.LookupCanceled
			outcome.Err = err
			return outcome
		}
		c.metrics.AddFailure()
		if errors.Is(err, policy.ErrFetchNotAllowed) || model.IsPermanent(err) {
			slog.Warn("lookup stopped. error is not retryable.", slog.String("key", req.Key),
				slog.String("err", err.Error()))
			break
		}
		c.breaker.RecordFailure()
		if attempt == c.cfg.MaxRetries+1 {
			break
		}
		delay := backoffDelay(c.cfg.RetryDelay, c.cfg.BackoffFactor, c.cfg.MaxRetryDelay, attempt)
		slog.Warn("lookup failed. retrying...", slog.String("key", req.Key),
			slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.String("err", err.Error()))
		select {
		case <-ctx.Done():
			outcome.Status = model.LookupFailed
			outcome.Err = lastErr
			return outcome
		case <-time.After(delay):
		}
		c.metrics.AddRetry()
		outcome.Retries++
	}
	outcome.Status = model.LookupFailed
	outcome.Err = lastErr

	return outcome
}

// backoffDelay grows exponentially with the attempt number and is capped at
// max. Attempt numbering starts at 1, so the first retry waits for base.
func backoffDelay(base time.Duration, factor float64, max time.Duration, attempt int) time.Duration {
	delay := time.Duration(float64(base) * math.Pow(factor, float64(attempt-1)))
	if delay <= 0 || delay > max {
		return max
	}

	return delay
}
