package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/IliaW/enrich-worker/config"
	"github.com/IliaW/enrich-worker/internal/aws_s3"
	"github.com/IliaW/enrich-worker/internal/broker"
	"github.com/IliaW/enrich-worker/internal/lookup"
	"github.com/IliaW/enrich-worker/internal/model"
	"github.com/IliaW/enrich-worker/internal/persistence"
	"github.com/IliaW/enrich-worker/internal/telemetry"
)

// BatchRunner runs one batch of lookup requests to completion. Implemented
// by lookup.Coordinator; a worker owns its runner exclusively, so the
// runner's per-batch metrics are safe to read after Run returns.
type BatchRunner interface {
	Run(ctx context.Context, requests []model.LookupRequest) []model.LookupOutcome
	Metrics() *lookup.Metrics
}

type EnrichWorker struct {
	TaskChan    <-chan []byte
	RecordChan  chan<- *model.EnrichedRecord
	Coordinator BatchRunner
	Cfg         *config.Config
	Db          persistence.FindingStorage
	S3          aws_s3.BucketClient
	Wg          *sync.WaitGroup
	KafkaDLQ    broker.DeadLetterQueue
	Metrics     *telemetry.LookupMetrics
}

// Run drains the task channel into batches and resolves each batch through
// the coordinator. It returns when the task channel is closed and empty.
func (w *EnrichWorker) Run(ctx context.Context) {
	defer w.Wg.Done()
	slog.Debug("starting enrich worker.")

	for {
		tasks, ok := w.nextBatch()
		if len(tasks) > 0 {
			w.processBatch(ctx, tasks)
		}
		if !ok {
			slog.Debug("enrich worker stopped.")
			return
		}
	}
}

// nextBatch blocks for the first task, then collects more until the batch
// is full or the batch timeout fires. The second return value is false once
// the task channel is closed.
func (w *EnrichWorker) nextBatch() ([]model.EnrichTask, bool) {
	batchSize := w.Cfg.WorkerSettings.BatchSize
	batch := make([]model.EnrichTask, 0, batchSize)

	value, ok := <-w.TaskChan
	if !ok {
		return batch, false
	}
	if task, decoded := w.decodeTask(value); decoded {
		batch = append(batch, task)
	}

	timer := time.NewTimer(w.Cfg.WorkerSettings.BatchTimeout)
	defer timer.Stop()
	for len(batch) < batchSize {
		select {
		case value, ok := <-w.TaskChan:
			if !ok {
				return batch, false
			}
			if task, decoded := w.decodeTask(value); decoded {
				batch = append(batch, task)
			}
		case <-timer.C:
			return batch, true
		}
	}

	return batch, true
}

func (w *EnrichWorker) decodeTask(value []byte) (model.EnrichTask, bool) {
	var task model.EnrichTask
	if err := json.Unmarshal(value, &task); err != nil {
		slog.Error("failed to unmarshal message.", slog.String("err", err.Error()))
		w.KafkaDLQ.SendTaskToDLQ(string(value), err)
		w.Metrics.FailedEnrichedCnt(1)
		return task, false
	}
	if strings.TrimSpace(task.Name) == "" {
		err := errors.New("task has no organization name")
		slog.Error("dropping invalid task.", slog.String("err", err.Error()))
		w.KafkaDLQ.SendTaskToDLQ(string(value), err)
		w.Metrics.FailedEnrichedCnt(1)
		return task, false
	}

	return task, true
}

func (w *EnrichWorker) processBatch(ctx context.Context, tasks []model.EnrichTask) {
	startTime := time.Now()
	requests := make([]model.LookupRequest, len(tasks))
	for i, task := range tasks {
		requests[i] = model.LookupRequest{
			Key:      cacheKey(task),
			Task:     task,
			Position: i,
		}
	}

	outcomes := w.Coordinator.Run(ctx, requests)
	summary := w.Coordinator.Metrics().Summarize()
	slog.Info("lookup batch completed.",
		slog.Int("size", len(tasks)),
		slog.Int64("cache_hits", summary.CacheHits),
		slog.Int64("retries", summary.Retries),
		slog.Int64("failures", summary.Failures),
		slog.Int64("circuit_rejections", summary.CircuitRejections),
		slog.Duration("avg_queue_wait", summary.AvgQueueWait),
		slog.Duration("p95_queue_wait", summary.P95QueueWait),
		slog.Duration("max_queue_wait", summary.MaxQueueWait))
	w.Metrics.CacheHitCnt(summary.CacheHits)
	w.Metrics.CacheMissCnt(summary.CacheMisses)
	w.Metrics.RetryCnt(summary.Retries)
	w.Metrics.CircuitRejectedCnt(summary.CircuitRejections)

	// Outcomes are sorted by position, so outcome i belongs to tasks[i].
	for i, outcome := range outcomes {
		task := tasks[i]
		record := &model.EnrichedRecord{
			OrgID:               task.OrgID,
			Name:                task.Name,
			Province:            task.Province,
			Finding:             outcome.Finding,
			FromCache:           outcome.Status == model.LookupCacheHit,
			Retries:             outcome.Retries,
			TimeToEnrich:        time.Since(startTime).Milliseconds(),
			EnrichWorkerVersion: w.Cfg.Version,
		}

		switch outcome.Status {
		case model.LookupSucceeded, model.LookupCacheHit:
			record.Status = "enriched"
			w.saveRecord(record, task)
		case model.LookupFailed:
			if errors.Is(outcome.Err, model.ErrNoFinding) {
				record.Status = "no-finding"
				w.saveRecord(record, task)
				continue
			}
			slog.Error("lookup failed.", slog.String("name", task.Name),
				slog.String("err", outcome.Err.Error()))
			w.sendToDLQ(task, outcome.Err)
		case model.LookupRejected, model.LookupCanceled:
			w.sendToDLQ(task, outcome.Err)
		}
	}
}

func (w *EnrichWorker) saveRecord(record *model.EnrichedRecord, task model.EnrichTask) {
	slog.Debug("saving enriched record.",
		slog.String("name", record.Name),
		slog.String("province", record.Province),
		slog.String("status", record.Status),
		slog.Bool("from_cache", record.FromCache),
		slog.Int("retries", record.Retries),
		slog.Int64("time_to_enrich", record.TimeToEnrich))

	if record.Finding != nil {
		if _, err := w.S3.WriteRecord(record); err != nil { // Save the full record to S3
			slog.Error("failed to save enriched record to S3.", slog.String("name", record.Name))
			w.sendToDLQ(task, err)
			return
		}
	}
	if !task.Force {
		w.Db.Save(record) // Save metadata to database
	}
	w.RecordChan <- record // Send the record to kafka
	w.Metrics.SuccessfullyEnrichedCnt(1)
}

func (w *EnrichWorker) sendToDLQ(task model.EnrichTask, reason error) {
	body, err := json.Marshal(task)
	if err != nil {
		slog.Error("failed to marshal task for dlq.", slog.String("err", err.Error()))
		body = []byte(task.Name)
	}
	w.KafkaDLQ.SendTaskToDLQ(string(body), reason)
	w.Metrics.FailedEnrichedCnt(1)
}

// cacheKey folds case and trims whitespace so that two tasks naming the
// same organization in the same province share one cache entry.
func cacheKey(task model.EnrichTask) string {
	name := strings.ToLower(strings.TrimSpace(task.Name))
	province := strings.ToLower(strings.TrimSpace(task.Province))

	return name + "|" + province
}
