package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IliaW/enrich-worker/config"
	"github.com/IliaW/enrich-worker/internal/lookup"
	"github.com/IliaW/enrich-worker/internal/model"
	"github.com/IliaW/enrich-worker/internal/telemetry"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu      sync.Mutex
	batches [][]model.LookupRequest
	fn      func(req model.LookupRequest) model.LookupOutcome
}

func (r *fakeRunner) Run(ctx context.Context, requests []model.LookupRequest) []model.LookupOutcome {
	r.mu.Lock()
	r.batches = append(r.batches, requests)
	r.mu.Unlock()

	outcomes := make([]model.LookupOutcome, len(requests))
	for i, req := range requests {
		if r.fn != nil {
			outcomes[i] = r.fn(req)
		} else {
			outcomes[i] = model.LookupOutcome{
				Request: req,
				Status:  model.LookupSucceeded,
				Finding: &model.Finding{Subject: req.Task.Name, SourceName: "fake"},
			}
		}
	}

	return outcomes
}

func (r *fakeRunner) Metrics() *lookup.Metrics {
	return lookup.NewMetrics()
}

func (r *fakeRunner) batchSizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sizes := make([]int, len(r.batches))
	for i, b := range r.batches {
		sizes[i] = len(b)
	}

	return sizes
}

type fakeStorage struct {
	mu      sync.Mutex
	records []*model.EnrichedRecord
}

func (s *fakeStorage) Save(record *model.EnrichedRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
}

type fakeBucket struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (b *fakeBucket) WriteRecord(record *model.EnrichedRecord) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	key := "enrichment/" + record.Province + "/" + record.Name
	b.keys = append(b.keys, key)

	return key, nil
}

type fakeDLQ struct {
	mu      sync.Mutex
	tasks   []string
	reasons []error
}

func (d *fakeDLQ) SendTaskToDLQ(task string, reason error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	d.reasons = append(d.reasons, reason)
}

func (d *fakeDLQ) Close() {}

func (d *fakeDLQ) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.tasks)
}

func testWorkerConfig(batchSize int) *config.Config {
	return &config.Config{
		Version: "test",
		WorkerSettings: &config.WorkerConfig{
			WorkersNum:   1,
			BatchSize:    batchSize,
			BatchTimeout: 20 * time.Millisecond,
		},
	}
}

func startWorker(t *testing.T, runner *fakeRunner, batchSize,
	chanCapacity int) (chan []byte, chan *model.EnrichedRecord, *fakeStorage, *fakeBucket, *fakeDLQ, *sync.WaitGroup) {
	t.Helper()
	taskChan := make(chan []byte, chanCapacity)
	recordChan := make(chan *model.EnrichedRecord, chanCapacity)
	storage := &fakeStorage{}
	bucket := &fakeBucket{}
	dlq := &fakeDLQ{}
	wg := &sync.WaitGroup{}

	w := &EnrichWorker{
		TaskChan:    taskChan,
		RecordChan:  recordChan,
		Coordinator: runner,
		Cfg:         testWorkerConfig(batchSize),
		Db:          storage,
		S3:          bucket,
		Wg:          wg,
		KafkaDLQ:    dlq,
		Metrics:     noopLookupMetrics(),
	}
	wg.Add(1)
	go w.Run(context.Background())

	return taskChan, recordChan, storage, bucket, dlq, wg
}

func noopLookupMetrics() *telemetry.LookupMetrics {
	noop := func(count int64) {}
	return &telemetry.LookupMetrics{
		SuccessfullyEnrichedCnt: noop,
		FailedEnrichedCnt:       noop,
		CacheHitCnt:             noop,
		CacheMissCnt:            noop,
		RetryCnt:                noop,
		CircuitRejectedCnt:      noop,
		PolicyDeniedCnt:         noop,
		WebArchiveCnt:           noop,
	}
}

func mustMarshal(t *testing.T, task model.EnrichTask) []byte {
	t.Helper()
	body, err := json.Marshal(task)
	require.NoError(t, err)

	return body
}

func TestEnrichWorker_ZipsOutcomesBackToTasks(t *testing.T) {
	runner := &fakeRunner{}
	taskChan, recordChan, storage, bucket, _, wg := startWorker(t, runner, 4, 8)

	tasks := []model.EnrichTask{
		{OrgID: "1", Name: "Acme Corp", Province: "Ontario"},
		{OrgID: "2", Name: "Globex", Province: "Quebec"},
		{OrgID: "3", Name: "Initech", Province: "Ontario"},
	}
	for _, task := range tasks {
		taskChan <- mustMarshal(t, task)
	}
	close(taskChan)
	wg.Wait()
	close(recordChan)

	var records []*model.EnrichedRecord
	for record := range recordChan {
		records = append(records, record)
	}
	require.Len(t, records, 3)
	for i, record := range records {
		require.Equal(t, tasks[i].OrgID, record.OrgID, "records must come back in task order")
		require.Equal(t, tasks[i].Name, record.Name)
		require.Equal(t, "enriched", record.Status)
		require.Equal(t, "test", record.EnrichWorkerVersion)
		require.NotNil(t, record.Finding)
	}
	require.Len(t, storage.records, 3)
	require.Len(t, bucket.keys, 3)
}

func TestEnrichWorker_CacheKeyIsCaseFolded(t *testing.T) {
	runner := &fakeRunner{}
	taskChan, recordChan, _, _, _, wg := startWorker(t, runner, 2, 4)

	taskChan <- mustMarshal(t, model.EnrichTask{OrgID: "1", Name: "  Acme Corp ", Province: "ONTARIO"})
	close(taskChan)
	wg.Wait()
	close(recordChan)

	require.Len(t, runner.batches, 1)
	require.Equal(t, "acme corp|ontario", runner.batches[0][0].Key)
}

func TestEnrichWorker_RoutesFailuresToDLQ(t *testing.T) {
	transient := errors.New("host down")
	runner := &fakeRunner{fn: func(req model.LookupRequest) model.LookupOutcome {
		switch req.Task.OrgID {
		case "2":
			return model.LookupOutcome{Request: req, Status: model.LookupFailed, Err: transient}
		case "3":
			return model.LookupOutcome{Request: req, Status: model.LookupRejected, Err: lookup.ErrLookupPaused}
		default:
			return model.LookupOutcome{Request: req, Status: model.LookupSucceeded,
				Finding: &model.Finding{Subject: req.Task.Name}}
		}
	}}
	taskChan, recordChan, _, _, dlq, wg := startWorker(t, runner, 4, 8)

	for _, task := range []model.EnrichTask{
		{OrgID: "1", Name: "Acme Corp", Province: "Ontario"},
		{OrgID: "2", Name: "Globex", Province: "Quebec"},
		{OrgID: "3", Name: "Initech", Province: "Ontario"},
	} {
		taskChan <- mustMarshal(t, task)
	}
	close(taskChan)
	wg.Wait()
	close(recordChan)

	var records []*model.EnrichedRecord
	for record := range recordChan {
		records = append(records, record)
	}
	require.Len(t, records, 1)
	require.Equal(t, "1", records[0].OrgID)
	require.Equal(t, 2, dlq.count())
	require.ErrorIs(t, dlq.reasons[1], lookup.ErrLookupPaused)
}

func TestEnrichWorker_NoFindingProducesDegradedRecord(t *testing.T) {
	runner := &fakeRunner{fn: func(req model.LookupRequest) model.LookupOutcome {
		return model.LookupOutcome{Request: req, Status: model.LookupFailed,
			Err: model.Permanent(model.ErrNoFinding)}
	}}
	taskChan, recordChan, storage, bucket, dlq, wg := startWorker(t, runner, 2, 4)

	taskChan <- mustMarshal(t, model.EnrichTask{OrgID: "1", Name: "Ghost Inc", Province: "Ontario"})
	close(taskChan)
	wg.Wait()
	close(recordChan)

	record := <-recordChan
	require.NotNil(t, record)
	require.Equal(t, "no-finding", record.Status)
	require.Nil(t, record.Finding)
	require.Zero(t, dlq.count(), "an empty result is not a processing failure")
	require.Len(t, storage.records, 1)
	require.Empty(t, bucket.keys, "nothing to archive without a finding")
}

func TestEnrichWorker_UndecodableTaskGoesToDLQ(t *testing.T) {
	runner := &fakeRunner{}
	taskChan, recordChan, _, _, dlq, wg := startWorker(t, runner, 2, 4)

	taskChan <- []byte("{not json")
	taskChan <- mustMarshal(t, model.EnrichTask{Name: ""}) // missing name
	close(taskChan)
	wg.Wait()
	close(recordChan)

	require.Equal(t, 2, dlq.count())
	require.Empty(t, runner.batches, "invalid tasks must never reach the coordinator")
}

func TestEnrichWorker_S3FailureGoesToDLQ(t *testing.T) {
	bucketErr := errors.New("bucket unavailable")
	taskChan := make(chan []byte, 4)
	recordChan := make(chan *model.EnrichedRecord, 4)
	dlq := &fakeDLQ{}
	wg := &sync.WaitGroup{}
	w := &EnrichWorker{
		TaskChan:    taskChan,
		RecordChan:  recordChan,
		Coordinator: &fakeRunner{},
		Cfg:         testWorkerConfig(2),
		Db:          &fakeStorage{},
		S3:          &fakeBucket{err: bucketErr},
		Wg:          wg,
		KafkaDLQ:    dlq,
		Metrics:     noopLookupMetrics(),
	}
	wg.Add(1)
	go w.Run(context.Background())

	taskChan <- mustMarshal(t, model.EnrichTask{OrgID: "1", Name: "Acme Corp", Province: "Ontario"})
	close(taskChan)
	wg.Wait()
	close(recordChan)

	require.Empty(t, recordChan)
	require.Equal(t, 1, dlq.count())
	require.ErrorIs(t, dlq.reasons[0], bucketErr)
}

func TestEnrichWorker_SplitsOversizedBatches(t *testing.T) {
	runner := &fakeRunner{}
	taskChan, recordChan, _, _, _, wg := startWorker(t, runner, 2, 8)

	for i := 0; i < 5; i++ {
		taskChan <- mustMarshal(t, model.EnrichTask{OrgID: "x", Name: "Org", Province: "Ontario"})
	}
	close(taskChan)
	wg.Wait()
	close(recordChan)

	require.Equal(t, []int{2, 2, 1}, runner.batchSizes())
}
