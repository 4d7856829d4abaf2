package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit/internal/crawler"
	"github.com/JakeFAU/siteaudit/internal/storage/memory"
)

type fakeQueue struct {
	mu    sync.Mutex
	items []crawler.QueueItem
}

func (q *fakeQueue) Enqueue(_ context.Context, item crawler.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type fakeExecutor struct {
	out Outcome
	err error
}

func (e fakeExecutor) Execute(context.Context, string, crawler.CrawlRequest) (Outcome, error) {
	return e.out, e.err
}

func startWorker(t *testing.T, exec Executor, jobIDs ...string) (*memory.JobStore, context.CancelFunc) {
	t.Helper()
	jobs := memory.NewJobStore(nil)
	queue := &fakeQueue{}
	for _, id := range jobIDs {
		require.NoError(t, jobs.CreateJob(context.Background(), crawler.Job{ID: id, Status: crawler.JobStatusQueued}))
		require.NoError(t, queue.Enqueue(context.Background(), crawler.QueueItem{JobID: id, Request: sampleRequest()}))
	}
	ctx, cancel := context.WithCancel(context.Background())
	go New(queue, jobs, exec, zap.NewNop()).Run(ctx)
	return jobs, cancel
}

func jobStatus(jobs *memory.JobStore, id string) crawler.JobStatus {
	job, err := jobs.GetJob(context.Background(), id)
	if err != nil {
		return ""
	}
	return job.Status
}

func TestWorkerRecordsSuccessfulRun(t *testing.T) {
	t.Parallel()

	exec := fakeExecutor{out: Outcome{RunID: "crawl:https://example.com:1", Result: sampleResult()}}
	jobs, cancel := startWorker(t, exec, "job-success")
	defer cancel()

	require.Eventually(t, func() bool {
		return jobStatus(jobs, "job-success") == crawler.JobStatusSucceeded
	}, time.Second, 10*time.Millisecond)

	job, err := jobs.GetJob(context.Background(), "job-success")
	require.NoError(t, err)
	require.Equal(t, "crawl:https://example.com:1", job.RunID)
	require.Equal(t, crawler.JobCounters{PagesSucceeded: 2, PagesFailed: 1, Retries: 2}, job.Counters)
	require.NotNil(t, job.Started)
	require.NotNil(t, job.Finished)
	require.Empty(t, job.ErrorText)
}

func TestWorkerMarksFailedJobs(t *testing.T) {
	t.Parallel()

	jobs, cancel := startWorker(t, fakeExecutor{err: errors.New("store run: redis unavailable")}, "job-fail")
	defer cancel()

	require.Eventually(t, func() bool {
		return jobStatus(jobs, "job-fail") == crawler.JobStatusFailed
	}, time.Second, 10*time.Millisecond)
	job, err := jobs.GetJob(context.Background(), "job-fail")
	require.NoError(t, err)
	require.Contains(t, job.ErrorText, "redis unavailable")
}

func TestWorkerRecordsDeduplicatedRun(t *testing.T) {
	t.Parallel()

	exec := fakeExecutor{out: Outcome{RunID: "crawl:https://example.com:1", Deduplicated: true}}
	jobs, cancel := startWorker(t, exec, "job-dedup")
	defer cancel()

	require.Eventually(t, func() bool {
		return jobStatus(jobs, "job-dedup") == crawler.JobStatusSucceeded
	}, time.Second, 10*time.Millisecond)
	job, err := jobs.GetJob(context.Background(), "job-dedup")
	require.NoError(t, err)
	require.True(t, job.Deduplicated)
}

func TestWorkerWithoutExecutorFailsJob(t *testing.T) {
	t.Parallel()

	jobs, cancel := startWorker(t, nil, "job-misconfigured")
	defer cancel()

	require.Eventually(t, func() bool {
		return jobStatus(jobs, "job-misconfigured") == crawler.JobStatusFailed
	}, time.Second, 10*time.Millisecond)
}

func TestDeriveFinalUpdateZeroPages(t *testing.T) {
	t.Parallel()

	update := deriveFinalUpdate(Outcome{Result: crawler.RunResult{Failed: []string{"x"}}}, nil)
	require.Equal(t, crawler.JobStatusSucceeded, update.Status)
	require.Equal(t, "no pages were fetched", update.ErrorText)
	require.Equal(t, 1, update.Counters.PagesFailed)
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	go func() {
		New(closedQueue{}, memory.NewJobStore(nil), nil, nil).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on closed queue")
	}
}

type closedQueue struct{}

func (closedQueue) Enqueue(context.Context, crawler.QueueItem) error { return crawler.ErrQueueClosed }

func (closedQueue) Dequeue(context.Context) (crawler.QueueItem, error) {
	return crawler.QueueItem{}, crawler.ErrQueueClosed
}
