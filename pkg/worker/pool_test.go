package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-ai/engram/pkg/queue"
)

func makeJob(t *testing.T, jobType queue.JobType, payload interface{}) *queue.Job {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Job{
		ID:         "job-" + string(jobType),
		Type:       jobType,
		Priority:   queue.DefaultPriority,
		Payload:    data,
		EnqueuedAt: time.Now(),
	}
}

// fakeDequeuer hands out a fixed job list and cancels the pool context once
// the list is drained.
type fakeDequeuer struct {
	mu      sync.Mutex
	jobs    []*queue.Job
	acked   []*queue.Job
	retried []*queue.Job
	cancel  context.CancelFunc
}

func (d *fakeDequeuer) Dequeue(ctx context.Context, jobType queue.JobType, block time.Duration) (*queue.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.jobs) == 0 {
		if d.cancel != nil {
			d.cancel()
		}
		return nil, nil
	}
	job := d.jobs[0]
	d.jobs = d.jobs[1:]
	return job, nil
}

func (d *fakeDequeuer) Ack(ctx context.Context, job *queue.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = append(d.acked, job)
	return nil
}

func (d *fakeDequeuer) Retry(ctx context.Context, job *queue.Job, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retried = append(d.retried, job)
	return nil
}

func (d *fakeDequeuer) Backoff(attempt int) time.Duration { return 0 }

type countingHandler struct {
	jobType queue.JobType
	mu      sync.Mutex
	seen    int
	fail    bool
}

func (h *countingHandler) Type() queue.JobType { return h.jobType }

func (h *countingHandler) Handle(ctx context.Context, job *queue.Job) error {
	h.mu.Lock()
	h.seen++
	h.mu.Unlock()
	if h.fail {
		return assert.AnError
	}
	return nil
}

func TestPoolProcessesAndAcks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dq := &fakeDequeuer{cancel: cancel}
	for i := 0; i < 3; i++ {
		dq.jobs = append(dq.jobs, makeJob(t, queue.JobEmbedding, map[string]string{"memory_id": "m"}))
	}

	handler := &countingHandler{jobType: queue.JobEmbedding}
	pool := NewPool(dq, nil, nil)
	pool.Register(handler, 1, nil)
	pool.Run(ctx)

	assert.Equal(t, 3, handler.seen)
	assert.Len(t, dq.acked, 3)
	assert.Empty(t, dq.retried)
}

func TestPoolRetriesFailedJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dq := &fakeDequeuer{cancel: cancel}
	dq.jobs = append(dq.jobs, makeJob(t, queue.JobDecay, map[string]string{}))

	handler := &countingHandler{jobType: queue.JobDecay, fail: true}
	pool := NewPool(dq, nil, nil)
	pool.Register(handler, 1, nil)
	pool.Run(ctx)

	assert.Equal(t, 1, handler.seen)
	assert.Empty(t, dq.acked)
	require.Len(t, dq.retried, 1)
}

func TestPoolStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dq := &fakeDequeuer{}
	dq.jobs = append(dq.jobs, makeJob(t, queue.JobEmbedding, map[string]string{}))

	handler := &countingHandler{jobType: queue.JobEmbedding}
	pool := NewPool(dq, nil, nil)
	pool.Register(handler, 2, nil)

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}
	assert.Zero(t, handler.seen)
}
