package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-ai/engram/pkg/lifecycle"
	"github.com/engram-ai/engram/pkg/queue"
)

type fakeDecayRunner struct {
	batches  []int
	contexts []string
	cleaned  int
}

func (f *fakeDecayRunner) ProcessBatch(ctx context.Context, userContext string, size int) (*lifecycle.BatchResult, error) {
	f.contexts = append(f.contexts, userContext)
	f.batches = append(f.batches, size)
	return &lifecycle.BatchResult{Processed: size, Transitioned: 2}, nil
}

func (f *fakeDecayRunner) CleanupExpiredMemories(ctx context.Context, batchSize int) (int64, error) {
	f.cleaned++
	return 3, nil
}

func TestDecayHandlerProcessesBatch(t *testing.T) {
	runner := &fakeDecayRunner{}
	h := NewDecayHandler(runner, nil, true, nil, nil)

	job := makeJob(t, queue.JobDecay, queue.DecayPayload{UserContext: "user-a", BatchSize: 25})
	require.NoError(t, h.Handle(context.Background(), job))
	assert.Equal(t, []string{"user-a"}, runner.contexts)
	assert.Equal(t, []int{25}, runner.batches)
	assert.Equal(t, 1, runner.cleaned)
}

func TestDecayHandlerDefaultBatchSize(t *testing.T) {
	runner := &fakeDecayRunner{}
	h := NewDecayHandler(runner, nil, true, nil, nil)

	job := makeJob(t, queue.JobDecay, queue.DecayPayload{UserContext: "user-a"})
	require.NoError(t, h.Handle(context.Background(), job))
	assert.Equal(t, []int{defaultDecayBatchSize}, runner.batches)
}

func TestDecayHandlerKillSwitch(t *testing.T) {
	runner := &fakeDecayRunner{}
	h := NewDecayHandler(runner, nil, false, nil, nil)

	job := makeJob(t, queue.JobDecay, queue.DecayPayload{UserContext: "user-a"})
	require.NoError(t, h.Handle(context.Background(), job))
	assert.Empty(t, runner.batches)
}

func TestDecayHandlerRecordsRunSummary(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	runner := &fakeDecayRunner{}
	h := NewDecayHandler(runner, client, true, nil, nil)

	job := makeJob(t, queue.JobDecay, queue.DecayPayload{UserContext: "user-a", BatchSize: 10})
	require.NoError(t, h.Handle(context.Background(), job))

	raw, err := mr.Get("engram:decay:runs:user-a")
	require.NoError(t, err)
	var summary map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &summary))
	assert.Equal(t, float64(10), summary["processed"])
	assert.Equal(t, float64(2), summary["transitioned"])
	assert.Contains(t, summary, "durationMs")
	assert.Greater(t, mr.TTL("engram:decay:runs:user-a"), time.Duration(0))
}

func TestDecayHandlerPauseResume(t *testing.T) {
	runner := &fakeDecayRunner{}
	h := NewDecayHandler(runner, nil, true, nil, nil)
	job := makeJob(t, queue.JobDecay, queue.DecayPayload{UserContext: "user-a"})

	h.Pause()
	assert.True(t, h.Paused())
	require.NoError(t, h.Handle(context.Background(), job))
	assert.Empty(t, runner.batches)

	h.Resume()
	require.NoError(t, h.Handle(context.Background(), job))
	assert.Len(t, runner.batches, 1)
}

type fakeContextLister struct {
	contexts []string
}

func (f *fakeContextLister) ListUserContexts(ctx context.Context) ([]string, error) {
	return f.contexts, nil
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []queue.JobType
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, jobType queue.JobType, priority int, payload interface{}) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, jobType)
	return "id", nil
}

func TestDecaySchedulerEnqueuesPerContext(t *testing.T) {
	lister := &fakeContextLister{contexts: []string{"user-a", "user-b", "user-c"}}
	enq := &recordingEnqueuer{}
	s := NewDecayScheduler(lister, enq, time.Hour, 0, nil)

	s.tick(context.Background())
	require.Len(t, enq.jobs, 3)
	for _, jt := range enq.jobs {
		assert.Equal(t, queue.JobDecay, jt)
	}
}
