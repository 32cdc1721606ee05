package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := New(client, "test-consumer", DefaultConfig(), nil)
	require.NoError(t, q.EnsureGroups(context.Background()))
	return q, client
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, JobEmbedding, 8, EmbeddingPayload{
		MemoryID: "m1", UserContext: "u1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := q.Dequeue(ctx, JobEmbedding, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, 8, job.Priority)
	assert.Equal(t, 0, job.Attempts)

	var payload EmbeddingPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "m1", payload.MemoryID)

	require.NoError(t, q.Ack(ctx, job))

	depth, err := q.Depth(ctx, JobEmbedding)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t)
	job, err := q.Dequeue(context.Background(), JobDecay, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestEnqueueDefaultPriority(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, JobDecay, 0, DecayPayload{UserContext: "u1"})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, JobDecay, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, DefaultPriority, job.Priority)
}

func TestRetryIncrementsAttempts(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, JobEmbedding, 5, EmbeddingPayload{MemoryID: "m1"})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, JobEmbedding, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Retry(ctx, job, errors.New("provider unavailable")))

	retried, err := q.Dequeue(ctx, JobEmbedding, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, job.ID, retried.ID)
	assert.Equal(t, 1, retried.Attempts)
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, JobEmbedding, 5, EmbeddingPayload{MemoryID: "m1"})
	require.NoError(t, err)

	cause := errors.New("permanent failure")
	for i := 0; i < q.cfg.MaxAttempts; i++ {
		job, err := q.Dequeue(ctx, JobEmbedding, 10*time.Millisecond)
		require.NoError(t, err)
		if job == nil {
			break
		}
		require.NoError(t, q.Retry(ctx, job, cause))
	}

	depth, err := q.Depth(ctx, JobEmbedding)
	require.NoError(t, err)
	assert.Zero(t, depth)

	dead, err := client.XLen(ctx, deadLetterStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	q := New(nil, "c", Config{MaxAttempts: 5, BackoffMin: 2 * time.Second, BackoffMax: 5 * time.Second}, nil)
	assert.Equal(t, 2*time.Second, q.Backoff(0))
	assert.Equal(t, 4*time.Second, q.Backoff(1))
	assert.Equal(t, 5*time.Second, q.Backoff(2))
	assert.Equal(t, 5*time.Second, q.Backoff(10))
}

func TestTopicsIsolated(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, JobClustering, 5, ClusteringPayload{UserContext: "u1", Full: true})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, JobEmbedding, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = q.Dequeue(ctx, JobClustering, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobClustering, job.Type)
}
