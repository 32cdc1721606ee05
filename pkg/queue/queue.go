// Package queue implements durable background jobs over Redis Streams with
// consumer groups, retries, and a dead letter stream.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/engram-ai/engram/pkg/observability"
)

// JobType names a background job topic. Each type gets its own stream.
type JobType string

const (
	JobEmbedding     JobType = "embedding"
	JobBatchImport   JobType = "batch_import"
	JobConsolidation JobType = "consolidation"
	JobClustering    JobType = "clustering"
	JobDecay         JobType = "decay"
)

// AllJobTypes lists every topic a worker pool can subscribe to.
var AllJobTypes = []JobType{JobEmbedding, JobBatchImport, JobConsolidation, JobClustering, JobDecay}

const (
	streamPrefix     = "engram:jobs:"
	deadLetterStream = "engram:jobs:dead"
	consumerGroup    = "engram-workers"

	// DefaultPriority applies when a job is enqueued without one.
	DefaultPriority = 5
)

// Job is one unit of background work.
type Job struct {
	ID         string          `json:"id"`
	StreamID   string          `json:"-"`
	Type       JobType         `json:"type"`
	Priority   int             `json:"priority"`
	Attempts   int             `json:"attempts"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Config tunes retry behavior.
type Config struct {
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	// StallTimeout is how long a pending delivery may sit unacked before
	// another consumer may claim it.
	StallTimeout time.Duration
}

// DefaultConfig returns the standard retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		BackoffMin:   2 * time.Second,
		BackoffMax:   5 * time.Second,
		StallTimeout: 30 * time.Second,
	}
}

// Queue is a Redis Streams job queue shared by producers and workers.
type Queue struct {
	client   *redis.Client
	consumer string
	cfg      Config
	logger   observability.Logger
}

// New creates a queue. consumer names this process within the consumer
// group; an empty value gets a random name.
func New(client *redis.Client, consumer string, cfg Config, logger observability.Logger) *Queue {
	if consumer == "" {
		consumer = "worker-" + uuid.NewString()[:8]
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = DefaultConfig().BackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultConfig().StallTimeout
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Queue{client: client, consumer: consumer, cfg: cfg, logger: logger}
}

func streamFor(t JobType) string {
	return streamPrefix + string(t)
}

// EnsureGroups creates the consumer group on every topic stream. Safe to
// call repeatedly.
func (q *Queue) EnsureGroups(ctx context.Context) error {
	for _, t := range AllJobTypes {
		err := q.client.XGroupCreateMkStream(ctx, streamFor(t), consumerGroup, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group for %s: %w", t, err)
		}
	}
	return nil
}

// Enqueue appends a job to its topic stream and returns the job id.
func (q *Queue) Enqueue(ctx context.Context, jobType JobType, priority int, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job payload: %w", err)
	}
	if priority <= 0 {
		priority = DefaultPriority
	}

	jobID := uuid.NewString()
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamFor(jobType),
		Values: map[string]interface{}{
			"job_id":      jobID,
			"type":        string(jobType),
			"priority":    priority,
			"attempts":    0,
			"payload":     string(data),
			"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s job: %w", jobType, err)
	}

	q.logger.Debug("job enqueued", map[string]interface{}{
		"job_id":   jobID,
		"type":     string(jobType),
		"priority": priority,
	})
	return jobID, nil
}

// Dequeue blocks up to block for the next job on the topic. Returns nil
// when the wait times out. Stalled deliveries from dead consumers are
// claimed before new entries are read.
func (q *Queue) Dequeue(ctx context.Context, jobType JobType, block time.Duration) (*Job, error) {
	if job, err := q.claimStalled(ctx, jobType); err == nil && job != nil {
		return job, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: q.consumer,
		Streams:  []string{streamFor(jobType), ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s stream: %w", jobType, err)
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			return parseJob(jobType, msg)
		}
	}
	return nil, nil
}

func (q *Queue) claimStalled(ctx context.Context, jobType JobType) (*Job, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamFor(jobType),
		Group:    consumerGroup,
		Consumer: q.consumer,
		MinIdle:  q.cfg.StallTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return parseJob(jobType, msgs[0])
}

func parseJob(jobType JobType, msg redis.XMessage) (*Job, error) {
	job := &Job{StreamID: msg.ID, Type: jobType, Priority: DefaultPriority}
	if v, ok := msg.Values["job_id"].(string); ok {
		job.ID = v
	}
	if v, ok := msg.Values["priority"].(string); ok {
		if p, err := strconv.Atoi(v); err == nil {
			job.Priority = p
		}
	}
	if v, ok := msg.Values["attempts"].(string); ok {
		if a, err := strconv.Atoi(v); err == nil {
			job.Attempts = a
		}
	}
	if v, ok := msg.Values["payload"].(string); ok {
		job.Payload = json.RawMessage(v)
	}
	if v, ok := msg.Values["enqueued_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.EnqueuedAt = ts
		}
	}
	return job, nil
}

// Ack marks a job done and removes it from the stream.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	stream := streamFor(job.Type)
	if err := q.client.XAck(ctx, stream, consumerGroup, job.StreamID).Err(); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return q.client.XDel(ctx, stream, job.StreamID).Err()
}

// Retry re-enqueues a failed job with an incremented attempt counter, or
// dead-letters it once the attempt budget is spent. The original delivery
// is acked either way.
func (q *Queue) Retry(ctx context.Context, job *Job, cause error) error {
	if job.Attempts+1 >= q.cfg.MaxAttempts {
		return q.deadLetter(ctx, job, cause)
	}

	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamFor(job.Type),
		Values: map[string]interface{}{
			"job_id":      job.ID,
			"type":        string(job.Type),
			"priority":    job.Priority,
			"attempts":    job.Attempts + 1,
			"payload":     string(job.Payload),
			"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}

	q.logger.Warn("job retried", map[string]interface{}{
		"job_id":  job.ID,
		"type":    string(job.Type),
		"attempt": job.Attempts + 1,
		"error":   cause.Error(),
	})
	return q.Ack(ctx, job)
}

// Backoff returns the delay before attempt n runs again, doubling from the
// minimum and capped at the maximum.
func (q *Queue) Backoff(attempt int) time.Duration {
	d := q.cfg.BackoffMin
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.BackoffMax {
			return q.cfg.BackoffMax
		}
	}
	return d
}

func (q *Queue) deadLetter(ctx context.Context, job *Job, cause error) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: deadLetterStream,
		Values: map[string]interface{}{
			"job_id":    job.ID,
			"type":      string(job.Type),
			"attempts":  job.Attempts + 1,
			"payload":   string(job.Payload),
			"failed_at": time.Now().UTC().Format(time.RFC3339Nano),
			"error":     cause.Error(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to dead-letter job: %w", err)
	}

	q.logger.Error("job dead-lettered", map[string]interface{}{
		"job_id":   job.ID,
		"type":     string(job.Type),
		"attempts": job.Attempts + 1,
		"error":    cause.Error(),
	})
	return q.Ack(ctx, job)
}

// PendingCount returns the number of unacked deliveries on a topic.
func (q *Queue) PendingCount(ctx context.Context, jobType JobType) (int64, error) {
	pending, err := q.client.XPending(ctx, streamFor(jobType), consumerGroup).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read pending count: %w", err)
	}
	return pending.Count, nil
}

// Depth returns the total entries queued on a topic.
func (q *Queue) Depth(ctx context.Context, jobType JobType) (int64, error) {
	n, err := q.client.XLen(ctx, streamFor(jobType)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read stream length: %w", err)
	}
	return n, nil
}
