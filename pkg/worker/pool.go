// Package worker runs background job handlers over the durable queue:
// embedding, batch import, consolidation, clustering, and decay.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/engram-ai/engram/pkg/observability"
	"github.com/engram-ai/engram/pkg/queue"
	"github.com/engram-ai/engram/pkg/resilience"
)

// Handler processes jobs of one type.
type Handler interface {
	Type() queue.JobType
	Handle(ctx context.Context, job *queue.Job) error
}

// dequeuer is the queue surface the pool needs.
type dequeuer interface {
	Dequeue(ctx context.Context, jobType queue.JobType, block time.Duration) (*queue.Job, error)
	Ack(ctx context.Context, job *queue.Job) error
	Retry(ctx context.Context, job *queue.Job, cause error) error
	Backoff(attempt int) time.Duration
}

// Pool runs a fixed number of goroutines per job type and drains in-flight
// work on shutdown.
type Pool struct {
	queue       dequeuer
	handlers    map[queue.JobType]Handler
	concurrency map[queue.JobType]int
	limiters    map[queue.JobType]*resilience.RateLimiter
	pollBlock   time.Duration
	logger      observability.Logger
	metrics     observability.MetricsClient
	wg          sync.WaitGroup
}

// NewPool creates a worker pool over the queue.
func NewPool(q dequeuer, logger observability.Logger, metrics observability.MetricsClient) *Pool {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Pool{
		queue:       q,
		handlers:    map[queue.JobType]Handler{},
		concurrency: map[queue.JobType]int{},
		limiters:    map[queue.JobType]*resilience.RateLimiter{},
		pollBlock:   2 * time.Second,
		logger:      logger,
		metrics:     metrics,
	}
}

// Register adds a handler with the given worker count. A non-nil limiter
// throttles how fast jobs of this type start.
func (p *Pool) Register(h Handler, concurrency int, limiter *resilience.RateLimiter) {
	if concurrency <= 0 {
		concurrency = 1
	}
	p.handlers[h.Type()] = h
	p.concurrency[h.Type()] = concurrency
	if limiter != nil {
		p.limiters[h.Type()] = limiter
	}
}

// Run starts the workers and blocks until ctx is cancelled and all
// in-flight jobs have finished.
func (p *Pool) Run(ctx context.Context) {
	for jobType, handler := range p.handlers {
		for i := 0; i < p.concurrency[jobType]; i++ {
			p.wg.Add(1)
			go p.workLoop(ctx, handler)
		}
	}
	p.wg.Wait()
}

func (p *Pool) workLoop(ctx context.Context, handler Handler) {
	defer p.wg.Done()
	jobType := handler.Type()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if limiter, ok := p.limiters[jobType]; ok {
			if !limiter.Wait(ctx.Done()) {
				return
			}
		}

		job, err := p.queue.Dequeue(ctx, jobType, p.pollBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed", map[string]interface{}{
				"type":  string(jobType),
				"error": err.Error(),
			})
			p.sleep(ctx, time.Second)
			continue
		}
		if job == nil {
			continue
		}

		p.process(ctx, handler, job)
	}
}

func (p *Pool) process(ctx context.Context, handler Handler, job *queue.Job) {
	start := time.Now()
	err := handler.Handle(ctx, job)
	elapsed := time.Since(start).Seconds()

	labels := map[string]string{"type": string(job.Type)}
	p.metrics.RecordHistogram("worker_job_duration_seconds", elapsed, labels)

	if err != nil {
		p.metrics.IncrementCounter("worker_job_failures", 1, labels)
		p.sleep(ctx, p.queue.Backoff(job.Attempts))
		if retryErr := p.queue.Retry(ctx, job, err); retryErr != nil {
			p.logger.Error("retry submission failed", map[string]interface{}{
				"job_id": job.ID,
				"error":  retryErr.Error(),
			})
		}
		return
	}

	p.metrics.IncrementCounter("worker_jobs_processed", 1, labels)
	if err := p.queue.Ack(ctx, job); err != nil {
		p.logger.Error("ack failed", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
