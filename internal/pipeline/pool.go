package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/nsai-detect/backend/internal/metrics"
	"github.com/nsai-detect/backend/internal/storage/models"
	"github.com/nsai-detect/backend/pkg/logger"
)

type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// PanicRecorder is implemented by runners that can mark a job failed after
// a recovered panic.
type PanicRecorder interface {
	RecordPanic(ctx context.Context, jobID string, recovered interface{})
}

// Pool runs submitted jobs on a fixed number of workers. Jobs are never
// cancelled once started; Shutdown waits for them.
type Pool struct {
	runner  Runner
	workers int
	queue   chan string

	mu     sync.Mutex
	closed bool
	queued map[string]bool
	wg     sync.WaitGroup
	ctx    context.Context
}

func NewPool(runner Runner, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		runner:  runner,
		workers: workers,
		queue:   make(chan string, queueSize),
		queued:  make(map[string]bool),
		ctx:     context.Background(),
	}
}

// Start launches the workers. ctx is passed to every job; cancelling it does
// not stop a running job early unless the job itself observes it.
func (p *Pool) Start(ctx context.Context) {
	p.ctx = ctx
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Info("Worker pool started", zap.Int("workers", p.workers), zap.Int("queue_size", cap(p.queue)))
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for jobID := range p.queue {
		metrics.QueueDepth.Dec()
		p.mu.Lock()
		delete(p.queued, jobID)
		p.mu.Unlock()
		p.runJob(id, jobID)
	}
	logger.Debug("Worker exiting", zap.Int("worker", id))
}

func (p *Pool) runJob(workerID int, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job panicked",
				zap.Int("worker", workerID),
				zap.String("job_id", jobID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			if rec, ok := p.runner.(PanicRecorder); ok {
				rec.RecordPanic(p.ctx, jobID, r)
			}
		}
	}()

	logger.Debug("Worker picked up job", zap.Int("worker", workerID), zap.String("job_id", jobID))
	if err := p.runner.Run(p.ctx, jobID); err != nil {
		logger.Warn("Job ended with error", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Submit enqueues a job without blocking. A job waiting in the queue is
// not queued twice.
func (p *Pool) Submit(jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if p.queued[jobID] {
		return fmt.Errorf("%s: %w", jobID, ErrJobQueued)
	}

	select {
	case p.queue <- jobID:
		p.queued[jobID] = true
		metrics.QueueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops intake and waits for queued and running jobs, or for ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

// RecordPanic marks a job failed after its worker recovered from a panic.
func (c *Coordinator) RecordPanic(ctx context.Context, jobID string, recovered interface{}) {
	status := models.StatusFailed
	jobErr := &models.JobError{Code: CodeInternal, Message: fmt.Sprintf("panic: %v", recovered)}

	job, err := c.store.GetJob(ctx, jobID)
	if err == nil {
		jobErr.Stage = job.Stage
	}

	if err := c.store.UpdateJob(context.WithoutCancel(ctx), jobID, models.JobUpdate{Status: &status, Error: jobErr}); err != nil {
		logger.Error("Failed to record panic on job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	metrics.JobsTotal.WithLabelValues(string(status)).Inc()

	if job != nil {
		job.Status = status
		job.Error = jobErr
		c.publish(ctx, job)
	}
}
