// Package executor runs the worker pool: it consumes invocations, executes
// registered handlers and records outcomes in the job store.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/taskbeat/internal/backoff"
	"github.com/t77yq/taskbeat/internal/broker"
	"github.com/t77yq/taskbeat/internal/model"
	"github.com/t77yq/taskbeat/internal/storage"
)

// JobStore is the part of the job store the pool mutates
type JobStore interface {
	Get(ctx context.Context, id string) (*model.Job, error)
	MarkRunning(ctx context.Context, id string, attempt int) (*model.Job, error)
	MarkDone(ctx context.Context, id string, result []byte) (*model.Job, error)
	MarkRetry(ctx context.Context, id string, cause error) (*model.Job, error)
	MarkFailed(ctx context.Context, id string, cause error) (*model.Job, error)
}

// Publisher enqueues retry invocations
type Publisher interface {
	Publish(ctx context.Context, inv *model.Invocation) error
}

// Source yields deliveries; *broker.Consumer implements it
type Source interface {
	Next(ctx context.Context) (broker.Delivery, error)
}

// PoolConfig defines configuration for the worker pool
type PoolConfig struct {
	Concurrency int
	// RetryBackoff spaces retries of failed jobs
	RetryBackoff backoff.Strategy
	// StoreBackoff and StoreAttempts bound retries of unavailable store calls
	StoreBackoff  backoff.Strategy
	StoreAttempts int
	DrainTimeout  time.Duration
	// HeartbeatInterval is how often long jobs extend their ack deadline
	HeartbeatInterval time.Duration
	// MaxFailures consecutive infrastructure failures stop the pool
	MaxFailures int
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.RetryBackoff == nil {
		c.RetryBackoff = backoff.Exponential{Initial: time.Second, Max: 5 * time.Minute, Multiplier: 2}
	}
	if c.StoreBackoff == nil {
		c.StoreBackoff = backoff.Default()
	}
	if c.StoreAttempts <= 0 {
		c.StoreAttempts = 5
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 10
	}
	return c
}

// Pool executes jobs delivered by the broker on a fixed number of slots
type Pool struct {
	logger    *zap.Logger
	cfg       PoolConfig
	jobs      JobStore
	publisher Publisher
	registry  *Registry
	gate      *ResourceGate
	now       func() time.Time

	failures atomic.Int64
}

// PoolOption configures a Pool
type PoolOption func(*Pool)

// WithResourceGate holds slots back while the host is overloaded
func WithResourceGate(g *ResourceGate) PoolOption {
	return func(p *Pool) { p.gate = g }
}

// WithPoolClock overrides the time source
func WithPoolClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// NewPool creates a worker pool
func NewPool(logger *zap.Logger, cfg PoolConfig, jobs JobStore, publisher Publisher, registry *Registry, opts ...PoolOption) *Pool {
	p := &Pool{
		logger:    logger.Named("worker"),
		cfg:       cfg.withDefaults(),
		jobs:      jobs,
		publisher: publisher,
		registry:  registry,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run consumes from source until ctx is cancelled or the pool hits
// MaxFailures consecutive infrastructure failures. In-flight jobs get
// DrainTimeout to finish; after that their contexts are cancelled and their
// deliveries are left unacknowledged.
func (p *Pool) Run(ctx context.Context, source Source) error {
	fetchCtx, stopFetching := context.WithCancel(ctx)
	defer stopFetching()

	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	fatal := make(chan error, 1)

	p.logger.Info("Worker pool started",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Strings("tasks", p.registry.Names()))

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.slot(fetchCtx, jobCtx, source, slot, fatal)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-fatal:
	case <-done:
	}
	stopFetching()

	p.logger.Info("Draining worker pool", zap.Duration("timeout", p.cfg.DrainTimeout))
	timer := time.NewTimer(p.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.logger.Warn("Drain timeout reached, cancelling running jobs")
		cancelJobs()
		<-done
	}

	if runErr == nil {
		select {
		case runErr = <-fatal:
		default:
		}
	}

	p.logger.Info("Worker pool stopped")
	return runErr
}

func (p *Pool) slot(fetchCtx, jobCtx context.Context, source Source, slot int, fatal chan<- error) {
	logger := p.logger.With(zap.Int("slot", slot))

	for {
		if p.gate != nil {
			if err := p.gate.Wait(fetchCtx); err != nil {
				return
			}
		}

		d, err := source.Next(fetchCtx)
		if err != nil {
			if fetchCtx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return
			}
			logger.Warn("Failed to fetch invocation", zap.Error(err))
			if p.failed(err, fatal) {
				return
			}
			p.sleep(fetchCtx, p.cfg.StoreBackoff.Next(int(p.failures.Load())-1))
			continue
		}

		if err := p.Handle(jobCtx, d); err != nil {
			logger.Error("Failed to handle invocation",
				zap.String("job_id", d.Invocation().JobID),
				zap.Error(err))
			if p.failed(err, fatal) {
				return
			}
			continue
		}
		p.failures.Store(0)
	}
}

// failed records an infrastructure failure and reports whether the pool must stop
func (p *Pool) failed(err error, fatal chan<- error) bool {
	n := p.failures.Add(1)
	if n < int64(p.cfg.MaxFailures) {
		return false
	}
	select {
	case fatal <- fmt.Errorf("worker giving up after %d consecutive failures: %w", n, err):
	default:
	}
	return true
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Handle processes one delivery. It returns an error only for store or
// broker failures, after handing the delivery back for redelivery.
func (p *Pool) Handle(ctx context.Context, d broker.Delivery) error {
	inv := d.Invocation()
	logger := p.logger.With(
		zap.String("job_id", inv.JobID),
		zap.String("task", inv.Task),
		zap.Int("attempt", inv.Attempt))

	if delay := inv.Delay(p.now()); delay > 0 {
		if err := d.Nak(delay); err != nil {
			logger.Warn("Failed to delay invocation", zap.Error(err))
		}
		return nil
	}

	var job *model.Job
	err := p.store(ctx, func(ctx context.Context) (err error) {
		job, err = p.jobs.Get(ctx, inv.JobID)
		return err
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		logger.Error("Invocation references unknown job, terminating")
		return p.settle(logger, d.Term())
	case err != nil:
		p.handBack(logger, d)
		return err
	}

	switch {
	case job.State.Terminal():
		logger.Debug("Job already finished, dropping duplicate", zap.String("state", string(job.State)))
		return p.settle(logger, d.Ack(ctx))
	case inv.Attempt < job.Attempt():
		if job.State == model.JobStateRetry && inv.Attempt == job.Attempt()-1 {
			// The previous worker recorded the retry but its publish never made it
			logger.Warn("Re-publishing lost retry invocation")
			if err := p.publishRetry(ctx, job); err != nil {
				p.handBack(logger, d)
				return err
			}
		} else {
			logger.Debug("Dropping stale invocation", zap.Int("current_attempt", job.Attempt()))
		}
		return p.settle(logger, d.Ack(ctx))
	case inv.Attempt > job.Attempt():
		logger.Warn("Invocation is ahead of the job, dropping", zap.Int("current_attempt", job.Attempt()))
		return p.settle(logger, d.Ack(ctx))
	}

	resumed := job.State == model.JobStateRunning
	err = p.store(ctx, func(ctx context.Context) (err error) {
		job, err = p.jobs.MarkRunning(ctx, inv.JobID, inv.Attempt)
		return err
	})
	switch {
	case errors.Is(err, model.ErrInvalidTransition):
		logger.Debug("Job moved on concurrently, dropping invocation", zap.Error(err))
		return p.settle(logger, d.Ack(ctx))
	case err != nil:
		p.handBack(logger, d)
		return err
	}

	if resumed {
		// a previous worker started this attempt and never settled it
		logger.Info("Resuming redelivered job", zap.Uint64("deliveries", d.NumDelivered()))
	}

	handler, err := p.registry.Lookup(job.Task)
	var result []byte
	if err == nil {
		result, err = p.execute(ctx, d, handler, job)
	}
	if ctx.Err() != nil {
		// Forced shutdown; leave the delivery for another worker
		logger.Warn("Job interrupted by shutdown, leaving for redelivery")
		return nil
	}

	if err == nil {
		return p.succeed(ctx, logger, d, job, result)
	}
	return p.failJob(ctx, logger, d, job, err)
}

func (p *Pool) execute(ctx context.Context, d broker.Delivery, handler Handler, job *model.Job) (result []byte, err error) {
	if p.gate != nil {
		p.gate.Acquire()
		defer p.gate.Release()
	}

	stop := make(chan struct{})
	defer close(stop)
	go p.heartbeat(d, job, stop)

	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	start := time.Now()
	result, err = handler.Handle(ctx, job)

	p.logger.Debug("Job executed",
		zap.String("job_id", job.ID),
		zap.String("task", job.Task),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	return result, err
}

// heartbeat extends the ack deadline of a long running job
func (p *Pool) heartbeat(d broker.Delivery, job *model.Job, stop <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := d.InProgress(); err != nil {
				p.logger.Warn("Failed to extend ack deadline",
					zap.String("job_id", job.ID),
					zap.Error(err))
			}
		}
	}
}

func (p *Pool) succeed(ctx context.Context, logger *zap.Logger, d broker.Delivery, job *model.Job, result []byte) error {
	err := p.store(ctx, func(ctx context.Context) error {
		_, err := p.jobs.MarkDone(ctx, job.ID, result)
		return err
	})
	if err != nil && !errors.Is(err, model.ErrInvalidTransition) {
		p.handBack(logger, d)
		return err
	}

	logger.Info("Job succeeded")
	return p.settle(logger, d.Ack(ctx))
}

func (p *Pool) failJob(ctx context.Context, logger *zap.Logger, d broker.Delivery, job *model.Job, cause error) error {
	class := Classify(cause)

	if class == ClassTransient && job.CanRetry() {
		var retried *model.Job
		err := p.store(ctx, func(ctx context.Context) (err error) {
			retried, err = p.jobs.MarkRetry(ctx, job.ID, cause)
			return err
		})
		switch {
		case errors.Is(err, model.ErrInvalidTransition):
			return p.settle(logger, d.Ack(ctx))
		case err != nil:
			p.handBack(logger, d)
			return err
		}

		if err := p.publishRetry(ctx, retried); err != nil {
			// Redelivery of this attempt re-publishes the retry
			p.handBack(logger, d)
			return err
		}

		logger.Warn("Job failed, retry scheduled",
			zap.Int("retry_count", retried.RetryCount),
			zap.Int("max_retries", retried.MaxRetries),
			zap.Error(cause))
		return p.settle(logger, d.Ack(ctx))
	}

	err := p.store(ctx, func(ctx context.Context) error {
		_, err := p.jobs.MarkFailed(ctx, job.ID, cause)
		return err
	})
	if err != nil && !errors.Is(err, model.ErrInvalidTransition) {
		p.handBack(logger, d)
		return err
	}

	logger.Error("Job failed",
		zap.String("class", class.String()),
		zap.Int("retry_count", job.RetryCount),
		zap.Error(cause))
	return p.settle(logger, d.Ack(ctx))
}

// publishRetry enqueues the next attempt of a job in RETRY, delayed by the
// backoff for the retry it consumed.
func (p *Pool) publishRetry(ctx context.Context, job *model.Job) error {
	from := p.now()
	if job.EndedAt != nil {
		from = *job.EndedAt
	}
	notBefore := from.Add(p.cfg.RetryBackoff.Next(job.RetryCount - 1)).UTC()

	inv := model.NewInvocation(job)
	inv.NotBefore = &notBefore
	return p.publisher.Publish(ctx, inv)
}

func (p *Pool) store(ctx context.Context, op func(ctx context.Context) error) error {
	return backoff.Retry(ctx, p.cfg.StoreBackoff, p.cfg.StoreAttempts, storage.IsUnavailable, op)
}

func (p *Pool) handBack(logger *zap.Logger, d broker.Delivery) {
	if err := d.Nak(0); err != nil {
		logger.Warn("Failed to hand back delivery", zap.Error(err))
	}
}

// settle logs acknowledgement failures; the broker redelivers in that case
// and the job state makes the redelivery a no-op.
func (p *Pool) settle(logger *zap.Logger, err error) error {
	if err != nil {
		logger.Warn("Failed to acknowledge delivery", zap.Error(err))
	}
	return nil
}
