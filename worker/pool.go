package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Dalcio/pixelforge/models"
	"github.com/Dalcio/pixelforge/queue"
	"github.com/Dalcio/pixelforge/services"
)

type Queue interface {
	Reserve(ctx context.Context, timeout time.Duration) (*queue.Envelope, error)
	Ack(ctx context.Context, env *queue.Envelope) error
	Fail(ctx context.Context, env *queue.Envelope, cause error) (bool, error)
	Discard(ctx context.Context, env *queue.Envelope) error
	PromoteDue(ctx context.Context, limit int) (int, error)
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
}

type Processor interface {
	Process(ctx context.Context, msg models.QueueMessage) error
}

type PoolOptions struct {
	Workers          int
	ReserveTimeout   time.Duration
	PromoteInterval  time.Duration
	RecoveryInterval time.Duration
	StaleAfter       time.Duration
	ErrorBackoff     time.Duration
}

type Pool struct {
	queue     Queue
	processor Processor
	opts      PoolOptions
	logger    *zap.Logger
}

func NewPool(q Queue, processor Processor, opts PoolOptions, logger *zap.Logger) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 5
	}
	if opts.ReserveTimeout <= 0 {
		opts.ReserveTimeout = 5 * time.Second
	}
	if opts.PromoteInterval <= 0 {
		opts.PromoteInterval = time.Second
	}
	if opts.RecoveryInterval <= 0 {
		opts.RecoveryInterval = time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 5 * time.Second
	}
	return &Pool{queue: q, processor: processor, opts: opts, logger: logger}
}

// Run starts the workers, the delayed-job scheduler and the stale-job
// recovery loop, and blocks until all of them have stopped.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.StartWorker(ctx, workerID)
		}(i)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		p.SchedulerLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		p.RecoveryLoop(ctx)
	}()

	p.logger.Info("Started image workers", zap.Int("workers", p.opts.Workers))
	wg.Wait()
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	log := p.logger.With(zap.Int("worker_id", workerID))
	log.Info("Worker starting")

	for {
		select {
		case <-ctx.Done():
			log.Info("Worker shutting down")
			return
		default:
		}

		env, err := p.queue.Reserve(ctx, p.opts.ReserveTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if errors.Is(err, queue.ErrMalformed) {
			log.Warn("Dropped malformed delivery", zap.Error(err))
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error("Queue error", zap.Error(err))
			sleep(ctx, p.opts.ErrorBackoff)
			continue
		}

		// An in-flight job runs to the end even when shutdown starts.
		p.handle(context.WithoutCancel(ctx), log, env)
	}
}

func (p *Pool) handle(ctx context.Context, log *zap.Logger, env *queue.Envelope) {
	log = log.With(zap.String("job_id", env.JobID()), zap.Int("attempt", env.Attempt))
	log.Info("Processing job", zap.String("input_url", env.Message.InputURL))

	err := p.processor.Process(ctx, env.Message)
	switch {
	case err == nil:
		if err := p.queue.Ack(ctx, env); err != nil {
			log.Error("Failed to ack job", zap.Error(err))
		}

	case errors.Is(err, services.ErrJobNotFound):
		log.Info("Job no longer exists, discarding delivery")
		if err := p.queue.Discard(ctx, env); err != nil {
			log.Error("Failed to discard job", zap.Error(err))
		}

	default:
		retried, qerr := p.queue.Fail(ctx, env, err)
		if qerr != nil {
			log.Error("Failed to record job failure", zap.Error(qerr))
			return
		}
		if retried {
			log.Info("Scheduled retry",
				zap.Int("next_attempt", env.Attempt+1),
				zap.Duration("delay", queue.Backoff(env.Backoff, env.Attempt)))
		} else {
			log.Warn("Job moved to failed queue", zap.Int("attempts", env.Attempt))
		}
	}
}

// SchedulerLoop promotes delayed retries whose backoff has elapsed.
func (p *Pool) SchedulerLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.PromoteDue(ctx, 100)
			if err != nil && ctx.Err() == nil {
				p.logger.Error("Failed to promote delayed jobs", zap.Error(err))
				continue
			}
			if n > 0 {
				p.logger.Debug("Promoted delayed jobs", zap.Int("count", n))
			}
		}
	}
}

func (p *Pool) RecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.RecoveryInterval)
	defer ticker.Stop()

	p.logger.Info("Starting stale job recovery loop")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Recovery shutting down")
			return
		case <-ticker.C:
			n, err := p.queue.RecoverStale(ctx, p.opts.StaleAfter)
			if err != nil && ctx.Err() == nil {
				p.logger.Error("Failed to recover stale jobs", zap.Error(err))
			}
			if n > 0 {
				p.logger.Info("Recovered stale jobs", zap.Int("count", n))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
