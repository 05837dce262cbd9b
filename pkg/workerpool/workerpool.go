package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/andrej220/saltdispatch/internal/lg"
)

const TotalMaxWorkers = 10

var ErrPoolStopped = errors.New("worker pool is stopped")

type JobFunc[T any] func(context.Context, T) error

// Job runs Fn once with Payload. Jobs are not retried.
type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	CleanupFunc func()
}

// Pool runs at most maxWorkers jobs at a time.
type Pool[T any] struct {
	jobs          chan Job[T]
	sem           chan struct{}
	activeWorkers int32
	wg            sync.WaitGroup
	quit          chan struct{}
	stopOnce      sync.Once
	dispatcherWG  sync.WaitGroup
	maxWorkers    int
}

func NewPool[T any](maxWorkers int) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	pool := &Pool[T]{
		jobs:       make(chan Job[T], maxWorkers),
		sem:        make(chan struct{}, maxWorkers),
		quit:       make(chan struct{}),
		maxWorkers: maxWorkers,
	}
	pool.dispatcherWG.Add(1)
	go pool.dispatch()
	return pool
}

// Stop rejects new jobs and waits for running ones. Jobs still queued are
// dropped and their CleanupFunc is called.
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.dispatcherWG.Wait()
		p.wg.Wait()
		for {
			select {
			case job := <-p.jobs:
				if job.CleanupFunc != nil {
					job.CleanupFunc()
				}
			default:
				return
			}
		}
	})
}

// Submit queues job, blocking while the queue is full. It fails once the
// pool is stopped or job.Ctx is done.
func (p *Pool[T]) Submit(job Job[T]) error {
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	logger := lg.FromContext(job.Ctx)
	select {
	case <-p.quit:
		logger.Info("Worker pool is shutting down, job rejected")
		return ErrPoolStopped
	default:
	}
	select {
	case p.jobs <- job:
		logger.Debug("Job submitted")
		return nil
	case <-p.quit:
		logger.Info("Worker pool is shutting down, job rejected")
		return ErrPoolStopped
	case <-job.Ctx.Done():
		return job.Ctx.Err()
	}
}

func (p *Pool[T]) dispatch() {
	defer p.dispatcherWG.Done()
	for {
		select {
		case <-p.quit:
			return
		case p.sem <- struct{}{}:
		}
		select {
		case job := <-p.jobs:
			p.wg.Add(1)
			atomic.AddInt32(&p.activeWorkers, 1)
			go p.worker(job)
		case <-p.quit:
			<-p.sem
			return
		}
	}
}

func (p *Pool[T]) worker(job Job[T]) {
	defer p.wg.Done()
	defer func() { <-p.sem }()
	defer atomic.AddInt32(&p.activeWorkers, -1)
	defer func() {
		if job.CleanupFunc != nil {
			job.CleanupFunc()
		}
	}()
	// Payloads are never logged.
	logger := lg.FromContext(job.Ctx)
	logger.Debug("Worker started", lg.Int32("workers", atomic.LoadInt32(&p.activeWorkers)))

	if err := job.Fn(job.Ctx, job.Payload); err != nil {
		if job.Ctx.Err() != nil {
			logger.Info("Job canceled", lg.Any("ctx.error", job.Ctx.Err()), lg.Err(err))
			return
		}
		logger.Info("Worker error", lg.Err(err))
		return
	}
	logger.Debug("Worker finished", lg.Int32("workers", atomic.LoadInt32(&p.activeWorkers)))
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}
