package app

import (
	"sync"

	"go.uber.org/zap"
)

// WorkerPool runs handle for every submitted job on a fixed set of goroutines.
// Submit never blocks: a full queue rejects the job.
type WorkerPool[T any] struct {
	name    string
	jobs    chan T
	handle  func(T)
	workers int
	logger  *zap.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

func NewWorkerPool[T any](name string, workers, queueSize int, handle func(T), logger *zap.Logger) *WorkerPool[T] {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool[T]{
		name:    name,
		jobs:    make(chan T, queueSize),
		handle:  handle,
		workers: workers,
		logger:  logger.With(zap.String("pool", name)),
	}
}

// Start launches the workers. Calling it twice has no effect.
func (p *WorkerPool[T]) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				p.run(job)
			}
		}()
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.workers), zap.Int("queue_size", cap(p.jobs)))
}

func (p *WorkerPool[T]) run(job T) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker recovered from panic", zap.Any("panic", r))
		}
	}()
	p.handle(job)
}

// Submit queues a job and reports whether it was accepted.
func (p *WorkerPool[T]) Submit(job T) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Stop rejects new jobs and waits until the queued ones are handled.
func (p *WorkerPool[T]) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	started := p.started
	p.mu.Unlock()

	if !started {
		for job := range p.jobs {
			p.run(job)
		}
		return
	}
	p.wg.Wait()
}
