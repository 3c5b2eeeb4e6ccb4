package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Saturation decides what Submit does when the queue is full.
type Saturation string

const (
	// SaturationBlock waits for queue capacity or for the caller's context.
	SaturationBlock Saturation = "block"
	// SaturationCallerRuns executes the task on the submitting goroutine.
	SaturationCallerRuns Saturation = "caller_runs"
)

// ErrPoolClosed is returned by Submit after Close or Stop.
var ErrPoolClosed = errors.New("analysis pool closed")

// Task is a unit of work. ctx is cancelled when the pool is stopped.
type Task func(ctx context.Context)

// Pool is a fixed set of workers draining a bounded queue. Tasks are never
// dropped: a full queue either blocks the submitter or runs the task inline.
type Pool struct {
	work   chan Task
	policy Saturation

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

// NewPool starts workers goroutines over a queue of queueSize tasks.
func NewPool(workers, queueSize int, policy Saturation) (*Pool, error) {
	if workers < 1 {
		return nil, fmt.Errorf("pool needs at least one worker, got %d", workers)
	}
	if queueSize < 0 {
		queueSize = 0
	}
	switch policy {
	case SaturationBlock, SaturationCallerRuns:
	default:
		return nil, fmt.Errorf("unknown saturation policy %q", policy)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		work:   make(chan Task, queueSize),
		policy: policy,
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.work {
				task(p.ctx)
			}
		}()
	}
	return p, nil
}

// Submit queues task. When the queue is full the saturation policy applies;
// with SaturationCallerRuns Submit returns after the task has run.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.work <- task:
		return nil
	default:
	}

	if p.policy == SaturationCallerRuns {
		task(p.ctx)
		return nil
	}

	select {
	case p.work <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Close() {
	p.shutdown(false)
}

// Stop cancels running tasks, then drains the queue with a cancelled
// context and waits for the workers to exit.
func (p *Pool) Stop() {
	p.shutdown(true)
}

func (p *Pool) shutdown(cancel bool) {
	if cancel {
		p.cancel()
	}
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.work)
		p.mu.Unlock()
		p.wg.Wait()
		p.cancel()
	})
}
