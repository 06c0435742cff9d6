// Package pipeline runs the profile analysis: the shared enrichment pool,
// the assembler that fans out comment fetches, and the service that
// drives runs through their stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-profile-insights/metrics"
)

var (
	// ErrPoolClosed is returned when Submit is called after shutdown.
	ErrPoolClosed = errors.New("pipeline: pool closed")
	// ErrPoolCloseTimeout is returned when queued tasks do not drain in time.
	ErrPoolCloseTimeout = errors.New("pipeline: pool close timed out")
)

var drainTimeout = 30 * time.Second

// Task is a unit of work executed by the pool.
type Task func()

// Pool is a fixed-size worker pool shared by every run in the process.
type Pool struct {
	taskCh  chan Task
	metrics *metrics.Metrics

	wg        sync.WaitGroup
	processed int64

	mu     sync.Mutex // guards closed
	closed bool

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPool starts workers goroutines reading from a queue of the given size.
func NewPool(workers, queue int, m *metrics.Metrics) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}

	p := &Pool{
		taskCh:   make(chan Task, queue),
		metrics:  m,
		shutdown: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues task, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, task Task) (err error) {
	if task == nil {
		return nil
	}
	if p.isClosed() {
		return ErrPoolClosed
	}

	defer func() {
		if r := recover(); r != nil {
			err = ErrPoolClosed
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.shutdown:
		return ErrPoolClosed
	case p.taskCh <- task:
		return nil
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
	p.closeOnce.Do(func() {
		close(p.taskCh)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(drainTimeout):
		return fmt.Errorf("%w after %s", ErrPoolCloseTimeout, drainTimeout)
	}
}

// Processed returns the number of tasks executed so far.
func (p *Pool) Processed() int64 {
	return atomic.LoadInt64(&p.processed)
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.taskCh {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		atomic.AddInt64(&p.processed, 1)
		p.metrics.IncPoolTask()
		if r := recover(); r != nil {
			slog.Error("pool task panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	task()
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
