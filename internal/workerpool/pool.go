// Package workerpool runs fired jobs on a fixed set of goroutines.
//
// Submission never blocks: when every worker is busy and the queue is full
// the task is rejected with ErrPoolSaturated so the caller (the scheduler's
// timer loop) can account for the missed run and move on.
package workerpool

import (
	"errors"
	"log"
	"sync"
)

// DefaultSize matches the number of concurrent job executions allowed by default.
const DefaultSize = 20

// DefaultQueueSize bounds tasks waiting for a free worker.
const DefaultQueueSize = 100

var (
	ErrPoolSaturated = errors.New("worker pool saturated")
	ErrPoolClosed    = errors.New("worker pool closed")
)

type Task func()

// MetricsSink defines the interface for recording pool metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	QueueCapacitySet(capacity int)
	QueueDepthUpdate(depth int)
	WorkersBusyIncr()
	WorkersBusyDecr()
	SubmitRejected()
}

type Option func(*Pool)

// WithMetrics attaches a metrics sink to the pool.
func WithMetrics(m MetricsSink) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

type Pool struct {
	size      int
	queueSize int
	tasks     chan Task
	metrics MetricsSink // optional, nil = disabled

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

func New(size, queueSize int, opts ...Option) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if queueSize < 0 {
		queueSize = DefaultQueueSize
	}
	p := &Pool{
		size:      size,
		queueSize: queueSize,
		tasks:     make(chan Task, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics != nil {
		p.metrics.QueueCapacitySet(queueSize)
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Start launches the workers. Calling Start on a running pool is a no-op.
// Start after Shutdown reopens the pool with a fresh queue; workers from the
// previous run keep draining the old queue until it is empty.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started && !p.closed {
		return
	}
	if p.closed {
		p.tasks = make(chan Task, p.queueSize)
		p.closed = false
	}
	p.started = true
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(p.tasks)
	}
}

// Submit queues task for execution without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		if p.metrics != nil {
			p.metrics.QueueDepthUpdate(len(p.tasks))
		}
		return nil
	default:
		if p.metrics != nil {
			p.metrics.SubmitRejected()
		}
		return ErrPoolSaturated
	}
}

// Shutdown stops accepting tasks. Queued and running tasks still complete;
// Shutdown does not wait for them.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.tasks)
}

// Wait blocks until every worker has exited, including workers of earlier
// runs. Only meaningful after Shutdown.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(tasks <-chan Task) {
	defer p.wg.Done()
	for task := range tasks {
		if p.metrics != nil {
			p.metrics.QueueDepthUpdate(len(tasks))
		}
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	if p.metrics != nil {
		p.metrics.WorkersBusyIncr()
		defer p.metrics.WorkersBusyDecr()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("workerpool: task panic: %v", r)
		}
	}()
	task()
}
