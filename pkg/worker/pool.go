// Package worker provides a bounded generic worker pool. The dispatcher
// runs synchronous method handlers on one so a burst of calls cannot spawn
// an unbounded number of goroutines.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/truenas/middleware-sub024/metric"
)

var (
	// ErrNilProcessor reports a pool constructed without a processor.
	ErrNilProcessor = errors.New("worker pool requires a processor function")
	// ErrPoolNotStarted reports a submit before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStopped reports a submit after Stop.
	ErrPoolStopped = errors.New("worker pool stopped")
	// ErrQueueFull reports a submit rejected by a full queue.
	ErrQueueFull = errors.New("worker pool queue is full")
	// ErrStopTimeout reports workers still busy when the stop deadline hit.
	ErrStopTimeout = errors.New("worker pool stop timed out")
)

// Pool runs items of type T on a fixed set of workers over a bounded queue.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T)

	workChan chan T
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	submitted int64
	processed int64
	dropped   int64

	depthGauge prometheus.Gauge
}

// Option configures the pool at construction.
type Option[T any] func(*Pool[T])

// WithMetrics publishes queue depth under the given component name.
func WithMetrics[T any](registry *metric.MetricsRegistry, component string) Option[T] {
	return func(p *Pool[T]) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "middleware",
			Subsystem: component,
			Name:      "worker_queue_depth",
			Help:      "Current worker pool queue depth",
		})
		if err := registry.RegisterGauge(component, "worker_queue_depth", g); err == nil {
			p.depthGauge = g
		}
	}
}

// NewPool creates a pool. Workers and queueSize fall back to safe defaults
// when non-positive.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T), opts ...Option[T]) *Pool[T] {
	if processor == nil {
		panic(ErrNilProcessor)
	}
	if workers <= 0 {
		workers = 8
	}
	if queueSize <= 0 {
		queueSize = 1024
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. The context bounds every processor call.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("worker pool already started")
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.started = true
	return nil
}

// Submit enqueues work without blocking. A full queue rejects the item.
func (p *Pool[T]) Submit(work T) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	p.mu.Unlock()

	select {
	case p.workChan <- work:
		atomic.AddInt64(&p.submitted, 1)
		if p.depthGauge != nil {
			p.depthGauge.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for in-flight work up to timeout.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats reports cumulative pool counters.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns a snapshot of pool counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueDepth: len(p.workChan),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Dropped:    atomic.LoadInt64(&p.dropped),
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			p.processor(ctx, work)
			atomic.AddInt64(&p.processed, 1)
			if p.depthGauge != nil {
				p.depthGauge.Set(float64(len(p.workChan)))
			}
		}
	}
}
