package workflow

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/queuescope/queuescope/internal/observability"
)

// Pool is the bounded dispatch pool executions run on. A fixed number of
// workers drain a bounded backlog, so a burst of qualifying events can
// delay executions but never grow goroutines without limit.
type Pool struct {
	jobs    chan func(context.Context)
	size    int
	metrics *observability.Metrics
	log     *zap.Logger

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool creates a dispatch pool with the given worker count and backlog
// capacity.
func NewPool(size, queueSize int, metrics *observability.Metrics, log *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueSize <= 0 {
		queueSize = size
	}
	return &Pool{
		jobs:    make(chan func(context.Context), queueSize),
		size:    size,
		metrics: metrics,
		log:     log,
	}
}

// Start launches the workers. They run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.size; i++ {
			p.wg.Add(1)
			go p.worker(ctx)
		}
		p.log.Info("dispatch pool started",
			zap.Int("workers", p.size), zap.Int("backlog_capacity", cap(p.jobs)))
	})
}

// Submit enqueues one job without blocking. It reports false when the
// backlog is full and the job was discarded; evaluation of further
// workflows must never stall behind a slow one.
func (p *Pool) Submit(job func(context.Context)) bool {
	select {
	case p.jobs <- job:
		p.metrics.WorkflowDispatchBacklog.Set(float64(len(p.jobs)))
		return true
	default:
		p.log.Warn("dispatch backlog full, discarding execution")
		return false
	}
}

// Wait blocks until all workers have exited after context cancellation.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.metrics.WorkflowDispatchBacklog.Set(float64(len(p.jobs)))
			job(ctx)
		}
	}
}
