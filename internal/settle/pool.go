package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/clearex/settlement-engine/internal/metrics"
	"github.com/clearex/settlement-engine/internal/model"
)

var (
	// ErrQueueFull is returned by Submit under the Reject policy when the
	// queue has no capacity.
	ErrQueueFull = errors.New("settle: queue full")

	// ErrPoolClosed is returned by Submit after Shutdown has begun.
	ErrPoolClosed = errors.New("settle: pool shut down")
)

// OverflowPolicy decides what Submit does when the queue is full.
type OverflowPolicy int

const (
	// Block makes Submit wait for queue space, applying backpressure to
	// the caller. This is the default.
	Block OverflowPolicy = iota

	// Reject makes Submit fail fast with ErrQueueFull.
	Reject
)

// Pool runs settlement events on a fixed set of workers behind a bounded
// queue. Submission never silently drops an event: it either enqueues,
// blocks, or returns an error the caller must handle.
type Pool struct {
	processor *Processor
	log       *slog.Logger
	queue     chan model.TradeExecuted
	policy    OverflowPolicy

	// taskTimeout bounds each unit of work independently of the
	// submitter's lifetime.
	taskTimeout time.Duration

	mu       sync.Mutex
	closed   bool
	submitWG sync.WaitGroup

	stop chan struct{}
	wg   sync.WaitGroup
}

// PoolConfig configures a Pool. Zero values fall back to defaults:
// GOMAXPROCS workers, a queue of 1024, the Block policy, and a 30s per-task
// timeout.
type PoolConfig struct {
	Workers     int
	QueueDepth  int
	Policy      OverflowPolicy
	TaskTimeout time.Duration
}

// NewPool creates and starts a worker pool.
func NewPool(processor *Processor, log *slog.Logger, cfg PoolConfig) *Pool {
	if maxWorkers := runtime.GOMAXPROCS(0); cfg.Workers <= 0 || cfg.Workers > maxWorkers {
		cfg.Workers = maxWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}

	p := &Pool{
		processor:   processor,
		log:         log,
		queue:       make(chan model.TradeExecuted, cfg.QueueDepth),
		policy:      cfg.Policy,
		taskTimeout: cfg.TaskTimeout,
		stop:        make(chan struct{}),
	}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker(i)
	}
	log.Info("settlement pool started", "workers", cfg.Workers, "queue_depth", cfg.QueueDepth)
	return p
}

// Submit hands an event to the pool. Under Block it waits for queue space or
// ctx cancellation; under Reject it returns ErrQueueFull immediately when the
// queue is at capacity.
func (p *Pool) Submit(ctx context.Context, event model.TradeExecuted) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.submitWG.Add(1)
	p.mu.Unlock()
	defer p.submitWG.Done()

	if p.policy == Reject {
		select {
		case p.queue <- event:
			metrics.QueueDepth.Set(float64(len(p.queue)))
			return nil
		default:
			return fmt.Errorf("%w: event %s", ErrQueueFull, event.EventID)
		}
	}

	select {
	case p.queue <- event:
		metrics.QueueDepth.Set(float64(len(p.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return ErrPoolClosed
	}
}

// Shutdown stops accepting work and waits for the queue to drain and all
// workers to finish, up to ctx's deadline. Events still queued when the
// deadline passes are abandoned and logged.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// Wake blocked submitters, then wait for every in-flight Submit to
	// return before closing the queue so no send races the close.
	close(p.stop)
	p.submitWG.Wait()
	close(p.queue)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("settlement pool drained")
		return nil
	case <-ctx.Done():
		p.log.Error("settlement pool shutdown deadline passed", "abandoned", len(p.queue))
		return ctx.Err()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for event := range p.queue {
		metrics.QueueDepth.Set(float64(len(p.queue)))

		// Each task gets its own context so a submitter's cancelled
		// request cannot abort a settlement already in flight.
		ctx, cancel := context.WithTimeout(context.Background(), p.taskTimeout)
		if _, err := p.processor.Settle(ctx, event); err != nil {
			p.log.Error("settlement failed",
				"worker", id, "event_id", event.EventID, "error", err)
		}
		cancel()
	}
}
