package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Pool runs a fixed set of workers against the shared queue.
type Pool struct {
	deps Deps
	size int
	idle time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a pool of size workers. idle is the sleep between polls
// when no work is available.
func NewPool(deps Deps, size int, idle time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	if idle <= 0 {
		idle = time.Second
	}
	return &Pool{deps: deps, size: size, idle: idle}
}

// Start launches the worker goroutines. They run until Stop or ctx cancel.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.size; i++ {
		w := New(fmt.Sprintf("worker-%d", i), p.deps)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx, w)
		}()
	}
	slog.Info("Worker pool started", "size", p.size)
}

func (p *Pool) run(ctx context.Context, w *Worker) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		worked, err := w.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Worker step failed", "worker", w.id, "error", err)
		}
		if !worked {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.idle):
			}
		}
	}
}

// Stop signals the workers and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	slog.Info("Worker pool stopped")
}
