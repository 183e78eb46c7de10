// Package scheduler runs cancellable background tasks on a fixed interval.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/comigor/chatbroker/internal/logger"
)

// Task is one unit of periodic work. A returned error is logged and the
// task runs again on the next tick.
type Task func(ctx context.Context) error

// Periodic runs a Task every interval until stopped.
type Periodic struct {
	name     string
	interval time.Duration
	task     Task

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPeriodic creates a stopped worker.
func NewPeriodic(name string, interval time.Duration, task Task) *Periodic {
	return &Periodic{name: name, interval: interval, task: task}
}

// RunOnce executes the task synchronously and returns its error.
func (p *Periodic) RunOnce(ctx context.Context) error {
	return p.task(ctx)
}

// Start launches the ticker goroutine. Calling Start on a running worker is a no-op.
func (p *Periodic) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	ticker := time.NewTicker(p.interval)
	go func(done chan struct{}) {
		defer close(done)
		defer ticker.Stop()
		logger.L.Info("periodic worker started", "name", p.name, "interval", p.interval)

		for {
			select {
			case <-ticker.C:
				if err := p.task(ctx); err != nil {
					logger.L.Error("periodic task failed", "name", p.name, "error", err)
				}
			case <-ctx.Done():
				logger.L.Info("periodic worker shutting down", "name", p.name, "reason", ctx.Err())
				return
			}
		}
	}(p.done)
}

// Stop cancels the worker and waits for an in-flight run to finish.
func (p *Periodic) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
