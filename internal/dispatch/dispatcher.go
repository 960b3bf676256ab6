package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
)

const defaultMaxInFlight = 64

var (
	ErrDispatcherFull = errors.New("dispatch: dispatcher full")
	ErrClosed         = errors.New("dispatch: dispatcher closed")
)

// Task is one unit of background work. Its error is logged, never returned
// to the submitter.
type Task func(ctx context.Context) error

// Dispatcher runs tasks in the background with a bound on how many run at
// once and tracks them until they finish.
type Dispatcher struct {
	ctx    context.Context
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu     sync.RWMutex
	closed bool

	// active tracks every submitted task so Wait can drain them.
	active sync.WaitGroup
}

// New creates a Dispatcher whose tasks run on ctx, detached from whatever
// request submitted them.
func New(ctx context.Context, logger *slog.Logger, maxInFlight int) *Dispatcher {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}
	return &Dispatcher{
		ctx:    ctx,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(maxInFlight)),
	}
}

// Submit blocks until a slot is free or ctx is done.
func (d *Dispatcher) Submit(ctx context.Context, name string, task func(ctx context.Context) error) error {
	if d.isClosed() {
		return ErrClosed
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("dispatch: submit %s: %w", name, err)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.sem.Release(1)
		return ErrClosed
	}
	d.start(name, task)
	return nil
}

func (d *Dispatcher) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// TrySubmit starts task only if a slot is free right now.
func (d *Dispatcher) TrySubmit(name string, task func(ctx context.Context) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	if !d.sem.TryAcquire(1) {
		return ErrDispatcherFull
	}
	d.start(name, task)
	return nil
}

func (d *Dispatcher) start(name string, task Task) {
	d.active.Add(1)
	go func() {
		defer d.active.Done()
		defer d.sem.Release(1)
		d.run(name, task)
	}()
}

func (d *Dispatcher) run(name string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := task(d.ctx); err != nil {
		d.logger.Error("task failed", "task", name, "err", err)
	}
}

// Wait blocks until every submitted task has finished or ctx is done.
// Tasks started by running tasks are waited for as well.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further submissions. Running tasks are not interrupted.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}
