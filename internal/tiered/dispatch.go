package tiered

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher runs detached durable writes. Every task is supervised: its
// error or panic is reported to the failure callback and never reaches the
// caller that scheduled it.
type Dispatcher interface {
	Dispatch(name string, task func(ctx context.Context) error)
	// Flush waits for all dispatched tasks to finish or ctx to end
	Flush(ctx context.Context) error
}

// FailureFunc is called when a dispatched task fails
type FailureFunc func(name string, err error)

// AsyncDispatcher runs each task on its own goroutine with a timeout
type AsyncDispatcher struct {
	wg        sync.WaitGroup
	timeout   time.Duration
	onFailure FailureFunc
}

// NewAsyncDispatcher creates a dispatcher. Failures are logged to logger and
// then passed to onFailure if it is set.
func NewAsyncDispatcher(logger *slog.Logger, timeout time.Duration, onFailure FailureFunc) *AsyncDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AsyncDispatcher{
		timeout: timeout,
		onFailure: func(name string, err error) {
			logger.Error("durable write failed", "task", name, "error", err)
			if onFailure != nil {
				onFailure(name, err)
			}
		},
	}
}

// Dispatch schedules task and returns immediately
func (d *AsyncDispatcher) Dispatch(name string, task func(ctx context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.run(task); err != nil {
			d.onFailure(name, err)
		}
	}()
}

func (d *AsyncDispatcher) run(task func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	return task(ctx)
}

// Flush waits for in-flight tasks
func (d *AsyncDispatcher) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InlineDispatcher runs tasks synchronously. Failures are still only reported
// to the callback. Useful for tools and tests that need the durable write to
// have landed when Put returns.
type InlineDispatcher struct {
	OnFailure FailureFunc
}

func (d InlineDispatcher) Dispatch(name string, task func(ctx context.Context) error) {
	if err := task(context.Background()); err != nil && d.OnFailure != nil {
		d.OnFailure(name, err)
	}
}

func (d InlineDispatcher) Flush(context.Context) error { return nil }
