// Package background runs best-effort side effects (last-seen writes,
// notification dispatch) off the delivery path. Errors are logged, never
// returned to the caller that scheduled the task.
package background

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultTaskTimeout = 10 * time.Second

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	TaskTimeout time.Duration
	Logger      *zap.Logger
}

// Runner executes fire-and-forget tasks bound to a root context.
type Runner struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewRunner constructs a Runner whose tasks are cancelled by Shutdown.
func NewRunner(cfg RunnerConfig) *Runner {
	timeout := cfg.TaskTimeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{ctx: ctx, cancel: cancel, timeout: timeout, logger: logger}
}

// Go schedules fn. It returns immediately. Tasks scheduled once Shutdown has
// begun run inline under their own timeout instead of the cancelled root.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		r.report(name, r.run(ctx, fn))
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		defer cancel()
		r.report(name, r.run(ctx, fn))
	}()
}

func (r *Runner) report(name string, err error) {
	if err != nil {
		r.logger.Warn("background task failed", zap.String("task", name), zap.Error(err))
	}
}

func (r *Runner) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v", recovered)
		}
	}()
	return fn(ctx)
}

// Wait blocks until every scheduled task has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown waits for in-flight tasks up to ctx's deadline, then cancels them.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}
