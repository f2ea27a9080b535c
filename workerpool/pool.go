// Package workerpool runs batches of tasks on a bounded
// number of goroutines.
package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// A Task is one unit of work submitted to a Pool.
type Task[R any] func(ctx context.Context) (R, error)

// A TaskError wraps the first error raised by a task in an
// InvokeAll call.
type TaskError struct {
	Index int
	Err   error
}

func (t *TaskError) Error() string {
	return fmt.Sprintf("task %d: %v", t.Index, t.Err)
}

func (t *TaskError) Unwrap() error {
	return t.Err
}

// A Pool bounds the number of tasks that run at once.
//
// The bound is shared by every InvokeAll call on the same
// Pool, so several workers in one process can share it.
// A task must not call InvokeAll on its own Pool, since
// it would hold a slot while waiting for one.
type Pool struct {
	size   int
	sem    *semaphore.Weighted
	logger logrus.FieldLogger
}

// An Option configures a Pool.
type Option func(p *Pool)

// WithLogger sets the logger used to report recovered
// panics.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// DefaultSize is half the number of hardware threads,
// and at least one.
func DefaultSize() int {
	if n := runtime.NumCPU() / 2; n > 0 {
		return n
	}
	return 1
}

// New creates a Pool running at most size tasks at once.
//
// If size is not positive, DefaultSize is used.
func New(size int, opts ...Option) *Pool {
	if size <= 0 {
		size = DefaultSize()
	}
	p := &Pool{
		size:   size,
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the maximum number of concurrent tasks.
func (p *Pool) Size() int {
	return p.size
}

// InvokeAll runs every task and returns their results in
// submission order.
//
// It blocks until every started task has returned.
// If any task fails or panics, the call fails with a
// *TaskError and no results are returned; tasks that
// have not started yet are skipped.
func InvokeAll[R any](ctx context.Context, p *Pool, tasks []Task[R]) ([]R, error) {
	results := make([]R, len(tasks))
	g, ctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() (err error) {
			if err := p.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer p.sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					p.logger.WithField("task", i).Errorf("recovered from panic: %v", r)
					debug.PrintStack()
					err = &TaskError{Index: i, Err: errors.Errorf("panic: %v", r)}
				}
			}()
			res, err := task(ctx)
			if err != nil {
				return &TaskError{Index: i, Err: err}
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Run calls fn(ctx, i) for every i in [0, n) on the Pool,
// with the same failure semantics as InvokeAll.
func Run(ctx context.Context, p *Pool, n int, fn func(ctx context.Context, i int) error) error {
	tasks := make([]Task[struct{}], n)
	for i := range tasks {
		i := i
		tasks[i] = func(ctx context.Context) (struct{}, error) {
			return struct{}{}, fn(ctx, i)
		}
	}
	_, err := InvokeAll(ctx, p, tasks)
	return err
}
