package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// TaskError is returned by Batch for a task that failed or panicked.
type TaskError struct {
	TaskName string
	Index    int
	Err      error
	// Stack is set when the task panicked.
	Stack string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s[%d]: %v", e.TaskName, e.Index, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Batch processes items concurrently with at most workers tasks in flight.
// Each task gets its own context with timeout when timeout > 0. Errors and
// panics are collected, never propagated to siblings; tasks not yet started
// when ctx is cancelled are skipped and reported with ctx.Err().
//
// Example:
//
//	errs := Batch(ctx, files, 5, "file processing", 10*time.Second, func(ctx context.Context, f string) error {
//	    return processFile(ctx, f)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if workers <= 0 {
		workers = 1
	}

	// A plain errgroup.Group: we never want one failure to cancel the rest.
	var g errgroup.Group
	g.SetLimit(workers)

	var (
		mu   sync.Mutex
		errs []error
	)
	fail := func(err *TaskError) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for i, item := range items {
		if ctx.Err() != nil {
			fail(&TaskError{TaskName: taskName, Index: i, Err: ctx.Err()})
			continue
		}

		g.Go(func() error {
			if err := runTask(ctx, timeout, item, fn); err != nil {
				err.TaskName = taskName
				err.Index = i
				fail(err)
			}
			return nil
		})
	}

	_ = g.Wait()
	return errs
}

func runTask[T any](ctx context.Context, timeout time.Duration, item T, fn func(context.Context, T) error) (taskErr *TaskError) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			taskErr = &TaskError{Err: fmt.Errorf("panic: %v", r), Stack: string(debug.Stack())}
		}
	}()

	if err := fn(ctx, item); err != nil {
		return &TaskError{Err: err}
	}
	return nil
}
