package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
)

// SafeGo runs fn in a goroutine with its own timeout. Errors and panics
// are logged and never propagated. The returned channel is closed when fn
// returns.
//
// Example:
//
//	SafeGo(ctx, logger, 30*time.Second, "reconciliation check", func(ctx context.Context) error {
//	    return check(ctx)
//	})
func SafeGo(parentCtx context.Context, logger logrus.FieldLogger, timeout time.Duration, taskName string, fn func(context.Context) error) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		ctx := parentCtx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parentCtx, timeout)
			defer cancel()
		}

		log := logger.WithField("task", taskName)
		defer func() {
			if r := recover(); r != nil {
				log.WithField("stack", string(debug.Stack())).
					Errorf("panic in background task: %v", r)
			}
		}()

		if err := fn(ctx); err != nil {
			log.WithError(fmt.Errorf("%s: %w", taskName, err)).Warn("background task failed")
		}
	}()

	return done
}
