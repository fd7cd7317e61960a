// Package async provides bounded concurrent execution for background tasks.
//
// # Overview
//
// Batch runs a function over a slice with a fixed number of workers,
// per-task timeouts and panic recovery. A failing or panicking task never
// stops its siblings; every failure is returned to the caller.
//
//	errs := async.Batch(ctx, subs, 4, "billing subscription", time.Minute,
//		func(ctx context.Context, sub billing.Subscription) error {
//			return bill(ctx, sub)
//		})
//
// SafeGo runs side work such as startup checks in its own goroutine and
// logs failures instead of returning them.
//
// # Related Packages
//
//   - pkg/billing: parallel subscription processing
//   - cmd/recur: background reconciliation check
package async
