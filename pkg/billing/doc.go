// Package billing runs recurring subscription billing.
//
// # Overview
//
// Each run lists every subscription record from the commerce backend, keeps
// the ones that are active and due today in the business timezone, computes
// the amount owed, charges the stored card through the payment gateway,
// creates a fulfillment order and moves the schedule forward.
//
// # Outcomes
//
// Every due subscription ends a run in exactly one outcome:
//
//   - succeeded: charged, order created, next_billing_date advanced
//   - card_failed: the gateway declined the card; the record is paused
//     with status card_failed until someone resets it
//   - system_failure: anything else; the record is left untouched
//
// Dry runs stop after the amount is computed and only report what would
// have been charged.
//
// # Usage Example
//
//	orch := billing.NewOrchestrator(repo, charger,
//		billing.WithLocation(loc),
//		billing.WithLogger(logger),
//	)
//	report, err := orch.Run(ctx, billing.RunOptions{DryRun: false})
//	if err != nil {
//		// listing failed or another run holds the lock
//	}
//	fmt.Println(report.Succeeded, report.CardFailures, report.SystemFailures)
//
// # Related Packages
//
//   - pkg/shopify: Repository implementation
//   - pkg/gateway: Charger implementation
//   - pkg/pricecache: cached PriceLookup
package billing
