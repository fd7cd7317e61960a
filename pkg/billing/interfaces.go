package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// PriceLookup returns current catalog prices keyed by variant reference.
// Variants unknown to the catalog are omitted from the result.
type PriceLookup interface {
	FetchVariantPrices(ctx context.Context, variantIDs []string) (map[string]decimal.Decimal, error)
}

// Repository is the commerce backend holding subscription records.
type Repository interface {
	PriceLookup

	// ListSubscriptions returns every subscription record, following
	// pagination internally.
	ListSubscriptions(ctx context.Context) ([]Subscription, error)

	// UpdateSubscription sets the non-nil fields of upd on the record.
	UpdateSubscription(ctx context.Context, id string, upd SubscriptionUpdate) error

	// CreateOrder creates a fulfillment order. Validation problems are
	// reported in OrderResult.UserErrors rather than as an error.
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
}

// Charger charges a stored credential. Every failure, transport errors
// included, is reported through the result and never as a Go error.
type Charger interface {
	Charge(ctx context.Context, req ChargeRequest) ChargeResult
}

// CardResolver turns a subscription's credential reference into the
// token the gateway expects.
type CardResolver interface {
	ResolveCardToken(ctx context.Context, customerID, cardRef string) (string, error)
}

// Locker guards against concurrent runs. Acquire returns a release func.
type Locker interface {
	Acquire(ctx context.Context, owner string) (release func(context.Context) error, err error)
}

// Recorder persists charge attempts and run reports.
type Recorder interface {
	RecordAttempt(ctx context.Context, attempt Attempt) error
	RecordRun(ctx context.Context, report *RunReport) error
}

// ReportSink publishes a finished run report.
type ReportSink interface {
	Publish(ctx context.Context, report *RunReport) error
}
