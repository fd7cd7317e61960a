package billing

import "errors"

var (
	// ErrMissingCustomer is returned when a subscription has no customer reference.
	ErrMissingCustomer = errors.New("subscription has no customer reference")

	// ErrMissingCard is returned when a subscription has no payment credential reference.
	ErrMissingCard = errors.New("subscription has no payment credential reference")

	// ErrNoLineItems is returned when a subscription has no line items to bill.
	ErrNoLineItems = errors.New("subscription has no line items")

	// ErrNonPositiveAmount is returned when the computed charge is zero or negative.
	ErrNonPositiveAmount = errors.New("computed amount is not positive")

	// ErrOrderRejected is returned when the commerce backend reports user errors on order creation.
	ErrOrderRejected = errors.New("order creation rejected")

	// ErrChargeFailed wraps gateway failures in subscription outcomes.
	ErrChargeFailed = errors.New("charge failed")

	// ErrRunInProgress is returned by a Locker when another run is active.
	ErrRunInProgress = errors.New("billing run already in progress")
)
