package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	// StatusActive subscriptions are billed on their next billing date.
	StatusActive SubscriptionStatus = "active"
	// StatusCardFailed subscriptions are paused after a card decline.
	StatusCardFailed SubscriptionStatus = "card_failed"
)

// FailureType classifies why a charge did not go through.
type FailureType string

const (
	FailureNone   FailureType = ""
	FailureCard   FailureType = "card"
	FailureSystem FailureType = "system"
)

// Outcome is the terminal state of one subscription within a run.
type Outcome string

const (
	OutcomeSucceeded     Outcome = "succeeded"
	OutcomeCardFailed    Outcome = "card_failed"
	OutcomeSystemFailure Outcome = "system_failure"
	// OutcomeWouldCharge is only produced by dry runs.
	OutcomeWouldCharge Outcome = "would_charge"
)

// Frequency is a billing interval such as 2 weeks or 1 month.
type Frequency struct {
	Number int    `json:"number"`
	Unit   string `json:"unit"`
}

func (f Frequency) String() string {
	return fmt.Sprintf("%d %s", f.Number, f.Unit)
}

// Address is a normalized postal address used for order creation.
type Address struct {
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Company      string `json:"company,omitempty"`
	Address1     string `json:"address1,omitempty"`
	Address2     string `json:"address2,omitempty"`
	City         string `json:"city,omitempty"`
	Province     string `json:"province,omitempty"`
	ProvinceCode string `json:"province_code,omitempty"`
	Country      string `json:"country,omitempty"`
	CountryCode  string `json:"country_code,omitempty"`
	Zip          string `json:"zip,omitempty"`
	Phone        string `json:"phone,omitempty"`
}

// Subscription is one recurring order record.
type Subscription struct {
	ID         string
	Handle     string
	CustomerID string
	// CardRef identifies the stored payment credential. It is either the
	// gateway data key itself or a reference the CardResolver can resolve.
	CardRef           string
	LineItemsRaw      string
	Frequency         Frequency
	NextBillingDate   Date
	Status            SubscriptionStatus
	LastBilledOrderID string
	Email             string
	ShippingAddress   *Address
	BillingAddress    *Address
	Note              string
}

// LineItem is a single variant in a subscription.
type LineItem struct {
	VariantID string           `json:"variant_id"`
	Quantity  decimal.Decimal  `json:"quantity"`
	Price     *decimal.Decimal `json:"price,omitempty"`
}

// LineItems is the serialized line item set stored on a subscription.
type LineItems struct {
	Currency string     `json:"currency"`
	Items    []LineItem `json:"items"`
}

// ParseLineItems decodes the serialized line item set. A bare JSON array
// of items is accepted as well. Quantities must be whole numbers.
func ParseLineItems(raw string) (LineItems, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return LineItems{}, nil
	}

	var set LineItems
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &set.Items); err != nil {
			return LineItems{}, fmt.Errorf("failed to parse line items: %w", err)
		}
	} else if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return LineItems{}, fmt.Errorf("failed to parse line items: %w", err)
	}

	for _, item := range set.Items {
		if !item.Quantity.Equal(item.Quantity.Truncate(0)) {
			return LineItems{}, fmt.Errorf("failed to parse line items: variant %s has fractional quantity %s", item.VariantID, item.Quantity)
		}
	}
	return set, nil
}

// SubscriptionUpdate carries the mutable fields of a subscription. Nil
// fields are left as they are.
type SubscriptionUpdate struct {
	NextBillingDate   *Date
	Status            *SubscriptionStatus
	LastBilledOrderID *string
}

// ChargeRequest is sent to the payment gateway.
type ChargeRequest struct {
	OrderID    string
	CardToken  string
	Amount     decimal.Decimal
	CustomerID string
}

// ChargeResult is the classified gateway response.
type ChargeResult struct {
	OrderID     string
	Amount      decimal.Decimal
	Success     bool
	FailureType FailureType
	Message     string
	Raw         string
	// Reference is the gateway's receipt or reference number when known.
	Reference string
}

// OrderLine is one line of a commerce order.
type OrderLine struct {
	VariantID string
	Quantity  decimal.Decimal
	Price     *decimal.Decimal
}

// OrderRequest describes the fulfillment order created after a successful charge.
type OrderRequest struct {
	SubscriptionID  string
	CustomerID      string
	Email           string
	Currency        string
	Lines           []OrderLine
	ShippingAddress *Address
	BillingAddress  *Address
	Tags            []string
	Note            string
	AmountPaid      decimal.Decimal
	PaymentGateway  string
	PaymentRef      string
}

// UserError is a validation error reported by the commerce backend.
type UserError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

// OrderResult is returned by Repository.CreateOrder.
type OrderResult struct {
	OrderID    string
	Name       string
	UserErrors []UserError
}

// Attempt is one charge attempt, recorded for audit and reconciliation.
type Attempt struct {
	RunID               string
	SubscriptionID      string
	ChargeOrderID       string
	Amount              decimal.Decimal
	Currency            string
	Outcome             Outcome
	FailureType         FailureType
	Message             string
	CommerceOrderID     string
	NeedsReconciliation bool
	AttemptedAt         time.Time
}

// SubscriptionOutcome is the per-subscription entry of a RunReport.
type SubscriptionOutcome struct {
	SubscriptionID string      `json:"subscription_id"`
	Outcome        Outcome     `json:"outcome"`
	Amount         string      `json:"amount,omitempty"`
	ChargeOrderID  string      `json:"charge_order_id,omitempty"`
	OrderID        string      `json:"order_id,omitempty"`
	FailureType    FailureType `json:"failure_type,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// RunReport aggregates the outcomes of one invocation.
type RunReport struct {
	RunID          string                `json:"run_id"`
	Date           Date                  `json:"date"`
	DryRun         bool                  `json:"dry_run"`
	Processed      int                   `json:"processed"`
	Succeeded      int                   `json:"succeeded"`
	CardFailures   int                   `json:"cardFailures"`
	SystemFailures int                   `json:"systemFailures"`
	WouldCharge    int                   `json:"wouldCharge,omitempty"`
	StartedAt      time.Time             `json:"started_at"`
	FinishedAt     time.Time             `json:"finished_at"`
	Outcomes       []SubscriptionOutcome `json:"outcomes,omitempty"`
}

func (r *RunReport) add(o SubscriptionOutcome) {
	r.Processed++
	switch o.Outcome {
	case OutcomeSucceeded:
		r.Succeeded++
	case OutcomeCardFailed:
		r.CardFailures++
	case OutcomeSystemFailure:
		r.SystemFailures++
	case OutcomeWouldCharge:
		r.WouldCharge++
	}
	r.Outcomes = append(r.Outcomes, o)
}
