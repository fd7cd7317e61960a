package billing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Calculator computes the amount owed for a set of line items.
type Calculator struct {
	prices PriceLookup
}

// NewCalculator creates a Calculator that falls back to prices for items
// without an explicit price.
func NewCalculator(prices PriceLookup) *Calculator {
	return &Calculator{prices: prices}
}

// Total returns Σ(quantity × price) with missing prices counted as zero.
// Only when that sum is not positive are the unpriced items looked up in
// the catalog, once per variant, and the total recomputed; variants the
// catalog does not know count as zero. A total that is still not positive
// returns ErrNonPositiveAmount.
func (c *Calculator) Total(ctx context.Context, items []LineItem) (decimal.Decimal, error) {
	total := decimal.Zero
	var missing []string
	seen := make(map[string]bool)

	for _, item := range items {
		if item.Price != nil {
			total = total.Add(item.Quantity.Mul(*item.Price))
			continue
		}
		if !seen[item.VariantID] {
			seen[item.VariantID] = true
			missing = append(missing, item.VariantID)
		}
	}

	if total.IsPositive() {
		return total, nil
	}
	if len(missing) == 0 {
		return decimal.Zero, ErrNonPositiveAmount
	}
	if c.prices == nil {
		return decimal.Zero, fmt.Errorf("%w: %d items have no price and no catalog is configured", ErrNonPositiveAmount, len(missing))
	}

	catalog, err := c.prices.FetchVariantPrices(ctx, missing)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch catalog prices: %w", err)
	}

	total = decimal.Zero
	for _, item := range items {
		price := catalog[item.VariantID]
		if item.Price != nil {
			price = *item.Price
		}
		total = total.Add(item.Quantity.Mul(price))
	}

	if !total.IsPositive() {
		return decimal.Zero, ErrNonPositiveAmount
	}
	return total, nil
}

// FormatAmount renders an amount with exactly two fractional digits.
func FormatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}
