package shopify

import (
	"context"
	"fmt"
	"strings"

	"github.com/platinummonkey/recur/pkg/billing"
)

const createOrderMutation = `mutation CreateOrder($order: OrderCreateOrderInput!, $options: OrderCreateOptionsInput) {
  orderCreate(order: $order, options: $options) {
    order {
      id
      name
    }
    userErrors {
      field
      message
    }
  }
}`

// CreateOrder creates a paid order for a successful charge. Validation
// problems come back in OrderResult.UserErrors.
func (c *Client) CreateOrder(ctx context.Context, req billing.OrderRequest) (*billing.OrderResult, error) {
	currency := strings.ToUpper(firstNonEmpty(req.Currency, c.currency))

	lines := make([]map[string]any, 0, len(req.Lines))
	for _, l := range req.Lines {
		line := map[string]any{
			"variantId": GID("ProductVariant", l.VariantID),
			"quantity":  l.Quantity.IntPart(),
		}
		if l.Price != nil {
			line["priceSet"] = money(billing.FormatAmount(*l.Price), currency)
		}
		lines = append(lines, line)
	}

	transaction := map[string]any{
		"kind":      "SALE",
		"status":    "SUCCESS",
		"gateway":   req.PaymentGateway,
		"amountSet": money(billing.FormatAmount(req.AmountPaid), currency),
	}
	if req.PaymentRef != "" {
		transaction["authorizationCode"] = req.PaymentRef
	}

	order := map[string]any{
		"currency":        currency,
		"lineItems":       lines,
		"financialStatus": "PAID",
		"transactions":    []map[string]any{transaction},
	}
	if req.CustomerID != "" {
		order["customer"] = map[string]any{"toAssociate": map[string]any{"id": GID("Customer", req.CustomerID)}}
	}
	if req.Email != "" {
		order["email"] = req.Email
	}
	if addr := mailingAddress(req.ShippingAddress); addr != nil {
		order["shippingAddress"] = addr
	}
	if addr := mailingAddress(req.BillingAddress); addr != nil {
		order["billingAddress"] = addr
	}
	if len(req.Tags) > 0 {
		order["tags"] = req.Tags
	}
	if req.Note != "" {
		order["note"] = req.Note
	}

	var data struct {
		OrderCreate struct {
			Order *struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"order"`
			UserErrors []billing.UserError `json:"userErrors"`
		} `json:"orderCreate"`
	}
	vars := map[string]any{
		"order":   order,
		"options": map[string]any{"sendReceipt": false, "inventoryBehaviour": "DECREMENT_OBEYING_POLICY"},
	}
	if err := c.do(ctx, "CreateOrder", createOrderMutation, vars, &data); err != nil {
		return nil, fmt.Errorf("failed to create order for subscription %s: %w", req.SubscriptionID, err)
	}

	result := &billing.OrderResult{UserErrors: data.OrderCreate.UserErrors}
	if data.OrderCreate.Order != nil {
		result.OrderID = data.OrderCreate.Order.ID
		result.Name = data.OrderCreate.Order.Name
	}
	if result.OrderID == "" && len(result.UserErrors) == 0 {
		return nil, fmt.Errorf("failed to create order for subscription %s: no order returned", req.SubscriptionID)
	}
	return result, nil
}

func money(amount, currency string) map[string]any {
	return map[string]any{"shopMoney": map[string]any{"amount": amount, "currencyCode": currency}}
}

func mailingAddress(a *billing.Address) map[string]any {
	if a == nil {
		return nil
	}
	out := make(map[string]any)
	set := func(key, value string) {
		if value != "" {
			out[key] = value
		}
	}
	set("firstName", a.FirstName)
	set("lastName", a.LastName)
	set("company", a.Company)
	set("address1", a.Address1)
	set("address2", a.Address2)
	set("city", a.City)
	set("zip", a.Zip)
	set("phone", a.Phone)
	if a.ProvinceCode != "" {
		out["provinceCode"] = a.ProvinceCode
	} else {
		set("province", a.Province)
	}
	if a.CountryCode != "" {
		out["countryCode"] = strings.ToUpper(a.CountryCode)
	} else {
		set("country", a.Country)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
