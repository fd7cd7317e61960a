package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/recur/pkg/billing"
)

// Metaobject field keys of a subscription record.
const (
	FieldUserID            = "user_id"
	FieldCustomerID        = "customer_id"
	FieldCard              = "moneris_card"
	FieldLineItems         = "subscription_line_items"
	FieldItems             = "items"
	FieldFrequencyNumber   = "frequency_number"
	FieldFrequencyUnit     = "frequency_unit"
	FieldFrequencyDays     = "frequency_days"
	FieldNextBillingDate   = "next_billing_date"
	FieldStatus            = "status"
	FieldLastBilledOrderID = "last_billed_order_id"
	FieldShippingAddress   = "shipping_address"
	FieldBillingAddress    = "billing_address"
	FieldEmail             = "email"
	FieldNote              = "note"
)

const listSubscriptionsQuery = `query SubscriptionOrders($type: String!, $first: Int!, $after: String) {
  metaobjects(type: $type, first: $first, after: $after) {
    nodes {
      id
      handle
      fields {
        key
        value
      }
    }
    pageInfo {
      hasNextPage
      endCursor
    }
  }
}`

const updateSubscriptionMutation = `mutation UpdateSubscription($id: ID!, $metaobject: MetaobjectUpdateInput!) {
  metaobjectUpdate(id: $id, metaobject: $metaobject) {
    metaobject {
      id
    }
    userErrors {
      field
      message
    }
  }
}`

type metaobjectField struct {
	Key   string  `json:"key"`
	Value *string `json:"value"`
}

type metaobject struct {
	ID     string            `json:"id"`
	Handle string            `json:"handle"`
	Fields []metaobjectField `json:"fields"`
}

// values flattens the field list into key → value.
func (m metaobject) values() map[string]string {
	out := make(map[string]string, len(m.Fields))
	for _, f := range m.Fields {
		if f.Value != nil {
			out[f.Key] = *f.Value
		}
	}
	return out
}

type pageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

// ListSubscriptions returns every subscription metaobject, following
// pagination until the last page.
func (c *Client) ListSubscriptions(ctx context.Context) ([]billing.Subscription, error) {
	var (
		subs   []billing.Subscription
		cursor *string
		pages  int
	)

	for {
		var data struct {
			Metaobjects struct {
				Nodes    []metaobject `json:"nodes"`
				PageInfo pageInfo     `json:"pageInfo"`
			} `json:"metaobjects"`
		}

		vars := map[string]any{"type": c.metaobjectType, "first": c.pageSize, "after": cursor}
		if err := c.do(ctx, "SubscriptionOrders", listSubscriptionsQuery, vars, &data); err != nil {
			return nil, fmt.Errorf("failed to list subscriptions (page %d): %w", pages+1, err)
		}
		pages++

		for _, node := range data.Metaobjects.Nodes {
			subs = append(subs, c.decodeSubscription(node))
		}

		info := data.Metaobjects.PageInfo
		if !info.HasNextPage {
			break
		}
		if info.EndCursor == "" {
			return nil, fmt.Errorf("failed to list subscriptions: page %d has more results but no cursor", pages)
		}
		next := info.EndCursor
		cursor = &next
	}

	c.logger.WithField("pages", pages).Debugf("Listed %d subscriptions", len(subs))
	return subs, nil
}

// decodeSubscription never fails: malformed fields decode to zero values
// so that the record is skipped or failed by the orchestrator instead of
// aborting the listing.
func (c *Client) decodeSubscription(node metaobject) billing.Subscription {
	v := node.values()
	log := c.logger.WithField("subscription_id", node.ID)

	sub := billing.Subscription{
		ID:                node.ID,
		Handle:            node.Handle,
		CustomerID:        firstNonEmpty(v[FieldUserID], v[FieldCustomerID]),
		CardRef:           strings.TrimSpace(v[FieldCard]),
		LineItemsRaw:      firstNonEmpty(v[FieldLineItems], v[FieldItems]),
		Status:            billing.SubscriptionStatus(strings.TrimSpace(v[FieldStatus])),
		LastBilledOrderID: v[FieldLastBilledOrderID],
		Email:             v[FieldEmail],
		Note:              v[FieldNote],
	}

	sub.Frequency = billing.Frequency{Unit: strings.TrimSpace(v[FieldFrequencyUnit])}
	if raw := strings.TrimSpace(v[FieldFrequencyNumber]); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			log.WithError(err).Warn("Invalid frequency number")
		}
		sub.Frequency.Number = n
	} else if raw := strings.TrimSpace(v[FieldFrequencyDays]); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			log.WithError(err).Warn("Invalid frequency days")
		}
		sub.Frequency = billing.Frequency{Number: n, Unit: "days"}
	}

	if raw := strings.TrimSpace(v[FieldNextBillingDate]); raw != "" {
		d, err := billing.ParseDate(raw)
		if err != nil {
			log.WithError(err).Warn("Invalid next billing date")
		}
		sub.NextBillingDate = d
	}

	sub.ShippingAddress = decodeAddress(log, FieldShippingAddress, v[FieldShippingAddress])
	sub.BillingAddress = decodeAddress(log, FieldBillingAddress, v[FieldBillingAddress])
	return sub
}

// UpdateSubscription writes the set fields of upd to the metaobject.
func (c *Client) UpdateSubscription(ctx context.Context, id string, upd billing.SubscriptionUpdate) error {
	fields := make([]map[string]string, 0, 3)
	if upd.NextBillingDate != nil {
		fields = append(fields, map[string]string{"key": FieldNextBillingDate, "value": upd.NextBillingDate.String()})
	}
	if upd.Status != nil {
		fields = append(fields, map[string]string{"key": FieldStatus, "value": string(*upd.Status)})
	}
	if upd.LastBilledOrderID != nil {
		fields = append(fields, map[string]string{"key": FieldLastBilledOrderID, "value": *upd.LastBilledOrderID})
	}
	if len(fields) == 0 {
		return nil
	}

	var data struct {
		MetaobjectUpdate struct {
			UserErrors []billing.UserError `json:"userErrors"`
		} `json:"metaobjectUpdate"`
	}
	vars := map[string]any{"id": id, "metaobject": map[string]any{"fields": fields}}
	if err := c.do(ctx, "UpdateSubscription", updateSubscriptionMutation, vars, &data); err != nil {
		return fmt.Errorf("failed to update subscription %s: %w", id, err)
	}
	if errs := data.MetaobjectUpdate.UserErrors; len(errs) > 0 {
		return &UserErrors{Operation: "UpdateSubscription", Errors: errs}
	}
	return nil
}

// rawAddress accepts both the snake_case keys written by the storefront
// and Shopify's camelCase MailingAddress keys.
type rawAddress struct {
	billing.Address
	FirstNameCamel    string `json:"firstName"`
	LastNameCamel     string `json:"lastName"`
	ProvinceCodeCamel string `json:"provinceCode"`
	CountryCodeCamel  string `json:"countryCode"`
}

func decodeAddress(log logrus.FieldLogger, field, raw string) *billing.Address {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil
	}

	var a rawAddress
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		log.Warnf("Invalid %s: %v", field, err)
		return nil
	}
	addr := a.Address
	addr.FirstName = firstNonEmpty(addr.FirstName, a.FirstNameCamel)
	addr.LastName = firstNonEmpty(addr.LastName, a.LastNameCamel)
	addr.ProvinceCode = firstNonEmpty(addr.ProvinceCode, a.ProvinceCodeCamel)
	addr.CountryCode = firstNonEmpty(addr.CountryCode, a.CountryCodeCamel)
	return &addr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
