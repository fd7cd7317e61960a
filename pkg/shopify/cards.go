package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const metaobjectQuery = `query CardMetaobject($id: ID!) {
  metaobject(id: $id) {
    id
    type
    fields {
      key
      value
    }
  }
}`

const customerCardsQuery = `query CustomerCards($id: ID!) {
  customer(id: $id) {
    metafield(namespace: "custom", key: "moneris_cards") {
      value
    }
  }
}`

// CardTokenField is the moneris_card metaobject field holding the data key.
const CardTokenField = "token"

// ResolveCardToken returns the gateway data key for a subscription.
// References to card metaobjects are resolved to their token field; when
// the referenced card has no token, the first card stored on the
// customer's custom.moneris_cards metafield is used. Any other reference
// is already a data key and is returned as is.
func (c *Client) ResolveCardToken(ctx context.Context, customerID, cardRef string) (string, error) {
	cardRef = strings.TrimSpace(cardRef)
	if !strings.HasPrefix(cardRef, "gid://shopify/Metaobject/") {
		return cardRef, nil
	}

	token, err := c.cardToken(ctx, cardRef)
	if err != nil {
		return "", err
	}
	if token != "" {
		return token, nil
	}

	c.logger.WithField("card_ref", cardRef).Warn("Card metaobject has no token, trying customer cards")
	return c.customerCardToken(ctx, customerID)
}

func (c *Client) cardToken(ctx context.Context, id string) (string, error) {
	var data struct {
		Metaobject *metaobject `json:"metaobject"`
	}
	if err := c.do(ctx, "CardMetaobject", metaobjectQuery, map[string]any{"id": id}, &data); err != nil {
		return "", fmt.Errorf("failed to fetch card %s: %w", id, err)
	}
	if data.Metaobject == nil {
		return "", nil
	}
	return strings.TrimSpace(data.Metaobject.values()[CardTokenField]), nil
}

func (c *Client) customerCardToken(ctx context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", nil
	}

	var data struct {
		Customer *struct {
			Metafield *struct {
				Value string `json:"value"`
			} `json:"metafield"`
		} `json:"customer"`
	}
	if err := c.do(ctx, "CustomerCards", customerCardsQuery, map[string]any{"id": GID("Customer", customerID)}, &data); err != nil {
		return "", fmt.Errorf("failed to fetch cards of customer %s: %w", customerID, err)
	}
	if data.Customer == nil || data.Customer.Metafield == nil {
		return "", nil
	}

	var refs []string
	if err := json.Unmarshal([]byte(data.Customer.Metafield.Value), &refs); err != nil {
		return "", fmt.Errorf("failed to decode cards of customer %s: %w", customerID, err)
	}
	if len(refs) == 0 {
		return "", nil
	}
	return c.cardToken(ctx, refs[0])
}
