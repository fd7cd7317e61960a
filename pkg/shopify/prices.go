package shopify

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

const variantPricesQuery = `query VariantPrices($ids: [ID!]!) {
  nodes(ids: $ids) {
    ... on ProductVariant {
      id
      price
    }
  }
}`

// FetchVariantPrices returns the current price of each variant. Ids may be
// numeric or global ids; the result is keyed by the ids as given. Variants
// that no longer exist are omitted.
func (c *Client) FetchVariantPrices(ctx context.Context, variantIDs []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(variantIDs))
	if len(variantIDs) == 0 {
		return prices, nil
	}

	byGID := make(map[string][]string, len(variantIDs))
	gids := make([]string, 0, len(variantIDs))
	for _, id := range variantIDs {
		gid := GID("ProductVariant", id)
		if _, ok := byGID[gid]; !ok {
			gids = append(gids, gid)
		}
		byGID[gid] = append(byGID[gid], id)
	}

	for start := 0; start < len(gids); start += maxNodesPerQuery {
		end := min(start+maxNodesPerQuery, len(gids))

		var data struct {
			Nodes []*struct {
				ID    string `json:"id"`
				Price string `json:"price"`
			} `json:"nodes"`
		}
		if err := c.do(ctx, "VariantPrices", variantPricesQuery, map[string]any{"ids": gids[start:end]}, &data); err != nil {
			return nil, fmt.Errorf("failed to fetch variant prices: %w", err)
		}

		for _, node := range data.Nodes {
			if node == nil || node.ID == "" || node.Price == "" {
				continue
			}
			price, err := decimal.NewFromString(node.Price)
			if err != nil {
				c.logger.WithField("variant_id", node.ID).WithError(err).Warn("Ignoring unparseable variant price")
				continue
			}
			for _, id := range byGID[node.ID] {
				prices[id] = price
			}
		}
	}

	return prices, nil
}
