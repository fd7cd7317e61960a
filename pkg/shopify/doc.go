// Package shopify implements billing.Repository on the Shopify Admin
// GraphQL API.
//
// Subscriptions are metaobjects of type "subscription_order" whose fields
// hold the customer, the stored card reference, the serialized line items
// and the billing schedule. Successful charges become paid orders created
// with orderCreate, and catalog prices come from ProductVariant nodes.
package shopify
