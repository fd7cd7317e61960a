// Package config provides application configuration management from environment variables.
//
// # Overview
//
// LoadConfig reads every setting from the environment, applies defaults and
// validates the result. Business packages never read the environment
// themselves; main passes the sections to their constructors.
//
// # Configuration Structure
//
// Shopify settings (the unprefixed names are accepted as well):
//
//	RECUR_SHOPIFY_STORE="acme.myshopify.com"     # or SHOPIFY_STORE
//	RECUR_SHOPIFY_ADMIN_TOKEN="shpat_..."        # or SHOPIFY_ADMIN_TOKEN
//	RECUR_SHOPIFY_API_VERSION="2024-10"
//	RECUR_SHOPIFY_METAOBJECT_TYPE="subscription_order"
//
// Gateway settings:
//
//	RECUR_MONERIS_STORE_ID="store5"              # or MONERIS_STORE_ID
//	RECUR_MONERIS_API_TOKEN="yesguy"             # or MONERIS_API_TOKEN
//	RECUR_GATEWAY_COMMAND="java"
//	RECUR_GATEWAY_ARGS="-cp lib/*:. ProdCanadaResPurchaseCC"
//	RECUR_GATEWAY_CLASSIFIER="legacy"            # legacy, receipt
//
// Billing settings:
//
//	RECUR_TIMEZONE="America/New_York"
//	RECUR_CONCURRENCY="1"
//	RECUR_DRY_RUN="false"
//
// Storage settings (each backend is optional):
//
//	RECUR_DATABASE_URL="postgres://localhost/recur?sslmode=disable"
//	RECUR_REDIS_URL="redis://localhost:6379/0"
//	RECUR_REPORTS_BUCKET="billing-reports"
//
// Observability settings:
//
//	RECUR_LOG_LEVEL="info"
//	RECUR_LOG_FORMAT="json"                      # json, text
//	RECUR_HEALTH_ADDR=":9090"
//	RECUR_PUSHGATEWAY_URL="http://pushgateway:9091"
//	RECUR_OTEL_ENABLED="true"
//	RECUR_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	client, err := shopify.NewClient(cfg.Shopify)
//
// # Related Packages
//
//   - pkg/storage: Uses storage configuration
//   - pkg/observability: Uses observability configuration
package config
