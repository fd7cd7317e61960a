// Package storage opens the backing stores used by a billing run: Redis
// for the run lock and price cache, PostgreSQL for the billing ledger and
// S3 for the run report archive. Every store is optional; callers check
// the corresponding Config field before opening it.
package storage
