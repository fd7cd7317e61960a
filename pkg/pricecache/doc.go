// Package pricecache caches catalog variant prices in front of a
// billing.PriceLookup. Lookups go to an in-process expirable LRU first,
// then to Redis when configured, and only the remaining misses reach the
// commerce backend. Cache failures are logged and degrade to the backend.
package pricecache
