// Package runlock ensures at most one billing run is active at a time
// across processes, using a Redis key with an owner token and expiry.
package runlock
