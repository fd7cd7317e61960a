// Package ledger keeps a PostgreSQL audit trail of billing runs and charge
// attempts. Every gateway call is written as one billing_attempts row, so
// charges that succeeded without a matching order can be found and
// reconciled by hand.
package ledger
