package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/recur/pkg/billing"
)

const schema = `
CREATE TABLE IF NOT EXISTS billing_runs (
	run_id VARCHAR(64) PRIMARY KEY,
	run_date DATE NOT NULL,
	dry_run BOOLEAN NOT NULL DEFAULT FALSE,
	processed INTEGER NOT NULL,
	succeeded INTEGER NOT NULL,
	card_failures INTEGER NOT NULL,
	system_failures INTEGER NOT NULL,
	would_charge INTEGER NOT NULL DEFAULT 0,
	started_at TIMESTAMP WITH TIME ZONE NOT NULL,
	finished_at TIMESTAMP WITH TIME ZONE NOT NULL,
	outcomes JSONB,
	created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS billing_attempts (
	id BIGSERIAL PRIMARY KEY,
	run_id VARCHAR(64) NOT NULL,
	subscription_id VARCHAR(255) NOT NULL,
	charge_order_id VARCHAR(255) NOT NULL UNIQUE,
	amount NUMERIC(12, 2) NOT NULL,
	currency VARCHAR(3),
	outcome VARCHAR(32) NOT NULL,
	failure_type VARCHAR(16),
	message TEXT,
	commerce_order_id VARCHAR(255),
	needs_reconciliation BOOLEAN NOT NULL DEFAULT FALSE,
	attempted_at TIMESTAMP WITH TIME ZONE NOT NULL,
	created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_billing_attempts_subscription ON billing_attempts(subscription_id, attempted_at DESC);
CREATE INDEX IF NOT EXISTS idx_billing_attempts_run ON billing_attempts(run_id);
CREATE INDEX IF NOT EXISTS idx_billing_attempts_reconciliation ON billing_attempts(needs_reconciliation) WHERE needs_reconciliation;
`

// Store implements billing.Recorder on PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ billing.Recorder = (*Store)(nil)

// NewStore creates a Store. Call Migrate before first use.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &Store{db: db}, nil
}

// Migrate creates the ledger tables if they don't exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create ledger tables: %w", err)
	}
	return nil
}

// RecordAttempt writes one charge attempt.
func (s *Store) RecordAttempt(ctx context.Context, a billing.Attempt) error {
	query := `
		INSERT INTO billing_attempts (
			run_id, subscription_id, charge_order_id,
			amount, currency, outcome, failure_type, message,
			commerce_order_id, needs_reconciliation, attempted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.db.ExecContext(ctx, query,
		a.RunID, a.SubscriptionID, a.ChargeOrderID,
		a.Amount.StringFixed(2), nullString(a.Currency), string(a.Outcome), nullString(string(a.FailureType)), nullString(a.Message),
		nullString(a.CommerceOrderID), a.NeedsReconciliation, a.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt %s: %w", a.ChargeOrderID, err)
	}
	return nil
}

// RecordRun writes a run report, replacing an earlier write of the same run.
func (s *Store) RecordRun(ctx context.Context, r *billing.RunReport) error {
	outcomes, err := json.Marshal(r.Outcomes)
	if err != nil {
		return fmt.Errorf("failed to marshal outcomes: %w", err)
	}

	query := `
		INSERT INTO billing_runs (
			run_id, run_date, dry_run,
			processed, succeeded, card_failures, system_failures, would_charge,
			started_at, finished_at, outcomes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id) DO UPDATE SET
			processed = EXCLUDED.processed,
			succeeded = EXCLUDED.succeeded,
			card_failures = EXCLUDED.card_failures,
			system_failures = EXCLUDED.system_failures,
			would_charge = EXCLUDED.would_charge,
			finished_at = EXCLUDED.finished_at,
			outcomes = EXCLUDED.outcomes
	`

	_, err = s.db.ExecContext(ctx, query,
		r.RunID, r.Date.String(), r.DryRun,
		r.Processed, r.Succeeded, r.CardFailures, r.SystemFailures, r.WouldCharge,
		r.StartedAt, r.FinishedAt, outcomes,
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", r.RunID, err)
	}
	return nil
}

// PendingReconciliation returns attempts that took money without a
// matching order or schedule update, oldest first.
func (s *Store) PendingReconciliation(ctx context.Context, limit int) ([]billing.Attempt, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT run_id, subscription_id, charge_order_id,
			amount, currency, outcome, failure_type, message,
			commerce_order_id, needs_reconciliation, attempted_at
		FROM billing_attempts
		WHERE needs_reconciliation
		ORDER BY attempted_at ASC
		LIMIT $1
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending reconciliation: %w", err)
	}
	defer rows.Close()

	var attempts []billing.Attempt
	for rows.Next() {
		var (
			a           billing.Attempt
			amount      string
			outcome     string
			attemptedAt time.Time

			currency, failureType, message, commerceOrder sql.NullString
		)
		if err := rows.Scan(
			&a.RunID, &a.SubscriptionID, &a.ChargeOrderID,
			&amount, &currency, &outcome, &failureType, &message,
			&commerceOrder, &a.NeedsReconciliation, &attemptedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}

		a.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q for attempt %s: %w", amount, a.ChargeOrderID, err)
		}
		a.Currency = currency.String
		a.Outcome = billing.Outcome(outcome)
		a.FailureType = billing.FailureType(failureType.String)
		a.Message = message.String
		a.CommerceOrderID = commerceOrder.String
		a.AttemptedAt = attemptedAt
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read attempts: %w", err)
	}
	return attempts, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
