package nonce

import (
	"context"
	"database/sql"
	"time"
)

// PostgresLedger persists consumed nonces in PostgreSQL. The unique
// constraint on the nonce column makes MarkUsed atomic across processes.
type PostgresLedger struct {
	db        *sql.DB
	retention time.Duration
}

// NewPostgresLedger creates a PostgreSQL-backed nonce ledger. Pass
// retention=0 to use DefaultRetention.
func NewPostgresLedger(db *sql.DB, retention time.Duration) *PostgresLedger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &PostgresLedger{db: db, retention: retention}
}

func (p *PostgresLedger) HasBeenUsed(ctx context.Context, nonce string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM receipt_nonces WHERE nonce = $1)`, nonce).Scan(&exists)
	return exists, err
}

func (p *PostgresLedger) MarkUsed(ctx context.Context, nonce string, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO receipt_nonces (nonce, first_seen_at)
		VALUES ($1, $2)
		ON CONFLICT (nonce) DO NOTHING`,
		nonce, now,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlreadyUsed
	}
	return nil
}

func (p *PostgresLedger) EvictExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM receipt_nonces WHERE first_seen_at < $1`,
		now.Add(-p.retention),
	)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// Compile-time assertion.
var _ Ledger = (*PostgresLedger)(nil)
