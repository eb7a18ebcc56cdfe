package intent

import (
	"context"
	"database/sql"
	"time"

	"github.com/meterd/x402gw/internal/idgen"
)

// PostgresStore persists intents in PostgreSQL. Amounts are stored as
// BIGINT micro-units. Terminal intents are retained as an archive, so
// PurgeTerminal is a no-op here.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed intent store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, in *Intent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO intents (
			id, payer, locked_amount, state, expires_at,
			endpoint, request_payload, settled_amount, dispatched,
			escrow_tx, refund_reason, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13
		)`,
		in.ID, in.Payer, in.LockedAmount, string(in.State), in.Expiry,
		in.Endpoint, []byte(in.RequestPayload), in.SettledAmount, in.Dispatched,
		in.EscrowTx, in.RefundReason, in.CreatedAt, in.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Intent, error) {
	in, err := scanIntent(p.db.QueryRowContext(ctx, `
		SELECT id, payer, locked_amount, state, expires_at,
		       endpoint, request_payload, settled_amount, dispatched,
		       escrow_tx, refund_reason, created_at, updated_at
		FROM intents WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrIntentNotFound
	}
	return in, err
}

func (p *PostgresStore) Update(ctx context.Context, in *Intent, fromState State) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE intents SET
			state = $1, settled_amount = $2, dispatched = $3,
			escrow_tx = $4, refund_reason = $5, updated_at = NOW()
		WHERE id = $6 AND state = $7`,
		string(in.State), in.SettledAmount, in.Dispatched,
		in.EscrowTx, in.RefundReason,
		in.ID, string(fromState),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the intent is gone or another writer moved it first.
		if _, gerr := p.Get(ctx, in.ID); gerr == ErrIntentNotFound {
			return ErrIntentNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

func (p *PostgresStore) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Intent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, payer, locked_amount, state, expires_at,
		       endpoint, request_payload, settled_amount, dispatched,
		       escrow_tx, refund_reason, created_at, updated_at
		FROM intents
		WHERE state IN ('PENDING', 'LOCKED', 'PROCESSING') AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanIntents(rows)
}

func (p *PostgresStore) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM intents GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[State(state)] = n
	}
	return counts, rows.Err()
}

// PurgeTerminal keeps terminal intents as a durable settlement archive.
func (p *PostgresStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func (p *PostgresStore) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	id := rec.ID
	if id == "" {
		id = idgen.WithPrefix("aud_")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO intent_audit (id, intent_id, event, detail, at)
		VALUES ($1, $2, $3, $4, $5)`,
		id, rec.IntentID, rec.Event, rec.Detail, rec.At,
	)
	return err
}

func (p *PostgresStore) ListAudit(ctx context.Context, intentID string) ([]*AuditRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, intent_id, event, detail, at
		FROM intent_audit
		WHERE intent_id = $1
		ORDER BY at ASC`, intentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*AuditRecord
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.ID, &rec.IntentID, &rec.Event, &rec.Detail, &rec.At); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (*Intent, error) {
	var in Intent
	var state string
	var payload []byte
	err := row.Scan(
		&in.ID, &in.Payer, &in.LockedAmount, &state, &in.Expiry,
		&in.Endpoint, &payload, &in.SettledAmount, &in.Dispatched,
		&in.EscrowTx, &in.RefundReason, &in.CreatedAt, &in.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	in.State = State(state)
	in.RequestPayload = payload
	return &in, nil
}

func scanIntents(rows *sql.Rows) ([]*Intent, error) {
	var out []*Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
