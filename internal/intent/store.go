package intent

import (
	"context"
	"time"
)

// Store persists intents. Implementations must make Update atomic with
// respect to the fromState guard: the write succeeds only if the stored
// intent is currently in fromState, otherwise ErrInvalidTransition is
// returned and nothing changes. The registry relies on this guard as the
// commit point for every transition.
type Store interface {
	Create(ctx context.Context, in *Intent) error
	Get(ctx context.Context, id string) (*Intent, error)

	// Update replaces the stored intent if and only if its current state
	// equals fromState. Returns ErrIntentNotFound or ErrInvalidTransition.
	Update(ctx context.Context, in *Intent, fromState State) error

	// ListExpired returns up to limit non-terminal intents whose expiry is
	// before the cutoff, ordered by expiry ascending.
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Intent, error)

	// CountByState reports live intent counts for gauge export.
	CountByState(ctx context.Context) (map[State]int, error)

	// PurgeTerminal removes terminal intents last updated before the cutoff.
	// Durable stores may retain them as an archive and report zero.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error)

	AppendAudit(ctx context.Context, rec *AuditRecord) error
	ListAudit(ctx context.Context, intentID string) ([]*AuditRecord, error)
}
