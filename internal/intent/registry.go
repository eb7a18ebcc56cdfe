package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meterd/x402gw/internal/escrow"
	"github.com/meterd/x402gw/internal/idgen"
	"github.com/meterd/x402gw/internal/logging"
	"github.com/meterd/x402gw/internal/metrics"
	"github.com/meterd/x402gw/internal/retry"
	"github.com/meterd/x402gw/internal/syncutil"
)

// Registry is the authoritative owner of intent records. All state
// transitions flow through it; it serializes work per intent with a
// sharded key lock and never holds a lock across an escrow call.
// After every escrow call it re-reads the intent and re-validates the
// guard before committing (the store's fromState check is the final
// arbiter when two writers race).
type Registry struct {
	store  Store
	escrow escrow.Client
	logger *slog.Logger

	// recipient and targetChain identify where settled funds land.
	recipient   string
	targetChain string

	locks syncutil.ShardedMutex
	now   func() time.Time
}

func NewRegistry(store Store, esc escrow.Client, recipient, targetChain string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:       store,
		escrow:      esc,
		logger:      logger,
		recipient:   recipient,
		targetChain: targetChain,
		now:         time.Now,
	}
}

// WithClock overrides the registry's time source for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// lock serializes transitions per intent. Sharded, so two intents can
// occasionally contend on the same shard; correctness only needs that the
// same intent never transitions concurrently.
func (r *Registry) lock(intentID string) func() {
	return r.locks.Lock(intentID)
}

// ChallengeParams describes the deferred request a new intent will pay for.
type ChallengeParams struct {
	Endpoint       string
	RequestPayload json.RawMessage
	Payer          string
	MaxBudget      int64 // micro-units, upper bound of the matched price band
	ExpirySeconds  int64
}

// Challenge creates a fresh PENDING intent and registers it with the
// escrow provider so the payer can lock funds against it.
func (r *Registry) Challenge(ctx context.Context, p ChallengeParams) (*Intent, error) {
	if p.MaxBudget <= 0 {
		return nil, fmt.Errorf("%w: budget must be positive", ErrInvalidAmount)
	}

	now := r.now().UTC()
	in := &Intent{
		ID:             idgen.WithPrefix("int_"),
		Payer:          p.Payer,
		LockedAmount:   p.MaxBudget,
		State:          StatePending,
		Expiry:         now.Add(time.Duration(p.ExpirySeconds) * time.Second),
		Endpoint:       p.Endpoint,
		RequestPayload: p.RequestPayload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if _, err := r.escrow.CreateIntent(ctx, in.ID, in.Payer, in.LockedAmount, in.Expiry); err != nil {
		return nil, fmt.Errorf("registering intent with escrow: %w", err)
	}
	if err := r.store.Create(ctx, in); err != nil {
		return nil, fmt.Errorf("storing intent: %w", err)
	}
	r.audit(ctx, in.ID, "challenge", fmt.Sprintf("endpoint=%s budget=%d expiry=%d", in.Endpoint, in.LockedAmount, in.Expiry.Unix()))
	metrics.ChallengesIssuedTotal.Inc()

	logging.L(ctx).Info("intent challenged",
		"intent_id", in.ID,
		"endpoint", in.Endpoint,
		"max_budget", in.LockedAmount,
		"expires_at", in.Expiry)
	return in, nil
}

// Get returns the current intent record.
func (r *Registry) Get(ctx context.Context, intentID string) (*Intent, error) {
	return r.store.Get(ctx, intentID)
}

// Audit returns the intent's audit trail, oldest first.
func (r *Registry) Audit(ctx context.Context, intentID string) ([]*AuditRecord, error) {
	return r.store.ListAudit(ctx, intentID)
}

// AcceptEvidence verifies with the escrow provider that funds are locked
// for the intent and advances it to PROCESSING. Calling it again on a
// PROCESSING intent is idempotent only while no backing call has been
// dispatched; afterwards it fails with ErrAlreadyProcessing.
func (r *Registry) AcceptEvidence(ctx context.Context, intentID, escrowTx string) (*Intent, error) {
	unlock := r.lock(intentID)
	in, err := r.store.Get(ctx, intentID)
	if err != nil {
		unlock()
		return nil, err
	}

	switch {
	case in.State == StateProcessing && !in.Dispatched:
		unlock()
		return in, nil
	case in.State == StateProcessing:
		unlock()
		return nil, ErrAlreadyProcessing
	case in.State.Terminal():
		unlock()
		return nil, fmt.Errorf("%w: intent is %s", ErrInvalidTransition, in.State)
	}
	if in.IsExpired(r.now()) {
		unlock()
		return nil, ErrIntentExpired
	}
	prev := in.State
	unlock()

	// Escrow lookup happens outside the intent lock.
	st, err := r.escrow.GetStatus(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("querying escrow status: %w", err)
	}
	if st.State != escrow.StateLocked {
		return nil, fmt.Errorf("%w: escrow reports %s", ErrNotLocked, st.State)
	}
	if st.Amount < in.LockedAmount {
		return nil, fmt.Errorf("%w: locked %d, need %d", ErrInsufficientLock, st.Amount, in.LockedAmount)
	}

	unlock = r.lock(intentID)
	defer unlock()

	// Recheck before commit: the sweep or a concurrent evidence call may
	// have moved the intent while we were talking to escrow.
	in, err = r.store.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if in.State == StateProcessing && !in.Dispatched {
		return in, nil
	}
	if in.State != prev {
		return nil, fmt.Errorf("%w: intent moved to %s", ErrInvalidTransition, in.State)
	}
	if in.IsExpired(r.now()) {
		return nil, ErrIntentExpired
	}

	if in.State == StatePending {
		in.State = StateLocked
		if err := r.store.Update(ctx, in, StatePending); err != nil {
			return nil, err
		}
		r.audit(ctx, in.ID, "lock", fmt.Sprintf("escrow locked %d", st.Amount))
	}

	in.State = StateProcessing
	in.EscrowTx = escrowTx
	if err := r.store.Update(ctx, in, StateLocked); err != nil {
		return nil, err
	}
	r.audit(ctx, in.ID, "evidence", "evidence accepted, intent processing")

	logging.L(ctx).Info("payment evidence accepted",
		"intent_id", in.ID,
		"escrow_tx", escrowTx,
		"locked_amount", st.Amount)
	return in, nil
}

// MarkDispatched records that the backing request has been sent, after
// which AcceptEvidence is no longer idempotent for this intent.
func (r *Registry) MarkDispatched(ctx context.Context, intentID string) error {
	unlock := r.lock(intentID)
	defer unlock()

	in, err := r.store.Get(ctx, intentID)
	if err != nil {
		return err
	}
	if in.State != StateProcessing {
		return fmt.Errorf("%w: intent is %s, not PROCESSING", ErrInvalidTransition, in.State)
	}
	if in.Dispatched {
		return nil
	}
	in.Dispatched = true
	if err := r.store.Update(ctx, in, StateProcessing); err != nil {
		return err
	}
	r.audit(ctx, in.ID, "dispatch", "backing request dispatched")
	return nil
}

// Settle commits the validated amount to escrow and finalizes the intent.
// Requires PROCESSING; the second settle on an intent fails with
// ErrInvalidTransition.
func (r *Registry) Settle(ctx context.Context, intentID string, settledAmount int64) (*SettlementRecord, error) {
	unlock := r.lock(intentID)
	in, err := r.store.Get(ctx, intentID)
	if err != nil {
		unlock()
		return nil, err
	}
	if in.State != StateProcessing {
		unlock()
		return nil, fmt.Errorf("%w: settle requires PROCESSING, intent is %s", ErrInvalidTransition, in.State)
	}
	if settledAmount < 0 || settledAmount > in.LockedAmount {
		unlock()
		return nil, fmt.Errorf("%w: settle %d outside [0, %d]", ErrInvalidAmount, settledAmount, in.LockedAmount)
	}
	unlock()

	tx, err := r.escrow.Settle(ctx, intentID, r.recipient, settledAmount, r.targetChain)
	if err != nil {
		return nil, fmt.Errorf("escrow settlement: %w", err)
	}

	unlock = r.lock(intentID)
	defer unlock()

	in, err = r.store.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if in.State != StateProcessing {
		// Escrow accepted the settlement but the intent was finalized
		// underneath us (most likely the expiry sweep refunded it). The
		// escrow provider is the arbiter of the funds; flag for operators.
		r.logger.Error("CRITICAL: escrow settled but intent no longer PROCESSING",
			"intent_id", intentID,
			"state", in.State,
			"settled_tx", string(tx))
		return nil, fmt.Errorf("%w: intent moved to %s during settlement", ErrInvalidTransition, in.State)
	}

	in.State = StateSettled
	in.SettledAmount = settledAmount
	if err := r.store.Update(ctx, in, StateProcessing); err != nil {
		return nil, err
	}
	r.audit(ctx, in.ID, "settle", fmt.Sprintf("settled %d of %d, tx=%s", settledAmount, in.LockedAmount, tx))
	metrics.SettlementsTotal.Inc()

	rec := &SettlementRecord{
		IntentID:      intentID,
		SettledAmount: settledAmount,
		RefundAmount:  in.LockedAmount - settledAmount,
		SettledTx:     string(tx),
	}
	logging.L(ctx).Info("intent settled",
		"intent_id", intentID,
		"settled_amount", rec.SettledAmount,
		"refund_amount", rec.RefundAmount,
		"settled_tx", rec.SettledTx)
	return rec, nil
}

// Refund releases the payer's locked funds and finalizes the intent.
// Callable from PENDING, LOCKED, and PROCESSING. Refunding an intent
// that is already REFUNDED is a no-op success; refunding a SETTLED
// intent fails with ErrInvalidTransition. trigger labels the refund
// metric (failure, expiry, replay, ...).
func (r *Registry) Refund(ctx context.Context, intentID, reason, trigger string) error {
	unlock := r.lock(intentID)
	in, err := r.store.Get(ctx, intentID)
	if err != nil {
		unlock()
		return err
	}
	switch in.State {
	case StateRefunded, StateExpired:
		unlock()
		return nil
	case StateSettled:
		unlock()
		return fmt.Errorf("%w: cannot refund a SETTLED intent", ErrInvalidTransition)
	}
	wasPending := in.State == StatePending
	unlock()

	// A PENDING intent the payer never funded has nothing to refund; it
	// simply lapses instead of recording a refund.
	nothingToRefund := false
	if _, err := r.escrow.Refund(ctx, intentID); err != nil {
		if !(wasPending && errors.Is(err, escrow.ErrIntentUnknown)) {
			return fmt.Errorf("escrow refund: %w", err)
		}
		nothingToRefund = true
	}

	unlock = r.lock(intentID)
	defer unlock()

	in, err = r.store.Get(ctx, intentID)
	if err != nil {
		return err
	}
	switch in.State {
	case StateRefunded, StateExpired:
		return nil
	case StateSettled:
		return fmt.Errorf("%w: intent settled during refund", ErrInvalidTransition)
	}

	from := in.State
	if from == StatePending && nothingToRefund {
		in.State = StateExpired
	} else {
		in.State = StateRefunded
	}
	in.RefundReason = reason
	if err := r.store.Update(ctx, in, from); err != nil {
		return err
	}
	r.audit(ctx, in.ID, "refund", reason)
	metrics.RefundsTotal.WithLabelValues(trigger).Inc()

	logging.L(ctx).Info("intent refunded",
		"intent_id", intentID,
		"final_state", in.State,
		"reason", reason)
	return nil
}

// SweepExpired refunds every non-terminal intent whose expiry has passed
// and returns the IDs it finalized. One intent's refund failure does not
// block the rest.
func (r *Registry) SweepExpired(ctx context.Context, now time.Time, batchSize int) ([]string, error) {
	expired, err := r.store.ListExpired(ctx, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("listing expired intents: %w", err)
	}

	var refunded []string
	for _, in := range expired {
		err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
			rerr := r.Refund(ctx, in.ID, "intent expired before settlement", "expiry")
			if errors.Is(rerr, ErrInvalidTransition) {
				return retry.Permanent(rerr)
			}
			return rerr
		})
		if err != nil {
			r.logger.Warn("expiry refund failed, will retry next sweep",
				"intent_id", in.ID,
				"state", in.State,
				"error", err)
			continue
		}
		refunded = append(refunded, in.ID)
	}
	return refunded, nil
}

func (r *Registry) audit(ctx context.Context, intentID, event, detail string) {
	rec := &AuditRecord{
		IntentID: intentID,
		Event:    event,
		Detail:   detail,
		At:       r.now().UTC(),
	}
	if err := r.store.AppendAudit(ctx, rec); err != nil {
		r.logger.Warn("audit append failed", "intent_id", intentID, "event", event, "error", err)
	}
}
