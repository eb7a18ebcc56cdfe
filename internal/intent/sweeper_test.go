package intent

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterd/x402gw/internal/nonce"
)

func TestSweepRefundsExpiredAndEvictsNonces(t *testing.T) {
	reg, fe, store := testRegistry(t)

	in, err := reg.Challenge(context.Background(), ChallengeParams{
		Endpoint:      "/ai/chat",
		MaxBudget:     50_000,
		ExpirySeconds: 300,
	})
	require.NoError(t, err)
	fe.lockFunds(in.ID, 50_000)
	_, err = reg.AcceptEvidence(context.Background(), in.ID, "0xlock")
	require.NoError(t, err)

	// Force the intent past its expiry.
	expired, err := store.Get(context.Background(), in.ID)
	require.NoError(t, err)
	expired.Expiry = time.Now().Add(-time.Minute)
	require.NoError(t, store.Update(context.Background(), expired, StateProcessing))

	ledger := nonce.NewMemoryLedger(time.Millisecond)
	require.NoError(t, ledger.MarkUsed(context.Background(), "n-old", time.Now().Add(-time.Hour)))

	s := NewSweeper(reg, store, ledger, time.Second, slog.Default())
	s.sweep(context.Background())

	got, err := reg.Get(context.Background(), in.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRefunded, got.State)

	used, err := ledger.HasBeenUsed(context.Background(), "n-old")
	require.NoError(t, err)
	assert.False(t, used, "expired nonce should have been evicted")
}

func TestSweepCompactsTerminalIntents(t *testing.T) {
	reg, fe, store := testRegistry(t)
	in := challengeAndLock(t, reg, fe, 50_000)
	_, err := reg.AcceptEvidence(context.Background(), in.ID, "0xlock")
	require.NoError(t, err)
	_, err = reg.Settle(context.Background(), in.ID, 7_500)
	require.NoError(t, err)

	// Age the terminal record past the retention window.
	aged, err := store.Get(context.Background(), in.ID)
	require.NoError(t, err)
	func() {
		store.mu.Lock()
		defer store.mu.Unlock()
		aged.UpdatedAt = time.Now().Add(-2 * terminalRetention)
		store.intents[aged.ID] = aged
	}()

	s := NewSweeper(reg, store, nil, time.Second, slog.Default())
	s.sweep(context.Background())

	_, err = reg.Get(context.Background(), in.ID)
	assert.ErrorIs(t, err, ErrIntentNotFound)
}
