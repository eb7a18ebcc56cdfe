//go:build integration

package nonce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterd/x402gw/internal/testutil"
)

func TestPostgresLedgerMarkUsedOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ledger := NewPostgresLedger(db, 0)
	ctx := context.Background()

	require.NoError(t, ledger.MarkUsed(ctx, "pg-n1", time.Now()))
	assert.ErrorIs(t, ledger.MarkUsed(ctx, "pg-n1", time.Now()), ErrAlreadyUsed)

	used, err := ledger.HasBeenUsed(ctx, "pg-n1")
	require.NoError(t, err)
	assert.True(t, used)
}

func TestPostgresLedgerConcurrentMarkUsed(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ledger := NewPostgresLedger(db, 0)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ledger.MarkUsed(ctx, "pg-race", time.Now()); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one concurrent MarkUsed must win")
}

func TestPostgresLedgerEviction(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ledger := NewPostgresLedger(db, time.Minute)
	ctx := context.Background()

	require.NoError(t, ledger.MarkUsed(ctx, "pg-old", time.Now().Add(-time.Hour)))
	require.NoError(t, ledger.MarkUsed(ctx, "pg-fresh", time.Now()))

	removed, err := ledger.EvictExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	used, err := ledger.HasBeenUsed(ctx, "pg-old")
	require.NoError(t, err)
	assert.False(t, used)

	used, err = ledger.HasBeenUsed(ctx, "pg-fresh")
	require.NoError(t, err)
	assert.True(t, used)
}
