package nonce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMarkUsed_FirstUseSucceeds(t *testing.T) {
	l := NewMemoryLedger(0)
	ctx := context.Background()

	if err := l.MarkUsed(ctx, "n1", time.Now()); err != nil {
		t.Fatalf("first MarkUsed failed: %v", err)
	}

	used, err := l.HasBeenUsed(ctx, "n1")
	if err != nil {
		t.Fatalf("HasBeenUsed failed: %v", err)
	}
	if !used {
		t.Error("expected nonce to be marked used")
	}
}

func TestMarkUsed_ReplayRejected(t *testing.T) {
	l := NewMemoryLedger(0)
	ctx := context.Background()

	if err := l.MarkUsed(ctx, "n1", time.Now()); err != nil {
		t.Fatalf("first MarkUsed failed: %v", err)
	}
	err := l.MarkUsed(ctx, "n1", time.Now())
	if !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("expected ErrAlreadyUsed, got %v", err)
	}
}

func TestMarkUsed_ConcurrentExactlyOneWins(t *testing.T) {
	l := NewMemoryLedger(0)
	ctx := context.Background()

	const goroutines = 50
	var wg sync.WaitGroup
	var successes, replays int64
	var mu sync.Mutex

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.MarkUsed(ctx, "contested", time.Now())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyUsed):
				replays++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("expected exactly 1 success, got %d", successes)
	}
	if replays != goroutines-1 {
		t.Errorf("expected %d replays, got %d", goroutines-1, replays)
	}
}

func TestEvictExpired(t *testing.T) {
	l := NewMemoryLedger(time.Hour)
	ctx := context.Background()
	now := time.Now()

	if err := l.MarkUsed(ctx, "old", now.Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := l.MarkUsed(ctx, "fresh", now); err != nil {
		t.Fatal(err)
	}

	removed, err := l.EvictExpired(ctx, now)
	if err != nil {
		t.Fatalf("EvictExpired failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 evicted, got %d", removed)
	}

	// An evicted nonce is forgotten — outside the retention window, reuse
	// is accepted again by design.
	if used, _ := l.HasBeenUsed(ctx, "old"); used {
		t.Error("expected evicted nonce to be forgotten")
	}
	if used, _ := l.HasBeenUsed(ctx, "fresh"); !used {
		t.Error("expected fresh nonce to remain")
	}
}
