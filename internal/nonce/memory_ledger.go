package nonce

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 64

// MemoryLedger is an in-memory, sharded nonce ledger for demo/development
// mode and testing. Shards bound contention so unrelated nonces never
// serialize against each other.
type MemoryLedger struct {
	retention time.Duration
	shards    [shardCount]memoryShard
}

type memoryShard struct {
	mu    sync.Mutex
	seen  map[string]time.Time // nonce → firstSeenAt
	sweep time.Time            // last opportunistic eviction
}

// NewMemoryLedger creates an in-memory ledger. Pass retention=0 to use
// DefaultRetention.
func NewMemoryLedger(retention time.Duration) *MemoryLedger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	l := &MemoryLedger{retention: retention}
	for i := range l.shards {
		l.shards[i].seen = make(map[string]time.Time)
	}
	return l
}

func (l *MemoryLedger) shard(nonce string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nonce))
	return &l.shards[h.Sum32()%shardCount]
}

// HasBeenUsed reports whether the nonce was already consumed.
func (l *MemoryLedger) HasBeenUsed(_ context.Context, nonce string) (bool, error) {
	s := l.shard(nonce)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[nonce]
	return ok, nil
}

// MarkUsed consumes the nonce atomically within its shard.
func (l *MemoryLedger) MarkUsed(_ context.Context, nonce string, now time.Time) error {
	s := l.shard(nonce)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[nonce]; ok {
		return ErrAlreadyUsed
	}
	s.seen[nonce] = now

	// Opportunistic eviction, at most once a minute per shard.
	if now.Sub(s.sweep) > time.Minute {
		cutoff := now.Add(-l.retention)
		for n, seen := range s.seen {
			if seen.Before(cutoff) {
				delete(s.seen, n)
			}
		}
		s.sweep = now
	}
	return nil
}

// EvictExpired removes entries older than the retention window.
func (l *MemoryLedger) EvictExpired(_ context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-l.retention)
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for n, seen := range s.seen {
			if seen.Before(cutoff) {
				delete(s.seen, n)
				removed++
			}
		}
		s.sweep = now
		s.mu.Unlock()
	}
	return removed, nil
}

// Compile-time assertion.
var _ Ledger = (*MemoryLedger)(nil)
