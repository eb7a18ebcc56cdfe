package intent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meterd/x402gw/internal/idgen"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	intents map[string]*Intent
	audit   map[string][]*AuditRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents: make(map[string]*Intent),
		audit:   make(map[string][]*AuditRecord),
	}
}

func (s *MemoryStore) Create(ctx context.Context, in *Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *in
	s.intents[in.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	cp := *in
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, in *Intent, fromState State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.intents[in.ID]
	if !ok {
		return ErrIntentNotFound
	}
	if cur.State != fromState {
		return ErrInvalidTransition
	}
	cp := *in
	cp.UpdatedAt = time.Now().UTC()
	s.intents[in.ID] = &cp
	return nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Intent
	for _, in := range s.intents {
		if in.State.Terminal() || in.Expiry.IsZero() || !in.Expiry.Before(cutoff) {
			continue
		}
		cp := *in
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Expiry.Before(out[j].Expiry) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountByState(ctx context.Context) (map[State]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[State]int)
	for _, in := range s.intents {
		counts[in.State]++
	}
	return counts, nil
}

func (s *MemoryStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, in := range s.intents {
		if in.State.Terminal() && in.UpdatedAt.Before(cutoff) {
			delete(s.intents, id)
			delete(s.audit, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if cp.ID == "" {
		cp.ID = idgen.WithPrefix("aud_")
	}
	s.audit[rec.IntentID] = append(s.audit[rec.IntentID], &cp)
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, intentID string) ([]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.audit[intentID]
	out := make([]*AuditRecord, len(recs))
	for i, r := range recs {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}
