package intent

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/meterd/x402gw/internal/metrics"
	"github.com/meterd/x402gw/internal/nonce"
)

const (
	sweepBatchSize = 100
	// Terminal intents linger for an hour so late status queries still
	// resolve, then are compacted (durable stores keep their archive).
	terminalRetention = time.Hour
)

// Sweeper periodically refunds expired intents and performs housekeeping:
// evicting spent nonces past their retention window, compacting terminal
// intents, and refreshing the live-intent gauges.
type Sweeper struct {
	registry *Registry
	store    Store
	nonces   nonce.Ledger
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates an expiry sweeper. A nil ledger disables nonce eviction.
func NewSweeper(registry *Registry, store Store, nonces nonce.Ledger, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		registry: registry,
		store:    store,
		nonces:   nonces,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in expiry sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) {
	metrics.SweepRunsTotal.Inc()
	now := time.Now()

	// Paginate until no expired intents remain.
	totalRefunded := 0
	for {
		refunded, err := s.registry.SweepExpired(ctx, now, sweepBatchSize)
		if err != nil {
			s.logger.Warn("expiry sweep failed", "error", err)
			break
		}
		totalRefunded += len(refunded)
		if len(refunded) < sweepBatchSize {
			break
		}
	}
	if totalRefunded > 0 {
		s.logger.Info("expiry sweep complete", "intents_refunded", totalRefunded)
	}

	if s.nonces != nil {
		if removed, err := s.nonces.EvictExpired(ctx, now); err != nil {
			s.logger.Warn("nonce eviction failed", "error", err)
		} else if removed > 0 {
			s.logger.Info("evicted expired nonces", "removed", removed)
		}
	}

	if purged, err := s.store.PurgeTerminal(ctx, now.Add(-terminalRetention)); err != nil {
		s.logger.Warn("terminal intent compaction failed", "error", err)
	} else if purged > 0 {
		s.logger.Info("compacted terminal intents", "removed", purged)
	}

	counts, err := s.store.CountByState(ctx)
	if err != nil {
		s.logger.Warn("intent gauge refresh failed", "error", err)
		return
	}
	for _, st := range []State{StatePending, StateLocked, StateProcessing, StateSettled, StateRefunded, StateExpired} {
		metrics.IntentsLive.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
