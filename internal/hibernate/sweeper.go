package hibernate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fletling/trainervault/internal/account"
	"github.com/fletling/trainervault/internal/metrics"
)

// Sweeper periodically reactivates hibernated accounts whose cooldown has
// elapsed, one store sweep per policy reason.
type Sweeper struct {
	store    account.Store
	policy   Policy
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper wires a Sweeper.
func NewSweeper(store account.Store, policy Policy, interval time.Duration, logger *zap.Logger) *Sweeper {
	metrics.Init()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, policy: policy, interval: interval, logger: logger}
}

// Run sweeps immediately, then on every tick until ctx is cancelled.
// Per-reason failures are logged and do not stop the loop.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("reactivation sweeper started",
		zap.Duration("interval", s.interval),
		zap.Int("reasons", len(s.policy)))

	if _, err := s.SweepOnce(ctx); err != nil {
		s.logger.Error("reactivation sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reactivation sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("reactivation sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce visits every sweepable reason and returns the per-reason count
// of reactivated accounts. Reasons outside the policy are never touched.
func (s *Sweeper) SweepOnce(ctx context.Context) (map[account.HibernationReason]int64, error) {
	counts := make(map[account.HibernationReason]int64, len(s.policy))
	var firstErr error
	for _, reason := range s.policy.Sweepable() {
		cooldown, _ := s.policy.Cooldown(reason)
		n, err := s.store.SweepReactivate(ctx, reason, cooldown)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("sweep %s: %w", reason, err)
			}
			s.logger.Error("reactivation sweep failed for reason",
				zap.String("reason", string(reason)), zap.Error(err))
			continue
		}
		counts[reason] = n
		if n > 0 {
			metrics.ObserveReactivations(string(reason), n)
			s.logger.Info("accounts reactivated",
				zap.String("reason", string(reason)), zap.Int64("count", n))
		}
	}
	return counts, firstErr
}
