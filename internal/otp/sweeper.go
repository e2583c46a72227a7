package otp

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunSweeper expires overdue sessions and reclaims closed ones until ctx is
// done. Reads already treat overdue sessions as expired; the sweep only
// frees storage and releases stale pairs.
func (m *Manager) RunSweeper(ctx context.Context) error {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.SweepOnce(ctx)
		}
	}
}

func (m *Manager) SweepOnce(ctx context.Context) SweepResult {
	res, err := m.store.Sweep(ctx, m.now(), m.cfg.TerminalGrace)
	if err != nil {
		m.logger.Warn("otp session sweep failed", zap.Error(err))
	}
	purged := m.guard.Purge()

	if res.Expired > 0 || res.Removed > 0 || purged > 0 {
		m.logger.Info("otp sweep finished",
			zap.Int("expired", res.Expired),
			zap.Int("removed", res.Removed),
			zap.Int("guard_keys_purged", purged))
	}
	return res
}
