package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically expires overdue sessions. The interval should be
// materially shorter than the shortest permitted session duration.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper builds a sweeper around the manager's expiry path.
func NewSweeper(manager *Manager, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{manager: manager, interval: interval, logger: logger}
}

// Run blocks, sweeping on every tick until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiry sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			expired, err := s.manager.ExpireOverdue(ctx)
			if err != nil {
				s.logger.Warn("expiry sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 {
				s.logger.Info("expiry sweep", zap.Int("expired", expired))
			}
		}
	}
}
