// Package sweeper garbage-collects queue items past their ttl and aged
// metrics records.
package sweeper

import (
	"context"
	"time"

	"webhookq/internal/config"
	"webhookq/internal/log"
	"webhookq/internal/store"

	"go.uber.org/zap"
)

type Sweeper struct {
	store  *store.PGStore
	cfg    *config.Config
	logger *log.Logger
}

func NewSweeper(st *store.PGStore, cfg *config.Config, logger *log.Logger) *Sweeper {
	return &Sweeper{
		store:  st,
		cfg:    cfg,
		logger: logger,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper shutting down")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now()

	items, err := s.store.DeleteExpiredItems(ctx, now)
	if err != nil {
		s.logger.Error("Failed to sweep expired queue items", zap.Error(err))
	} else if items > 0 {
		s.logger.Info("Swept expired queue items", zap.Int64("count", items))
	}

	metrics, err := s.store.DeleteExpiredMetrics(ctx, now.Add(-s.cfg.MetricsTTL))
	if err != nil {
		s.logger.Error("Failed to sweep expired metrics records", zap.Error(err))
	} else if metrics > 0 {
		s.logger.Info("Swept expired metrics records", zap.Int64("count", metrics))
	}
}
