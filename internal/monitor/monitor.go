// Package monitor periodically publishes the per-queue backlog as Prometheus
// gauges and a best-effort Redis cache for external autoscalers.
package monitor

import (
	"context"
	"encoding/json"
	"time"

	"webhookq/internal/config"
	"webhookq/internal/log"
	"webhookq/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const depthCacheKey = "webhookq:depth"

// DepthSource is the read-only backlog view the monitor samples.
type DepthSource interface {
	GetQueueDepth(ctx context.Context, queueType string) ([]store.QueueDepth, error)
}

type Monitor struct {
	source DepthSource
	redis  *redis.Client
	cfg    *config.Config
	logger *log.Logger

	depth     *prometheus.GaugeVec
	oldestAge *prometheus.GaugeVec
}

func NewMonitor(source DepthSource, rdb *redis.Client, cfg *config.Config, logger *log.Logger) *Monitor {
	m := &Monitor{
		source: source,
		redis:  rdb,
		cfg:    cfg,
		logger: logger,
		depth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "webhookq_queue_depth",
				Help: "Number of pending items per queue type",
			},
			[]string{"queue_type"},
		),
		oldestAge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "webhookq_oldest_pending_age_seconds",
				Help: "Age of the oldest pending item per queue type",
			},
			[]string{"queue_type"},
		),
	}
	prometheus.MustRegister(m.depth, m.oldestAge)
	return m
}

func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.DepthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Queue depth monitor shutting down")
			return
		case <-ticker.C:
			m.collect(ctx)
		}
	}
}

func (m *Monitor) collect(ctx context.Context) {
	depths, err := m.source.GetQueueDepth(ctx, "")
	if err != nil {
		m.logger.Error("Failed to collect queue depth", zap.Error(err))
		return
	}
	now := time.Now()

	m.depth.Reset()
	m.oldestAge.Reset()
	for _, d := range depths {
		m.depth.WithLabelValues(d.QueueType).Set(float64(d.PendingCount))
		if d.OldestQueuedAt != nil {
			m.oldestAge.WithLabelValues(d.QueueType).Set(now.Sub(*d.OldestQueuedAt).Seconds())
		}
	}

	// best-effort cache for autoscalers reading Redis instead of /metrics
	data, err := json.Marshal(depths)
	if err != nil {
		m.logger.Warn("Failed to marshal queue depths", zap.Error(err))
		return
	}
	if err := m.redis.Set(ctx, depthCacheKey, data, 2*m.cfg.DepthInterval).Err(); err != nil {
		m.logger.Warn("Failed to cache queue depths in Redis", zap.Error(err))
	}
}
