// Package recorder derives per-webhook latency metrics and exports Prometheus
// counters. Recording failures are logged and swallowed; they must never fail
// the queue operation that triggered them.
package recorder

import (
	"context"
	"time"

	"webhookq/internal/log"
	"webhookq/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// SLALimit is the total-latency budget; anything above it is flagged.
const SLALimit = 60 * time.Second

// Grade buckets total latency into a coarse operator-facing grade.
func Grade(totalLatency time.Duration) string {
	switch {
	case totalLatency < time.Second:
		return "A+"
	case totalLatency < 5*time.Second:
		return "A"
	case totalLatency < 10*time.Second:
		return "B"
	case totalLatency < 30*time.Second:
		return "C"
	case totalLatency < SLALimit:
		return "D"
	default:
		return "F"
	}
}

// Outcome is the terminal report for one webhook.
type Outcome struct {
	WebhookID   string
	Success     bool
	Dead        bool
	Error       string
	Attempts    int
	CompletedAt time.Time
}

type Recorder struct {
	store  *store.PGStore
	logger *log.Logger

	enqueueTotal    *prometheus.CounterVec
	claimTotal      *prometheus.CounterVec
	completeTotal   *prometheus.CounterVec
	failTotal       *prometheus.CounterVec
	deadLetterTotal *prometheus.CounterVec
	totalLatency    *prometheus.HistogramVec
	processingTime  *prometheus.HistogramVec
}

func NewRecorder(st *store.PGStore, logger *log.Logger) *Recorder {
	r := &Recorder{
		store:  st,
		logger: logger,
		enqueueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhookq_enqueue_total",
				Help: "Total number of admitted webhook items",
			},
			[]string{"queue_type"},
		),
		claimTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhookq_claim_total",
				Help: "Total number of claimed webhook items",
			},
			[]string{"queue_type"},
		),
		completeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhookq_complete_total",
				Help: "Total number of completed webhook items",
			},
			[]string{"queue_type"},
		),
		failTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhookq_fail_total",
				Help: "Total number of failed webhook attempts",
			},
			[]string{"queue_type"},
		),
		deadLetterTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhookq_dead_letter_total",
				Help: "Total number of webhook items moved to the dead-letter state",
			},
			[]string{"queue_type"},
		),
		totalLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhookq_total_latency_seconds",
				Help:    "End-to-end latency from receipt to terminal report",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800},
			},
			[]string{"queue_type"},
		),
		processingTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhookq_processing_seconds",
				Help:    "Handler processing time per webhook item",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"queue_type"},
		),
	}

	prometheus.MustRegister(
		r.enqueueTotal,
		r.claimTotal,
		r.completeTotal,
		r.failTotal,
		r.deadLetterTotal,
		r.totalLatency,
		r.processingTime,
	)

	return r
}

// RecordAdmission creates the metrics record paired with a freshly admitted item.
func (r *Recorder) RecordAdmission(ctx context.Context, item store.QueueItem) {
	m := store.WebhookMetrics{
		WebhookID:      item.WebhookID,
		TrackingID:     item.TrackingID,
		Type:           item.Type,
		QueueType:      item.QueueType,
		ReceivedAt:     item.ReceivedAt,
		QueuedAt:       item.QueuedAt,
		QueueLatencyMs: item.QueuedAt.Sub(item.ReceivedAt).Milliseconds(),
		CreatedAt:      item.QueuedAt,
		UpdatedAt:      item.QueuedAt,
	}
	if err := r.store.InsertMetrics(ctx, m); err != nil {
		r.logger.Warn("Failed to record admission metrics", zap.Error(err), zap.String("webhook_id", item.WebhookID))
		return
	}
	r.enqueueTotal.WithLabelValues(item.QueueType).Inc()
}

// RecordClaim stamps the claim on the paired metrics record.
func (r *Recorder) RecordClaim(ctx context.Context, item store.QueueItem) {
	if item.ProcessingStarted == nil || item.ProcessorID == nil {
		r.logger.Warn("Claimed item missing lease fields, skipping claim metrics", zap.String("webhook_id", item.WebhookID))
		return
	}
	if err := r.store.ClaimMetrics(ctx, item.WebhookID, *item.ProcessorID, *item.ProcessingStarted, item.Attempts); err != nil {
		r.logger.Warn("Failed to record claim metrics", zap.Error(err), zap.String("webhook_id", item.WebhookID))
		return
	}
	r.claimTotal.WithLabelValues(item.QueueType).Inc()
}

// RecordOutcome finalizes the metrics record for a terminal or retry report.
func (r *Recorder) RecordOutcome(ctx context.Context, out Outcome) {
	m, err := r.store.GetMetrics(ctx, out.WebhookID)
	if err != nil {
		r.logger.Warn("Failed to load metrics record for outcome", zap.Error(err), zap.String("webhook_id", out.WebhookID))
		return
	}
	finalize(&m, out)
	if err := r.store.FinishMetrics(ctx, m); err != nil {
		r.logger.Warn("Failed to record outcome metrics", zap.Error(err), zap.String("webhook_id", out.WebhookID))
		return
	}

	if out.Success {
		r.completeTotal.WithLabelValues(m.QueueType).Inc()
	} else {
		r.failTotal.WithLabelValues(m.QueueType).Inc()
	}
	if out.Dead {
		r.deadLetterTotal.WithLabelValues(m.QueueType).Inc()
	}
	if m.TotalLatencyMs != nil {
		r.totalLatency.WithLabelValues(m.QueueType).Observe(float64(*m.TotalLatencyMs) / 1000)
	}
	if m.ProcessingMs != nil {
		r.processingTime.WithLabelValues(m.QueueType).Observe(float64(*m.ProcessingMs) / 1000)
	}
}

// finalize derives durations, grade and SLA flag on the metrics record.
func finalize(m *store.WebhookMetrics, out Outcome) {
	completed := out.CompletedAt
	m.ProcessingCompleted = &completed
	m.Success = &out.Success
	m.Attempts = out.Attempts
	m.UpdatedAt = completed
	if out.Error != "" {
		errMsg := out.Error
		m.LastError = &errMsg
	}

	if m.ProcessingStarted != nil {
		processingMs := completed.Sub(*m.ProcessingStarted).Milliseconds()
		m.ProcessingMs = &processingMs
	}
	total := completed.Sub(m.ReceivedAt)
	totalMs := total.Milliseconds()
	m.TotalLatencyMs = &totalMs

	grade := Grade(total)
	m.Grade = &grade
	m.ExceedsSLA = total > SLALimit
}
