// Package worker runs the poll-based dispatch loop: claim a batch, invoke the
// registered handler per item, report the outcome. Handler invocations go
// through a circuit breaker so a broken downstream fails fast and the backoff
// schedule spaces out the retries.
package worker

import (
	"context"
	"fmt"
	"time"

	"webhookq/internal/config"
	"webhookq/internal/log"
	"webhookq/internal/store"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Handler processes one claimed item. Delivery is at-least-once: a handler may
// be invoked again after its own lease expired, so it must be idempotent.
type Handler func(ctx context.Context, item store.QueueItem) error

// Queue is the dispatch surface the worker drives.
type Queue interface {
	GetNextBatch(ctx context.Context, queueType string, batchSize int) ([]store.QueueItem, error)
	MarkComplete(ctx context.Context, webhookID string) error
	MarkFailed(ctx context.Context, webhookID, errMsg string) error
}

type Worker struct {
	queue     Queue
	queueType string
	handlers  map[string]Handler
	fallback  Handler
	cfg       *config.Config
	logger    *log.Logger
	cb        *gobreaker.CircuitBreaker
}

func NewWorker(q Queue, queueType string, cfg *config.Config, logger *log.Logger) *Worker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "worker-" + queueType,
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &Worker{
		queue:     q,
		queueType: queueType,
		handlers:  make(map[string]Handler),
		cfg:       cfg,
		logger:    logger,
		cb:        cb,
	}
}

// Register binds a handler to a webhook type. Not safe to call after Run.
func (w *Worker) Register(webhookType string, h Handler) {
	w.handlers[webhookType] = h
}

// RegisterDefault binds the fallback handler for types with no explicit
// registration. Not safe to call after Run.
func (w *Worker) RegisterDefault(h Handler) {
	w.fallback = h
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker shutting down", zap.String("queue_type", w.queueType))
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	items, err := w.queue.GetNextBatch(ctx, w.queueType, w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("Failed to claim batch", zap.Error(err), zap.String("queue_type", w.queueType))
		return
	}
	for _, item := range items {
		w.dispatch(ctx, item)
	}
}

func (w *Worker) dispatch(ctx context.Context, item store.QueueItem) {
	handler, ok := w.handlers[item.Type]
	if !ok {
		handler = w.fallback
	}
	if handler == nil {
		if err := w.queue.MarkFailed(ctx, item.WebhookID, fmt.Sprintf("no handler registered for type %q", item.Type)); err != nil {
			w.logger.Error("Failed to report unhandled item", zap.Error(err), zap.String("webhook_id", item.WebhookID))
		}
		return
	}

	_, err := w.cb.Execute(func() (interface{}, error) {
		return nil, handler(ctx, item)
	})
	if err != nil {
		if err := w.queue.MarkFailed(ctx, item.WebhookID, err.Error()); err != nil {
			w.logger.Error("Failed to report handler failure", zap.Error(err), zap.String("webhook_id", item.WebhookID))
		}
		return
	}
	if err := w.queue.MarkComplete(ctx, item.WebhookID); err != nil {
		w.logger.Error("Failed to report completion", zap.Error(err), zap.String("webhook_id", item.WebhookID))
	}
}
