// Package queue is the durable webhook queue core: idempotent admission,
// atomic lease-based batch dispatch, backoff-driven retry and dead-lettering.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"webhookq/internal/backoff"
	"webhookq/internal/config"
	"webhookq/internal/id"
	"webhookq/internal/log"
	"webhookq/internal/recorder"
	"webhookq/internal/store"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Queue struct {
	store    *store.PGStore
	redis    *redis.Client
	recorder *recorder.Recorder
	node     *id.Node
	cfg      *config.Config
	logger   *log.Logger
}

func New(st *store.PGStore, rdb *redis.Client, rec *recorder.Recorder, node *id.Node, cfg *config.Config, logger *log.Logger) *Queue {
	return &Queue{
		store:    st,
		redis:    rdb,
		recorder: rec,
		node:     node,
		cfg:      cfg,
		logger:   logger,
	}
}

// EnqueueRequest carries one inbound webhook into the queue.
type EnqueueRequest struct {
	WebhookID  string          `json:"webhook_id"`
	Type       string          `json:"type"`
	QueueType  string          `json:"queue_type"`
	Priority   int             `json:"priority"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Enqueue validates and durably admits one webhook item. A webhook id that was
// already admitted fails with store.ErrDuplicateWebhook; callers must treat
// that as success, not as a retryable error.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (store.QueueItem, error) {
	if req.WebhookID == "" {
		return store.QueueItem{}, fmt.Errorf("webhook id is required")
	}
	if req.QueueType == "" {
		req.QueueType = "default"
	}

	// Fast-path dedup check. Redis is advisory only; the unique index on
	// webhook_id remains the authority, so a cache miss or Redis outage
	// just falls through to the insert.
	dedupKey := fmt.Sprintf("webhookq:dedup:%s", req.WebhookID)
	if exists, err := q.redis.Exists(ctx, dedupKey).Result(); err != nil {
		q.logger.Warn("Dedup cache check failed", zap.Error(err), zap.String("webhook_id", req.WebhookID))
	} else if exists > 0 {
		return store.QueueItem{}, store.ErrDuplicateWebhook
	}

	now := time.Now()
	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}
	locationID, companyID := extractFilterIDs(req.Payload)

	item := store.QueueItem{
		WebhookID:    req.WebhookID,
		TrackingID:   q.node.TrackingID(),
		Type:         req.Type,
		QueueType:    req.QueueType,
		Priority:     req.Priority,
		Payload:      req.Payload,
		LocationID:   locationID,
		CompanyID:    companyID,
		Status:       store.StatusPending,
		MaxAttempts:  backoff.MaxAttempts(req.QueueType),
		ReceivedAt:   receivedAt,
		QueuedAt:     now,
		ProcessAfter: now,
		CreatedAt:    now,
		UpdatedAt:    now,
		TTL:          now.Add(q.cfg.ItemTTL),
	}

	item, err := q.store.InsertItem(ctx, item)
	if err != nil {
		return store.QueueItem{}, err
	}

	q.recorder.RecordAdmission(ctx, item)

	if err := q.redis.Set(ctx, dedupKey, "1", q.cfg.DedupCacheTTL).Err(); err != nil {
		q.logger.Warn("Failed to set dedup cache key", zap.Error(err), zap.String("webhook_id", req.WebhookID))
	}

	q.logger.Info("Enqueued webhook item",
		zap.String("webhook_id", item.WebhookID),
		zap.String("tracking_id", item.TrackingID),
		zap.String("queue_type", item.QueueType),
		zap.Int("priority", item.Priority))
	return item, nil
}

// GetNextBatch claims up to batchSize eligible items for this processor.
// Eligible means pending (or processing with an expired lease) with
// process_after in the past; ordering is priority then queued_at. Each claim
// is a single atomic conditional mutation in the store.
func (q *Queue) GetNextBatch(ctx context.Context, queueType string, batchSize int) ([]store.QueueItem, error) {
	if batchSize <= 0 {
		batchSize = q.cfg.BatchSize
	}
	items, err := q.store.ClaimBatch(ctx, queueType, q.cfg.ProcessorID, batchSize, q.cfg.LeaseDuration)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		q.recorder.RecordClaim(ctx, item)
	}
	if len(items) > 0 {
		q.logger.Info("Claimed batch",
			zap.String("queue_type", queueType),
			zap.Int("count", len(items)),
			zap.String("processor_id", q.cfg.ProcessorID))
	}
	return items, nil
}

// MarkComplete reports successful processing. Completing an item that is no
// longer leased (already completed, or reclaimed after this worker's lease
// expired) is a benign no-op.
func (q *Queue) MarkComplete(ctx context.Context, webhookID string) error {
	now := time.Now()
	item, err := q.store.CompleteItem(ctx, webhookID, now)
	if err == store.ErrNotFound {
		q.logger.Warn("Completion for item not in processing, ignoring", zap.String("webhook_id", webhookID))
		return nil
	}
	if err != nil {
		return err
	}
	q.recorder.RecordOutcome(ctx, recorder.Outcome{
		WebhookID:   webhookID,
		Success:     true,
		Attempts:    item.Attempts,
		CompletedAt: now,
	})
	q.logger.Info("Completed webhook item",
		zap.String("webhook_id", webhookID),
		zap.Int("attempts", item.Attempts))
	return nil
}

// MarkFailed reports a failed attempt. Attempts were already incremented at
// claim time; reaching the budget dead-letters the item, otherwise it returns
// to pending after the backoff delay.
func (q *Queue) MarkFailed(ctx context.Context, webhookID, errMsg string) error {
	now := time.Now()
	item, err := q.store.GetItem(ctx, webhookID)
	if err == store.ErrNotFound {
		q.logger.Warn("Failure report for unknown item, ignoring", zap.String("webhook_id", webhookID))
		return nil
	}
	if err != nil {
		return err
	}
	if item.Status != store.StatusProcessing {
		q.logger.Warn("Failure report for item not in processing, ignoring",
			zap.String("webhook_id", webhookID),
			zap.String("status", item.Status))
		return nil
	}

	errMsg = truncate(errMsg, q.cfg.MaxErrorLength)
	trail := appendTrail(item.ErrorTrail, store.TrailEntry{
		Attempt:   item.Attempts,
		Error:     errMsg,
		Timestamp: now,
	}, q.cfg.MaxTrailEntries)

	if item.Attempts >= item.MaxAttempts {
		ok, err := q.store.DeadLetterItem(ctx, webhookID, item.Attempts, errMsg, trail, now)
		if err != nil {
			return err
		}
		if !ok {
			q.logger.Warn("Lost dead-letter race, item was reclaimed", zap.String("webhook_id", webhookID))
			return nil
		}
		q.recorder.RecordOutcome(ctx, recorder.Outcome{
			WebhookID:   webhookID,
			Success:     false,
			Dead:        true,
			Error:       errMsg,
			Attempts:    item.Attempts,
			CompletedAt: now,
		})
		q.logger.Error("Dead-lettered webhook item",
			zap.String("webhook_id", webhookID),
			zap.Int("attempts", item.Attempts),
			zap.String("last_error", errMsg))
		return nil
	}

	delay := backoff.Delay(item.Attempts)
	ok, err := q.store.RetryItem(ctx, webhookID, item.Attempts, now.Add(delay), errMsg, trail, now)
	if err != nil {
		return err
	}
	if !ok {
		q.logger.Warn("Lost retry race, item was reclaimed", zap.String("webhook_id", webhookID))
		return nil
	}
	q.recorder.RecordOutcome(ctx, recorder.Outcome{
		WebhookID:   webhookID,
		Success:     false,
		Error:       errMsg,
		Attempts:    item.Attempts,
		CompletedAt: now,
	})
	q.logger.Info("Scheduled webhook retry",
		zap.String("webhook_id", webhookID),
		zap.Int("attempts", item.Attempts),
		zap.Duration("backoff", delay))
	return nil
}

// GetQueueDepth returns the pending backlog per queue type. Read-only.
func (q *Queue) GetQueueDepth(ctx context.Context, queueType string) ([]store.QueueDepth, error) {
	return q.store.QueueDepths(ctx, queueType)
}

// DeadLetters lists dead items for operator inspection.
func (q *Queue) DeadLetters(ctx context.Context, queueType string, limit int) ([]store.QueueItem, error) {
	return q.store.DeadLetters(ctx, queueType, limit)
}

// DeleteDeadLetter purges one inspected dead item.
func (q *Queue) DeleteDeadLetter(ctx context.Context, webhookID string) error {
	return q.store.DeleteDeadLetter(ctx, webhookID)
}

// extractFilterIDs denormalizes locationId/companyId out of the payload so the
// store can filter on them without parsing JSON.
func extractFilterIDs(payload json.RawMessage) (*string, *string) {
	if len(payload) == 0 {
		return nil, nil
	}
	var fields struct {
		LocationID string `json:"locationId"`
		CompanyID  string `json:"companyId"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, nil
	}
	var locationID, companyID *string
	if fields.LocationID != "" {
		locationID = &fields.LocationID
	}
	if fields.CompanyID != "" {
		companyID = &fields.CompanyID
	}
	return locationID, companyID
}

func truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}

// appendTrail keeps the trail bounded, dropping the oldest entries first.
func appendTrail(trail []store.TrailEntry, entry store.TrailEntry, max int) []store.TrailEntry {
	trail = append(trail, entry)
	if max > 0 && len(trail) > max {
		trail = trail[len(trail)-max:]
	}
	return trail
}
