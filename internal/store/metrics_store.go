package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertMetrics creates the paired metrics record at admission. A conflicting
// insert is ignored; admission already failed as a duplicate by then.
func (s *PGStore) InsertMetrics(ctx context.Context, m WebhookMetrics) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO webhook_metrics (webhook_id, tracking_id, type, queue_type,
            received_at, queued_at, queue_latency_ms, exceeds_sla, attempts, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (webhook_id) DO NOTHING
    `, m.WebhookID, m.TrackingID, m.Type, m.QueueType, m.ReceivedAt, m.QueuedAt,
		m.QueueLatencyMs, m.ExceedsSLA, m.Attempts, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook metrics: %w", err)
	}
	return nil
}

// GetMetrics loads one metrics record by webhook id.
func (s *PGStore) GetMetrics(ctx context.Context, webhookID string) (WebhookMetrics, error) {
	var m WebhookMetrics
	var processingStarted, processingCompleted sql.NullTime
	err := s.db.QueryRowContext(ctx, `
        SELECT webhook_id, tracking_id, type, queue_type, received_at, queued_at,
            processing_started, processing_completed, processor_id,
            queue_latency_ms, queue_wait_ms, processing_ms, total_latency_ms,
            grade, exceeds_sla, success, attempts, last_error, created_at, updated_at
        FROM webhook_metrics WHERE webhook_id = $1
    `, webhookID).Scan(&m.WebhookID, &m.TrackingID, &m.Type, &m.QueueType, &m.ReceivedAt,
		&m.QueuedAt, &processingStarted, &processingCompleted, &m.ProcessorID,
		&m.QueueLatencyMs, &m.QueueWaitMs, &m.ProcessingMs, &m.TotalLatencyMs,
		&m.Grade, &m.ExceedsSLA, &m.Success, &m.Attempts, &m.LastError,
		&m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookMetrics{}, ErrNotFound
	}
	if err != nil {
		return WebhookMetrics{}, fmt.Errorf("get webhook metrics: %w", err)
	}
	if processingStarted.Valid {
		m.ProcessingStarted = &processingStarted.Time
	}
	if processingCompleted.Valid {
		m.ProcessingCompleted = &processingCompleted.Time
	}
	return m, nil
}

// ClaimMetrics stamps the claim on a metrics record. processing_started keeps
// the first claim's timestamp across retries.
func (s *PGStore) ClaimMetrics(ctx context.Context, webhookID, processorID string, startedAt time.Time, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE webhook_metrics
        SET processing_started = COALESCE(processing_started, $1),
            processor_id = $2,
            attempts = $3,
            queue_wait_ms = COALESCE(queue_wait_ms, (EXTRACT(EPOCH FROM ($1 - queued_at)) * 1000)::bigint),
            updated_at = $1
        WHERE webhook_id = $4
    `, startedAt, processorID, attempts, webhookID)
	if err != nil {
		return fmt.Errorf("claim webhook metrics: %w", err)
	}
	return nil
}

// FinishMetrics records the terminal outcome and derived durations.
func (s *PGStore) FinishMetrics(ctx context.Context, m WebhookMetrics) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE webhook_metrics
        SET processing_completed = $1,
            processing_ms = $2,
            total_latency_ms = $3,
            grade = $4,
            exceeds_sla = $5,
            success = $6,
            attempts = $7,
            last_error = $8,
            updated_at = $9
        WHERE webhook_id = $10
    `, m.ProcessingCompleted, m.ProcessingMs, m.TotalLatencyMs, m.Grade, m.ExceedsSLA,
		m.Success, m.Attempts, m.LastError, m.UpdatedAt, m.WebhookID)
	if err != nil {
		return fmt.Errorf("finish webhook metrics: %w", err)
	}
	return nil
}

// DeleteExpiredMetrics garbage-collects metrics records past the retention window.
func (s *PGStore) DeleteExpiredMetrics(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        DELETE FROM webhook_metrics WHERE created_at < $1
    `, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired metrics: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired metrics rows affected: %w", err)
	}
	return n, nil
}
