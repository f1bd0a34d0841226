package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"webhookq/internal/config"
	"webhookq/internal/log"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

var (
	// ErrDuplicateWebhook is returned when an item with the same webhook id
	// already exists. Callers must treat it as "already admitted".
	ErrDuplicateWebhook = errors.New("duplicate webhook id")

	// ErrNotFound is returned when no item exists for the given webhook id.
	ErrNotFound = errors.New("queue item not found")
)

const itemColumns = `id, webhook_id, tracking_id, type, queue_type, priority, payload,
    location_id, company_id, status, attempts, max_attempts,
    received_at, queued_at, process_after, processing_started, processing_completed,
    locked_until, processor_id, last_error, error_trail, created_at, updated_at, ttl`

type PGStore struct {
	db     *sql.DB
	config *config.Config
	logger *log.Logger
}

func NewPGStore(dbURL string, cfg *config.Config, logger *log.Logger) (*PGStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	return &PGStore{
		db:     db,
		config: cfg,
		logger: logger,
	}, nil
}

func (s *PGStore) DB() *sql.DB {
	return s.db
}

func (s *PGStore) Close() error {
	return s.db.Close()
}

// InsertItem persists a new queue item. The unique index on webhook_id enforces
// admission idempotency; a conflicting insert returns ErrDuplicateWebhook.
func (s *PGStore) InsertItem(ctx context.Context, item QueueItem) (QueueItem, error) {
	trail, err := json.Marshal(item.ErrorTrail)
	if err != nil {
		return QueueItem{}, fmt.Errorf("marshal error trail: %w", err)
	}
	if item.Payload == nil {
		item.Payload = []byte("{}")
	}
	err = s.db.QueryRowContext(ctx, `
        INSERT INTO queue_items (webhook_id, tracking_id, type, queue_type, priority, payload,
            location_id, company_id, status, attempts, max_attempts,
            received_at, queued_at, process_after, created_at, updated_at, ttl, error_trail)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
        ON CONFLICT (webhook_id) DO NOTHING
        RETURNING id
    `, item.WebhookID, item.TrackingID, item.Type, item.QueueType, item.Priority, item.Payload,
		item.LocationID, item.CompanyID, item.Status, item.Attempts, item.MaxAttempts,
		item.ReceivedAt, item.QueuedAt, item.ProcessAfter, item.CreatedAt, item.UpdatedAt,
		item.TTL, trail).Scan(&item.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, ErrDuplicateWebhook
	}
	if err != nil {
		return QueueItem{}, fmt.Errorf("insert queue item: %w", err)
	}
	return item, nil
}

// ClaimBatch atomically selects and leases up to limit eligible items for
// processorID. Selection and claim are one conditional statement so two
// concurrent dispatchers can never lease the same item.
func (s *PGStore) ClaimBatch(ctx context.Context, queueType, processorID string, limit int, leaseDuration time.Duration) ([]QueueItem, error) {
	now := time.Now()
	rows, err := s.db.QueryContext(ctx, `
        UPDATE queue_items
        SET status = 'processing',
            locked_until = $1,
            processor_id = $2,
            attempts = attempts + 1,
            processing_started = COALESCE(processing_started, $3),
            updated_at = $3
        WHERE id IN (
            SELECT id FROM queue_items
            WHERE queue_type = $4
            AND process_after <= $3
            AND (status = 'pending' OR (status = 'processing' AND locked_until < $3))
            ORDER BY priority, queued_at
            LIMIT $5
            FOR UPDATE SKIP LOCKED
        )
        RETURNING `+itemColumns+`
    `, now.Add(leaseDuration), processorID, now, queueType, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	// Re-sort by priority (ASC) then queued_at (ASC): RETURNING order is not guaranteed
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		return items[i].QueuedAt.Before(items[j].QueuedAt)
	})
	return items, nil
}

// GetItem loads one item by webhook id.
func (s *PGStore) GetItem(ctx context.Context, webhookID string) (QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT `+itemColumns+` FROM queue_items WHERE webhook_id = $1
    `, webhookID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, ErrNotFound
	}
	if err != nil {
		return QueueItem{}, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// CompleteItem moves a leased item to the terminal completed status and clears
// its lease. The status guard makes completion idempotent: a repeat call or a
// report arriving after the lease was reassigned matches zero rows and returns
// ErrNotFound so the caller can treat the race as benign.
func (s *PGStore) CompleteItem(ctx context.Context, webhookID string, now time.Time) (QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
        UPDATE queue_items
        SET status = 'completed',
            processing_completed = $1,
            locked_until = NULL,
            processor_id = NULL,
            updated_at = $1
        WHERE webhook_id = $2 AND status = 'processing'
        RETURNING `+itemColumns+`
    `, now, webhookID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, ErrNotFound
	}
	if err != nil {
		return QueueItem{}, fmt.Errorf("complete item: %w", err)
	}
	return item, nil
}

// RetryItem returns a failed item to pending with a new process_after. The
// attempts guard rejects stale reports from a worker whose lease was already
// reassigned.
func (s *PGStore) RetryItem(ctx context.Context, webhookID string, attempts int, processAfter time.Time, lastError string, trail []TrailEntry, now time.Time) (bool, error) {
	trailJSON, err := json.Marshal(trail)
	if err != nil {
		return false, fmt.Errorf("marshal error trail: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE queue_items
        SET status = 'pending',
            process_after = $1,
            locked_until = NULL,
            processor_id = NULL,
            last_error = $2,
            error_trail = $3,
            updated_at = $4
        WHERE webhook_id = $5 AND status = 'processing' AND attempts = $6
    `, processAfter, lastError, trailJSON, now, webhookID, attempts)
	if err != nil {
		return false, fmt.Errorf("retry item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("retry item rows affected: %w", err)
	}
	return n > 0, nil
}

// DeadLetterItem moves an exhausted item to the terminal dead status. Dead
// items stay in the table for operator inspection until the TTL sweep.
func (s *PGStore) DeadLetterItem(ctx context.Context, webhookID string, attempts int, lastError string, trail []TrailEntry, now time.Time) (bool, error) {
	trailJSON, err := json.Marshal(trail)
	if err != nil {
		return false, fmt.Errorf("marshal error trail: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE queue_items
        SET status = 'dead',
            processing_completed = $1,
            locked_until = NULL,
            processor_id = NULL,
            last_error = $2,
            error_trail = $3,
            updated_at = $1
        WHERE webhook_id = $4 AND status = 'processing' AND attempts = $5
    `, now, lastError, trailJSON, webhookID, attempts)
	if err != nil {
		return false, fmt.Errorf("dead-letter item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dead-letter item rows affected: %w", err)
	}
	return n > 0, nil
}

// QueueDepths returns the pending backlog per queue type. Empty queueType
// aggregates all queues.
func (s *PGStore) QueueDepths(ctx context.Context, queueType string) ([]QueueDepth, error) {
	query := `
        SELECT queue_type, COUNT(*), MIN(queued_at)
        FROM queue_items
        WHERE status = 'pending'
    `
	args := []interface{}{}
	if queueType != "" {
		query += ` AND queue_type = $1`
		args = append(args, queueType)
	}
	query += ` GROUP BY queue_type ORDER BY queue_type`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	defer rows.Close()

	var depths []QueueDepth
	for rows.Next() {
		var d QueueDepth
		var oldest sql.NullTime
		if err := rows.Scan(&d.QueueType, &d.PendingCount, &oldest); err != nil {
			return nil, fmt.Errorf("scan queue depth: %w", err)
		}
		if oldest.Valid {
			d.OldestQueuedAt = &oldest.Time
		}
		depths = append(depths, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue depths rows: %w", err)
	}
	return depths, nil
}

// DeadLetters lists dead items for operator inspection, oldest first.
func (s *PGStore) DeadLetters(ctx context.Context, queueType string, limit int) ([]QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items WHERE status = 'dead'`
	args := []interface{}{}
	if queueType != "" {
		query += ` AND queue_type = $1`
		args = append(args, queueType)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY updated_at LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get dead letters: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// DeleteDeadLetter removes one dead item after manual inspection.
func (s *PGStore) DeleteDeadLetter(ctx context.Context, webhookID string) error {
	res, err := s.db.ExecContext(ctx, `
        DELETE FROM queue_items WHERE webhook_id = $1 AND status = 'dead'
    `, webhookID)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete dead letter rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Info("Deleted dead letter", zap.String("webhook_id", webhookID))
	return nil
}

// DeleteExpiredItems garbage-collects items past their ttl.
func (s *PGStore) DeleteExpiredItems(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        DELETE FROM queue_items WHERE ttl < $1
    `, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired items rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(r rowScanner) (QueueItem, error) {
	var item QueueItem
	var trailBytes []byte
	var processingStarted, processingCompleted, lockedUntil sql.NullTime
	err := r.Scan(&item.ID, &item.WebhookID, &item.TrackingID, &item.Type, &item.QueueType,
		&item.Priority, &item.Payload, &item.LocationID, &item.CompanyID, &item.Status,
		&item.Attempts, &item.MaxAttempts, &item.ReceivedAt, &item.QueuedAt, &item.ProcessAfter,
		&processingStarted, &processingCompleted, &lockedUntil, &item.ProcessorID,
		&item.LastError, &trailBytes, &item.CreatedAt, &item.UpdatedAt, &item.TTL)
	if err != nil {
		return QueueItem{}, err
	}
	if processingStarted.Valid {
		item.ProcessingStarted = &processingStarted.Time
	}
	if processingCompleted.Valid {
		item.ProcessingCompleted = &processingCompleted.Time
	}
	if lockedUntil.Valid {
		item.LockedUntil = &lockedUntil.Time
	}
	if len(trailBytes) > 0 {
		if err := json.Unmarshal(trailBytes, &item.ErrorTrail); err != nil {
			return QueueItem{}, fmt.Errorf("unmarshal error trail: %w", err)
		}
	}
	return item, nil
}

func scanItems(rows *sql.Rows) ([]QueueItem, error) {
	var items []QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue item rows: %w", err)
	}
	return items, nil
}
