package store

import (
	"time"
)

// Item statuses. Transitions form a DAG:
// pending -> processing -> {completed | pending | dead}.
// completed and dead are terminal.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusDead       = "dead"
)

// TrailEntry is one failed attempt in an item's error trail.
type TrailEntry struct {
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// QueueItem is one unit of work derived from one inbound webhook event.
type QueueItem struct {
	ID                  int64        `json:"id"`
	WebhookID           string       `json:"webhook_id"`
	TrackingID          string       `json:"tracking_id"`
	Type                string       `json:"type"`
	QueueType           string       `json:"queue_type"`
	Priority            int          `json:"priority"`
	Payload             []byte       `json:"payload"`
	LocationID          *string      `json:"location_id,omitempty"`
	CompanyID           *string      `json:"company_id,omitempty"`
	Status              string       `json:"status"`
	Attempts            int          `json:"attempts"`
	MaxAttempts         int          `json:"max_attempts"`
	ReceivedAt          time.Time    `json:"received_at"`
	QueuedAt            time.Time    `json:"queued_at"`
	ProcessAfter        time.Time    `json:"process_after"`
	ProcessingStarted   *time.Time   `json:"processing_started,omitempty"`
	ProcessingCompleted *time.Time   `json:"processing_completed,omitempty"`
	LockedUntil         *time.Time   `json:"locked_until,omitempty"`
	ProcessorID         *string      `json:"processor_id,omitempty"`
	LastError           *string      `json:"last_error,omitempty"`
	ErrorTrail          []TrailEntry `json:"error_trail,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
	TTL                 time.Time    `json:"ttl"`
}

// WebhookMetrics is the per-webhook latency record. Created at admission,
// stamped at claim, finalized at the terminal report, read-only after.
type WebhookMetrics struct {
	WebhookID           string     `json:"webhook_id"`
	TrackingID          string     `json:"tracking_id"`
	Type                string     `json:"type"`
	QueueType           string     `json:"queue_type"`
	ReceivedAt          time.Time  `json:"received_at"`
	QueuedAt            time.Time  `json:"queued_at"`
	ProcessingStarted   *time.Time `json:"processing_started,omitempty"`
	ProcessingCompleted *time.Time `json:"processing_completed,omitempty"`
	ProcessorID         *string    `json:"processor_id,omitempty"`
	QueueLatencyMs      int64      `json:"queue_latency_ms"`
	QueueWaitMs         *int64     `json:"queue_wait_ms,omitempty"`
	ProcessingMs        *int64     `json:"processing_ms,omitempty"`
	TotalLatencyMs      *int64     `json:"total_latency_ms,omitempty"`
	Grade               *string    `json:"grade,omitempty"`
	ExceedsSLA          bool       `json:"exceeds_sla"`
	Success             *bool      `json:"success,omitempty"`
	Attempts            int        `json:"attempts"`
	LastError           *string    `json:"last_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// QueueDepth is the per-queue backlog aggregate.
type QueueDepth struct {
	QueueType      string     `json:"queue_type"`
	PendingCount   int64      `json:"pending_count"`
	OldestQueuedAt *time.Time `json:"oldest_queued_at,omitempty"`
}
