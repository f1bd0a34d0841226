//go:build integration
// +build integration

package queue_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"webhookq/internal/config"
	"webhookq/internal/id"
	"webhookq/internal/log"
	"webhookq/internal/queue"
	"webhookq/internal/recorder"
	"webhookq/internal/store"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	testStore    *store.PGStore
	testRecorder *recorder.Recorder
	testRedis    *redis.Client
	testNode     *id.Node
	testDB       *sql.DB
)

func testConfig() *config.Config {
	return &config.Config{
		ProcessorID:     "test-worker",
		BatchSize:       50,
		LeaseDuration:   5 * time.Minute,
		ItemTTL:         time.Hour,
		MetricsTTL:      time.Hour,
		DedupCacheTTL:   time.Minute,
		MaxTrailEntries: 20,
		MaxErrorLength:  1000,
	}
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15"),
		postgres.WithDatabase("webhookq"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("securepassword"),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres container: %s\n", err)
		os.Exit(1)
	}
	dbURL, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres connection string: %s\n", err)
		os.Exit(1)
	}

	redisContainer, err := tcRedis.RunContainer(ctx, testcontainers.WithImage("redis:7"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "start redis container: %s\n", err)
		os.Exit(1)
	}
	redisAddr, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis endpoint: %s\n", err)
		os.Exit(1)
	}

	testDB, err = sql.Open("postgres", dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open postgres: %s\n", err)
		os.Exit(1)
	}
	schema, err := os.ReadFile("../../migrations/000001_init.up.sql")
	if err != nil {
		fmt.Fprintf(os.Stderr, "read schema: %s\n", err)
		os.Exit(1)
	}
	if _, err := testDB.Exec(string(schema)); err != nil {
		fmt.Fprintf(os.Stderr, "apply schema: %s\n", err)
		os.Exit(1)
	}

	logger := log.NewLogger()
	cfg := testConfig()
	testStore, err = store.NewPGStore(dbURL, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init store: %s\n", err)
		os.Exit(1)
	}
	testRedis = redis.NewClient(&redis.Options{Addr: redisAddr})
	testRecorder = recorder.NewRecorder(testStore, logger)
	testNode, err = id.NewNode(1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init node: %s\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testStore.Close()
	testDB.Close()
	testRedis.Close()
	pgContainer.Terminate(ctx)
	redisContainer.Terminate(ctx)
	os.Exit(code)
}

// newQueue builds a queue over the shared store with an isolated config, so
// tests can vary lease duration and processor identity.
func newQueue(cfg *config.Config) *queue.Queue {
	return queue.New(testStore, testRedis, testRecorder, testNode, cfg, log.NewLogger())
}

func resetState(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := testDB.Exec("TRUNCATE TABLE queue_items, webhook_metrics"); err != nil {
		t.Fatalf("truncate: %s", err)
	}
	if err := testRedis.FlushAll(ctx).Err(); err != nil {
		t.Fatalf("flush redis: %s", err)
	}
}

// makeEligible rewinds process_after so a retried item can be claimed now.
func makeEligible(t *testing.T, webhookID string) {
	t.Helper()
	if _, err := testDB.Exec(
		"UPDATE queue_items SET process_after = now() - interval '1 second' WHERE webhook_id = $1",
		webhookID); err != nil {
		t.Fatalf("make eligible: %s", err)
	}
}

func enqueue(t *testing.T, q *queue.Queue, webhookID, queueType string, priority int) store.QueueItem {
	t.Helper()
	item, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
		WebhookID: webhookID,
		Type:      "contact.updated",
		QueueType: queueType,
		Priority:  priority,
		Payload:   json.RawMessage(`{"locationId":"loc_1","contact":{"id":"c1"}}`),
	})
	if err != nil {
		t.Fatalf("enqueue %s: %s", webhookID, err)
	}
	return item
}

func TestEnqueueDuplicateFailsDistinctly(t *testing.T) {
	resetState(t)
	ctx := context.Background()
	q := newQueue(testConfig())

	enqueue(t, q, "wh-dup", "default", 3)

	_, err := q.Enqueue(ctx, queue.EnqueueRequest{WebhookID: "wh-dup", Type: "contact.updated", QueueType: "default"})
	if err != store.ErrDuplicateWebhook {
		t.Fatalf("second enqueue error = %v, want ErrDuplicateWebhook", err)
	}

	var count int
	if err := testDB.QueryRow("SELECT COUNT(*) FROM queue_items WHERE webhook_id = 'wh-dup'").Scan(&count); err != nil {
		t.Fatalf("count: %s", err)
	}
	if count != 1 {
		t.Errorf("item count = %d, want 1", count)
	}
}

func TestEnqueueDuplicateSurvivesColdCache(t *testing.T) {
	resetState(t)
	ctx := context.Background()
	q := newQueue(testConfig())

	enqueue(t, q, "wh-cold", "default", 3)
	// wipe the advisory cache; the unique index must still catch the dup
	if err := testRedis.FlushAll(ctx).Err(); err != nil {
		t.Fatalf("flush redis: %s", err)
	}
	_, err := q.Enqueue(ctx, queue.EnqueueRequest{WebhookID: "wh-cold", Type: "contact.updated", QueueType: "default"})
	if err != store.ErrDuplicateWebhook {
		t.Fatalf("second enqueue error = %v, want ErrDuplicateWebhook", err)
	}
}

func TestClaimSetsLeaseAndAttempts(t *testing.T) {
	resetState(t)
	ctx := context.Background()
	q := newQueue(testConfig())

	enqueue(t, q, "wh-claim", "default", 3)
	before := time.Now()

	items, err := q.GetNextBatch(ctx, "default", 10)
	if err != nil {
		t.Fatalf("claim: %s", err)
	}
	if len(items) != 1 {
		t.Fatalf("claimed %d items, want 1", len(items))
	}
	item := items[0]
	if item.Status != store.StatusProcessing {
		t.Errorf("status = %s, want processing", item.Status)
	}
	if item.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", item.Attempts)
	}
	if item.LockedUntil == nil || !item.LockedUntil.After(before) {
		t.Errorf("locked_until = %v, want after %v", item.LockedUntil, before)
	}
	if item.ProcessorID == nil || *item.ProcessorID != "test-worker" {
		t.Errorf("processor_id = %v, want test-worker", item.ProcessorID)
	}

	// drained: a second claim gets nothing
	items, err = q.GetNextBatch(ctx, "default", 10)
	if err != nil {
		t.Fatalf("second claim: %s", err)
	}
	if len(items) != 0 {
		t.Errorf("second claim returned %d items, want 0", len(items))
	}
}

func TestPriorityThenFIFOOrdering(t *testing.T) {
	resetState(t)
	ctx := context.Background()
	q := newQueue(testConfig())

	// C and B share the earlier queued_at; A arrives later with top priority
	enqueue(t, q, "wh-C", "default", 1)
	enqueue(t, q, "wh-B", "default", 5)
	time.Sleep(20 * time.Millisecond)
	enqueue(t, q, "wh-A", "default", 1)

	items, err := q.GetNextBatch(ctx, "default", 10)
	if err != nil {
		t.Fatalf("claim: %s", err)
	}
	if len(items) != 3 {
		t.Fatalf("claimed %d items, want 3", len(items))
	}
	want := []string{"wh-C", "wh-A", "wh-B"}
	for i, wantID := range want {
		if items[i].WebhookID != wantID {
			t.Errorf("batch[%d] = %s, want %s", i, items[i].WebhookID, wantID)
		}
	}
}

func TestIdempotentCompletion(t *testing.T) {
	resetState(t)
	ctx := context.Background()
	q := newQueue(testConfig())

	enqueue(t, q, "wh-done", "default", 3)
	if _, err := q.GetNextBatch(ctx, "default", 10); err != nil {
		t.Fatalf("claim: %s", err)
	}

	if err := q.MarkComplete(ctx, "wh-done"); err != nil {
		t.Fatalf("first complete: %s", err)
	}
	if err := q.MarkComplete(ctx, "wh-done"); err != nil {
		t.Fatalf("second complete should be a no-op, got: %s", err)
	}
	if err := q.MarkComplete(ctx, "wh-never-existed"); err != nil {
		t.Fatalf("complete for unknown id should be a no-op, got: %s", err)
	}

	item, err := testStore.GetItem(ctx, "wh-done")
	if err != nil {
		t.Fatalf("get item: %s", err)
	}
	if item.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", item.Status)
	}
	if item.LockedUntil != nil || item.ProcessorID != nil {
		t.Errorf("lease fields not cleared: locked_until=%v processor_id=%v", item.LockedUntil, item.ProcessorID)
	}

	m, err := testStore.GetMetrics(ctx, "wh-done")
	if err != nil {
		t.Fatalf("get metrics: %s", err)
	}
	if m.Success == nil || !*m.Success {
		t.Error("metrics success not true")
	}
	if m.Grade == nil {
		t.Error("metrics grade not set")
	}
}

func TestBackoffScheduleAndDeadLetter(t *testing.T) {
	resetState(t)
	ctx := context.Background()
	q := newQueue(testConfig())

	enqueue(t, q, "wh-fail", "default", 3) // default: maxAttempts = 3

	wantDelays := []time.Duration{time.Minute, 5 * time.Minute}
	for i, wantDelay := range wantDelays {
		items, err := q.GetNextBatch(ctx, "default", 10)
		if err != nil {
			t.Fatalf("claim %d: %s", i+1, err)
		}
		if len(items) != 1 {
			t.Fatalf("claim %d returned %d items, want 1", i+1, len(items))
		}
		failedAt := time.Now()
		if err := q.MarkFailed(ctx, "wh-fail", "timeout"); err != nil {
			t.Fatalf("fail %d: %s", i+1, err)
		}

		item, err := testStore.GetItem(ctx, "wh-fail")
		if err != nil {
			t.Fatalf("get item: %s", err)
		}
		if item.Status != store.StatusPending {
			t.Fatalf("after failure %d status = %s, want pending", i+1, item.Status)
		}
		gotDelay := item.ProcessAfter.Sub(failedAt)
		if gotDelay < wantDelay-5*time.Second || gotDelay > wantDelay+5*time.Second {
			t.Errorf("after failure %d process_after delay = %v, want ~%v", i+1, gotDelay, wantDelay)
		}
		if item.LastError == nil || *item.LastError != "timeout" {
			t.Errorf("last_error = %v, want timeout", item.LastError)
		}
		if len(item.ErrorTrail) != i+1 {
			t.Errorf("error trail length = %d, want %d", len(item.ErrorTrail), i+1)
		}
		makeEligible(t, "wh-fail")
	}

	// third failure exhausts the budget
	items, err := q.GetNextBatch(ctx, "default", 10)
	if err != nil {
		t.Fatalf("final claim: %s", err)
	}
	if len(items) != 1 || items[0].Attempts != 3 {
		t.Fatalf("final claim = %+v, want one item with attempts 3", items)
	}
	if err := q.MarkFailed(ctx, "wh-fail", "timeout"); err != nil {
		t.Fatalf("final fail: %s", err)
	}
	item, err := testStore.GetItem(ctx, "wh-fail")
	if err != nil {
		t.Fatalf("get item: %s", err)
	}
	if item.Status != store.StatusDead {
		t.Fatalf("status = %s, want dead", item.Status)
	}

	// dead is terminal: never claimable again
	makeEligible(t, "wh-fail")
	items, err = q.GetNextBatch(ctx, "default", 10)
	if err != nil {
		t.Fatalf("post-dead claim: %s", err)
	}
	if len(items) != 0 {
		t.Errorf("dead item was re-claimed: %+v", items)
	}

	m, err := testStore.GetMetrics(ctx, "wh-fail")
	if err != nil {
		t.Fatalf("get metrics: %s", err)
	}
	if m.Success == nil || *m.Success {
		t.Error("metrics success not false after dead-letter")
	}
}

func TestCriticalQueueGetsFiveAttempts(t *testing.T) {
	resetState(t)
	item := enqueue(t, newQueue(testConfig()), "wh-crit", "critical", 1)
	if item.MaxAttempts != 5 {
		t.Errorf("critical max_attempts = %d, want 5", item.MaxAttempts)
	}
}

func TestLeaseExpiryRecovery(t *testing.T) {
	resetState(t)
	ctx := context.Background()

	shortLease := testConfig()
	shortLease.ProcessorID = "worker-p1"
	shortLease.LeaseDuration = 100 * time.Millisecond
	p1 := newQueue(shortLease)

	p2cfg := testConfig()
	p2cfg.ProcessorID = "worker-p2"
	p2 := newQueue(p2cfg)

	enqueue(t, p1, "wh-orphan", "default", 3)
	items, err := p1.GetNextBatch(ctx, "default", 10)
	if err != nil || len(items) != 1 {
		t.Fatalf("p1 claim = %v, %s", items, err)
	}

	// lease still live: p2 sees nothing
	items, err = p2.GetNextBatch(ctx, "default", 10)
	if err != nil {
		t.Fatalf("p2 early claim: %s", err)
	}
	if len(items) != 0 {
		t.Fatalf("p2 claimed a live lease: %+v", items)
	}

	time.Sleep(150 * time.Millisecond)

	items, err = p2.GetNextBatch(ctx, "default", 10)
	if err != nil {
		t.Fatalf("p2 claim: %s", err)
	}
	if len(items) != 1 {
		t.Fatalf("p2 claimed %d items after lease expiry, want 1", len(items))
	}
	if items[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2 after reclaim", items[0].Attempts)
	}
	if items[0].ProcessorID == nil || *items[0].ProcessorID != "worker-p2" {
		t.Errorf("processor_id = %v, want worker-p2", items[0].ProcessorID)
	}
}

func TestEndToEndRetryFlow(t *testing.T) {
	resetState(t)
	ctx := context.Background()
	q := newQueue(testConfig())

	if _, err := q.Enqueue(ctx, queue.EnqueueRequest{
		WebhookID: "wh1",
		Type:      "contact.updated",
		QueueType: "default",
		Priority:  3,
		Payload:   json.RawMessage(`{"locationId":"loc_1"}`),
	}); err != nil {
		t.Fatalf("enqueue: %s", err)
	}

	items, err := q.GetNextBatch(ctx, "default", 10)
	if err != nil {
		t.Fatalf("claim: %s", err)
	}
	if len(items) != 1 || items[0].WebhookID != "wh1" || items[0].Attempts != 1 {
		t.Fatalf("batch = %+v, want wh1 with attempts 1", items)
	}

	failedAt := time.Now()
	if err := q.MarkFailed(ctx, "wh1", "timeout"); err != nil {
		t.Fatalf("fail: %s", err)
	}
	item, err := testStore.GetItem(ctx, "wh1")
	if err != nil {
		t.Fatalf("get item: %s", err)
	}
	if item.Status != store.StatusPending || item.Attempts != 1 {
		t.Fatalf("item = status %s attempts %d, want pending/1", item.Status, item.Attempts)
	}
	delay := item.ProcessAfter.Sub(failedAt)
	if delay < 55*time.Second || delay > 65*time.Second {
		t.Errorf("process_after delay = %v, want ~60s", delay)
	}

	makeEligible(t, "wh1")
	items, err = q.GetNextBatch(ctx, "default", 10)
	if err != nil {
		t.Fatalf("reclaim: %s", err)
	}
	if len(items) != 1 || items[0].Attempts != 2 {
		t.Fatalf("reclaim batch = %+v, want wh1 with attempts 2", items)
	}
}

func TestQueueDepth(t *testing.T) {
	resetState(t)
	ctx := context.Background()
	q := newQueue(testConfig())

	enqueue(t, q, "wh-d1", "default", 3)
	enqueue(t, q, "wh-d2", "default", 3)
	enqueue(t, q, "wh-c1", "critical", 1)

	// claimed items leave the pending backlog
	if _, err := q.GetNextBatch(ctx, "critical", 10); err != nil {
		t.Fatalf("claim: %s", err)
	}

	depths, err := q.GetQueueDepth(ctx, "")
	if err != nil {
		t.Fatalf("depth: %s", err)
	}
	if len(depths) != 1 {
		t.Fatalf("depths = %+v, want only the default queue", depths)
	}
	if depths[0].QueueType != "default" || depths[0].PendingCount != 2 {
		t.Errorf("depth = %+v, want default/2", depths[0])
	}
	if depths[0].OldestQueuedAt == nil {
		t.Error("oldest_queued_at not set")
	}

	depths, err = q.GetQueueDepth(ctx, "critical")
	if err != nil {
		t.Fatalf("critical depth: %s", err)
	}
	if len(depths) != 0 {
		t.Errorf("critical depths = %+v, want empty after claim", depths)
	}
}

func TestDeadLetterInspection(t *testing.T) {
	resetState(t)
	ctx := context.Background()
	q := newQueue(testConfig())

	enqueue(t, q, "wh-dead", "default", 3)
	for i := 0; i < 3; i++ {
		if _, err := q.GetNextBatch(ctx, "default", 10); err != nil {
			t.Fatalf("claim: %s", err)
		}
		if err := q.MarkFailed(ctx, "wh-dead", fmt.Sprintf("boom %d", i+1)); err != nil {
			t.Fatalf("fail: %s", err)
		}
		makeEligible(t, "wh-dead")
	}

	dead, err := q.DeadLetters(ctx, "default", 10)
	if err != nil {
		t.Fatalf("dead letters: %s", err)
	}
	if len(dead) != 1 || dead[0].WebhookID != "wh-dead" {
		t.Fatalf("dead letters = %+v, want wh-dead", dead)
	}
	if len(dead[0].ErrorTrail) != 3 {
		t.Errorf("error trail = %d entries, want 3", len(dead[0].ErrorTrail))
	}

	if err := q.DeleteDeadLetter(ctx, "wh-dead"); err != nil {
		t.Fatalf("delete dead letter: %s", err)
	}
	if err := q.DeleteDeadLetter(ctx, "wh-dead"); err != store.ErrNotFound {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
}

func TestTTLSweepRemovesExpired(t *testing.T) {
	resetState(t)
	ctx := context.Background()
	q := newQueue(testConfig())

	enqueue(t, q, "wh-old", "default", 3)
	if _, err := testDB.Exec("UPDATE queue_items SET ttl = now() - interval '1 hour' WHERE webhook_id = 'wh-old'"); err != nil {
		t.Fatalf("age item: %s", err)
	}

	n, err := testStore.DeleteExpiredItems(ctx, time.Now())
	if err != nil {
		t.Fatalf("sweep: %s", err)
	}
	if n != 1 {
		t.Errorf("swept %d items, want 1", n)
	}
	if _, err := testStore.GetItem(ctx, "wh-old"); err != store.ErrNotFound {
		t.Errorf("get after sweep error = %v, want ErrNotFound", err)
	}
}
