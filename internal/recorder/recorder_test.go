package recorder

import (
	"testing"
	"time"

	"webhookq/internal/store"
)

func TestGradeThresholds(t *testing.T) {
	cases := []struct {
		latency time.Duration
		want    string
	}{
		{200 * time.Millisecond, "A+"},
		{999 * time.Millisecond, "A+"},
		{time.Second, "A"},
		{4 * time.Second, "A"},
		{5 * time.Second, "B"},
		{9 * time.Second, "B"},
		{10 * time.Second, "C"},
		{29 * time.Second, "C"},
		{30 * time.Second, "D"},
		{59 * time.Second, "D"},
		{60 * time.Second, "F"},
		{10 * time.Minute, "F"},
	}
	for _, c := range cases {
		if got := Grade(c.latency); got != c.want {
			t.Errorf("Grade(%v) = %q, want %q", c.latency, got, c.want)
		}
	}
}

func TestFinalizeDerivesDurations(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	queued := received.Add(200 * time.Millisecond)
	started := queued.Add(2 * time.Second)
	completed := started.Add(3 * time.Second)

	m := store.WebhookMetrics{
		WebhookID:         "wh1",
		QueueType:         "default",
		ReceivedAt:        received,
		QueuedAt:          queued,
		ProcessingStarted: &started,
		QueueLatencyMs:    200,
	}
	finalize(&m, Outcome{
		WebhookID:   "wh1",
		Success:     true,
		Attempts:    1,
		CompletedAt: completed,
	})

	if m.ProcessingCompleted == nil || !m.ProcessingCompleted.Equal(completed) {
		t.Fatalf("processing_completed = %v, want %v", m.ProcessingCompleted, completed)
	}
	if m.ProcessingMs == nil || *m.ProcessingMs != 3000 {
		t.Errorf("processing_ms = %v, want 3000", m.ProcessingMs)
	}
	if m.TotalLatencyMs == nil || *m.TotalLatencyMs != 5200 {
		t.Errorf("total_latency_ms = %v, want 5200", m.TotalLatencyMs)
	}
	if m.Grade == nil || *m.Grade != "B" {
		t.Errorf("grade = %v, want B", m.Grade)
	}
	if m.ExceedsSLA {
		t.Error("exceeds_sla = true for a 5.2s run")
	}
	if m.Success == nil || !*m.Success {
		t.Error("success not set")
	}
}

func TestFinalizeFlagsSLABreach(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	started := received.Add(30 * time.Second)
	completed := received.Add(2 * time.Minute)

	m := store.WebhookMetrics{
		WebhookID:         "wh2",
		ReceivedAt:        received,
		QueuedAt:          received,
		ProcessingStarted: &started,
	}
	finalize(&m, Outcome{
		WebhookID:   "wh2",
		Success:     false,
		Dead:        true,
		Error:       "connect timeout",
		Attempts:    3,
		CompletedAt: completed,
	})

	if !m.ExceedsSLA {
		t.Error("exceeds_sla = false for a 2m run")
	}
	if m.Grade == nil || *m.Grade != "F" {
		t.Errorf("grade = %v, want F", m.Grade)
	}
	if m.LastError == nil || *m.LastError != "connect timeout" {
		t.Errorf("last_error = %v, want connect timeout", m.LastError)
	}
	if m.Success == nil || *m.Success {
		t.Error("success should be false")
	}
	if m.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", m.Attempts)
	}
}

func TestFinalizeWithoutProcessingStarted(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := store.WebhookMetrics{
		WebhookID:  "wh3",
		ReceivedAt: received,
		QueuedAt:   received,
	}
	finalize(&m, Outcome{WebhookID: "wh3", CompletedAt: received.Add(time.Second)})

	if m.ProcessingMs != nil {
		t.Errorf("processing_ms = %v, want nil when processing never started", m.ProcessingMs)
	}
	if m.TotalLatencyMs == nil || *m.TotalLatencyMs != 1000 {
		t.Errorf("total_latency_ms = %v, want 1000", m.TotalLatencyMs)
	}
}
