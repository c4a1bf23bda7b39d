package queue

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

// setupQueue starts miniredis and returns a connected queue plus a raw client
// for direct inspection.
func setupQueue(t *testing.T, cfg Config) (*Queue, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	q := New(cfg)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	if err := q.ConnectWithClient(context.Background(), client); err != nil {
		t.Fatalf("ConnectWithClient failed: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { raw.Close() })

	return q, raw
}

func TestNewDefaults(t *testing.T) {
	q := New(Config{URL: "redis://localhost:6379"})

	if q.cfg.Stream != "jobs:v1:video" {
		t.Errorf("Stream = %q, want jobs:v1:video", q.cfg.Stream)
	}
	if q.cfg.ConsumerGroup != "reelforge-workers" {
		t.Errorf("ConsumerGroup = %q, want reelforge-workers", q.cfg.ConsumerGroup)
	}
	if q.cfg.BlockMs != 5000 {
		t.Errorf("BlockMs = %d, want 5000", q.cfg.BlockMs)
	}
	if q.cfg.VisibilityMs != 60000 {
		t.Errorf("VisibilityMs = %d, want 60000", q.cfg.VisibilityMs)
	}
	if q.cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", q.cfg.MaxAttempts)
	}
	if !strings.HasPrefix(q.ConsumerID(), "reelforge-") {
		t.Errorf("ConsumerID = %q, want reelforge- prefix", q.ConsumerID())
	}
}

func TestEnqueueNextAck(t *testing.T) {
	q, raw := setupQueue(t, Config{BlockMs: 100})
	ctx := context.Background()

	payload := map[string]any{"prompt": "a dog in space", "durationSeconds": 5}
	if err := q.Enqueue(ctx, "job-1", "user-1", payload); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	msg, err := q.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if msg == nil {
		t.Fatal("Next() = nil, want message")
	}
	if msg.JobID != "job-1" {
		t.Errorf("JobID = %q, want job-1", msg.JobID)
	}
	if msg.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", msg.UserID)
	}

	var got map[string]any
	if err := json.Unmarshal(msg.Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got["prompt"] != "a dog in space" {
		t.Errorf("payload prompt = %v, want a dog in space", got["prompt"])
	}

	if err := q.Ack(ctx, msg.ID); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}

	pending, err := raw.XPending(ctx, q.Stream(), "reelforge-workers").Result()
	if err != nil {
		t.Fatalf("XPending failed: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("pending count = %d, want 0 after ack", pending.Count)
	}

	// The stream is drained.
	msg, err = q.Next(ctx)
	if err != nil {
		t.Fatalf("Next() on empty stream error = %v", err)
	}
	if msg != nil {
		t.Errorf("Next() on empty stream = %v, want nil", msg)
	}
}

func TestNextRedeliversUnacked(t *testing.T) {
	// An unacked message becomes claimable once idle past the visibility
	// timeout, even by a different consumer.
	cfg := Config{BlockMs: 100, VisibilityMs: 1, MaxAttempts: 50}
	q, raw := setupQueue(t, cfg)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "job-1", "user-1", map[string]any{"prompt": "x"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	first, err := q.Next(ctx)
	if err != nil || first == nil {
		t.Fatalf("first Next() = %v, %v, want message", first, err)
	}
	// Not acked: simulate a worker crash.

	time.Sleep(50 * time.Millisecond)

	other := New(cfg)
	if err := other.ConnectWithClient(ctx, raw); err != nil {
		t.Fatalf("ConnectWithClient failed: %v", err)
	}

	second, err := other.Next(ctx)
	if err != nil {
		t.Fatalf("second Next() error = %v", err)
	}
	if second == nil {
		t.Fatal("second Next() = nil, want redelivered message")
	}
	if second.JobID != "job-1" {
		t.Errorf("redelivered JobID = %q, want job-1", second.JobID)
	}
	if second.ID != first.ID {
		t.Errorf("redelivered message id = %q, want %q", second.ID, first.ID)
	}
	if second.Deliveries < 2 {
		t.Errorf("Deliveries = %d, want >= 2", second.Deliveries)
	}
}

func TestNextMovesToDLQAfterMaxAttempts(t *testing.T) {
	cfg := Config{BlockMs: 100, VisibilityMs: 1, MaxAttempts: 1}
	q, raw := setupQueue(t, cfg)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "job-doomed", "user-1", map[string]any{"prompt": "x"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Keep claiming without acking until the delivery count passes the
	// threshold and the queue parks the message in the DLQ.
	var dlqLen int64
	for i := 0; i < 10; i++ {
		if _, err := q.Next(ctx); err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		dlqLen, _ = raw.XLen(ctx, "dlq:v1:video").Result()
		if dlqLen > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if dlqLen == 0 {
		t.Fatal("message never reached the dead letter stream")
	}

	msgs, err := raw.XRange(ctx, "dlq:v1:video", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange failed: %v", err)
	}
	if msgs[0].Values["jobId"] != "job-doomed" {
		t.Errorf("DLQ jobId = %v, want job-doomed", msgs[0].Values["jobId"])
	}
	if msgs[0].Values["reason"] != "exceeded max delivery attempts" {
		t.Errorf("DLQ reason = %v", msgs[0].Values["reason"])
	}

	// The original entry is acked so it cannot be claimed again.
	pending, err := raw.XPending(ctx, q.Stream(), "reelforge-workers").Result()
	if err != nil {
		t.Fatalf("XPending failed: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("pending count = %d, want 0 after DLQ move", pending.Count)
	}
}

func TestRecordFailure(t *testing.T) {
	q, raw := setupQueue(t, Config{BlockMs: 100})
	ctx := context.Background()

	if err := q.RecordFailure(ctx, "job-1", context.DeadlineExceeded); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}

	fields, err := raw.HGetAll(ctx, "job:job-1:delivery").Result()
	if err != nil {
		t.Fatalf("HGetAll failed: %v", err)
	}
	if fields["lastError"] != context.DeadlineExceeded.Error() {
		t.Errorf("lastError = %q, want %q", fields["lastError"], context.DeadlineExceeded.Error())
	}
	if fields["worker"] != q.ConsumerID() {
		t.Errorf("worker = %q, want %q", fields["worker"], q.ConsumerID())
	}
}

func TestConnectWithClientTolerantOfExistingGroup(t *testing.T) {
	q, raw := setupQueue(t, Config{BlockMs: 100})

	// A second queue on the same stream must not fail on BUSYGROUP.
	other := New(Config{BlockMs: 100})
	if err := other.ConnectWithClient(context.Background(), raw); err != nil {
		t.Fatalf("second ConnectWithClient failed: %v", err)
	}
	_ = q
}
