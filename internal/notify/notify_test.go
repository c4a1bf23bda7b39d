package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestChannel(t *testing.T) {
	if got := Channel("user-1"); got != "notify:v1:user-1" {
		t.Errorf("Channel() = %q, want notify:v1:user-1", got)
	}
}

func TestRedisPublisherDeliversToSubscriber(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	sub := client.Subscribe(ctx, Channel("user-1"))
	t.Cleanup(func() { sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	pub := NewRedisPublisher(client)
	ev := Event{
		JobID:     "job-1",
		Outcome:   OutcomeCompleted,
		Title:     "Video Generation Complete!",
		Message:   "Your video is ready.",
		ActionURL: "/gallery",
	}
	if err := pub.Publish(ctx, "user-1", ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got Event
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if got.JobID != "job-1" || got.Outcome != OutcomeCompleted {
			t.Errorf("event = %+v", got)
		}
		if got.Timestamp == "" {
			t.Error("Timestamp not stamped on publish")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestRedisPublisherNoSubscriberIsNoOp(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	pub := NewRedisPublisher(client)
	if err := pub.Publish(context.Background(), "nobody-listening", Event{JobID: "job-1"}); err != nil {
		t.Errorf("Publish() with no subscriber error = %v, want nil", err)
	}
}

func TestNoopPublisher(t *testing.T) {
	if err := (NoopPublisher{}).Publish(context.Background(), "user-1", Event{}); err != nil {
		t.Errorf("Publish() error = %v, want nil", err)
	}
}
