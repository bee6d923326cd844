package queue

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewInMemory(4)

	want := Event{
		Type:       "session.opened",
		SessionID:  "s1",
		OccurredAt: time.Date(2026, 3, 2, 8, 55, 0, 0, time.UTC),
	}
	if err := q.Publish(ctx, want); err != nil {
		t.Fatal(err)
	}

	events, err := q.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-events:
		if got.Type != want.Type || got.SessionID != want.SessionID || !got.OccurredAt.Equal(want.OccurredAt) {
			t.Fatalf("event mismatch: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestInMemoryPublishFullQueueHonorsContext(t *testing.T) {
	q := NewInMemory(1)
	ctx := context.Background()
	if err := q.Publish(ctx, Event{SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := q.Publish(short, Event{SessionID: "s2"}); err == nil {
		t.Fatal("publish into a full queue must fail once ctx expires")
	}
}

func TestInMemoryConsumeClosesWhenReaderStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewInMemory(4)

	events, err := q.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Leave a delivery in flight so the forwarding goroutine is parked on
	// its send, then cancel with nobody reading.
	if err := q.Publish(ctx, Event{Type: "session.opened", SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("consume channel never closed after cancel")
		}
	}
}
