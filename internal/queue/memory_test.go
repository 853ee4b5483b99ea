package queue

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemorySendReceiveAck(t *testing.T) {
	q := NewMemory(time.Minute)
	ctx := context.Background()

	if err := q.Send(ctx, WorkItems, []byte(`{"n":1}`)); err != nil {
		t.Fatal(err)
	}

	msg, err := q.Receive(ctx, WorkItems, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil {
		t.Fatal("expected a message")
	}
	if string(msg.Body) != `{"n":1}` {
		t.Errorf("body = %s", msg.Body)
	}
	if msg.ReceiveCount != 1 {
		t.Errorf("receive count = %d, want 1", msg.ReceiveCount)
	}

	if err := q.Ack(ctx, WorkItems, msg); err != nil {
		t.Fatal(err)
	}
	if q.Len(WorkItems) != 0 || q.InFlight(WorkItems) != 0 {
		t.Error("acked message should be gone")
	}
}

func TestMemoryReceiveTimeoutReturnsNil(t *testing.T) {
	q := NewMemory(time.Minute)
	msg, err := q.Receive(context.Background(), WorkItems, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Fatalf("expected nil on empty queue, got %+v", msg)
	}
}

func TestMemoryNackRedeliversImmediately(t *testing.T) {
	q := NewMemory(time.Minute)
	ctx := context.Background()

	q.Send(ctx, WorkItems, []byte("x"))
	msg, _ := q.Receive(ctx, WorkItems, time.Second)
	if err := q.Nack(ctx, WorkItems, msg); err != nil {
		t.Fatal(err)
	}

	again, _ := q.Receive(ctx, WorkItems, time.Second)
	if again == nil {
		t.Fatal("nacked message should be redelivered")
	}
	if again.ReceiveCount != 2 {
		t.Errorf("receive count = %d, want 2", again.ReceiveCount)
	}
}

func TestMemoryVisibilityTimeoutRedelivers(t *testing.T) {
	q := NewMemory(30 * time.Millisecond)
	ctx := context.Background()

	q.Send(ctx, WorkItems, []byte("x"))
	first, _ := q.Receive(ctx, WorkItems, time.Second)
	if first == nil {
		t.Fatal("expected first delivery")
	}
	// Never acked; after the visibility timeout it must come back.
	again, _ := q.Receive(ctx, WorkItems, time.Second)
	if again == nil {
		t.Fatal("unacked message should be redelivered after the visibility timeout")
	}
	if again.ReceiveCount != 2 {
		t.Errorf("receive count = %d, want 2", again.ReceiveCount)
	}
	// Acking via the stale first receipt must not drop the redelivered copy.
	if err := q.Ack(ctx, WorkItems, first); err != nil {
		t.Fatal(err)
	}
	if q.InFlight(WorkItems) != 1 {
		t.Errorf("in-flight = %d, want 1 (the live redelivery)", q.InFlight(WorkItems))
	}
}

func TestMemoryAckNackNilMessage(t *testing.T) {
	q := NewMemory(time.Minute)
	ctx := context.Background()

	// An empty-queue Receive returns (nil, nil); acking that must be a no-op.
	if err := q.Ack(ctx, WorkItems, nil); err != nil {
		t.Errorf("Ack(nil) = %v", err)
	}
	if err := q.Nack(ctx, WorkItems, nil); err != nil {
		t.Errorf("Nack(nil) = %v", err)
	}
}

func TestMemoryQueuesAreIsolated(t *testing.T) {
	q := NewMemory(time.Minute)
	ctx := context.Background()

	q.Send(ctx, WorkItems, []byte("work"))
	q.Send(ctx, Consolidate, []byte("cons"))

	msg, _ := q.Receive(ctx, Consolidate, time.Second)
	if msg == nil || string(msg.Body) != "cons" {
		t.Fatalf("got %+v from the consolidate queue", msg)
	}
	if q.Len(WorkItems) != 1 {
		t.Error("work-items queue should be untouched")
	}
}

func TestMemoryOrderingFIFO(t *testing.T) {
	q := NewMemory(time.Minute)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		q.Send(ctx, WorkItems, []byte(fmt.Sprintf("%d", i)))
	}
	for i := 0; i < 5; i++ {
		msg, _ := q.Receive(ctx, WorkItems, time.Second)
		if string(msg.Body) != fmt.Sprintf("%d", i) {
			t.Fatalf("message %d out of order: %s", i, msg.Body)
		}
		q.Ack(ctx, WorkItems, msg)
	}
}
