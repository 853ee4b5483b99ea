package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func testRedis(t *testing.T, visibility time.Duration) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	q := NewRedis(mr.Addr(), 0, visibility)
	q.poll = 5 * time.Millisecond
	t.Cleanup(func() { q.Close() })
	return q
}

func TestRedisSendReceiveAck(t *testing.T) {
	q := testRedis(t, time.Minute)
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
	again, err := q.Receive(ctx, WorkItems, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Fatalf("acked message came back: %+v", again)
	}
}

func TestRedisReceiveTimeoutReturnsNil(t *testing.T) {
	q := testRedis(t, time.Minute)
	msg, err := q.Receive(context.Background(), WorkItems, 30*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Fatalf("expected nil on empty queue, got %+v", msg)
	}
}

func TestRedisNackRedeliversImmediately(t *testing.T) {
	q := testRedis(t, time.Minute)
	ctx := context.Background()

	if err := q.Send(ctx, WorkItems, []byte("x")); err != nil {
		t.Fatal(err)
	}
	msg, err := q.Receive(ctx, WorkItems, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil {
		t.Fatal("expected a message")
	}
	if err := q.Nack(ctx, WorkItems, msg); err != nil {
		t.Fatal(err)
	}

	again, err := q.Receive(ctx, WorkItems, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if again == nil {
		t.Fatal("nacked message should be redelivered")
	}
	if again.ReceiveCount != 2 {
		t.Errorf("receive count = %d, want 2", again.ReceiveCount)
	}
}

func TestRedisVisibilityTimeoutRedelivers(t *testing.T) {
	q := testRedis(t, 30*time.Millisecond)
	ctx := context.Background()

	q.Send(ctx, WorkItems, []byte("x"))
	first, _ := q.Receive(ctx, WorkItems, time.Second)
	if first == nil {
		t.Fatal("expected first delivery")
	}

	time.Sleep(50 * time.Millisecond)

	again, err := q.Receive(ctx, WorkItems, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if again == nil {
		t.Fatal("unacked message should be redelivered after the visibility timeout")
	}
	if again.ReceiveCount != 2 {
		t.Errorf("receive count = %d, want 2", again.ReceiveCount)
	}
	// The stale first receipt must not ack the live redelivery.
	if err := q.Ack(ctx, WorkItems, first); err != nil {
		t.Fatal(err)
	}
	if err := q.Nack(ctx, WorkItems, again); err != nil {
		t.Fatal(err)
	}
	back, _ := q.Receive(ctx, WorkItems, time.Second)
	if back == nil {
		t.Fatal("live copy should still exist after a stale ack")
	}
}

func TestRedisAckNackNilMessage(t *testing.T) {
	q := testRedis(t, time.Minute)
	ctx := context.Background()

	// An empty-queue Receive returns (nil, nil); acking that must be a no-op.
	if err := q.Ack(ctx, WorkItems, nil); err != nil {
		t.Errorf("Ack(nil) = %v", err)
	}
	if err := q.Nack(ctx, WorkItems, nil); err != nil {
		t.Errorf("Nack(nil) = %v", err)
	}
}

func TestRedisFIFOAcrossQueues(t *testing.T) {
	q := testRedis(t, time.Minute)
	ctx := context.Background()

	q.Send(ctx, WorkItems, []byte("a"))
	q.Send(ctx, WorkItems, []byte("b"))
	q.Send(ctx, Consolidate, []byte("c"))

	m1, _ := q.Receive(ctx, WorkItems, time.Second)
	m2, _ := q.Receive(ctx, WorkItems, time.Second)
	if string(m1.Body) != "a" || string(m2.Body) != "b" {
		t.Errorf("order = %s, %s; want a, b", m1.Body, m2.Body)
	}
	mc, _ := q.Receive(ctx, Consolidate, time.Second)
	if string(mc.Body) != "c" {
		t.Errorf("consolidate body = %s", mc.Body)
	}
}
