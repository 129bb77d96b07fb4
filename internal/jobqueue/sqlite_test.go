package jobqueue

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, visibility time.Duration) *SQLiteQueue {
	t.Helper()
	q, err := NewSQLitePath(filepath.Join(t.TempDir(), "queue.db"), visibility)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueReceiveAcknowledge(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "job-1", "ref-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	msg, err := q.Receive(ctx, 0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.JobID != "job-1" || msg.Reference != "ref-1" || msg.AckToken == "" {
		t.Fatalf("message = %+v", msg)
	}

	// Delivered messages are invisible until the timeout.
	again, err := q.Receive(ctx, 0)
	if err != nil {
		t.Fatalf("Receive again: %v", err)
	}
	if again != nil {
		t.Fatalf("message should be invisible while claimed, got %+v", again)
	}

	if err := q.Acknowledge(ctx, msg.AckToken); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	gone, err := q.Receive(ctx, 0)
	if err != nil {
		t.Fatalf("Receive after ack: %v", err)
	}
	if gone != nil {
		t.Fatalf("acknowledged message must not reappear, got %+v", gone)
	}
}

func TestUnacknowledgedMessageIsRedelivered(t *testing.T) {
	q := newTestQueue(t, 200*time.Millisecond)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "job-1", "ref-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	first, err := q.Receive(ctx, 0)
	if err != nil || first == nil {
		t.Fatalf("first receive = %+v, %v", first, err)
	}

	// No ack: the message must become visible again.
	time.Sleep(300 * time.Millisecond)
	second, err := q.Receive(ctx, 0)
	if err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if second == nil {
		t.Fatal("unacknowledged message should be redelivered")
	}
	if second.JobID != first.JobID {
		t.Fatalf("redelivered a different job: %s vs %s", second.JobID, first.JobID)
	}
	if second.AckToken == first.AckToken {
		t.Error("redelivery must mint a fresh ack token")
	}

	if err := q.Acknowledge(ctx, second.AckToken); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
}

func TestReceiveEmptyQueueReturnsNil(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	msg, err := q.Receive(context.Background(), 0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg != nil {
		t.Fatalf("empty queue returned %+v", msg)
	}
}

func TestReceiveHonorsContextCancellation(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if _, err := q.Receive(ctx, 10); err == nil {
		t.Fatal("cancelled long-poll should return the context error")
	}
}
