package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRequeueAndAckSuccess(t *testing.T) {
	q, ctx, n := newQueuedNotification(t)
	msgID := readOnePending(t, q, ctx).ID

	n.Attempts = 1
	if err := q.requeueAndAck(ctx, msgID, n); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != n.JobID || got.Values["namespace"] != n.Namespace {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
	if got.Values["attempts"] != "1" {
		t.Fatalf("delivery count not carried: %+v", got.Values)
	}
}

func TestRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, n := newQueuedNotification(t)
	msgID := readOnePending(t, q, ctx).ID

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, n); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func TestHandleMessageAcksAfterSuccess(t *testing.T) {
	q, ctx, _ := newQueuedNotification(t)
	msg := readOnePending(t, q, ctx)

	var handled Notification
	q.handleMessage(ctx, msg, func(_ context.Context, n Notification) error {
		handled = n
		return nil
	})
	if handled.JobID != "job-1" || handled.Attempts != 1 {
		t.Fatalf("unexpected notification: %+v", handled)
	}

	streamLen, _ := q.client.XLen(ctx, q.stream).Result()
	if streamLen != 0 {
		t.Fatalf("acked message still in stream, len=%d", streamLen)
	}
}

func TestHandleMessageDropsAfterDeliveryBudget(t *testing.T) {
	q, ctx, _ := newQueuedNotification(t)
	q.maxRetries = 1
	msg := readOnePending(t, q, ctx)

	calls := 0
	q.handleMessage(ctx, msg, func(_ context.Context, n Notification) error {
		calls++
		return context.DeadlineExceeded
	})
	if calls != 1 {
		t.Fatalf("handler called %d times", calls)
	}

	// budget spent: message acked and not requeued
	streamLen, _ := q.client.XLen(ctx, q.stream).Result()
	if streamLen != 0 {
		t.Fatalf("exhausted message still in stream, len=%d", streamLen)
	}
}

func TestHandleMessageRequeuesOnFailure(t *testing.T) {
	q, ctx, _ := newQueuedNotification(t)
	msg := readOnePending(t, q, ctx)

	q.handleMessage(ctx, msg, func(_ context.Context, n Notification) error {
		return context.DeadlineExceeded
	})

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued: %v", err)
	}
	got := streams[0].Messages[0]
	if got.Values["attempts"] != "1" {
		t.Fatalf("requeued message should carry attempts=1: %+v", got.Values)
	}
}

func TestEnqueueRequiresJobID(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisCleanupQueue(RedisQueueConfig{Addr: redisSrv.Addr(), Stream: "test:cleanup"})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if err := q.Enqueue(context.Background(), Notification{DocID: "doc-1"}); err == nil {
		t.Fatal("expected error for missing job id")
	}
}

func newQueuedNotification(t *testing.T) (*RedisCleanupQueue, context.Context, Notification) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	q, err := NewRedisCleanupQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:cleanup",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	q.ensureGroup(ctx)

	n := Notification{JobID: "job-1", DocID: "doc-1", Namespace: "ns"}
	if err := q.Enqueue(ctx, n); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return q, ctx, n
}

func readOnePending(t *testing.T, q *RedisCleanupQueue, ctx context.Context) redis.XMessage {
	t.Helper()
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}
	return streams[0].Messages[0]
}
