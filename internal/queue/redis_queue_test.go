package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"replywatch/internal/config"
)

func testQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Config{
		PriorityQueues:    []string{BandHigh, BandDefault, BandLow},
		VisibilityTimeout: time.Minute,
	}
	return NewRedisQueueWithClient(client, cfg), mr
}

func TestBand(t *testing.T) {
	if Band(3) != BandHigh || Band(0) != BandDefault || Band(-1) != BandLow {
		t.Fatalf("unexpected band mapping: %s %s %s", Band(3), Band(0), Band(-1))
	}
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	if err := q.Enqueue(ctx, "job-1", 0, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "job-1" {
		t.Fatalf("dequeue got id=%q err=%v", id, err)
	}

	// Leased, not gone: the queue is empty but inflight holds it.
	id, err = q.DequeueWithLease(ctx)
	if err != nil || id != "" {
		t.Fatalf("expected empty dequeue, got id=%q err=%v", id, err)
	}

	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("acked job must not be reclaimable, got %v err=%v", ids, err)
	}
}

func TestBandOrdering(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	if err := q.Enqueue(ctx, "low", -1, time.Now()); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	if err := q.Enqueue(ctx, "high", 5, time.Now()); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	first, _ := q.DequeueWithLease(ctx)
	second, _ := q.DequeueWithLease(ctx)
	if first != "high" || second != "low" {
		t.Fatalf("expected high before low, got %q then %q", first, second)
	}
}

func TestScheduleAndPromote(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	runAt := time.Now().Add(time.Hour)
	if err := q.Schedule(ctx, "job-1", 0, runAt); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Not due yet.
	ids, err := q.PromoteScheduled(ctx, time.Now(), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("premature promotion: %v err=%v", ids, err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "" {
		t.Fatalf("scheduled job must not be dequeued early, got %q", id)
	}

	ids, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil || len(ids) != 1 {
		t.Fatalf("promotion failed: %v err=%v", ids, err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "job-1" {
		t.Fatalf("expected job-1 after promotion, got %q", id)
	}
}

func TestPromotePreservesBand(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	if err := q.Schedule(ctx, "urgent", 2, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := q.PromoteScheduled(ctx, time.Now(), 10); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if err := q.Enqueue(ctx, "normal", 0, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "urgent" {
		t.Fatalf("promoted job lost its band, got %q", id)
	}
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	if err := q.Enqueue(ctx, "job-1", 0, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "job-1" {
		t.Fatalf("dequeue failed")
	}

	// Lease still valid.
	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("live lease reclaimed: %v err=%v", ids, err)
	}

	// Past the visibility timeout the job returns to ready.
	ids, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil || len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected reclaim of job-1, got %v err=%v", ids, err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "job-1" {
		t.Fatalf("reclaimed job not dequeued")
	}
}

func TestCancelRemovesEverywhere(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	if err := q.Enqueue(ctx, "ready", 0, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Schedule(ctx, "later", 0, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	for _, id := range []string{"ready", "later"} {
		if err := q.Cancel(ctx, id); err != nil {
			t.Fatalf("cancel %s: %v", id, err)
		}
	}
	if id, _ := q.DequeueWithLease(ctx); id != "" {
		t.Fatalf("cancelled job dequeued: %q", id)
	}
	if ids, _ := q.PromoteScheduled(ctx, time.Now().Add(2*time.Hour), 10); len(ids) != 0 {
		t.Fatalf("cancelled job promoted: %v", ids)
	}
}

func TestReadyDepth(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	for i, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, id, i-1, time.Now()); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	depth, err := q.ReadyDepth(ctx)
	if err != nil || depth != 3 {
		t.Fatalf("depth=%d err=%v", depth, err)
	}
}
