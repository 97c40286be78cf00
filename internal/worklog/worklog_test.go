package worklog

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"aigc-queue/internal/config"
)

func newTestLog(t *testing.T, consumer string) (*Log, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return logOn(t, mr, consumer), mr
}

func logOn(t *testing.T, mr *miniredis.Miniredis, consumer string) *Log {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewWithClient(client, config.Config{
		StreamKey:     "aigc:queue",
		ConsumerGroup: "aigc-workers",
		ConsumerName:  consumer,
		BlockTime:     10 * time.Millisecond,
	})
	if err := l.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	return l
}

func TestAppendReadAck(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t, "w1")

	if err := l.Append(ctx, "task-1", `{"prompt":"hi"}`); err != nil {
		t.Fatalf("append: %v", err)
	}

	entry, err := l.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if entry == nil {
		t.Fatalf("expected an entry")
	}
	if entry.TaskID != "task-1" || entry.Params != `{"prompt":"hi"}` {
		t.Fatalf("bad entry: %+v", entry)
	}

	// Delivered but unacknowledged: no redelivery to the same consumer.
	again, err := l.Read(ctx)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if again != nil {
		t.Fatalf("entry double-delivered: %+v", again)
	}

	if err := l.Ack(ctx, entry.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	reclaimed, err := l.Reclaim(ctx, 0, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("acked entry still pending: %+v", reclaimed)
	}
}

func TestSingleDeliveryWithinGroup(t *testing.T) {
	ctx := context.Background()
	l1, mr := newTestLog(t, "w1")
	l2 := logOn(t, mr, "w2")

	if err := l1.Append(ctx, "task-1", "{}"); err != nil {
		t.Fatalf("append: %v", err)
	}

	e1, err := l1.Read(ctx)
	if err != nil {
		t.Fatalf("read w1: %v", err)
	}
	e2, err := l2.Read(ctx)
	if err != nil {
		t.Fatalf("read w2: %v", err)
	}
	if e1 == nil || e2 != nil {
		t.Fatalf("entry not delivered to exactly one consumer: w1=%+v w2=%+v", e1, e2)
	}
}

func TestReclaimTransfersPendingEntry(t *testing.T) {
	ctx := context.Background()
	dead, mr := newTestLog(t, "dead")
	live := logOn(t, mr, "live")

	if err := dead.Append(ctx, "task-1", "{}"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := dead.Read(ctx); err != nil {
		t.Fatalf("read: %v", err)
	}
	// "dead" never acks; "live" takes the entry over.
	entries, err := live.Reclaim(ctx, 0, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(entries) != 1 || entries[0].TaskID != "task-1" {
		t.Fatalf("unexpected reclaim result: %+v", entries)
	}
}

func TestPositionIsAdvisoryIndex(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t, "w1")

	for _, id := range []string{"task-1", "task-2", "task-3"} {
		if err := l.Append(ctx, id, "{}"); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	for i, id := range []string{"task-1", "task-2", "task-3"} {
		pos, err := l.Position(ctx, id)
		if err != nil {
			t.Fatalf("position %s: %v", id, err)
		}
		if pos != int64(i+1) {
			t.Fatalf("position of %s: got %d want %d", id, pos, i+1)
		}
	}

	pos, err := l.Position(ctx, "task-unknown")
	if err != nil {
		t.Fatalf("position unknown: %v", err)
	}
	if pos != 0 {
		t.Fatalf("unknown task position: %d", pos)
	}

	length, err := l.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if length != 3 {
		t.Fatalf("len: got %d want 3", length)
	}
}
