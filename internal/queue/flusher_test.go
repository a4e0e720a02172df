package queue

import (
	"context"
	"testing"
	"time"
)

func TestNewFlusher_RejectsBadCronExpr(t *testing.T) {
	st := newMemQueueStore()
	q := openTestQueue(t, st, &fakeSender{}, Options{})
	if _, err := NewFlusher(q, "not a cron expr", nil); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := NewFlusher(q, "*/5 * * * *", nil); err != nil {
		t.Fatalf("valid expr rejected: %v", err)
	}
	if f, err := NewFlusher(q, "", nil); err != nil || f.schedule != nil {
		t.Fatalf("empty expr: err=%v schedule=%v, want signal-only flusher", err, f.schedule)
	}
}

func TestFlusher_FlushesOnStartupAndOnRecordSignal(t *testing.T) {
	ctx := context.Background()
	st := newMemQueueStore()
	sender := &fakeSender{}
	q := openTestQueue(t, st, sender, Options{BatchSize: 5})

	// Leftover entry from a "previous run".
	if err := q.Record(ctx, "leftover", nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	drainSignal(q)

	f, err := NewFlusher(q, "* * * * *", nil)
	if err != nil {
		t.Fatalf("new flusher: %v", err)
	}
	f.Start(ctx)
	defer f.Stop()

	waitForEmpty(t, q, "startup flush")

	if err := q.Record(ctx, "fresh", nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	waitForEmpty(t, q, "signal-driven flush")

	all := sender.delivered()
	if len(all) != 2 || all[0].EventType != "leftover" || all[1].EventType != "fresh" {
		t.Fatalf("delivered = %+v", all)
	}
}

func drainSignal(q *Queue) {
	select {
	case <-q.FlushSignal():
	default:
	}
}

func waitForEmpty(t *testing.T, q *Queue, what string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for q.Len() > 0 {
		select {
		case <-deadline:
			t.Fatalf("%s never drained the queue (len=%d)", what, q.Len())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
