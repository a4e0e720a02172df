package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/reflectchat/internal/otel"
	"github.com/basket/reflectchat/internal/store"
)

type memQueueStore struct {
	mu    sync.Mutex
	docs  map[string]string
	saves int
}

func newMemQueueStore() *memQueueStore {
	return &memQueueStore{docs: make(map[string]string)}
}

func (m *memQueueStore) SaveQueueDoc(_ context.Context, sessionID, doc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[sessionID] = doc
	m.saves++
	return nil
}

func (m *memQueueStore) LoadQueueDoc(_ context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[sessionID]
	if !ok {
		return "", store.ErrNotFound
	}
	return doc, nil
}

// fakeSender fails the first failures attempts, then acknowledges and
// records every delivered batch.
type fakeSender struct {
	mu       sync.Mutex
	failures int
	batches  [][]Entry
	block    chan struct{}
	arrived  chan struct{}
}

func (f *fakeSender) SendBatch(_ context.Context, _ string, entries []Entry) error {
	if f.arrived != nil {
		select {
		case f.arrived <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("collector returned 503")
	}
	batch := make([]Entry, len(entries))
	copy(batch, entries)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeSender) delivered() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []Entry
	for _, b := range f.batches {
		all = append(all, b...)
	}
	return all
}

func openTestQueue(t *testing.T, st *memQueueStore, sender Sender, opts Options) *Queue {
	t.Helper()
	q, err := Open(context.Background(), "sess-1", st, sender, opts, nil, nil)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q
}

func TestFlush_RetriesUntilAllDeliveredInOrder(t *testing.T) {
	ctx := context.Background()
	st := newMemQueueStore()
	sender := &fakeSender{failures: 2}
	q := openTestQueue(t, st, sender, Options{BatchSize: 25, MaxEntries: 1000})

	for i := 0; i < 30; i++ {
		if err := q.Record(ctx, fmt.Sprintf("event_%02d", i), nil); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	// Two failed attempts leave the queue untouched.
	for attempt := 1; attempt <= 2; attempt++ {
		if err := q.Flush(ctx); err == nil {
			t.Fatalf("attempt %d: expected failure", attempt)
		}
		if got := q.Len(); got != 30 {
			t.Fatalf("attempt %d: queue len = %d, want 30", attempt, got)
		}
	}

	if err := q.Flush(ctx); err != nil {
		t.Fatalf("final flush: %v", err)
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("queue len = %d after ack, want 0", got)
	}

	sender.mu.Lock()
	batchSizes := make([]int, len(sender.batches))
	for i, b := range sender.batches {
		batchSizes[i] = len(b)
	}
	sender.mu.Unlock()
	if len(batchSizes) != 2 || batchSizes[0] != 25 || batchSizes[1] != 5 {
		t.Fatalf("batch sizes = %v, want [25 5]", batchSizes)
	}

	all := sender.delivered()
	if len(all) != 30 {
		t.Fatalf("delivered = %d, want 30", len(all))
	}
	for i, e := range all {
		want := fmt.Sprintf("event_%02d", i)
		if e.EventType != want {
			t.Fatalf("delivered[%d] = %q, want %q (order broken)", i, e.EventType, want)
		}
	}
}

func TestRecord_PersistsBeforeAnyNetworkAttempt(t *testing.T) {
	ctx := context.Background()
	st := newMemQueueStore()
	q := openTestQueue(t, st, nil, Options{})

	if err := q.Record(ctx, "session_started", map[string]any{"k": "v"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	doc, err := st.LoadQueueDoc(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load doc: %v", err)
	}
	var persisted queueDoc
	if err := json.Unmarshal([]byte(doc), &persisted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(persisted.Entries) != 1 || persisted.Entries[0].EventType != "session_started" {
		t.Fatalf("persisted = %+v", persisted.Entries)
	}
	if persisted.Entries[0].SessionID != "sess-1" {
		t.Fatalf("sessionId = %q", persisted.Entries[0].SessionID)
	}
}

func TestOpen_RestoresPersistedEntries(t *testing.T) {
	ctx := context.Background()
	st := newMemQueueStore()
	q := openTestQueue(t, st, nil, Options{})
	for i := 0; i < 3; i++ {
		if err := q.Record(ctx, fmt.Sprintf("e%d", i), nil); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	reloaded := openTestQueue(t, st, nil, Options{})
	if got := reloaded.Len(); got != 3 {
		t.Fatalf("reloaded len = %d, want 3", got)
	}
}

func TestRecord_TrimsOldestAboveWatermark(t *testing.T) {
	ctx := context.Background()
	st := newMemQueueStore()
	q := openTestQueue(t, st, nil, Options{BatchSize: 5, MaxEntries: 10})

	for i := 0; i < 15; i++ {
		if err := q.Record(ctx, fmt.Sprintf("e%02d", i), nil); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if got := q.Len(); got != 10 {
		t.Fatalf("len = %d, want 10", got)
	}

	doc, _ := st.LoadQueueDoc(ctx, "sess-1")
	var persisted queueDoc
	if err := json.Unmarshal([]byte(doc), &persisted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if persisted.Entries[0].EventType != "e05" {
		t.Fatalf("oldest surviving entry = %q, want e05", persisted.Entries[0].EventType)
	}
}

func TestFlush_NoSenderOrEmptyQueueIsNoop(t *testing.T) {
	ctx := context.Background()
	st := newMemQueueStore()

	q := openTestQueue(t, st, nil, Options{})
	if err := q.Record(ctx, "e", nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("offline flush: %v", err)
	}
	if got := q.Len(); got != 1 {
		t.Fatalf("len = %d, want 1 (nothing dropped offline)", got)
	}

	empty := openTestQueue(t, st, &fakeSender{}, Options{})
	_ = empty
}

func TestFlush_SingleFlightGuard(t *testing.T) {
	ctx := context.Background()
	st := newMemQueueStore()
	sender := &fakeSender{block: make(chan struct{})}
	q := openTestQueue(t, st, sender, Options{BatchSize: 5})

	if err := q.Record(ctx, "e0", nil); err != nil {
		t.Fatalf("record: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- q.Flush(ctx) }()

	// Let the first flush reach the sender, then a second call must
	// return immediately without sending anything.
	time.Sleep(20 * time.Millisecond)
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("concurrent flush: %v", err)
	}

	close(sender.block)
	if err := <-done; err != nil {
		t.Fatalf("first flush: %v", err)
	}
	sender.mu.Lock()
	batches := len(sender.batches)
	sender.mu.Unlock()
	if batches != 1 {
		t.Fatalf("batches = %d, want 1", batches)
	}
}

func TestFlush_TrimDuringInFlightBatchKeepsUnsentEntries(t *testing.T) {
	ctx := context.Background()
	st := newMemQueueStore()
	sender := &fakeSender{block: make(chan struct{}), arrived: make(chan struct{}, 1)}
	q := openTestQueue(t, st, sender, Options{BatchSize: 2, MaxEntries: 2})

	if err := q.Record(ctx, "e1", nil); err != nil {
		t.Fatalf("record e1: %v", err)
	}
	if err := q.Record(ctx, "e2", nil); err != nil {
		t.Fatalf("record e2: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- q.Flush(ctx) }()
	<-sender.arrived

	// While [e1 e2] is in flight the watermark trims e1 from the front.
	// The drain after the ack must not swallow e3 in e1's place.
	if err := q.Record(ctx, "e3", nil); err != nil {
		t.Fatalf("record e3: %v", err)
	}

	close(sender.block)
	if err := <-done; err != nil {
		t.Fatalf("flush: %v", err)
	}

	all := sender.delivered()
	if len(all) != 3 {
		got := make([]string, len(all))
		for i, e := range all {
			got[i] = e.EventType
		}
		t.Fatalf("delivered = %v, want [e1 e2 e3]", got)
	}
	for i, want := range []string{"e1", "e2", "e3"} {
		if all[i].EventType != want {
			t.Fatalf("delivered[%d] = %q, want %q", i, all[i].EventType, want)
		}
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("len = %d after full flush, want 0", got)
	}
}

func TestQueue_RecordsDeliveryMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := otel.NewMetrics(provider.Meter("queue_test"))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	st := newMemQueueStore()
	sender := &fakeSender{failures: 1}
	q := openTestQueue(t, st, sender, Options{BatchSize: 5, Metrics: metrics})
	for i := 0; i < 3; i++ {
		if err := q.Record(ctx, fmt.Sprintf("e%d", i), nil); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	if err := q.Flush(ctx); err == nil {
		t.Fatal("expected first flush to fail")
	}
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("second flush: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := counterSum(t, &rm, "reflectchat.events.recorded"); got != 3 {
		t.Fatalf("events.recorded = %d, want 3", got)
	}
	if got := counterSum(t, &rm, "reflectchat.events.delivered"); got != 3 {
		t.Fatalf("events.delivered = %d, want 3", got)
	}
	if got := counterSum(t, &rm, "reflectchat.flush.failures"); got != 1 {
		t.Fatalf("flush.failures = %d, want 1", got)
	}
	if got := counterSum(t, &rm, "reflectchat.queue.depth"); got != 0 {
		t.Fatalf("queue.depth = %d after drain, want 0", got)
	}
}

func counterSum(t *testing.T, rm *metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: unexpected data type %T", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatalf("instrument %s was never recorded", name)
	return 0
}
