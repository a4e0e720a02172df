// Package queue implements the durable event pipeline. Every recorded
// entry is persisted locally before any network attempt, flushed to the
// remote collector in strict FIFO batches, and removed only after the
// batch is acknowledged. Delivery is at-least-once; the collector is
// expected to tolerate replays.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/reflectchat/internal/bus"
	"github.com/basket/reflectchat/internal/otel"
	"github.com/basket/reflectchat/internal/store"
)

// Entry is one append-only log record.
type Entry struct {
	SessionID       string          `json:"sessionId"`
	EventType       string          `json:"eventType"`
	ClientTimestamp string          `json:"clientTimestamp"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// queueDoc is the persisted shape of the queue.
type queueDoc struct {
	Entries []Entry `json:"entries"`
}

// Store persists the queue document. Satisfied by store.Store.
type Store interface {
	SaveQueueDoc(ctx context.Context, sessionID, doc string) error
	LoadQueueDoc(ctx context.Context, sessionID string) (string, error)
}

// Sender delivers one batch to the collector. Any error fails the whole
// batch; the batch stays queued.
type Sender interface {
	SendBatch(ctx context.Context, sessionID string, entries []Entry) error
}

// Queue is the per-session durable event queue.
type Queue struct {
	sessionID  string
	store      Store
	sender     Sender
	batchSize  int
	maxEntries int
	bus        *bus.Bus
	logger     *slog.Logger
	metrics    *otel.Metrics
	tracer     trace.Tracer

	mu       sync.Mutex
	entries  []Entry
	flushing bool

	// trims counts entries ever removed from the front by the watermark.
	// The flush drain compares snapshots of it so a trim that lands while
	// a batch is in flight shifts the drain window instead of eating
	// entries that were never sent.
	trims int

	signal chan struct{}
}

// Options tunes queue behavior. Zero values take defaults.
type Options struct {
	BatchSize  int // entries per collector batch, default 25
	MaxEntries int // high watermark before oldest entries are trimmed, default 5000

	Metrics *otel.Metrics // optional instruments, nil disables
	Tracer  trace.Tracer  // optional, spans each flush batch
}

const (
	defaultBatchSize  = 25
	defaultMaxEntries = 5000
)

// Open loads the persisted queue for a session, creating an empty one if
// none exists yet. sender may be nil when no collector is configured;
// entries then accumulate locally up to the watermark.
func Open(ctx context.Context, sessionID string, st Store, sender Sender, opts Options, b *bus.Bus, logger *slog.Logger) (*Queue, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxEntries < opts.BatchSize {
		opts.MaxEntries = defaultMaxEntries
	}
	if b == nil {
		b = bus.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		sessionID:  sessionID,
		store:      st,
		sender:     sender,
		batchSize:  opts.BatchSize,
		maxEntries: opts.MaxEntries,
		bus:        b,
		logger:     logger.With("component", "queue", "session_id", sessionID),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		signal:     make(chan struct{}, 1),
	}

	doc, err := st.LoadQueueDoc(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load queue for %s: %w", sessionID, err)
	default:
		var persisted queueDoc
		if err := json.Unmarshal([]byte(doc), &persisted); err != nil {
			return nil, fmt.Errorf("decode queue doc for %s: %w", sessionID, err)
		}
		q.entries = persisted.Entries
	}
	return q, nil
}

// Record appends an entry and persists the queue before returning. It
// never performs network I/O; a flush is merely signaled.
func (q *Queue) Record(ctx context.Context, eventType string, payload map[string]any) error {
	entry := Entry{
		SessionID:       q.sessionID,
		EventType:       eventType,
		ClientTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		entry.Payload = raw
	}

	q.mu.Lock()
	q.entries = append(q.entries, entry)
	depthDelta := int64(1)
	if overflow := len(q.entries) - q.maxEntries; overflow > 0 {
		trimmed := make([]Entry, len(q.entries)-overflow)
		copy(trimmed, q.entries[overflow:])
		q.entries = trimmed
		q.trims += overflow
		depthDelta -= int64(overflow)
		q.logger.Warn("queue watermark exceeded, trimmed oldest entries", "trimmed", overflow)
	}
	err := q.persistLocked(ctx)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	if q.metrics != nil {
		q.metrics.EventsRecorded.Add(ctx, 1, metricAttrs(q.sessionID, eventType))
		q.metrics.QueueDepth.Add(ctx, depthDelta)
	}

	// Non-blocking flush hint.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// FlushSignal fires after each Record. Flush drivers select on it to
// deliver opportunistically instead of waiting for the next timer.
func (q *Queue) FlushSignal() <-chan struct{} {
	return q.signal
}

// Len reports the number of locally queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Flush delivers queued entries to the collector in FIFO batches. At most
// one flush runs at a time; a concurrent call is a no-op. On the first
// failed batch it stops, leaving that batch and everything behind it
// queued for a later attempt. After each acknowledgement exactly the
// acked batch is dropped and the shrunk queue is persisted.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.flushing || q.sender == nil || len(q.entries) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.flushing = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			return nil
		}
		n := q.batchSize
		if n > len(q.entries) {
			n = len(q.entries)
		}
		batch := make([]Entry, n)
		copy(batch, q.entries[:n])
		trimsAtCapture := q.trims
		q.mu.Unlock()

		if err := q.sendBatch(ctx, batch); err != nil {
			q.logger.Warn("flush stopped on failed batch", "batch_size", len(batch), "error", err.Error())
			q.bus.Publish(bus.TopicQueueStalled, bus.QueueFlushEvent{
				SessionID: q.sessionID,
				Remaining: q.Len(),
				Err:       err.Error(),
			})
			if q.metrics != nil {
				q.metrics.FlushFailures.Add(ctx, 1)
			}
			return fmt.Errorf("flush batch for %s: %w", q.sessionID, err)
		}

		q.mu.Lock()
		// A watermark trim while the batch was in flight already removed
		// some of its entries from the front; drain only the remainder so
		// entries recorded behind the batch are never dropped unsent.
		drop := n - (q.trims - trimsAtCapture)
		if drop < 0 {
			drop = 0
		}
		if drop > len(q.entries) {
			drop = len(q.entries)
		}
		rest := make([]Entry, len(q.entries)-drop)
		copy(rest, q.entries[drop:])
		q.entries = rest
		remaining := len(q.entries)
		perr := q.persistLocked(ctx)
		q.mu.Unlock()

		q.bus.Publish(bus.TopicQueueFlushed, bus.QueueFlushEvent{
			SessionID: q.sessionID,
			Delivered: n,
			Remaining: remaining,
		})
		if q.metrics != nil {
			q.metrics.EventsDelivered.Add(ctx, int64(n))
			q.metrics.QueueDepth.Add(ctx, -int64(drop))
		}
		q.logger.Debug("batch acknowledged", "delivered", n, "remaining", remaining)
		if perr != nil {
			return perr
		}
	}
}

// sendBatch delivers one batch, spanning the collector round-trip when a
// tracer is configured.
func (q *Queue) sendBatch(ctx context.Context, batch []Entry) error {
	if q.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartClientSpan(ctx, q.tracer, "collector.flush_batch",
			otel.AttrSessionID.String(q.sessionID),
			otel.AttrBatchSize.Int(len(batch)),
		)
		defer span.End()
		err := q.sender.SendBatch(ctx, q.sessionID, batch)
		if err != nil {
			span.RecordError(err)
		}
		return err
	}
	return q.sender.SendBatch(ctx, q.sessionID, batch)
}

func metricAttrs(sessionID, eventType string) metric.AddOption {
	return metric.WithAttributes(
		otel.AttrSessionID.String(sessionID),
		otel.AttrEventType.String(eventType),
	)
}

func (q *Queue) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(queueDoc{Entries: q.entries})
	if err != nil {
		return fmt.Errorf("encode queue doc: %w", err)
	}
	if err := q.store.SaveQueueDoc(ctx, q.sessionID, string(raw)); err != nil {
		return fmt.Errorf("persist queue for %s: %w", q.sessionID, err)
	}
	return nil
}
