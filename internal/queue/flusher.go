package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Flusher drives Queue.Flush from three triggers: startup, the cron
// schedule, and the queue's own record signal. Flush failures are logged
// and retried on the next trigger; they never stop the loop.
type Flusher struct {
	queue    *Queue
	schedule cronlib.Schedule
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFlusher validates the cron expression and builds a flusher. An empty
// expression disables the schedule; flushes then run only on startup and
// on the queue's record signal.
func NewFlusher(q *Queue, cronExpr string, logger *slog.Logger) (*Flusher, error) {
	var schedule cronlib.Schedule
	if strings.TrimSpace(cronExpr) != "" {
		var err error
		schedule, err = cronParser.Parse(cronExpr)
		if err != nil {
			return nil, fmt.Errorf("parse flush schedule %q: %w", cronExpr, err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{
		queue:    q,
		schedule: schedule,
		logger:   logger.With("component", "flusher"),
	}, nil
}

// Start begins the flush loop in a background goroutine.
func (f *Flusher) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.loop(ctx)
	f.logger.Info("flusher started")
}

// Stop cancels the loop and waits for it to exit. A final flush attempt
// drains whatever the collector will accept before shutdown.
func (f *Flusher) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.flush(ctx)
	f.logger.Info("flusher stopped")
}

func (f *Flusher) loop(ctx context.Context) {
	defer f.wg.Done()

	// Drain anything left over from a previous run.
	f.flush(ctx)

	for {
		var timer *time.Timer
		var timerC <-chan time.Time
		if f.schedule != nil {
			next := f.schedule.Next(time.Now())
			timer = time.NewTimer(time.Until(next))
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-timerC:
			f.flush(ctx)
		case <-f.queue.FlushSignal():
			if timer != nil {
				timer.Stop()
			}
			f.flush(ctx)
		}
	}
}

func (f *Flusher) flush(ctx context.Context) {
	if err := f.queue.Flush(ctx); err != nil {
		f.logger.Warn("flush attempt failed, will retry", "error", err.Error(), "queued", f.queue.Len())
	}
}
