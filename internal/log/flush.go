package log

import (
	"context"
	"time"

	"github.com/ttaaoo/statelog/internal/metrics"
)

// syncer is what the flusher forces to disk: the active segment.
type syncer interface {
	Sync() error
}

// flusher decides when buffered appends are forced to stable storage. It is only used while
// holding the log's writer slot, so it needs no locking of its own.
type flusher struct {
	onWrite  bool
	interval time.Duration
	retries  int
	backoff  time.Duration
	dir      string

	// appends written since the last successful flush
	dirty bool
}

func newFlusher(c Config) *flusher {
	return &flusher{
		onWrite:  c.Flush.OnWrite,
		interval: c.Flush.Interval,
		retries:  c.Flush.Retries,
		backoff:  c.Flush.Backoff,
		dir:      c.Dir,
	}
}

// periodic reports whether a background flush loop is needed.
func (f *flusher) periodic() bool {
	return !f.onWrite && f.interval > 0
}

// afterAppend applies the flush policy to a record just written to s.
func (f *flusher) afterAppend(ctx context.Context, s syncer) error {
	f.dirty = true
	if !f.onWrite {
		return nil
	}
	return f.sync(ctx, s)
}

// flush syncs s if anything was written since the last flush.
func (f *flusher) flush(ctx context.Context, s syncer) error {
	if !f.dirty {
		return nil
	}
	return f.sync(ctx, s)
}

// sync forces s to disk, retrying failures with a doubling backoff. The last error is
// returned once the retries are used up; a done context stops the retries early.
func (f *flusher) sync(ctx context.Context, s syncer) error {
	delay := f.backoff
	for attempt := 0; ; attempt++ {
		start := time.Now()
		err := s.Sync()
		if err == nil {
			metrics.FlushLatency.WithLabelValues(f.dir).Observe(time.Since(start).Seconds())
			f.dirty = false
			return nil
		}
		metrics.FlushFailures.WithLabelValues(f.dir).Inc()
		if attempt >= f.retries {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}
