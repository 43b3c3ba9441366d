package log

import (
	"errors"
	"slices"

	"github.com/ttaaoo/statelog/internal/metrics"
)

// compactor decides which segments can be deleted to bring the log back under its limits.
type compactor struct {
	maxSize     uint64
	maxSegments uint32
}

func newCompactor(c Config) compactor {
	return compactor{
		maxSize:     c.MaxSize,
		maxSegments: c.MaxSegments,
	}
}

// triggered reports whether a log of the given size and segment count is over either limit.
func (c compactor) triggered(size uint64, count int) bool {
	return (c.maxSize > 0 && size > c.maxSize) || uint64(count) > uint64(c.maxSegments)
}

// plan returns how many of the oldest segments to delete. Only sealed segments whose every
// entry is below watermark qualify, and deletion stops at the first one that does not, so the
// limits can stay exceeded when the replication layer still needs the entries. The last
// segment is never deleted.
func (c compactor) plan(segs []SegmentInfo, watermark uint64) int {
	var size uint64
	for _, s := range segs {
		size += s.Size
	}
	count := len(segs)

	n := 0
	for n < len(segs)-1 && c.triggered(size, count) {
		s := segs[n]
		if !s.Sealed || s.NextIndex > watermark {
			break
		}
		size -= s.Size
		count--
		n++
	}
	return n
}

// compact deletes the segments the compactor selects for the current watermark.
func (l *Log) compact() error {
	l.compactMu.Lock()
	defer l.compactMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	infos := make([]SegmentInfo, len(l.segments))
	for i, s := range l.segments {
		infos[i] = s.Info()
	}
	n := l.compactor.plan(infos, l.watermark)
	if n == 0 {
		l.mu.Unlock()
		return nil
	}
	removed := slices.Clone(l.segments[:n])
	l.segments = slices.Clone(l.segments[n:])
	watermark := l.watermark
	l.mu.Unlock()

	var errs []error
	for _, s := range removed {
		// readers that found the segment before it left the set finish first
		s.readers.Wait()
		if err := s.Remove(); err != nil {
			errs = append(errs, ioFailure("remove segment", err))
			continue
		}
		metrics.CompactedSegments.WithLabelValues(l.Dir).Inc()
	}
	if err := syncDir(l.Dir); err != nil {
		errs = append(errs, ioFailure("sync directory", err))
	}

	l.logger.Info().
		Int("segments", n).
		Uint64("watermark", watermark).
		Uint64("first_index", removed[n-1].baseIndex+infos[n-1].Len()).
		Msg("compacted log")
	l.updateGauges()
	return errors.Join(errs...)
}

// signalCompaction asks the compaction goroutine to run without waiting for it.
func (l *Log) signalCompaction() {
	select {
	case l.compactCh <- struct{}{}:
	default:
	}
}

func (l *Log) compactLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.compactCh:
			if err := l.compact(); err != nil && !errors.Is(err, ErrClosed) {
				l.logger.Error().Err(err).Msg("failed to compact log")
			}
		case <-l.done:
			return
		}
	}
}
