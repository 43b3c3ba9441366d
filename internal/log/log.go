package log

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/ttaaoo/statelog/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// Entry is a single record of the log.
type Entry struct {
	Index   uint64
	Payload []byte
}

// Log is a segmented, append-only log with a single writer. Appends, flushes, truncation and
// close take the writer slot; reads only take mu long enough to find their segment.
type Log struct {
	mu sync.RWMutex

	// The directory the log will store its segments in.
	Dir    string
	Config Config

	activeSegment *segment
	segments      []*segment
	// the index the next append gets; everything below it is readable
	nextIndex uint64
	// the lowest index the replication layer still needs
	watermark uint64
	closed    bool
	fatal     error

	writer    *semaphore.Weighted
	compactMu sync.Mutex
	flusher   *flusher
	compactor compactor
	compactCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	logger *zerolog.Logger
	now    func() time.Time
}

/*
When a log opens, it's responsible for setting itself up for the segments that already exist
on disk or, if the log is new and has no segments, for bootstrapping the initial segment.
*/
func Open(c Config) (*Log, error) {
	c = c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return nil, ioFailure("create log directory", err)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "log").Str("dir", c.Dir).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	l := &Log{
		Dir:       c.Dir,
		Config:    c,
		writer:    semaphore.NewWeighted(1),
		flusher:   newFlusher(c),
		compactor: newCompactor(c),
		compactCh: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    &logger,
		now:       time.Now,
	}

	if err := l.setup(); err != nil {
		cancel()
		return nil, err
	}

	if l.flusher.periodic() {
		l.wg.Add(1)
		go l.flushLoop()
	}
	l.wg.Add(1)
	go l.compactLoop()
	return l, nil
}

// setup loads the segments on disk, oldest first. Only the last one, which was active when
// the log last ran, gets its tail verified and repaired.
func (l *Log) setup() error {
	bases, err := baseIndexes(l.Dir)
	if err != nil {
		return ioFailure("list segments", err)
	}

	for i, base := range bases {
		tail := i == len(bases)-1
		s, cut, err := loadSegment(l.Dir, base, l.Config, tail)
		if err != nil {
			l.closeSegments()
			if errors.Is(err, ErrCorrupt) {
				return err
			}
			return ioFailure(fmt.Sprintf("load segment %d", base), err)
		}
		if cut > 0 {
			l.logger.Warn().
				Uint64("segment", base).
				Uint64("bytes", cut).
				Uint64("next_index", s.nextIndex).
				Msg("dropped torn records from the log tail")
			metrics.RecoveredBytes.WithLabelValues(l.Dir).Add(float64(cut))
		}
		if n := len(l.segments); n > 0 && l.segments[n-1].nextIndex != base {
			prev := l.segments[n-1].nextIndex
			_ = s.Close()
			l.closeSegments()
			return &CorruptError{
				Segment: base,
				Index:   prev,
				Reason:  fmt.Sprintf("segment starts at %d but the previous one ends before %d", base, prev),
			}
		}
		l.segments = append(l.segments, s)
	}

	if l.segments == nil {
		if err := l.newSegment(l.Config.Segment.InitialIndex); err != nil {
			return err
		}
	}

	l.activeSegment = l.segments[len(l.segments)-1]
	l.nextIndex = l.activeSegment.nextIndex
	l.logger.Debug().
		Int("segments", len(l.segments)).
		Uint64("first_index", l.segments[0].baseIndex).
		Uint64("next_index", l.nextIndex).
		Msg("opened log")
	l.updateGauges()
	return nil
}

// newSegment creates a segment at index and makes it the active one.
func (l *Log) newSegment(index uint64) error {
	s, err := newSegment(l.Dir, index, l.Config, l.now())
	if err != nil {
		return ioFailure("create segment", err)
	}
	if err := syncDir(l.Dir); err != nil {
		_ = s.Close()
		return ioFailure("sync directory", err)
	}
	l.mu.Lock()
	l.segments = append(l.segments, s)
	l.activeSegment = s
	l.mu.Unlock()
	return nil
}

// Append writes p to the log and returns its index.
func (l *Log) Append(p []byte) (uint64, error) {
	return l.AppendContext(context.Background(), p)
}

// AppendContext is Append bounded by ctx. ctx limits waiting for the writer and for flush
// retries; it never interrupts a record half-way through being written.
func (l *Log) AppendContext(ctx context.Context, p []byte) (uint64, error) {
	if err := l.writer.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer l.writer.Release(1)

	if err := l.writable(); err != nil {
		return 0, err
	}
	if headerWidth+recWidth+uint64(len(p)) > uint64(l.Config.Segment.MaxBytes) {
		return 0, ErrRecordTooLarge
	}

	now := l.now()
	if l.activeSegment.IsMaxed(len(p), now) && l.activeSegment.Info().Len() > 0 {
		if err := l.rollover(ctx, now); err != nil {
			return 0, err
		}
	}

	index := l.nextIndex
	active := l.activeSegment
	if err := active.Append(index, p); err != nil {
		if errors.Is(err, errStoreBroken) {
			return 0, l.fail(err)
		}
		return 0, ioFailure("append", err)
	}
	if err := l.flusher.afterAppend(ctx, active); err != nil {
		// the record is not durable, so it must not become readable either
		if terr := active.Truncate(index); terr != nil {
			l.logger.Error().Err(terr).Uint64("index", index).Msg("failed to drop unflushed record")
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, l.fail(err)
	}

	l.mu.Lock()
	l.nextIndex = index + 1
	l.mu.Unlock()

	metrics.Appends.WithLabelValues(l.Dir).Inc()
	metrics.AppendedBytes.WithLabelValues(l.Dir).Add(float64(len(p)))
	metrics.SizeBytes.WithLabelValues(l.Dir).Add(float64(recWidth + len(p)))
	return index, nil
}

// writable returns why the log refuses appends, if it does.
func (l *Log) writable() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	return l.fatal
}

// rollover seals the active segment and starts a new one at the next index.
func (l *Log) rollover(ctx context.Context, now time.Time) error {
	old := l.activeSegment
	if err := l.flusher.sync(ctx, old); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return l.fail(err)
	}
	if err := old.Seal(); err != nil {
		return ioFailure("seal segment", err)
	}
	s, err := newSegment(l.Dir, l.nextIndex, l.Config, now)
	if err != nil {
		return ioFailure("create segment", err)
	}
	if err := syncDir(l.Dir); err != nil {
		_ = s.Remove()
		return ioFailure("sync directory", err)
	}

	l.mu.Lock()
	l.segments = append(l.segments, s)
	l.activeSegment = s
	l.mu.Unlock()

	l.logger.Debug().
		Uint64("sealed", old.baseIndex).
		Uint64("active", s.baseIndex).
		Msg("rolled over segment")
	metrics.Rollovers.WithLabelValues(l.Dir).Inc()
	l.updateGauges()
	l.signalCompaction()
	return nil
}

// fail records a write or flush that could not be made durable. The log refuses appends from
// now on.
func (l *Log) fail(err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fatal == nil {
		l.fatal = fmt.Errorf("%w: %w", ErrDurability, err)
		l.logger.Error().Err(err).Msg("write not durable; refusing further appends")
	}
	return l.fatal
}

// Get returns the entry at index.
func (l *Log) Get(index uint64) (Entry, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return Entry{}, ErrClosed
	}
	s, err := l.locate(index)
	if err != nil {
		l.mu.RUnlock()
		return Entry{}, err
	}
	s.readers.Add(1)
	l.mu.RUnlock()
	defer s.readers.Done()

	p, err := s.Read(index)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Index: index, Payload: p}, nil
}

// locate finds the segment holding index. Callers hold mu.
func (l *Log) locate(index uint64) (*segment, error) {
	if index < l.segments[0].baseIndex || index >= l.nextIndex {
		return nil, l.outOfRange(index)
	}
	i := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].baseIndex > index
	})
	return l.segments[i-1], nil
}

func (l *Log) outOfRange(index uint64) error {
	first := l.segments[0].baseIndex
	e := &IndexOutOfRangeError{Index: index, First: first, Empty: first == l.nextIndex}
	if !e.Empty {
		e.Last = l.nextIndex - 1
	}
	return e
}

// FirstIndex returns the lowest retained index.
func (l *Log) FirstIndex() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrClosed
	}
	return l.segments[0].baseIndex, nil
}

// LastIndex returns the highest written index. For an empty log it is FirstIndex()-1, except
// that a log starting at index 0 reports 0, the same as FirstIndex, because the index is
// unsigned. FirstIndex() > LastIndex() therefore does not detect every empty log; Empty does,
// and NextIndex is always the index of the next append.
func (l *Log) LastIndex() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrClosed
	}
	if l.nextIndex == 0 {
		return 0, nil
	}
	return l.nextIndex - 1, nil
}

// NextIndex returns the index the next append will get.
func (l *Log) NextIndex() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrClosed
	}
	return l.nextIndex, nil
}

// Empty reports whether the log retains no entries.
func (l *Log) Empty() (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return false, ErrClosed
	}
	return l.segments[0].baseIndex == l.nextIndex, nil
}

// Truncate discards every entry at or after index. It resolves conflicts with the leader's
// log and must not be called below the retention watermark.
func (l *Log) Truncate(index uint64) error {
	if err := l.writer.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer l.writer.Release(1)
	l.compactMu.Lock()
	defer l.compactMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if index == l.nextIndex {
		l.mu.Unlock()
		return nil
	}
	if index < l.segments[0].baseIndex || index > l.nextIndex {
		err := l.outOfRange(index)
		l.mu.Unlock()
		return err
	}
	k := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].baseIndex > index
	}) - 1
	removed := slices.Clone(l.segments[k+1:])
	l.segments = slices.Clone(l.segments[:k+1])
	l.activeSegment = l.segments[k]
	l.nextIndex = index
	l.mu.Unlock()

	var errs []error
	for i := len(removed) - 1; i >= 0; i-- {
		removed[i].readers.Wait()
		if err := removed[i].Remove(); err != nil {
			errs = append(errs, ioFailure("remove segment", err))
		}
	}
	if err := l.activeSegment.Truncate(index); err != nil {
		errs = append(errs, ioFailure("truncate segment", err))
	} else if err := l.activeSegment.Sync(); err != nil {
		errs = append(errs, ioFailure("sync segment", err))
	}
	if err := syncDir(l.Dir); err != nil {
		errs = append(errs, ioFailure("sync directory", err))
	}
	l.flusher.dirty = false

	l.logger.Info().
		Uint64("index", index).
		Int("removed_segments", len(removed)).
		Msg("truncated log")
	l.updateGauges()
	return errors.Join(errs...)
}

// Compact raises the retention watermark to retentionIndex and deletes whatever whole segments
// the size and count limits allow. Entries at or above the watermark are never deleted.
func (l *Log) Compact(retentionIndex uint64) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if retentionIndex > l.watermark {
		l.watermark = retentionIndex
	}
	l.mu.Unlock()
	return l.compact()
}

// Flush forces every acknowledged append to stable storage.
func (l *Log) Flush(ctx context.Context) error {
	if err := l.writer.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.writer.Release(1)

	if err := l.writable(); err != nil {
		return err
	}
	if err := l.flusher.flush(ctx, l.activeSegment); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return l.fail(err)
	}
	return nil
}

func (l *Log) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.flusher.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := l.Flush(l.ctx)
			if err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, ErrDurability) && l.ctx.Err() == nil {
				l.logger.Error().Err(err).Msg("periodic flush failed")
			}
		case <-l.done:
			return
		}
	}
}

// Reset drops every entry and restarts the log empty at next.
func (l *Log) Reset(next uint64) error {
	if err := l.writer.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer l.writer.Release(1)
	l.compactMu.Lock()
	defer l.compactMu.Unlock()

	if err := l.reset(next); err != nil {
		return err
	}
	l.logger.Info().Uint64("next_index", next).Msg("reset log")
	l.updateGauges()
	return nil
}

func (l *Log) reset(next uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	// the replacement is written aside and renamed into place, so until then a failure leaves
	// the log as it was
	path := filepath.Join(l.Dir, segmentName(next))
	s, err := createSegment(path+tmpExt, next, l.Config, l.now())
	if err != nil {
		return ioFailure("create segment", err)
	}
	if err := s.rename(path); err != nil {
		_ = s.Remove()
		return ioFailure("create segment", err)
	}

	old := l.segments
	l.segments = []*segment{s}
	l.activeSegment = s
	l.nextIndex = next
	l.flusher.dirty = false

	var errs []error
	for _, o := range old {
		o.readers.Wait()
		_ = o.Close()
		if o.path == path {
			continue
		}
		if err := os.Remove(o.path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, ioFailure("remove segment", err))
		}
	}
	if err := syncDir(l.Dir); err != nil {
		errs = append(errs, ioFailure("sync directory", err))
	}
	if len(errs) > 0 {
		// stale segments left behind would be recovered on the next open
		err := errors.Join(errs...)
		if l.fatal == nil {
			l.fatal = fmt.Errorf("%w: %w", ErrDurability, err)
			l.logger.Error().Err(err).Msg("reset left stale segments; refusing further appends")
		}
		return l.fatal
	}
	return nil
}

// Segments describes the log's segments, oldest first.
func (l *Log) Segments() []SegmentInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	infos := make([]SegmentInfo, len(l.segments))
	for i, s := range l.segments {
		infos[i] = s.Info()
	}
	return infos
}

// Size returns the total number of bytes in the log's segment files.
func (l *Log) Size() uint64 {
	var size uint64
	for _, s := range l.Segments() {
		size += s.Size
	}
	return size
}

func (l *Log) updateGauges() {
	infos := l.Segments()
	var size uint64
	for _, s := range infos {
		size += s.Size
	}
	metrics.Segments.WithLabelValues(l.Dir).Set(float64(len(infos)))
	metrics.SizeBytes.WithLabelValues(l.Dir).Set(float64(size))
}

// Close seals the active segment, flushing what is buffered, and releases every file.
// It waits for in-flight reads, including open Readers.
func (l *Log) Close() error {
	if err := l.writer.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer l.writer.Release(1)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	fatal := l.fatal
	l.mu.Unlock()

	l.cancel()
	close(l.done)
	l.wg.Wait()

	var errs []error
	if fatal == nil {
		if err := l.flusher.sync(context.Background(), l.activeSegment); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrDurability, err))
		} else if err := l.activeSegment.Seal(); err != nil {
			errs = append(errs, ioFailure("seal segment", err))
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.segments {
		s.readers.Wait()
		if err := s.Close(); err != nil {
			errs = append(errs, ioFailure("close segment", err))
		}
	}
	return errors.Join(errs...)
}

func (l *Log) closeSegments() {
	for _, s := range l.segments {
		_ = s.Close()
	}
	l.segments = nil
}

// Remove closes the log and deletes its directory.
func (l *Log) Remove() error {
	if err := l.Close(); err != nil {
		return err
	}
	metrics.Forget(l.Dir)
	return os.RemoveAll(l.Dir)
}

// Reader returns an io.ReadCloser over the raw bytes of every segment file, oldest first.
// The segments it spans are not deleted until it is closed.
func (l *Log) Reader() (io.ReadCloser, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	segments := slices.Clone(l.segments)
	readers := make([]io.Reader, len(segments))
	for i, s := range segments {
		s.readers.Add(1)
		readers[i] = &originReader{s, 0}
	}
	return &logReader{Reader: io.MultiReader(readers...), segments: segments}, nil
}

// originReader reads a segment from its start, advancing after each read.
type originReader struct {
	*segment
	offset int64
}

func (o *originReader) Read(p []byte) (int, error) {
	n, err := o.ReadAt(p, o.offset)
	o.offset += int64(n)
	return n, err
}

type logReader struct {
	io.Reader
	segments []*segment
	once     sync.Once
}

func (r *logReader) Close() error {
	r.once.Do(func() {
		for _, s := range r.segments {
			s.readers.Done()
		}
	})
	return nil
}
