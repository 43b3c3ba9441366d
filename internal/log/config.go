package log

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxSegments  uint32 = 2
	DefaultSegmentBytes uint32 = 1024 * 1024
	DefaultFlushRetries        = 3
	DefaultFlushBackoff        = 10 * time.Millisecond
)

// Config parameterizes a single log. It is a plain value: Open copies it, so changing the
// caller's copy afterwards has no effect on an open log. Zero means unbounded for MaxSize,
// Segment.Interval and Flush.Interval.
type Config struct {
	// The directory the log stores its segment files in.
	Dir string
	// The total number of bytes across all segments before compaction is triggered.
	MaxSize uint64
	// The number of segments before compaction is triggered.
	MaxSegments uint32
	Segment     struct {
		// The maximum number of bytes in a segment file, header included.
		MaxBytes uint32
		// The age after which the active segment is sealed.
		Interval time.Duration
		// The index assigned to the first entry of a brand new log.
		InitialIndex uint64
	}
	Flush struct {
		// Fsync every append before acknowledging it.
		OnWrite bool
		// How often buffered appends are forced to disk when OnWrite is false.
		Interval time.Duration
		// How many times a failed flush is retried before the log gives up.
		Retries int
		// The initial delay between retries; it doubles on every attempt.
		Backoff time.Duration
	}
}

// DefaultConfig returns the defaults for a log stored in dir.
func DefaultConfig(dir string) Config {
	var c Config
	c.Dir = dir
	c.MaxSegments = DefaultMaxSegments
	c.Segment.MaxBytes = DefaultSegmentBytes
	c.Flush.OnWrite = true
	c.Flush.Retries = DefaultFlushRetries
	c.Flush.Backoff = DefaultFlushBackoff
	return c
}

func (c Config) WithDir(dir string) Config {
	c.Dir = dir
	return c
}

func (c Config) WithMaxSize(n uint64) Config {
	c.MaxSize = n
	return c
}

func (c Config) WithMaxSegments(n uint32) Config {
	c.MaxSegments = n
	return c
}

func (c Config) WithSegmentSize(n uint32) Config {
	c.Segment.MaxBytes = n
	return c
}

func (c Config) WithSegmentInterval(d time.Duration) Config {
	c.Segment.Interval = d
	return c
}

func (c Config) WithInitialIndex(i uint64) Config {
	c.Segment.InitialIndex = i
	return c
}

func (c Config) WithFlushOnWrite(b bool) Config {
	c.Flush.OnWrite = b
	return c
}

func (c Config) WithFlushInterval(d time.Duration) Config {
	c.Flush.Interval = d
	return c
}

func (c Config) WithFlushRetries(n int, backoff time.Duration) Config {
	c.Flush.Retries = n
	c.Flush.Backoff = backoff
	return c
}

// normalize fills in zero values that have no "unbounded" meaning.
func (c Config) normalize() Config {
	if c.MaxSegments == 0 {
		c.MaxSegments = DefaultMaxSegments
	}
	if c.Segment.MaxBytes == 0 {
		c.Segment.MaxBytes = DefaultSegmentBytes
	}
	if c.Flush.Retries < 0 {
		c.Flush.Retries = 0
	}
	if c.Flush.Backoff <= 0 {
		c.Flush.Backoff = DefaultFlushBackoff
	}
	return c
}

// Validate reports whether the config can back a log.
func (c Config) Validate() error {
	if c.Dir == "" {
		return errors.New("log: directory is required")
	}
	if c.Segment.MaxBytes != 0 && uint64(c.Segment.MaxBytes) <= headerWidth+recWidth {
		return fmt.Errorf("log: segment size %d cannot hold a header and a record (%d bytes)",
			c.Segment.MaxBytes, headerWidth+recWidth+1)
	}
	if c.Segment.Interval < 0 || c.Flush.Interval < 0 {
		return errors.New("log: intervals must not be negative")
	}
	return nil
}
