package log

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig("/data")
	require.Equal(t, "/data", c.Dir)
	require.Equal(t, uint64(0), c.MaxSize)
	require.Equal(t, DefaultMaxSegments, c.MaxSegments)
	require.Equal(t, DefaultSegmentBytes, c.Segment.MaxBytes)
	require.Equal(t, time.Duration(0), c.Segment.Interval)
	require.True(t, c.Flush.OnWrite)
	require.Equal(t, time.Duration(0), c.Flush.Interval)
	require.NoError(t, c.Validate())
}

func TestConfigBuilders(t *testing.T) {
	base := DefaultConfig("/data")
	c := base.
		WithDir("/other").
		WithMaxSize(1<<30).
		WithMaxSegments(8).
		WithSegmentSize(4096).
		WithSegmentInterval(time.Hour).
		WithInitialIndex(1).
		WithFlushOnWrite(false).
		WithFlushInterval(time.Second).
		WithFlushRetries(5, time.Millisecond)

	require.Equal(t, "/other", c.Dir)
	require.Equal(t, uint64(1<<30), c.MaxSize)
	require.Equal(t, uint32(8), c.MaxSegments)
	require.Equal(t, uint32(4096), c.Segment.MaxBytes)
	require.Equal(t, time.Hour, c.Segment.Interval)
	require.Equal(t, uint64(1), c.Segment.InitialIndex)
	require.False(t, c.Flush.OnWrite)
	require.Equal(t, time.Second, c.Flush.Interval)
	require.Equal(t, 5, c.Flush.Retries)
	require.Equal(t, time.Millisecond, c.Flush.Backoff)

	// builders return copies
	require.Equal(t, DefaultConfig("/data"), base)
}

func TestConfigNormalizeValidate(t *testing.T) {
	var c Config
	c.Dir = "/data"
	c.Flush.Retries = -1
	c = c.normalize()
	require.Equal(t, DefaultMaxSegments, c.MaxSegments)
	require.Equal(t, DefaultSegmentBytes, c.Segment.MaxBytes)
	require.Equal(t, 0, c.Flush.Retries)
	require.Equal(t, DefaultFlushBackoff, c.Flush.Backoff)
	require.NoError(t, c.Validate())

	require.Error(t, Config{}.Validate())
	require.Error(t, DefaultConfig("/data").WithSegmentSize(headerWidth+recWidth).Validate())
	require.NoError(t, DefaultConfig("/data").WithSegmentSize(headerWidth+recWidth+1).Validate())
	require.Error(t, DefaultConfig("/data").WithFlushInterval(-time.Second).Validate())
}
