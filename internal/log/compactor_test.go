package log

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sealed(base, next, size uint64) SegmentInfo {
	return SegmentInfo{BaseIndex: base, NextIndex: next, Size: size, Sealed: true}
}

func TestCompactorPlan(t *testing.T) {
	active := SegmentInfo{BaseIndex: 30, NextIndex: 35, Size: 50}
	segs := []SegmentInfo{sealed(0, 10, 100), sealed(10, 20, 100), sealed(20, 30, 100), active}

	for scenario, tc := range map[string]struct {
		maxSize     uint64
		maxSegments uint32
		watermark   uint64
		want        int
	}{
		"under both limits":           {maxSize: 1000, maxSegments: 10, watermark: 100, want: 0},
		"count over limit":            {maxSegments: 2, watermark: 100, want: 2},
		"count needs one deletion":    {maxSegments: 3, watermark: 100, want: 1},
		"size over limit":             {maxSize: 200, maxSegments: 10, watermark: 100, want: 2},
		"size and count, count wins":  {maxSize: 300, maxSegments: 2, watermark: 100, want: 2},
		"size and count, size wins":   {maxSize: 100, maxSegments: 3, watermark: 100, want: 3},
		"watermark blocks everything": {maxSegments: 1, watermark: 9, want: 0},
		"watermark stops the prefix":  {maxSegments: 1, watermark: 20, want: 2},
		"last segment is kept":        {maxSegments: 1, watermark: 1000, want: 3},
	} {
		t.Run(scenario, func(t *testing.T) {
			c := compactor{maxSize: tc.maxSize, maxSegments: tc.maxSegments}
			require.Equal(t, tc.want, c.plan(segs, tc.watermark))
		})
	}
}

func TestCompactorSkipsActive(t *testing.T) {
	// an unsealed segment ahead of sealed ones stops the prefix
	segs := []SegmentInfo{{BaseIndex: 0, NextIndex: 10, Size: 100}, sealed(10, 20, 100), sealed(20, 30, 100)}
	c := compactor{maxSegments: 1}
	require.Equal(t, 0, c.plan(segs, 100))
}

func TestCompactorTriggered(t *testing.T) {
	c := compactor{maxSegments: 2}
	require.False(t, c.triggered(1<<40, 2))
	require.True(t, c.triggered(0, 3))

	c.maxSize = 10
	require.True(t, c.triggered(11, 1))
	require.False(t, c.triggered(10, 1))
}
