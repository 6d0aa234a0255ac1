package timesync

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickUnwrapperAcrossWrap(t *testing.T) {
	var u tickUnwrapper

	assert.Equal(t, int64(math.MaxInt32-10), u.extend(math.MaxInt32-10))
	// Device clock wraps from near MaxInt32 to the negative range.
	got := u.extend(math.MinInt32 + 10)
	assert.Equal(t, int64(math.MaxInt32-10)+21, got)
	// Still monotonic afterwards.
	assert.Equal(t, got+100, u.extend(math.MinInt32+110))
}

func TestFrameHistoryUnwrapsFrameCounter(t *testing.T) {
	h := newFrameHistory(60)

	// 500 frames per observation, crossing the 2048 wrap twice.
	for i := 0; i < 10; i++ {
		frame := uint16((i * 500) % usbFrameModulus)
		h.add(frame, int32(i*500*1000))
	}
	require.Equal(t, 10, h.observations())

	slope, ok := h.slope()
	require.True(t, ok)
	assert.InDelta(t, 1000.0, slope, 1e-6)
}

func TestFrameHistorySlopeDetectsPPMOffset(t *testing.T) {
	h := newFrameHistory(60)
	for i := 0; i < 8; i++ {
		h.add(uint16(i*1000%usbFrameModulus), int32(float64(i*1000)*1000.05))
	}
	slope, ok := h.slope()
	require.True(t, ok)
	assert.InDelta(t, 1000.05, slope, 1e-3)
}

func TestFrameHistoryNeedsTwoObservations(t *testing.T) {
	h := newFrameHistory(60)
	_, ok := h.slope()
	assert.False(t, ok)

	h.add(100, 100_000)
	_, ok = h.slope()
	assert.False(t, ok)

	// A duplicate frame adds nothing.
	h.add(100, 100_000)
	assert.Equal(t, 1, h.observations())

	h.add(101, 101_000)
	slope, ok := h.slope()
	require.True(t, ok)
	assert.InDelta(t, 1000.0, slope, 1e-6)
}

func TestFrameHistoryBoundedRetention(t *testing.T) {
	h := newFrameHistory(5)
	for i := 0; i < 20; i++ {
		h.add(uint16(i), int32(i*1000))
	}
	assert.Equal(t, 5, h.observations())
}

func TestRoundTripEstimatorRejectsNegativeRTT(t *testing.T) {
	e := roundTripEstimator{gain: 0.1}
	e.update(100, 50, 10) // receive before send: dropped
	assert.Equal(t, 0, e.sampleCount())

	e.update(0, 1000, 500)
	assert.Equal(t, 1, e.sampleCount())
	// measured = 1000 - (500 + 500) = 0
	assert.Equal(t, int64(0), e.offsetMicros())
}
