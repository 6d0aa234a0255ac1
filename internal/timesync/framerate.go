package timesync

import (
	"gonum.org/v1/gonum/stat"
)

// usbFrameModulus is the wrap point of the USB start-of-frame counter. The
// SOF frame number is an 11-bit field, one increment per millisecond.
const usbFrameModulus = 2048

// tickUnwrapper extends the device's wrapping 32-bit microsecond clock to a
// monotonic 64-bit value. Deltas are computed in int32 space, so a wrap
// between consecutive readings is absorbed as long as readings arrive at
// least every ~35 minutes.
type tickUnwrapper struct {
	last     int32
	extended int64
	primed   bool
}

func (u *tickUnwrapper) extend(tick int32) int64 {
	if !u.primed {
		u.last = tick
		u.extended = int64(tick)
		u.primed = true
		return u.extended
	}
	delta := int64(tick - u.last)
	u.last = tick
	u.extended += delta
	return u.extended
}

// frameHistory accumulates (USB frame number, device clock at SOF)
// observations and fits the device's microseconds-per-frame slope. Because
// every device on the bus sees the same SOF signal, comparing slopes across
// devices gives their relative clock rate without any shared absolute clock.
type frameHistory struct {
	frames []float64
	ticks  []float64
	max    int

	lastFrame     uint16
	frameExtended int64
	primed        bool
	tickUnwrap    tickUnwrapper
}

func newFrameHistory(max int) *frameHistory {
	return &frameHistory{max: max}
}

// add records one SOF observation, unwrapping both the 11-bit frame counter
// and the 32-bit device clock.
func (h *frameHistory) add(frameNumber uint16, frameTick int32) {
	frameNumber %= usbFrameModulus
	if !h.primed {
		h.lastFrame = frameNumber
		h.frameExtended = int64(frameNumber)
		h.primed = true
	} else {
		delta := int64((frameNumber - h.lastFrame) % usbFrameModulus)
		if delta == 0 {
			// Same frame observed twice; nothing new to fit.
			return
		}
		h.lastFrame = frameNumber
		h.frameExtended += delta
	}

	h.frames = append(h.frames, float64(h.frameExtended))
	h.ticks = append(h.ticks, float64(h.tickUnwrap.extend(frameTick)))
	if len(h.frames) > h.max {
		h.frames = h.frames[1:]
		h.ticks = h.ticks[1:]
	}
}

// slope returns the fitted device-clock microseconds per USB frame, or false
// when fewer than two observations are held. A perfect clock reads exactly
// 1000 µs per frame.
func (h *frameHistory) slope() (float64, bool) {
	if len(h.frames) < 2 {
		return 0, false
	}
	_, beta := stat.LinearRegression(h.frames, h.ticks, nil, false)
	return beta, true
}

func (h *frameHistory) observations() int {
	return len(h.frames)
}

func (h *frameHistory) reset() {
	h.frames = h.frames[:0]
	h.ticks = h.ticks[:0]
	h.primed = false
	h.tickUnwrap = tickUnwrapper{}
}
