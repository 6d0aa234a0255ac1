package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandEncoding(t *testing.T) {
	assert.Equal(t, []byte{'b'}, BeginSampling())
	assert.Equal(t, []byte{'s'}, StopSampling())
	assert.Equal(t, []byte{'v'}, RequestVersion())
	assert.Equal(t, []byte{'n', 0x2A}, RequestNow(42))
	assert.Equal(t, []byte{'f'}, RequestFirstSampleTime())
	assert.Equal(t, []byte{'l', 0xFF}, RequestFrameTime(255))
	assert.Equal(t, []byte{'r', 3}, SetSampleRate(3))
}

func TestEncoderCountSharedAcrossTypes(t *testing.T) {
	enc := NewEncoder(2)

	p1 := enc.Data([]int16{1, 2})
	p2 := enc.Now(NowPayload{RequestNumber: 1, DeviceTick: 10})
	p3 := enc.FirstSampleTime(FirstSampleTimePayload{DeviceTick: 20})

	assert.Equal(t, byte(0), p1[3])
	assert.Equal(t, byte(1), p2[3])
	assert.Equal(t, byte(2), p3[3])

	enc.ResetCount()
	p4 := enc.Data([]int16{3, 4})
	assert.Equal(t, byte(0), p4[3])

	enc.SkipCount(5)
	p5 := enc.Data([]int16{5, 6})
	assert.Equal(t, byte(6), p5[3])
}
