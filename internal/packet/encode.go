package packet

import (
	"encoding/binary"
	"encoding/json"
)

// Encoder builds wire packets the way instrument firmware emits them,
// maintaining the shared mod-256 packet counter across all packet types. It
// backs the scripted mock instrument and protocol tests; real devices encode
// on the firmware side.
type Encoder struct {
	channels int
	count    uint8
}

// NewEncoder returns an Encoder emitting data packets with the given channel
// count.
func NewEncoder(channels int) *Encoder {
	if channels < 1 {
		channels = DefaultChannels
	}
	return &Encoder{channels: channels}
}

// ResetCount resets the packet counter, as firmware does when sampling
// starts.
func (e *Encoder) ResetCount() {
	e.count = 0
}

// SkipCount advances the packet counter without emitting anything,
// simulating packets lost in the transport.
func (e *Encoder) SkipCount(n int) {
	e.count += uint8(n)
}

func (e *Encoder) header(typ byte) []byte {
	b := []byte{SyncByte1, SyncByte2, typ, e.count}
	e.count++
	return b
}

// Data encodes a data packet. len(samples) must equal channels for a 'D'
// packet or channels*PointsPerMediumPacket for an 'M' packet; samples are
// interleaved point major.
func (e *Encoder) Data(samples []int16) []byte {
	typ := byte(TypeData)
	if len(samples) > e.channels {
		typ = TypeMediumData
	}
	b := e.header(typ)
	for _, s := range samples {
		b = binary.LittleEndian.AppendUint16(b, uint16(s))
	}
	return b
}

// Now encodes a round-trip clock response.
func (e *Encoder) Now(p NowPayload) []byte {
	b := e.header(TypeNow)
	b = append(b, p.RequestNumber)
	return binary.LittleEndian.AppendUint32(b, uint32(p.DeviceTick))
}

// FirstSampleTime encodes a first-sample clock anchor.
func (e *Encoder) FirstSampleTime(p FirstSampleTimePayload) []byte {
	b := e.header(TypeFirstSampleTime)
	return binary.LittleEndian.AppendUint32(b, uint32(p.DeviceTick))
}

// FrameTime encodes a USB frame correlation response.
func (e *Encoder) FrameTime(p FrameTimePayload) []byte {
	b := e.header(TypeFrameTime)
	b = append(b, p.RequestNumber)
	b = binary.LittleEndian.AppendUint32(b, uint32(p.DeviceTick))
	b = binary.LittleEndian.AppendUint16(b, p.FrameNumber)
	return binary.LittleEndian.AppendUint32(b, uint32(p.FrameTick))
}

// VersionInfo encodes the JSON version handshake response, sentinel
// terminated.
func (e *Encoder) VersionInfo(v VersionInfo) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		// VersionInfo has no unmarshalable fields; keep the stream framed.
		raw = []byte("{}")
	}
	b := e.header(TypeVersionInfo)
	b = append(b, raw...)
	return append(b, VersionSentinel)
}
