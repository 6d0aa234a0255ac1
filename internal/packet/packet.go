// Package packet implements the framed binary protocol spoken by sampling
// instruments over a byte-stream transport.
//
// Every packet opens with a two-byte sync marker ('P' 0xA0), a one-byte type
// tag, and a one-byte packet counter shared across all packet types that
// increments mod 256 (a gap in the counter means the transport dropped one or
// more packets). The payload that follows has a fixed, type-specific layout,
// except for version info, which is ASCII JSON terminated by a sentinel.
package packet

import (
	"encoding/json"
	"fmt"
)

// Sync marker preceding every packet.
const (
	SyncByte1 = 'P'
	SyncByte2 = 0xA0
)

// Packet type tags.
const (
	TypeData            = 'D' // one point per packet
	TypeMediumData      = 'M' // PointsPerMediumPacket points per packet
	TypeNow             = 'N' // round-trip device-clock reading
	TypeFirstSampleTime = 'F' // device clock at first sample after start
	TypeFrameTime       = 'L' // latest USB start-of-frame correlation
	TypeVersionInfo     = 'V' // JSON capability description
)

// Data packet geometry. Samples are little-endian int16, interleaved point
// major: all channels for point 0, then point 1, and so on.
const (
	PointsPerDataPacket   = 1
	PointsPerMediumPacket = 10
	BytesPerSample        = 2

	// DefaultChannels is assumed until a version handshake reports the
	// device's real channel count.
	DefaultChannels = 2
)

// VersionSentinel terminates the variable-length version info payload.
const VersionSentinel = '\n'

// MaxVersionPayload bounds the version payload so a device that never sends
// the sentinel cannot grow the accumulation buffer without limit.
const MaxVersionPayload = 512

// Fixed payload sizes in bytes (excluding header, type, and count bytes).
const (
	nowPayloadSize             = 1 + 4     // request number + int32 device tick
	firstSampleTimePayloadSize = 4         // int32 device tick
	frameTimePayloadSize       = 1 + 4 + 2 + 4 // request number + tick + frame number + frame tick
)

// NowPayload is the response to a now-time request: the device clock reading
// taken when the request was serviced, echoing the request sequence number so
// the host can pair it with the matching send time.
type NowPayload struct {
	RequestNumber uint8
	DeviceTick    int32 // device clock, microseconds
}

// FirstSampleTimePayload carries the device clock reading at the first sample
// taken after the most recent start command.
type FirstSampleTimePayload struct {
	DeviceTick int32 // device clock, microseconds
}

// FrameTimePayload correlates the device clock with the USB frame counter:
// the instantaneous device clock, the number of the most recent USB frame,
// and the device clock captured at that frame's start-of-frame signal.
type FrameTimePayload struct {
	RequestNumber uint8
	DeviceTick    int32  // device clock, microseconds
	FrameNumber   uint16 // USB frame number, wraps mod 2048 per the USB spec
	FrameTick     int32  // device clock at the latest SOF, microseconds
}

// CapabilityMask reports which time-sync strategies a device supports.
type CapabilityMask uint8

const (
	// CapRoundTrip: the device answers now-time requests.
	CapRoundTrip CapabilityMask = 1 << iota
	// CapFrameTimes: the device answers USB-frame-time requests.
	CapFrameTimes
	// CapUSBLockCapable: the device can discipline its ADC clock from the
	// USB start-of-frame signal.
	CapUSBLockCapable
	// CapHardwarePhaseLock: the ADC clock is phase-locked in hardware, not
	// merely rate-trimmed. Required in addition to CapUSBLockCapable before
	// a device is treated as needing no resampling.
	CapHardwarePhaseLock
)

// Has reports whether all bits in want are set.
func (m CapabilityMask) Has(want CapabilityMask) bool {
	return m&want == want
}

// VersionInfo is the decoded version handshake response. It arrives once per
// connection, outside the sampling hot path.
type VersionInfo struct {
	Model    string         `json:"model"`
	Channels int            `json:"channels"`
	Caps     CapabilityMask `json:"caps"`
}

// ParseVersionInfo decodes the JSON version payload (sentinel stripped).
func ParseVersionInfo(raw []byte) (VersionInfo, error) {
	var v VersionInfo
	if err := json.Unmarshal(raw, &v); err != nil {
		return VersionInfo{}, fmt.Errorf("malformed version info %q: %w", raw, err)
	}
	if v.Channels <= 0 {
		v.Channels = DefaultChannels
	}
	return v, nil
}

// DataPayloadSize returns the payload length in bytes of a data packet with
// the given geometry.
func DataPayloadSize(channels, points int) int {
	return channels * points * BytesPerSample
}
