package packet

import (
	"encoding/binary"
	"fmt"
)

// Handler receives decoded packets from a Parser. All methods are invoked
// synchronously from Feed, in the transport's delivery context; they must not
// block.
type Handler interface {
	// HandleData delivers the samples of one data packet, interleaved point
	// major (all channels for point 0, then point 1, ...). The slice is
	// reused by the parser and only valid for the duration of the call.
	HandleData(points int, samples []int16)

	// HandleNow delivers a round-trip clock response.
	HandleNow(p NowPayload)

	// HandleFirstSampleTime delivers the first-sample clock anchor.
	HandleFirstSampleTime(p FirstSampleTimePayload)

	// HandleFrameTime delivers a USB frame correlation response.
	HandleFrameTime(p FrameTimePayload)

	// HandleVersionInfo delivers the decoded version handshake response.
	HandleVersionInfo(v VersionInfo)

	// HandlePacketLoss reports a gap in the packet counter: missing packets
	// were dropped by the transport. Diagnostic only; the stream continues.
	HandlePacketLoss(missing int)
}

// ErrUnknownPacketType is wrapped into the fatal error returned when a
// correctly framed packet carries an unrecognised type tag. This indicates a
// protocol version mismatch, so the parser refuses all further input until
// Reset.
var ErrUnknownPacketType = fmt.Errorf("unknown packet type")

type parseState int

const (
	stateSync1 parseState = iota
	stateSync2
	stateType
	stateCount
	statePayload
	stateVersionText
)

// Parser is the byte-stream state machine that recognises packet framing and
// dispatches decoded payloads to a Handler.
//
// Bytes that do not match the expected sync pattern are skipped and the
// parser re-scans from the next byte; that is the normal recovery path when
// connecting mid-stream or after line noise, and is not surfaced as an
// error. A well-framed packet with an unknown type tag, by contrast, is a
// fatal protocol error: Feed returns it and keeps returning it until Reset.
// The asymmetry is deliberate.
type Parser struct {
	handler  Handler
	channels int

	state   parseState
	typ     byte
	payload []byte
	need    int

	lastCount uint8
	haveCount bool

	samples []int16 // decode scratch, reused across data packets
	version []byte  // version text accumulator
	fatal   error
}

// NewParser returns a Parser dispatching to handler, decoding data packets
// with the given channel count. A channel count below one falls back to
// DefaultChannels.
func NewParser(handler Handler, channels int) *Parser {
	if channels < 1 {
		channels = DefaultChannels
	}
	p := &Parser{
		handler:  handler,
		channels: channels,
	}
	p.samples = make([]int16, channels*PointsPerMediumPacket)
	p.payload = make([]byte, 0, DataPayloadSize(channels, PointsPerMediumPacket))
	return p
}

// SetChannels reconfigures the data packet geometry, typically after the
// version handshake reports the device's real channel count. Takes effect
// from the next packet boundary; callers should only invoke it while the
// device is not actively sampling.
func (p *Parser) SetChannels(channels int) {
	if channels < 1 {
		return
	}
	p.channels = channels
	if need := channels * PointsPerMediumPacket; cap(p.samples) < need {
		p.samples = make([]int16, need)
	}
}

// Channels returns the configured per-point channel count.
func (p *Parser) Channels() int {
	return p.channels
}

// Reset discards any partial packet state, the packet-loss counter baseline,
// and any fatal error. Called when sampling stops or restarts; safe at any
// time, including mid-packet.
func (p *Parser) Reset() {
	p.state = stateSync1
	p.payload = p.payload[:0]
	p.version = p.version[:0]
	p.haveCount = false
	p.fatal = nil
}

// Feed consumes a chunk of transport bytes, dispatching any packets completed
// within it. It returns a non-nil error only for fatal protocol errors;
// after a fatal error the parser ignores further input until Reset.
func (p *Parser) Feed(data []byte) error {
	if p.fatal != nil {
		return p.fatal
	}
	for _, b := range data {
		if err := p.feedByte(b); err != nil {
			p.fatal = err
			return err
		}
	}
	return nil
}

func (p *Parser) feedByte(b byte) error {
	switch p.state {
	case stateSync1:
		if b == SyncByte1 {
			p.state = stateSync2
		}

	case stateSync2:
		switch b {
		case SyncByte2:
			p.state = stateType
		case SyncByte1:
			// Could be the start of a real header; stay here.
		default:
			p.state = stateSync1
		}

	case stateType:
		switch b {
		case TypeData:
			p.typ = b
			p.need = DataPayloadSize(p.channels, PointsPerDataPacket)
			p.state = stateCount
		case TypeMediumData:
			p.typ = b
			p.need = DataPayloadSize(p.channels, PointsPerMediumPacket)
			p.state = stateCount
		case TypeNow:
			p.typ = b
			p.need = nowPayloadSize
			p.state = stateCount
		case TypeFirstSampleTime:
			p.typ = b
			p.need = firstSampleTimePayloadSize
			p.state = stateCount
		case TypeFrameTime:
			p.typ = b
			p.need = frameTimePayloadSize
			p.state = stateCount
		case TypeVersionInfo:
			p.typ = b
			p.state = stateCount
		default:
			return fmt.Errorf("%w 0x%02x after valid sync marker", ErrUnknownPacketType, b)
		}

	case stateCount:
		p.checkCount(b)
		p.payload = p.payload[:0]
		if p.typ == TypeVersionInfo {
			p.version = p.version[:0]
			p.state = stateVersionText
		} else {
			p.state = statePayload
		}

	case statePayload:
		p.payload = append(p.payload, b)
		if len(p.payload) == p.need {
			err := p.dispatch()
			p.state = stateSync1
			if err != nil {
				return err
			}
		}

	case stateVersionText:
		if b == VersionSentinel {
			err := p.dispatchVersion()
			p.state = stateSync1
			if err != nil {
				return err
			}
			return nil
		}
		if len(p.version) >= MaxVersionPayload {
			// Runaway version payload; drop it and rescan for a header.
			p.state = stateSync1
			return nil
		}
		p.version = append(p.version, b)
	}
	return nil
}

// checkCount tracks the shared mod-256 packet counter. The first observed
// count establishes the baseline; afterwards any increment other than one
// reports the gap size as lost packets.
func (p *Parser) checkCount(count uint8) {
	if p.haveCount {
		if gap := int(count - p.lastCount - 1); gap > 0 {
			p.handler.HandlePacketLoss(gap)
		}
	}
	p.lastCount = count
	p.haveCount = true
}

func (p *Parser) dispatch() error {
	buf := p.payload
	switch p.typ {
	case TypeData, TypeMediumData:
		points := PointsPerDataPacket
		if p.typ == TypeMediumData {
			points = PointsPerMediumPacket
		}
		n := points * p.channels
		samples := p.samples[:n]
		for i := 0; i < n; i++ {
			samples[i] = int16(binary.LittleEndian.Uint16(buf[i*BytesPerSample:]))
		}
		p.handler.HandleData(points, samples)

	case TypeNow:
		p.handler.HandleNow(NowPayload{
			RequestNumber: buf[0],
			DeviceTick:    int32(binary.LittleEndian.Uint32(buf[1:])),
		})

	case TypeFirstSampleTime:
		p.handler.HandleFirstSampleTime(FirstSampleTimePayload{
			DeviceTick: int32(binary.LittleEndian.Uint32(buf)),
		})

	case TypeFrameTime:
		p.handler.HandleFrameTime(FrameTimePayload{
			RequestNumber: buf[0],
			DeviceTick:    int32(binary.LittleEndian.Uint32(buf[1:5])),
			FrameNumber:   binary.LittleEndian.Uint16(buf[5:7]),
			FrameTick:     int32(binary.LittleEndian.Uint32(buf[7:11])),
		})
	}
	return nil
}

func (p *Parser) dispatchVersion() error {
	v, err := ParseVersionInfo(p.version)
	if err != nil {
		// Well-framed but unintelligible: same class as an unknown type tag.
		return err
	}
	p.handler.HandleVersionInfo(v)
	return nil
}
