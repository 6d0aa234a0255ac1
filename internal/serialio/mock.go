package serialio

import (
	"bytes"
	"io"
	"sync"

	"github.com/daqline/daqline/internal/packet"
)

// Instrument is an in-memory scripted sampling device implementing
// SerialPorter. It decodes the single-byte command protocol on Write and
// queues framed response packets for Read, so the full pipeline can run
// without hardware. Tests drive its clock and sample production explicitly.
type Instrument struct {
	mu     sync.Mutex
	cond   *sync.Cond
	out    bytes.Buffer
	closed bool

	enc     *packet.Encoder
	version packet.VersionInfo

	sampling        bool
	rateIndex       uint8
	clockMicros     int64 // skewed device clock
	trueMicros      int64 // unskewed elapsed time, drives the SOF counter
	firstSampleTick int32
	next            int16
	rateSkew        float64 // device microseconds per true microsecond

	pendingCmd byte // command awaiting its argument byte

	// Commands captures every decoded command byte, for assertions.
	Commands []byte
}

// NewInstrument returns a scripted instrument advertising the given version
// info.
func NewInstrument(version packet.VersionInfo) *Instrument {
	channels := version.Channels
	if channels <= 0 {
		channels = packet.DefaultChannels
	}
	inst := &Instrument{
		enc:      packet.NewEncoder(channels),
		version:  version,
		rateSkew: 1.0,
	}
	inst.cond = sync.NewCond(&inst.mu)
	return inst
}

// SetRateSkew makes the device clock run fast (>1) or slow (<1) relative to
// true time, e.g. 1.00005 for a +50 ppm crystal.
func (m *Instrument) SetRateSkew(skew float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateSkew = skew
}

// AdvanceClock moves the device clock forward by trueMicros of real time,
// scaled by the configured skew.
func (m *Instrument) AdvanceClock(trueMicros int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trueMicros += trueMicros
	m.clockMicros += int64(float64(trueMicros) * m.rateSkew)
}

// EmitPoints queues n data packets of one point each, with a deterministic
// ramp on every channel. No-op unless sampling is active.
func (m *Instrument) EmitPoints(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sampling {
		return
	}
	channels := m.version.Channels
	if channels <= 0 {
		channels = packet.DefaultChannels
	}
	for i := 0; i < n; i++ {
		samples := make([]int16, channels)
		for c := range samples {
			samples[c] = m.next + int16(c)
		}
		m.next++
		m.out.Write(m.enc.Data(samples))
	}
	m.cond.Broadcast()
}

// InjectNoise queues raw bytes between packets, simulating line noise.
func (m *Instrument) InjectNoise(noise []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out.Write(noise)
	m.cond.Broadcast()
}

// DropPackets advances the packet counter without emitting, so the next
// packet shows up as a transport loss.
func (m *Instrument) DropPackets(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enc.SkipCount(n)
}

// Sampling reports whether a begin-sampling command is in effect.
func (m *Instrument) Sampling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sampling
}

// RateIndex returns the last rate table index set over the wire.
func (m *Instrument) RateIndex() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rateIndex
}

// Read blocks until response bytes are queued or the port is closed.
func (m *Instrument) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.out.Len() == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.out.Len() == 0 && m.closed {
		return 0, io.EOF
	}
	return m.out.Read(p)
}

// Write decodes host commands and queues the scripted responses.
func (m *Instrument) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	for _, b := range p {
		m.handleCommandByte(b)
	}
	m.cond.Broadcast()
	return len(p), nil
}

func (m *Instrument) handleCommandByte(b byte) {
	if m.pendingCmd != 0 {
		cmd := m.pendingCmd
		m.pendingCmd = 0
		switch cmd {
		case packet.CmdRequestNow:
			m.out.Write(m.enc.Now(packet.NowPayload{
				RequestNumber: b,
				DeviceTick:    int32(m.clockMicros),
			}))
		case packet.CmdRequestFrameTime:
			// SOF fires every 1000 µs of true time; the device records its
			// own (skewed) clock reading at each SOF.
			frame := uint16(m.trueMicros/1000) % 2048
			sinceSOF := m.trueMicros % 1000
			frameTick := int32(m.clockMicros - int64(float64(sinceSOF)*m.rateSkew))
			m.out.Write(m.enc.FrameTime(packet.FrameTimePayload{
				RequestNumber: b,
				DeviceTick:    int32(m.clockMicros),
				FrameNumber:   frame,
				FrameTick:     frameTick,
			}))
		case packet.CmdSetSampleRate:
			m.rateIndex = b
		}
		return
	}

	m.Commands = append(m.Commands, b)
	switch b {
	case packet.CmdRequestVersion:
		m.out.Write(m.enc.VersionInfo(m.version))
	case packet.CmdBeginSampling:
		m.sampling = true
		m.firstSampleTick = int32(m.clockMicros)
		m.next = 0
		m.enc.ResetCount()
	case packet.CmdStopSampling:
		m.sampling = false
	case packet.CmdRequestFirstSample:
		m.out.Write(m.enc.FirstSampleTime(packet.FirstSampleTimePayload{
			DeviceTick: m.firstSampleTick,
		}))
	case packet.CmdRequestNow, packet.CmdRequestFrameTime, packet.CmdSetSampleRate:
		m.pendingCmd = b
	}
}

// Close unblocks any pending Read with EOF.
func (m *Instrument) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}
