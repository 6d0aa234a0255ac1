// Package device pairs one physical instrument connection with the logical
// sampling session that currently owns it.
//
// The Coordinator enforces exclusive ownership: Acquire hands out a token,
// every subsequent operation requires it, and a second bind attempt fails
// fast instead of silently stealing the connection. Parsed samples are
// routed into one SPSC ring buffer per enabled stream; the host drains them
// through a per-tick cursor exchange without touching buffer internals.
package device

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/daqline/daqline/internal/monitoring"
	"github.com/daqline/daqline/internal/packet"
	"github.com/daqline/daqline/internal/ring"
	"github.com/daqline/daqline/internal/serialio"
	"github.com/daqline/daqline/internal/timesync"
	"github.com/daqline/daqline/internal/timeutil"
)

var (
	ErrAlreadyBound     = fmt.Errorf("device: already bound to another session")
	ErrNotBound         = fmt.Errorf("device: invalid or stale session token")
	ErrNotPrepared      = fmt.Errorf("device: sampling not prepared")
	ErrAlreadySampling  = fmt.Errorf("device: sampling already active")
	ErrNotSampling      = fmt.Errorf("device: sampling not active")
	ErrHandshakeTimeout = fmt.Errorf("device: version handshake timed out")
	ErrUnknownChannel   = fmt.Errorf("device: unknown channel")
	ErrSessionDead      = fmt.Errorf("device: transport reader stopped, release and reacquire")
)

// State is the coordinator's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateBound
	StatePrepared
	StateSampling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBound:
		return "bound"
	case StatePrepared:
		return "prepared"
	case StateSampling:
		return "sampling"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Token proves ownership of the current session. The zero Token never
// matches.
type Token struct {
	id uuid.UUID
}

// StreamFormat configures one logical channel for a session.
type StreamFormat struct {
	Channel    int
	SampleRate float64
}

// streamBinding maps a logical channel to its ring buffer and configuration
// for the lifetime of one prepared session.
type streamBinding struct {
	format  StreamFormat
	buffer  *ring.Ring[int16]
	dropped atomic.Int64
}

// CursorReport is one stream's entry in the per-tick cursor exchange.
type CursorReport struct {
	Channel     int
	WriteCursor int64
	ReadCursor  int64
	Count       int
	Space       int
}

// Stats aggregates the session's loss diagnostics. Losses are counted, never
// silent: a buffer overflow or counter gap always lands here.
type Stats struct {
	SamplesReceived int64
	PacketsLost     int64
	SamplesDropped  map[int]int64 // per channel
}

// Options configures a Coordinator. Zero values take defaults.
type Options struct {
	// DeviceID names this device to the time-sync engine and in logs.
	DeviceID string

	// Clock abstracts time for tests. Defaults to the real clock.
	Clock timeutil.Clock

	// Engine, when set, receives the device's time packets and sample
	// counts. The coordinator also serves as the engine's Requester.
	Engine *timesync.Engine

	// MinBufferSamples floors the per-stream capacity regardless of the
	// requested buffer duration. Default 1024.
	MinBufferSamples int

	// HandshakeTimeout bounds the wait for the version response during
	// Acquire. Default 2s.
	HandshakeTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.DeviceID == "" {
		o.DeviceID = "device"
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	if o.MinBufferSamples <= 0 {
		o.MinBufferSamples = 1024
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 2 * time.Second
	}
	return o
}

// Coordinator owns exclusive access to one connected instrument.
type Coordinator struct {
	port serialio.SerialPorter
	opts Options

	mu           sync.Mutex
	state        State
	token        Token
	parser       *packet.Parser
	version      *packet.VersionInfo
	versionReady chan struct{}
	bindings     []*streamBinding
	byChannel    map[int]*streamBinding
	applyPending func() error
	lastErr      error
	readerErr    error

	cancelReader context.CancelFunc
	readerDone   chan struct{}

	samplesIn   atomic.Int64
	packetsLost atomic.Int64
}

// New returns a Coordinator for the given transport. The port is assumed
// open; Release closes it.
func New(port serialio.SerialPorter, opts Options) *Coordinator {
	return &Coordinator{
		port:      port,
		opts:      opts.withDefaults(),
		byChannel: make(map[int]*streamBinding),
	}
}

// SetEngine attaches the time-sync engine after construction. The engine
// needs the coordinator as its Requester and the coordinator needs the
// engine for forwarding responses, so one side has to be wired late. Call
// before Acquire.
func (c *Coordinator) SetEngine(eng *timesync.Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.Engine = eng
}

// Acquire binds the caller to the physical device, starts the transport
// read loop, and completes the version handshake. It fails fast when
// another session already holds the binding.
func (c *Coordinator) Acquire(ctx context.Context) (Token, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return Token{}, ErrAlreadyBound
	}
	c.state = StateBound
	c.token = Token{id: uuid.New()}
	c.parser = packet.NewParser(c, packet.DefaultChannels)
	c.version = nil
	c.readerErr = nil
	c.versionReady = make(chan struct{})
	ready := c.versionReady

	readerCtx, cancel := context.WithCancel(context.Background())
	c.cancelReader = cancel
	c.readerDone = make(chan struct{})
	go c.runReader(readerCtx)
	tok := c.token
	c.mu.Unlock()

	if err := c.send(packet.RequestVersion()); err != nil {
		c.Release(tok)
		return Token{}, fmt.Errorf("version request failed: %w", err)
	}

	select {
	case <-ready:
	case <-ctx.Done():
		c.Release(tok)
		return Token{}, ctx.Err()
	case <-c.opts.Clock.After(c.opts.HandshakeTimeout):
		c.Release(tok)
		return Token{}, ErrHandshakeTimeout
	}

	return tok, nil
}

// Release ends the session: stops sampling if active, tears down buffers,
// stops the read loop, and closes the port. Safe to call at any time with a
// valid token; the parser's partial state is simply discarded.
func (c *Coordinator) Release(tok Token) error {
	c.mu.Lock()
	if c.state == StateIdle || tok.id != c.token.id {
		c.mu.Unlock()
		return ErrNotBound
	}
	sampling := c.state == StateSampling
	cancel := c.cancelReader
	done := c.readerDone
	c.state = StateIdle
	c.token = Token{}
	c.bindings = nil
	c.byChannel = make(map[int]*streamBinding)
	c.applyPending = nil
	c.mu.Unlock()

	if sampling {
		// Best effort; the transport may already be gone.
		if err := c.send(packet.StopSampling()); err != nil {
			monitoring.Logf("device %s: stop on release failed: %v", c.opts.DeviceID, err)
		}
	}
	if eng := c.opts.Engine; eng != nil {
		eng.RemoveDevice(c.opts.DeviceID)
	}
	cancel()
	err := c.port.Close()
	<-done
	return err
}

// Version returns the device's handshake response, available once Acquire
// has succeeded.
func (c *Coordinator) Version() (packet.VersionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version == nil {
		return packet.VersionInfo{}, false
	}
	return *c.version, true
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) checkToken(tok Token) error {
	if c.state == StateIdle || tok.id != c.token.id {
		return ErrNotBound
	}
	return nil
}

// Prepare allocates one ring buffer per requested stream. Capacity is the
// requested buffer duration at the stream's sample rate, floored at
// MinBufferSamples, plus the one slot the ring keeps empty.
func (c *Coordinator) Prepare(tok Token, bufferSeconds float64, formats []StreamFormat) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkToken(tok); err != nil {
		return err
	}
	if c.readerErr != nil {
		return fmt.Errorf("%w: %v", ErrSessionDead, c.readerErr)
	}
	if c.state == StateSampling {
		return ErrAlreadySampling
	}
	if len(formats) == 0 {
		return fmt.Errorf("device: no streams requested")
	}

	c.bindings = nil
	c.byChannel = make(map[int]*streamBinding)
	for _, f := range formats {
		if f.SampleRate <= 0 {
			return fmt.Errorf("device: invalid sample rate %v for channel %d", f.SampleRate, f.Channel)
		}
		if _, dup := c.byChannel[f.Channel]; dup {
			return fmt.Errorf("device: duplicate channel %d", f.Channel)
		}
		capacity := int(math.Ceil(bufferSeconds * f.SampleRate))
		if capacity < c.opts.MinBufferSamples {
			capacity = c.opts.MinBufferSamples
		}
		b := &streamBinding{
			format: f,
			buffer: ring.New[int16](capacity + 1),
		}
		c.bindings = append(c.bindings, b)
		c.byChannel[f.Channel] = b
	}
	c.state = StatePrepared
	return nil
}

// QueueSettings stores a hardware-settings callback to be invoked once the
// device is quiesced, i.e. on the next Stop. Replaces any previously queued
// callback.
func (c *Coordinator) QueueSettings(tok Token, apply func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkToken(tok); err != nil {
		return err
	}
	c.applyPending = apply
	return nil
}

// Start clears all buffers and counters, resets the parser, and issues the
// begin-sampling command.
func (c *Coordinator) Start(tok Token) error {
	c.mu.Lock()
	if err := c.checkToken(tok); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.readerErr != nil {
		err := fmt.Errorf("%w: %v", ErrSessionDead, c.readerErr)
		c.mu.Unlock()
		return err
	}
	if c.state == StateSampling {
		c.mu.Unlock()
		return ErrAlreadySampling
	}
	if c.state != StatePrepared {
		c.mu.Unlock()
		return ErrNotPrepared
	}
	for _, b := range c.bindings {
		b.buffer.Clear()
		b.dropped.Store(0)
	}
	c.samplesIn.Store(0)
	c.packetsLost.Store(0)
	c.parser.Reset()
	c.lastErr = nil
	c.state = StateSampling
	c.mu.Unlock()

	if err := c.send(packet.BeginSampling()); err != nil {
		c.setLastErr(err)
		c.mu.Lock()
		c.state = StatePrepared
		c.mu.Unlock()
		return err
	}
	return nil
}

// Stop issues the stop command, tears down the stream buffers, and applies
// any queued settings callback now that the device is quiesced. Safe to call
// mid-packet; partial parser state is discarded on the next Start.
func (c *Coordinator) Stop(tok Token) error {
	c.mu.Lock()
	if err := c.checkToken(tok); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.state != StateSampling {
		c.mu.Unlock()
		return ErrNotSampling
	}
	c.state = StateBound
	c.bindings = nil
	c.byChannel = make(map[int]*streamBinding)
	apply := c.applyPending
	c.applyPending = nil
	c.mu.Unlock()

	err := c.send(packet.StopSampling())
	if err != nil {
		c.setLastErr(err)
	}
	if apply != nil {
		if applyErr := apply(); applyErr != nil {
			monitoring.Logf("device %s: settings apply failed: %v", c.opts.DeviceID, applyErr)
			if err == nil {
				err = applyErr
			}
		}
	}
	return err
}

// SetSampleRate forwards a rate-table index to the device. Only valid while
// not sampling.
func (c *Coordinator) SetSampleRate(tok Token, index uint8) error {
	c.mu.Lock()
	if err := c.checkToken(tok); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.state == StateSampling {
		c.mu.Unlock()
		return ErrAlreadySampling
	}
	c.mu.Unlock()
	return c.send(packet.SetSampleRate(index))
}

// Cursors reports every stream's cursor positions for the host's scheduling
// tick. The host never sees buffer internals, only cursors and counts.
func (c *Coordinator) Cursors(tok Token) ([]CursorReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkToken(tok); err != nil {
		return nil, err
	}
	reports := make([]CursorReport, 0, len(c.bindings))
	for _, b := range c.bindings {
		reports = append(reports, CursorReport{
			Channel:     b.format.Channel,
			WriteCursor: b.buffer.In(),
			ReadCursor:  b.buffer.Out(),
			Count:       b.buffer.Count(),
			Space:       b.buffer.Space(),
		})
	}
	return reports, nil
}

// Read drains up to len(dst) samples from a channel's buffer. This is the
// host's consumer side; exactly one goroutine may use it per channel.
func (c *Coordinator) Read(tok Token, channel int, dst []int16) (int, error) {
	c.mu.Lock()
	if err := c.checkToken(tok); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	b, ok := c.byChannel[channel]
	c.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	return b.buffer.PopBatch(dst), nil
}

// AdvanceRead moves a channel's read cursor to the position the host has
// consumed through, completing the cursor exchange.
func (c *Coordinator) AdvanceRead(tok Token, channel int, cursor int64) error {
	c.mu.Lock()
	if err := c.checkToken(tok); err != nil {
		c.mu.Unlock()
		return err
	}
	b, ok := c.byChannel[channel]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	if !b.buffer.SeekOut(cursor) {
		return fmt.Errorf("device: read cursor %d outside readable window of channel %d", cursor, channel)
	}
	return nil
}

// Stats returns the session's aggregated loss diagnostics.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		SamplesReceived: c.samplesIn.Load(),
		PacketsLost:     c.packetsLost.Load(),
		SamplesDropped:  make(map[int]int64, len(c.bindings)),
	}
	for _, b := range c.bindings {
		s.SamplesDropped[b.format.Channel] = b.dropped.Load()
	}
	return s
}

// LastError returns the most recent transport or protocol error. Errors
// never propagate as panics across the host boundary; the host polls here.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Coordinator) setLastErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// send writes a command to the device, recording transport failures.
func (c *Coordinator) send(cmd []byte) error {
	n, err := c.port.Write(cmd)
	if err != nil {
		err = fmt.Errorf("device %s: command write failed: %w", c.opts.DeviceID, err)
		c.setLastErr(err)
		return err
	}
	if n != len(cmd) {
		err = fmt.Errorf("device %s: short command write: %d of %d bytes", c.opts.DeviceID, n, len(cmd))
		c.setLastErr(err)
		return err
	}
	return nil
}

// RequestNow implements timesync.Requester.
func (c *Coordinator) RequestNow(deviceID string, seq uint8) error {
	return c.send(packet.RequestNow(seq))
}

// RequestFrameTime implements timesync.Requester.
func (c *Coordinator) RequestFrameTime(deviceID string, seq uint8) error {
	return c.send(packet.RequestFrameTime(seq))
}

// RequestFirstSampleTime implements timesync.Requester.
func (c *Coordinator) RequestFirstSampleTime(deviceID string) error {
	return c.send(packet.RequestFirstSampleTime())
}
