package device

import (
	"context"
	"errors"
	"io"

	"github.com/daqline/daqline/internal/monitoring"
	"github.com/daqline/daqline/internal/packet"
)

// runReader is the transport delivery loop: it moves bytes from the port
// into the parser until the context is cancelled or the transport fails.
// Together with the parser's dispatch callbacks below, it is the single
// producer side of every stream buffer.
func (c *Coordinator) runReader(ctx context.Context) {
	defer close(c.readerDone)

	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := c.port.Read(buf)
		if n > 0 {
			if feedErr := c.feed(buf[:n]); feedErr != nil {
				// Fatal protocol error: a well-framed packet with an
				// unknown type means a protocol version mismatch. The
				// session cannot continue.
				c.setLastErr(feedErr)
				c.shutdownReader(feedErr)
				return
			}
		}
		if err != nil {
			if ctx.Err() == nil {
				if !errors.Is(err, io.EOF) {
					c.setLastErr(err)
					monitoring.Logf("device %s: transport read failed: %v", c.opts.DeviceID, err)
				}
				c.shutdownReader(err)
			}
			return
		}
	}
}

// shutdownReader marks the session dead once no byte will ever be parsed
// again: without it the host could prepare and start a new session that
// silently samples into the void. Prepare and Start refuse with
// ErrSessionDead until Release.
func (c *Coordinator) shutdownReader(err error) {
	c.mu.Lock()
	if c.readerErr == nil {
		c.readerErr = err
	}
	c.mu.Unlock()
	c.abortSampling()
}

func (c *Coordinator) feed(data []byte) error {
	c.mu.Lock()
	parser := c.parser
	c.mu.Unlock()
	if parser == nil {
		return nil
	}
	return parser.Feed(data)
}

// abortSampling drops out of the sampling state after a fatal protocol or
// transport error, tearing down buffers as Stop would. The stop command is
// still sent on a best-effort basis.
func (c *Coordinator) abortSampling() {
	c.mu.Lock()
	if c.state != StateSampling {
		c.mu.Unlock()
		return
	}
	c.state = StateBound
	c.bindings = nil
	c.byChannel = make(map[int]*streamBinding)
	c.mu.Unlock()

	if err := c.send(packet.StopSampling()); err != nil {
		monitoring.Logf("device %s: stop after protocol error failed: %v", c.opts.DeviceID, err)
	}
}

// HandleData implements packet.Handler. Samples arrive interleaved point
// major; each is routed to its channel's ring buffer. A full buffer rejects
// the push and the loss is counted, never silent.
func (c *Coordinator) HandleData(points int, samples []int16) {
	c.mu.Lock()
	bindings := c.bindings
	sampling := c.state == StateSampling
	c.mu.Unlock()
	if !sampling {
		// Stray data outside a session (e.g. stop raced with in-flight
		// packets) is discarded.
		return
	}

	channels := len(samples) / points
	for p := 0; p < points; p++ {
		for ch := 0; ch < channels; ch++ {
			b := bindingForChannel(bindings, ch)
			if b == nil {
				continue
			}
			if !b.buffer.Push(samples[p*channels+ch]) {
				if b.dropped.Add(1) == 1 {
					monitoring.Logf("device %s: channel %d buffer overflow, dropping samples", c.opts.DeviceID, ch)
				}
			}
		}
	}
	c.samplesIn.Add(int64(points))

	if eng := c.opts.Engine; eng != nil {
		// An unknown-device error just means the host has not registered
		// this device for sync; sample counting is then moot anyway.
		_ = eng.ReportSamples(c.opts.DeviceID, points)
	}
}

func bindingForChannel(bindings []*streamBinding, ch int) *streamBinding {
	for _, b := range bindings {
		if b.format.Channel == ch {
			return b
		}
	}
	return nil
}

// HandleNow implements packet.Handler, forwarding the round-trip response to
// the time-sync engine with the local receive time.
func (c *Coordinator) HandleNow(p packet.NowPayload) {
	if eng := c.opts.Engine; eng != nil {
		if err := eng.HandleNow(c.opts.DeviceID, p, c.opts.Clock.Now()); err != nil {
			monitoring.Logf("device %s: now response dropped: %v", c.opts.DeviceID, err)
		}
	}
}

// HandleFirstSampleTime implements packet.Handler.
func (c *Coordinator) HandleFirstSampleTime(p packet.FirstSampleTimePayload) {
	if eng := c.opts.Engine; eng != nil {
		if err := eng.HandleFirstSampleTime(c.opts.DeviceID, p); err != nil {
			monitoring.Logf("device %s: first-sample time dropped: %v", c.opts.DeviceID, err)
		}
	}
}

// HandleFrameTime implements packet.Handler.
func (c *Coordinator) HandleFrameTime(p packet.FrameTimePayload) {
	if eng := c.opts.Engine; eng != nil {
		if err := eng.HandleFrameTime(c.opts.DeviceID, p, c.opts.Clock.Now()); err != nil {
			monitoring.Logf("device %s: frame time dropped: %v", c.opts.DeviceID, err)
		}
	}
}

// HandleVersionInfo implements packet.Handler, completing the Acquire
// handshake and registering the device with the time-sync engine.
func (c *Coordinator) HandleVersionInfo(v packet.VersionInfo) {
	c.mu.Lock()
	first := c.version == nil
	c.version = &v
	if first {
		c.parser.SetChannels(v.Channels)
		close(c.versionReady)
	}
	c.mu.Unlock()
	if !first {
		return
	}

	monitoring.Logf("device %s: identified %q, %d channels, caps %#x",
		c.opts.DeviceID, v.Model, v.Channels, v.Caps)
}

// HandlePacketLoss implements packet.Handler: a counter gap is a non-fatal
// diagnostic.
func (c *Coordinator) HandlePacketLoss(missing int) {
	c.packetsLost.Add(int64(missing))
	monitoring.Logf("device %s: %d packet(s) lost in transport", c.opts.DeviceID, missing)
}
