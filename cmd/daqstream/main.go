// Command daqstream connects to a sampling instrument, runs a capture
// session, and logs stream and time-sync status. With -dev it runs against a
// built-in scripted instrument instead of real hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/daqline/daqline/internal/config"
	"github.com/daqline/daqline/internal/device"
	"github.com/daqline/daqline/internal/packet"
	"github.com/daqline/daqline/internal/serialio"
	"github.com/daqline/daqline/internal/timesync"
	"github.com/daqline/daqline/internal/timeutil"
	"github.com/daqline/daqline/internal/version"
)

var (
	portPath   = flag.String("port", "", "Serial port path (e.g. /dev/ttyACM0)")
	devMode    = flag.Bool("dev", false, "Run against a built-in scripted instrument")
	baudRate   = flag.Int("baud", 0, "Baud rate override (0 uses config/default)")
	configPath = flag.String("config", "", "Path to JSON config file")
	sampleRate = flag.Float64("rate", 10_000, "Per-channel sample rate in Hz")
	statsEvery = flag.Duration("stats", 5*time.Second, "Interval between status log lines")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVer {
		log.Printf("daqstream %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		cfg = loaded
	}
	if *baudRate > 0 {
		cfg.Port.BaudRate = *baudRate
	}

	port, deviceID, err := openPort(cfg)
	if err != nil {
		log.Fatalf("open port: %v", err)
	}

	clock := timeutil.RealClock{}
	coord := device.New(port, device.Options{
		DeviceID:         deviceID,
		Clock:            clock,
		MinBufferSamples: *cfg.MinBufferSamples,
		HandshakeTimeout: config.Duration(cfg.HandshakeTimeout, 2*time.Second),
	})
	eng := timesync.New(clock, coord, timesync.Options{
		ResponseTimeout: config.Duration(cfg.ResponseTimeout, 3*time.Second),
		SmoothingGain:   *cfg.SmoothingGain,
	})
	coord.SetEngine(eng)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tok, err := coord.Acquire(ctx)
	if err != nil {
		log.Fatalf("acquire: %v", err)
	}
	defer coord.Release(tok)

	ver, _ := coord.Version()
	log.Printf("connected to %q: %d channels, caps %#x", ver.Model, ver.Channels, ver.Caps)

	mode, err := eng.AddDevice(deviceID, ver.Caps, *sampleRate, true)
	if err != nil {
		log.Fatalf("register device: %v", err)
	}
	log.Printf("time sync mode: %s", mode)

	formats := make([]device.StreamFormat, ver.Channels)
	for ch := range formats {
		formats[ch] = device.StreamFormat{Channel: ch, SampleRate: *sampleRate}
	}
	if err := coord.Prepare(tok, *cfg.BufferSeconds, formats); err != nil {
		log.Fatalf("prepare: %v", err)
	}
	if err := coord.Start(tok); err != nil {
		log.Fatalf("start: %v", err)
	}
	eng.StartSession()
	log.Printf("sampling %d channel(s) at %.0f Hz", len(formats), *sampleRate)

	run(ctx, cfg, coord, eng, tok, deviceID)

	if err := coord.Stop(tok); err != nil {
		log.Printf("stop: %v", err)
	}
	log.Printf("session closed")
}

// openPort opens the configured transport: a scripted instrument in dev mode,
// otherwise the real serial port.
func openPort(cfg *config.Config) (serialio.SerialPorter, string, error) {
	if *devMode {
		inst := serialio.NewInstrument(packet.VersionInfo{
			Model:    "scripted-dev",
			Channels: 2,
			Caps:     packet.CapRoundTrip | packet.CapFrameTimes,
		})
		go exerciseInstrument(inst)
		return inst, "dev0", nil
	}
	if *portPath == "" {
		return nil, "", fmt.Errorf("missing -port (or use -dev)")
	}
	port, err := serialio.Open(*portPath, *cfg.Port)
	if err != nil {
		return nil, "", err
	}
	return port, *portPath, nil
}

// exerciseInstrument drives the scripted instrument so dev mode has data and
// a ticking clock.
func exerciseInstrument(inst *serialio.Instrument) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		inst.AdvanceClock(10_000)
		if inst.Sampling() {
			inst.EmitPoints(100)
		}
	}
}

// run is the host-side scheduling loop: periodic sync ticks, periodic drains,
// and a status line.
func run(ctx context.Context, cfg *config.Config, coord *device.Coordinator, eng *timesync.Engine, tok device.Token, deviceID string) {
	syncTicker := time.NewTicker(config.Duration(cfg.SyncInterval, time.Second))
	defer syncTicker.Stop()
	drainTicker := time.NewTicker(50 * time.Millisecond)
	defer drainTicker.Stop()
	statsTicker := time.NewTicker(*statsEvery)
	defer statsTicker.Stop()

	scratch := make([]int16, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			eng.Tick()
		case <-drainTicker.C:
			reports, err := coord.Cursors(tok)
			if err != nil {
				log.Printf("cursors: %v", err)
				return
			}
			for _, r := range reports {
				for {
					n, err := coord.Read(tok, r.Channel, scratch)
					if err != nil || n == 0 {
						break
					}
				}
			}
			if err := coord.LastError(); err != nil {
				log.Printf("session error: %v", err)
				return
			}
		case <-statsTicker.C:
			s := coord.Stats()
			plan, ok := eng.Plan(deviceID)
			if !ok {
				log.Printf("samples=%d lost=%d", s.SamplesReceived, s.PacketsLost)
				continue
			}
			log.Printf("samples=%d lost=%d mode=%s offset=%dµs rate=%.6f",
				s.SamplesReceived, s.PacketsLost, plan.Mode, plan.OffsetMicros, plan.RateFactor)
		}
	}
}
