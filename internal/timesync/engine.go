// Package timesync aligns sample streams from independently clocked devices
// onto a common time axis.
//
// Each device is synchronised by one of four strategies, selected once at
// connection time from the device's capability mask, most precise first:
//
//	USBLocked      — ADC clock is hardware phase-locked to the USB SOF
//	                 signal; no resampling needed (~0 error)
//	USBFrameTimes  — correlate device clocks via the shared SOF counter
//	                 (~±50 µs)
//	RoundTrip      — halve request/response latency (~±1 ms)
//	SampleCounting — trust the nominal rate over long intervals (~±100 ms)
//
// A device that stops answering sync requests falls back one tier per
// timeout rather than stalling sampling.
package timesync

import (
	"fmt"
	"sync"
	"time"

	"github.com/daqline/daqline/internal/monitoring"
	"github.com/daqline/daqline/internal/packet"
	"github.com/daqline/daqline/internal/timeutil"
)

// Mode identifies the synchronisation strategy in use for a device.
type Mode int

const (
	ModeSampleCounting Mode = iota
	ModeRoundTrip
	ModeUSBFrameTimes
	ModeUSBLocked
)

func (m Mode) String() string {
	switch m {
	case ModeSampleCounting:
		return "sample-counting"
	case ModeRoundTrip:
		return "round-trip"
	case ModeUSBFrameTimes:
		return "usb-frame-times"
	case ModeUSBLocked:
		return "usb-locked"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Requester issues sync requests to a device. Implementations write the
// corresponding command bytes to the device's transport; responses come back
// later through the Handle methods, correlated by sequence number.
type Requester interface {
	RequestNow(deviceID string, seq uint8) error
	RequestFrameTime(deviceID string, seq uint8) error
	RequestFirstSampleTime(deviceID string) error
}

// AlignmentPlan is the engine's output for one device: the parameters the
// host's resampling stage needs to place the device's samples on the
// recording's time axis.
type AlignmentPlan struct {
	DeviceID string
	Mode     Mode

	// OffsetMicros maps device clock readings to local time:
	// local ≈ deviceTick + OffsetMicros. Zero until a round-trip estimate
	// exists.
	OffsetMicros int64

	// RateFactor is the device's effective sample rate relative to the
	// primary device's: resample the device's stream by this factor to
	// match the primary's axis.
	RateFactor float64

	// Exempt reports that no resampling is needed (both this device and
	// the primary are hardware-locked to the USB frame clock).
	Exempt bool

	// AnchorMicros is the local-time estimate of the device's first sample
	// of the session. Valid only when AnchorValid is set.
	AnchorMicros int64
	AnchorValid  bool
}

// Options configures an Engine. Zero values take defaults.
type Options struct {
	// ResponseTimeout bounds how long a sync request may remain
	// unanswered before the device falls back one tier. Default 3s.
	ResponseTimeout time.Duration

	// SmoothingGain weights new probe residuals into the offset/drift
	// estimate. Default 0.1.
	SmoothingGain float64

	// MinFramePairs is the number of SOF observations required before a
	// frame-time rate estimate is used. Default 3.
	MinFramePairs int

	// MaxFrameHistory caps retained SOF observations. Default 60.
	MaxFrameHistory int
}

func (o Options) withDefaults() Options {
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = 3 * time.Second
	}
	if o.SmoothingGain <= 0 {
		o.SmoothingGain = 0.1
	}
	if o.MinFramePairs <= 0 {
		o.MinFramePairs = 3
	}
	if o.MaxFrameHistory <= 0 {
		o.MaxFrameHistory = 60
	}
	return o
}

type requestKind int

const (
	requestNow requestKind = iota
	requestFrameTime
)

type pendingRequest struct {
	kind     requestKind
	issuedAt time.Time
}

type deviceState struct {
	id          string
	caps        packet.CapabilityMask
	nominalRate float64
	primary     bool
	mode        Mode

	rt      roundTripEstimator
	tick    tickUnwrapper
	frames  *frameHistory
	pending map[uint8]pendingRequest

	// Session state.
	samples          int64
	sessionStart     time.Time
	firstSampleTick  int64
	firstSampleValid bool

	// Optional script-provided hints refining the initial offset only.
	startDelayMicros int64
	startTick        int64
	startTickValid   bool
}

var (
	ErrUnknownDevice   = fmt.Errorf("timesync: unknown device")
	ErrDuplicateDevice = fmt.Errorf("timesync: device already registered")
	ErrPrimaryExists   = fmt.Errorf("timesync: a primary device is already registered")
)

// Engine maintains per-device clock state and produces alignment plans. All
// methods are safe for concurrent use; response handlers are cheap enough to
// call from the transport delivery context.
type Engine struct {
	mu      sync.Mutex
	clock   timeutil.Clock
	req     Requester
	opts    Options
	epoch   time.Time
	devices map[string]*deviceState
	primary string
	nextSeq uint8
}

// New returns an Engine reading time from clock and issuing sync requests
// through req.
func New(clock timeutil.Clock, req Requester, opts Options) *Engine {
	return &Engine{
		clock:   clock,
		req:     req,
		opts:    opts.withDefaults(),
		epoch:   clock.Now(),
		devices: make(map[string]*deviceState),
	}
}

// localMicros converts a local clock reading to microseconds since the
// engine's epoch.
func (e *Engine) localMicros(t time.Time) int64 {
	return t.Sub(e.epoch).Microseconds()
}

// selectMode picks the most precise strategy the capability mask supports.
func selectMode(caps packet.CapabilityMask) Mode {
	switch {
	case caps.Has(packet.CapUSBLockCapable | packet.CapHardwarePhaseLock):
		return ModeUSBLocked
	case caps.Has(packet.CapFrameTimes):
		return ModeUSBFrameTimes
	case caps.Has(packet.CapRoundTrip):
		return ModeRoundTrip
	default:
		return ModeSampleCounting
	}
}

// AddDevice registers a device and selects its sync mode from the capability
// mask. Exactly one device may be primary; its fastest stream defines the
// recording's time axis.
func (e *Engine) AddDevice(id string, caps packet.CapabilityMask, nominalRate float64, primary bool) (Mode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.devices[id]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateDevice, id)
	}
	if primary && e.primary != "" {
		return 0, fmt.Errorf("%w: %s", ErrPrimaryExists, e.primary)
	}

	d := &deviceState{
		id:          id,
		caps:        caps,
		nominalRate: nominalRate,
		primary:     primary,
		mode:        selectMode(caps),
		frames:      newFrameHistory(e.opts.MaxFrameHistory),
		pending:     make(map[uint8]pendingRequest),
	}
	d.rt.gain = e.opts.SmoothingGain
	e.devices[id] = d
	if primary {
		e.primary = id
	}
	monitoring.Logf("timesync: device %s registered, mode %s, nominal rate %.1f Hz", id, d.mode, nominalRate)
	return d.mode, nil
}

// RemoveDevice forgets a device's sync state.
func (e *Engine) RemoveDevice(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.devices[id]; ok {
		if d.primary {
			e.primary = ""
		}
		delete(e.devices, id)
	}
}

// Mode returns the device's current sync mode.
func (e *Engine) Mode(id string) (Mode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.devices[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return d.mode, nil
}

// SetStartHints supplies the optional device-script values refining the
// initial offset for sample-counting devices: the known trigger-to-first-
// sample delay and the local clock reading captured at sampling start.
func (e *Engine) SetStartHints(id string, startDelayMicros, localTickAtStart int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	d.startDelayMicros = startDelayMicros
	d.startTick = localTickAtStart
	d.startTickValid = true
	return nil
}

// StartSession resets per-session state for every device and requests each
// capable device's first-sample anchor.
func (e *Engine) StartSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	for _, d := range e.devices {
		d.samples = 0
		d.sessionStart = now
		d.firstSampleValid = false
		d.frames.reset()
		clear(d.pending)
		if d.caps.Has(packet.CapRoundTrip) {
			if err := e.req.RequestFirstSampleTime(d.id); err != nil {
				monitoring.Logf("timesync: first-sample-time request to %s failed: %v", d.id, err)
			}
		}
	}
}

// Tick runs one synchronisation cycle: expire unanswered requests (falling
// back a tier per expiry) and issue the requests the device's current mode
// calls for. The host calls this on its sync cadence, typically once per
// second.
func (e *Engine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()

	for _, d := range e.devices {
		e.expirePending(d, now)

		switch d.mode {
		case ModeUSBFrameTimes:
			e.issue(d, requestFrameTime, now)
			e.issue(d, requestNow, now)
		case ModeRoundTrip:
			e.issue(d, requestNow, now)
		case ModeUSBLocked:
			// The hardware lock fixes the rate but not the absolute
			// offset: probe until one round-trip estimate places the
			// device on the local axis.
			if d.caps.Has(packet.CapRoundTrip) && d.rt.sampleCount() == 0 && !hasPending(d, requestNow) {
				e.issue(d, requestNow, now)
			}
		case ModeSampleCounting:
			// No device cooperation needed.
		}
	}
}

func hasPending(d *deviceState, kind requestKind) bool {
	for _, p := range d.pending {
		if p.kind == kind {
			return true
		}
	}
	return false
}

func (e *Engine) issue(d *deviceState, kind requestKind, now time.Time) {
	seq := e.nextSeq
	e.nextSeq++

	var err error
	switch kind {
	case requestNow:
		err = e.req.RequestNow(d.id, seq)
	case requestFrameTime:
		err = e.req.RequestFrameTime(d.id, seq)
	}
	if err != nil {
		monitoring.Logf("timesync: sync request to %s failed: %v", d.id, err)
		return
	}
	d.pending[seq] = pendingRequest{kind: kind, issuedAt: now}
}

// expirePending drops requests older than the response timeout. Any expiry
// means the device is not answering at its current tier, so it falls back
// exactly one tier regardless of how many requests expired together.
func (e *Engine) expirePending(d *deviceState, now time.Time) {
	expired := false
	for seq, p := range d.pending {
		if now.Sub(p.issuedAt) >= e.opts.ResponseTimeout {
			delete(d.pending, seq)
			expired = true
		}
	}
	if expired {
		e.fallback(d)
	}
}

func (e *Engine) fallback(d *deviceState) {
	var next Mode
	switch d.mode {
	case ModeUSBFrameTimes:
		next = ModeRoundTrip
	case ModeRoundTrip:
		next = ModeSampleCounting
	default:
		return
	}
	monitoring.Logf("timesync: device %s not answering, falling back %s -> %s", d.id, d.mode, next)
	d.mode = next
}

// HandleNow folds a round-trip response into the device's offset estimate.
// receivedAt is the local clock when the response arrived.
func (e *Engine) HandleNow(id string, p packet.NowPayload, receivedAt time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	pend, ok := d.pending[p.RequestNumber]
	if !ok || pend.kind != requestNow {
		// Stale or unsolicited response; harmless.
		return nil
	}
	delete(d.pending, p.RequestNumber)

	d.rt.update(e.localMicros(pend.issuedAt), e.localMicros(receivedAt), d.tick.extend(p.DeviceTick))
	return nil
}

// HandleFrameTime folds a USB frame correlation response into the device's
// rate history, and into the offset estimate via its embedded clock reading.
func (e *Engine) HandleFrameTime(id string, p packet.FrameTimePayload, receivedAt time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	pend, ok := d.pending[p.RequestNumber]
	if !ok || pend.kind != requestFrameTime {
		return nil
	}
	delete(d.pending, p.RequestNumber)

	d.frames.add(p.FrameNumber, p.FrameTick)
	d.rt.update(e.localMicros(pend.issuedAt), e.localMicros(receivedAt), d.tick.extend(p.DeviceTick))
	return nil
}

// HandleFirstSampleTime records the device-clock time of the session's first
// sample. The anchor is published by Plan once an offset estimate exists to
// place it on the local axis.
func (e *Engine) HandleFirstSampleTime(id string, p packet.FirstSampleTimePayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	d.firstSampleTick = d.tick.extend(p.DeviceTick)
	d.firstSampleValid = true
	return nil
}

// ReportSamples accumulates received sample counts for the device's fastest
// stream; this is the only input the sample-counting fallback has.
func (e *Engine) ReportSamples(id string, n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	d.samples += int64(n)
	return nil
}

// Plan returns the current alignment plan for the device. The second return
// is false for unknown devices.
func (e *Engine) Plan(id string) (AlignmentPlan, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.devices[id]
	if !ok {
		return AlignmentPlan{}, false
	}

	plan := AlignmentPlan{
		DeviceID:     id,
		Mode:         d.mode,
		OffsetMicros: d.rt.offsetMicros(),
		RateFactor:   1.0,
	}
	// A first-sample tick is on the device axis; it only becomes an anchor
	// once an offset estimate can translate it to local time.
	if d.firstSampleValid && d.rt.sampleCount() > 0 {
		plan.AnchorMicros = d.firstSampleTick + d.rt.offsetMicros()
		plan.AnchorValid = true
	}

	primary := e.devices[e.primary]

	switch d.mode {
	case ModeUSBLocked:
		// Exempt from resampling only when the primary shares the locked
		// frame clock; otherwise the locked device is still nominally
		// aligned, rate factor 1.
		plan.Exempt = d.primary || (primary != nil && primary.mode == ModeUSBLocked)

	case ModeUSBFrameTimes:
		if primary != nil && !d.primary {
			devSlope, okDev := d.frames.slope()
			priSlope, okPri := primarySlope(primary)
			if okDev && okPri && priSlope > 0 &&
				d.frames.observations() >= e.opts.MinFramePairs {
				plan.RateFactor = devSlope / priSlope
			}
		}

	case ModeRoundTrip:
		if primary != nil && !d.primary {
			plan.RateFactor = d.rt.rateFactor() / primary.rt.rateFactor()
		}

	case ModeSampleCounting:
		if primary != nil && !d.primary && primary.samples > 0 && d.nominalRate > 0 && primary.nominalRate > 0 {
			devElapsed := float64(d.samples) / d.nominalRate
			priElapsed := float64(primary.samples) / primary.nominalRate
			if priElapsed > 0 {
				plan.RateFactor = devElapsed / priElapsed
			}
		}
		if !plan.AnchorValid && d.startTickValid {
			plan.AnchorMicros = d.startTick + d.startDelayMicros
			plan.AnchorValid = true
		}
	}

	return plan, true
}

// primarySlope returns the primary device's microseconds-per-frame estimate.
// A hardware-locked primary is by definition exactly nominal.
func primarySlope(primary *deviceState) (float64, bool) {
	if primary.mode == ModeUSBLocked {
		return 1000.0, true
	}
	return primary.frames.slope()
}

// Plans returns alignment plans for every registered device.
func (e *Engine) Plans() []AlignmentPlan {
	e.mu.Lock()
	ids := make([]string, 0, len(e.devices))
	for id := range e.devices {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	plans := make([]AlignmentPlan, 0, len(ids))
	for _, id := range ids {
		if p, ok := e.Plan(id); ok {
			plans = append(plans, p)
		}
	}
	return plans
}
