package timesync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daqline/daqline/internal/packet"
	"github.com/daqline/daqline/internal/timeutil"
)

type issuedRequest struct {
	device string
	seq    uint8
	kind   requestKind
}

// fakeRequester records issued requests so tests can script responses.
type fakeRequester struct {
	issued []issuedRequest
	firsts []string
	err    error
}

func (f *fakeRequester) RequestNow(deviceID string, seq uint8) error {
	if f.err != nil {
		return f.err
	}
	f.issued = append(f.issued, issuedRequest{deviceID, seq, requestNow})
	return nil
}

func (f *fakeRequester) RequestFrameTime(deviceID string, seq uint8) error {
	if f.err != nil {
		return f.err
	}
	f.issued = append(f.issued, issuedRequest{deviceID, seq, requestFrameTime})
	return nil
}

func (f *fakeRequester) RequestFirstSampleTime(deviceID string) error {
	f.firsts = append(f.firsts, deviceID)
	return nil
}

func (f *fakeRequester) take() []issuedRequest {
	out := f.issued
	f.issued = nil
	return out
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *fakeRequester, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	req := &fakeRequester{}
	return New(clock, req, opts), req, clock
}

func TestModeSelection(t *testing.T) {
	tests := []struct {
		name string
		caps packet.CapabilityMask
		want Mode
	}{
		{"no capabilities", 0, ModeSampleCounting},
		{"round trip only", packet.CapRoundTrip, ModeRoundTrip},
		{"frame times", packet.CapRoundTrip | packet.CapFrameTimes, ModeUSBFrameTimes},
		{"lock capable without phase lock", packet.CapRoundTrip | packet.CapFrameTimes | packet.CapUSBLockCapable, ModeUSBFrameTimes},
		{"fully locked", packet.CapRoundTrip | packet.CapFrameTimes | packet.CapUSBLockCapable | packet.CapHardwarePhaseLock, ModeUSBLocked},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			eng, _, _ := newTestEngine(t, Options{})
			mode, err := eng.AddDevice("dev", tc.caps, 1000, false)
			require.NoError(t, err)
			assert.Equal(t, tc.want, mode)
		})
	}
}

func TestDeviceRegistrationRules(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})

	_, err := eng.AddDevice("a", packet.CapRoundTrip, 1000, true)
	require.NoError(t, err)

	_, err = eng.AddDevice("a", packet.CapRoundTrip, 1000, false)
	assert.ErrorIs(t, err, ErrDuplicateDevice)

	_, err = eng.AddDevice("b", packet.CapRoundTrip, 1000, true)
	assert.ErrorIs(t, err, ErrPrimaryExists)

	eng.RemoveDevice("a")
	_, err = eng.AddDevice("b", packet.CapRoundTrip, 1000, true)
	assert.NoError(t, err)
}

// respondNow answers every outstanding now request for the device, simulating
// a device whose clock reads local minus offsetMicros and a fixed one-way
// latency each direction.
func respondNow(t *testing.T, eng *Engine, req *fakeRequester, clock *timeutil.MockClock,
	epoch time.Time, device string, offsetMicros int64, oneWay time.Duration) {
	t.Helper()
	for _, r := range req.take() {
		if r.device != device || r.kind != requestNow {
			continue
		}
		// The request reaches the device after one latency; the device
		// stamps its clock; the response arrives after another.
		serviceLocal := clock.Now().Add(oneWay)
		deviceTick := int32(serviceLocal.Sub(epoch).Microseconds() - offsetMicros)
		clock.Advance(2 * oneWay)
		require.NoError(t, eng.HandleNow(device, packet.NowPayload{
			RequestNumber: r.seq,
			DeviceTick:    deviceTick,
		}, clock.Now()))
	}
}

func TestRoundTripOffsetConvergence(t *testing.T) {
	const offsetMicros = 250_000 // device clock lags local by 250 ms
	const oneWay = 2 * time.Millisecond

	eng, req, clock := newTestEngine(t, Options{})
	epoch := clock.Now()

	_, err := eng.AddDevice("primary", packet.CapRoundTrip, 1000, true)
	require.NoError(t, err)
	_, err = eng.AddDevice("secondary", packet.CapRoundTrip, 1000, false)
	require.NoError(t, err)

	for cycle := 0; cycle < 10; cycle++ {
		eng.Tick()
		respondNow(t, eng, req, clock, epoch, "secondary", offsetMicros, oneWay)
		clock.Advance(time.Second)
	}

	plan, ok := eng.Plan("secondary")
	require.True(t, ok)
	assert.Equal(t, ModeRoundTrip, plan.Mode)

	// With fixed symmetric latency the estimate must land within twice the
	// one-way latency of the true offset.
	bound := 2 * oneWay.Microseconds()
	assert.InDelta(t, offsetMicros, plan.OffsetMicros, float64(bound),
		"offset estimate outside 2L of the true offset")
}

func TestFirstSampleAnchor(t *testing.T) {
	eng, req, clock := newTestEngine(t, Options{})
	epoch := clock.Now()

	_, err := eng.AddDevice("dev", packet.CapRoundTrip, 1000, true)
	require.NoError(t, err)

	eng.StartSession()
	assert.Equal(t, []string{"dev"}, req.firsts, "session start must request the first-sample anchor")

	// Converge the offset, then anchor.
	for cycle := 0; cycle < 5; cycle++ {
		eng.Tick()
		respondNow(t, eng, req, clock, epoch, "dev", 100_000, time.Millisecond)
		clock.Advance(time.Second)
	}
	firstTick := int32(clock.Now().Sub(epoch).Microseconds() - 100_000)
	require.NoError(t, eng.HandleFirstSampleTime("dev", packet.FirstSampleTimePayload{DeviceTick: firstTick}))

	plan, ok := eng.Plan("dev")
	require.True(t, ok)
	require.True(t, plan.AnchorValid)
	wantLocal := clock.Now().Sub(epoch).Microseconds()
	assert.InDelta(t, wantLocal, plan.AnchorMicros, 2_000)
}

// respondFrameTime answers outstanding frame-time requests with a device
// clock running at the given microseconds per USB frame.
func respondFrameTime(t *testing.T, eng *Engine, req *fakeRequester, clock *timeutil.MockClock,
	epoch time.Time, device string, microsPerFrame float64) {
	t.Helper()
	for _, r := range req.take() {
		if r.device != device {
			continue
		}
		elapsed := clock.Now().Sub(epoch)
		frame := uint16(elapsed.Milliseconds() % usbFrameModulus)
		frames := float64(elapsed.Milliseconds())
		tick := int32(frames * microsPerFrame)
		switch r.kind {
		case requestFrameTime:
			require.NoError(t, eng.HandleFrameTime(device, packet.FrameTimePayload{
				RequestNumber: r.seq,
				DeviceTick:    tick,
				FrameNumber:   frame,
				FrameTick:     tick,
			}, clock.Now()))
		case requestNow:
			require.NoError(t, eng.HandleNow(device, packet.NowPayload{
				RequestNumber: r.seq,
				DeviceTick:    tick,
			}, clock.Now()))
		}
	}
}

func TestFrameTimeRateFactorConvergence(t *testing.T) {
	caps := packet.CapRoundTrip | packet.CapFrameTimes
	eng, req, clock := newTestEngine(t, Options{})
	epoch := clock.Now()

	_, err := eng.AddDevice("primary", caps, 1000, true)
	require.NoError(t, err)
	_, err = eng.AddDevice("secondary", caps, 1000, false)
	require.NoError(t, err)

	// The secondary's crystal runs +50 ppm fast: 1000.05 device-microseconds
	// per 1 ms USB frame against the primary's exact 1000.
	for cycle := 0; cycle < 8; cycle++ {
		clock.Advance(time.Second)
		eng.Tick()
		respondFrameTime(t, eng, req, clock, epoch, "primary", 1000.0)
		respondFrameTime(t, eng, req, clock, epoch, "secondary", 1000.05)
	}

	plan, ok := eng.Plan("secondary")
	require.True(t, ok)
	assert.Equal(t, ModeUSBFrameTimes, plan.Mode)

	// Within 5% of the injected 50 ppm.
	assert.InDelta(t, 1.00005, plan.RateFactor, 0.05*50e-6)

	// The primary itself never gets resampled.
	pplan, ok := eng.Plan("primary")
	require.True(t, ok)
	assert.Equal(t, 1.0, pplan.RateFactor)
}

func TestUSBLockedExemption(t *testing.T) {
	locked := packet.CapRoundTrip | packet.CapFrameTimes | packet.CapUSBLockCapable | packet.CapHardwarePhaseLock

	eng, _, _ := newTestEngine(t, Options{})
	_, err := eng.AddDevice("primary", locked, 1000, true)
	require.NoError(t, err)
	_, err = eng.AddDevice("secondary", locked, 1000, false)
	require.NoError(t, err)

	plan, ok := eng.Plan("secondary")
	require.True(t, ok)
	assert.Equal(t, ModeUSBLocked, plan.Mode)
	assert.True(t, plan.Exempt, "two hardware-locked devices share the frame clock")
	assert.Equal(t, 1.0, plan.RateFactor)
}

func TestUSBLockedNotExemptAgainstUnlockedPrimary(t *testing.T) {
	locked := packet.CapRoundTrip | packet.CapFrameTimes | packet.CapUSBLockCapable | packet.CapHardwarePhaseLock

	eng, _, _ := newTestEngine(t, Options{})
	_, err := eng.AddDevice("primary", packet.CapRoundTrip, 1000, true)
	require.NoError(t, err)
	_, err = eng.AddDevice("secondary", locked, 1000, false)
	require.NoError(t, err)

	plan, ok := eng.Plan("secondary")
	require.True(t, ok)
	assert.False(t, plan.Exempt)
}

func TestUSBLockedAnchorRequiresOffset(t *testing.T) {
	locked := packet.CapRoundTrip | packet.CapFrameTimes | packet.CapUSBLockCapable | packet.CapHardwarePhaseLock
	eng, req, clock := newTestEngine(t, Options{})
	epoch := clock.Now()

	_, err := eng.AddDevice("dev", locked, 1000, true)
	require.NoError(t, err)

	eng.StartSession()
	require.Equal(t, []string{"dev"}, req.firsts)
	require.NoError(t, eng.HandleFirstSampleTime("dev", packet.FirstSampleTimePayload{DeviceTick: 0}))

	// The first-sample tick is on the device axis: without an offset
	// estimate it cannot anchor anything.
	plan, ok := eng.Plan("dev")
	require.True(t, ok)
	assert.False(t, plan.AnchorValid)

	// A locked device still gets one bootstrap round-trip probe.
	eng.Tick()
	respondNow(t, eng, req, clock, epoch, "dev", 100_000, time.Millisecond)

	plan, _ = eng.Plan("dev")
	require.True(t, plan.AnchorValid)
	assert.InDelta(t, 100_000, plan.AnchorMicros, 2_000)

	// Once the offset exists the probes stop.
	eng.Tick()
	assert.Empty(t, req.take())
}

func TestTimeoutFallbackTiers(t *testing.T) {
	caps := packet.CapRoundTrip | packet.CapFrameTimes
	eng, req, clock := newTestEngine(t, Options{ResponseTimeout: 3 * time.Second})

	_, err := eng.AddDevice("dev", caps, 1000, false)
	require.NoError(t, err)

	mode, _ := eng.Mode("dev")
	require.Equal(t, ModeUSBFrameTimes, mode)

	// Never answer anything: each expiry drops the device one tier.
	eng.Tick() // issues frame-time + now requests
	req.take()
	clock.Advance(4 * time.Second)

	eng.Tick() // expiry: frame-times -> round-trip, issues a now request
	req.take()
	mode, _ = eng.Mode("dev")
	assert.Equal(t, ModeRoundTrip, mode)
	clock.Advance(4 * time.Second)

	eng.Tick() // expiry: round-trip -> sample counting
	req.take()
	mode, _ = eng.Mode("dev")
	assert.Equal(t, ModeSampleCounting, mode)

	// The bottom tier issues no requests and never degrades further.
	eng.Tick()
	assert.Empty(t, req.take())
	clock.Advance(time.Hour)
	eng.Tick()
	mode, _ = eng.Mode("dev")
	assert.Equal(t, ModeSampleCounting, mode)
}

func TestSampleCountingRateFactor(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})

	_, err := eng.AddDevice("primary", packet.CapRoundTrip, 1000, true)
	require.NoError(t, err)
	_, err = eng.AddDevice("dev", 0, 500, false)
	require.NoError(t, err)

	// Over the same wall interval the primary produced exactly nominal and
	// the secondary produced 0.01% extra.
	require.NoError(t, eng.ReportSamples("primary", 100_000))
	require.NoError(t, eng.ReportSamples("dev", 50_005))

	plan, ok := eng.Plan("dev")
	require.True(t, ok)
	assert.Equal(t, ModeSampleCounting, plan.Mode)
	assert.InDelta(t, 1.0001, plan.RateFactor, 1e-6)
}

func TestSampleCountingStartHints(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})

	_, err := eng.AddDevice("dev", 0, 1000, false)
	require.NoError(t, err)
	require.NoError(t, eng.SetStartHints("dev", 1_500, 42_000_000))

	plan, ok := eng.Plan("dev")
	require.True(t, ok)
	require.True(t, plan.AnchorValid)
	assert.Equal(t, int64(42_001_500), plan.AnchorMicros)

	assert.ErrorIs(t, eng.SetStartHints("nope", 0, 0), ErrUnknownDevice)
}

func TestStaleResponsesIgnored(t *testing.T) {
	eng, _, clock := newTestEngine(t, Options{})

	_, err := eng.AddDevice("dev", packet.CapRoundTrip, 1000, true)
	require.NoError(t, err)

	// Unsolicited response: no pending request with that sequence number.
	require.NoError(t, eng.HandleNow("dev", packet.NowPayload{RequestNumber: 99, DeviceTick: 5}, clock.Now()))
	plan, _ := eng.Plan("dev")
	assert.Equal(t, int64(0), plan.OffsetMicros)

	// Unknown device errors.
	assert.ErrorIs(t, eng.HandleNow("ghost", packet.NowPayload{}, clock.Now()), ErrUnknownDevice)
}
