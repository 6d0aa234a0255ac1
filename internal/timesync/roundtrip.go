package timesync

// roundTripEstimator tracks one device's clock offset and drift from
// request/response probe pairs.
//
// Each probe yields a measured offset: the local receive time minus the
// device clock reading corrected by half the round-trip interval. The first
// probe initialises the offset, the second initialises drift, and later
// probes blend the prediction residual into both with a fixed gain, which
// keeps single noisy probes from jerking the estimate around.
type roundTripEstimator struct {
	offset float64 // local minus device, microseconds
	drift  float64 // device-relative rate error, microseconds per microsecond

	lastLocalMicros int64
	count           int
	gain            float64
}

// update folds one probe into the estimate. localSend and localRecv are the
// local clock at request issue and response arrival; deviceTick is the
// device clock reading carried by the response. All microseconds.
func (e *roundTripEstimator) update(localSend, localRecv, deviceTick int64) {
	rtt := localRecv - localSend
	if rtt < 0 {
		return
	}
	latency := rtt / 2
	measured := float64(localRecv - (deviceTick + latency))

	switch e.count {
	case 0:
		e.offset = measured
		e.lastLocalMicros = localRecv
		e.count++
		return
	case 1:
		dt := float64(localRecv - e.lastLocalMicros)
		if dt > 0 {
			e.drift = (measured - e.offset) / dt
		}
		e.offset = measured
		e.lastLocalMicros = localRecv
		e.count++
		return
	}

	dt := float64(localRecv - e.lastLocalMicros)
	if dt <= 0 {
		return
	}
	predicted := e.offset + e.drift*dt
	residual := measured - predicted
	e.offset = predicted + e.gain*residual
	e.drift += e.gain * residual / dt
	e.lastLocalMicros = localRecv
	e.count++
}

// offsetMicros returns the current offset estimate (local minus device).
func (e *roundTripEstimator) offsetMicros() int64 {
	return int64(e.offset)
}

// rateFactor returns the device clock rate relative to the local clock. A
// device whose clock gains time reads greater than 1.
func (e *roundTripEstimator) rateFactor() float64 {
	// offset = local - device; a shrinking offset means the device clock is
	// catching up, i.e. running fast.
	return 1.0 - e.drift
}

func (e *roundTripEstimator) sampleCount() int {
	return e.count
}
