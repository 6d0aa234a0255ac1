package packet

// Host-to-device commands. Each is a single ASCII byte, optionally followed
// by a single argument byte.
const (
	CmdBeginSampling        = 'b'
	CmdStopSampling         = 's'
	CmdRequestVersion       = 'v'
	CmdRequestNow           = 'n' // followed by a request sequence byte
	CmdRequestFirstSample   = 'f'
	CmdRequestFrameTime     = 'l' // followed by a request sequence byte
	CmdSetSampleRate        = 'r' // followed by a rate index byte
)

// BeginSampling encodes the begin-sampling command.
func BeginSampling() []byte { return []byte{CmdBeginSampling} }

// StopSampling encodes the stop-sampling command.
func StopSampling() []byte { return []byte{CmdStopSampling} }

// RequestVersion encodes the version handshake request.
func RequestVersion() []byte { return []byte{CmdRequestVersion} }

// RequestNow encodes a now-time request carrying the sequence number the
// device echoes back in its NowPayload.
func RequestNow(seq uint8) []byte { return []byte{CmdRequestNow, seq} }

// RequestFirstSampleTime encodes the first-sample-time request.
func RequestFirstSampleTime() []byte { return []byte{CmdRequestFirstSample} }

// RequestFrameTime encodes a latest-USB-frame-time request carrying the
// sequence number the device echoes back in its FrameTimePayload.
func RequestFrameTime(seq uint8) []byte { return []byte{CmdRequestFrameTime, seq} }

// SetSampleRate encodes the set-sample-rate command for the given rate table
// index.
func SetSampleRate(index uint8) []byte { return []byte{CmdSetSampleRate, index} }
