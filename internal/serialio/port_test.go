package serialio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestPortOptionsNormalizeDefaults(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, 115200, opts.BaudRate)
	assert.Equal(t, 8, opts.DataBits)
	assert.Equal(t, 1, opts.StopBits)
	assert.Equal(t, "N", opts.Parity)
}

func TestPortOptionsNormalizeValidation(t *testing.T) {
	tests := []struct {
		name    string
		opts    PortOptions
		wantErr bool
	}{
		{"valid explicit", PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "E"}, false},
		{"parity word", PortOptions{Parity: "even"}, false},
		{"odd parity", PortOptions{Parity: "O"}, false},
		{"bad data bits", PortOptions{DataBits: 4}, true},
		{"bad stop bits", PortOptions{StopBits: 3}, true},
		{"bad parity", PortOptions{Parity: "X"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.opts.Normalize()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPortOptionsSerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 921600, Parity: "odd"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 921600, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.OddParity, mode.Parity)

	_, err = PortOptions{Parity: "Q"}.SerialMode()
	assert.Error(t, err)
}
