package alpaca

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodeMessage(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected string
	}{
		{OK, ""},
		{NotImplemented, "Property or method not implemented"},
		{InvalidValue, "Invalid value"},
		{ValueNotSet, "Value not set"},
		{NotConnected, "Not connected"},
		{InvalidOperation, "Invalid operation"},
		{ActionNotImplemented, "Action not implemented"},
		{0x500, "Driver error"},
		{0xFFF, "Driver error"},
		{0x1000, "Unknown code"},
		{0x403, "Unknown code"},
		{0x408, "Unknown code"},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("0x%X", int(tc.code)), func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.code.Message())
		})
	}
}

func TestErrorCodeValues(t *testing.T) {
	assert.Equal(t, 0x400, int(NotImplemented))
	assert.Equal(t, 0x401, int(InvalidValue))
	assert.Equal(t, 0x402, int(ValueNotSet))
	assert.Equal(t, 0x407, int(NotConnected))
	assert.Equal(t, 0x40B, int(InvalidOperation))
	assert.Equal(t, 0x40C, int(ActionNotImplemented))
}

func TestDriverError(t *testing.T) {
	assert.Equal(t, ErrorCode(0x500), DriverError(0))
	assert.Equal(t, ErrorCode(0x5FF), DriverError(0xFF))
	assert.Equal(t, ErrorCode(0xFFF), DriverError(0xAFF))
	assert.Equal(t, driverErrorMin, DriverError(0xB00))
	assert.Equal(t, driverErrorMin, DriverError(-1))
	assert.True(t, DriverError(10).IsDriverError())
	assert.False(t, InvalidValue.IsDriverError())
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, OK, CodeOf(nil))
	assert.Equal(t, NotConnected, CodeOf(ErrNotConnected))
	assert.Equal(t, InvalidValue, CodeOf(fmt.Errorf("bad gain: %w", ErrInvalidValue)))
	assert.Equal(t, driverErrorMin, CodeOf(errors.New("serial timeout")))
	assert.EqualError(t, ErrPropertyNotImplemented, "Property or method not implemented")
}
