package alpaca

import "errors"

// ErrorCode is an Alpaca error number as reported in the ErrorNumber field
// of every response.
type ErrorCode int

const (
	OK                   ErrorCode = 0
	NotImplemented       ErrorCode = 0x400
	InvalidValue         ErrorCode = 0x401
	ValueNotSet          ErrorCode = 0x402
	NotConnected         ErrorCode = 0x407
	InvalidOperation     ErrorCode = 0x40B
	ActionNotImplemented ErrorCode = 0x40C

	driverErrorMin ErrorCode = 0x500
	driverErrorMax ErrorCode = 0xFFF
)

var (
	ErrNotConnected           error = NotConnected
	ErrPropertyNotImplemented error = NotImplemented
	ErrInvalidValue           error = InvalidValue
	ErrInvalidOperation       error = InvalidOperation
)

// DriverError returns a driver specific error code. Codes outside the
// range reserved for drivers are mapped to the first driver code.
func DriverError(code int) ErrorCode {
	c := driverErrorMin + ErrorCode(code)
	if c < driverErrorMin || c > driverErrorMax {
		return driverErrorMin
	}
	return c
}

// IsDriverError reports whether c lies in the driver specific range.
func (c ErrorCode) IsDriverError() bool {
	return c >= driverErrorMin && c <= driverErrorMax
}

// Message returns the canonical error message for the code.
func (c ErrorCode) Message() string {
	switch c {
	case OK:
		return ""
	case NotImplemented:
		return "Property or method not implemented"
	case InvalidValue:
		return "Invalid value"
	case ValueNotSet:
		return "Value not set"
	case NotConnected:
		return "Not connected"
	case InvalidOperation:
		return "Invalid operation"
	case ActionNotImplemented:
		return "Action not implemented"
	}
	if c.IsDriverError() {
		return "Driver error"
	}
	return "Unknown code"
}

func (c ErrorCode) Error() string {
	return c.Message()
}

// CodeOf maps an error returned by a driver to the code reported on the
// wire. Errors that do not wrap an ErrorCode become a generic driver error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return OK
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	return driverErrorMin
}
