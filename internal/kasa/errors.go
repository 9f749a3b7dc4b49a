package kasa

import (
	"errors"
	"fmt"
)

// ErrDevice is the root of every error returned by this package.
var ErrDevice = errors.New("kasa: device error")

var (
	// ErrAuthentication means the device rejected or required credentials.
	ErrAuthentication = fmt.Errorf("%w: authentication failed", ErrDevice)
	// ErrTimeout means the device did not answer in time.
	ErrTimeout = fmt.Errorf("%w: timed out", ErrDevice)
	// ErrInvalidConfig means a serialized DeviceConfig could not be parsed.
	ErrInvalidConfig = fmt.Errorf("%w: invalid device config", ErrDevice)
	// ErrNotSupported means the device lacks the requested capability.
	ErrNotSupported = fmt.Errorf("%w: not supported", ErrDevice)
)

// ResponseError is an err_code returned inside a device response.
type ResponseError struct {
	Module string
	Method string
	Code   int
	Msg    string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("kasa: %s.%s returned %d: %s", e.Module, e.Method, e.Code, e.Msg)
}

func (e *ResponseError) Unwrap() error { return ErrDevice }
