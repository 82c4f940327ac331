package acquire

import (
	"errors"
	"fmt"
)

// DeviceError reports a failed hardware operation. It is fatal to the
// session and never retried.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// ConfigurationError reports invalid Options. It is returned before any
// hardware allocation happens.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid acquisition configuration: %s: %s", e.Field, e.Reason)
}

// CallbackFault reports a failure while turning a ready buffer into a frame,
// including a panicking sink. The buffer has already been returned.
type CallbackFault struct {
	Seq uint64
	Err error
}

func (e *CallbackFault) Error() string {
	return fmt.Sprintf("frame %d: callback fault: %v", e.Seq, e.Err)
}

func (e *CallbackFault) Unwrap() error { return e.Err }

func deviceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return err
	}
	return &DeviceError{Op: op, Err: err}
}

// IsConfigurationError reports whether err carries a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsDeviceError reports whether err carries a DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}
