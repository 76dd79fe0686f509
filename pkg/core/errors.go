package core

import (
	"errors"
	"fmt"
)

// ErrNoDeviceFound is matched with errors.Is for every device lookup miss.
var ErrNoDeviceFound = errors.New("no device found")

// ErrUnsupportedPlatform is returned when an operation does not apply to a target platform.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// NoDeviceFoundError describes a device lookup that matched nothing.
type NoDeviceFoundError struct {
	Target     string // e.g., "ios-device_14.2"
	DeviceName string // Requested name or UDID, may be empty
	Reason     string
}

// Error implements the error interface
func (e *NoDeviceFoundError) Error() string {
	msg := fmt.Sprintf("no device found for target %s", e.Target)
	if e.DeviceName != "" {
		msg += fmt.Sprintf(" with name/UDID %q", e.DeviceName)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is makes errors.Is(err, ErrNoDeviceFound) hold.
func (e *NoDeviceFoundError) Is(target error) bool {
	return target == ErrNoDeviceFound
}

// CommandError is a native tool failure carrying its process result.
type CommandError struct {
	Command string
	Result  ProcessExecutionResult
	Output  string
}

// Error implements the error interface
func (e *CommandError) Error() string {
	if e.Result.TimedOut {
		return fmt.Sprintf("%s timed out", e.Command)
	}
	return fmt.Sprintf("%s exited with code %d", e.Command, e.Result.ExitCode)
}
