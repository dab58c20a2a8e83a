package devicelink

import "errors"

// Domain errors for the device link package.
var (
	// ErrLinkUnavailable is returned when the serial port cannot be acquired
	// (already held, missing, or rejected the settings) or is not open.
	ErrLinkUnavailable = errors.New("devicelink: link unavailable")

	// ErrWriteFailure is returned when writing a command to the device fails.
	ErrWriteFailure = errors.New("devicelink: write failure")
)
