package session

import (
	"errors"
	"fmt"
)

var (
	// Capture source refused the request.
	ErrPermissionDenied = errors.New("permission denied")
	// No capture device (or none matching the constraints) is available.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// The recorder sink rejected the format/stream combination.
	ErrUnsupportedConfiguration = errors.New("unsupported configuration")

	ErrInvalidState        = errors.New("operation not allowed in current state")
	ErrOperationInProgress = errors.New("another operation is in progress")
	ErrNoFormatSelected    = errors.New("no output format selected")
	ErrUnsupportedFormat   = errors.New("output format not supported")
	ErrUnknownTrack        = errors.New("unknown background track")
	ErrNoTrackSelected     = errors.New("no background track selected")
	ErrNoStream            = errors.New("no captured stream")
	ErrClosed              = errors.New("session closed")
	ErrNoExporter          = errors.New("no export mechanism configured")
)

func invalidState(op string, s State) error {
	return fmt.Errorf("%w: %s in state %s", ErrInvalidState, op, s)
}
