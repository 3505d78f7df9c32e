// Package errs declares the sentinel errors shared across internal/storage,
// internal/uplink and internal/downlink, the way the teacher's storage
// package declares ErrDoesNotExist / ErrInvalidFPort at package level.
package errs

import "errors"

var (
	// ErrDoesNotExist is returned when a lookup by primary key finds
	// nothing.
	ErrDoesNotExist = errors.New("object does not exist")

	// ErrAlreadyExists is returned by a create operation whose key
	// collides with an existing row.
	ErrAlreadyExists = errors.New("object already exists")

	// ErrInvalidMIC is returned when no device-session candidate's MIC
	// verifies for an uplink.
	ErrInvalidMIC = errors.New("invalid MIC")

	// ErrInvalidFPort is returned for an FPort outside [1,255].
	ErrInvalidFPort = errors.New("fPort must be between 1 and 255")

	// ErrAbort signals that the calling pipeline should stop processing
	// the current frame without it being an operational failure (e.g. a
	// retransmission or a disabled device).
	ErrAbort = errors.New("abort")

	// ErrDeviceIsDisabled is returned by the uplink pipeline when the
	// owning device has been administratively disabled.
	ErrDeviceIsDisabled = errors.New("device is disabled")

	// ErrInvalidDevNonce is returned by the join handler when a DevNonce
	// has already been used by the given device.
	ErrInvalidDevNonce = errors.New("invalid dev_nonce (already used)")

	// ErrDownlinkPayloadTooLarge is returned when a queue item's payload
	// cannot fit in the selected data-rate's max-payload size.
	ErrDownlinkPayloadTooLarge = errors.New("downlink payload too large")

	// ErrNoDeviceSession is returned by operations that need a
	// device-session but none has been activated yet.
	ErrNoDeviceSession = errors.New("device does not have a device-session")

	// ErrNoLastRXInfoSet is returned when a downlink needs the uplink's
	// gateway RX metadata but none has ever been recorded for the
	// device.
	ErrNoLastRXInfoSet = errors.New("no last rx-info set available")
)
