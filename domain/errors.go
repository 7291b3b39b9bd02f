package domain

import "errors"

// Device errors are fatal to the capture attempt that raised them.
var (
	ErrDeviceUnavailable = errors.New("audio input device unavailable")
	ErrPermissionDenied  = errors.New("permission to access audio input denied")
)

// Sync errors
var (
	// ErrTransport wraps any failure of the messaging channel itself.
	ErrTransport = errors.New("transport error")
	// ErrMalformedResponse is returned when the remote store replies with
	// something that cannot be decoded. Local state is left unchanged.
	ErrMalformedResponse = errors.New("malformed remote response")
	// ErrRemoteRejected is returned when the remote store answers with a
	// non-ok status envelope.
	ErrRemoteRejected = errors.New("remote store rejected request")
)

// ErrInvalidEdit is returned for edits that can never apply, such as an
// insert without payload. An edit that simply matches no chunk is not an error.
var ErrInvalidEdit = errors.New("invalid edit")
