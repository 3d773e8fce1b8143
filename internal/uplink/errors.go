package uplink

import "errors"

var (
	// ErrUnreachable is returned when the remote sync service cannot be
	// reached or does not answer usably. The batch involved is still
	// intact in the local queue; callers back off and retry.
	ErrUnreachable = errors.New("uplink: remote unreachable")

	// ErrUploadInFlight is returned by TriggerUpload when an upload
	// cycle is already running. The trigger performs no queue work.
	ErrUploadInFlight = errors.New("uplink: upload cycle already in flight")

	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("uplink: already running")
)
