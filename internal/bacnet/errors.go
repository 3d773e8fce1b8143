package bacnet

import "errors"

// Domain errors for the BACnet read pipeline.
var (
	// ErrNotConnected is returned when an operation needs the gateway
	// connection and it is down.
	ErrNotConnected = errors.New("bacnet: not connected to gateway")

	// ErrConnectionFailed is returned when connecting to the gateway fails.
	ErrConnectionFailed = errors.New("bacnet: gateway connection failed")

	// ErrInvalidObjectRef is returned when an object reference string
	// cannot be parsed.
	ErrInvalidObjectRef = errors.New("bacnet: invalid object reference")

	// ErrReadTimeout is returned when a device read exceeds its deadline.
	// Batch reads may carry partial results alongside this error.
	ErrReadTimeout = errors.New("bacnet: read timed out")

	// ErrDeviceOffline is returned when a device fails its connectivity
	// probe or the gateway reports it unreachable.
	ErrDeviceOffline = errors.New("bacnet: device offline")

	// ErrObjectFault is returned when a device answers a read with an
	// error for that object (unknown object, access denied).
	ErrObjectFault = errors.New("bacnet: object read fault")

	// ErrBadValue is returned when a device response cannot be
	// normalised to a number.
	ErrBadValue = errors.New("bacnet: unusable value in response")
)
