package mqtt

import "errors"

// Sentinel errors; match with errors.Is.
var (
	// ErrConnectionFailed wraps a failed initial dial. Once connected,
	// paho owns retries and this error no longer appears.
	ErrConnectionFailed = errors.New("mqtt: connect failed")

	// ErrNotConnected means the session is down right now. Callers
	// treat it as transient; the sideband catches up on reconnect.
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrPublishFailed and ErrSubscribeFailed wrap broker refusals and
	// ack timeouts.
	ErrPublishFailed   = errors.New("mqtt: publish failed")
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidTopic and ErrInvalidQoS reject bad arguments before
	// anything reaches the wire.
	ErrInvalidTopic = errors.New("mqtt: empty topic")
	ErrInvalidQoS   = errors.New("mqtt: qos must be 0, 1 or 2")
)
