package influxdb

import "errors"

// Mirror failures are sentinel values so callers can branch with
// errors.Is. A disabled mirror is normal operation, not a fault.
var (
	// ErrDisabled means the readings mirror is switched off in config.
	ErrDisabled = errors.New("influxdb: mirror disabled")

	// ErrConnectionFailed means the initial probe of the server failed.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected means the client has been closed or never opened.
	ErrNotConnected = errors.New("influxdb: not connected")
)
