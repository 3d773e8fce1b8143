package collect

import "errors"

// ErrCycleInFlight is returned when a collection cycle is requested
// while another is still running. The caller's request is a no-op.
var ErrCycleInFlight = errors.New("collect: collection cycle already in flight")
