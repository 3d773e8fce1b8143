// Package bacnet implements the BACnet read pipeline for MeterSync.
//
// This package collects present values from BACnet/IP metering devices.
// It does not speak the BACnet wire protocol itself: all bus access goes
// through the bacgw gateway daemon, which owns the BACnet/IP socket and
// exposes a line-delimited JSON request/response protocol.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐
//	│    MeterSync    │   JSON   │      bacgw      │  BACnet/IP
//	│   (this pkg)    │◄────────►│     daemon      │◄──────────► Meters
//	└─────────────────┘          └─────────────────┘
//
// # Key Responsibilities
//
//   - Talk to the bacgw daemon via TCP or Unix socket
//   - Probe device reachability before spending read budget on it
//   - Batch object reads with adaptive batch sizing
//   - Fall back to one-register-at-a-time reads when batching fails
//   - Normalise loose present-value shapes into plain numbers
//
// # Object References
//
// Data points are addressed as BACnet objects in type:instance form
// (e.g. "analog-input:1"). CamelCase type names are accepted and
// normalised on parse.
//
// Example:
//
//	obj, err := bacnet.ParseObjectRef("analog-input:1")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(obj.String()) // "analog-input:1"
//
// # Read Pipeline
//
// Coordinator runs one device's cycle as a small state machine:
// connectivity probe, batched reads sized by BatchSizer, sequential
// fallback, then aggregation. Every configured register ends the cycle
// with exactly one outcome (a value or an error); device trouble is
// converted into per-register outcomes rather than propagated, so one
// bad meter cannot interrupt collection for the rest.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
//
// # References
//
//   - BACnet standard: ASHRAE 135
package bacnet
